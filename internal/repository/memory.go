package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spendwise/rewards-system/internal/model"
)

// MemoryRepository хранит журнал баллов в памяти. Используется в тестах
// и при запуске без строки подключения к БД. Семантика операций совпадает
// с PostgresRepository: журнал только дописывается, списание атомарно.
type MemoryRepository struct {
	mu sync.Mutex

	users       map[int64]*model.User
	usersByName map[string]int64
	entries     []model.LedgerEntry

	nextUserID  int64
	nextEntryID int64

	now func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       make(map[int64]*model.User),
		usersByName: make(map[string]int64),
		now:         time.Now,
	}
}

// SetClock заменяет источник времени хранилища. Нужен тестам границ месяца.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Close освобождает ресурсы хранилища.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *MemoryRepository) CreateUser(_ context.Context, login, email string, passwordHash []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.usersByName[login]; ok {
		return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
	}

	r.nextUserID++
	u := &model.User{
		ID:           r.nextUserID,
		Login:        login,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    r.now(),
	}
	r.users[u.ID] = u
	r.usersByName[login] = u.ID

	return u.ID, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *MemoryRepository) GetUserByLogin(_ context.Context, login string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.usersByName[login]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := *r.users[id]
	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *MemoryRepository) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// SetAdmin выставляет пользователю флаг администратора.
func (r *MemoryRepository) SetAdmin(id int64, isAdmin bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.users[id]; ok {
		u.IsAdmin = isAdmin
	}
}

// CreateLedgerEntry добавляет запись в журнал.
func (r *MemoryRepository) CreateLedgerEntry(_ context.Context, entry *model.LedgerEntry) (*model.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.appendLocked(entry)
	if err != nil {
		return nil, err
	}
	cp := *e
	return &cp, nil
}

func (r *MemoryRepository) appendLocked(entry *model.LedgerEntry) (*model.LedgerEntry, error) {
	if entry.Points < 0 {
		return nil, fmt.Errorf("points must be non-negative, got %d", entry.Points)
	}

	r.nextEntryID++
	e := *entry
	e.ID = r.nextEntryID
	e.CreatedAt = r.now()
	r.entries = append(r.entries, e)

	return &r.entries[len(r.entries)-1], nil
}

// GetLedgerEntryByID возвращает запись журнала по идентификатору.
func (r *MemoryRepository) GetLedgerEntryByID(_ context.Context, id int64) (*model.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].ID == id {
			cp := r.entries[i]
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

// GetLedgerHistory возвращает страницу истории пользователя (новые записи первыми) и общее число записей.
func (r *MemoryRepository) GetLedgerHistory(_ context.Context, userID int64, limit, offset int) ([]model.LedgerEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []model.LedgerEntry
	for i := range r.entries {
		if r.entries[i].UserID == userID {
			all = append(all, r.entries[i])
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := int64(len(all))

	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	page := make([]model.LedgerEntry, end-offset)
	copy(page, all[offset:end])

	return page, total, nil
}

// UpdateLedgerStatus переводит статус ожидающих начислений пользователя.
// Все подходящие записи переводятся за одну операцию под общей блокировкой.
func (r *MemoryRepository) UpdateLedgerStatus(_ context.Context, userID int64, source, sourceID string, from, to model.EntryStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for i := range r.entries {
		e := &r.entries[i]
		if e.UserID != userID || e.Source != source || e.Type != model.EntryTypeEarn || e.Status != from {
			continue
		}
		if sourceID != "" && e.SourceID != sourceID {
			continue
		}
		e.Status = to
		count++
	}

	return count, nil
}

func (r *MemoryRepository) availableLocked(userID int64) int64 {
	var balance int64
	for i := range r.entries {
		e := &r.entries[i]
		if e.UserID != userID || e.Status != model.EntryStatusAvailable {
			continue
		}
		switch e.Type {
		case model.EntryTypeEarn, model.EntryTypeAdjustCredit:
			balance += e.Points
		case model.EntryTypeSpend, model.EntryTypeReversal, model.EntryTypeAdjustDebit:
			balance -= e.Points
		}
	}
	return balance
}

// AvailableBalance возвращает доступный баланс пользователя.
func (r *MemoryRepository) AvailableBalance(_ context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableLocked(userID), nil
}

// PendingPoints возвращает сумму ожидающих подтверждения начислений пользователя.
func (r *MemoryRepository) PendingPoints(_ context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending int64
	for i := range r.entries {
		e := &r.entries[i]
		if e.UserID == userID && e.Status == model.EntryStatusPending && e.Type == model.EntryTypeEarn {
			pending += e.Points
		}
	}
	return pending, nil
}

// LifetimeEarned возвращает накопленную сумму подтверждённых начислений.
func (r *MemoryRepository) LifetimeEarned(_ context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lifetime int64
	for i := range r.entries {
		e := &r.entries[i]
		if e.UserID != userID || e.Status != model.EntryStatusAvailable {
			continue
		}
		if e.Type == model.EntryTypeEarn || e.Type == model.EntryTypeAdjustCredit {
			lifetime += e.Points
		}
	}
	return lifetime, nil
}

// MonthlyEarned возвращает сумму начислений пользователя начиная с указанного момента.
func (r *MemoryRepository) MonthlyEarned(_ context.Context, userID int64, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var earned int64
	for i := range r.entries {
		e := &r.entries[i]
		if e.UserID != userID || e.Type != model.EntryTypeEarn {
			continue
		}
		if e.Status != model.EntryStatusAvailable && e.Status != model.EntryStatusPending {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		earned += e.Points
	}
	return earned, nil
}

// HasEarnEntry сообщает, существует ли начисление с указанными источником и
// идентификатором события, независимо от статуса записи.
func (r *MemoryRepository) HasEarnEntry(_ context.Context, userID int64, source, sourceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		e := &r.entries[i]
		if e.UserID == userID && e.Source == source && e.SourceID == sourceID && e.Type == model.EntryTypeEarn {
			return true, nil
		}
	}
	return false, nil
}

// CreateSpend создаёт запись о списании баллов. Проверка баланса и добавление
// записи выполняются под одной блокировкой.
func (r *MemoryRepository) CreateSpend(_ context.Context, userID int64, points int64, source, sourceID string) (*model.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[userID]; !ok {
		return nil, ErrUserNotFound
	}

	available := r.availableLocked(userID)
	if points > available {
		return nil, &InsufficientBalanceError{Available: available, Requested: points}
	}

	e, err := r.appendLocked(&model.LedgerEntry{
		UserID:   userID,
		Type:     model.EntryTypeSpend,
		Status:   model.EntryStatusAvailable,
		Points:   points,
		Source:   source,
		SourceID: sourceID,
	})
	if err != nil {
		return nil, err
	}

	cp := *e
	return &cp, nil
}

// GetPendingReferralEntries возвращает ожидающие подтверждения реферальные начисления.
func (r *MemoryRepository) GetPendingReferralEntries(_ context.Context, source string, limit int) ([]PendingReferral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []PendingReferral
	for i := range r.entries {
		e := &r.entries[i]
		if e.Source != source || e.Type != model.EntryTypeEarn || e.Status != model.EntryStatusPending {
			continue
		}
		res = append(res, PendingReferral{UserID: e.UserID, SourceID: e.SourceID})
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}
