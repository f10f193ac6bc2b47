package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spendwise/rewards-system/internal/model"
	"github.com/spendwise/rewards-system/internal/repository"
)

// ErrInvalidPoints возвращается, когда требуется положительная величина баллов.
var ErrInvalidPoints = errors.New("points must be positive")

// Известные источники движений баллов.
const (
	SourceReferral   = "referral"
	SourceAdmin      = "admin"
	SourceRedemption = "redemption"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// EarnOptions содержит необязательные параметры начисления.
type EarnOptions struct {
	Status    model.EntryStatus
	SourceID  string
	Note      string
	ExpiresAt *time.Time
}

// Earn начисляет пользователю баллы. Статус по умолчанию — available.
func (s *Service) Earn(ctx context.Context, userID, points int64, source string, opts EarnOptions) (*model.LedgerEntry, error) {
	if points <= 0 {
		return nil, ErrInvalidPoints
	}

	status := opts.Status
	if status == "" {
		status = model.EntryStatusAvailable
	}

	return s.repo.CreateLedgerEntry(ctx, &model.LedgerEntry{
		UserID:    userID,
		Type:      model.EntryTypeEarn,
		Status:    status,
		Points:    points,
		Source:    source,
		SourceID:  opts.SourceID,
		Note:      opts.Note,
		ExpiresAt: opts.ExpiresAt,
	})
}

// Spend списывает баллы пользователя. Проверка баланса и добавление записи
// сериализуются по пользователю: параллельные списания не уводят баланс в минус.
// При нехватке баллов возвращается *repository.InsufficientBalanceError,
// запись при этом не создаётся.
func (s *Service) Spend(ctx context.Context, userID, points int64, source, sourceID string) (*model.LedgerEntry, error) {
	if points <= 0 {
		return nil, ErrInvalidPoints
	}

	unlock := s.locks.acquire(userID)
	defer unlock()

	return s.repo.CreateSpend(ctx, userID, points, source, sourceID)
}

// Reverse аннулирует ранее созданную запись, добавляя компенсирующую запись
// с той же величиной и источником. Исходная запись не изменяется.
func (s *Service) Reverse(ctx context.Context, userID, originalEntryID int64, note string) (*model.LedgerEntry, error) {
	original, err := s.repo.GetLedgerEntryByID(ctx, originalEntryID)
	if err != nil {
		return nil, err
	}
	if original.UserID != userID {
		// Чужая запись неотличима от несуществующей.
		return nil, repository.ErrEntryNotFound
	}

	return s.repo.CreateLedgerEntry(ctx, &model.LedgerEntry{
		UserID:   userID,
		Type:     model.EntryTypeReversal,
		Status:   model.EntryStatusAvailable,
		Points:   original.Points,
		Source:   original.Source,
		SourceID: strconv.FormatInt(original.ID, 10),
		Note:     note,
	})
}

// AdjustPoints создаёт административную корректировку. Положительное значение
// points — кредит, отрицательное — дебет; в журнале хранится неотрицательная
// величина, знак кодируется типом записи.
func (s *Service) AdjustPoints(ctx context.Context, userID, points int64, note string, adminID int64) (*model.LedgerEntry, error) {
	if points == 0 {
		return nil, ErrInvalidPoints
	}

	entryType := model.EntryTypeAdjustCredit
	magnitude := points
	if points < 0 {
		entryType = model.EntryTypeAdjustDebit
		magnitude = -points
	}

	var sourceID string
	if adminID > 0 {
		sourceID = strconv.FormatInt(adminID, 10)
	}

	unlock := s.locks.acquire(userID)
	defer unlock()

	return s.repo.CreateLedgerEntry(ctx, &model.LedgerEntry{
		UserID:   userID,
		Type:     entryType,
		Status:   model.EntryStatusAvailable,
		Points:   magnitude,
		Source:   SourceAdmin,
		SourceID: sourceID,
		Note:     note,
	})
}

// ConvertPendingToAvailable подтверждает отложенные начисления по источнику
// события. Повторный вызов без подходящих записей возвращает 0 без ошибки.
func (s *Service) ConvertPendingToAvailable(ctx context.Context, userID int64, source, sourceID string) (int64, error) {
	return s.repo.UpdateLedgerStatus(ctx, userID, source, sourceID, model.EntryStatusPending, model.EntryStatusAvailable)
}

// VoidPendingPoints аннулирует отложенные начисления по источнику события.
// Повторный вызов без подходящих записей возвращает 0 без ошибки.
func (s *Service) VoidPendingPoints(ctx context.Context, userID int64, source, sourceID string) (int64, error) {
	return s.repo.UpdateLedgerStatus(ctx, userID, source, sourceID, model.EntryStatusPending, model.EntryStatusVoided)
}

// GetAvailableBalance возвращает доступный баланс пользователя.
func (s *Service) GetAvailableBalance(ctx context.Context, userID int64) (int64, error) {
	return s.repo.AvailableBalance(ctx, userID)
}

// GetPendingPoints возвращает сумму ожидающих подтверждения начислений.
func (s *Service) GetPendingPoints(ctx context.Context, userID int64) (int64, error) {
	return s.repo.PendingPoints(ctx, userID)
}

// GetLifetimeEarned возвращает накопленную сумму подтверждённых начислений.
func (s *Service) GetLifetimeEarned(ctx context.Context, userID int64) (int64, error) {
	return s.repo.LifetimeEarned(ctx, userID)
}

// GetPointsBalance возвращает полный баланс пользователя. Три агрегации
// выполняются параллельно: журнал только дописывается, поэтому результат —
// согласованный на момент чтения снимок, а не транзакционное чтение.
func (s *Service) GetPointsBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	var balance model.Balance

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		v, err := s.repo.AvailableBalance(ctx, userID)
		balance.Available = v
		return err
	})
	g.Go(func() error {
		v, err := s.repo.PendingPoints(ctx, userID)
		balance.Pending = v
		return err
	})
	g.Go(func() error {
		v, err := s.repo.LifetimeEarned(ctx, userID)
		balance.Lifetime = v
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &balance, nil
}

// GetPointsHistory возвращает страницу истории движений баллов, новые записи
// первыми. Номер страницы и размер приводятся к допустимым значениям; страница
// за пределами истории возвращает пустой список с общим числом записей.
func (s *Service) GetPointsHistory(ctx context.Context, userID int64, page, limit int) (*model.PointsHistory, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	offset := (page - 1) * limit

	entries, total, err := s.repo.GetLedgerHistory(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	return &model.PointsHistory{
		Entries: entries,
		Total:   total,
		Page:    page,
		Limit:   limit,
	}, nil
}
