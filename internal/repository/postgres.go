// Package repository содержит реализации хранилища журнала баллов.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/spendwise/rewards-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrEntryNotFound возвращается, если запись журнала не найдена или принадлежит другому пользователю.
	ErrEntryNotFound = errors.New("ledger entry not found")
)

// InsufficientBalanceError возвращается при попытке списать больше, чем доступно.
// Содержит доступный баланс и запрошенную сумму для формирования ответа вызывающей стороной.
type InsufficientBalanceError struct {
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d", e.Available, e.Requested)
}

// PendingReferral описывает ожидающую подтверждения реферальную запись журнала.
type PendingReferral struct {
	UserID   int64
	SourceID string
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withTxRetry повторяет fn при сбоях сериализации и дедлоках.
func (r *PostgresRepository) withTxRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login, email string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, email, password_hash) VALUES ($1, $2, $3) RETURNING id`,
		login, email, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, email, password_hash, is_admin, created_at FROM users WHERE login = $1`,
		login,
	)
	return scanUser(row)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, email, password_hash, is_admin, created_at FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// CreateLedgerEntry добавляет запись в журнал. Идентификатор и момент создания назначает БД.
func (r *PostgresRepository) CreateLedgerEntry(ctx context.Context, entry *model.LedgerEntry) (*model.LedgerEntry, error) {
	e := *entry
	err := r.pool.QueryRow(ctx,
		`INSERT INTO ledger_entries (user_id, type, status, points, source, source_id, note, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		e.UserID, string(e.Type), string(e.Status), e.Points, e.Source, e.SourceID, e.Note, e.ExpiresAt,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	return &e, nil
}

// GetLedgerEntryByID возвращает запись журнала по идентификатору.
func (r *PostgresRepository) GetLedgerEntryByID(ctx context.Context, id int64) (*model.LedgerEntry, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, type, status, points, source, source_id, note, expires_at, created_at
		 FROM ledger_entries WHERE id = $1`,
		id,
	)

	var e model.LedgerEntry
	var typ, status string
	err := row.Scan(&e.ID, &e.UserID, &typ, &status, &e.Points, &e.Source, &e.SourceID, &e.Note, &e.ExpiresAt, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}

	e.Type = model.EntryType(typ)
	e.Status = model.EntryStatus(status)
	return &e, nil
}

// GetLedgerHistory возвращает страницу истории пользователя (новые записи первыми) и общее число записей.
func (r *PostgresRepository) GetLedgerHistory(ctx context.Context, userID int64, limit, offset int) ([]model.LedgerEntry, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE user_id = $1`,
		userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count ledger entries: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, type, status, points, source, source_id, note, expires_at, created_at
		 FROM ledger_entries
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var typ, status string
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &status, &e.Points, &e.Source, &e.SourceID, &e.Note, &e.ExpiresAt, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Type = model.EntryType(typ)
		e.Status = model.EntryStatus(status)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	return entries, total, nil
}

// UpdateLedgerStatus переводит статус ожидающих начислений пользователя одной командой.
// Пустой sourceID означает отсутствие фильтра по источнику события.
// Возвращает число затронутых записей.
func (r *PostgresRepository) UpdateLedgerStatus(ctx context.Context, userID int64, source, sourceID string, from, to model.EntryStatus) (int64, error) {
	var count int64

	err := r.withTxRetry(ctx, func(ctx context.Context) error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE ledger_entries
			 SET status = $1
			 WHERE user_id = $2 AND source = $3 AND type = $4 AND status = $5
			   AND ($6 = '' OR source_id = $6)`,
			string(to), userID, source, string(model.EntryTypeEarn), string(from), sourceID,
		)
		if err != nil {
			return fmt.Errorf("update ledger status: %w", err)
		}
		count = cmdTag.RowsAffected()
		return nil
	})

	return count, err
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func availableBalance(ctx context.Context, q pgQuerier, userID int64) (int64, error) {
	var credits int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)
		 FROM ledger_entries
		 WHERE user_id = $1 AND status = $2 AND type IN ($3, $4)`,
		userID, string(model.EntryStatusAvailable),
		string(model.EntryTypeEarn), string(model.EntryTypeAdjustCredit),
	).Scan(&credits)
	if err != nil {
		return 0, fmt.Errorf("sum credits: %w", err)
	}

	var debits int64
	err = q.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)
		 FROM ledger_entries
		 WHERE user_id = $1 AND status = $2 AND type IN ($3, $4, $5)`,
		userID, string(model.EntryStatusAvailable),
		string(model.EntryTypeSpend), string(model.EntryTypeReversal), string(model.EntryTypeAdjustDebit),
	).Scan(&debits)
	if err != nil {
		return 0, fmt.Errorf("sum debits: %w", err)
	}

	return credits - debits, nil
}

// AvailableBalance возвращает доступный баланс пользователя.
func (r *PostgresRepository) AvailableBalance(ctx context.Context, userID int64) (int64, error) {
	return availableBalance(ctx, r.pool, userID)
}

// PendingPoints возвращает сумму ожидающих подтверждения начислений пользователя.
func (r *PostgresRepository) PendingPoints(ctx context.Context, userID int64) (int64, error) {
	var pending int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)
		 FROM ledger_entries
		 WHERE user_id = $1 AND status = $2 AND type = $3`,
		userID, string(model.EntryStatusPending), string(model.EntryTypeEarn),
	).Scan(&pending)
	if err != nil {
		return 0, fmt.Errorf("sum pending: %w", err)
	}
	return pending, nil
}

// LifetimeEarned возвращает накопленную сумму подтверждённых начислений.
// Списания не вычитаются: значение используется для расчёта уровня пользователя.
func (r *PostgresRepository) LifetimeEarned(ctx context.Context, userID int64) (int64, error) {
	var lifetime int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)
		 FROM ledger_entries
		 WHERE user_id = $1 AND status = $2 AND type IN ($3, $4)`,
		userID, string(model.EntryStatusAvailable),
		string(model.EntryTypeEarn), string(model.EntryTypeAdjustCredit),
	).Scan(&lifetime)
	if err != nil {
		return 0, fmt.Errorf("sum lifetime: %w", err)
	}
	return lifetime, nil
}

// MonthlyEarned возвращает сумму начислений пользователя начиная с указанного момента.
// Учитываются доступные и ожидающие начисления.
func (r *PostgresRepository) MonthlyEarned(ctx context.Context, userID int64, since time.Time) (int64, error) {
	var earned int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)
		 FROM ledger_entries
		 WHERE user_id = $1 AND type = $2 AND status IN ($3, $4) AND created_at >= $5`,
		userID, string(model.EntryTypeEarn),
		string(model.EntryStatusAvailable), string(model.EntryStatusPending),
		since,
	).Scan(&earned)
	if err != nil {
		return 0, fmt.Errorf("sum monthly earned: %w", err)
	}
	return earned, nil
}

// HasEarnEntry сообщает, существует ли начисление с указанными источником и идентификатором события.
// Учитываются записи в любом статусе, включая аннулированные.
func (r *PostgresRepository) HasEarnEntry(ctx context.Context, userID int64, source, sourceID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE user_id = $1 AND source = $2 AND source_id = $3 AND type = $4
		 )`,
		userID, source, sourceID, string(model.EntryTypeEarn),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check earn entry: %w", err)
	}
	return exists, nil
}

// CreateSpend создаёт запись о списании баллов. Строка пользователя блокируется
// на время транзакции, чтобы параллельные списания не увели баланс в минус.
func (r *PostgresRepository) CreateSpend(ctx context.Context, userID int64, points int64, source, sourceID string) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry

	err := r.withTxRetry(ctx, func(ctx context.Context) error {
		e, err := r.createSpendTx(ctx, userID, points, source, sourceID)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (r *PostgresRepository) createSpendTx(ctx context.Context, userID int64, points int64, source, sourceID string) (*model.LedgerEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lock user for update: %w", err)
	}

	available, err := availableBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if points > available {
		return nil, &InsufficientBalanceError{Available: available, Requested: points}
	}

	e := model.LedgerEntry{
		UserID:   userID,
		Type:     model.EntryTypeSpend,
		Status:   model.EntryStatusAvailable,
		Points:   points,
		Source:   source,
		SourceID: sourceID,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (user_id, type, status, points, source, source_id, note, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		e.UserID, string(e.Type), string(e.Status), e.Points, e.Source, e.SourceID, e.Note, e.ExpiresAt,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert spend entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &e, nil
}

// GetPendingReferralEntries возвращает ожидающие подтверждения реферальные начисления.
func (r *PostgresRepository) GetPendingReferralEntries(ctx context.Context, source string, limit int) ([]PendingReferral, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, source_id
		 FROM ledger_entries
		 WHERE source = $1 AND type = $2 AND status = $3
		 ORDER BY created_at
		 LIMIT $4`,
		source, string(model.EntryTypeEarn), string(model.EntryStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending referrals: %w", err)
	}
	defer rows.Close()

	var res []PendingReferral
	for rows.Next() {
		var p PendingReferral
		if err := rows.Scan(&p.UserID, &p.SourceID); err != nil {
			return nil, fmt.Errorf("scan pending referral: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
