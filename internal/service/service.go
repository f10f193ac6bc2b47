// Package service реализует бизнес-логику сервиса вознаграждений:
// операции журнала баллов, агрегацию балансов и защитные политики.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/spendwise/rewards-system/internal/model"
	"github.com/spendwise/rewards-system/internal/referral"
	"github.com/spendwise/rewards-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Журнал только дописывается: записи не удаляются, points/type/user_id
// после создания не меняются, статус переводится только вперёд.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, login, email string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)

	CreateLedgerEntry(ctx context.Context, entry *model.LedgerEntry) (*model.LedgerEntry, error)
	GetLedgerEntryByID(ctx context.Context, id int64) (*model.LedgerEntry, error)
	GetLedgerHistory(ctx context.Context, userID int64, limit, offset int) ([]model.LedgerEntry, int64, error)
	UpdateLedgerStatus(ctx context.Context, userID int64, source, sourceID string, from, to model.EntryStatus) (int64, error)
	CreateSpend(ctx context.Context, userID int64, points int64, source, sourceID string) (*model.LedgerEntry, error)

	AvailableBalance(ctx context.Context, userID int64) (int64, error)
	PendingPoints(ctx context.Context, userID int64) (int64, error)
	LifetimeEarned(ctx context.Context, userID int64) (int64, error)
	MonthlyEarned(ctx context.Context, userID int64, since time.Time) (int64, error)
	HasEarnEntry(ctx context.Context, userID int64, source, sourceID string) (bool, error)
	GetPendingReferralEntries(ctx context.Context, source string, limit int) ([]repository.PendingReferral, error)
}

// Service содержит бизнес-логику сервиса вознаграждений.
type Service struct {
	repo           Repository
	referralClient *referral.Client
	monthlyCap     int64
	clock          Clock
	locks          *userLocks
	logger         *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием, клиентом системы
// подтверждения рефералов и месячным лимитом начислений.
func NewService(repo Repository, referralClient *referral.Client, monthlyCap int64, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:           repo,
		referralClient: referralClient,
		monthlyCap:     monthlyCap,
		clock:          time.Now,
		locks:          newUserLocks(),
		logger:         logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя. Если указан реферальный код,
// пригласившему начисляются отложенные баллы с учётом защитных политик.
func (s *Service) RegisterUser(ctx context.Context, login, password, email, referralCode string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, email, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}

	if referralCode != "" {
		if referrerID, parseErr := strconv.ParseInt(referralCode, 10, 64); parseErr == nil {
			// Ошибка начисления не должна ломать регистрацию.
			if _, awardErr := s.AwardReferralPoints(ctx, referrerID, id); awardErr != nil {
				s.logger.Warn("referral award failed",
					zap.Int64("referrerID", referrerID),
					zap.Int64("userID", id),
					zap.Error(awardErr),
				)
			}
		}
	}

	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его учётную запись.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, errors.New("invalid credentials")
	}

	return u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (s *Service) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// StartReferralUpdates запускает фоновый процесс сверки отложенных реферальных
// начислений с внешней системой подтверждения.
func (s *Service) StartReferralUpdates(ctx context.Context) {
	if s.referralClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processReferralBatch(ctx)
			}
		}
	}()
}

func (s *Service) processReferralBatch(ctx context.Context) {
	pending, err := s.repo.GetPendingReferralEntries(ctx, SourceReferral, 100)
	if err != nil {
		s.logger.Warn("fetch pending referrals failed", zap.Error(err))
		return
	}

	for _, p := range pending {
		resp, statusCode, retryAfter, err := s.referralClient.GetReferralStatus(ctx, p.SourceID)
		if err != nil {
			s.logger.Warn("referral status request failed",
				zap.String("referral", p.SourceID),
				zap.Error(err),
			)
			continue
		}

		if statusCode == 0 {
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if resp == nil {
			continue
		}

		switch resp.Status {
		case referral.StatusConfirmed:
			_, _ = s.ConvertPendingToAvailable(ctx, p.UserID, SourceReferral, p.SourceID)
		case referral.StatusRejected:
			_, _ = s.VoidPendingPoints(ctx, p.UserID, SourceReferral, p.SourceID)
		}
	}
}
