package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/spendwise/rewards-system/internal/model"
	"github.com/spendwise/rewards-system/internal/repository"
	"github.com/spendwise/rewards-system/internal/validation"
)

// ReferralAwardPoints — размер реферального начисления до применения месячного лимита.
const ReferralAwardPoints = 100

// Почтовые домены массовых провайдеров: совпадение такого домена у двух
// пользователей не считается признаком самореферала.
var commonEmailDomains = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
	"yahoo.com":      {},
	"hotmail.com":    {},
	"outlook.com":    {},
	"live.com":       {},
	"icloud.com":     {},
	"me.com":         {},
	"aol.com":        {},
	"proton.me":      {},
	"protonmail.com": {},
	"mail.ru":        {},
	"yandex.ru":      {},
}

// CheckMonthlyCap возвращает состояние месячного лимита начислений пользователя.
// Окно лимита — с первого мгновения текущего календарного месяца по серверному
// локальному времени. Учитываются доступные и ожидающие начисления.
func (s *Service) CheckMonthlyCap(ctx context.Context, userID int64) (*model.MonthlyCapStatus, error) {
	now := s.clock()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	earned, err := s.repo.MonthlyEarned(ctx, userID, monthStart)
	if err != nil {
		return nil, err
	}

	remaining := s.monthlyCap - earned
	if remaining < 0 {
		remaining = 0
	}

	return &model.MonthlyCapStatus{
		Allowed:   earned < s.monthlyCap,
		Earned:    earned,
		Remaining: remaining,
	}, nil
}

// CapToMonthlyLimit урезает запрошенное начисление до остатка месячного лимита.
// Превышение лимита не считается ошибкой: начисляется урезанная величина.
func (s *Service) CapToMonthlyLimit(ctx context.Context, userID, requestedPoints int64) (int64, error) {
	if requestedPoints <= 0 {
		return 0, nil
	}

	status, err := s.CheckMonthlyCap(ctx, userID)
	if err != nil {
		return 0, err
	}

	if requestedPoints > status.Remaining {
		return status.Remaining, nil
	}
	return requestedPoints, nil
}

// IsSelfReferral определяет, похож ли реферал на самоприглашение: совпадающие
// идентификаторы либо одинаковый немассовый почтовый домен обоих пользователей.
// Если любой из пользователей не найден, возвращается false.
func (s *Service) IsSelfReferral(ctx context.Context, referrerID, referredUserID int64) (bool, error) {
	if referrerID == referredUserID {
		return true, nil
	}

	referrer, err := s.repo.GetUserByID(ctx, referrerID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}

	referred, err := s.repo.GetUserByID(ctx, referredUserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}

	referrerDomain := validation.EmailDomain(referrer.Email)
	referredDomain := validation.EmailDomain(referred.Email)
	if referrerDomain == "" || referredDomain == "" {
		return false, nil
	}

	if _, common := commonEmailDomains[referrerDomain]; common {
		return false, nil
	}

	return referrerDomain == referredDomain, nil
}

// IsDuplicateEarning сообщает, было ли уже начисление по этому событию.
// Аннулированные записи тоже блокируют повторное начисление: источник события
// считается израсходованным независимо от исхода.
func (s *Service) IsDuplicateEarning(ctx context.Context, userID int64, source, sourceID string) (bool, error) {
	return s.repo.HasEarnEntry(ctx, userID, source, sourceID)
}

// AwardReferralPoints начисляет пригласившему отложенные баллы за нового
// пользователя. Применяются все защитные политики: самореферал и повтор
// отклоняются молча, размер начисления урезается до остатка месячного лимита.
// Возвращает фактически начисленную величину. Проверки и начисление
// выполняются под блокировкой пригласившего: параллельные события по одной
// паре не проходят проверку повтора одновременно.
func (s *Service) AwardReferralPoints(ctx context.Context, referrerID, referredUserID int64) (int64, error) {
	unlock := s.locks.acquire(referrerID)
	defer unlock()

	selfReferral, err := s.IsSelfReferral(ctx, referrerID, referredUserID)
	if err != nil {
		return 0, err
	}
	if selfReferral {
		return 0, nil
	}

	sourceID := strconv.FormatInt(referredUserID, 10)

	duplicate, err := s.IsDuplicateEarning(ctx, referrerID, SourceReferral, sourceID)
	if err != nil {
		return 0, err
	}
	if duplicate {
		return 0, nil
	}

	points, err := s.CapToMonthlyLimit(ctx, referrerID, ReferralAwardPoints)
	if err != nil {
		return 0, err
	}
	if points == 0 {
		return 0, nil
	}

	_, err = s.Earn(ctx, referrerID, points, SourceReferral, EarnOptions{
		Status:   model.EntryStatusPending,
		SourceID: sourceID,
	})
	if err != nil {
		return 0, err
	}

	return points, nil
}
