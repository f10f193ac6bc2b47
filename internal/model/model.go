// Package model содержит доменные сущности сервиса вознаграждений.
package model

import "time"

// User представляет зарегистрированного пользователя программы вознаграждений.
type User struct {
	ID           int64
	Login        string
	Email        string
	PasswordHash []byte
	IsAdmin      bool
	CreatedAt    time.Time
}

// EntryType описывает смысловой класс записи журнала баллов.
type EntryType string

const (
	EntryTypeEarn     EntryType = "earn"
	EntryTypeSpend    EntryType = "spend"
	EntryTypeReversal EntryType = "reversal"
	// Знак административной корректировки кодируется типом записи,
	// поле Points всегда неотрицательно.
	EntryTypeAdjustCredit EntryType = "adjust_credit"
	EntryTypeAdjustDebit  EntryType = "adjust_debit"
)

// EntryStatus описывает статус записи журнала. Переходы только вперёд:
// pending -> available либо pending -> voided; available и voided — терминальные.
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusAvailable EntryStatus = "available"
	EntryStatusVoided    EntryStatus = "voided"
)

// LedgerEntry представляет одну неизменяемую запись о движении баллов.
// После создания меняться может только Status, и только один раз.
type LedgerEntry struct {
	ID        int64
	UserID    int64
	Type      EntryType
	Status    EntryStatus
	Points    int64
	Source    string
	SourceID  string
	Note      string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Balance содержит производные балансы пользователя, вычисленные по журналу.
type Balance struct {
	Available int64 `json:"available"`
	Pending   int64 `json:"pending"`
	Lifetime  int64 `json:"lifetime"`
}

// PointsHistory содержит страницу истории движений баллов и общее число записей.
type PointsHistory struct {
	Entries []LedgerEntry
	Total   int64
	Page    int
	Limit   int
}

// MonthlyCapStatus описывает состояние месячного лимита начислений пользователя.
type MonthlyCapStatus struct {
	Allowed   bool  `json:"allowed"`
	Earned    int64 `json:"earned"`
	Remaining int64 `json:"remaining"`
}
