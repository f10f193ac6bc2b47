// Package handler содержит HTTP-обработчики API сервиса вознаграждений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/spendwise/rewards-system/internal/middleware"
	"github.com/spendwise/rewards-system/internal/model"
	"github.com/spendwise/rewards-system/internal/repository"
	"github.com/spendwise/rewards-system/internal/service"
	"github.com/spendwise/rewards-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password, email, referralCode string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)

	Spend(ctx context.Context, userID, points int64, source, sourceID string) (*model.LedgerEntry, error)
	Reverse(ctx context.Context, userID, originalEntryID int64, note string) (*model.LedgerEntry, error)
	AdjustPoints(ctx context.Context, userID, points int64, note string, adminID int64) (*model.LedgerEntry, error)
	ConvertPendingToAvailable(ctx context.Context, userID int64, source, sourceID string) (int64, error)
	VoidPendingPoints(ctx context.Context, userID int64, source, sourceID string) (int64, error)

	GetPointsBalance(ctx context.Context, userID int64) (*model.Balance, error)
	GetPointsHistory(ctx context.Context, userID int64, page, limit int) (*model.PointsHistory, error)
	CheckMonthlyCap(ctx context.Context, userID int64) (*model.MonthlyCapStatus, error)
}

// Handler реализует HTTP-обработчики API сервиса вознаграждений.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type registerRequest struct {
	Login        string `json:"login"`
	Password     string `json:"password"`
	Email        string `json:"email"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" || !validation.IsValidEmail(req.Email) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, req.Email, req.ReferralCode)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID, false)
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, user.ID, user.IsAdmin)
	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает полный баланс баллов текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetPointsBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, balance)
}

type entryResponse struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Points    int64  `json:"points"`
	Source    string `json:"source"`
	SourceID  string `json:"source_id,omitempty"`
	Note      string `json:"note,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	CreatedAt string `json:"created_at"`
}

func toEntryResponse(e model.LedgerEntry) entryResponse {
	resp := entryResponse{
		ID:        e.ID,
		Type:      string(e.Type),
		Status:    string(e.Status),
		Points:    e.Points,
		Source:    e.Source,
		SourceID:  e.SourceID,
		Note:      e.Note,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
	if e.ExpiresAt != nil {
		resp.ExpiresAt = e.ExpiresAt.Format(time.RFC3339)
	}
	return resp
}

type historyResponse struct {
	Entries []entryResponse `json:"entries"`
	Total   int64           `json:"total"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
}

// GetHistory возвращает страницу истории движений баллов текущего пользователя.
// Страница за пределами истории — пустой список, не ошибка.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := h.service.GetPointsHistory(r.Context(), userID, page, limit)
	if err != nil {
		h.logger.Error("get history error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := historyResponse{
		Entries: make([]entryResponse, 0, len(history.Entries)),
		Total:   history.Total,
		Page:    history.Page,
		Limit:   history.Limit,
	}
	for _, e := range history.Entries {
		resp.Entries = append(resp.Entries, toEntryResponse(e))
	}

	writeJSON(w, h.logger, resp)
}

// GetMonthlyCap возвращает состояние месячного лимита начислений текущего пользователя.
func (h *Handler) GetMonthlyCap(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	status, err := h.service.CheckMonthlyCap(r.Context(), userID)
	if err != nil {
		h.logger.Error("check monthly cap error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, status)
}

type redeemRequest struct {
	Points   int64  `json:"points"`
	SourceID string `json:"source_id,omitempty"`
}

type insufficientBalanceResponse struct {
	Error     string `json:"error"`
	Available int64  `json:"available"`
	Requested int64  `json:"requested"`
}

// Redeem списывает баллы текущего пользователя в обмен на вознаграждение.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entry, err := h.service.Spend(r.Context(), userID, req.Points, service.SourceRedemption, req.SourceID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPoints) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		var insufficientErr *repository.InsufficientBalanceError
		if errors.As(err, &insufficientErr) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(insufficientBalanceResponse{
				Error:     "insufficient balance",
				Available: insufficientErr.Available,
				Requested: insufficientErr.Requested,
			})
			return
		}
		h.logger.Error("redeem error", zap.Error(err), zap.Int64("userID", userID), zap.Int64("points", req.Points))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, toEntryResponse(*entry))
}

type adjustRequest struct {
	UserID int64  `json:"user_id"`
	Points int64  `json:"points"`
	Note   string `json:"note,omitempty"`
}

// AdminAdjust создаёт административную корректировку баллов пользователя.
// Положительное значение points — кредит, отрицательное — дебет.
func (h *Handler) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entry, err := h.service.AdjustPoints(r.Context(), req.UserID, req.Points, req.Note, adminID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPoints) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("adjust points error", zap.Error(err), zap.Int64("userID", req.UserID), zap.Int64("adminID", adminID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, toEntryResponse(*entry))
}

type reverseRequest struct {
	UserID  int64  `json:"user_id"`
	EntryID int64  `json:"entry_id"`
	Note    string `json:"note,omitempty"`
}

// AdminReverse аннулирует запись журнала компенсирующей записью.
func (h *Handler) AdminReverse(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entry, err := h.service.Reverse(r.Context(), req.UserID, req.EntryID, req.Note)
	if err != nil {
		if errors.Is(err, repository.ErrEntryNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("reverse entry error", zap.Error(err), zap.Int64("entryID", req.EntryID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, toEntryResponse(*entry))
}

type pendingTransitionRequest struct {
	UserID   int64  `json:"user_id"`
	Source   string `json:"source"`
	SourceID string `json:"source_id,omitempty"`
}

// AdminConvert подтверждает отложенные начисления пользователя по источнику события.
func (h *Handler) AdminConvert(w http.ResponseWriter, r *http.Request) {
	var req pendingTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	count, err := h.service.ConvertPendingToAvailable(r.Context(), req.UserID, req.Source, req.SourceID)
	if err != nil {
		h.logger.Error("convert pending error", zap.Error(err), zap.Int64("userID", req.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, map[string]int64{"converted": count})
}

// AdminVoid аннулирует отложенные начисления пользователя по источнику события.
func (h *Handler) AdminVoid(w http.ResponseWriter, r *http.Request) {
	var req pendingTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	count, err := h.service.VoidPendingPoints(r.Context(), req.UserID, req.Source, req.SourceID)
	if err != nil {
		h.logger.Error("void pending error", zap.Error(err), zap.Int64("userID", req.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, map[string]int64{"voided": count})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response error", zap.Error(err))
	}
}
