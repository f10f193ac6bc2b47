package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spendwise/rewards-system/internal/middleware"
	"github.com/spendwise/rewards-system/internal/model"
	"github.com/spendwise/rewards-system/internal/repository"
	"github.com/spendwise/rewards-system/internal/service"
)

// stubService подменяет бизнес-логику в тестах обработчиков.
type stubService struct {
	registerUser     func(ctx context.Context, login, password, email, referralCode string) (int64, error)
	authenticateUser func(ctx context.Context, login, password string) (*model.User, error)
	spend            func(ctx context.Context, userID, points int64, source, sourceID string) (*model.LedgerEntry, error)
	reverse          func(ctx context.Context, userID, originalEntryID int64, note string) (*model.LedgerEntry, error)
	adjustPoints     func(ctx context.Context, userID, points int64, note string, adminID int64) (*model.LedgerEntry, error)
	convertPending   func(ctx context.Context, userID int64, source, sourceID string) (int64, error)
	voidPending      func(ctx context.Context, userID int64, source, sourceID string) (int64, error)
	getBalance       func(ctx context.Context, userID int64) (*model.Balance, error)
	getHistory       func(ctx context.Context, userID int64, page, limit int) (*model.PointsHistory, error)
	checkMonthlyCap  func(ctx context.Context, userID int64) (*model.MonthlyCapStatus, error)
}

func (s *stubService) RegisterUser(ctx context.Context, login, password, email, referralCode string) (int64, error) {
	return s.registerUser(ctx, login, password, email, referralCode)
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	return s.authenticateUser(ctx, login, password)
}

func (s *stubService) Spend(ctx context.Context, userID, points int64, source, sourceID string) (*model.LedgerEntry, error) {
	return s.spend(ctx, userID, points, source, sourceID)
}

func (s *stubService) Reverse(ctx context.Context, userID, originalEntryID int64, note string) (*model.LedgerEntry, error) {
	return s.reverse(ctx, userID, originalEntryID, note)
}

func (s *stubService) AdjustPoints(ctx context.Context, userID, points int64, note string, adminID int64) (*model.LedgerEntry, error) {
	return s.adjustPoints(ctx, userID, points, note, adminID)
}

func (s *stubService) ConvertPendingToAvailable(ctx context.Context, userID int64, source, sourceID string) (int64, error) {
	return s.convertPending(ctx, userID, source, sourceID)
}

func (s *stubService) VoidPendingPoints(ctx context.Context, userID int64, source, sourceID string) (int64, error) {
	return s.voidPending(ctx, userID, source, sourceID)
}

func (s *stubService) GetPointsBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.getBalance(ctx, userID)
}

func (s *stubService) GetPointsHistory(ctx context.Context, userID int64, page, limit int) (*model.PointsHistory, error) {
	return s.getHistory(ctx, userID, page, limit)
}

func (s *stubService) CheckMonthlyCap(ctx context.Context, userID int64) (*model.MonthlyCapStatus, error) {
	return s.checkMonthlyCap(ctx, userID)
}

func newTestHandler(stub *stubService) (*Handler, *middleware.AuthMiddleware) {
	auth := middleware.NewAuthMiddleware("test-secret")
	return NewHandler(stub, zap.NewNop(), auth), auth
}

func authCookie(t *testing.T, auth *middleware.AuthMiddleware, userID int64, isAdmin bool) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	auth.SetAuthCookie(rec, userID, isAdmin)
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one auth cookie, got %d", len(cookies))
	}
	return cookies[0]
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
		wantCookie bool
	}{
		{
			name:       "success",
			body:       `{"login":"alice","password":"secret","email":"alice@other.org"}`,
			wantStatus: http.StatusOK,
			wantCookie: true,
		},
		{
			name:       "invalid email",
			body:       `{"login":"alice","password":"secret","email":"not-an-email"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing password",
			body:       `{"login":"alice","email":"alice@other.org"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "duplicate login",
			body:       `{"login":"alice","password":"secret","email":"alice@other.org"}`,
			serviceErr: repository.ErrUserExists,
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubService{
				registerUser: func(_ context.Context, _, _, _, _ string) (int64, error) {
					if tt.serviceErr != nil {
						return 0, tt.serviceErr
					}
					return 1, nil
				},
			}
			h, _ := newTestHandler(stub)

			req := httptest.NewRequest(http.MethodPost, "/api/user/register", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			h.SetupRouter().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantCookie && len(rec.Result().Cookies()) == 0 {
				t.Fatal("successful registration must set an auth cookie")
			}
		})
	}
}

func TestLogin(t *testing.T) {
	stub := &stubService{
		authenticateUser: func(_ context.Context, login, password string) (*model.User, error) {
			if login == "alice" && password == "secret" {
				return &model.User{ID: 1, Login: "alice"}, nil
			}
			return nil, errors.New("invalid credentials")
		},
	}
	h, _ := newTestHandler(stub)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", strings.NewReader(`{"login":"alice","password":"secret"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(rec.Result().Cookies()) == 0 {
		t.Fatal("successful login must set an auth cookie")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/user/login", strings.NewReader(`{"login":"alice","password":"wrong"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestGetBalance(t *testing.T) {
	stub := &stubService{
		getBalance: func(_ context.Context, userID int64) (*model.Balance, error) {
			if userID != 7 {
				t.Fatalf("userID = %d, want 7", userID)
			}
			return &model.Balance{Available: 60, Pending: 100, Lifetime: 160}, nil
		},
	}
	h, auth := newTestHandler(stub)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/points/balance", nil)
	req.AddCookie(authCookie(t, auth, 7, false))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var balance model.Balance
	if err := json.NewDecoder(rec.Body).Decode(&balance); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if balance.Available != 60 || balance.Pending != 100 || balance.Lifetime != 160 {
		t.Fatalf("balance = %+v", balance)
	}
}

func TestGetBalance_Unauthorized(t *testing.T) {
	h, _ := newTestHandler(&stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/points/balance", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestGetHistory(t *testing.T) {
	now := time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
	stub := &stubService{
		getHistory: func(_ context.Context, _ int64, page, limit int) (*model.PointsHistory, error) {
			if page != 2 || limit != 5 {
				t.Fatalf("page/limit = %d/%d, want 2/5", page, limit)
			}
			return &model.PointsHistory{
				Entries: []model.LedgerEntry{
					{ID: 9, Type: model.EntryTypeEarn, Status: model.EntryStatusAvailable, Points: 100, Source: "referral", CreatedAt: now},
				},
				Total: 11,
				Page:  page,
				Limit: limit,
			}, nil
		},
	}
	h, auth := newTestHandler(stub)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/points/history?page=2&limit=5", nil)
	req.AddCookie(authCookie(t, auth, 7, false))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp historyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Total != 11 || len(resp.Entries) != 1 {
		t.Fatalf("history = %+v", resp)
	}
	if resp.Entries[0].CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("createdAt = %q", resp.Entries[0].CreatedAt)
	}
}

func TestGetMonthlyCap(t *testing.T) {
	stub := &stubService{
		checkMonthlyCap: func(_ context.Context, _ int64) (*model.MonthlyCapStatus, error) {
			return &model.MonthlyCapStatus{Allowed: true, Earned: 4999, Remaining: 1}, nil
		},
	}
	h, auth := newTestHandler(stub)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/points/cap", nil)
	req.AddCookie(authCookie(t, auth, 7, false))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var status model.MonthlyCapStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !status.Allowed || status.Earned != 4999 || status.Remaining != 1 {
		t.Fatalf("cap status = %+v", status)
	}
}

func TestRedeem(t *testing.T) {
	now := time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
	stub := &stubService{
		spend: func(_ context.Context, userID, points int64, source, sourceID string) (*model.LedgerEntry, error) {
			if source != service.SourceRedemption {
				t.Fatalf("source = %q, want redemption", source)
			}
			return &model.LedgerEntry{
				ID: 3, UserID: userID, Type: model.EntryTypeSpend, Status: model.EntryStatusAvailable,
				Points: points, Source: source, SourceID: sourceID, CreatedAt: now,
			}, nil
		},
	}
	h, auth := newTestHandler(stub)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/user/points/redeem", strings.NewReader(`{"points":40,"source_id":"gift-1"}`))
	req.AddCookie(authCookie(t, auth, 7, false))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var entry entryResponse
	if err := json.NewDecoder(rec.Body).Decode(&entry); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if entry.Type != string(model.EntryTypeSpend) || entry.Points != 40 || entry.SourceID != "gift-1" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestRedeem_InsufficientBalance(t *testing.T) {
	stub := &stubService{
		spend: func(_ context.Context, _, _ int64, _, _ string) (*model.LedgerEntry, error) {
			return nil, &repository.InsufficientBalanceError{Available: 60, Requested: 100}
		},
	}
	h, auth := newTestHandler(stub)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/user/points/redeem", strings.NewReader(`{"points":100}`))
	req.AddCookie(authCookie(t, auth, 7, false))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}

	var resp insufficientBalanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Available != 60 || resp.Requested != 100 {
		t.Fatalf("response = %+v, want available 60 requested 100", resp)
	}
}

func TestRedeem_InvalidPoints(t *testing.T) {
	stub := &stubService{
		spend: func(_ context.Context, _, _ int64, _, _ string) (*model.LedgerEntry, error) {
			return nil, service.ErrInvalidPoints
		},
	}
	h, auth := newTestHandler(stub)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/user/points/redeem", strings.NewReader(`{"points":0}`))
	req.AddCookie(authCookie(t, auth, 7, false))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdminEndpoints_ForbiddenForNonAdmin(t *testing.T) {
	h, auth := newTestHandler(&stubService{})
	router := h.SetupRouter()

	for _, path := range []string{
		"/api/admin/points/adjust",
		"/api/admin/points/reverse",
		"/api/admin/points/convert",
		"/api/admin/points/void",
	} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		req.AddCookie(authCookie(t, auth, 7, false))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: status = %d, want 403", path, rec.Code)
		}
	}
}

func TestAdminAdjust(t *testing.T) {
	now := time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
	stub := &stubService{
		adjustPoints: func(_ context.Context, userID, points int64, note string, adminID int64) (*model.LedgerEntry, error) {
			if adminID != 9 {
				t.Fatalf("adminID = %d, want 9", adminID)
			}
			if userID != 7 || points != -30 || note != "clawback" {
				t.Fatalf("args = %d/%d/%q", userID, points, note)
			}
			return &model.LedgerEntry{
				ID: 5, UserID: userID, Type: model.EntryTypeAdjustDebit, Status: model.EntryStatusAvailable,
				Points: 30, Source: "admin", SourceID: "9", Note: note, CreatedAt: now,
			}, nil
		},
	}
	h, auth := newTestHandler(stub)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/points/adjust", strings.NewReader(`{"user_id":7,"points":-30,"note":"clawback"}`))
	req.AddCookie(authCookie(t, auth, 9, true))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var entry entryResponse
	if err := json.NewDecoder(rec.Body).Decode(&entry); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if entry.Type != string(model.EntryTypeAdjustDebit) || entry.Points != 30 {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestAdminReverse_NotFound(t *testing.T) {
	stub := &stubService{
		reverse: func(_ context.Context, _, _ int64, _ string) (*model.LedgerEntry, error) {
			return nil, repository.ErrEntryNotFound
		},
	}
	h, auth := newTestHandler(stub)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/points/reverse", strings.NewReader(`{"user_id":7,"entry_id":999}`))
	req.AddCookie(authCookie(t, auth, 9, true))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAdminConvertAndVoid(t *testing.T) {
	stub := &stubService{
		convertPending: func(_ context.Context, userID int64, source, sourceID string) (int64, error) {
			if userID != 7 || source != "referral" || sourceID != "2" {
				t.Fatalf("args = %d/%q/%q", userID, source, sourceID)
			}
			return 1, nil
		},
		voidPending: func(_ context.Context, _ int64, _, _ string) (int64, error) {
			return 0, nil
		},
	}
	h, auth := newTestHandler(stub)
	router := h.SetupRouter()
	admin := authCookie(t, auth, 9, true)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/points/convert", strings.NewReader(`{"user_id":7,"source":"referral","source_id":"2"}`))
	req.AddCookie(admin)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("convert status = %d, want 200", rec.Code)
	}
	var converted map[string]int64
	if err := json.NewDecoder(rec.Body).Decode(&converted); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if converted["converted"] != 1 {
		t.Fatalf("converted = %v", converted)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/points/void", strings.NewReader(`{"user_id":7,"source":"referral","source_id":"2"}`))
	req.AddCookie(admin)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("void status = %d, want 200", rec.Code)
	}
	var voided map[string]int64
	if err := json.NewDecoder(rec.Body).Decode(&voided); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if voided["voided"] != 0 {
		t.Fatalf("voided = %v", voided)
	}

	// Без источника запрос отклоняется до обращения к сервису.
	req = httptest.NewRequest(http.MethodPost, "/api/admin/points/convert", strings.NewReader(`{"user_id":7}`))
	req.AddCookie(admin)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing source status = %d, want 400", rec.Code)
	}
}
