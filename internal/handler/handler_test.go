package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bank-ledger/internal/access"
	"github.com/mmeshcher/bank-ledger/internal/ledger"
	"github.com/mmeshcher/bank-ledger/internal/middleware"
	"github.com/mmeshcher/bank-ledger/internal/model"
	"github.com/mmeshcher/bank-ledger/internal/service"
)

type stubService struct {
	authAccount model.Account
	authErr     error

	applyResult ledger.Result
	applyErr    error
	applyAmount int64
	applyType   model.TransactionType
	applyCaller service.Caller

	history      []model.Transaction
	historyErr   error
	historyID    string
	historyRange [2]time.Time

	series []model.MonthSummary

	dashboard model.DashboardStats

	sentReport string
}

func (s *stubService) Authenticate(context.Context, string, string) (model.Account, error) {
	return s.authAccount, s.authErr
}

func (s *stubService) Account(_ context.Context, caller service.Caller) (model.Account, error) {
	return model.Account{ID: caller.AccountID, Role: caller.Role, Balance: 1050}, nil
}

func (s *stubService) CreateAccount(_ context.Context, _ service.Caller, login, _ string, role model.Role, initial int64) (model.Account, error) {
	return model.Account{ID: "new", Login: login, Role: role, Balance: initial}, nil
}

func (s *stubService) ListAccounts(context.Context, service.Caller) ([]model.Account, error) {
	return nil, nil
}

func (s *stubService) UpdateStatus(context.Context, service.Caller, string, model.AccountStatus) error {
	return nil
}

func (s *stubService) ApplyTransaction(_ context.Context, caller service.Caller, typ model.TransactionType, amount int64) (ledger.Result, error) {
	s.applyCaller, s.applyType, s.applyAmount = caller, typ, amount
	return s.applyResult, s.applyErr
}

func (s *stubService) AccountHistory(_ context.Context, _ service.Caller, accountID string, from, to time.Time) ([]model.Transaction, error) {
	s.historyID = accountID
	s.historyRange = [2]time.Time{from, to}
	return s.history, s.historyErr
}

func (s *stubService) RecentTransactions(context.Context, service.Caller) ([]model.Transaction, error) {
	return nil, nil
}

func (s *stubService) SixMonthSeries(context.Context, service.Caller, string, time.Time) ([]model.MonthSummary, error) {
	return s.series, nil
}

func (s *stubService) MonthlyTransactionCount(context.Context, service.Caller, string, int, time.Month) (int, error) {
	return 3, nil
}

func (s *stubService) LoginReport(context.Context, service.Caller, int, time.Month) (model.LoginReport, error) {
	return model.LoginReport{}, nil
}

func (s *stubService) SendLoginReport(_ context.Context, caller service.Caller, year int, month time.Month) (model.LoginReport, error) {
	if caller.Role != model.RoleAdmin {
		return model.LoginReport{}, access.ErrForbidden
	}
	s.sentReport = fmt.Sprintf("%04d-%02d", year, month)
	return model.LoginReport{Month: s.sentReport}, nil
}

func (s *stubService) Dashboard(context.Context, service.Caller) (model.DashboardStats, error) {
	return s.dashboard, nil
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})

	return NewHandler(svc, logger, auth, metrics, nil)
}

// do выполняет запрос через роутер от имени указанной сессии.
func do(t *testing.T, h *Handler, s *middleware.Session, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)

	if s != nil {
		rec := httptest.NewRecorder()
		h.authMiddleware.SetAuthCookie(rec, *s)
		req.AddCookie(rec.Result().Cookies()[0])
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

var (
	customerSession = &middleware.Session{AccountID: "cust-1", Role: model.RoleCustomer}
	adminSession    = &middleware.Session{AccountID: "admin-1", Role: model.RoleAdmin}
)

func TestLogin_SetsCookie(t *testing.T) {
	svc := &stubService{authAccount: model.Account{ID: "cust-1", Login: "user", Role: model.RoleCustomer}}
	h := newTestHandler(t, svc)

	rec := do(t, h, nil, http.MethodPost, "/api/login", credentialsRequest{Login: "user", Password: "pass"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(rec.Result().Cookies()) == 0 {
		t.Fatalf("login did not set auth cookie")
	}
}

func TestLogin_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "bad credentials", err: service.ErrInvalidCredentials, want: http.StatusUnauthorized},
		{name: "disabled", err: ledger.ErrAccountDisabled, want: http.StatusForbidden},
		{name: "internal", err: context.DeadlineExceeded, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{authErr: tt.err})
			rec := do(t, h, nil, http.MethodPost, "/api/login", credentialsRequest{Login: "user", Password: "pass"})
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestProtectedRoutes_RequireCookie(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := do(t, h, nil, http.MethodGet, "/api/me", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestApplyTransaction_ParsesDecimalAmount(t *testing.T) {
	ts := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	svc := &stubService{applyResult: ledger.Result{Transaction: model.Transaction{
		ID: "tx-1", AccountID: "cust-1", Type: model.TransactionCredit, Amount: 1250, BalanceAfter: 11250, Seq: 4, Timestamp: ts,
	}}}
	h := newTestHandler(t, svc)

	rec := do(t, h, customerSession, http.MethodPost, "/api/transactions", transactionRequest{Type: model.TransactionCredit, Amount: "12.50"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if svc.applyAmount != 1250 || svc.applyType != model.TransactionCredit || svc.applyCaller.AccountID != "cust-1" {
		t.Fatalf("unexpected apply call: %d %s %+v", svc.applyAmount, svc.applyType, svc.applyCaller)
	}

	var resp applyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Transaction.BalanceAfter != "112.50" || resp.Transaction.Seq != 4 || resp.Warning != "" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestApplyTransaction_ReportsLedgerWarning(t *testing.T) {
	svc := &stubService{applyResult: ledger.Result{Warning: fmt.Errorf("%w: boom", ledger.ErrLedgerWriteFailed)}}
	h := newTestHandler(t, svc)

	rec := do(t, h, customerSession, http.MethodPost, "/api/transactions", transactionRequest{Type: model.TransactionDebit, Amount: "1"})

	var resp applyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusCreated || resp.Warning == "" {
		t.Fatalf("expected created with warning, got %d %+v", rec.Code, resp)
	}
}

func TestApplyTransaction_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		amount     string
		err        error
		want       int
		retryAfter bool
	}{
		{name: "bad amount", amount: "1.001", want: http.StatusBadRequest},
		{name: "zero amount", amount: "0", want: http.StatusBadRequest},
		{name: "invalid type", amount: "1", err: ledger.ErrInvalidType, want: http.StatusBadRequest},
		{name: "insufficient funds", amount: "5", err: ledger.ErrInsufficientFunds, want: http.StatusPaymentRequired},
		{name: "forbidden", amount: "5", err: access.ErrForbidden, want: http.StatusForbidden},
		{name: "not found", amount: "5", err: ledger.ErrAccountNotFound, want: http.StatusNotFound},
		{name: "disabled", amount: "5", err: ledger.ErrAccountDisabled, want: http.StatusConflict},
		{name: "contention", amount: "5", err: ledger.ErrContentionExceeded, want: http.StatusServiceUnavailable, retryAfter: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{applyErr: tt.err})
			rec := do(t, h, customerSession, http.MethodPost, "/api/transactions", transactionRequest{Type: model.TransactionDebit, Amount: tt.amount})
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.retryAfter && rec.Header().Get("Retry-After") == "" {
				t.Fatalf("missing Retry-After header")
			}
		})
	}
}

func TestAccountHistory_PassesPathAndRange(t *testing.T) {
	svc := &stubService{history: []model.Transaction{{ID: "tx-1", Amount: 100, BalanceAfter: 100, Type: model.TransactionCredit}}}
	h := newTestHandler(t, svc)

	rec := do(t, h, adminSession, http.MethodGet,
		"/api/accounts/cust-9/transactions?from=2025-01-01T00:00:00Z&to=2025-02-01T00:00:00Z", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.historyID != "cust-9" {
		t.Fatalf("history for %q, want cust-9", svc.historyID)
	}
	wantFrom := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if !svc.historyRange[0].Equal(wantFrom) {
		t.Fatalf("from = %v, want %v", svc.historyRange[0], wantFrom)
	}

	var resp []transactionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0].Amount != "1.00" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestAccountHistory_InvalidTime(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := do(t, h, adminSession, http.MethodGet, "/api/accounts/cust-9/transactions?from=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSixMonthSeries_FormatsMonths(t *testing.T) {
	svc := &stubService{series: []model.MonthSummary{
		{Month: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), TotalCredit: 500, EndingBalance: 1500},
	}}
	h := newTestHandler(t, svc)

	rec := do(t, h, customerSession, http.MethodGet, "/api/accounts/cust-1/series", nil)

	var resp []monthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0].Month != "2025-01" || resp[0].EndingBalance != "15.00" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestMonthlyCount_InvalidMonth(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := do(t, h, customerSession, http.MethodGet, "/api/accounts/cust-1/monthly-count?month=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestDashboard_HidesTotalBalanceFromCustomers(t *testing.T) {
	current := int64(2500)
	svc := &stubService{dashboard: model.DashboardStats{TotalAccounts: 2, CurrentBalance: &current}}
	h := newTestHandler(t, svc)

	rec := do(t, h, customerSession, http.MethodGet, "/api/dashboard", nil)

	var resp dashboardResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TotalBalance != nil {
		t.Fatalf("customer must not see total balance")
	}
	if resp.CurrentBalance == nil || *resp.CurrentBalance != "25.00" {
		t.Fatalf("unexpected current balance %v", resp.CurrentBalance)
	}
}

func TestLogout_ClearsCookie(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := do(t, h, nil, http.MethodPost, "/api/logout", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected expired cookie, got %+v", cookies)
	}
}

func TestMetricsRoute(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := do(t, h, nil, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "# metrics" {
		t.Fatalf("unexpected metrics response %d %q", rec.Code, rec.Body.String())
	}
}

func TestSendLoginReport(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	rec := do(t, h, customerSession, http.MethodPost, "/api/reports/logins/send?year=2025&month=4", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("customer status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = do(t, h, adminSession, http.MethodPost, "/api/reports/logins/send?year=2025&month=4", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	var report model.LoginReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Month != "2025-04" || svc.sentReport != "2025-04" {
		t.Fatalf("report month = %q, sent %q", report.Month, svc.sentReport)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "req-42" {
		t.Fatalf("X-Request-Id = %q, want %q", got, "req-42")
	}
}
