// Package handler содержит HTTP-обработчики API банковского леджера.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/bank-ledger/internal/access"
	"github.com/mmeshcher/bank-ledger/internal/analytics"
	"github.com/mmeshcher/bank-ledger/internal/ledger"
	"github.com/mmeshcher/bank-ledger/internal/middleware"
	"github.com/mmeshcher/bank-ledger/internal/model"
	"github.com/mmeshcher/bank-ledger/internal/repository"
	"github.com/mmeshcher/bank-ledger/internal/service"
	"github.com/mmeshcher/bank-ledger/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Authenticate(ctx context.Context, login, password string) (model.Account, error)
	Account(ctx context.Context, caller service.Caller) (model.Account, error)
	CreateAccount(ctx context.Context, caller service.Caller, login, password string, role model.Role, initialBalance int64) (model.Account, error)
	ListAccounts(ctx context.Context, caller service.Caller) ([]model.Account, error)
	UpdateStatus(ctx context.Context, caller service.Caller, accountID string, status model.AccountStatus) error
	ApplyTransaction(ctx context.Context, caller service.Caller, typ model.TransactionType, amount int64) (ledger.Result, error)
	AccountHistory(ctx context.Context, caller service.Caller, accountID string, from, to time.Time) ([]model.Transaction, error)
	RecentTransactions(ctx context.Context, caller service.Caller) ([]model.Transaction, error)
	SixMonthSeries(ctx context.Context, caller service.Caller, accountID string, asOf time.Time) ([]model.MonthSummary, error)
	MonthlyTransactionCount(ctx context.Context, caller service.Caller, accountID string, year int, month time.Month) (int, error)
	LoginReport(ctx context.Context, caller service.Caller, year int, month time.Month) (model.LoginReport, error)
	SendLoginReport(ctx context.Context, caller service.Caller, year int, month time.Month) (model.LoginReport, error)
	Dashboard(ctx context.Context, caller service.Caller) (model.DashboardStats, error)
}

// Handler реализует HTTP-обработчики API банковского леджера.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
	observer       middleware.RequestObserver
	now            func() time.Time
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metricsHandler и observer могут быть nil.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metricsHandler http.Handler, observer middleware.RequestObserver) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metricsHandler,
		observer:       observer,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type accountResponse struct {
	ID                string     `json:"id"`
	Login             string     `json:"login"`
	Role              model.Role `json:"role"`
	Balance           string     `json:"balance"`
	Status            string     `json:"status"`
	LastTransactionAt *string    `json:"last_transaction_at,omitempty"`
	CreatedAt         string     `json:"created_at"`
}

func toAccountResponse(a model.Account) accountResponse {
	resp := accountResponse{
		ID:        a.ID,
		Login:     a.Login,
		Role:      a.Role,
		Balance:   validation.FormatAmount(a.Balance),
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !a.LastTransactionAt.IsZero() {
		ts := a.LastTransactionAt.UTC().Format(time.RFC3339Nano)
		resp.LastTransactionAt = &ts
	}
	return resp
}

type transactionResponse struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	Type         string `json:"type"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	Seq          int64  `json:"seq"`
	Timestamp    string `json:"timestamp"`
}

func toTransactionResponse(t model.Transaction) transactionResponse {
	return transactionResponse{
		ID:           t.ID,
		AccountID:    t.AccountID,
		Type:         string(t.Type),
		Amount:       validation.FormatAmount(t.Amount),
		BalanceAfter: validation.FormatAmount(t.BalanceAfter),
		Seq:          t.Seq,
		Timestamp:    t.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func toTransactionsResponse(ts []model.Transaction) []transactionResponse {
	resp := make([]transactionResponse, 0, len(ts))
	for _, t := range ts {
		resp = append(resp, toTransactionResponse(t))
	}
	return resp
}

type dashboardResponse struct {
	TotalAccounts       int     `json:"total_accounts"`
	Customers           int     `json:"customers"`
	StaffMembers        int     `json:"staff_members"`
	ActiveAccounts      int     `json:"active_accounts"`
	DisabledAccounts    int     `json:"disabled_accounts"`
	RecentlyActiveUsers int     `json:"recently_active_users"`
	RecentLogins        int     `json:"recent_logins"`
	TotalBalance        *string `json:"total_balance,omitempty"`
	CurrentBalance      *string `json:"current_balance,omitempty"`
	MonthlyTransactions *int    `json:"monthly_transactions,omitempty"`
}

type monthResponse struct {
	Month         string `json:"month"`
	TotalCredit   string `json:"total_credit"`
	TotalDebit    string `json:"total_debit"`
	EndingBalance string `json:"ending_balance"`
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (service.Caller, bool) {
	s, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return service.Caller{}, false
	}
	return service.Caller{AccountID: s.AccountID, Role: s.Role}, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response error", zap.Error(err))
	}
}

// writeError переводит доменную ошибку в HTTP-статус.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	var status int
	switch {
	case errors.Is(err, validation.ErrInvalidAmount),
		errors.Is(err, validation.ErrInvalidLogin),
		errors.Is(err, validation.ErrWeakPassword),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidType),
		errors.Is(err, service.ErrInvalidRole),
		errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrInvalidRange),
		errors.Is(err, analytics.ErrInvalidPeriod):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, access.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrAccountDisabled),
		errors.Is(err, repository.ErrLoginTaken),
		errors.Is(err, repository.ErrDuplicateID):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrContentionExceeded):
		w.Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error(op+" error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	http.Error(w, err.Error(), status)
}

// Login выполняет аутентификацию пользователя и устанавливает cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	acct, err := h.service.Authenticate(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountDisabled) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.writeError(w, "login", err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, middleware.Session{AccountID: acct.ID, Role: acct.Role})
	h.writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

// Logout удаляет cookie авторизации.
func (h *Handler) Logout(w http.ResponseWriter, _ *http.Request) {
	middleware.ClearAuthCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me возвращает счёт текущего пользователя.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	acct, err := h.service.Account(r.Context(), caller)
	if err != nil {
		h.writeError(w, "get account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

type createAccountRequest struct {
	Login          string     `json:"login"`
	Password       string     `json:"password"`
	Role           model.Role `json:"role"`
	InitialBalance string     `json:"initial_balance"`
}

// CreateAccount создаёт новый счёт.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var initial int64
	if req.InitialBalance != "" {
		v, err := validation.ParseBalance(req.InitialBalance)
		if err != nil {
			h.writeError(w, "create account", err)
			return
		}
		initial = v
	}

	acct, err := h.service.CreateAccount(r.Context(), caller, req.Login, req.Password, req.Role, initial)
	if err != nil {
		h.writeError(w, "create account", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

// ListAccounts возвращает все счета.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	accounts, err := h.service.ListAccounts(r.Context(), caller)
	if err != nil {
		h.writeError(w, "list accounts", err)
		return
	}

	resp := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, toAccountResponse(a))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type statusRequest struct {
	Status model.AccountStatus `json:"status"`
}

// UpdateStatus включает или блокирует счёт.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateStatus(r.Context(), caller, chi.URLParam(r, "id"), req.Status); err != nil {
		h.writeError(w, "update status", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transactionRequest struct {
	Type   model.TransactionType `json:"type"`
	Amount string                `json:"amount"`
}

type applyResponse struct {
	Transaction transactionResponse `json:"transaction"`
	Warning     string              `json:"warning,omitempty"`
}

// ApplyTransaction применяет зачисление или списание к счёту текущего клиента.
func (h *Handler) ApplyTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amount, err := validation.ParseAmount(req.Amount)
	if err != nil {
		h.writeError(w, "apply transaction", err)
		return
	}

	res, err := h.service.ApplyTransaction(r.Context(), caller, req.Type, amount)
	if err != nil {
		h.writeError(w, "apply transaction", err)
		return
	}

	resp := applyResponse{Transaction: toTransactionResponse(res.Transaction)}
	if res.Warning != nil {
		resp.Warning = res.Warning.Error()
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// RecentTransactions возвращает последние операции всех счетов.
func (h *Handler) RecentTransactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	txs, err := h.service.RecentTransactions(r.Context(), caller)
	if err != nil {
		h.writeError(w, "list transactions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTransactionsResponse(txs))
}

// AccountHistory возвращает записи леджера счёта за период from..to (RFC 3339).
// По умолчанию период покрывает последние 30 дней.
func (h *Handler) AccountHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	now := h.now()
	from, err := parseTimeParam(r, "from", now.AddDate(0, 0, -30))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(r, "to", now.Add(time.Nanosecond))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	txs, err := h.service.AccountHistory(r.Context(), caller, chi.URLParam(r, "id"), from, to)
	if err != nil {
		h.writeError(w, "account history", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTransactionsResponse(txs))
}

// SixMonthSeries возвращает итоги последних шести месяцев по счёту.
func (h *Handler) SixMonthSeries(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	asOf, err := parseTimeParam(r, "as_of", h.now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	series, err := h.service.SixMonthSeries(r.Context(), caller, chi.URLParam(r, "id"), asOf)
	if err != nil {
		h.writeError(w, "six month series", err)
		return
	}

	resp := make([]monthResponse, 0, len(series))
	for _, m := range series {
		resp = append(resp, monthResponse{
			Month:         m.Month.Format("2006-01"),
			TotalCredit:   validation.FormatAmount(m.TotalCredit),
			TotalDebit:    validation.FormatAmount(m.TotalDebit),
			EndingBalance: validation.FormatAmount(m.EndingBalance),
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type countResponse struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Count int `json:"count"`
}

// MonthlyTransactionCount возвращает число операций счёта за месяц.
func (h *Handler) MonthlyTransactionCount(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	year, month, err := h.parsePeriod(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n, err := h.service.MonthlyTransactionCount(r.Context(), caller, chi.URLParam(r, "id"), year, month)
	if err != nil {
		h.writeError(w, "monthly count", err)
		return
	}
	h.writeJSON(w, http.StatusOK, countResponse{Year: year, Month: int(month), Count: n})
}

// LoginReport возвращает месячный отчёт о входах.
func (h *Handler) LoginReport(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	year, month, err := h.parsePeriod(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.service.LoginReport(r.Context(), caller, year, month)
	if err != nil {
		h.writeError(w, "login report", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// SendLoginReport отправляет месячный отчёт о входах в канал уведомлений.
// Отправка асинхронная, поэтому ответ 202 содержит поставленный в очередь отчёт.
func (h *Handler) SendLoginReport(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	year, month, err := h.parsePeriod(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.service.SendLoginReport(r.Context(), caller, year, month)
	if err != nil {
		h.writeError(w, "send login report", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, report)
}

// Dashboard возвращает сводку для главной страницы.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	stats, err := h.service.Dashboard(r.Context(), caller)
	if err != nil {
		h.writeError(w, "dashboard", err)
		return
	}

	resp := dashboardResponse{
		TotalAccounts:       stats.TotalAccounts,
		Customers:           stats.Customers,
		StaffMembers:        stats.StaffMembers,
		ActiveAccounts:      stats.ActiveAccounts,
		DisabledAccounts:    stats.DisabledAccounts,
		RecentlyActiveUsers: stats.RecentlyActiveUsers,
		RecentLogins:        stats.RecentLogins,
		MonthlyTransactions: stats.MonthlyTransactions,
	}
	if caller.Role == model.RoleAdmin {
		total := validation.FormatAmount(stats.TotalBalance)
		resp.TotalBalance = &total
	}
	if stats.CurrentBalance != nil {
		current := validation.FormatAmount(*stats.CurrentBalance)
		resp.CurrentBalance = &current
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func parseTimeParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("invalid " + name + ": expected RFC 3339 timestamp")
	}
	return t.UTC(), nil
}

// parsePeriod читает year и month из запроса, по умолчанию текущий месяц.
func (h *Handler) parsePeriod(r *http.Request) (int, time.Month, error) {
	now := h.now()
	year, month := now.Year(), now.Month()

	q := r.URL.Query()
	if raw := q.Get("year"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, errors.New("invalid year")
		}
		year = v
	}
	if raw := q.Get("month"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, errors.New("invalid month")
		}
		month = time.Month(v)
	}
	return year, month, nil
}
