// Package service реализует бизнес-логику банковского леджера: счета, вход, операции и отчёты.
package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/bank-ledger/internal/access"
	"github.com/mmeshcher/bank-ledger/internal/ledger"
	"github.com/mmeshcher/bank-ledger/internal/model"
	"github.com/mmeshcher/bank-ledger/internal/repository"
	"github.com/mmeshcher/bank-ledger/internal/validation"
)

var (
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidRole возвращается для неизвестной роли.
	ErrInvalidRole = errors.New("invalid role")
	// ErrInvalidStatus возвращается для неизвестного статуса счёта.
	ErrInvalidStatus = errors.New("invalid status")
	// ErrInvalidRange возвращается, если начало периода позже конца.
	ErrInvalidRange = errors.New("invalid time range")
)

const createAttempts = 3

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateAccount(ctx context.Context, na model.NewAccount) (model.Account, error)
	GetAccount(ctx context.Context, id string) (model.Account, error)
	GetCredentials(ctx context.Context, login string) (model.Credentials, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	UpdateStatus(ctx context.Context, id string, status model.AccountStatus) error
	ListByAccount(ctx context.Context, accountID string, from, to time.Time) iter.Seq2[model.Transaction, error]
	RecordLogin(ctx context.Context, e model.LoginEvent) error
}

// Mutator применяет операции к балансу.
type Mutator interface {
	Apply(ctx context.Context, accountID string, typ model.TransactionType, amount int64) (ledger.Result, error)
}

// Analytics отвечает на агрегирующие запросы.
type Analytics interface {
	MonthlyTransactionCount(ctx context.Context, accountID string, year int, month time.Month) (int, error)
	SixMonthSeries(ctx context.Context, accountID string, asOf time.Time) ([]model.MonthSummary, error)
	MonthlyLoginReport(ctx context.Context, year int, month time.Month) (model.LoginReport, error)
	DashboardStats(ctx context.Context, callerID string, role model.Role) (model.DashboardStats, error)
	RecentTransactions(ctx context.Context) ([]model.Transaction, error)
}

// Notifier принимает уведомления без ожидания доставки.
type Notifier interface {
	Notify(n model.Notification)
}

// Caller описывает аутентифицированного пользователя.
type Caller struct {
	AccountID string
	Role      model.Role
}

// Service содержит бизнес-логику банковского леджера.
type Service struct {
	repo      Repository
	mutator   Mutator
	analytics Analytics
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	hashCost  int
}

// NewService создаёт сервис поверх репозитория, механизма изменения баланса и аналитики.
// notifier может быть nil: тогда оповещения о входах и отчёты никуда не отправляются.
func NewService(repo Repository, mutator Mutator, analytics Analytics, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		mutator:   mutator,
		analytics: analytics,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		hashCost:  bcrypt.DefaultCost,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateAccount создаёт счёт. Доступно только администратору.
func (s *Service) CreateAccount(ctx context.Context, caller Caller, login, password string, role model.Role, initialBalance int64) (model.Account, error) {
	if err := access.Check(caller.Role, access.OpCreateAccount); err != nil {
		return model.Account{}, err
	}
	return s.createAccount(ctx, login, password, role, initialBalance)
}

func (s *Service) createAccount(ctx context.Context, login, password string, role model.Role, initialBalance int64) (model.Account, error) {
	if err := validation.ValidateLogin(login); err != nil {
		return model.Account{}, err
	}
	if err := validation.ValidatePassword(password); err != nil {
		return model.Account{}, err
	}
	if !role.Valid() {
		return model.Account{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if initialBalance < 0 {
		return model.Account{}, fmt.Errorf("%w: initial balance must not be negative", validation.ErrInvalidAmount)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return model.Account{}, fmt.Errorf("hash password: %w", err)
	}

	na := model.NewAccount{
		Login:          login,
		PasswordHash:   hash,
		Role:           role,
		InitialBalance: initialBalance,
	}
	for attempt := 1; ; attempt++ {
		na.ID = s.newID()
		acct, err := s.repo.CreateAccount(ctx, na)
		if err == nil {
			s.logger.Info("account created",
				zap.String("account_id", acct.ID),
				zap.String("role", string(acct.Role)),
			)
			return acct, nil
		}
		if !errors.Is(err, repository.ErrDuplicateID) || attempt >= createAttempts {
			return model.Account{}, err
		}
	}
}

// EnsureAdmin создаёт администратора с логином login, если такого счёта ещё нет.
func (s *Service) EnsureAdmin(ctx context.Context, login, password string) error {
	_, err := s.repo.GetCredentials(ctx, login)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	_, err = s.createAccount(ctx, login, password, model.RoleAdmin, 0)
	if errors.Is(err, repository.ErrLoginTaken) {
		return nil
	}
	return err
}

// Authenticate проверяет логин и пароль и записывает попытку входа в журнал.
// Неудачные попытки для неизвестного логина записываются без идентификатора счёта.
func (s *Service) Authenticate(ctx context.Context, login, password string) (model.Account, error) {
	creds, err := s.repo.GetCredentials(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.recordLogin(ctx, "", false)
			return model.Account{}, ErrInvalidCredentials
		}
		return model.Account{}, err
	}

	if err := bcrypt.CompareHashAndPassword(creds.PasswordHash, []byte(password)); err != nil {
		s.recordLogin(ctx, creds.Account.ID, false)
		return model.Account{}, ErrInvalidCredentials
	}
	if creds.Account.Status != model.AccountStatusActive {
		s.recordLogin(ctx, creds.Account.ID, false)
		return model.Account{}, ledger.ErrAccountDisabled
	}

	s.recordLogin(ctx, creds.Account.ID, true)
	s.notifyLogin(ctx, creds.Account)
	return creds.Account, nil
}

// notifyLogin оповещает о входе. Клиент получает шестимесячный ряд по своему счёту,
// администратор дополнительно получает отчёт о входах за текущий месяц.
// Ошибки аналитики только пишутся в журнал и не мешают входу.
func (s *Service) notifyLogin(ctx context.Context, acct model.Account) {
	if s.notifier == nil {
		return
	}

	now := s.now()
	n := model.Notification{
		Kind:      model.NotificationLoginAlert,
		AccountID: acct.ID,
		Login:     acct.Login,
		Role:      acct.Role,
		Timestamp: now,
	}
	if acct.Role == model.RoleCustomer {
		series, err := s.analytics.SixMonthSeries(ctx, acct.ID, now)
		if err != nil {
			s.logger.Warn("failed to build series for login alert", zap.String("account_id", acct.ID), zap.Error(err))
		} else {
			n.Series = series
		}
	}
	s.notifier.Notify(n)

	if acct.Role == model.RoleAdmin {
		if _, err := s.publishLoginReport(ctx, acct.ID, now.Year(), now.Month()); err != nil {
			s.logger.Warn("failed to build login report on admin login", zap.String("account_id", acct.ID), zap.Error(err))
		}
	}
}

func (s *Service) publishLoginReport(ctx context.Context, requestedBy string, year int, month time.Month) (model.LoginReport, error) {
	report, err := s.analytics.MonthlyLoginReport(ctx, year, month)
	if err != nil {
		return model.LoginReport{}, err
	}
	if s.notifier != nil {
		s.notifier.Notify(model.Notification{
			Kind:      model.NotificationLoginReport,
			AccountID: requestedBy,
			Report:    &report,
			Timestamp: s.now(),
		})
	}
	return report, nil
}

func (s *Service) recordLogin(ctx context.Context, accountID string, success bool) {
	err := s.repo.RecordLogin(ctx, model.LoginEvent{
		AccountID: accountID,
		Timestamp: s.now(),
		Success:   success,
	})
	if err != nil {
		s.logger.Warn("failed to record login event", zap.String("account_id", accountID), zap.Error(err))
	}
}

// Account возвращает счёт вызывающего.
func (s *Service) Account(ctx context.Context, caller Caller) (model.Account, error) {
	return s.getAccount(ctx, caller.AccountID)
}

func (s *Service) getAccount(ctx context.Context, id string) (model.Account, error) {
	acct, err := s.repo.GetAccount(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return acct, err
}

// ListAccounts возвращает все счета.
func (s *Service) ListAccounts(ctx context.Context, caller Caller) ([]model.Account, error) {
	if err := access.Check(caller.Role, access.OpListAccounts); err != nil {
		return nil, err
	}
	return s.repo.ListAccounts(ctx)
}

// UpdateStatus включает или блокирует счёт.
func (s *Service) UpdateStatus(ctx context.Context, caller Caller, accountID string, status model.AccountStatus) error {
	if err := access.Check(caller.Role, access.OpUpdateStatus); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	err := s.repo.UpdateStatus(ctx, accountID, status)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return err
	}
	s.logger.Info("account status changed",
		zap.String("account_id", accountID),
		zap.String("status", string(status)),
		zap.String("by", caller.AccountID),
	)
	return nil
}

// ApplyTransaction применяет операцию к собственному счёту клиента.
func (s *Service) ApplyTransaction(ctx context.Context, caller Caller, typ model.TransactionType, amount int64) (ledger.Result, error) {
	if err := access.Check(caller.Role, access.OpApplyTransaction); err != nil {
		return ledger.Result{}, err
	}
	return s.mutator.Apply(ctx, caller.AccountID, typ, amount)
}

// AccountHistory возвращает записи леджера счёта за полуинтервал [from, to).
func (s *Service) AccountHistory(ctx context.Context, caller Caller, accountID string, from, to time.Time) ([]model.Transaction, error) {
	if err := access.CheckAccount(caller.AccountID, caller.Role, accountID); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, ErrInvalidRange
	}
	if _, err := s.getAccount(ctx, accountID); err != nil {
		return nil, err
	}

	history := make([]model.Transaction, 0)
	for t, err := range s.repo.ListByAccount(ctx, accountID, from, to) {
		if err != nil {
			return nil, err
		}
		history = append(history, t)
	}
	return history, nil
}

// RecentTransactions возвращает последние операции всех счетов.
func (s *Service) RecentTransactions(ctx context.Context, caller Caller) ([]model.Transaction, error) {
	if err := access.Check(caller.Role, access.OpListTransactions); err != nil {
		return nil, err
	}
	return s.analytics.RecentTransactions(ctx)
}

// SixMonthSeries возвращает шестимесячный ряд по счёту.
func (s *Service) SixMonthSeries(ctx context.Context, caller Caller, accountID string, asOf time.Time) ([]model.MonthSummary, error) {
	if err := access.CheckAccount(caller.AccountID, caller.Role, accountID); err != nil {
		return nil, err
	}
	return s.analytics.SixMonthSeries(ctx, accountID, asOf)
}

// MonthlyTransactionCount возвращает число операций счёта за месяц.
func (s *Service) MonthlyTransactionCount(ctx context.Context, caller Caller, accountID string, year int, month time.Month) (int, error) {
	if err := access.CheckAccount(caller.AccountID, caller.Role, accountID); err != nil {
		return 0, err
	}
	return s.analytics.MonthlyTransactionCount(ctx, accountID, year, month)
}

// LoginReport возвращает месячный отчёт о входах.
func (s *Service) LoginReport(ctx context.Context, caller Caller, year int, month time.Month) (model.LoginReport, error) {
	if err := access.Check(caller.Role, access.OpLoginStats); err != nil {
		return model.LoginReport{}, err
	}
	return s.analytics.MonthlyLoginReport(ctx, year, month)
}

// SendLoginReport строит месячный отчёт о входах и отправляет его в канал уведомлений.
// Доставка происходит в фоне; возвращается отправленный отчёт.
func (s *Service) SendLoginReport(ctx context.Context, caller Caller, year int, month time.Month) (model.LoginReport, error) {
	if err := access.Check(caller.Role, access.OpLoginStats); err != nil {
		return model.LoginReport{}, err
	}
	report, err := s.publishLoginReport(ctx, caller.AccountID, year, month)
	if err != nil {
		return model.LoginReport{}, err
	}
	s.logger.Info("login report sent",
		zap.String("month", report.Month),
		zap.String("by", caller.AccountID),
	)
	return report, nil
}

// Dashboard возвращает сводку для главной страницы.
func (s *Service) Dashboard(ctx context.Context, caller Caller) (model.DashboardStats, error) {
	if err := access.Check(caller.Role, access.OpDashboard); err != nil {
		return model.DashboardStats{}, err
	}
	return s.analytics.DashboardStats(ctx, caller.AccountID, caller.Role)
}
