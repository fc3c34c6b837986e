// Package ledger применяет зачисления и списания к балансу счёта и ведёт неизменяемый леджер.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/bank-ledger/internal/model"
	"github.com/mmeshcher/bank-ledger/internal/repository"
)

// DefaultMaxAttempts ограничивает число попыток условной записи баланса.
const DefaultMaxAttempts = 5

// Strategy выбирает способ атомарного применения операции.
type Strategy string

const (
	// StrategyAtomic записывает баланс и леджер в одной транзакции хранилища, если оно это поддерживает.
	StrategyAtomic Strategy = "atomic"
	// StrategyOptimistic использует условную запись баланса с ограниченным числом повторов.
	StrategyOptimistic Strategy = "optimistic"
)

// AccountStore описывает доступ к счетам, необходимый для изменения баланса.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (model.Account, error)
	CompareAndSetBalance(ctx context.Context, u model.BalanceUpdate) error
}

// LedgerStore описывает запись в леджер.
type LedgerStore interface {
	AppendTransaction(ctx context.Context, t model.Transaction) error
}

// AtomicStore реализуется хранилищами, которые умеют менять баланс и писать леджер в одной транзакции.
type AtomicStore interface {
	ApplyAtomic(ctx context.Context, accountID string, build func(model.Account) (model.Transaction, error)) (model.Transaction, error)
}

// Notifier принимает уведомления об операциях. Notify не должен блокироваться.
type Notifier interface {
	Notify(n model.Notification)
}

// Metrics собирает статистику применения операций.
type Metrics interface {
	ObserveApply(txType, outcome string, attempts int, duration time.Duration)
	IncConflict()
	IncLedgerWriteFailure()
}

// Options содержит необязательные параметры Mutator.
type Options struct {
	MaxAttempts int
	Strategy    Strategy
	Notifier    Notifier
	Metrics     Metrics
	Logger      *zap.Logger
	Now         func() time.Time
	NewID       func() string
}

// Result описывает успешно применённую операцию.
type Result struct {
	Transaction model.Transaction
	Attempts    int
	// Warning не пуст, если баланс изменён, но запись леджера сохранить не удалось.
	Warning error
}

// Mutator применяет операции к балансу счёта.
type Mutator struct {
	accounts    AccountStore
	ledger      LedgerStore
	atomic      AtomicStore
	maxAttempts int
	notifier    Notifier
	metrics     Metrics
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

// NewMutator создаёт Mutator поверх хранилищ счетов и леджера.
func NewMutator(accounts AccountStore, ledger LedgerStore, opts Options) *Mutator {
	m := &Mutator{
		accounts:    accounts,
		ledger:      ledger,
		maxAttempts: opts.MaxAttempts,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
		newID:       opts.NewID,
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.newID == nil {
		m.newID = func() string { return uuid.NewString() }
	}
	if opts.Strategy != StrategyOptimistic {
		if a, ok := accounts.(AtomicStore); ok {
			m.atomic = a
		}
	}
	return m
}

// Apply зачисляет или списывает amount минимальных единиц со счёта accountID.
// Ошибка означает, что баланс не изменился. Успех с непустым Result.Warning означает,
// что баланс изменён, но запись леджера потеряна; такую операцию нельзя повторять.
func (m *Mutator) Apply(ctx context.Context, accountID string, typ model.TransactionType, amount int64) (Result, error) {
	start := time.Now()

	res, err := m.apply(ctx, accountID, typ, amount)

	if m.metrics != nil {
		m.metrics.ObserveApply(string(typ), Outcome(err), res.Attempts, time.Since(start))
	}
	if err != nil {
		return Result{}, err
	}

	if m.notifier != nil {
		m.notifier.Notify(model.Notification{
			Kind:         model.NotificationTransaction,
			AccountID:    res.Transaction.AccountID,
			Type:         res.Transaction.Type,
			Amount:       res.Transaction.Amount,
			BalanceAfter: res.Transaction.BalanceAfter,
			Timestamp:    res.Transaction.Timestamp,
		})
	}
	return res, nil
}

func (m *Mutator) apply(ctx context.Context, accountID string, typ model.TransactionType, amount int64) (Result, error) {
	if amount <= 0 {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if !typ.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}

	if m.atomic != nil {
		return m.applyAtomic(ctx, accountID, typ, amount)
	}
	return m.applyOptimistic(ctx, accountID, typ, amount)
}

func (m *Mutator) applyAtomic(ctx context.Context, accountID string, typ model.TransactionType, amount int64) (Result, error) {
	t, err := m.atomic.ApplyAtomic(ctx, accountID, func(acct model.Account) (model.Transaction, error) {
		next, err := m.nextBalance(acct, typ, amount)
		if err != nil {
			return model.Transaction{}, err
		}
		return m.buildTransaction(acct, typ, amount, next), nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Result{Attempts: 1}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return Result{Attempts: 1}, err
	}
	return Result{Transaction: t, Attempts: 1}, nil
}

func (m *Mutator) applyOptimistic(ctx context.Context, accountID string, typ model.TransactionType, amount int64) (Result, error) {
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		acct, err := m.accounts.GetAccount(ctx, accountID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return Result{Attempts: attempt}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
			}
			return Result{Attempts: attempt}, fmt.Errorf("read account: %w", err)
		}

		next, err := m.nextBalance(acct, typ, amount)
		if err != nil {
			return Result{Attempts: attempt}, err
		}

		t := m.buildTransaction(acct, typ, amount, next)
		err = m.accounts.CompareAndSetBalance(ctx, model.BalanceUpdate{
			AccountID:        accountID,
			ExpectedBalance:  acct.Balance,
			ExpectedRevision: acct.Revision,
			NewBalance:       next,
			At:               t.Timestamp,
		})
		switch {
		case err == nil:
			return m.appendAfterCommit(ctx, t, attempt), nil
		case errors.Is(err, repository.ErrConflict):
			if m.metrics != nil {
				m.metrics.IncConflict()
			}
			continue
		case errors.Is(err, repository.ErrNotFound):
			return Result{Attempts: attempt}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		default:
			return Result{Attempts: attempt}, fmt.Errorf("compare and set balance: %w", err)
		}
	}

	return Result{Attempts: m.maxAttempts}, fmt.Errorf("%w: %d attempts on account %s", ErrContentionExceeded, m.maxAttempts, accountID)
}

// appendAfterCommit пишет леджер после зафиксированного баланса. Баланс не откатывается.
func (m *Mutator) appendAfterCommit(ctx context.Context, t model.Transaction, attempts int) Result {
	res := Result{Transaction: t, Attempts: attempts}

	if err := m.ledger.AppendTransaction(ctx, t); err != nil {
		res.Warning = fmt.Errorf("%w: %w", ErrLedgerWriteFailed, err)
		if m.metrics != nil {
			m.metrics.IncLedgerWriteFailure()
		}
		m.logger.Warn("ledger write failed after balance commit",
			zap.Error(err),
			zap.String("account_id", t.AccountID),
			zap.String("transaction_id", t.ID),
			zap.Int64("balance_after", t.BalanceAfter),
		)
	}
	return res
}

func (m *Mutator) nextBalance(acct model.Account, typ model.TransactionType, amount int64) (int64, error) {
	if acct.Status != model.AccountStatusActive {
		return 0, fmt.Errorf("%w: %s", ErrAccountDisabled, acct.ID)
	}

	if typ == model.TransactionCredit {
		if acct.Balance > math.MaxInt64-amount {
			return 0, fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
		}
		return acct.Balance + amount, nil
	}

	next := acct.Balance - amount
	if next < 0 {
		return 0, fmt.Errorf("%w: balance %d, debit %d", ErrInsufficientFunds, acct.Balance, amount)
	}
	return next, nil
}

func (m *Mutator) buildTransaction(acct model.Account, typ model.TransactionType, amount, next int64) model.Transaction {
	at := m.now()
	if at.Before(acct.LastTransactionAt) {
		at = acct.LastTransactionAt
	}
	return model.Transaction{
		ID:           m.newID(),
		AccountID:    acct.ID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: next,
		Seq:          acct.Revision + 1,
		Timestamp:    at,
	}
}
