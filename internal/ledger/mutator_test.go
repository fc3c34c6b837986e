package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/bank-ledger/internal/model"
	"github.com/mmeshcher/bank-ledger/internal/repository"
)

var accountSeq atomic.Int64

func newAccount(t *testing.T, repo *repository.MemoryRepository, balance int64) model.Account {
	t.Helper()

	n := accountSeq.Add(1)
	a, err := repo.CreateAccount(context.Background(), model.NewAccount{
		ID:             fmt.Sprintf("acc-%d", n),
		Login:          fmt.Sprintf("user-%d", n),
		Role:           model.RoleCustomer,
		InitialBalance: balance,
	})
	require.NoError(t, err)
	return a
}

func history(t *testing.T, repo *repository.MemoryRepository, accountID string) []model.Transaction {
	t.Helper()

	var res []model.Transaction
	for tx, err := range repo.ListByAccount(context.Background(), accountID, time.Time{}, time.Now().Add(time.Hour)) {
		require.NoError(t, err)
		res = append(res, tx)
	}
	return res
}

// assertReconstructs проверяет, что balance_after каждой записи выводится из предыдущей.
func assertReconstructs(t *testing.T, initial int64, txs []model.Transaction) {
	t.Helper()

	balance := initial
	var prev time.Time
	for i, tx := range txs {
		switch tx.Type {
		case model.TransactionCredit:
			balance += tx.Amount
		case model.TransactionDebit:
			balance -= tx.Amount
		}
		if tx.BalanceAfter != balance {
			t.Fatalf("entry %d: balance_after = %d, replay gives %d", i, tx.BalanceAfter, balance)
		}
		if balance < 0 {
			t.Fatalf("entry %d: negative balance %d", i, balance)
		}
		if tx.Timestamp.Before(prev) {
			t.Fatalf("entry %d: timestamp %v before previous %v", i, tx.Timestamp, prev)
		}
		prev = tx.Timestamp
	}
}

func balanceOf(t *testing.T, repo *repository.MemoryRepository, id string) int64 {
	t.Helper()

	a, err := repo.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

// applyEventually повторяет операцию на уровне вызывающего, пока ядро сообщает о конкуренции.
func applyEventually(ctx context.Context, m *Mutator, id string, typ model.TransactionType, amount int64) (Result, error) {
	for {
		res, err := m.Apply(ctx, id, typ, amount)
		if !errors.Is(err, ErrContentionExceeded) {
			return res, err
		}
	}
}

func TestApply_Rejections(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 100)

	disabled := newAccount(t, repo, 100)
	require.NoError(t, repo.UpdateStatus(context.Background(), disabled.ID, model.AccountStatusDisabled))

	tests := []struct {
		name    string
		id      string
		typ     model.TransactionType
		amount  int64
		wantErr error
	}{
		{name: "zero amount", id: acct.ID, typ: model.TransactionCredit, amount: 0, wantErr: ErrInvalidAmount},
		{name: "negative amount", id: acct.ID, typ: model.TransactionDebit, amount: -5, wantErr: ErrInvalidAmount},
		{name: "unknown type", id: acct.ID, typ: model.TransactionType("refund"), amount: 5, wantErr: ErrInvalidType},
		{name: "missing account", id: "missing", typ: model.TransactionCredit, amount: 5, wantErr: ErrAccountNotFound},
		{name: "disabled account", id: disabled.ID, typ: model.TransactionCredit, amount: 5, wantErr: ErrAccountDisabled},
		{name: "insufficient funds", id: acct.ID, typ: model.TransactionDebit, amount: 500, wantErr: ErrInsufficientFunds},
	}

	m := NewMutator(repo, repo, Options{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Apply(context.Background(), tt.id, tt.typ, tt.amount)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, int64(100), balanceOf(t, repo, acct.ID))
	assert.Equal(t, int64(100), balanceOf(t, repo, disabled.ID))
	assert.Empty(t, history(t, repo, acct.ID))
	assert.Empty(t, history(t, repo, disabled.ID))
}

func TestApply_InsufficientFundsLeavesBalance(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 100)
	m := NewMutator(repo, repo, Options{})

	_, err := m.Apply(context.Background(), acct.ID, model.TransactionDebit, 500)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if b := balanceOf(t, repo, acct.ID); b != 100 {
		t.Fatalf("balance = %d, want 100", b)
	}
	if txs := history(t, repo, acct.ID); len(txs) != 0 {
		t.Fatalf("expected no transactions, got %d", len(txs))
	}
}

func TestApply_DebitToZero(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 300)
	m := NewMutator(repo, repo, Options{})

	res, err := m.Apply(context.Background(), acct.ID, model.TransactionDebit, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Transaction.BalanceAfter)
	assert.Equal(t, int64(0), balanceOf(t, repo, acct.ID))
}

func TestApply_CreditOverflow(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 1<<62)
	m := NewMutator(repo, repo, Options{})

	_, err := m.Apply(context.Background(), acct.ID, model.TransactionCredit, 1<<62)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, int64(1<<62), balanceOf(t, repo, acct.ID))
}

func TestApply_ConcurrentCreditAndDebit(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 10000)
	m := NewMutator(repo, repo, Options{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	ops := []struct {
		typ    model.TransactionType
		amount int64
	}{
		{model.TransactionCredit, 500},
		{model.TransactionDebit, 300},
	}
	for i, op := range ops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = applyEventually(context.Background(), m, acct.ID, op.typ, op.amount)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(10200), balanceOf(t, repo, acct.ID))

	txs := history(t, repo, acct.ID)
	require.Len(t, txs, 2)
	assertReconstructs(t, 10000, txs)
}

func TestApply_FiftyConcurrentCredits(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 0)
	m := NewMutator(repo, repo, Options{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := applyEventually(context.Background(), m, acct.ID, model.TransactionCredit, 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, succeeded)
	assert.Equal(t, int64(50), balanceOf(t, repo, acct.ID))

	txs := history(t, repo, acct.ID)
	assert.Len(t, txs, 50)
	assertReconstructs(t, 0, txs)
}

func TestApply_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 1000)
	m := NewMutator(repo, repo, Options{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var debited int64
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			typ := model.TransactionDebit
			amount := int64(70)
			if i%4 == 0 {
				typ = model.TransactionCredit
				amount = 30
			}
			_, err := applyEventually(context.Background(), m, acct.ID, typ, amount)
			if err != nil && !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil && typ == model.TransactionDebit {
				mu.Lock()
				debited += amount
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	final := balanceOf(t, repo, acct.ID)
	assert.GreaterOrEqual(t, final, int64(0))
	assert.Equal(t, 1000+10*30-debited, final)
	assertReconstructs(t, 1000, history(t, repo, acct.ID))
}

type conflictingStore struct {
	*repository.MemoryRepository
	mu    sync.Mutex
	calls int
}

func (s *conflictingStore) CompareAndSetBalance(ctx context.Context, u model.BalanceUpdate) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return repository.ErrConflict
}

func TestApply_ContentionExceeded(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 100)
	store := &conflictingStore{MemoryRepository: repo}

	m := NewMutator(store, repo, Options{MaxAttempts: 3})

	_, err := m.Apply(context.Background(), acct.ID, model.TransactionCredit, 10)
	require.ErrorIs(t, err, ErrContentionExceeded)
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, int64(100), balanceOf(t, repo, acct.ID))
	assert.Empty(t, history(t, repo, acct.ID))
}

// disablingStore блокирует счёт сразу после первого чтения, то есть до условной записи баланса.
type disablingStore struct {
	*repository.MemoryRepository
	once sync.Once
}

func (s *disablingStore) GetAccount(ctx context.Context, id string) (model.Account, error) {
	a, err := s.MemoryRepository.GetAccount(ctx, id)
	s.once.Do(func() {
		_ = s.MemoryRepository.UpdateStatus(ctx, id, model.AccountStatusDisabled)
	})
	return a, err
}

func TestApply_DisabledBetweenReadAndWrite(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 100)
	store := &disablingStore{MemoryRepository: repo}

	m := NewMutator(store, repo, Options{Strategy: StrategyOptimistic})

	_, err := m.Apply(context.Background(), acct.ID, model.TransactionDebit, 30)
	require.ErrorIs(t, err, ErrAccountDisabled)
	assert.Equal(t, int64(100), balanceOf(t, repo, acct.ID))
	assert.Empty(t, history(t, repo, acct.ID))
}

type failingLedger struct{}

func (failingLedger) AppendTransaction(context.Context, model.Transaction) error {
	return repository.ErrDuplicateID
}

func TestApply_LedgerWriteFailedKeepsBalance(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 100)
	m := NewMutator(repo, failingLedger{}, Options{})

	res, err := m.Apply(context.Background(), acct.ID, model.TransactionCredit, 50)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Warning, ErrLedgerWriteFailed)
	assert.ErrorIs(t, res.Warning, repository.ErrDuplicateID)
	assert.Equal(t, int64(150), balanceOf(t, repo, acct.ID))
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (s *stubNotifier) Notify(n model.Notification) {
	s.mu.Lock()
	s.sent = append(s.sent, n)
	s.mu.Unlock()
}

func TestApply_NotifiesOnSuccessOnly(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 100)
	n := &stubNotifier{}
	m := NewMutator(repo, repo, Options{Notifier: n})

	res, err := m.Apply(context.Background(), acct.ID, model.TransactionDebit, 40)
	require.NoError(t, err)

	_, err = m.Apply(context.Background(), acct.ID, model.TransactionDebit, 400)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	require.Len(t, n.sent, 1)
	assert.Equal(t, model.Notification{
		Kind:         model.NotificationTransaction,
		AccountID:    acct.ID,
		Type:         model.TransactionDebit,
		Amount:       40,
		BalanceAfter: 60,
		Timestamp:    res.Transaction.Timestamp,
	}, n.sent[0])
}

func TestApply_TimestampsNeverDecrease(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 0)

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Hour), base.Add(time.Minute)}
	i := 0
	m := NewMutator(repo, repo, Options{Now: func() time.Time {
		t := clock[i]
		i++
		return t
	}})

	for range clock {
		_, err := m.Apply(context.Background(), acct.ID, model.TransactionCredit, 10)
		require.NoError(t, err)
	}

	txs := history(t, repo, acct.ID)
	require.Len(t, txs, 3)
	assert.Equal(t, base, txs[1].Timestamp)
	assert.Equal(t, base.Add(time.Minute), txs[2].Timestamp)
	assert.Equal(t, []int64{1, 2, 3}, []int64{txs[0].Seq, txs[1].Seq, txs[2].Seq})
}

// atomicStore эмулирует хранилище с транзакциями поверх памяти.
type atomicStore struct {
	*repository.MemoryRepository
	mu    sync.Mutex
	calls int
}

func (s *atomicStore) ApplyAtomic(ctx context.Context, accountID string, build func(model.Account) (model.Transaction, error)) (model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return model.Transaction{}, err
	}
	tx, err := build(acct)
	if err != nil {
		return model.Transaction{}, err
	}
	err = s.CompareAndSetBalance(ctx, model.BalanceUpdate{
		AccountID:        accountID,
		ExpectedBalance:  acct.Balance,
		ExpectedRevision: acct.Revision,
		NewBalance:       tx.BalanceAfter,
		At:               tx.Timestamp,
	})
	if err != nil {
		return model.Transaction{}, err
	}
	return tx, s.AppendTransaction(ctx, tx)
}

func TestApply_PrefersAtomicStore(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 100)
	store := &atomicStore{MemoryRepository: repo}

	m := NewMutator(store, store, Options{Strategy: StrategyAtomic})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Apply(context.Background(), acct.ID, model.TransactionDebit, 5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, store.calls)
	assert.Equal(t, int64(0), balanceOf(t, repo, acct.ID))
	assertReconstructs(t, 100, history(t, repo, acct.ID))

	_, err := m.Apply(context.Background(), acct.ID, model.TransactionDebit, 5)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	_, err = m.Apply(context.Background(), "missing", model.TransactionDebit, 5)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestApply_OptimisticStrategySkipsAtomicStore(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 100)
	store := &atomicStore{MemoryRepository: repo}

	m := NewMutator(store, store, Options{Strategy: StrategyOptimistic})

	_, err := m.Apply(context.Background(), acct.ID, model.TransactionCredit, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, store.calls)
	assert.Equal(t, int64(105), balanceOf(t, repo, acct.ID))
}

type recordingMetrics struct {
	mu        sync.Mutex
	outcomes  []string
	conflicts int
	failures  int
}

func (r *recordingMetrics) ObserveApply(_, outcome string, _ int, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

func (r *recordingMetrics) IncConflict() {
	r.mu.Lock()
	r.conflicts++
	r.mu.Unlock()
}

func (r *recordingMetrics) IncLedgerWriteFailure() {
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()
}

func TestApply_ReportsMetrics(t *testing.T) {
	repo := repository.NewMemoryRepository()
	acct := newAccount(t, repo, 100)
	store := &conflictingStore{MemoryRepository: repo}
	rec := &recordingMetrics{}

	m := NewMutator(store, repo, Options{MaxAttempts: 2, Metrics: rec})
	_, _ = m.Apply(context.Background(), acct.ID, model.TransactionCredit, 1)
	_, _ = m.Apply(context.Background(), acct.ID, model.TransactionCredit, 0)

	assert.Equal(t, []string{"contention_exceeded", "invalid_amount"}, rec.outcomes)
	assert.Equal(t, 2, rec.conflicts)
}
