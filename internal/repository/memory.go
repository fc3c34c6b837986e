package repository

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/mmeshcher/bank-ledger/internal/model"
)

type memoryAccount struct {
	account      model.Account
	passwordHash []byte
}

// MemoryRepository хранит счета, леджер и журнал входов в памяти процесса.
// Реализует только условную запись баланса, без атомарных транзакций.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]*memoryAccount
	logins   map[string]string
	txIDs    map[string]struct{}
	ledger   map[string][]model.Transaction
	events   []model.LoginEvent
	now      func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[string]*memoryAccount),
		logins:   make(map[string]string),
		txIDs:    make(map[string]struct{}),
		ledger:   make(map[string][]model.Transaction),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close ничего не делает и существует для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error { return nil }

// CreateAccount создаёт новый счёт с заранее сгенерированным идентификатором.
func (r *MemoryRepository) CreateAccount(_ context.Context, na model.NewAccount) (model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[na.ID]; ok {
		return model.Account{}, fmt.Errorf("%w: account %s", ErrDuplicateID, na.ID)
	}
	if _, ok := r.logins[na.Login]; ok {
		return model.Account{}, fmt.Errorf("%w: %s", ErrLoginTaken, na.Login)
	}

	a := model.Account{
		ID:        na.ID,
		Login:     na.Login,
		Role:      na.Role,
		Balance:   na.InitialBalance,
		Status:    model.AccountStatusActive,
		CreatedAt: r.now(),
	}
	r.accounts[na.ID] = &memoryAccount{account: a, passwordHash: slices.Clone(na.PasswordHash)}
	r.logins[na.Login] = na.ID
	return a, nil
}

// GetAccount возвращает копию счёта.
func (r *MemoryRepository) GetAccount(_ context.Context, id string) (model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return a.account, nil
}

// GetCredentials возвращает счёт вместе с хешем пароля по логину.
func (r *MemoryRepository) GetCredentials(_ context.Context, login string) (model.Credentials, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.logins[login]
	if !ok {
		return model.Credentials{}, ErrNotFound
	}
	a := r.accounts[id]
	return model.Credentials{Account: a.account, PasswordHash: slices.Clone(a.passwordHash)}, nil
}

// ListAccounts возвращает все счета в порядке создания.
func (r *MemoryRepository) ListAccounts(_ context.Context) ([]model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		res = append(res, a.account)
	}
	slices.SortFunc(res, func(a, b model.Account) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return res, nil
}

// UpdateStatus меняет статус счёта.
func (r *MemoryRepository) UpdateStatus(_ context.Context, id string, status model.AccountStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.account.Status = status
	return nil
}

// CompareAndSetBalance записывает новый баланс, только если счёт активен, а баланс и ревизия не изменились.
func (r *MemoryRepository) CompareAndSetBalance(_ context.Context, u model.BalanceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[u.AccountID]
	if !ok {
		return ErrNotFound
	}
	if a.account.Status != model.AccountStatusActive ||
		a.account.Balance != u.ExpectedBalance || a.account.Revision != u.ExpectedRevision {
		return ErrConflict
	}
	a.account.Balance = u.NewBalance
	a.account.Revision++
	a.account.LastTransactionAt = u.At
	return nil
}

// AppendTransaction добавляет запись в леджер.
func (r *MemoryRepository) AppendTransaction(_ context.Context, t model.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.txIDs[t.ID]; ok {
		return fmt.Errorf("%w: transaction %s", ErrDuplicateID, t.ID)
	}
	r.txIDs[t.ID] = struct{}{}

	// Записи одного счёта могут прийти не по порядку, если CAS завершились в другом порядке.
	entries := r.ledger[t.AccountID]
	i, _ := slices.BinarySearchFunc(entries, t.Seq, func(e model.Transaction, seq int64) int {
		return cmp.Compare(e.Seq, seq)
	})
	r.ledger[t.AccountID] = slices.Insert(entries, i, t)
	return nil
}

// ListByAccount возвращает записи счёта за полуинтервал [from, to) в порядке леджера.
// Каждый проход по последовательности читает свежий снимок.
func (r *MemoryRepository) ListByAccount(_ context.Context, accountID string, from, to time.Time) iter.Seq2[model.Transaction, error] {
	return func(yield func(model.Transaction, error) bool) {
		r.mu.RLock()
		snapshot := slices.Clone(r.ledger[accountID])
		r.mu.RUnlock()

		for _, t := range snapshot {
			if t.Timestamp.Before(from) || !t.Timestamp.Before(to) {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

// LastBefore возвращает последнюю запись счёта, созданную раньше момента t.
func (r *MemoryRepository) LastBefore(_ context.Context, accountID string, t time.Time) (model.Transaction, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.ledger[accountID]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Timestamp.Before(t) {
			return entries[i], true, nil
		}
	}
	return model.Transaction{}, false, nil
}

// CountByAccountMonth возвращает число записей счёта за календарный месяц (UTC).
func (r *MemoryRepository) CountByAccountMonth(ctx context.Context, accountID string, year int, month time.Month) (int, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	n := 0
	for _, err := range r.ListByAccount(ctx, accountID, from, to) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// ListRecent возвращает последние записи всех счетов начиная с since, новые первыми.
func (r *MemoryRepository) ListRecent(_ context.Context, since time.Time, limit int) ([]model.Transaction, error) {
	r.mu.RLock()
	var res []model.Transaction
	for _, entries := range r.ledger {
		for _, t := range entries {
			if !t.Timestamp.Before(since) {
				res = append(res, t)
			}
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(res, func(a, b model.Transaction) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// RecordLogin сохраняет попытку входа.
func (r *MemoryRepository) RecordLogin(_ context.Context, e model.LoginEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	return nil
}

// LoginStats возвращает статистику входов за полуинтервал [from, to).
func (r *MemoryRepository) LoginStats(_ context.Context, from, to time.Time) (model.LoginStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s model.LoginStats
	distinct := make(map[string]struct{})
	for _, e := range r.events {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		if !e.Success {
			s.FailedAttempts++
			continue
		}
		s.TotalLogins++
		distinct[e.AccountID] = struct{}{}
	}
	s.DistinctAccounts = len(distinct)
	return s, nil
}

// LoginCounts возвращает число успешных входов каждого счёта за полуинтервал [from, to).
func (r *MemoryRepository) LoginCounts(_ context.Context, from, to time.Time) ([]model.AccountLogins, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := make(map[string]*model.AccountLogins, len(r.accounts))
	res := make([]model.AccountLogins, 0, len(r.accounts))
	for id, a := range r.accounts {
		byID[id] = &model.AccountLogins{AccountID: id, Login: a.account.Login, Role: a.account.Role}
	}
	for _, e := range r.events {
		if !e.Success || e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		c, ok := byID[e.AccountID]
		if !ok {
			continue
		}
		c.Count++
		if e.Timestamp.After(c.LastLogin) {
			c.LastLogin = e.Timestamp
		}
	}
	for _, c := range byID {
		res = append(res, *c)
	}
	return res, nil
}
