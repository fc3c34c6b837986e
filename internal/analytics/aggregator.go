// Package analytics отвечает на агрегирующие запросы по леджеру и журналу входов.
// Все операции только читают данные и не берут блокировок.
package analytics

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/mmeshcher/bank-ledger/internal/ledger"
	"github.com/mmeshcher/bank-ledger/internal/model"
	"github.com/mmeshcher/bank-ledger/internal/repository"
)

const (
	// SeriesMonths задаёт длину ряда для графиков.
	SeriesMonths = 6

	recentTransactionsWindow = 90 * 24 * time.Hour
	recentTransactionsLimit  = 1000
	activeUsersWindow        = 90 * 24 * time.Hour
	recentLoginsWindow       = 7 * 24 * time.Hour
)

// ErrInvalidPeriod возвращается для некорректного года или месяца.
var ErrInvalidPeriod = errors.New("invalid period")

var endOfTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Store описывает данные, которые читает Aggregator.
type Store interface {
	GetAccount(ctx context.Context, id string) (model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	ListByAccount(ctx context.Context, accountID string, from, to time.Time) iter.Seq2[model.Transaction, error]
	LastBefore(ctx context.Context, accountID string, t time.Time) (model.Transaction, bool, error)
	CountByAccountMonth(ctx context.Context, accountID string, year int, month time.Month) (int, error)
	ListRecent(ctx context.Context, since time.Time, limit int) ([]model.Transaction, error)
	LoginStats(ctx context.Context, from, to time.Time) (model.LoginStats, error)
	LoginCounts(ctx context.Context, from, to time.Time) ([]model.AccountLogins, error)
}

// Aggregator вычисляет статистику по счетам.
type Aggregator struct {
	store Store
	now   func() time.Time
}

// NewAggregator создаёт Aggregator поверх хранилища.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// MonthStart возвращает начало календарного месяца (UTC), содержащего t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func checkPeriod(year int, month time.Month) error {
	if year < 1 || year > 9999 || month < time.January || month > time.December {
		return fmt.Errorf("%w: %d-%02d", ErrInvalidPeriod, year, month)
	}
	return nil
}

func (a *Aggregator) account(ctx context.Context, id string) (model.Account, error) {
	acct, err := a.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
		}
		return model.Account{}, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

// MonthlyTransactionCount возвращает число операций счёта за месяц.
func (a *Aggregator) MonthlyTransactionCount(ctx context.Context, accountID string, year int, month time.Month) (int, error) {
	if err := checkPeriod(year, month); err != nil {
		return 0, err
	}
	if _, err := a.account(ctx, accountID); err != nil {
		return 0, err
	}
	return a.store.CountByAccountMonth(ctx, accountID, year, month)
}

// SixMonthSeries возвращает итоги шести календарных месяцев, заканчивающихся месяцем asOf,
// от старого к новому. Операции позже asOf не учитываются. Месяцы без операций
// имеют нулевые суммы и переносят конечный баланс предыдущего месяца.
func (a *Aggregator) SixMonthSeries(ctx context.Context, accountID string, asOf time.Time) ([]model.MonthSummary, error) {
	acct, err := a.account(ctx, accountID)
	if err != nil {
		return nil, err
	}

	asOf = asOf.UTC()
	windowStart := MonthStart(asOf).AddDate(0, -(SeriesMonths - 1), 0)
	windowEnd := asOf.Add(time.Nanosecond)

	balance, err := a.openingBalance(ctx, acct, windowStart)
	if err != nil {
		return nil, err
	}

	series := make([]model.MonthSummary, SeriesMonths)
	for i := range series {
		series[i].Month = windowStart.AddDate(0, i, 0)
	}

	idx := 0
	for tx, err := range a.store.ListByAccount(ctx, accountID, windowStart, windowEnd) {
		if err != nil {
			return nil, err
		}
		for idx < SeriesMonths-1 && !tx.Timestamp.Before(series[idx+1].Month) {
			series[idx].EndingBalance = balance
			idx++
		}
		switch tx.Type {
		case model.TransactionCredit:
			series[idx].TotalCredit += tx.Amount
		case model.TransactionDebit:
			series[idx].TotalDebit += tx.Amount
		}
		balance = tx.BalanceAfter
	}
	for ; idx < SeriesMonths; idx++ {
		series[idx].EndingBalance = balance
	}

	return series, nil
}

// openingBalance возвращает баланс счёта на момент at, восстановленный по леджеру.
func (a *Aggregator) openingBalance(ctx context.Context, acct model.Account, at time.Time) (int64, error) {
	prev, ok, err := a.store.LastBefore(ctx, acct.ID, at)
	if err != nil {
		return 0, err
	}
	if ok {
		return prev.BalanceAfter, nil
	}

	// До начала окна операций не было: баланс равен начальному, его выводим из первой записи.
	for first, err := range a.store.ListByAccount(ctx, acct.ID, at, endOfTime) {
		if err != nil {
			return 0, err
		}
		if first.Type == model.TransactionCredit {
			return first.BalanceAfter - first.Amount, nil
		}
		return first.BalanceAfter + first.Amount, nil
	}

	return acct.Balance, nil
}

// MonthlyLoginStats возвращает статистику входов всех счетов за месяц.
func (a *Aggregator) MonthlyLoginStats(ctx context.Context, year int, month time.Month) (model.LoginStats, error) {
	if err := checkPeriod(year, month); err != nil {
		return model.LoginStats{}, err
	}
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return a.store.LoginStats(ctx, from, from.AddDate(0, 1, 0))
}

// MonthlyLoginReport возвращает статистику входов за месяц с разбивкой по счетам,
// самые активные счета первыми.
func (a *Aggregator) MonthlyLoginReport(ctx context.Context, year int, month time.Month) (model.LoginReport, error) {
	stats, err := a.MonthlyLoginStats(ctx, year, month)
	if err != nil {
		return model.LoginReport{}, err
	}

	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	counts, err := a.store.LoginCounts(ctx, from, from.AddDate(0, 1, 0))
	if err != nil {
		return model.LoginReport{}, err
	}
	slices.SortFunc(counts, func(x, y model.AccountLogins) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return cmp.Compare(x.Login, y.Login)
	})

	return model.LoginReport{
		Month:    from.Format("2006-01"),
		Stats:    stats,
		Accounts: counts,
	}, nil
}

// RecentTransactions возвращает последние операции всех счетов за 90 дней, новые первыми.
func (a *Aggregator) RecentTransactions(ctx context.Context) ([]model.Transaction, error) {
	return a.store.ListRecent(ctx, a.now().Add(-recentTransactionsWindow), recentTransactionsLimit)
}

// DashboardStats возвращает сводку для вызывающего. Суммарный баланс виден только администратору,
// текущий баланс и число операций за месяц заполняются только для клиента.
func (a *Aggregator) DashboardStats(ctx context.Context, callerID string, role model.Role) (model.DashboardStats, error) {
	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return model.DashboardStats{}, err
	}

	var s model.DashboardStats
	s.TotalAccounts = len(accounts)
	for _, acct := range accounts {
		switch acct.Role {
		case model.RoleCustomer:
			s.Customers++
		case model.RoleAdmin, model.RoleEmployee:
			s.StaffMembers++
		}
		if acct.Status == model.AccountStatusActive {
			s.ActiveAccounts++
		} else {
			s.DisabledAccounts++
		}
		if role == model.RoleAdmin {
			s.TotalBalance += acct.Balance
		}
	}

	now := a.now()
	active, err := a.store.LoginStats(ctx, now.Add(-activeUsersWindow), now)
	if err != nil {
		return model.DashboardStats{}, err
	}
	s.RecentlyActiveUsers = active.DistinctAccounts

	recent, err := a.store.LoginStats(ctx, now.Add(-recentLoginsWindow), now)
	if err != nil {
		return model.DashboardStats{}, err
	}
	s.RecentLogins = recent.TotalLogins

	if role == model.RoleCustomer {
		acct, err := a.account(ctx, callerID)
		if err != nil {
			return model.DashboardStats{}, err
		}
		count, err := a.store.CountByAccountMonth(ctx, callerID, now.Year(), now.Month())
		if err != nil {
			return model.DashboardStats{}, err
		}
		s.CurrentBalance = &acct.Balance
		s.MonthlyTransactions = &count
	}

	return s, nil
}
