// Package repository содержит реализации хранилища счетов, леджера и журнала входов.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/bank-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const constraintAccountsLogin = "accounts_login_key"

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при сериализационных конфликтах, взаимоблокировках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const accountColumns = `id, login, role, balance, status, revision, last_transaction_at, created_at`

func scanAccount(row pgx.Row, extra ...any) (model.Account, error) {
	var (
		a      model.Account
		role   string
		status string
		lastTx *time.Time
	)
	dest := append([]any{&a.ID, &a.Login, &role, &a.Balance, &status, &a.Revision, &lastTx, &a.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.Account{}, err
	}
	a.Role = model.Role(role)
	a.Status = model.AccountStatus(status)
	if lastTx != nil {
		a.LastTransactionAt = *lastTx
	}
	return a, nil
}

// CreateAccount создаёт новый счёт с заранее сгенерированным идентификатором.
func (r *PostgresRepository) CreateAccount(ctx context.Context, na model.NewAccount) (model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (id, login, password_hash, role, balance, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+accountColumns,
		na.ID, na.Login, na.PasswordHash, string(na.Role), na.InitialBalance, string(model.AccountStatusActive),
	)

	a, err := scanAccount(row)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == constraintAccountsLogin {
				return model.Account{}, fmt.Errorf("%w: %s", ErrLoginTaken, na.Login)
			}
			return model.Account{}, fmt.Errorf("%w: account %s", ErrDuplicateID, na.ID)
		}
		return model.Account{}, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

// GetAccount возвращает счёт по идентификатору.
func (r *PostgresRepository) GetAccount(ctx context.Context, id string) (model.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Account{}, ErrNotFound
		}
		return model.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GetCredentials возвращает счёт вместе с хешем пароля по логину.
func (r *PostgresRepository) GetCredentials(ctx context.Context, login string) (model.Credentials, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+`, password_hash FROM accounts WHERE login = $1`, login)

	var hash []byte
	a, err := scanAccount(row, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Credentials{}, ErrNotFound
		}
		return model.Credentials{}, fmt.Errorf("get credentials: %w", err)
	}
	return model.Credentials{Account: a, PasswordHash: hash}, nil
}

// ListAccounts возвращает все счета в порядке создания.
func (r *PostgresRepository) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("select accounts: %w", err)
	}
	defer rows.Close()

	var res []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateStatus меняет статус счёта.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status model.AccountStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE accounts SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSetBalance записывает новый баланс, только если счёт активен, а баланс и ревизия не изменились.
func (r *PostgresRepository) CompareAndSetBalance(ctx context.Context, u model.BalanceUpdate) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE accounts
		 SET balance = $4, revision = revision + 1, last_transaction_at = $5
		 WHERE id = $1 AND balance = $2 AND revision = $3 AND status = $6`,
		u.AccountID, u.ExpectedBalance, u.ExpectedRevision, u.NewBalance, u.At, string(model.AccountStatusActive),
	)
	if err != nil {
		return fmt.Errorf("compare and set balance: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, u.AccountID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check account: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// ApplyAtomic блокирует строку счёта, вызывает build и в той же транзакции записывает
// новый баланс и запись леджера. Ошибка build откатывает транзакцию без изменений.
func (r *PostgresRepository) ApplyAtomic(ctx context.Context, accountID string, build func(model.Account) (model.Transaction, error)) (model.Transaction, error) {
	var result model.Transaction

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID)
		acct, err := scanAccount(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock account for update: %w", err)
		}

		t, err := build(acct)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE accounts SET balance = $2, revision = $3, last_transaction_at = $4 WHERE id = $1`,
			accountID, t.BalanceAfter, t.Seq, t.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		if err := insertTransaction(ctx, tx, t); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = t
		return nil
	})
	if err != nil {
		return model.Transaction{}, err
	}
	return result, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTransaction(ctx context.Context, db execer, t model.Transaction) error {
	_, err := db.Exec(ctx,
		`INSERT INTO transactions (id, account_id, type, amount, balance_after, seq, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.AccountID, string(t.Type), t.Amount, t.BalanceAfter, t.Seq, t.Timestamp,
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return fmt.Errorf("%w: transaction %s", ErrDuplicateID, t.ID)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// AppendTransaction добавляет запись в леджер.
func (r *PostgresRepository) AppendTransaction(ctx context.Context, t model.Transaction) error {
	return r.withRetry(ctx, func() error {
		return insertTransaction(ctx, r.pool, t)
	})
}

const transactionColumns = `id, account_id, type, amount, balance_after, seq, created_at`

func scanTransaction(row pgx.Row) (model.Transaction, error) {
	var (
		t   model.Transaction
		typ string
	)
	if err := row.Scan(&t.ID, &t.AccountID, &typ, &t.Amount, &t.BalanceAfter, &t.Seq, &t.Timestamp); err != nil {
		return model.Transaction{}, err
	}
	t.Type = model.TransactionType(typ)
	return t, nil
}

// ListByAccount возвращает записи счёта за полуинтервал [from, to) в порядке леджера.
// Каждый проход по последовательности выполняет запрос заново.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string, from, to time.Time) iter.Seq2[model.Transaction, error] {
	return func(yield func(model.Transaction, error) bool) {
		rows, err := r.pool.Query(ctx,
			`SELECT `+transactionColumns+`
			 FROM transactions
			 WHERE account_id = $1 AND created_at >= $2 AND created_at < $3
			 ORDER BY seq`,
			accountID, from, to,
		)
		if err != nil {
			yield(model.Transaction{}, fmt.Errorf("select transactions: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTransaction(rows)
			if err != nil {
				yield(model.Transaction{}, fmt.Errorf("scan transaction: %w", err))
				return
			}
			if !yield(t, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(model.Transaction{}, fmt.Errorf("rows error: %w", err))
		}
	}
}

// LastBefore возвращает последнюю запись счёта, созданную раньше момента t.
func (r *PostgresRepository) LastBefore(ctx context.Context, accountID string, t time.Time) (model.Transaction, bool, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE account_id = $1 AND created_at < $2
		 ORDER BY seq DESC
		 LIMIT 1`,
		accountID, t,
	)

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Transaction{}, false, nil
		}
		return model.Transaction{}, false, fmt.Errorf("select last transaction: %w", err)
	}
	return tx, true, nil
}

// CountByAccountMonth возвращает число записей счёта за календарный месяц (UTC).
func (r *PostgresRepository) CountByAccountMonth(ctx context.Context, accountID string, year int, month time.Month) (int, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE account_id = $1 AND created_at >= $2 AND created_at < $3`,
		accountID, from, to,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

// ListRecent возвращает последние записи всех счетов начиная с since, новые первыми.
func (r *PostgresRepository) ListRecent(ctx context.Context, since time.Time, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE created_at >= $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select recent transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RecordLogin сохраняет попытку входа.
func (r *PostgresRepository) RecordLogin(ctx context.Context, e model.LoginEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO login_events (account_id, success, created_at) VALUES ($1, $2, $3)`,
		e.AccountID, e.Success, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert login event: %w", err)
	}
	return nil
}

// LoginStats возвращает статистику входов за полуинтервал [from, to).
func (r *PostgresRepository) LoginStats(ctx context.Context, from, to time.Time) (model.LoginStats, error) {
	var s model.LoginStats
	err := r.pool.QueryRow(ctx,
		`SELECT
		     COUNT(*) FILTER (WHERE success),
		     COUNT(DISTINCT account_id) FILTER (WHERE success),
		     COUNT(*) FILTER (WHERE NOT success)
		 FROM login_events
		 WHERE created_at >= $1 AND created_at < $2`,
		from, to,
	).Scan(&s.TotalLogins, &s.DistinctAccounts, &s.FailedAttempts)
	if err != nil {
		return model.LoginStats{}, fmt.Errorf("login stats: %w", err)
	}
	return s, nil
}

// LoginCounts возвращает число успешных входов каждого счёта за полуинтервал [from, to).
// Счета без входов попадают в результат с нулевым счётчиком.
func (r *PostgresRepository) LoginCounts(ctx context.Context, from, to time.Time) ([]model.AccountLogins, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.login, a.role, COUNT(e.id), MAX(e.created_at)
		 FROM accounts a
		 LEFT JOIN login_events e
		     ON e.account_id = a.id AND e.success AND e.created_at >= $1 AND e.created_at < $2
		 GROUP BY a.id, a.login, a.role`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("select login counts: %w", err)
	}
	defer rows.Close()

	var res []model.AccountLogins
	for rows.Next() {
		var (
			c    model.AccountLogins
			role string
			last *time.Time
		)
		if err := rows.Scan(&c.AccountID, &c.Login, &role, &c.Count, &last); err != nil {
			return nil, fmt.Errorf("scan login count: %w", err)
		}
		c.Role = model.Role(role)
		if last != nil {
			c.LastLogin = *last
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
