// Package model содержит доменные сущности банковского леджера.
package model

import "time"

// Role описывает роль владельца счёта.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "employee"
	RoleCustomer Role = "customer"
)

// Valid сообщает, является ли значение одной из известных ролей.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEmployee, RoleCustomer:
		return true
	}
	return false
}

// AccountStatus описывает состояние счёта.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusDisabled AccountStatus = "disabled"
)

// Valid сообщает, является ли значение одним из известных статусов.
func (s AccountStatus) Valid() bool {
	return s == AccountStatusActive || s == AccountStatusDisabled
}

// Account представляет счёт пользователя. Баланс хранится в минимальных единицах (центах).
type Account struct {
	ID       string
	Login    string
	Role     Role
	Balance  int64
	Status   AccountStatus
	Revision int64
	// LastTransactionAt равен нулевому времени, пока по счёту не было операций.
	LastTransactionAt time.Time
	CreatedAt         time.Time
}

// Credentials содержит данные для проверки пароля владельца счёта.
type Credentials struct {
	Account      Account
	PasswordHash []byte
}

// NewAccount описывает параметры создания счёта.
type NewAccount struct {
	ID             string
	Login          string
	PasswordHash   []byte
	Role           Role
	InitialBalance int64
}

// BalanceUpdate описывает условную запись баланса.
// Запись применяется, только если в хранилище всё ещё лежат ExpectedBalance и ExpectedRevision.
type BalanceUpdate struct {
	AccountID        string
	ExpectedBalance  int64
	ExpectedRevision int64
	NewBalance       int64
	At               time.Time
}

// TransactionType описывает направление операции.
type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// Valid сообщает, является ли значение известным типом операции.
func (t TransactionType) Valid() bool {
	return t == TransactionCredit || t == TransactionDebit
}

// Transaction описывает неизменяемую запись леджера.
type Transaction struct {
	ID           string
	AccountID    string
	Type         TransactionType
	Amount       int64
	BalanceAfter int64
	// Seq совпадает с ревизией счёта после операции и задаёт порядок записей внутри счёта.
	Seq       int64
	Timestamp time.Time
}

// LoginEvent описывает попытку входа в систему.
type LoginEvent struct {
	AccountID string
	Timestamp time.Time
	Success   bool
}

// LoginStats содержит агрегированную статистику входов за период.
type LoginStats struct {
	TotalLogins      int `json:"total_logins"`
	DistinctAccounts int `json:"distinct_accounts"`
	FailedAttempts   int `json:"failed_attempts"`
}

// AccountLogins содержит число успешных входов одного счёта за период.
type AccountLogins struct {
	AccountID string    `json:"account_id"`
	Login     string    `json:"login"`
	Role      Role      `json:"role"`
	Count     int       `json:"count"`
	LastLogin time.Time `json:"last_login"`
}

// MonthSummary содержит итоги одного календарного месяца по счёту.
type MonthSummary struct {
	Month         time.Time `json:"month"`
	TotalCredit   int64     `json:"total_credit"`
	TotalDebit    int64     `json:"total_debit"`
	EndingBalance int64     `json:"ending_balance"`
}

// NotificationKind различает виды уведомлений в общем канале доставки.
type NotificationKind string

const (
	// NotificationTransaction отправляется после успешного изменения баланса.
	NotificationTransaction NotificationKind = "transaction"
	// NotificationLoginAlert отправляется после успешного входа.
	NotificationLoginAlert NotificationKind = "login_alert"
	// NotificationLoginReport содержит месячный отчёт о входах для администратора.
	NotificationLoginReport NotificationKind = "login_report"
)

// Notification описывает событие для внешних систем. Набор заполненных полей зависит от Kind:
// Type, Amount и BalanceAfter относятся к операции, Login, Role и Series к входу, Report к отчёту.
type Notification struct {
	Kind         NotificationKind `json:"kind"`
	AccountID    string           `json:"account_id"`
	Type         TransactionType  `json:"type,omitempty"`
	Amount       int64            `json:"amount,omitempty"`
	BalanceAfter int64            `json:"balance_after,omitempty"`
	Login        string           `json:"login,omitempty"`
	Role         Role             `json:"role,omitempty"`
	Series       []MonthSummary   `json:"series,omitempty"`
	Report       *LoginReport     `json:"report,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// LoginReport содержит месячный отчёт о входах для администратора.
type LoginReport struct {
	Month    string          `json:"month"`
	Stats    LoginStats      `json:"stats"`
	Accounts []AccountLogins `json:"accounts"`
}

// DashboardStats содержит сводку для главной страницы. Поля с указателями заполняются только для клиента.
type DashboardStats struct {
	TotalAccounts       int    `json:"total_accounts"`
	Customers           int    `json:"customers"`
	StaffMembers        int    `json:"staff_members"`
	ActiveAccounts      int    `json:"active_accounts"`
	DisabledAccounts    int    `json:"disabled_accounts"`
	RecentlyActiveUsers int    `json:"recently_active_users"`
	RecentLogins        int    `json:"recent_logins"`
	TotalBalance        int64  `json:"total_balance"`
	CurrentBalance      *int64 `json:"current_balance,omitempty"`
	MonthlyTransactions *int   `json:"monthly_transactions,omitempty"`
}
