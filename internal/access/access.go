// Package access содержит таблицу прав ролей на операции ядра.
package access

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/bank-ledger/internal/model"
)

// ErrForbidden возвращается, если роли не разрешена операция.
var ErrForbidden = errors.New("forbidden")

// Operation обозначает защищаемую операцию.
type Operation string

const (
	OpApplyTransaction   Operation = "apply_transaction"
	OpCreateAccount      Operation = "create_account"
	OpUpdateStatus       Operation = "update_status"
	OpListAccounts       Operation = "list_accounts"
	OpListTransactions   Operation = "list_transactions"
	OpViewAccountHistory Operation = "view_account_history"
	OpViewOwnHistory     Operation = "view_own_history"
	OpLoginStats         Operation = "login_stats"
	OpDashboard          Operation = "dashboard"
)

var permissions = map[Operation]map[model.Role]bool{
	OpApplyTransaction:   {model.RoleCustomer: true},
	OpCreateAccount:      {model.RoleAdmin: true},
	OpUpdateStatus:       {model.RoleAdmin: true},
	OpListAccounts:       {model.RoleAdmin: true, model.RoleEmployee: true},
	OpListTransactions:   {model.RoleAdmin: true, model.RoleEmployee: true},
	OpViewAccountHistory: {model.RoleAdmin: true, model.RoleEmployee: true},
	OpViewOwnHistory:     {model.RoleAdmin: true, model.RoleEmployee: true, model.RoleCustomer: true},
	OpLoginStats:         {model.RoleAdmin: true},
	OpDashboard:          {model.RoleAdmin: true, model.RoleEmployee: true, model.RoleCustomer: true},
}

// Check возвращает ErrForbidden, если роли role не разрешена операция op.
func Check(role model.Role, op Operation) error {
	if permissions[op][role] {
		return nil
	}
	return fmt.Errorf("%w: %s may not %s", ErrForbidden, role, op)
}

// CheckAccount проверяет доступ к данным конкретного счёта: владелец пользуется
// OpViewOwnHistory, остальные должны иметь OpViewAccountHistory.
func CheckAccount(callerID string, role model.Role, accountID string) error {
	if callerID == accountID {
		return Check(role, OpViewOwnHistory)
	}
	return Check(role, OpViewAccountHistory)
}
