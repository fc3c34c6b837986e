package ledger

import "errors"

var (
	// ErrInvalidAmount возвращается, если сумма операции не положительна или приводит к переполнению.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidType возвращается для неизвестного типа операции.
	ErrInvalidType = errors.New("invalid transaction type")
	// ErrAccountDisabled возвращается для операций по отключённому счёту.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrAccountNotFound возвращается, если счёт не существует.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientFunds возвращается, если списание опустило бы баланс ниже нуля.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrContentionExceeded возвращается, когда все попытки условной записи проиграли гонку.
	ErrContentionExceeded = errors.New("contention exceeded")
	// ErrLedgerWriteFailed сопровождает успешное изменение баланса, запись о котором не попала в леджер.
	ErrLedgerWriteFailed = errors.New("ledger write failed")
)

// Outcome возвращает метку результата операции для метрик.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidType):
		return "invalid_type"
	case errors.Is(err, ErrAccountDisabled):
		return "account_disabled"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrContentionExceeded):
		return "contention_exceeded"
	default:
		return "error"
	}
}
