// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount возвращается, если сумма не является положительным числом с не более чем двумя знаками после точки.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidLogin возвращается для пустого или слишком длинного логина.
	ErrInvalidLogin = errors.New("invalid login")
	// ErrWeakPassword возвращается для слишком короткого пароля.
	ErrWeakPassword = errors.New("password too short")
)

const (
	maxLoginLength    = 64
	minPasswordLength = 6
)

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(math.MaxInt64)
)

// ParseAmount переводит сумму в денежных единицах ("12.34") в центы. Сумма должна быть положительной.
func ParseAmount(s string) (int64, error) {
	return parseCents(s, false)
}

// ParseBalance работает как ParseAmount, но допускает ноль.
func ParseBalance(s string) (int64, error) {
	return parseCents(s, true)
}

func parseCents(s string, allowZero bool) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() || (d.IsZero() && !allowZero) {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if !d.Equal(d.Round(2)) {
		return 0, fmt.Errorf("%w: more than two decimal places", ErrInvalidAmount)
	}

	cents := d.Mul(hundred)
	if cents.GreaterThan(maxCents) {
		return 0, fmt.Errorf("%w: too large", ErrInvalidAmount)
	}
	return cents.IntPart(), nil
}

// FormatAmount переводит центы в строку с двумя знаками после точки.
func FormatAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// ValidateLogin проверяет логин нового счёта.
func ValidateLogin(login string) error {
	if login == "" || len(login) > maxLoginLength {
		return ErrInvalidLogin
	}
	for _, r := range login {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return ErrInvalidLogin
		}
	}
	return nil
}

// ValidatePassword проверяет пароль нового счёта.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return ErrWeakPassword
	}
	return nil
}
