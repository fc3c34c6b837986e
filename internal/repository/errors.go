package repository

import "errors"

var (
	// ErrNotFound возвращается, если счёт не найден.
	ErrNotFound = errors.New("account not found")
	// ErrConflict возвращается, если условная запись баланса проиграла гонку.
	ErrConflict = errors.New("balance changed concurrently")
	// ErrDuplicateID возвращается при повторном использовании идентификатора счёта или транзакции.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrLoginTaken возвращается при попытке создать счёт с уже занятым логином.
	ErrLoginTaken = errors.New("login already taken")
)
