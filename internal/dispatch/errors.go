package dispatch

import "errors"

var (
	ErrNotFound   = errors.New("command not found")
	ErrValidation = errors.New("validation error")
	// ErrConflict — compare-and-set проиграл гонку: команду уже захватили,
	// закрыли или отменили. Для вызывающего это штатный no-op, не авария.
	ErrConflict       = errors.New("command state conflict")
	ErrBlocked        = errors.New("command blocked")
	ErrTooManyPending = errors.New("too many pending commands")
)
