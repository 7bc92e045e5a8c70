package sales

import "errors"

var (
	ErrValidation         = errors.New("validation error")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrProductInactive    = errors.New("product inactive")
	ErrGatewayRejected    = errors.New("gateway rejected")
	ErrGatewayUnreachable = errors.New("gateway unreachable")
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrDuplicateSignal    = errors.New("duplicate signal")
	ErrAlreadyLinked      = errors.New("already linked")
	ErrExpiredReference   = errors.New("expired reference")
	ErrNotFound           = errors.New("not found")
)
