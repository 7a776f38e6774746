package orders

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid order input")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyPaid       = errors.New("order is already paid")
	ErrForbidden         = errors.New("order belongs to another user")
	ErrGateway           = errors.New("payment gateway unavailable")
)
