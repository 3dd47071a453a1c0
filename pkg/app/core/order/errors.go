package order

import "errors"

var (
	ErrValidation         = errors.New("validation error")
	ErrDuplicateOrder     = errors.New("duplicate order")
	ErrInsufficientEscrow = errors.New("insufficient escrow")
	ErrNotOwner           = errors.New("not order owner")
	ErrOrderNotOpen       = errors.New("order not open")
	ErrEscrowTransfer     = errors.New("escrow transfer failed")
	ErrUnauthorized       = errors.New("unauthorized caller")
	ErrAlreadyBound       = errors.New("vault already bound")
	ErrNotFound           = errors.New("not found")
)
