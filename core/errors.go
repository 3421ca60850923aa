package core

import "errors"

// Domain error kinds. Operations wrap these with context via %w so
// callers can match with errors.Is and turn them into user-facing text.
// Anything not matching one of these is an unexpected failure (storage,
// encoding) and must not be swallowed.
var (
	// ErrNotFound: a user, event, bet or proposal lookup missed.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState: acting on a closed event or a reviewed proposal.
	ErrInvalidState = errors.New("invalid state")
	// ErrInsufficientFunds: a debit larger than the current balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidArgument: non-positive amount or odds, bad option.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPermissionDenied: a non-admin invoking an admin operation.
	ErrPermissionDenied = errors.New("permission denied")
)
