package models

import "errors"

// Domain errors. Callers wrap these with context and match them with errors.Is.
var (
	ErrNoAvailableKey    = errors.New("no available keys for product")
	ErrWrongOrder        = errors.New("key does not belong to this order")
	ErrDuplicateKey      = errors.New("key value already exists")
	ErrOrderNotFound     = errors.New("order not found")
	ErrKeyNotFound       = errors.New("key not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrOutOfStock        = errors.New("out of stock")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrOrderNotPaid      = errors.New("order is not paid")
	ErrNotOrderOwner     = errors.New("order belongs to another user")
	ErrConfigNotFound    = errors.New("config not found")
	ErrValidation        = errors.New("validation failed")

	// ErrRetryable marks failures where the transaction was rolled back and
	// the same call may succeed later (lock timeout, serialization failure).
	ErrRetryable = errors.New("temporary failure, retry")
)
