package services

import "errors"

// Engine error taxonomy. Handlers map these to HTTP codes; callers decide
// retryability from the class: ErrStorageFailure and ErrConcurrencyConflict
// are safe to retry with the same idempotency key, ErrVerificationFailed is
// retried through the reprocessing queue, the rest are terminal.
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrVerificationFailed  = errors.New("external verification failed")
	ErrStorageFailure      = errors.New("storage failure")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)
