package payment

import "errors"

var (
	ErrNotFound            = errors.New("payment record not found")
	ErrInvalidAmount       = errors.New("amount must be a positive integer in minor units")
	ErrAllocationExhausted = errors.New("could not allocate a unique order code")
)
