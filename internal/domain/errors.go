package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidState     = errors.New("market is not active")
	ErrExpired          = errors.New("market has ended")
	ErrInvalidAmount    = errors.New("invalid vote amount")
	ErrInvalidChoice    = errors.New("invalid vote choice")
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	ErrBusUnavailable   = errors.New("event bus unavailable")
	ErrRateLimited      = errors.New("rate limited")
	ErrLockHeld         = errors.New("lock already held")
)
