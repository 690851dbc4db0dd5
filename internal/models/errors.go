package models

import "errors"

// Error classes shared by the engine and its adapters. Adapters wrap one of
// these so the engine can decide between retry, rollback and degraded mode.
var (
	ErrConnectivity       = errors.New("connectivity failure")
	ErrAuthorization      = errors.New("authorization failure")
	ErrValidation         = errors.New("validation failure")
	ErrStorageUnavailable = errors.New("durable storage unavailable")
	ErrExhaustedRetry     = errors.New("retry limit exhausted")
)
