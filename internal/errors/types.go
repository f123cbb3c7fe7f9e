package errors

import "errors"

var (
	ErrNotFound           = errors.New("record not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrSessionInvalid     = errors.New("session invalid")
	ErrRenewalFailed      = errors.New("session renewal failed")
	ErrIntegrityViolation = errors.New("audit integrity violation")
	ErrStorageCorruption  = errors.New("audit storage corrupted")
	ErrQuarantineEmpty    = errors.New("no quarantined log snapshot")
	ErrTokenRevoked       = errors.New("token has been revoked")
	ErrRecordTampered     = errors.New("persisted record failed integrity check")
)
