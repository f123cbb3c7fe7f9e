package domain

import "time"

// Typed event payloads published to observers. The surrounding UI consumes
// these; the core only guarantees they are emitted.

// AuditEvent announces a newly appended entry.
type AuditEvent struct {
	Entry *AuditEntry
}

// IntegrityViolationEvent carries the issue strings from a failed
// whole-store verification.
type IntegrityViolationEvent struct {
	Issues []string
}

// TamperingEvent is raised once per detected tampering incident.
type TamperingEvent struct {
	IsTampered       bool
	TamperedEntryIDs []string
	Severity         Severity
	Violations       []Violation
}

// SessionExpiringEvent is raised when a session's remaining lifetime first
// falls inside the renewal threshold.
type SessionExpiringEvent struct {
	Session            *Session
	MinutesUntilExpiry int
	Message            string
}

// SessionExpiredEvent is raised when a session crosses hard expiry.
type SessionExpiredEvent struct {
	Session *Session
	Message string
}

// StorageMutation signals an out-of-band change to a persisted record,
// e.g. another process editing the log file directly.
type StorageMutation struct {
	Key       string
	Timestamp time.Time
}
