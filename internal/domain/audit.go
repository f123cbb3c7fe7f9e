package domain

import (
	"context"
	"time"
)

// EntryType categorizes a security-relevant event.
type EntryType string

const (
	EntryAccess    EntryType = "ACCESS"
	EntryApproval  EntryType = "APPROVAL"
	EntrySession   EntryType = "SESSION"
	EntryEmergency EntryType = "EMERGENCY"
	EntrySecurity  EntryType = "SECURITY"
	EntrySystem    EntryType = "SYSTEM"
)

// AuditEntry is an immutable record of one security event. Once an entry has
// been chained it must never be edited; quarantine moves whole snapshots, it
// does not rewrite entries.
type AuditEntry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         EntryType      `json:"type"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	Target       string         `json:"target,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Signature    string         `json:"signature,omitempty"`
	Hash         string         `json:"hash"`
	PreviousHash string         `json:"previous_hash,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate a chained entry through
// a shared Details map.
func (e *AuditEntry) Clone() *AuditEntry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

// Severity grades a detected tampering incident.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityForViolations maps a violation count to a severity grade.
func SeverityForViolations(count int) Severity {
	switch {
	case count == 0:
		return SeverityLow
	case count <= 2:
		return SeverityMedium
	case count <= 5:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// ViolationType identifies how an audit entry failed verification.
type ViolationType string

const (
	ViolationHashChainBreak  ViolationType = "HASH_CHAIN_BREAK"
	ViolationSignatureFailed ViolationType = "SIGNATURE_INVALID"
	ViolationEntryMissing    ViolationType = "ENTRY_MISSING"
	ViolationStorageModified ViolationType = "STORAGE_MODIFIED"
)

// Violation describes one failed integrity check.
type Violation struct {
	Type      ViolationType `json:"type"`
	EntryID   string        `json:"entry_id,omitempty"`
	Expected  string        `json:"expected,omitempty"`
	Actual    string        `json:"actual,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// TamperReport is the result of walking an entry chain.
type TamperReport struct {
	Tampered         bool
	TamperedEntryIDs []string
	Violations       []Violation
}

// IntegrityResult reports a full-store verification.
type IntegrityResult struct {
	Valid  bool
	Issues []string
}

// AuditRecorder is the write side of the audit log, consumed by components
// that emit security events (the session manager, emergency access).
type AuditRecorder interface {
	Record(ctx context.Context, typ EntryType, actor, action, target string, details map[string]any)
}
