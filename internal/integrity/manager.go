// Package integrity computes and verifies the cryptographic guarantees of
// the audit log: per-entry HMAC-SHA-256 signatures and a SHA-256 hash chain
// linking each entry to its predecessor. The manager is pure computation; it
// never touches storage.
package integrity

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/grantline/grantline/internal/domain"
)

// Manager signs, hashes, chains and verifies audit entries.
type Manager struct {
	key            []byte
	signingEnabled bool
}

// NewManager creates a Manager. signingEnabled false is an explicit opt-out:
// Verify then passes trivially and entries carry no signature, but the hash
// chain is still maintained.
func NewManager(key []byte, signingEnabled bool) *Manager {
	return &Manager{key: key, signingEnabled: signingEnabled}
}

// SigningEnabled reports whether entries are signed.
func (m *Manager) SigningEnabled() bool { return m.signingEnabled }

// canonical renders the ordered field concatenation both primitives operate
// on. The previous hash participates in the chain hash only, so that a
// signature stays verifiable on its own.
func (m *Manager) canonical(e *domain.AuditEntry, includePrevious bool) []byte {
	details := []byte("{}")
	if e.Details != nil {
		if b, err := json.Marshal(e.Details); err == nil {
			details = b
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s|%d|%s|%s|%s|%s|%s",
		e.ID, e.Timestamp.UTC().UnixMilli(), e.Type, e.Actor, e.Action, e.Target, details)
	if includePrevious {
		buf.WriteByte('|')
		buf.WriteString(e.PreviousHash)
	}
	return buf.Bytes()
}

// Sign returns the hex HMAC-SHA-256 of the entry's canonical form, or the
// empty string when signing is disabled.
func (m *Manager) Sign(e *domain.AuditEntry) string {
	if !m.signingEnabled {
		return ""
	}
	mac := hmac.New(sha256.New, m.key)
	mac.Write(m.canonical(e, false))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the expected signature and compares it in constant time.
// With signing disabled it returns true.
func (m *Manager) Verify(e *domain.AuditEntry) bool {
	if !m.signingEnabled {
		return true
	}
	mac := hmac.New(sha256.New, m.key)
	mac.Write(m.canonical(e, false))
	expected := mac.Sum(nil)

	actual, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, actual)
}

// Hash returns the hex SHA-256 digest of the entry's canonical form
// including its previous-hash link.
func (m *Manager) Hash(e *domain.AuditEntry) string {
	sum := sha256.Sum256(m.canonical(e, true))
	return hex.EncodeToString(sum[:])
}

// Chain links current to previous and stamps current's hash. A nil previous
// marks the head of the chain.
func (m *Manager) Chain(previous, current *domain.AuditEntry) {
	if previous != nil {
		current.PreviousHash = previous.Hash
	} else {
		current.PreviousHash = ""
	}
	current.Hash = m.Hash(current)
}

// DetectTampering walks the sequence once in append order. An entry is
// flagged when its stored hash no longer matches its content, when its link
// to the predecessor is broken, or when its signature fails verification;
// each reason produces its own violation.
func (m *Manager) DetectTampering(entries []*domain.AuditEntry) domain.TamperReport {
	report := domain.TamperReport{}
	flagged := make(map[string]bool)
	now := time.Now().UTC()

	flag := func(id string) {
		if !flagged[id] {
			flagged[id] = true
			report.TamperedEntryIDs = append(report.TamperedEntryIDs, id)
		}
	}

	for i, e := range entries {
		if computed := m.Hash(e); computed != e.Hash {
			report.Violations = append(report.Violations, domain.Violation{
				Type:      domain.ViolationHashChainBreak,
				EntryID:   e.ID,
				Expected:  computed,
				Actual:    e.Hash,
				Timestamp: now,
			})
			flag(e.ID)
		}

		if i > 0 && e.PreviousHash != entries[i-1].Hash {
			report.Violations = append(report.Violations, domain.Violation{
				Type:      domain.ViolationHashChainBreak,
				EntryID:   e.ID,
				Expected:  entries[i-1].Hash,
				Actual:    e.PreviousHash,
				Timestamp: now,
			})
			flag(e.ID)
		}

		if m.signingEnabled && !m.Verify(e) {
			report.Violations = append(report.Violations, domain.Violation{
				Type:      domain.ViolationSignatureFailed,
				EntryID:   e.ID,
				Actual:    e.Signature,
				Timestamp: now,
			})
			flag(e.ID)
		}
	}

	report.Tampered = len(report.Violations) > 0
	return report
}
