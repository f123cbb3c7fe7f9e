package constants

// Reserved persistence keys. All durable state lives under these; backends
// treat them as opaque.
const (
	KeyAuditLog        = "grantline/audit/log"
	KeyAuditChecksum   = "grantline/audit/checksum"
	KeyAuditQuarantine = "grantline/audit/quarantine"
	KeySessionCurrent  = "grantline/session/current"
	KeySessionTable    = "grantline/session/table"
)
