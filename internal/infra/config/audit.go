package config

import "time"

// AuditConfig controls the audit store.
type AuditConfig struct {
	MaxEntries     int    `mapstructure:"max_entries"     validate:"gte=1"`
	RetentionDays  int    `mapstructure:"retention_days"  validate:"gte=1"`
	SigningEnabled bool   `mapstructure:"signing_enabled"`
	SigningKey     string `mapstructure:"signing_key"     validate:"required_if=SigningEnabled true,omitempty,hexkey"`
}

// TamperConfig controls the tamper detector.
type TamperConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"  validate:"gt=0"`
	Debounce       time.Duration `mapstructure:"debounce"        validate:"gt=0"`
	BaselineSize   int           `mapstructure:"baseline_size"   validate:"gte=1"`
	AutoQuarantine bool          `mapstructure:"auto_quarantine"`
}
