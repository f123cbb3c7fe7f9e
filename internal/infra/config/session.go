package config

import "time"

// SessionConfig controls session lifetime and storage encryption.
type SessionConfig struct {
	TimeoutMinutes          int           `mapstructure:"timeout_minutes"           validate:"gte=1"`
	RenewalThresholdMinutes int           `mapstructure:"renewal_threshold_minutes" validate:"gte=1"`
	MaxSessionsPerUser      int           `mapstructure:"max_sessions_per_user"     validate:"gte=1"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval"            validate:"gt=0"`
	EncryptionKey           string        `mapstructure:"encryption_key"            validate:"required,hexkey"`
}

// IdentityConfig configures the built-in JWT token issuer.
type IdentityConfig struct {
	TokenSecret     string        `mapstructure:"token_secret"      validate:"required"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"  validate:"gt=0"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl" validate:"gt=0"`
}
