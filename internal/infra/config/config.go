package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	customvalidator "github.com/grantline/grantline/pkg/validator"
)

// Config is the full grantline configuration tree.
type Config struct {
	Mode           string        `mapstructure:"mode"    validate:"required,oneof=development production"`
	Storage        StorageConfig `mapstructure:"storage" validate:"required"`
	Audit          AuditConfig   `mapstructure:"audit"`
	Tamper         TamperConfig  `mapstructure:"tamper"`
	Session        SessionConfig `mapstructure:"session"`
	Identity       IdentityConfig `mapstructure:"identity"`
	ServiceVersion string
	BuildCommit    string
}

// Load reads configuration from a YAML file (env vars override) and
// validates the result.
func Load(path string) (*Config, error) {
	vip := viper.New()
	if path != "" {
		vip.SetConfigFile(path)
	} else {
		vip.SetConfigName("config")
		vip.AddConfigPath("./configs")
		vip.AddConfigPath(".")
	}

	vip.SetConfigType("yaml")
	vip.SetEnvPrefix("GRANTLINE")
	vip.AutomaticEnv()
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(vip)

	if err := vip.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := customvalidator.RegisterCustomValidators(validate); err != nil {
		return nil, fmt.Errorf("failed to register custom validators: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg.ServiceVersion = getenv("GRANTLINE_SERVICE_VERSION", "unknown")
	cfg.BuildCommit = getenv("GRANTLINE_BUILD_COMMIT", "unknown")

	return &cfg, nil
}

func setDefaults(vip *viper.Viper) {
	vip.SetDefault("mode", "development")
	vip.SetDefault("storage.backend", "memory")
	vip.SetDefault("audit.max_entries", 1000)
	vip.SetDefault("audit.retention_days", 90)
	vip.SetDefault("audit.signing_enabled", true)
	vip.SetDefault("tamper.check_interval", "1m")
	vip.SetDefault("tamper.debounce", "2s")
	vip.SetDefault("tamper.baseline_size", 10)
	vip.SetDefault("tamper.auto_quarantine", true)
	vip.SetDefault("session.timeout_minutes", 30)
	vip.SetDefault("session.renewal_threshold_minutes", 5)
	vip.SetDefault("session.max_sessions_per_user", 3)
	vip.SetDefault("session.sweep_interval", "1m")
	vip.SetDefault("identity.access_token_ttl", "30m")
	vip.SetDefault("identity.refresh_token_ttl", "12h")
}

// getenv returns an environment variable or a default value.
func getenv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
