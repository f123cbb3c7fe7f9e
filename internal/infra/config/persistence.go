package config

// StorageConfig selects the persistence backend. The backend is chosen once
// at construction; there is no per-call dispatch.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"  validate:"required,oneof=memory file postgres s3"`
	Dir      string         `mapstructure:"dir"      validate:"required_if=Backend file"`
	Database DatabaseConfig `mapstructure:"database"`
	S3       S3Config       `mapstructure:"s3"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// S3Config holds the settings for the S3 backend.
type S3Config struct {
	Region string `mapstructure:"region"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}
