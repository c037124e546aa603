package logger

import (
	"io"

	"github.com/spf13/viper"
)

// EnvConfig is the logger configuration read from the environment.
type EnvConfig struct {
	Level       string // debug, info, warn, error
	Format      string // json, text
	ServiceName string
	Environment string // local, dev, prod

	// Output overrides every other destination when set.
	Output io.Writer

	// LogFile is only written outside the local environment.
	LogFile     string
	LogFileOnly bool
	Rotation    Rotation
}

// Rotation controls lumberjack file rotation.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LoadFromEnv reads LOG_*, SERVICE_NAME and APP_ENV.
func LoadFromEnv() *EnvConfig {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("service_name", "pagepulse")
	v.SetDefault("app_env", "local")
	v.SetDefault("log_file", "/var/log/pagepulse/app.log")
	v.SetDefault("log_file_only", false)
	v.SetDefault("log_max_size", 100)
	v.SetDefault("log_max_backups", 7)
	v.SetDefault("log_max_age", 30)
	v.SetDefault("log_compress", true)

	return &EnvConfig{
		Level:       v.GetString("log_level"),
		Format:      v.GetString("log_format"),
		ServiceName: v.GetString("service_name"),
		Environment: v.GetString("app_env"),
		LogFile:     v.GetString("log_file"),
		LogFileOnly: v.GetBool("log_file_only"),
		Rotation: Rotation{
			MaxSizeMB:  v.GetInt("log_max_size"),
			MaxBackups: v.GetInt("log_max_backups"),
			MaxAgeDays: v.GetInt("log_max_age"),
			Compress:   v.GetBool("log_compress"),
		},
	}
}
