// internal/config/config.go
// Loads relay server settings from an optional config file and RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/erilali/relay/internal/logger"
	"github.com/spf13/viper"
)

const (
	defaultAddr              = ":8080"
	defaultMaxMessageSize    = 64 * 1024
	defaultSendBuffer        = 256
	defaultNatsSubjectPrefix = "relay"
	defaultShutdownTimeout   = 10 * time.Second
)

// Config holds the relay server configuration.
type Config struct {
	Addr              string           `mapstructure:"addr"`
	AllowedOrigins    []string         `mapstructure:"allowed_origins"`
	MaxMessageSize    int64            `mapstructure:"max_message_size"`
	SendBuffer        int              `mapstructure:"send_buffer"`
	NatsURL           string           `mapstructure:"nats_url"`
	NatsSubjectPrefix string           `mapstructure:"nats_subject_prefix"`
	MetricsEnabled    bool             `mapstructure:"metrics_enabled"`
	ShutdownTimeout   time.Duration    `mapstructure:"shutdown_timeout"`
	Logger            logger.LogConfig `mapstructure:"logger"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Addr:              defaultAddr,
		AllowedOrigins:    []string{"*"},
		MaxMessageSize:    defaultMaxMessageSize,
		SendBuffer:        defaultSendBuffer,
		NatsSubjectPrefix: defaultNatsSubjectPrefix,
		MetricsEnabled:    true,
		ShutdownTimeout:   defaultShutdownTimeout,
		Logger:            logger.DefaultLogConfig(),
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("addr", d.Addr)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("max_message_size", d.MaxMessageSize)
	v.SetDefault("send_buffer", d.SendBuffer)
	v.SetDefault("nats_url", d.NatsURL)
	v.SetDefault("nats_subject_prefix", d.NatsSubjectPrefix)
	v.SetDefault("metrics_enabled", d.MetricsEnabled)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.log_to_file", d.Logger.LogToFile)
	v.SetDefault("logger.log_to_json", d.Logger.LogToJSON)
	v.SetDefault("logger.file_path", d.Logger.FilePath)
	v.SetDefault("logger.max_size", d.Logger.MaxSize)
	v.SetDefault("logger.max_backups", d.Logger.MaxBackups)
	v.SetDefault("logger.max_age", d.Logger.MaxAge)
	v.SetDefault("logger.compress", d.Logger.Compress)
}

// Load reads path (or relay.{json,yaml} from "." and $HOME when path is empty)
// and applies RELAY_* environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Default(), fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Default(), fmt.Errorf("decode config: %w", err)
	}

	// NATS_URL is the conventional variable for NATS clients.
	if cfg.NatsURL == "" {
		cfg.NatsURL = os.Getenv("NATS_URL")
	}

	return Sanitize(cfg), nil
}

// Sanitize replaces unusable values with defaults.
func Sanitize(cfg Config) Config {
	d := Default()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = d.SendBuffer
	}
	if cfg.NatsSubjectPrefix == "" {
		cfg.NatsSubjectPrefix = d.NatsSubjectPrefix
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	return cfg
}
