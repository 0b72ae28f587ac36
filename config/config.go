// pdfqueue/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"

	QueueLocal = "local"
	QueueAsynq = "asynq"
)

type Config struct {
	Port               string `mapstructure:"PORT"`
	BaseURL            string `mapstructure:"BASE"`
	GinMode            string `mapstructure:"GIN_MODE"`
	AuthEnable         bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey            string `mapstructure:"AUTH_KEY"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	MediaRoot    string `mapstructure:"MEDIA_ROOT"`
	StoreDriver  string `mapstructure:"STORE_DRIVER"`
	DatabasePath string `mapstructure:"DATABASE_PATH"`
	RedisURL     string `mapstructure:"REDIS_URL"`

	QueueDriver    string `mapstructure:"QUEUE_DRIVER"`
	QueueSize      int    `mapstructure:"QUEUE_SIZE"`
	QueueMaxRetry  int    `mapstructure:"QUEUE_MAX_RETRY"`
	MaxConcurrency int    `mapstructure:"MAX_CONCURRENCY"`

	CompressorBin     string        `mapstructure:"COMPRESSOR_BIN"`
	CompressorArgs    string        `mapstructure:"COMPRESSOR_ARGS"`
	CompressorTimeout time.Duration `mapstructure:"COMPRESSOR_TIMEOUT"`
	MaxUploadSize     int64         `mapstructure:"MAX_UPLOAD_SIZE"`
	VerifyContent     bool          `mapstructure:"VERIFY_CONTENT"`
	ThrottleCPU       float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem   int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk  int64         `mapstructure:"THROTTLE_FREEDISK"`

	JanitorInterval time.Duration `mapstructure:"JANITOR_INTERVAL"`
	StaleAfter      time.Duration `mapstructure:"STALE_AFTER"`
	OutputRetention time.Duration `mapstructure:"OUTPUT_RETENTION"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	loadEnvFile()

	vp := viper.New()

	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("GIN_MODE", "release")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")

	vp.SetDefault("MEDIA_ROOT", "./media")
	vp.SetDefault("STORE_DRIVER", StoreSQLite)
	vp.SetDefault("DATABASE_PATH", "pdfqueue.db")
	vp.SetDefault("REDIS_URL", "redis://127.0.0.1:6379/0")

	vp.SetDefault("QUEUE_DRIVER", QueueLocal)
	vp.SetDefault("QUEUE_SIZE", 100)
	vp.SetDefault("QUEUE_MAX_RETRY", 3)
	vp.SetDefault("MAX_CONCURRENCY", 2)

	vp.SetDefault("COMPRESSOR_BIN", "pdftk")
	vp.SetDefault("COMPRESSOR_ARGS", "${INPUT_PDF} output ${OUTPUT_PDF} compress")
	vp.SetDefault("COMPRESSOR_TIMEOUT", "5m")
	vp.SetDefault("MAX_UPLOAD_SIZE", "100MB")
	vp.SetDefault("VERIFY_CONTENT", true)
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "0B")
	vp.SetDefault("THROTTLE_FREEDISK", "100MB")

	vp.SetDefault("JANITOR_INTERVAL", "1m")
	vp.SetDefault("STALE_AFTER", "0s")
	vp.SetDefault("OUTPUT_RETENTION", "0s")

	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "text")

	vp.SetConfigName("pdfqueue_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/pdfqueue/")

	if err := vp.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	vp.SetEnvPrefix("PDFQUEUE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = cfg.CompressorTimeout + time.Minute
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnvFile reads .env from the working directory or its parent, if present.
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}
	_ = godotenv.Load(filepath.Join(parent, ".env"))
}

// Validate checks the settings that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreSQLite, StoreRedis:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want %s or %s)", c.StoreDriver, StoreSQLite, StoreRedis)
	}
	switch c.QueueDriver {
	case QueueLocal, QueueAsynq:
	default:
		return fmt.Errorf("unknown QUEUE_DRIVER %q (want %s or %s)", c.QueueDriver, QueueLocal, QueueAsynq)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("MAX_CONCURRENCY must be positive, got %d", c.MaxConcurrency)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.QueueSize)
	}
	if c.CompressorTimeout <= 0 {
		return fmt.Errorf("COMPRESSOR_TIMEOUT must be positive, got %s", c.CompressorTimeout)
	}
	// The janitor fails PROCESSING tasks older than STALE_AFTER, so it must
	// outlast a full compressor run.
	if c.StaleAfter <= c.CompressorTimeout {
		return fmt.Errorf("STALE_AFTER (%s) must be longer than COMPRESSOR_TIMEOUT (%s)", c.StaleAfter, c.CompressorTimeout)
	}
	if c.AuthEnable && c.AuthKey == "" {
		return fmt.Errorf("AUTH_KEY is required when AUTH_ENABLE is set")
	}
	if c.MediaRoot == "" {
		return fmt.Errorf("MEDIA_ROOT must not be empty")
	}
	return nil
}
