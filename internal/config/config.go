// Package config loads process settings from defaults, an optional config
// file, BLINKTEST_* environment variables and command-line flags, in that
// order of precedence (flags win).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "BLINKTEST"

type Config struct {
	Addr          string
	DBPath        string
	JWTSecret     string
	SitePasswords []string

	Log       LogConfig
	Storage   StorageConfig
	MinIO     MinIOConfig
	Realtime  RealtimeConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig

	FlashLoadTimeout      time.Duration
	FlowIdleTimeout       time.Duration
	PublishCleanupOrphans bool
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type StorageConfig struct {
	Backend    string // local | minio
	Dir        string
	PublicBase string
}

type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
}

type RealtimeConfig struct {
	Backend string // memory | redis
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Max    int
	Window time.Duration
	Sweep  time.Duration
}

// flagKeys maps command-line flag names to config keys where they differ.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-pretty": "log.pretty",
	"storage":    "storage.backend",
	"realtime":   "realtime.backend",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("db", "./blinktest.db")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("site_passwords", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.dir", "./data")
	v.SetDefault("storage.public_base", "/thumbnails/")

	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.bucket", "blinktest")
	v.SetDefault("minio.region", "")
	v.SetDefault("minio.use_ssl", false)

	v.SetDefault("realtime.backend", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("ratelimit.max", 120)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.sweep", 5*time.Minute)

	v.SetDefault("flash.load_timeout", 10*time.Second)
	v.SetDefault("flow.idle_timeout", 30*time.Minute)
	v.SetDefault("publish.cleanup_orphans", true)
}

// Load builds a Config. file may be empty, in which case blinktest.{yaml,json,toml}
// is looked up in the working directory and skipped if absent. flags may be nil.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	} else {
		v.SetConfigName("blinktest")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Addr:          v.GetString("addr"),
		DBPath:        v.GetString("db"),
		JWTSecret:     v.GetString("jwt_secret"),
		SitePasswords: splitList(v.GetStringSlice("site_passwords")),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
		Storage: StorageConfig{
			Backend:    strings.ToLower(v.GetString("storage.backend")),
			Dir:        v.GetString("storage.dir"),
			PublicBase: v.GetString("storage.public_base"),
		},
		MinIO: MinIOConfig{
			Endpoint:        v.GetString("minio.endpoint"),
			AccessKeyID:     v.GetString("minio.access_key"),
			SecretAccessKey: v.GetString("minio.secret_key"),
			Bucket:          v.GetString("minio.bucket"),
			Region:          v.GetString("minio.region"),
			UseSSL:          v.GetBool("minio.use_ssl"),
		},
		Realtime: RealtimeConfig{
			Backend: strings.ToLower(v.GetString("realtime.backend")),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		RateLimit: RateLimitConfig{
			Max:    v.GetInt("ratelimit.max"),
			Window: v.GetDuration("ratelimit.window"),
			Sweep:  v.GetDuration("ratelimit.sweep"),
		},
		FlashLoadTimeout:      v.GetDuration("flash.load_timeout"),
		FlowIdleTimeout:       v.GetDuration("flow.idle_timeout"),
		PublishCleanupOrphans: v.GetBool("publish.cleanup_orphans"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			key = f.Name
		}
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

// splitList accepts both list values and comma-separated strings, as the
// environment only carries the latter.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local", "minio":
	default:
		return fmt.Errorf("unknown storage backend %q (want local or minio)", c.Storage.Backend)
	}
	switch c.Realtime.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown realtime backend %q (want memory or redis)", c.Realtime.Backend)
	}
	if c.RateLimit.Max <= 0 {
		return fmt.Errorf("ratelimit.max must be positive, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive, got %s", c.RateLimit.Window)
	}
	if c.FlashLoadTimeout <= 0 {
		return fmt.Errorf("flash.load_timeout must be positive, got %s", c.FlashLoadTimeout)
	}
	return nil
}
