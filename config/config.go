// Package config loads server configuration from defaults, an optional YAML
// file, a .env file and POINTS_* environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/points-engine/attendance"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"db"`
	Log       LogConfig       `mapstructure:"log"`
	Lock      LockConfig      `mapstructure:"lock"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Policy    PolicyConfig    `mapstructure:"policy"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Lock backends.
const (
	LockSQLite = "sqlite"
	LockRedis  = "redis"
	LockMemory = "memory"
)

type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"` // standard 5-field cron
}

type BatchConfig struct {
	Workers int `mapstructure:"workers"`
}

type PolicyConfig struct {
	StandardWindowMonths int `mapstructure:"standard_window_months"`
	NcnsWindowMonths     int `mapstructure:"ncns_window_months"`
	GbroCleanDays        int `mapstructure:"gbro_clean_days"`
	GbroPairSize         int `mapstructure:"gbro_pair_size"`
}

// Attendance converts the policy section into the engine's Policy.
func (p PolicyConfig) Attendance() attendance.Policy {
	return attendance.Policy{
		StandardWindowMonths: p.StandardWindowMonths,
		NcnsWindowMonths:     p.NcnsWindowMonths,
		GbroCleanDays:        p.GbroCleanDays,
		GbroPairSize:         p.GbroPairSize,
	}
}

func setDefaults(v *viper.Viper) {
	def := attendance.DefaultPolicy()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	v.SetDefault("db.path", "points.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("lock.backend", LockSQLite)
	v.SetDefault("lock.ttl", "30s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.schedule", "15 2 * * *")

	v.SetDefault("batch.workers", 4)

	v.SetDefault("policy.standard_window_months", def.StandardWindowMonths)
	v.SetDefault("policy.ncns_window_months", def.NcnsWindowMonths)
	v.SetDefault("policy.gbro_clean_days", def.GbroCleanDays)
	v.SetDefault("policy.gbro_pair_size", def.GbroPairSize)
}

// Load reads configuration. path may be empty, in which case ./config.yaml
// and ./config/config.yaml are tried and silently skipped when absent.
func Load(path string) (*Config, error) {
	// .env only seeds the process environment; a missing file is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("POINTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: db.path is required")
	}
	switch c.Lock.Backend {
	case LockSQLite, LockMemory:
	case LockRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: redis.addr is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("config: unknown lock.backend %q (sqlite, redis or memory)", c.Lock.Backend)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("config: lock.ttl must be positive")
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("config: batch.workers must be positive, got %d", c.Batch.Workers)
	}
	if c.Scheduler.Enabled && c.Scheduler.Schedule == "" {
		return fmt.Errorf("config: scheduler.schedule is required when the scheduler is enabled")
	}
	if err := c.Policy.Attendance().Validate(); err != nil {
		return fmt.Errorf("config: policy: %w", err)
	}
	return nil
}
