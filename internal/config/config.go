// Package config loads the global ~/.chatbook/config.toml with env overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global config file.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	// LocalID identifies the local actor in conversations.
	LocalID   string `toml:"local_id"`
	LocalName string `toml:"local_name"`

	Log           LogConfig           `toml:"log"`
	Realtime      RealtimeConfig      `toml:"realtime"`
	Notifications NotificationsConfig `toml:"notifications"`
	Session       SessionConfig       `toml:"session"`
	Outbox        OutboxConfig        `toml:"outbox"`
	Loader        LoaderConfig        `toml:"loader"`
	Gesture       GestureConfig       `toml:"gesture"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// RealtimeConfig selects and tunes the message channel.
type RealtimeConfig struct {
	// Backend is "local" (SQLite + in-process bus) or "redis".
	Backend         string        `toml:"backend"`
	RedisAddr       string        `toml:"redis_addr"`
	RedisPassword   string        `toml:"redis_password"`
	RedisDB         int           `toml:"redis_db"`
	KeyPrefix       string        `toml:"key_prefix"`
	ResubscribeStep time.Duration `toml:"resubscribe_step"`
	ResubscribeMax  time.Duration `toml:"resubscribe_max"`
}

type NotificationsConfig struct {
	// Permission is the state the log platform starts in.
	Permission string `toml:"permission"`
	// PromptAnswer is what a platform permission request resolves to.
	PromptAnswer string `toml:"prompt_answer"`
	// AcceptExplanation answers the explanatory prompt.
	AcceptExplanation bool `toml:"accept_explanation"`
}

type SessionConfig struct {
	ReminderLead    time.Duration `toml:"reminder_lead"`
	ResponseTimeout time.Duration `toml:"response_timeout"`
	ConfirmTimeout  time.Duration `toml:"confirm_timeout"`
}

type OutboxConfig struct {
	PollInterval time.Duration `toml:"poll_interval"`
	MaxAttempts  int           `toml:"max_attempts"`
}

type LoaderConfig struct {
	MaxAttempts int           `toml:"max_attempts"`
	BaseDelay   time.Duration `toml:"base_delay"`
}

type GestureConfig struct {
	Threshold float64 `toml:"threshold"`
	Velocity  float64 `toml:"velocity"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LocalID:   "me",
		LocalName: "Me",
		Log:       LogConfig{Level: "info"},
		Realtime: RealtimeConfig{
			Backend:         "local",
			RedisAddr:       "localhost:6379",
			KeyPrefix:       "chatbook",
			ResubscribeStep: time.Second,
			ResubscribeMax:  30 * time.Second,
		},
		Notifications: NotificationsConfig{
			Permission:        "default",
			PromptAnswer:      "granted",
			AcceptExplanation: true,
		},
		Session: SessionConfig{
			ReminderLead:    time.Hour,
			ResponseTimeout: 5 * time.Minute,
			ConfirmTimeout:  time.Minute,
		},
		Outbox:  OutboxConfig{PollInterval: 500 * time.Millisecond, MaxAttempts: 5},
		Loader:  LoaderConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond},
		Gesture: GestureConfig{Threshold: 50, Velocity: 0.3},
	}
}

// Load reads config from path over Default(). Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch c.Realtime.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("realtime.backend must be local or redis, got %q", c.Realtime.Backend)
	}
	if c.LocalID == "" {
		return errors.New("local_id must not be empty")
	}
	switch c.Notifications.Permission {
	case "default", "granted", "denied":
	default:
		return fmt.Errorf("notifications.permission must be default, granted or denied, got %q", c.Notifications.Permission)
	}
	if c.Session.ResponseTimeout < time.Second || c.Session.ConfirmTimeout < time.Second {
		return errors.New("session timeouts must be at least one second")
	}
	return nil
}

// LoadDotenv loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is fine.
func LoadDotenv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides fields from CHATBOOK_* variables found by lookup
// (normally os.LookupEnv).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("CHATBOOK_PROFILE", &c.DefaultProfile)
	str("CHATBOOK_LOCAL_ID", &c.LocalID)
	str("CHATBOOK_LOCAL_NAME", &c.LocalName)
	str("CHATBOOK_LOG_LEVEL", &c.Log.Level)
	str("CHATBOOK_REALTIME_BACKEND", &c.Realtime.Backend)
	str("CHATBOOK_REDIS_ADDR", &c.Realtime.RedisAddr)
	str("CHATBOOK_REDIS_PASSWORD", &c.Realtime.RedisPassword)
	str("CHATBOOK_NOTIFY_PERMISSION", &c.Notifications.Permission)

	if v, ok := lookup("CHATBOOK_REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATBOOK_REDIS_DB: %w", err)
		}
		c.Realtime.RedisDB = n
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CHATBOOK_REMINDER_LEAD", &c.Session.ReminderLead},
		{"CHATBOOK_RESPONSE_TIMEOUT", &c.Session.ResponseTimeout},
		{"CHATBOOK_CONFIRM_TIMEOUT", &c.Session.ConfirmTimeout},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return c.Validate()
}
