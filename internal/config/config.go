// Package config assembles the server configuration from defaults, an
// optional JSON file and environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/erilali/fanout/internal/logger"
	"github.com/erilali/fanout/internal/util"
)

const (
	defaultAddr            = ":8080"
	defaultMaxMessageSize  = 4096
	defaultQueueSize       = 256
	defaultRateBurst       = 0
	defaultRateInterval    = time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultWriteWait       = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultNATSSubject     = "fanout.broadcast"
	defaultRedisChannel    = "fanout.broadcast"
)

// Duration is a time.Duration that reads "1.5s" style strings from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// RateLimitConfig allows Burst inbound messages per Interval on each
// connection. A zero Burst disables limiting.
type RateLimitConfig struct {
	Burst    int      `json:"burst"`
	Interval Duration `json:"interval"`
}

type NATSConfig struct {
	URL     string `json:"url"` // empty disables the relay
	Subject string `json:"subject"`
}

// RedisConfig selects Redis pub/sub as the relay when no NATS URL is set.
type RedisConfig struct {
	Addr    string `json:"addr"`
	Channel string `json:"channel"`
}

// Config holds every runtime setting of the server.
type Config struct {
	Addr           string          `json:"addr"`
	AllowedOrigins []string        `json:"allowed_origins"`
	MaxMessageSize int64           `json:"max_message_size"`
	QueueSize      int             `json:"queue_size"`
	ExcludeSender  bool            `json:"exclude_sender"`
	RateLimit      RateLimitConfig `json:"rate_limit"`

	ShutdownTimeout Duration `json:"shutdown_timeout"`
	WriteWait       Duration `json:"write_wait"`
	PongWait        Duration `json:"pong_wait"`

	NATS  NATSConfig       `json:"nats"`
	Redis RedisConfig      `json:"redis"`
	Log   logger.LogConfig `json:"log"`
}

// Default returns the configuration used when nothing is overridden.
// The sender receives its own messages unless ExcludeSender is set.
func Default() Config {
	return Config{
		Addr:           defaultAddr,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: defaultMaxMessageSize,
		QueueSize:      defaultQueueSize,
		ExcludeSender:  false,
		RateLimit: RateLimitConfig{
			Burst:    defaultRateBurst,
			Interval: Duration(defaultRateInterval),
		},
		ShutdownTimeout: Duration(defaultShutdownTimeout),
		WriteWait:       Duration(defaultWriteWait),
		PongWait:        Duration(defaultPongWait),
		NATS:            NATSConfig{Subject: defaultNATSSubject},
		Redis:           RedisConfig{Channel: defaultRedisChannel},
		Log:             logger.DefaultLogConfig(),
	}
}

// Load builds the configuration: defaults, then the JSON file at path (if
// present), then environment overrides. The result is sanitized. When the
// file cannot be decoded the error is returned together with defaults plus
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	var loadErr error
	if path != "" {
		if err := util.LoadJSON(path, &cfg); err != nil {
			// The file may have been partially decoded; start over from defaults.
			cfg = Default()
			loadErr = fmt.Errorf("load config: %w", err)
		}
	}
	ApplyEnv(&cfg, os.Getenv)
	return Sanitize(cfg), loadErr
}

// ApplyEnv overrides cfg from environment variables looked up with getenv.
// Unparseable values are ignored.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("SERVER_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = parseList(v)
	}
	if v := getenv("MAX_MESSAGE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxMessageSize = n
		}
	}
	if v := getenv("QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueSize = n
		}
	}
	if v := getenv("EXCLUDE_SENDER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ExcludeSender = b
		}
	}
	if v := getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.Burst = n
		}
	}
	if v := getenv("RATE_LIMIT_INTERVAL"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.RateLimit.Interval = Duration(d)
		}
	}
	if v := getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.ShutdownTimeout = Duration(d)
		}
	}
	if v := getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := getenv("NATS_SUBJECT"); v != "" {
		cfg.NATS.Subject = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := getenv("REDIS_CHANNEL"); v != "" {
		cfg.Redis.Channel = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// Sanitize replaces invalid values with their defaults.
func Sanitize(cfg Config) Config {
	def := Default()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = def.AllowedOrigins
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}
	if cfg.RateLimit.Interval <= 0 {
		cfg.RateLimit.Interval = def.RateLimit.Interval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = def.NATS.Subject
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = def.Redis.Channel
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	return cfg
}

func parseList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDuration accepts Go duration strings or a bare number of seconds.
func parseDuration(s string) (time.Duration, bool) {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, true
	}
	if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
