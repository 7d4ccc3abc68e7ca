package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// Sync strategy names accepted by SYNC_EDITS and SYNC_BULK.
const (
	SyncOutbox    = "outbox"
	SyncBatched   = "batched"
	SyncPerRecord = "per-record"
)

type Config struct {
	Mode      Mode
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	CORSOriginsOnline  []string
	CORSOriginsOffline []string

	// grading console
	RemoteURL         string
	SyncEdits         string
	SyncBulk          string
	SyncTimeout       time.Duration
	SyncParallel      int
	BatchRetries      int
	OutboxMaxAttempts int
	OutboxBackoff     time.Duration
	OutboxRate        float64

	LogLevel    string
	LogFile     string
	MetricsAddr string // console only; empty disables /metrics

	TracingEnabled  bool
	TracingEndpoint string
	ServiceName     string
}

// FromEnv reads the environment only.
func FromEnv() Config {
	c, _ := decode(newViper())
	return c
}

// Load merges grader.yaml from dir (if present) under the environment.
func Load(dir string) (Config, error) {
	v := newViper()
	v.SetConfigName("grader")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("mode", string(ModeOffline))
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("public_url", "")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_dsn", "")
	v.SetDefault("cors_origins_online", "https://grader.mindengage.ai")
	v.SetDefault("cors_origins_offline", "http://localhost:3000,http://localhost:3010")

	v.SetDefault("remote_url", "http://localhost:8080")
	v.SetDefault("sync_edits", SyncOutbox)
	v.SetDefault("sync_bulk", SyncBatched)
	v.SetDefault("sync_timeout", "10s")
	v.SetDefault("sync_parallel", 8)
	v.SetDefault("batch_retries", 2)
	v.SetDefault("outbox_max_attempts", 5)
	v.SetDefault("outbox_backoff", "200ms")
	v.SetDefault("outbox_rate", 5.0)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("tracing_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("service_name", "mindengage-grader")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (Config, error) {
	c := Config{
		Mode:               Mode(v.GetString("mode")),
		HTTPAddr:           v.GetString("http_addr"),
		PublicURL:          v.GetString("public_url"),
		DBDriver:           v.GetString("db_driver"),
		DBDSN:              v.GetString("db_dsn"),
		CORSOriginsOnline:  csv(v.GetString("cors_origins_online")),
		CORSOriginsOffline: csv(v.GetString("cors_origins_offline")),

		RemoteURL:         v.GetString("remote_url"),
		SyncEdits:         strings.ToLower(v.GetString("sync_edits")),
		SyncBulk:          strings.ToLower(v.GetString("sync_bulk")),
		SyncTimeout:       v.GetDuration("sync_timeout"),
		SyncParallel:      v.GetInt("sync_parallel"),
		BatchRetries:      v.GetInt("batch_retries"),
		OutboxMaxAttempts: v.GetInt("outbox_max_attempts"),
		OutboxBackoff:     v.GetDuration("outbox_backoff"),
		OutboxRate:        v.GetFloat64("outbox_rate"),

		LogLevel:    v.GetString("log_level"),
		LogFile:     v.GetString("log_file"),
		MetricsAddr: v.GetString("metrics_addr"),

		TracingEnabled:  v.GetBool("tracing_enabled"),
		TracingEndpoint: v.GetString("tracing_endpoint"),
		ServiceName:     v.GetString("service_name"),
	}
	return c, c.validate()
}

func (c Config) validate() error {
	for k, s := range map[string]string{"SYNC_EDITS": c.SyncEdits, "SYNC_BULK": c.SyncBulk} {
		switch s {
		case SyncOutbox, SyncBatched, SyncPerRecord:
		default:
			return fmt.Errorf("%s: unknown strategy %q", k, s)
		}
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("SYNC_TIMEOUT must be positive, got %s", c.SyncTimeout)
	}
	return nil
}

// CORSOrigins picks the origin list for the configured mode.
func (c Config) CORSOrigins() []string {
	if c.Mode == ModeOnline {
		return c.CORSOriginsOnline
	}
	return c.CORSOriginsOffline
}

func csv(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
