// Package config loads service settings from the environment and an
// optional YAML file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
)

// Store backends.
const (
	BackendTables   = "tables"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Config holds every setting of the service.
type Config struct {
	StoreBackend            string
	StorageConnectionString string
	TasksTable              string
	EventsQueue             string
	DatabaseURL             string

	RedisConnectionString string
	CacheTTL              time.Duration
	DeduperTTL            time.Duration
	EventsChannel         string

	Grouping domain.Grouping

	Auth0Domain   string
	Auth0Audience string
	Auth0TestMode bool
	TestJWTSecret string
	JWKSCacheTTL  time.Duration

	ListenAddr string
	Debug      bool
	LogFormat  string
}

// Load reads the configuration. Environment variables win over the file
// named by CONFIG_FILE.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("STORE_BACKEND", BackendTables)
	v.SetDefault("TASKS_TABLE", "tasks")
	v.SetDefault("CACHE_TTL", "30s")
	v.SetDefault("DEDUPER_TTL", "24h")
	v.SetDefault("JWKS_CACHE_TTL", "15m")
	v.SetDefault("EVENTS_CHANNEL", "task-order")
	v.SetDefault("BOARD_GROUPING", "status")
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("LOG_FORMAT", "text")
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
	}

	cfg := &Config{
		StoreBackend:            strings.ToLower(v.GetString("STORE_BACKEND")),
		StorageConnectionString: v.GetString("STORAGE_CONNECTION_STRING"),
		TasksTable:              v.GetString("TASKS_TABLE"),
		EventsQueue:             v.GetString("EVENTS_QUEUE"),
		DatabaseURL:             v.GetString("DATABASE_URL"),
		RedisConnectionString:   v.GetString("REDIS_CONNECTION_STRING"),
		EventsChannel:           v.GetString("EVENTS_CHANNEL"),
		Auth0Domain:             v.GetString("AUTH0_DOMAIN"),
		Auth0Audience:           v.GetString("AUTH0_AUDIENCE"),
		Auth0TestMode:           v.GetBool("AUTH0_TEST_MODE"),
		TestJWTSecret:           v.GetString("TEST_JWT_SECRET"),
		ListenAddr:              v.GetString("LISTEN_ADDR"),
		Debug:                   v.GetBool("DEBUG"),
		LogFormat:               strings.ToLower(v.GetString("LOG_FORMAT")),
	}
	if port := v.GetString("FUNCTIONS_CUSTOMHANDLER_PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}

	var err error
	if cfg.Grouping, err = domain.ParseGrouping(v.GetString("BOARD_GROUPING")); err != nil {
		return nil, err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CACHE_TTL", &cfg.CacheTTL},
		{"DEDUPER_TTL", &cfg.DeduperTTL},
		{"JWKS_CACHE_TTL", &cfg.JWKSCacheTTL},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.key, v.GetString(d.key)); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return d, nil
}

// Validate reports every missing setting for the chosen backend and auth mode.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendTables:
		if c.StorageConnectionString == "" {
			errs = append(errs, errors.New("STORAGE_CONNECTION_STRING is required for the tables backend"))
		}
		if c.TasksTable == "" {
			errs = append(errs, errors.New("TASKS_TABLE is required for the tables backend"))
		}
	case BackendPostgres, BackendSQLite:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the %s backend", c.StoreBackend))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.EventsQueue != "" && c.StorageConnectionString == "" {
		errs = append(errs, errors.New("STORAGE_CONNECTION_STRING is required when EVENTS_QUEUE is set"))
	}
	if c.Auth0TestMode {
		if c.TestJWTSecret == "" {
			errs = append(errs, errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE is enabled"))
		}
	} else if c.Auth0Domain == "" || c.Auth0Audience == "" {
		errs = append(errs, errors.New("AUTH0_DOMAIN and AUTH0_AUDIENCE are required"))
	}
	return errors.Join(errs...)
}

// Issuer is the expected token issuer of the configured Auth0 tenant.
func (c *Config) Issuer() string {
	if c.Auth0Domain == "" {
		return ""
	}
	return "https://" + c.Auth0Domain + "/"
}

// JWKSURL is where the tenant publishes its signing keys.
func (c *Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth0Domain)
}

// ParseRedis accepts a redis:// URL or the Azure form
// "host:port,password=...,ssl=True".
func ParseRedis(conn string) (*redis.Options, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
