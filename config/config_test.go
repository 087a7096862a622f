package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendTables, cfg.StoreBackend)
	require.Equal(t, "tasks", cfg.TasksTable)
	require.Equal(t, 30*time.Second, cfg.CacheTTL)
	require.Equal(t, 24*time.Hour, cfg.DeduperTTL)
	require.Equal(t, domain.GroupByStatus, cfg.Grouping.Kind)
	require.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/tasks")
	t.Setenv("CACHE_TTL", "0s")
	t.Setenv("BOARD_GROUPING", "assignee")
	t.Setenv("AUTH0_TEST_MODE", "true")
	t.Setenv("TEST_JWT_SECRET", "s3cret")
	t.Setenv("FUNCTIONS_CUSTOMHANDLER_PORT", "7071")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendPostgres, cfg.StoreBackend)
	require.Equal(t, time.Duration(0), cfg.CacheTTL)
	require.Equal(t, domain.GroupByAssignee, cfg.Grouping.Kind)
	require.Equal(t, ":7071", cfg.ListenAddr)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskorder.yaml")
	content := "store_backend: sqlite\ndatabase_url: file:tasks.db\nevents_channel: from-file\ndeduper_ttl: 1h\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("EVENTS_CHANNEL", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendSQLite, cfg.StoreBackend)
	require.Equal(t, "file:tasks.db", cfg.DatabaseURL)
	require.Equal(t, time.Hour, cfg.DeduperTTL)
	require.Equal(t, "from-env", cfg.EventsChannel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("DEDUPER_TTL", "soon")
	_, err := Load()
	require.ErrorContains(t, err, "DEDUPER_TTL")

	t.Setenv("DEDUPER_TTL", "1h")
	t.Setenv("BOARD_GROUPING", "color")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("BOARD_GROUPING", "")
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	require.Error(t, err)
}

func TestValidateReportsMissingSettings(t *testing.T) {
	cfg := &Config{StoreBackend: BackendTables, EventsQueue: "events"}
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"STORAGE_CONNECTION_STRING", "TASKS_TABLE", "AUTH0_DOMAIN"} {
		require.True(t, strings.Contains(msg, want), "missing %s in %q", want, msg)
	}

	cfg = &Config{StoreBackend: "mongo", Auth0TestMode: true}
	err = cfg.Validate()
	require.ErrorContains(t, err, "unknown STORE_BACKEND")
	require.ErrorContains(t, err, "TEST_JWT_SECRET")

	cfg = &Config{StoreBackend: BackendMemory, Auth0Domain: "tenant.eu.auth0.com", Auth0Audience: "api"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "https://tenant.eu.auth0.com/", cfg.Issuer())
	require.Equal(t, "https://tenant.eu.auth0.com/.well-known/jwks.json", cfg.JWKSURL())
}

func TestParseRedis(t *testing.T) {
	opts, err := ParseRedis("redis://:pw@localhost:6380/2")
	require.NoError(t, err)
	require.Equal(t, "localhost:6380", opts.Addr)
	require.Equal(t, "pw", opts.Password)
	require.Equal(t, 2, opts.DB)

	opts, err = ParseRedis("cache.redis.cache.windows.net:6380,password=abc=,ssl=True,abortConnect=False")
	require.NoError(t, err)
	require.Equal(t, "cache.redis.cache.windows.net:6380", opts.Addr)
	require.Equal(t, "abc=", opts.Password)
	require.NotNil(t, opts.TLSConfig)

	_, err = ParseRedis(" ")
	require.Error(t, err)
}
