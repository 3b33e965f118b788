package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findRepoRootForTest(t *testing.T) string {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	t.Fatalf("could not locate repo root containing go.mod from %s", cwd)
	return ""
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("CIBoundaryHint", func(t *testing.T) {
		repoRoot := findRepoRootForTest(t)
		t.Setenv("HOME", t.TempDir())
		t.Setenv("CI", "true")
		t.Setenv("VIDGEN_WORKSPACE_ROOT", repoRoot)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)
	})

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
		assert.Zero(t, cfg.Server.SubmitRate)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.True(t, cfg.Health.Enabled)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)

		assert.Equal(t, "python", cfg.Worker.Python)
		assert.Equal(t, "generate_video.py", cfg.Worker.Script)
		assert.Equal(t, "Avatar", cfg.Worker.Dir)
		assert.Equal(t, []string{"KMP_DUPLICATE_LIB_OK=TRUE"}, cfg.Worker.Env)
		assert.Equal(t, ".mp4", cfg.Worker.ArtifactSuffix)
		assert.Zero(t, cfg.Worker.Timeout)
		assert.Zero(t, cfg.Worker.MaxConcurrent)

		assert.Equal(t, JobsBackendMemory, cfg.Jobs.Backend)
		assert.Zero(t, cfg.Jobs.Retention)
		assert.Equal(t, StorageBackendFile, cfg.Storage.Backend)
		assert.Equal(t, "user-videos", cfg.Storage.Folder)
		assert.Equal(t, ProfileBackendNone, cfg.Profile.Backend)
		assert.Equal(t, EventsBackendNone, cfg.Events.Backend)
		assert.Equal(t, "video.exchange", cfg.Events.AMQP.Exchange)
		assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("VIDGEN_PORT", "3000")
		t.Setenv("VIDGEN_LOG_LEVEL", "warn")
		t.Setenv("VIDGEN_HEALTH_ENABLED", "false")
		t.Setenv("VIDGEN_WORKER_MAX_CONCURRENT", "2")
		t.Setenv("VIDGEN_WORKER_ENV", "A=1,B=2")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Health.Enabled)
		assert.Equal(t, 2, cfg.Worker.MaxConcurrent)
		assert.Equal(t, []string{"A=1", "B=2"}, cfg.Worker.Env)
	})

	t.Run("LegacyPythonPath", func(t *testing.T) {
		t.Setenv("PYTHON_PATH", "/opt/venv/bin/python")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/opt/venv/bin/python", cfg.Worker.Python)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("VIDGEN_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
  host: 10.0.0.1
worker:
  timeout: 15m
  max_concurrent: 3
storage:
  backend: s3
  s3:
    bucket: videos
`), 0o644))
		SetConfigFile(path)
		defer SetConfigFile("")

		t.Setenv("VIDGEN_SERVER_HOST", "0.0.0.0")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7000, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host, "env beats file")
		assert.Equal(t, 15*time.Minute, cfg.Worker.Timeout)
		assert.Equal(t, 3, cfg.Worker.MaxConcurrent)
		assert.Equal(t, StorageBackendS3, cfg.Storage.Backend)
		assert.Equal(t, "videos", cfg.Storage.S3.Bucket)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
		defer SetConfigFile("")

		_, err := Load(ctx)
		assert.Error(t, err)
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		_, err := Load(ctx, map[string]any{"storage": map[string]any{"backend": "s3"}})
		require.Error(t, err)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "storage.s3.bucket", verr.Key)
	})
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	cfg, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	retrieved := GetConfig()
	assert.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	ctx := context.Background()
	_, err := Load(ctx)
	require.NoError(t, err)

	specs := getEnvSpecs()
	assert.NotEmpty(t, specs)

	envVarNames := make(map[string]bool)
	for _, spec := range specs {
		envVarNames[spec.Name] = true
	}

	assert.True(t, envVarNames["VIDGEN_LOG_LEVEL"], "LOG_LEVEL env var must be mapped")
	assert.True(t, envVarNames["VIDGEN_PORT"], "PORT env var must be mapped")
	assert.True(t, envVarNames["VIDGEN_HOST"], "HOST env var must be mapped")
	assert.True(t, envVarNames["PYTHON_PATH"], "PYTHON_PATH must stay mapped to the worker interpreter")
}

func TestDurationParsing(t *testing.T) {
	ctx := context.Background()

	t.Setenv("VIDGEN_READ_TIMEOUT", "45s")
	t.Setenv("VIDGEN_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("VIDGEN_JOBS_RETENTION", "24h")

	cfg, err := Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.Retention)
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": initialPort + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)

	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getUserConfigPaths())
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getEnvSpecs())
}

func TestGetUserConfigPathsXDG(t *testing.T) {
	_, err := Load(context.Background())
	require.NoError(t, err)

	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	paths := getUserConfigPaths()
	require.NotEmpty(t, paths)
	assert.Equal(t, filepath.Join(xdg, "vidgen"), paths[0])
}

func TestFindProjectRootCIBoundaryEdgeCases(t *testing.T) {
	repoRoot := findRepoRootForTest(t)

	t.Run("CITrueButEmptyBoundaryVars", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("VIDGEN_WORKSPACE_ROOT", "")
		t.Setenv("GITHUB_WORKSPACE", "")
		t.Setenv("CI_PROJECT_DIR", "")
		t.Setenv("WORKSPACE", "")

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})

	t.Run("CITrueWithRelativeBoundary", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("VIDGEN_WORKSPACE_ROOT", "./relative/path")

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})

	t.Run("CITrueWithNonexistentBoundary", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("VIDGEN_WORKSPACE_ROOT", "/nonexistent/path/that/does/not/exist")

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("CITrueWithBoundaryNotContainingCwd", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("VIDGEN_WORKSPACE_ROOT", t.TempDir())

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})

	t.Run("GitHubActionsEnvVar", func(t *testing.T) {
		t.Setenv("VIDGEN_WORKSPACE_ROOT", "")
		t.Setenv("GITHUB_ACTIONS", "true")
		t.Setenv("GITHUB_WORKSPACE", repoRoot)

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	for _, spec := range specs {
		assert.NotEmpty(t, spec.Name, "env var name should not be empty")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		if !spec.Legacy {
			assert.Contains(t, spec.Name, "VIDGEN_", "non-legacy specs carry the VIDGEN_ prefix")
		}
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:  ServerConfig{Port: 8080},
			Logging: LoggingConfig{Profile: "STRUCTURED"},
			Worker:  WorkerConfig{Python: "python"},
			Jobs:    JobsConfig{Backend: JobsBackendMemory},
			Storage: StorageConfig{Backend: StorageBackendFile, File: FileConfig{Dir: "out"}},
			Profile: ProfileConfig{Backend: ProfileBackendNone},
			Events:  EventsConfig{Backend: EventsBackendNone},
		}
	}

	ok := base()
	require.NoError(t, ok.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"port range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"metrics port", func(c *Config) { c.Metrics = MetricsConfig{Enabled: true, Port: -1} }, "metrics.port"},
		{"burst with rate", func(c *Config) { c.Server.SubmitRate = 1 }, "server.submit_burst"},
		{"profile", func(c *Config) { c.Logging.Profile = "PRETTY" }, "logging.profile"},
		{"python", func(c *Config) { c.Worker.Python = " " }, "worker.python"},
		{"max concurrent", func(c *Config) { c.Worker.MaxConcurrent = -1 }, "worker.max_concurrent"},
		{"jobs backend", func(c *Config) { c.Jobs.Backend = "etcd" }, "jobs.backend"},
		{"redis addr", func(c *Config) { c.Jobs.Backend = JobsBackendRedis }, "jobs.redis.addr"},
		{"minio", func(c *Config) { c.Storage.Backend = StorageBackendMinio }, "storage.minio"},
		{"sqlite path", func(c *Config) { c.Profile.Backend = ProfileBackendSQLite }, "profile.sqlite.path"},
		{"postgres dsn", func(c *Config) { c.Profile.Backend = ProfileBackendPostgres }, "profile.postgres.dsn"},
		{"amqp url", func(c *Config) { c.Events.Backend = EventsBackendAMQP }, "events.amqp.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.key, verr.Key)
		})
	}
}
