package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppIdentity names the binary and derives env and config file names.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is used when none has been set.
var DefaultIdentity = AppIdentity{BinaryName: "vidgen", EnvPrefix: "VIDGEN", ConfigName: "vidgen"}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// SetAppIdentity overrides the identity used by later loads.
func SetAppIdentity(id AppIdentity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

// Identity returns the active identity, or nil before the first Load.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// SetConfigFile forces a specific config file (the --config flag). An empty
// path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the last successfully loaded config.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// EnvSpec maps an explicit environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
	// Legacy marks names kept for compatibility that carry no prefix.
	Legacy bool
}

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.submit_rate", 0)
	v.SetDefault("server.submit_burst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("health.enabled", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("worker.python", "python")
	v.SetDefault("worker.script", "generate_video.py")
	v.SetDefault("worker.dir", "Avatar")
	v.SetDefault("worker.env", []string{"KMP_DUPLICATE_LIB_OK=TRUE"})
	v.SetDefault("worker.output_dir", "uploads/videos")
	v.SetDefault("worker.artifact_suffix", ".mp4")
	v.SetDefault("worker.artifact_glob", "")
	v.SetDefault("worker.timeout", "0s")
	v.SetDefault("worker.max_concurrent", 0)

	v.SetDefault("uploads_dir", "uploads")

	v.SetDefault("jobs.backend", JobsBackendMemory)
	v.SetDefault("jobs.retention", "0s")
	v.SetDefault("jobs.janitor_interval", "1m")
	v.SetDefault("jobs.redis.addr", "localhost:6379")
	v.SetDefault("jobs.redis.password", "")
	v.SetDefault("jobs.redis.db", 0)
	v.SetDefault("jobs.redis.prefix", "vidgen:")

	v.SetDefault("storage.backend", StorageBackendFile)
	v.SetDefault("storage.folder", "user-videos")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.profile", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("storage.s3.public_base_url", "")
	v.SetDefault("storage.minio.endpoint", "")
	v.SetDefault("storage.minio.access_key", "")
	v.SetDefault("storage.minio.secret_key", "")
	v.SetDefault("storage.minio.bucket", "")
	v.SetDefault("storage.minio.region", "")
	v.SetDefault("storage.minio.secure", true)
	v.SetDefault("storage.minio.public_base_url", "")
	v.SetDefault("storage.file.dir", "uploads/public")
	v.SetDefault("storage.file.base_url", "")

	v.SetDefault("profile.backend", ProfileBackendNone)
	v.SetDefault("profile.sqlite.path", "data/profiles.db")
	v.SetDefault("profile.postgres.dsn", "")

	v.SetDefault("events.backend", EventsBackendNone)
	v.SetDefault("events.amqp.url", "")
	v.SetDefault("events.amqp.exchange", "video.exchange")
	v.SetDefault("events.amqp.routing_key", "video.job.{status}")

	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.max_bytes", 20<<20)
}

// Load builds the config from defaults, the config file, the environment and
// overrides (nested maps keyed like the config file). Later overrides win.
func Load(_ context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	root, err := findProjectRoot()
	if err != nil {
		return nil, err
	}
	if err := loadDotEnv(root); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, explicit, root); err != nil {
		return nil, err
	}

	id := Identity()
	v.SetEnvPrefix(id.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name, automaticEnvName(id.EnvPrefix, spec.Path)); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

func automaticEnvName(prefix, path string) string {
	return prefix + "_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func readConfigFile(v *viper.Viper, explicit, root string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	id := Identity()
	v.SetConfigName(id.ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if root != "" {
		v.AddConfigPath(root)
	}
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// loadDotEnv loads .env from the working directory, then the project root.
// Variables already set in the environment are never overridden.
func loadDotEnv(root string) error {
	candidates := []string{".env"}
	if root != "" {
		candidates = append(candidates, filepath.Join(root, ".env"))
	}
	seen := map[string]bool{}
	for _, c := range candidates {
		abs, err := filepath.Abs(c)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load %s: %w", abs, err)
		}
	}
	return nil
}

// getEnvSpecs lists the short env aliases. The long form
// <PREFIX>_<SECTION>_<KEY> is always accepted too.
func getEnvSpecs() []EnvSpec {
	id := Identity()
	if id == nil {
		return []EnvSpec{}
	}
	p := id.EnvPrefix + "_"
	specs := []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "METRICS_PORT", Path: "metrics.port"},
		{Name: p + "REDIS_ADDR", Path: "jobs.redis.addr"},
		{Name: p + "S3_BUCKET", Path: "storage.s3.bucket"},
		{Name: p + "DATABASE_URL", Path: "profile.postgres.dsn"},
		{Name: p + "AMQP_URL", Path: "events.amqp.url"},
		{Name: "PYTHON_PATH", Path: "worker.python", Legacy: true},
	}
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Path < specs[j].Path })
	return specs
}

// getUserConfigPaths returns per-user config directories, most specific first.
func getUserConfigPaths() []string {
	id := Identity()
	if id == nil {
		return []string{}
	}
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, id.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", id.ConfigName))
	}
	return paths
}

// findProjectRoot locates the directory holding go.mod or .git above the
// working directory. In CI the workspace variables bound the search when
// they are absolute, exist, and contain the working directory. Outside a
// project it returns the working directory.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	if isCI() {
		for _, name := range boundaryVars() {
			b := os.Getenv(name)
			if b == "" || !filepath.IsAbs(b) {
				continue
			}
			if st, err := os.Stat(b); err != nil || !st.IsDir() {
				continue
			}
			if !within(cwd, b) {
				continue
			}
			if root, ok := walkUp(cwd, b); ok {
				return root, nil
			}
			return filepath.Clean(b), nil
		}
	}

	if root, ok := walkUp(cwd, ""); ok {
		return root, nil
	}
	return cwd, nil
}

func isCI() bool {
	return strings.EqualFold(os.Getenv("CI"), "true") || strings.EqualFold(os.Getenv("GITHUB_ACTIONS"), "true")
}

func boundaryVars() []string {
	prefix := DefaultIdentity.EnvPrefix
	if id := Identity(); id != nil {
		prefix = id.EnvPrefix
	}
	return []string{prefix + "_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}
}

func within(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// walkUp searches from dir toward stop (inclusive) or the filesystem root.
func walkUp(dir, stop string) (string, bool) {
	for {
		for _, marker := range []string{"go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, true
			}
		}
		if stop != "" && filepath.Clean(dir) == filepath.Clean(stop) {
			return "", false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
