package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/dztiler/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. DZTILER_DATA_DIR or
// DZTILER_SERVER_LISTEN.
const EnvPrefix = "DZTILER"

// Config is the top-level daemon configuration.
type Config struct {
	DataDir          string        `mapstructure:"data_dir"`
	SourceExtensions []string      `mapstructure:"source_extensions"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	ScanBackoff      time.Duration `mapstructure:"scan_backoff"`
	StageTimeout     time.Duration `mapstructure:"stage_timeout"`
	// Workers bounds concurrent pipeline runs; 0 starts every run immediately.
	Workers int `mapstructure:"workers"`

	Tool    ToolConfig    `mapstructure:"tool"`
	Log     logger.Config `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
}

// ToolConfig configures the external conversion tool.
type ToolConfig struct {
	Vips        string `mapstructure:"vips"`
	TileSize    int    `mapstructure:"tile_size"`
	Overlap     int    `mapstructure:"overlap"`
	Depth       string `mapstructure:"depth"`
	JPEGQuality int    `mapstructure:"jpeg_quality"`
	Compression string `mapstructure:"compression"`
	// SampleInterval controls how often the tool's resource usage is sampled; 0 disables sampling.
	SampleInterval time.Duration `mapstructure:"sample_interval"`

	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`
}

type ServerConfig struct {
	Listen    string `mapstructure:"listen"`
	BasePath  string `mapstructure:"base_path"`
	JWTSecret string `mapstructure:"jwt_secret"`
	TLSCert   string `mapstructure:"tls_cert"`
	TLSKey    string `mapstructure:"tls_key"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen is a separate metrics address; empty mounts /metrics on the API listener.
	Listen string `mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Sinks are DSNs understood by history/factory (sqlite, postgres, clickhouse, opensearch).
	Sinks []string `mapstructure:"sinks"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/data")
	v.SetDefault("source_extensions", []string{".jp2"})
	v.SetDefault("scan_interval", 5*time.Second)
	v.SetDefault("scan_backoff", 15*time.Second)
	v.SetDefault("stage_timeout", time.Hour)
	v.SetDefault("workers", 0)

	v.SetDefault("tool.vips", "vips")
	v.SetDefault("tool.tile_size", 512)
	v.SetDefault("tool.overlap", 1)
	v.SetDefault("tool.depth", "onepixel")
	v.SetDefault("tool.jpeg_quality", 90)
	v.SetDefault("tool.compression", "lzw")
	v.SetDefault("tool.sample_interval", 2*time.Second)
	v.SetDefault("tool.use_os_env", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.tool_dir", "")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("history.enabled", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() (*Config, error) {
	return decode(newViper())
}

// Load reads the config file at path. The format is taken from the file
// extension (toml, yaml, json); files without a known extension are read as TOML.
// Relative data_dir and log paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	v := newViper()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
	default:
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	c.DataDir = resolve(base, c.DataDir)
	c.Log.File.Path = resolve(base, c.Log.File.Path)
	c.Log.ToolDir = resolve(base, c.Log.ToolDir)
	for i, f := range c.Tool.EnvFiles {
		c.Tool.EnvFiles[i] = resolve(base, f)
	}
	return c, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, errors.New("scan_interval must be > 0"))
	}
	if c.ScanBackoff <= 0 {
		errs = append(errs, errors.New("scan_backoff must be > 0"))
	}
	if c.StageTimeout <= 0 {
		errs = append(errs, errors.New("stage_timeout must be > 0"))
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must be >= 0"))
	}
	if c.Tool.Vips == "" {
		errs = append(errs, errors.New("tool.vips is required"))
	}
	if c.Tool.TileSize <= 0 {
		errs = append(errs, errors.New("tool.tile_size must be > 0"))
	}
	if c.Tool.Overlap < 0 {
		errs = append(errs, errors.New("tool.overlap must be >= 0"))
	}
	if c.Tool.JPEGQuality < 1 || c.Tool.JPEGQuality > 100 {
		errs = append(errs, errors.New("tool.jpeg_quality must be within 1..100"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		errs = append(errs, errors.New("history.enabled requires at least one sink"))
	}
	return errors.Join(errs...)
}

// ToolEnv merges the tool environment: OS env (when enabled) provides the
// base, env_files are applied in order, and the env list overrides last.
func (t ToolConfig) ToolEnv() ([]string, error) {
	m := make(map[string]string)
	if t.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range t.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range t.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
