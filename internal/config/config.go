package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. WAFP_HTTP_PORT.
const EnvPrefix = "WAFP"

// Config captures runtime configuration from an optional YAML file and the environment.
type Config struct {
	Environment  string
	HTTPPort     string
	DataDir      string
	DatabasePath string
	FrontendDir  string
	JWTSecret    string
	Debug        bool

	Cluster ClusterConfig
	Nginx   NginxConfig
}

// ClusterConfig tunes the sync engine.
type ClusterConfig struct {
	DefaultSlavePort           int
	DefaultSyncIntervalSeconds int
	ConnectTimeout             time.Duration
	TransferTimeout            time.Duration
	LivenessInterval           time.Duration
	StaleAfter                 time.Duration
	PushConcurrency            int
	ConnectRetries             int
	// ScheduledPush makes the master push on every slave's interval instead
	// of only health-checking it.
	ScheduledPush bool
}

// NginxConfig locates the proxy binary and its generated configuration.
type NginxConfig struct {
	ConfigDir  string
	Binary     string
	TestArgs   []string
	ReloadArgs []string
	// CRSInclude is the Include glob for the OWASP Core Rule Set.
	CRSInclude string
	Disabled   bool
}

// Load reads the config file named by WAFP_CONFIG (or ./config.yaml when
// present), overlays environment variables and falls back to defaults so
// the server can boot with zero configuration.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	dataDir := v.GetString("data_dir")
	dbPath := v.GetString("db_path")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "wafportal.db")
	}
	nginxDir := v.GetString("nginx.config_dir")
	if nginxDir == "" {
		nginxDir = filepath.Join(dataDir, "nginx")
	}

	cfg := Config{
		Environment:  v.GetString("env"),
		HTTPPort:     v.GetString("http_port"),
		DataDir:      dataDir,
		DatabasePath: dbPath,
		FrontendDir:  v.GetString("frontend_dir"),
		JWTSecret:    v.GetString("jwt_secret"),
		Debug:        v.GetBool("debug"),
		Cluster: ClusterConfig{
			DefaultSlavePort:           v.GetInt("cluster.default_slave_port"),
			DefaultSyncIntervalSeconds: v.GetInt("cluster.default_sync_interval_seconds"),
			ConnectTimeout:             v.GetDuration("cluster.connect_timeout"),
			TransferTimeout:            v.GetDuration("cluster.transfer_timeout"),
			LivenessInterval:           v.GetDuration("cluster.liveness_interval"),
			StaleAfter:                 v.GetDuration("cluster.stale_after"),
			PushConcurrency:            v.GetInt("cluster.push_concurrency"),
			ConnectRetries:             v.GetInt("cluster.connect_retries"),
			ScheduledPush:              v.GetBool("cluster.scheduled_push"),
		},
		Nginx: NginxConfig{
			ConfigDir:  nginxDir,
			Binary:     v.GetString("nginx.binary"),
			TestArgs:   v.GetStringSlice("nginx.test_args"),
			ReloadArgs: v.GetStringSlice("nginx.reload_args"),
			CRSInclude: v.GetString("nginx.crs_include"),
			Disabled:   v.GetBool("nginx.disabled"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("http_port", "8080")
	v.SetDefault("data_dir", "data")
	v.SetDefault("db_path", "")
	v.SetDefault("frontend_dir", filepath.Clean(filepath.Join("..", "frontend", "dist")))
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("debug", false)

	v.SetDefault("cluster.default_slave_port", 8080)
	v.SetDefault("cluster.default_sync_interval_seconds", 60)
	v.SetDefault("cluster.connect_timeout", 5*time.Second)
	v.SetDefault("cluster.transfer_timeout", 30*time.Second)
	v.SetDefault("cluster.liveness_interval", time.Minute)
	v.SetDefault("cluster.stale_after", 5*time.Minute)
	v.SetDefault("cluster.push_concurrency", 8)
	v.SetDefault("cluster.connect_retries", 3)
	v.SetDefault("cluster.scheduled_push", false)

	v.SetDefault("nginx.config_dir", "")
	v.SetDefault("nginx.binary", "nginx")
	v.SetDefault("nginx.test_args", []string{"-t"})
	v.SetDefault("nginx.reload_args", []string{"-s", "reload"})
	v.SetDefault("nginx.crs_include", "/usr/share/modsecurity-crs/rules/*.conf")
	v.SetDefault("nginx.disabled", false)
}

// Validate rejects settings the sync engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Cluster.DefaultSlavePort < 1 || c.Cluster.DefaultSlavePort > 65535:
		return fmt.Errorf("cluster.default_slave_port must be between 1 and 65535")
	case c.Cluster.DefaultSyncIntervalSeconds < 10:
		return fmt.Errorf("cluster.default_sync_interval_seconds must be at least 10")
	case c.Cluster.ConnectTimeout <= 0 || c.Cluster.TransferTimeout <= 0:
		return fmt.Errorf("cluster timeouts must be positive")
	case c.Cluster.StaleAfter <= c.Cluster.LivenessInterval:
		return fmt.Errorf("cluster.stale_after must be longer than cluster.liveness_interval")
	case c.Cluster.PushConcurrency < 1:
		return fmt.Errorf("cluster.push_concurrency must be at least 1")
	}
	return nil
}

// LogDir is where rotated log files are written.
func (c Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// LockPath is the single-instance lock file for the serve command.
func (c Config) LockPath() string {
	return filepath.Join(c.DataDir, "engine.lock")
}
