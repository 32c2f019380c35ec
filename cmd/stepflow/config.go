package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/stepflow/internal/plugins"
	"github.com/rendis/stepflow/internal/streaming"
)

// Config holds all stepflow server configuration.
// Priority: STEPFLOW_* env vars > stepflow.yaml > defaults.
type Config struct {
	DB struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	PoolSize       int    `mapstructure:"pool_size"`
	MaxOutputDepth int    `mapstructure:"max_output_depth"`
	Scheduler      struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"scheduler"`
	Vault struct {
		Passphrase string `mapstructure:"passphrase"`
		Salt       string `mapstructure:"salt"`
	} `mapstructure:"vault"`
	LLM struct {
		BaseURL string `mapstructure:"base_url"`
		APIKey  string `mapstructure:"api_key"`
		Model   string `mapstructure:"model"`
	} `mapstructure:"llm"`
	Processing struct {
		// ClaimLease is how long an unfinished record claim blocks other
		// executions.
		ClaimLease time.Duration `mapstructure:"claim_lease"`
	} `mapstructure:"processing"`
	Breaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		Cooldown         time.Duration `mapstructure:"cooldown"`
	} `mapstructure:"breaker"`
	MCP struct {
		Enabled bool `mapstructure:"enabled"`
		// Transport is stdio or http. http mounts the server at /mcp of the
		// HTTP API.
		Transport string `mapstructure:"transport"`
	} `mapstructure:"mcp"`
	HTTP struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"http"`
	Events struct {
		// RedisURL switches the event hub from in-process to Redis pub/sub.
		RedisURL string `mapstructure:"redis_url"`
		Channel  string `mapstructure:"channel"`
	} `mapstructure:"events"`
	// Plugins are MCP servers whose tools become actions.
	Plugins []plugins.Config `mapstructure:"plugins"`
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", "libsql")
	v.SetDefault("db.dsn", "file:"+filepath.Join(stepflowDir(), "stepflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("pool_size", 10)
	v.SetDefault("max_output_depth", 0)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("vault.passphrase", "")
	v.SetDefault("vault.salt", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("processing.claim_lease", "1h")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.transport", "stdio")
	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("events.redis_url", "")
	v.SetDefault("events.channel", streaming.DefaultRedisChannel)
}

// loadConfig reads configuration from path, or from stepflow.yaml in the
// working directory or ~/.stepflow when path is empty. A missing default
// config file is not an error.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STEPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stepflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(stepflowDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
