package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Model       ModelConfig               `json:"model"`
	Memory      MemoryConfig              `json:"memory"`
	Log         LogConfig                 `json:"log"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// ModelConfig selects the provider entry that backs the conversation engine.
type ModelConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	Database          string `json:"database"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"` // minutes
	TokenTTL          int    `json:"token_ttl"`           // hours
	TokenCleanup      int    `json:"token_cleanup"`       // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// MemoryConfig holds the compaction knobs. Both thresholds are settable from
// the config file or the environment.
type MemoryConfig struct {
	SummarizeThreshold  int `json:"summarize_threshold"`
	PreserveTail        int `json:"preserve_tail"`
	ThreadNameLimit     int `json:"thread_name_limit"`
	ReplyTimeoutSeconds int `json:"reply_timeout_seconds"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:     ":8090",
			Database:          "sqlite3",
			MinWorkers:        2,
			MaxWorkers:        16,
			QueueSize:         64,
			WorkerIdleTimeout: 5,
			TokenTTL:          24,
			TokenCleanup:      60,
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "memochat.db"},
		},
		Redis: RedisConfig{
			Host: "127.0.0.1",
			Port: 6379,
		},
		Providers: map[string]ProviderConfig{},
		Model: ModelConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
		},
		Memory: MemoryConfig{
			SummarizeThreshold:  6,
			PreserveTail:        2,
			ThreadNameLimit:     30,
			ReplyTimeoutSeconds: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is not an error; values then come from defaults and
// the environment.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	explicit := path != ""
	if !explicit {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize(filepath.Dir(absPath))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("MEMOCHAT_DB")); v != "" {
		c.BasicConfig.Database = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMOCHAT_ADDR")); v != "" {
		c.BasicConfig.ServerAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMOCHAT_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMOCHAT_MODEL_PROVIDER")); v != "" {
		c.Model.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMOCHAT_MODEL")); v != "" {
		c.Model.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMOCHAT_API_KEY")); v != "" {
		prov := c.Providers[c.Model.Provider]
		prov.APIKey = v
		if c.Providers == nil {
			c.Providers = make(map[string]ProviderConfig)
		}
		c.Providers[c.Model.Provider] = prov
	}
	ints := []struct {
		env string
		dst *int
	}{
		{"MEMOCHAT_SUMMARIZE_THRESHOLD", &c.Memory.SummarizeThreshold},
		{"MEMOCHAT_PRESERVE_TAIL", &c.Memory.PreserveTail},
		{"MEMOCHAT_THREAD_NAME_LIMIT", &c.Memory.ThreadNameLimit},
	}
	for _, it := range ints {
		raw := strings.TrimSpace(os.Getenv(it.env))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", it.env, err)
		}
		*it.dst = n
	}
	if v := strings.TrimSpace(os.Getenv("MEMOCHAT_REDIS_ADDR")); v != "" {
		host, port, ok := strings.Cut(v, ":")
		c.Redis.Enabled = true
		c.Redis.Host = host
		if ok {
			p, err := strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("parse MEMOCHAT_REDIS_ADDR: %w", err)
			}
			c.Redis.Port = p
		}
	}
	return nil
}

func (c *Config) normalize(baseDir string) {
	c.BasicConfig.Database = strings.ToLower(strings.TrimSpace(c.BasicConfig.Database))
	if c.BasicConfig.Database == "sqlite" {
		c.BasicConfig.Database = "sqlite3"
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers
	}
	if c.Memory.ThreadNameLimit <= 0 {
		c.Memory.ThreadNameLimit = 30
	}
	if c.Memory.ReplyTimeoutSeconds <= 0 {
		c.Memory.ReplyTimeoutSeconds = 120
	}
	if db, ok := c.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" &&
		!strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(baseDir, db.DSN)
		c.Databases["sqlite3"] = db
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
	}
	if c.Memory.SummarizeThreshold < 1 {
		return fmt.Errorf("summarize_threshold must be at least 1, got %d", c.Memory.SummarizeThreshold)
	}
	if c.Memory.PreserveTail < 0 || c.Memory.PreserveTail > c.Memory.SummarizeThreshold {
		return fmt.Errorf("preserve_tail must be between 0 and summarize_threshold, got %d", c.Memory.PreserveTail)
	}
	return nil
}
