package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	configPathEnv = "BOLLIPI_CONFIG"
	geminiKeyEnv  = "GEMINI_API_KEY"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

type ProviderConfig struct {
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
	TTSModel string `json:"tts_model"`
	Voice    string `json:"voice"`
	APIKey   string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress      string `json:"server_address"`
	DatabaseDriver     string `json:"database_driver"`
	DefaultLanguage    string `json:"default_language"`
	MaxRetries         int    `json:"max_retries"`
	SessionIdleTimeout int    `json:"session_idle_timeout"` // minutes
	TokenTTL           int    `json:"token_ttl"`            // hours
	Workers            int    `json:"workers"`
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
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Gemini returns the gemini provider block with environment overrides applied.
func (c *Config) Gemini() ProviderConfig {
	prov := c.Providers["gemini"]
	if key := strings.TrimSpace(os.Getenv(geminiKeyEnv)); key != "" {
		prov.APIKey = key
	}
	if prov.Model == "" {
		prov.Model = "gemini-3-flash-preview"
	}
	if prov.TTSModel == "" {
		prov.TTSModel = "gemini-2.5-flash-preview-tts"
	}
	if prov.Voice == "" {
		prov.Voice = "Kore"
	}
	return prov
}

// PathFromEnv returns the config path named by BOLLIPI_CONFIG, if any.
func PathFromEnv() string {
	return os.Getenv(configPathEnv)
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()

	driver := cfg.BasicConfig.DatabaseDriver
	dbCfg, ok := cfg.Databases[driver]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", driver)
	}
	if isSQLite(driver) {
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be configured")
		}
		if dbCfg.DSN != ":memory:" && !strings.HasPrefix(dbCfg.DSN, "file:") && !filepath.IsAbs(dbCfg.DSN) {
			dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
			cfg.Databases[driver] = dbCfg
		}
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.DatabaseDriver == "" {
		c.BasicConfig.DatabaseDriver = "sqlite3"
	}
	if c.BasicConfig.DefaultLanguage == "" {
		c.BasicConfig.DefaultLanguage = "hi-IN"
	}
	if c.BasicConfig.MaxRetries <= 0 {
		c.BasicConfig.MaxRetries = 3
	}
	if c.BasicConfig.SessionIdleTimeout <= 0 {
		c.BasicConfig.SessionIdleTimeout = 30
	}
	if c.BasicConfig.TokenTTL <= 0 {
		c.BasicConfig.TokenTTL = 24
	}
	if c.BasicConfig.Workers <= 0 {
		c.BasicConfig.Workers = 4
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
}

func isSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "sqlite" || d == "sqlite3"
}
