package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LogConfig                  `yaml:"log"`
	Store       StoreConfig                `yaml:"store"`
	NATS        NATSConfig                 `yaml:"nats"`
	Web         WebConfig                  `yaml:"web"`
	Telegram    TelegramConfig             `yaml:"telegram"`
	Scheduler   SchedulerConfig            `yaml:"scheduler"`
	Archive     ArchiveConfig              `yaml:"archive"`
	Vault       VaultConfig                `yaml:"vault"`
	Providers   map[string]ProviderConfig  `yaml:"providers"`
	Classifier  ClassifierConfig           `yaml:"classifier"`
	Defaults    DefaultsConfig             `yaml:"defaults"`
	Departments []DepartmentConfig         `yaml:"departments"`
	Agents      map[string]AgentDefinition `yaml:"agents"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token"`
	AllowFrom []int64 `yaml:"allow_from"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// StaleAfterTicks moves a chain to failed once it has spent this many
	// ticks in one stage without any of its batches finishing. 0 disables it.
	StaleAfterTicks int           `yaml:"stale_after_ticks"`
	PruneCron       string        `yaml:"prune_cron"`
	History         time.Duration `yaml:"history"`
}

type ArchiveConfig struct {
	Path string `yaml:"path"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// ProviderConfig describes one batch backend. Models lists the model name
// prefixes routed to it; an empty APIKey disables the provider.
type ProviderConfig struct {
	Type      string   `yaml:"type"` // "anthropic" or "openai"
	APIKey    string   `yaml:"api_key"`
	BaseURL   string   `yaml:"base_url"`
	Models    []string `yaml:"models"`
	RateLimit float64  `yaml:"rate_limit"` // calls per second, 0 = unlimited
}

type ClassifierConfig struct {
	Model         string `yaml:"model"`
	FallbackAgent string `yaml:"fallback_agent"`
}

type DefaultsConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
	BasePath  string `yaml:"base_path"`
}

// DepartmentConfig is a department head and its specialists. The order of
// departments in the file is their keyword-matching priority.
type DepartmentConfig struct {
	ID          string   `yaml:"id"`
	Keywords    []string `yaml:"keywords"`
	Specialists []string `yaml:"specialists"`
}

type AgentDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Model       string `yaml:"model"`
	Persona     string `yaml:"persona"`
	PersonaFile string `yaml:"persona_file"`
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Path: "data/batchchain.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 60 * time.Second,
			PruneCron:    "0 3 * * *",
			History:      30 * 24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Path: "data/archive",
		},
		Defaults: DefaultsConfig{
			Model:     "claude-haiku-4-5-20251001",
			MaxTokens: 4096,
			BasePath:  "agents",
		},
		Classifier: ClassifierConfig{
			Model: "claude-haiku-4-5-20251001",
		},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("BATCHCHAIN_CONFIG"); p != "" {
		return p
	}
	return "config/batchchain.yaml"
}

func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads the config at path, falling back to defaults when the file
// does not exist. Environment overrides are applied last.
func LoadFrom(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross references between departments and agents.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Departments))
	for _, d := range c.Departments {
		if d.ID == "" {
			return fmt.Errorf("department with empty id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate department %q", d.ID)
		}
		seen[d.ID] = true
	}
	if fb := c.Classifier.FallbackAgent; fb != "" && len(c.Departments) > 0 && !seen[fb] {
		return fmt.Errorf("fallback agent %q is not a department", fb)
	}
	for name, p := range c.Providers {
		switch p.Type {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("provider %s: unknown type %q", name, p.Type)
		}
	}
	return nil
}

// FallbackDepartment is the department used when classification cannot
// decide: the configured fallback agent, else the first department.
func (c *Config) FallbackDepartment() string {
	if c.Classifier.FallbackAgent != "" {
		return c.Classifier.FallbackAgent
	}
	if len(c.Departments) > 0 {
		return c.Departments[0].ID
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BATCHCHAIN_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		setProviderKey(cfg, "anthropic", v)
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		setProviderKey(cfg, "openai", v)
	}
	if v := os.Getenv("BATCHCHAIN_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("BATCHCHAIN_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("BATCHCHAIN_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("BATCHCHAIN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("BATCHCHAIN_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("BATCHCHAIN_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("BATCHCHAIN_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.PollInterval = d
		}
	}
}

// setProviderKey sets the key on the provider of the given type, creating a
// provider entry named after the type when none exists.
func setProviderKey(cfg *Config, typ, key string) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for name, p := range cfg.Providers {
		if p.Type == typ {
			p.APIKey = key
			cfg.Providers[name] = p
			return
		}
	}
	p := ProviderConfig{Type: typ, APIKey: key}
	switch typ {
	case "anthropic":
		p.Models = []string{"claude-"}
	case "openai":
		p.Models = []string{"gpt-", "o1", "o3", "o4"}
	}
	cfg.Providers[typ] = p
}
