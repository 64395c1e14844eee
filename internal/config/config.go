// Package config handles almanac configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/almanac/config.yaml, /etc/almanac/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "almanac", "config.yaml"))
	}

	paths = append(paths, "/etc/almanac/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all almanac configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Storage   StorageConfig   `yaml:"storage"`
	CalDAV    CalDAVConfig    `yaml:"caldav"`
	Agent     AgentConfig     `yaml:"agent"`
	Router    RouterConfig    `yaml:"router"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Users     []UserConfig    `yaml:"users"`

	// Timezone is the IANA zone calendar times are read and shown in
	// when the model does not name one. Empty means the host zone.
	Timezone  string `yaml:"timezone"`
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines which models are available and where.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig names one model and the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama or anthropic
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Storage drivers.
const (
	DriverSQLite3  = "sqlite3"  // github.com/mattn/go-sqlite3 (cgo)
	DriverSQLite   = "sqlite"   // modernc.org/sqlite (pure Go)
	DriverPostgres = "postgres" // github.com/jackc/pgx/v5
)

// StorageConfig selects the conversation store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite database file. Defaults to almanac.db in DataDir.
	Path string `yaml:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
}

// CalDAVConfig locates the calendar. When URL is empty an in-memory
// calendar is used.
type CalDAVConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Calendar string `yaml:"calendar"`
}

// AgentConfig bounds the turn loop.
type AgentConfig struct {
	// MaxRounds caps model invocations per turn. 0 means unlimited.
	MaxRounds   int `yaml:"max_rounds"`
	MaxParallel int `yaml:"max_parallel"`
	// PersonaFile replaces the built-in operating instructions for new
	// sessions.
	PersonaFile string `yaml:"persona_file"`
}

// RouterConfig controls session workers.
type RouterConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// MQTTConfig enables event forwarding to an MQTT broker. Empty Broker
// disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	// User is the almanac user that messages arriving over MQTT act as.
	User string `yaml:"user"`
	// PublishInterval is how often the status summary is published.
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether MQTT is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// UserConfig is one API user. TokenHash is a bcrypt hash produced by
// `almanac hash-token`.
type UserConfig struct {
	ID        string `yaml:"id"`
	TokenHash string `yaml:"token_hash"`
}

// Load reads configuration from a YAML file on top of Default, expands
// environment variables, fills derived defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := expandEnv(string(data))

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := defaults()
	cfg.applyDefaults()
	return cfg
}

// defaults holds the values a config file starts from. Fields derived
// from other fields are left empty until applyDefaults.
func defaults() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
		},
		Storage: StorageConfig{Driver: DriverSQLite3},
		Agent: AgentConfig{
			MaxRounds:   25,
			MaxParallel: 8,
		},
		Router: RouterConfig{IdleTimeout: 30 * time.Minute},
		MQTT: MQTTConfig{
			TopicPrefix:     "almanac",
			User:            "local",
			PublishInterval: time.Minute,
		},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// applyDefaults expands "~" in path settings and fills values derived
// from other fields.
func (c *Config) applyDefaults() {
	c.DataDir = expandHome(c.DataDir)
	c.Storage.Path = expandHome(c.Storage.Path)
	c.Agent.PersonaFile = expandHome(c.Agent.PersonaFile)

	if c.Storage.Path == "" && c.Storage.Driver != DriverPostgres {
		c.Storage.Path = filepath.Join(c.DataDir, "almanac.db")
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "almanac"
	}
	if c.MQTT.User == "" {
		c.MQTT.User = "local"
	}
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// ProviderFor returns the provider configured for model, or "ollama"
// when the model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model && m.Provider != "" {
			return m.Provider
		}
	}
	return "ollama"
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		add("listen.port %d out of range", c.Listen.Port)
	}

	if c.Models.Default == "" {
		add("models.default is required")
	}
	usesAnthropic := c.ProviderFor(c.Models.Default) == "anthropic"
	for i, m := range c.Models.Available {
		if m.Name == "" {
			add("models.available[%d]: name is required", i)
		}
		switch m.Provider {
		case "", "ollama":
		case "anthropic":
			usesAnthropic = true
		default:
			add("models.available[%d]: unknown provider %q", i, m.Provider)
		}
	}
	if usesAnthropic && c.Anthropic.APIKey == "" {
		add("anthropic.api_key is required when an anthropic model is configured")
	}

	switch c.Storage.Driver {
	case DriverSQLite3, DriverSQLite:
		if c.Storage.Path == "" {
			add("storage.path is required for driver %s", c.Storage.Driver)
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			add("storage.dsn is required for driver postgres")
		}
	default:
		add("storage.driver %q is not one of sqlite3, sqlite, postgres", c.Storage.Driver)
	}

	if c.CalDAV.URL != "" {
		if err := checkURL(c.CalDAV.URL, "http", "https"); err != nil {
			add("caldav.url: %w", err)
		}
	}

	if c.Agent.MaxRounds < 0 {
		add("agent.max_rounds must not be negative")
	}
	if c.Agent.MaxParallel < 1 {
		add("agent.max_parallel must be at least 1")
	}
	if c.Router.IdleTimeout <= 0 {
		add("router.idle_timeout must be positive")
	}

	if c.MQTT.Configured() {
		if err := checkURL(c.MQTT.Broker, "mqtt", "mqtts", "tcp", "ssl", "ws", "wss"); err != nil {
			add("mqtt.broker: %w", err)
		}
		if c.MQTT.PublishInterval <= 0 {
			add("mqtt.publish_interval must be positive")
		}
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.ID == "" || u.TokenHash == "" {
			add("users[%d]: id and token_hash are required", i)
			continue
		}
		if seen[u.ID] {
			add("users[%d]: duplicate id %q", i, u.ID)
		}
		seen[u.ID] = true
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			add("timezone: %w", err)
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		add("log_level: %w", err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		add("log_format %q is not text or json", c.LogFormat)
	}

	return errors.Join(errs...)
}

// expandEnv substitutes $VAR and ${VAR} from the environment. References
// to unset variables are left as written so bcrypt hashes ("$2a$10$...")
// survive.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "$" + name
	})
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q not one of %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
