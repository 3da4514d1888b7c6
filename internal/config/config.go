// Package config loads and validates the buildhost configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	History   HistoryConfig   `yaml:"history"`
	Hub       HubConfig       `yaml:"hub"`
	Logging   LoggingConfig   `yaml:"logging"`
	Notify    NotifyConfig    `yaml:"notify"`
	Server    ServerConfig    `yaml:"server"`
	Tasks     TasksConfig     `yaml:"tasks"`
}

// WorkspaceConfig controls where build working directories are created.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// HistoryConfig configures the run history store.
type HistoryConfig struct {
	// Path is the sqlite database file; ":memory:" for ephemeral storage.
	Path string `yaml:"path"`
}

// HubConfig tunes the live log stream hub. The drop-oldest eviction policy
// itself is fixed; capacity and consumer wait are operator-adjustable.
type HubConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	ConsumeWait   time.Duration `yaml:"consume_wait"`
}

// NotifyConfig configures run-completion notifications over NATS.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ServerConfig configures the daemon HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// TasksConfig points at the task definitions file.
type TasksConfig struct {
	Path string `yaml:"path"`
	// Watch reloads task definitions when the file changes (daemon mode).
	Watch bool `yaml:"watch"`
}

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env if present; its absence is not an error.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment variables from .env")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Workspace.Root == "" {
		c.Workspace.Root = "./builds"
	}
	if c.History.Path == "" {
		c.History.Path = "./buildhost.db"
	}
	if c.Hub.QueueCapacity <= 0 {
		c.Hub.QueueCapacity = 20000
	}
	if c.Hub.ConsumeWait <= 0 {
		c.Hub.ConsumeWait = time.Second
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Tasks.Path == "" {
		c.Tasks.Path = "./tasks.yaml"
	}
	if c.Notify.Subject == "" {
		c.Notify.Subject = "buildhost.runs.complete"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = LogLevelInfo
	}
	if c.Logging.Format == "" {
		c.Logging.Format = LogFormatText
	}
}

func (c *Config) validate() error {
	if c.Notify.Enabled && c.Notify.URL == "" {
		return fmt.Errorf("notify.url is required when notifications are enabled")
	}
	return nil
}

// Init creates a new configuration file with example content.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}
	return os.WriteFile(configPath, []byte(exampleConfig), 0o644)
}

const exampleConfig = `# buildhost configuration
workspace:
  root: ./builds

history:
  path: ./buildhost.db

hub:
  queue_capacity: 20000
  consume_wait: 1s

logging:
  level: info
  format: text

notify:
  enabled: false
  url: nats://localhost:4222
  subject: buildhost.runs.complete

server:
  addr: :8080

tasks:
  path: ./tasks.yaml
  watch: true
`
