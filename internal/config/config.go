package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const fileName = "tasksetu.yml"

// Config models tasksetu.yml.
type Config struct {
	Remote struct {
		MongoURI string        `yaml:"mongo_uri"`
		Database string        `yaml:"database"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"remote"`
	Breaker struct {
		MaxRequests         uint32        `yaml:"max_requests"`
		Timeout             time.Duration `yaml:"timeout"`
		ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	} `yaml:"breaker"`
	Storage struct {
		RelayURL          string `yaml:"relay_url"`
		Bucket            string `yaml:"bucket"`
		PublicBase        string `yaml:"public_base"`
		ThumbnailTemplate string `yaml:"thumbnail_template"`
		Parallelism       int    `yaml:"parallelism"`
	} `yaml:"storage"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	AI struct {
		APIKey    string        `yaml:"api_key"`
		Model     string        `yaml:"model"`
		BaseURL   string        `yaml:"base_url"`
		LiveURL   string        `yaml:"live_url"`
		LiveModel string        `yaml:"live_model"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"ai"`
	Teams  TeamPolicy `yaml:"teams"`
	Outbox struct {
		Interval    time.Duration `yaml:"interval"`
		BaseBackoff time.Duration `yaml:"base_backoff"`
		MaxBackoff  time.Duration `yaml:"max_backoff"`
	} `yaml:"outbox"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// TeamPolicy holds the join code knobs.
type TeamPolicy struct {
	JoinCodeLength  int `yaml:"join_code_length"`
	JoinCodeMaxUses int `yaml:"join_code_max_uses"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Remote.Database == "" {
		c.Remote.Database = "tasksetu"
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 10 * time.Second
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = 1
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = 2 * time.Second
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 3
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "attachments"
	}
	if c.Storage.ThumbnailTemplate == "" {
		c.Storage.ThumbnailTemplate = "https://drive.google.com/thumbnail?id=%s&sz=w1000"
	}
	if c.Storage.Parallelism == 0 {
		c.Storage.Parallelism = 4
	}
	if c.AI.Model == "" {
		c.AI.Model = "gemini-2.5-flash"
	}
	if c.AI.BaseURL == "" {
		c.AI.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if c.AI.LiveURL == "" {
		c.AI.LiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
	}
	if c.AI.LiveModel == "" {
		c.AI.LiveModel = "models/gemini-2.0-flash-exp"
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = 60 * time.Second
	}
	if c.Teams.JoinCodeLength == 0 {
		c.Teams.JoinCodeLength = 6
	}
	if c.Teams.JoinCodeMaxUses == 0 {
		c.Teams.JoinCodeMaxUses = 3
	}
	if c.Outbox.Interval == 0 {
		c.Outbox.Interval = 5 * time.Second
	}
	if c.Outbox.BaseBackoff == 0 {
		c.Outbox.BaseBackoff = 2 * time.Second
	}
	if c.Outbox.MaxBackoff == 0 {
		c.Outbox.MaxBackoff = 5 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Teams.JoinCodeLength < 4 || c.Teams.JoinCodeLength > 16 {
		return fmt.Errorf("teams.join_code_length must be between 4 and 16")
	}
	if c.Teams.JoinCodeMaxUses < 1 {
		return fmt.Errorf("teams.join_code_max_uses must be positive")
	}
	if c.Remote.MongoURI != "" && !strings.HasPrefix(c.Remote.MongoURI, "mongodb://") && !strings.HasPrefix(c.Remote.MongoURI, "mongodb+srv://") {
		return fmt.Errorf("remote.mongo_uri must be a mongodb:// or mongodb+srv:// uri")
	}
	if c.Storage.RelayURL != "" && !strings.HasPrefix(c.Storage.RelayURL, "http") {
		return fmt.Errorf("storage.relay_url must be an http(s) url")
	}
	if !strings.Contains(c.Storage.ThumbnailTemplate, "%s") {
		return fmt.Errorf("storage.thumbnail_template must contain %%s")
	}
	if c.Outbox.MaxBackoff < c.Outbox.BaseBackoff {
		return fmt.Errorf("outbox.max_backoff must be >= outbox.base_backoff")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns a starter config file.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `# tasksetu client configuration
remote:
  mongo_uri: ""          # empty runs against the local mirror only
  database: tasksetu
  timeout: 10s

breaker:
  max_requests: 1
  timeout: 2s
  consecutive_failures: 3

storage:
  relay_url: ""          # hosted upload script endpoint
  bucket: attachments    # GridFS bucket used when no relay is set
  public_base: ""

auth:
  jwt_secret: ""         # empty enables demo sign-in

ai:
  api_key: ""
  model: gemini-2.5-flash

teams:
  join_code_length: 6
  join_code_max_uses: 3

outbox:
  interval: 5s
  base_backoff: 2s
  max_backoff: 5m

log:
  level: info
  file: ""
`
