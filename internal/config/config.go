package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fleetwatch/internal/domain"
)

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = "fleetwatch.yml"

// Config models fleetwatch.yml.
type Config struct {
	Site struct {
		Name     string `yaml:"name"`
		Timezone string `yaml:"timezone" validate:"required"`
	} `yaml:"site"`
	Store struct {
		Path string `yaml:"path" validate:"required"`
	} `yaml:"store"`
	Source    SourceConfig    `yaml:"source"`
	Sync      SyncConfig      `yaml:"sync"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Retention RetentionConfig `yaml:"retention"`
	Mapping   MappingConfig   `yaml:"mapping"`
	Webhooks  []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

type SourceConfig struct {
	Driver          string        `yaml:"driver" validate:"required"`
	DSN             string        `yaml:"dsn"`
	Query           string        `yaml:"query"`
	QueryTimeout    time.Duration `yaml:"query_timeout" validate:"gt=0"`
	LegacyCharset   string        `yaml:"legacy_charset" validate:"oneof=windows-1251 none"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type SyncConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval" validate:"gt=0"`
	ArchiveOnAbsence bool          `yaml:"archive_on_absence"`
	Lock             struct {
		RedisAddr string        `yaml:"redis_addr"`
		Key       string        `yaml:"key"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"lock"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr" validate:"required"`
	BasePath    string   `yaml:"base_path"`
	CORSOrigins []string `yaml:"cors_origins"`
	PublicReads bool     `yaml:"public_reads"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl" validate:"gt=0"`
}

type RetentionConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval" validate:"gt=0"`
	ArchivedMirrorDays int           `yaml:"archived_mirror_days" validate:"gte=1"`
	SyncRunDays        int           `yaml:"sync_run_days" validate:"gte=1"`
}

// WebhookConfig posts history entries to an external endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	Actions        []string `yaml:"actions,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" validate:"gte=0"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// MappingConfig overrides or extends the built-in status mapping tables.
type MappingConfig struct {
	StatusCodes    map[int]string    `yaml:"status_codes"`
	ReasonTexts    map[string]string `yaml:"reason_texts"`
	ReasonSections map[string]string `yaml:"reason_sections"`
	TypePrefixes   map[string]string `yaml:"type_prefixes"`
	TypeSections   map[string]string `yaml:"type_sections"`
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config.%s failed %s validation", yamlPath(fe.Namespace()), fe.Tag())
		}
		return err
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		return fmt.Errorf("config.site.timezone %q is not a valid IANA zone", c.Site.Timezone)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Sync.Lock.RedisAddr != "" && c.Sync.Lock.TTL <= 0 {
		return fmt.Errorf("config.sync.lock.ttl is required when redis_addr is set")
	}
	for code, name := range c.Mapping.StatusCodes {
		if _, ok := domain.ParseStatus(name); !ok {
			return fmt.Errorf("config.mapping.status_codes[%d] has unknown status %q", code, name)
		}
	}
	for reason, text := range c.Mapping.ReasonTexts {
		if strings.TrimSpace(reason) == "" || strings.TrimSpace(text) == "" {
			return fmt.Errorf("config.mapping.reason_texts has empty entry")
		}
	}
	for prefix := range c.Mapping.TypePrefixes {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("config.mapping.type_prefixes has empty prefix")
		}
	}
	return nil
}

// Location returns the site timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load reads and validates config from path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML renders the config, masking secrets.
func (c *Config) ToYAML() ([]byte, error) {
	masked := *c
	if masked.Source.DSN != "" {
		masked.Source.DSN = "***"
	}
	if masked.Auth.JWTSecret != "" {
		masked.Auth.JWTSecret = "***"
	}
	masked.Webhooks = make([]WebhookConfig, len(c.Webhooks))
	for i, w := range c.Webhooks {
		if w.Secret != "" {
			w.Secret = "***"
		}
		masked.Webhooks[i] = w
	}
	return yaml.Marshal(&masked)
}

// yamlPath turns "Config.Sync.Interval" into "sync.interval".
func yamlPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

const defaultTemplate = `site:
  name: open-pit
  timezone: Asia/Yekaterinburg

store:
  path: .fleetwatch/fleetwatch.db

source:
  driver: sqlserver
  dsn: ""
  query: ""
  query_timeout: 15s
  legacy_charset: windows-1251
  max_open_conns: 2
  conn_max_lifetime: 10m

sync:
  enabled: true
  interval: 30s
  archive_on_absence: false
  lock:
    redis_addr: ""
    key: fleetwatch:sync
    ttl: 2m

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  cors_origins: ["*"]
  public_reads: true

auth:
  jwt_secret: ""
  token_ttl: 12h

retention:
  enabled: true
  interval: 6h
  archived_mirror_days: 30
  sync_run_days: 90

mapping:
  status_codes: {}
  reason_texts: {}
  reason_sections: {}
  type_prefixes: {}
  type_sections: {}

# webhooks:
#   - url: https://dispatch.example/hooks/fleetwatch
#     actions: [auto_archived, launched]
#     secret: ""
#     timeout_seconds: 5
webhooks: []
`
