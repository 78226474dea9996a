package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("config: invalid")

const (
	defaultHostname      = "localhost"
	defaultPort          = 8080
	defaultOrigin        = "*"
	defaultDataPath      = "data/docsync.db"
	defaultLogLevel      = "info"
	defaultShutdownGrace = 5 * time.Second
	defaultHeartbeat     = 30 * time.Second
	defaultMetricsPath   = "/metrics"
	defaultTokenTTL      = time.Hour
	defaultCacheTTL      = time.Minute
	defaultPrimaryKey    = "id"
)

// Auth modes.
const (
	AuthNone  = "none"
	AuthToken = "token"
	AuthJWT   = "jwt"
)

// Endpoint types.
const (
	EndpointReplication = "replication"
	EndpointRest        = "rest"
)

// Duration is a time.Duration written as a Go duration string ("5s") or as
// integer nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", b)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the file configuration of a docsync server.
type Config struct {
	Hostname          string     `json:"hostname"`
	Port              int        `json:"port"`
	Origin            string     `json:"origin"`
	DataPath          string     `json:"data_path"`
	LogLevel          string     `json:"log_level"`
	ShutdownGrace     Duration   `json:"shutdown_grace"`
	HeartbeatInterval Duration   `json:"heartbeat_interval"`
	Metrics           Metrics    `json:"metrics"`
	Auth              Auth       `json:"auth"`
	Endpoints         []Endpoint `json:"endpoints"`
}

// Metrics configures the Prometheus handler.
type Metrics struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Auth selects and configures the request authenticator.
type Auth struct {
	Mode      string `json:"mode"`
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
	// Tokens maps static token to subject.
	Tokens   map[string]string `json:"tokens"`
	TokenTTL Duration          `json:"token_ttl"`
	CacheTTL Duration          `json:"cache_ttl"`
}

// Endpoint exposes one collection.
type Endpoint struct {
	Type              string   `json:"type"`
	Name              string   `json:"name"`
	Path              string   `json:"path,omitempty"`
	Collection        string   `json:"collection"`
	PrimaryKey        string   `json:"primary_key"`
	Version           int      `json:"version"`
	ServerOnlyFields  []string `json:"server_only_fields,omitempty"`
	OwnerField        string   `json:"owner_field,omitempty"`
	MaxRejectedPushes int      `json:"max_rejected_pushes,omitempty"`
}

// Default returns a configuration with every default applied and no endpoints.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML (or JSON) file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) applyDefaults() {
	if c.Hostname == "" {
		c.Hostname = defaultHostname
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Origin == "" {
		c.Origin = defaultOrigin
	}
	if c.DataPath == "" {
		c.DataPath = defaultDataPath
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = Duration(defaultShutdownGrace)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = Duration(defaultHeartbeat)
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthNone
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = Duration(defaultTokenTTL)
	}
	if c.Auth.CacheTTL == 0 {
		c.Auth.CacheTTL = Duration(defaultCacheTTL)
	}
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Collection == "" {
			ep.Collection = ep.Name
		}
		if ep.Name == "" {
			ep.Name = ep.Collection
		}
		if ep.PrimaryKey == "" {
			ep.PrimaryKey = defaultPrimaryKey
		}
	}
}

// Validate reports the first problem found, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	if c.ShutdownGrace < 0 || c.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalid)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("%w: metrics path must start with /", ErrInvalid)
	}
	switch c.Auth.Mode {
	case AuthNone:
	case AuthToken:
		if len(c.Auth.Tokens) == 0 {
			return fmt.Errorf("%w: auth mode token needs tokens", ErrInvalid)
		}
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("%w: auth mode jwt needs jwt_secret", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown auth mode %q", ErrInvalid, c.Auth.Mode)
	}
	paths := make(map[string]string, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Type != EndpointReplication && ep.Type != EndpointRest {
			return fmt.Errorf("%w: endpoints[%d]: unknown type %q", ErrInvalid, i, ep.Type)
		}
		if ep.Name == "" {
			return fmt.Errorf("%w: endpoints[%d]: name or collection required", ErrInvalid, i)
		}
		if ep.Version < 0 {
			return fmt.Errorf("%w: endpoints[%d]: negative version", ErrInvalid, i)
		}
		path := strings.Trim(ep.URLPath(), "/")
		if other, ok := paths[path]; ok {
			return fmt.Errorf("%w: endpoints %s and %s share path %s", ErrInvalid, other, ep.Name, path)
		}
		paths[path] = ep.Name
	}
	return nil
}

// URLPath returns the configured path or "<type>/<name>".
func (e Endpoint) URLPath() string {
	if e.Path != "" {
		return e.Path
	}
	return e.Type + "/" + e.Name
}

// Addr returns hostname:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}
