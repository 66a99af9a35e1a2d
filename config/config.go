// Package config loads jobchat configuration from YAML, .env and the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"jobchat/models"
	"jobchat/socket"
)

// Environment variables that override file values.
const (
	EnvServerURL   = "JOBCHAT_SERVER_URL"
	EnvToken       = "JOBCHAT_TOKEN"
	EnvCachePath   = "JOBCHAT_CACHE_PATH"
	EnvMetricsAddr = "JOBCHAT_METRICS_ADDR"
	EnvPort        = "PORT"
)

// Config is the top-level jobchat configuration.
type Config struct {
	ServerURL      string        `yaml:"server_url"`
	Token          string        `yaml:"token"`
	CachePath      string        `yaml:"cache_path"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	HistoryTimeout time.Duration `yaml:"history_timeout"`
	Socket         SocketConfig  `yaml:"socket"`
	DevServer      DevConfig     `yaml:"devserver"`
}

// SocketConfig holds the realtime connection settings.
type SocketConfig struct {
	Path              string        `yaml:"path"`
	Transports        []string      `yaml:"transports"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// DevConfig configures the development backend.
type DevConfig struct {
	Listen       string           `yaml:"listen"`
	Database     string           `yaml:"database"`
	Participants []DevParticipant `yaml:"participants"`
}

// DevParticipant maps a bearer token to the participant it authenticates.
type DevParticipant struct {
	Token              string `yaml:"token"`
	models.Participant `yaml:",inline"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file from path and returns a validated Config.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv loads .env files (missing files are ignored) and overlays the
// JOBCHAT_* and PORT variables onto c.
func (c *Config) ApplyEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "config: load %s", f)
		}
	}
	if v := os.Getenv(EnvServerURL); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(EnvCachePath); v != "" {
		c.CachePath = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		c.DevServer.Listen = ":" + strings.TrimPrefix(v, ":")
	}
	return c.validate()
}

// Tokens returns the development backend's token table.
func (c *Config) Tokens() map[string]models.Participant {
	if len(c.DevServer.Participants) == 0 {
		return nil
	}
	tokens := make(map[string]models.Participant, len(c.DevServer.Participants))
	for _, p := range c.DevServer.Participants {
		tokens[p.Token] = p.Participant
	}
	return tokens
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = "http://localhost:8080"
	}
	if c.HistoryTimeout == 0 {
		c.HistoryTimeout = 15 * time.Second
	}
	if c.Socket.Path == "" {
		c.Socket.Path = socket.DefaultPath
	}
	if len(c.Socket.Transports) == 0 {
		c.Socket.Transports = []string{socket.TransportWebSocket, socket.TransportPolling}
	}
	if c.Socket.ReconnectDelay == 0 {
		c.Socket.ReconnectDelay = socket.DefaultReconnectDelay
	}
	if c.Socket.ReconnectDelayMax == 0 {
		c.Socket.ReconnectDelayMax = socket.DefaultReconnectDelayMax
	}
	if c.Socket.Timeout == 0 {
		c.Socket.Timeout = socket.DefaultTimeout
	}
	if c.Socket.RequestTimeout == 0 {
		c.Socket.RequestTimeout = socket.DefaultRequestTimeout
	}
	if c.DevServer.Listen == "" {
		c.DevServer.Listen = ":8080"
	}
	if c.DevServer.Database == "" {
		c.DevServer.Database = "jobchat-dev.db"
	}
	for i := range c.DevServer.Participants {
		p := &c.DevServer.Participants[i]
		if p.Role == "" {
			p.Role = models.RoleCustomer
		}
		if p.Name == "" {
			p.Name = p.ID
		}
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("server_url %q is not an absolute url", c.ServerURL))
	}
	for _, t := range c.Socket.Transports {
		if t != socket.TransportWebSocket && t != socket.TransportPolling {
			errs = append(errs, fmt.Sprintf("socket.transports: unknown transport %q", t))
		}
	}
	if c.Socket.ReconnectDelay < 0 || c.Socket.Timeout < 0 || c.Socket.RequestTimeout < 0 || c.HistoryTimeout < 0 {
		errs = append(errs, "durations must not be negative")
	}
	if c.Socket.ReconnectDelayMax < c.Socket.ReconnectDelay {
		errs = append(errs, "socket.reconnect_delay_max must be at least socket.reconnect_delay")
	}
	seen := make(map[string]bool)
	for i, p := range c.DevServer.Participants {
		if p.Token == "" {
			errs = append(errs, fmt.Sprintf("devserver.participants[%d].token is required", i))
		} else if seen[p.Token] {
			errs = append(errs, fmt.Sprintf("devserver.participants[%d].token is duplicated", i))
		}
		seen[p.Token] = true
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("devserver.participants[%d].id is required", i))
		}
		if p.Role != models.RoleCustomer && p.Role != models.RoleProvider {
			errs = append(errs, fmt.Sprintf("devserver.participants[%d].role %q is invalid", i, p.Role))
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
