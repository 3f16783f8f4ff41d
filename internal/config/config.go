// Package config loads and hot-reloads RiverDB's YAML configuration:
// the listener addresses and the PostgreSQL cluster topology (servers and
// their replicas). Grounded on the teacher's internal/config/config.go
// (YAML decode, ${VAR} substitution, fsnotify-based Watcher) and
// original_source/config's PostgresCluster/Postgres shape (§12 "Config &
// bootstrap").
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for RiverDB.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// ListenConfig defines the ports and bind addresses RiverDB listens on.
type ListenConfig struct {
	PostgresPort        int    `yaml:"postgres_port"`
	APIPort             int    `yaml:"api_port"`
	APIBind             string `yaml:"api_bind"`
	APIKey              string `yaml:"api_key"`
	TLSCert             string `yaml:"tls_cert"`
	TLSKey              string `yaml:"tls_key"`
	MaxProxyConnections int    `yaml:"max_proxy_connections"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// PostgresConfig is the cluster: a flat list of named partitions, each a
// replication group (one master, zero or more replicas), selected at
// routing time by database name.
type PostgresConfig struct {
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig describes one PostgreSQL server RiverDB pools connections
// to, and recursively its own replicas (one level, per spec §12). A
// top-level entry is a replication group's master; entries under
// Replicas are that group's read replicas.
type ServerConfig struct {
	Database                 string         `yaml:"database"`
	Host                      string         `yaml:"host"`
	Port                      int            `yaml:"port"`
	User                      string         `yaml:"user"`
	Password                  string         `yaml:"password"`
	TLSHost                   string         `yaml:"tls_host"`
	MaxConnections            int            `yaml:"max_connections"`
	MaxConcurrentTransactions int            `yaml:"max_concurrent_transactions"`
	IdleTimeoutSeconds        int            `yaml:"idle_timeout_seconds"`
	DialTimeout               *time.Duration `yaml:"dial_timeout,omitempty"`
	Replicas                  []ServerConfig `yaml:"replicas"`
}

// EffectiveDialTimeout returns the server's dial timeout or a sane default.
func (s ServerConfig) EffectiveDialTimeout() time.Duration {
	if s.DialTimeout != nil {
		return *s.DialTimeout
	}
	return 5 * time.Second
}

// Address returns the "host:port" dial target for this server.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Redacted returns a copy of the ServerConfig with the password masked,
// safe to log or expose over the admin API.
func (s ServerConfig) Redacted() ServerConfig {
	c := s
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	redactedReplicas := make([]ServerConfig, len(c.Replicas))
	for i, r := range c.Replicas {
		redactedReplicas[i] = r.Redacted()
	}
	c.Replicas = redactedReplicas
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Listen.MaxProxyConnections == 0 {
		cfg.Listen.MaxProxyConnections = 10000
	}
	for i := range cfg.Postgres.Servers {
		applyServerDefaults(&cfg.Postgres.Servers[i])
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.MaxConnections == 0 {
		s.MaxConnections = 100
	}
	if s.MaxConcurrentTransactions == 0 {
		s.MaxConcurrentTransactions = (s.MaxConnections * 80) / 100
		if s.MaxConcurrentTransactions == 0 {
			s.MaxConcurrentTransactions = 80
		}
	}
	if s.IdleTimeoutSeconds == 0 {
		s.IdleTimeoutSeconds = 1800
	}
	for i := range s.Replicas {
		applyServerDefaults(&s.Replicas[i])
	}
}

func validate(cfg *Config) error {
	if cfg.Listen.PostgresPort < 1 || cfg.Listen.PostgresPort > 65535 {
		return fmt.Errorf("listen: invalid postgres_port %d", cfg.Listen.PostgresPort)
	}
	if cfg.Listen.APIPort < 1 || cfg.Listen.APIPort > 65535 {
		return fmt.Errorf("listen: invalid api_port %d", cfg.Listen.APIPort)
	}
	seen := make(map[string]bool, len(cfg.Postgres.Servers))
	for _, s := range cfg.Postgres.Servers {
		if err := validateServer(s); err != nil {
			return err
		}
		if seen[s.Database] {
			return fmt.Errorf("postgres.servers: duplicate database %q", s.Database)
		}
		seen[s.Database] = true
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if err := ValidateDatabaseName(s.Database); err != nil {
		return fmt.Errorf("server %q: %w", s.Database, err)
	}
	if s.Host == "" {
		return fmt.Errorf("server %q: host is required", s.Database)
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server %q: invalid port %d", s.Database, s.Port)
	}
	if s.User == "" {
		return fmt.Errorf("server %q: user is required", s.Database)
	}
	if s.MaxConcurrentTransactions > s.MaxConnections {
		return fmt.Errorf("server %q: max_concurrent_transactions (%d) exceeds max_connections (%d)", s.Database, s.MaxConcurrentTransactions, s.MaxConnections)
	}
	for _, r := range s.Replicas {
		if err := validateServer(r); err != nil {
			return err
		}
	}
	return nil
}

var databaseNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateDatabaseName reports whether name is a legal database identifier
// for routing purposes: non-empty, starting with an alphanumeric, and
// otherwise alphanumeric/underscore/dash.
func ValidateDatabaseName(name string) error {
	if !databaseNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name %q", name)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
