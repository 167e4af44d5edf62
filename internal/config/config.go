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

// Config is the top-level configuration for MonetGate.
type Config struct {
	Listen      ListenConfig            `yaml:"listen"`
	Defaults    PoolDefaults            `yaml:"defaults"`
	HealthCheck HealthCheckConfig       `yaml:"health_check"`
	Servers     map[string]ServerConfig `yaml:"servers"`
}

// ListenConfig defines the bind address and credentials for the HTTP API.
type ListenConfig struct {
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
	APIKey  string `yaml:"api_key"`
}

// PoolDefaults defines default pool settings applied when servers don't override.
type PoolDefaults struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// HealthCheckConfig tunes the periodic server health probes.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// ServerConfig holds the connection settings for a single MonetDB server.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	UnixSocket string `yaml:"unix_socket,omitempty"`
	DBName     string `yaml:"dbname"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`

	MinConnections *int           `yaml:"min_connections,omitempty"`
	MaxConnections *int           `yaml:"max_connections,omitempty"`
	IdleTimeout    *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime    *time.Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout *time.Duration `yaml:"acquire_timeout,omitempty"`
	DialTimeout    *time.Duration `yaml:"dial_timeout,omitempty"`
}

// EffectiveMinConnections returns the server's min connections or the default.
func (s ServerConfig) EffectiveMinConnections(defaults PoolDefaults) int {
	if s.MinConnections != nil {
		return *s.MinConnections
	}
	return defaults.MinConnections
}

// EffectiveMaxConnections returns the server's max connections or the default.
func (s ServerConfig) EffectiveMaxConnections(defaults PoolDefaults) int {
	if s.MaxConnections != nil {
		return *s.MaxConnections
	}
	return defaults.MaxConnections
}

// EffectiveIdleTimeout returns the server's idle timeout or the default.
func (s ServerConfig) EffectiveIdleTimeout(defaults PoolDefaults) time.Duration {
	if s.IdleTimeout != nil {
		return *s.IdleTimeout
	}
	return defaults.IdleTimeout
}

// EffectiveMaxLifetime returns the server's max lifetime or the default.
func (s ServerConfig) EffectiveMaxLifetime(defaults PoolDefaults) time.Duration {
	if s.MaxLifetime != nil {
		return *s.MaxLifetime
	}
	return defaults.MaxLifetime
}

// EffectiveAcquireTimeout returns the server's acquire timeout or the default.
func (s ServerConfig) EffectiveAcquireTimeout(defaults PoolDefaults) time.Duration {
	if s.AcquireTimeout != nil {
		return *s.AcquireTimeout
	}
	return defaults.AcquireTimeout
}

// EffectiveDialTimeout returns the server's dial timeout or the default.
func (s ServerConfig) EffectiveDialTimeout(defaults PoolDefaults) time.Duration {
	if s.DialTimeout != nil {
		return *s.DialTimeout
	}
	return defaults.DialTimeout
}

// Redacted returns a copy of the ServerConfig with the password masked.
func (s ServerConfig) Redacted() ServerConfig {
	c := s
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
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

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 1
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 10
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Defaults.DialTimeout == 0 {
		cfg.Defaults.DialTimeout = 5 * time.Second
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 30 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 5 * time.Second
	}

	for id, sc := range cfg.Servers {
		if sc.Host == "" && sc.UnixSocket == "" {
			sc.Host = "localhost"
		}
		if sc.Port == 0 {
			sc.Port = 50000
		}
		if sc.Username == "" {
			sc.Username = "monetdb"
		}
		if sc.Password == "" {
			sc.Password = "monetdb"
		}
		cfg.Servers[id] = sc
	}
}

func validate(cfg *Config) error {
	for id, sc := range cfg.Servers {
		if sc.DBName == "" {
			return fmt.Errorf("server %q: dbname is required", id)
		}
		if sc.Host != "" && sc.UnixSocket != "" {
			return fmt.Errorf("server %q: host and unix_socket are mutually exclusive", id)
		}
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
