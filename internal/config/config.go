package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"gopkg.in/yaml.v3"

	"courier/internal/logging"
)

// Storage backends selectable through database.driver
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      HTTPConfig
	WebSocket WebSocketConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type HTTPConfig struct {
	Host            string        `env:"COURIER_HTTP_HOST"`
	Port            int           `env:"COURIER_HTTP_PORT"`
	ReadTimeout     time.Duration `env:"COURIER_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `env:"COURIER_HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `env:"COURIER_HTTP_SHUTDOWN_TIMEOUT"`
}

// Addr is the listen address for net/http
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type WebSocketConfig struct {
	PingInterval   time.Duration `env:"COURIER_WEBSOCKET_PING_INTERVAL"`
	ReadTimeout    time.Duration `env:"COURIER_WEBSOCKET_READ_TIMEOUT"`
	WriteTimeout   time.Duration `env:"COURIER_WEBSOCKET_WRITE_TIMEOUT"`
	BufferSize     int           `env:"COURIER_WEBSOCKET_BUFFER_SIZE"`
	MaxMessageSize int64         `env:"COURIER_WEBSOCKET_MAX_MESSAGE_SIZE"`
}

// FUNCTIONAL DISCOVERY: Path is a SQLite file for the sqlite driver and a
// directory for badger; InMemory only applies to badger
type DatabaseConfig struct {
	Driver         string        `env:"COURIER_DATABASE_DRIVER"`
	Path           string        `env:"COURIER_DATABASE_PATH"`
	InMemory       bool          `env:"COURIER_DATABASE_IN_MEMORY"`
	Timeout        time.Duration `env:"COURIER_DATABASE_TIMEOUT"`
	MaxConnections int           `env:"COURIER_DATABASE_MAX_CONNECTIONS"`
}

type AuthConfig struct {
	JWTSecret string        `env:"COURIER_AUTH_JWT_SECRET"`
	Issuer    string        `env:"COURIER_AUTH_ISSUER"`
	TokenTTL  time.Duration `env:"COURIER_AUTH_TOKEN_TTL"`
}

type RateLimitConfig struct {
	MaxMessages   int           `env:"COURIER_RATELIMIT_MAX_MESSAGES"`
	Window        time.Duration `env:"COURIER_RATELIMIT_WINDOW"`
	SweepInterval time.Duration `env:"COURIER_RATELIMIT_SWEEP_INTERVAL"`
}

type LogConfig struct {
	Level  string `env:"COURIER_LOG_LEVEL"`
	Format string `env:"COURIER_LOG_FORMAT"`
}

// DefaultConfig returns every setting except the JWT secret, which has no safe default
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 64 * 1024,
		},
		Database: DatabaseConfig{
			Driver:         DriverSQLite,
			Path:           "./data/courier.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		Auth: AuthConfig{
			Issuer:   "courier",
			TokenTTL: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			MaxMessages:   30,
			Window:        60 * time.Second,
			SweepInterval: 60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.HTTP.Host == "" {
		return invalid("HTTP host cannot be empty")
	}
	// port 0 asks the kernel for a free port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return invalid("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return invalid("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return invalid("WebSocket ping interval must be positive")
	}
	// TECHNICAL DISCOVERY: a ping must land before the read deadline or idle
	// clients are dropped between heartbeats
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return invalid("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return invalid("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return invalid("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return invalid("WebSocket max message size must be positive")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return invalid("database path cannot be empty")
		}
	case DriverBadger:
		if c.Database.Path == "" && !c.Database.InMemory {
			return invalid("badger needs a path or in_memory")
		}
	default:
		return invalid("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Timeout <= 0 {
		return invalid("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return invalid("database max connections must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return invalid("auth JWT secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return invalid("auth token TTL must be positive")
	}

	if c.RateLimit.MaxMessages <= 0 {
		return invalid("rate limit max messages must be positive")
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.SweepInterval <= 0 {
		return invalid("rate limit window and sweep interval must be positive")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("%v", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		return invalid("unknown log format %q", c.Log.Format)
	}
	return nil
}

// ApplyEnv overlays variables present in environ onto c; unset variables
// leave the current value in place
func (c *Config) ApplyEnv(environ []string) error {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	if err := env.Unmarshal(es, c); err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	return nil
}

// File is the on-disk shape of the configuration
// FUNCTIONAL DISCOVERY: Separate struct for file parsing to handle duration strings
// and to tell "absent" from zero
type File struct {
	HTTP *struct {
		Host            string `json:"host" yaml:"host"`
		Port            int    `json:"port" yaml:"port"`
		ReadTimeout     string `json:"read_timeout" yaml:"read_timeout"`
		WriteTimeout    string `json:"write_timeout" yaml:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	} `json:"http" yaml:"http"`
	WebSocket *struct {
		PingInterval   string `json:"ping_interval" yaml:"ping_interval"`
		ReadTimeout    string `json:"read_timeout" yaml:"read_timeout"`
		WriteTimeout   string `json:"write_timeout" yaml:"write_timeout"`
		BufferSize     int    `json:"buffer_size" yaml:"buffer_size"`
		MaxMessageSize int64  `json:"max_message_size" yaml:"max_message_size"`
	} `json:"websocket" yaml:"websocket"`
	Database *struct {
		Driver         string `json:"driver" yaml:"driver"`
		Path           string `json:"path" yaml:"path"`
		InMemory       *bool  `json:"in_memory" yaml:"in_memory"`
		Timeout        string `json:"timeout" yaml:"timeout"`
		MaxConnections int    `json:"max_connections" yaml:"max_connections"`
	} `json:"database" yaml:"database"`
	Auth *struct {
		JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
		Issuer    string `json:"issuer" yaml:"issuer"`
		TokenTTL  string `json:"token_ttl" yaml:"token_ttl"`
	} `json:"auth" yaml:"auth"`
	RateLimit *struct {
		MaxMessages   int    `json:"max_messages" yaml:"max_messages"`
		Window        string `json:"window" yaml:"window"`
		SweepInterval string `json:"sweep_interval" yaml:"sweep_interval"`
	} `json:"ratelimit" yaml:"ratelimit"`
	Log *struct {
		Level  string `json:"level" yaml:"level"`
		Format string `json:"format" yaml:"format"`
	} `json:"log" yaml:"log"`
}

// ReadFile parses a JSON or YAML (by extension) configuration file
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &file, nil
}

// overlay tracks the first duration parse failure so Apply reports one error
type overlay struct {
	err error
}

func (o *overlay) str(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (o *overlay) num(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func (o *overlay) duration(dst *time.Duration, name, v string) {
	if v == "" || o.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.err = fmt.Errorf("%s: %w", name, err)
		return
	}
	*dst = d
}

// Apply overlays the fields present in f onto c
func (f *File) Apply(c *Config) error {
	var o overlay

	if h := f.HTTP; h != nil {
		o.str(&c.HTTP.Host, h.Host)
		o.num(&c.HTTP.Port, h.Port)
		o.duration(&c.HTTP.ReadTimeout, "http.read_timeout", h.ReadTimeout)
		o.duration(&c.HTTP.WriteTimeout, "http.write_timeout", h.WriteTimeout)
		o.duration(&c.HTTP.ShutdownTimeout, "http.shutdown_timeout", h.ShutdownTimeout)
	}

	if ws := f.WebSocket; ws != nil {
		o.duration(&c.WebSocket.PingInterval, "websocket.ping_interval", ws.PingInterval)
		o.duration(&c.WebSocket.ReadTimeout, "websocket.read_timeout", ws.ReadTimeout)
		o.duration(&c.WebSocket.WriteTimeout, "websocket.write_timeout", ws.WriteTimeout)
		o.num(&c.WebSocket.BufferSize, ws.BufferSize)
		if ws.MaxMessageSize > 0 {
			c.WebSocket.MaxMessageSize = ws.MaxMessageSize
		}
	}

	if db := f.Database; db != nil {
		o.str(&c.Database.Driver, db.Driver)
		o.str(&c.Database.Path, db.Path)
		if db.InMemory != nil {
			c.Database.InMemory = *db.InMemory
		}
		o.duration(&c.Database.Timeout, "database.timeout", db.Timeout)
		o.num(&c.Database.MaxConnections, db.MaxConnections)
	}

	if a := f.Auth; a != nil {
		o.str(&c.Auth.JWTSecret, a.JWTSecret)
		o.str(&c.Auth.Issuer, a.Issuer)
		o.duration(&c.Auth.TokenTTL, "auth.token_ttl", a.TokenTTL)
	}

	if rl := f.RateLimit; rl != nil {
		o.num(&c.RateLimit.MaxMessages, rl.MaxMessages)
		o.duration(&c.RateLimit.Window, "ratelimit.window", rl.Window)
		o.duration(&c.RateLimit.SweepInterval, "ratelimit.sweep_interval", rl.SweepInterval)
	}

	if l := f.Log; l != nil {
		o.str(&c.Log.Level, l.Level)
		o.str(&c.Log.Format, l.Format)
	}

	if o.err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, o.err)
	}
	return nil
}

// Load builds the runtime configuration
// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults.
// A named file that cannot be read or parsed is an error, never silently skipped
func Load(path string, environ []string) (*Config, error) {
	config := DefaultConfig()
	if err := config.ApplyEnv(environ); err != nil {
		return nil, err
	}

	if path != "" {
		file, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := file.Apply(config); err != nil {
			return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
