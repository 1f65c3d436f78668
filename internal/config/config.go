package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Env          string             `yaml:"env" env:"APP_ENV" env-description:"runtime environment (development|production)"`
	HTTP         HTTPConfig         `yaml:"http"`
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Firebase     FirebaseConfig     `yaml:"firebase"`
	Mail         MailConfig         `yaml:"mail"`
	Registration RegistrationConfig `yaml:"registration"`
	Chat         ChatConfig         `yaml:"chat"`
}

type HTTPConfig struct {
	Addr               string        `yaml:"addr" env:"LISTEN_ADDR" env-description:"HTTP listen address"`
	AllowedOrigins     []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" env-separator:"," env-description:"CORS and websocket origin allow-list"`
	ReadTimeout        time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT"`
	RegisterRateLimit  int           `yaml:"register_rate_limit" env:"REGISTER_RATE_LIMIT" env-description:"max /register calls per IP per window (0 disables)"`
	RegisterRateWindow time.Duration `yaml:"register_rate_window" env:"REGISTER_RATE_WINDOW"`
	TrustedProxies     []string      `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" env-separator:"," env-description:"proxy IPs or CIDRs whose X-Forwarded-For is honoured (empty trusts none)"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-description:"debug|info|warn|error"`
}

type DatabaseConfig struct {
	Driver      string `yaml:"driver" env:"DATABASE_DRIVER" env-description:"postgres or sqlite3"`
	DSN         string `yaml:"dsn" env:"DATABASE_DSN" env-description:"driver specific connection string"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"DATABASE_AUTO_MIGRATE"`
}

// RedisConfig is optional; an empty Addr keeps chat history and limiters in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type FirebaseConfig struct {
	Provider        string        `yaml:"provider" env:"IDENTITY_PROVIDER" env-description:"firebase or memory (local development only)"`
	ProjectID       string        `yaml:"project_id" env:"FIREBASE_PROJECT_ID"`
	CredentialsFile string        `yaml:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS" env-description:"service account JSON"`
	EmulatorHost    string        `yaml:"emulator_host" env:"FIREBASE_AUTH_EMULATOR_HOST"`
	Timeout         time.Duration `yaml:"timeout" env:"FIREBASE_TIMEOUT"`
}

// MailConfig describes the SMTP relay. An empty Host logs mails instead of sending them.
type MailConfig struct {
	Host     string        `yaml:"host" env:"SMTP_HOST"`
	Port     int           `yaml:"port" env:"SMTP_PORT"`
	Username string        `yaml:"username" env:"SENDER_EMAIL"`
	Password string        `yaml:"password" env:"SENDER_PASSWORD"`
	From     string        `yaml:"from" env:"MAIL_FROM"`
	StartTLS bool          `yaml:"starttls" env:"SMTP_STARTTLS"`
	Timeout  time.Duration `yaml:"timeout" env:"MAIL_TIMEOUT"`
}

type RegistrationConfig struct {
	ResendLimit  int           `yaml:"resend_limit" env:"RESEND_LIMIT" env-description:"verification resends per email per window (0 = unlimited)"`
	ResendWindow time.Duration `yaml:"resend_window" env:"RESEND_WINDOW"`
}

type ChatConfig struct {
	MaxConnections   int           `yaml:"max_connections" env:"CHAT_MAX_CONNECTIONS"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" env:"CHAT_IDLE_TIMEOUT"`
	HistorySize      int           `yaml:"history_size" env:"CHAT_HISTORY_SIZE"`
	HistoryRooms     int           `yaml:"history_rooms" env:"CHAT_HISTORY_ROOMS" env-description:"rooms whose history is kept in memory when redis is not configured"`
	MaxMessageLength int           `yaml:"max_message_length" env:"CHAT_MAX_MESSAGE_LENGTH"`
	MessageRate      int           `yaml:"message_rate" env:"CHAT_MESSAGE_RATE" env-description:"messages per connection per rate window (0 disables)"`
	MessageWindow    time.Duration `yaml:"message_window" env:"CHAT_MESSAGE_WINDOW"`
}

// Default returns the configuration used when neither a file nor the
// environment overrides a value.
func Default() Config {
	return Config{
		Env: "development",
		HTTP: HTTPConfig{
			Addr:               ":7000",
			AllowedOrigins:     []string{"*"},
			ReadTimeout:        10 * time.Second,
			ShutdownTimeout:    15 * time.Second,
			RegisterRateLimit:  10,
			RegisterRateWindow: time.Minute,
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			DSN:         "file:bookreview.db?_busy_timeout=5000&_foreign_keys=on",
			AutoMigrate: true,
		},
		Firebase: FirebaseConfig{Provider: "firebase", Timeout: 10 * time.Second},
		Mail: MailConfig{
			Port:     587,
			StartTLS: true,
			Timeout:  15 * time.Second,
		},
		Registration: RegistrationConfig{
			ResendLimit:  3,
			ResendWindow: time.Hour,
		},
		Chat: ChatConfig{
			HistorySize:      50,
			HistoryRooms:     1000,
			MaxMessageLength: 2000,
			IdleTimeout:      10 * time.Minute,
			MessageRate:      20,
			MessageWindow:    10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a
// .env file in the working directory and finally the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cleanenv.UpdateEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first configuration value that cannot work.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database dsn is required")
	}
	switch c.Firebase.Provider {
	case "firebase":
		if c.Firebase.ProjectID == "" {
			return errors.New("config: firebase project_id is required")
		}
	case "memory":
		if c.IsProduction() {
			return errors.New("config: memory identity provider is not allowed in production")
		}
	default:
		return fmt.Errorf("config: unsupported identity provider %q", c.Firebase.Provider)
	}
	if c.Mail.Host != "" && c.Mail.From == "" && c.Mail.Username == "" {
		return errors.New("config: mail from address is required when smtp host is set")
	}
	for _, p := range c.HTTP.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("config: trusted proxy %q is not an IP or CIDR", p)
			}
		}
	}
	if c.Chat.HistorySize <= 0 {
		return errors.New("config: chat history_size must be positive")
	}
	if c.Chat.MaxMessageLength <= 0 {
		return errors.New("config: chat max_message_length must be positive")
	}
	return nil
}

// IsProduction reports whether the service runs with production settings.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// EnvUsage describes every environment variable the service reads.
func EnvUsage() (string, error) {
	cfg := Default()
	return cleanenv.GetDescription(&cfg, nil)
}
