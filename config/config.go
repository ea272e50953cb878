package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Document DocumentConfig `mapstructure:"document"`
	Log      LogConfig      `mapstructure:"log"`
	CORS     CORSConfig     `mapstructure:"cors"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig takes either a full URL or the individual parts.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type UpstreamConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type DocumentConfig struct {
	AutosaveDelay time.Duration `mapstructure:"autosave_delay"`
	HistoryLimit  int           `mapstructure:"history_limit"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads envFile (or ./.env when empty) into the process environment and
// then resolves the configuration from defaults and CREATOREVOLVE_* variables.
// A missing default .env is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CREATOREVOLVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Deployments provisioned for the Supabase stack export these names.
	_ = v.BindEnv("auth.jwt_secret", "CREATOREVOLVE_AUTH_JWT_SECRET", "SUPABASE_JWT_SECRET")
	_ = v.BindEnv("database.url", "CREATOREVOLVE_DATABASE_URL", "DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.url", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "creatorevolve")
	v.SetDefault("database.sslmode", "require")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("upstream.base_url", "http://localhost:4000/research")
	v.SetDefault("upstream.api_key", "")

	v.SetDefault("document.autosave_delay", 500*time.Millisecond)
	v.SetDefault("document.history_limit", 200)

	v.SetDefault("log.level", "info")

	v.SetDefault("cors.allowed_origins", []string{"*"})
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Document.AutosaveDelay < 0 {
		return fmt.Errorf("autosave delay must not be negative")
	}
	if _, err := url.Parse(c.Upstream.BaseURL); err != nil || c.Upstream.BaseURL == "" {
		return fmt.Errorf("invalid upstream base url %q", c.Upstream.BaseURL)
	}
	return nil
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DSN returns the Postgres connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
