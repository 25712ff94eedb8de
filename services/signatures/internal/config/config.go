package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "openletter.config"

const envPrefix = "petition"

const (
	MailDriverSMTP = "smtp"
	MailDriverLog  = "log"
)

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// Environment variables are read as PETITION_<NAME>, falling back to the bare
// <NAME> so deployments can keep DATABASE_URL, SMTP_URL and friends.
type Config struct {
	Port            uint          `yaml:"port"            envconfig:"SERVICE_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`

	StoreDriver      string        `yaml:"storeDriver"      envconfig:"STORE_DRIVER"`
	DatabaseURL      string        `yaml:"databaseUrl"      envconfig:"DATABASE_URL"`
	DatabaseMaxConns int32         `yaml:"databaseMaxConns" envconfig:"DATABASE_MAX_CONNS"`
	DatabaseConnTTL  time.Duration `yaml:"databaseConnTtl"  envconfig:"DATABASE_CONN_TTL"`
	AutoMigrate      bool          `yaml:"autoMigrate"      envconfig:"AUTO_MIGRATE"`

	WebsiteURL    string `yaml:"websiteUrl"    envconfig:"WEBSITE_URL"`
	PetitionTitle string `yaml:"petitionTitle" envconfig:"PETITION_TITLE"`
	VerifyPath    string `yaml:"verifyPath"    envconfig:"VERIFY_PATH"`
	RevokePath    string `yaml:"revokePath"    envconfig:"REVOKE_PATH"`

	MailDriver   string        `yaml:"mailDriver"   envconfig:"MAIL_DRIVER"`
	SMTPURL      string        `yaml:"smtpUrl"      envconfig:"SMTP_URL"`
	SMTPUsername string        `yaml:"smtpUsername" envconfig:"SMTP_USERNAME"`
	SMTPPassword string        `yaml:"smtpPassword" envconfig:"SMTP_PASSWORD"`
	SMTPFrom     string        `yaml:"smtpFrom"     envconfig:"SMTP_FROM"`
	SMTPTimeout  time.Duration `yaml:"smtpTimeout"  envconfig:"SMTP_TIMEOUT"`

	Tracing       bool `yaml:"tracing"       envconfig:"TRACING"`
	TracingStdout bool `yaml:"tracingStdout" envconfig:"TRACING_STDOUT"`
}

func Defaults() *Config {
	return &Config{
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		StoreDriver:     "postgres",
		AutoMigrate:     true,
		PetitionTitle:   "Open letter",
		VerifyPath:      "verify",
		RevokePath:      "revoke",
		MailDriver:      MailDriverSMTP,
		SMTPTimeout:     15 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and the environment, in that order of precedence.
func Load(configFile string) (*Config, error) {
	cfg := Defaults()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.MailDriver = strings.ToLower(strings.TrimSpace(cfg.MailDriver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port == 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	switch c.StoreDriver {
	case "postgres":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case "sqlite":
	default:
		return fmt.Errorf("invalid storeDriver: %q (must be 'postgres' or 'sqlite')", c.StoreDriver)
	}
	website := strings.TrimSpace(c.WebsiteURL)
	u, err := url.Parse(website)
	// links are mailed as markdown autolinks, which end at whitespace or '>'
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || strings.ContainsAny(website, " \t\r\n<>") {
		return fmt.Errorf("invalid websiteUrl: %q", c.WebsiteURL)
	}
	switch c.MailDriver {
	case MailDriverSMTP:
		if strings.TrimSpace(c.SMTPURL) == "" || strings.TrimSpace(c.SMTPFrom) == "" {
			return errors.New("SMTP_URL and SMTP_FROM are required for the smtp mail driver")
		}
	case MailDriverLog:
	default:
		return fmt.Errorf("invalid mailDriver: %q (must be 'smtp' or 'log')", c.MailDriver)
	}
	return nil
}
