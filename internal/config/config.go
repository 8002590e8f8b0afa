// Package config loads the process configuration from the environment, an
// optional .env file and an optional YAML portals file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"
)

// Config holds application configuration
type Config struct {
	// HTTP
	Port        int    `env:"PORT" envDefault:"3001"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`

	// Logging and tracing
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile      string `env:"LOG_FILE"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	// Storage
	DataDir       string `env:"DATA_DIR" envDefault:"data"`
	StoreDriver   string `env:"STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"data/rsmn.db"`
	MongoURI      string `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGODB_DATABASE" envDefault:"news-app"`

	// Content transform
	AIProvider    string `env:"AI_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	GeminiModel   string `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash"`

	// Portals
	Portals     []string `env:"NEWS_PORTALS" envSeparator:","`
	PortalsFile string   `env:"PORTALS_FILE"`
	UserAgent   string   `env:"USER_AGENT" envDefault:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"`

	// Scheduling
	Timezone       string `env:"TIMEZONE" envDefault:"America/Argentina/Buenos_Aires"`
	RefreshCron    string `env:"REFRESH_CRON" envDefault:"*/30 * * * *"`
	PreSendCron    string `env:"PRESEND_CRON" envDefault:"55 5 * * *"`
	SendCron       string `env:"SEND_CRON" envDefault:"0 6 * * *"`
	DevSendOnStart bool   `env:"DEV_SEND_ON_START" envDefault:"false"`
	AppDomain      string `env:"APP_DOMAIN" envDefault:"rsm.ar"`

	// Chat channel
	WhatsAppSessionPath   string `env:"WHATSAPP_SESSION_PATH" envDefault:"data/whatsapp.db"`
	OutboundRatePerMinute int    `env:"OUTBOUND_RATE_PER_MINUTE" envDefault:"30"`

	// Operator notifications
	DiscordBotToken     string `env:"DISCORD_BOT_TOKEN"`
	DiscordOpsChannelID string `env:"DISCORD_OPS_CHANNEL_ID"`
}

// PortalEntry is one item of the portals file.
type PortalEntry struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Enabled *bool  `yaml:"enabled"`
}

type portalsFile struct {
	Portals []PortalEntry `yaml:"portals"`
}

// Load reads envFile (a missing file is fine), parses the environment and
// merges the portals file. Variables already set in the process win over
// the .env file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	portals := cfg.Portals
	if cfg.PortalsFile != "" {
		fromFile, err := LoadPortals(cfg.PortalsFile)
		if err != nil {
			return nil, err
		}
		portals = append(portals, fromFile...)
	}
	cfg.Portals = dedupePortals(portals)
	return &cfg, nil
}

// LoadPortals returns the enabled portal URLs of a YAML portals file.
func LoadPortals(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading portals file: %w", err)
	}
	var f portalsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing portals file %s: %w", path, err)
	}

	var urls []string
	for _, p := range f.Portals {
		if p.Enabled != nil && !*p.Enabled {
			continue
		}
		urls = append(urls, p.URL)
	}
	return urls, nil
}

func dedupePortals(portals []string) []string {
	seen := make(map[string]bool, len(portals))
	var out []string
	for _, p := range portals {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Location returns the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	var errs []error

	if len(c.Portals) == 0 {
		errs = append(errs, errors.New("no news portals configured"))
	}
	for _, p := range c.Portals {
		u, err := url.Parse(p)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid portal URL %q", p))
		}
	}

	switch c.StoreDriver {
	case "sqlite", "mongo", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be sqlite, mongo or memory, got %q", c.StoreDriver))
	}

	switch c.AIProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required"))
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("AI_PROVIDER must be openai or gemini, got %q", c.AIProvider))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	for name, spec := range map[string]string{
		"REFRESH_CRON": c.RefreshCron,
		"PRESEND_CRON": c.PreSendCron,
		"SEND_CRON":    c.SendCron,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, spec, err))
		}
	}

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d", c.Port))
	}
	if c.OutboundRatePerMinute < 0 {
		errs = append(errs, errors.New("OUTBOUND_RATE_PER_MINUTE must not be negative"))
	}
	if (c.DiscordBotToken == "") != (c.DiscordOpsChannelID == "") {
		errs = append(errs, errors.New("DISCORD_BOT_TOKEN and DISCORD_OPS_CHANNEL_ID must be set together"))
	}

	return errors.Join(errs...)
}
