package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 18790
	DefaultBufSize           = 100
	DefaultCallTimeout       = "30s"
	DefaultStoreTimeout      = "10s"
	DefaultSessionCapacity   = 1024
	DefaultSessionIdleTTL    = "24h"
	DefaultMaxConcurrent     = 16
	DefaultRetentionDays     = 90
	DefaultHistoryBackend    = "sqlite"
	DefaultEventsSubject     = "deckbot.deck.created"
	DefaultLogLevel          = "info"
	DefaultMaintenanceSpec   = "@every 1h"
	DefaultGoogleRedirectURL = "http://localhost:18790/oauth/callback"
)

type Config struct {
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Slides   SlidesConfig   `json:"slides"`
	History  HistoryConfig  `json:"history"`
	Router   RouterConfig   `json:"router"`
	Events   EventsConfig   `json:"events"`
	Tracing  TracingConfig  `json:"tracing"`
	Log      LogConfig      `json:"log"`
	AWS      AWSConfig      `json:"aws"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	WebUI    WebUIConfig    `json:"webui"`
}

type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled"`
	JID       string   `json:"jid,omitempty"`
	StorePath string   `json:"storePath,omitempty"`
	AllowFrom []string `json:"allowFrom"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// MaintenanceSpec is the cron schedule for history pruning and the idle session sweep.
	MaintenanceSpec string `json:"maintenanceSpec,omitempty"`
}

// SlidesConfig holds the Google OAuth client and Slides call settings.
// String secrets may be written as "ssm:<parameter-name>".
type SlidesConfig struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURL  string `json:"redirectUrl"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenPath    string `json:"tokenPath,omitempty"`
	CallTimeout  string `json:"callTimeout,omitempty"`
}

type HistoryConfig struct {
	Backend       string `json:"backend"` // "sqlite" (default) or "dynamodb"
	DBPath        string `json:"dbPath,omitempty"`
	DynamoTable   string `json:"dynamoTable,omitempty"`
	LogChatTurns  bool   `json:"logChatTurns"`
	RetentionDays int    `json:"retentionDays"`
	Timeout       string `json:"timeout,omitempty"`
}

type RouterConfig struct {
	SessionCapacity int    `json:"sessionCapacity"`
	SessionIdleTTL  string `json:"sessionIdleTTL,omitempty"`
	MaxConcurrent   int    `json:"maxConcurrent"`
	RepliesPath     string `json:"repliesPath,omitempty"`
}

type EventsConfig struct {
	NATSURL string `json:"natsUrl,omitempty"`
	Subject string `json:"subject,omitempty"`
}

type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

type AWSConfig struct {
	Region string `json:"region,omitempty"`
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Channels: ChannelsConfig{},
		Gateway: GatewayConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			MaintenanceSpec: DefaultMaintenanceSpec,
		},
		Slides: SlidesConfig{
			RedirectURL: DefaultGoogleRedirectURL,
			TokenPath:   filepath.Join(dir, "google-token.json"),
			CallTimeout: DefaultCallTimeout,
		},
		History: HistoryConfig{
			Backend:       DefaultHistoryBackend,
			DBPath:        filepath.Join(dir, "data", "history.db"),
			LogChatTurns:  true,
			RetentionDays: DefaultRetentionDays,
			Timeout:       DefaultStoreTimeout,
		},
		Router: RouterConfig{
			SessionCapacity: DefaultSessionCapacity,
			SessionIdleTTL:  DefaultSessionIdleTTL,
			MaxConcurrent:   DefaultMaxConcurrent,
			RepliesPath:     filepath.Join(dir, "replies.yaml"),
		},
		Events: EventsConfig{
			Subject: DefaultEventsSubject,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".deckbot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment overrides. DECKBOT_* names win over the
// plain GOOGLE_* names.
func applyEnv(cfg *Config) {
	if token := os.Getenv("DECKBOT_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	setString := func(dst *string, names ...string) {
		for _, n := range names {
			if v := os.Getenv(n); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&cfg.Slides.ClientID, "DECKBOT_GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_ID")
	setString(&cfg.Slides.ClientSecret, "DECKBOT_GOOGLE_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET")
	setString(&cfg.Slides.RedirectURL, "DECKBOT_GOOGLE_REDIRECT_URI", "GOOGLE_REDIRECT_URI")
	setString(&cfg.Slides.RefreshToken, "DECKBOT_GOOGLE_REFRESH_TOKEN", "GOOGLE_REFRESH_TOKEN")
	setString(&cfg.History.Backend, "DECKBOT_HISTORY_BACKEND")
	setString(&cfg.History.DBPath, "DECKBOT_HISTORY_DB_PATH")
	setString(&cfg.History.DynamoTable, "DECKBOT_DYNAMO_TABLE")
	setString(&cfg.Events.NATSURL, "DECKBOT_NATS_URL")
	setString(&cfg.Log.Level, "DECKBOT_LOG_LEVEL")
	setString(&cfg.AWS.Region, "DECKBOT_AWS_REGION", "AWS_REGION")

	if v := os.Getenv("DECKBOT_LOG_CHAT_TURNS"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.History.LogChatTurns = parsed
		}
	}
	if v := os.Getenv("DECKBOT_PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if endpoint := os.Getenv("DECKBOT_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = endpoint
	}
	if os.Getenv("DECKBOT_ENV") == "development" {
		cfg.Log.Development = true
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Gateway.Port == 0 {
		c.Gateway.Port = d.Gateway.Port
	}
	if c.Gateway.MaintenanceSpec == "" {
		c.Gateway.MaintenanceSpec = d.Gateway.MaintenanceSpec
	}
	if c.Slides.CallTimeout == "" {
		c.Slides.CallTimeout = d.Slides.CallTimeout
	}
	if c.Slides.TokenPath == "" {
		c.Slides.TokenPath = d.Slides.TokenPath
	}
	if c.History.Backend == "" {
		c.History.Backend = d.History.Backend
	}
	if c.History.DBPath == "" {
		c.History.DBPath = d.History.DBPath
	}
	if c.History.Timeout == "" {
		c.History.Timeout = d.History.Timeout
	}
	if c.Router.SessionCapacity <= 0 {
		c.Router.SessionCapacity = d.Router.SessionCapacity
	}
	if c.Router.SessionIdleTTL == "" {
		c.Router.SessionIdleTTL = d.Router.SessionIdleTTL
	}
	if c.Router.MaxConcurrent <= 0 {
		c.Router.MaxConcurrent = d.Router.MaxConcurrent
	}
	if c.Events.Subject == "" {
		c.Events.Subject = d.Events.Subject
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// Validate checks values LoadConfig cannot default.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.History.Backend) {
	case "sqlite":
	case "dynamodb":
		if strings.TrimSpace(c.History.DynamoTable) == "" {
			errs = append(errs, errors.New("history.dynamoTable is required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.backend %q is not sqlite or dynamodb", c.History.Backend))
	}
	for name, v := range map[string]string{
		"slides.callTimeout":    c.Slides.CallTimeout,
		"history.timeout":       c.History.Timeout,
		"router.sessionIdleTTL": c.Router.SessionIdleTTL,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.History.RetentionDays < 0 {
		errs = append(errs, errors.New("history.retentionDays must not be negative"))
	}
	return errors.Join(errs...)
}

// SecretFields returns the string fields that may hold ssm: references.
func (c *Config) SecretFields() []*string {
	return []*string{
		&c.Channels.Telegram.Token,
		&c.Slides.ClientID,
		&c.Slides.ClientSecret,
		&c.Slides.RefreshToken,
		&c.Events.NATSURL,
	}
}

func (s SlidesConfig) CallTimeoutDuration() time.Duration {
	return parseDuration(s.CallTimeout, DefaultCallTimeout)
}

func (h HistoryConfig) TimeoutDuration() time.Duration {
	return parseDuration(h.Timeout, DefaultStoreTimeout)
}

// Retention returns how long chat turns are kept; zero keeps them forever.
func (h HistoryConfig) Retention() time.Duration {
	if h.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}

func (r RouterConfig) SessionIdleTTLDuration() time.Duration {
	return parseDuration(r.SessionIdleTTL, DefaultSessionIdleTTL)
}

func parseDuration(v, def string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(def)
	}
	return d
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}
