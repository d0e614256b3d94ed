// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	MailRelay() MailRelayConfig
	Kombai() KombaiConfig
	Automation() AutomationConfig
	Screenshots() ScreenshotConfig
	Server() ServerConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserRemoteURL(string)
}

// RefundPolicy decides what happens to the debited credit when an automation run fails.
type RefundPolicy string

const (
	// RefundNever keeps the credit on failure. This is how the automation route has always behaved.
	RefundNever RefundPolicy = "never"
	// RefundOnFailure returns the credit whenever the run does not produce an auth code.
	RefundOnFailure RefundPolicy = "on_failure"
)

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg      LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg    DatabaseConfig   `mapstructure:"database" yaml:"database"`
	BrowserCfg     BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	MailRelayCfg   MailRelayConfig  `mapstructure:"mail_relay" yaml:"mail_relay"`
	KombaiCfg      KombaiConfig     `mapstructure:"kombai" yaml:"kombai"`
	AutomationCfg  AutomationConfig `mapstructure:"automation" yaml:"automation"`
	ScreenshotsCfg ScreenshotConfig `mapstructure:"screenshots" yaml:"screenshots"`
	ServerCfg      ServerConfig     `mapstructure:"server" yaml:"server"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) MailRelay() MailRelayConfig     { return c.MailRelayCfg }
func (c *Config) Kombai() KombaiConfig           { return c.KombaiCfg }
func (c *Config) Automation() AutomationConfig   { return c.AutomationCfg }
func (c *Config) Screenshots() ScreenshotConfig { return c.ScreenshotsCfg }
func (c *Config) Server() ServerConfig           { return c.ServerCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)    { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserRemoteURL(u string) { c.BrowserCfg.RemoteURL = u }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names used for each log level on the console.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details.
// An empty URL runs the service with the in-memory ledger and no token persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig holds settings for the headless browser.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	BypassCSP       bool     `mapstructure:"bypass_csp" yaml:"bypass_csp"`
	Concurrency     int      `mapstructure:"concurrency" yaml:"concurrency"`
	Args            []string `mapstructure:"args" yaml:"args"`
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`
	// RemoteURL, when set, attaches to an already running browser over CDP instead of launching one.
	RemoteURL      string `mapstructure:"remote_url" yaml:"remote_url"`
	ViewportWidth  int    `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height" yaml:"viewport_height"`
	UserAgent      string `mapstructure:"user_agent" yaml:"user_agent"`
	Locale         string `mapstructure:"locale" yaml:"locale"`
	Timezone       string `mapstructure:"timezone" yaml:"timezone"`
}

// MailRelayConfig configures the webhook that hands back the latest mail for an address.
type MailRelayConfig struct {
	WebhookBase    string        `mapstructure:"webhook_base" yaml:"webhook_base"`
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	MinDelay       time.Duration `mapstructure:"min_delay" yaml:"min_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// URL joins the webhook base and endpoint.
func (m MailRelayConfig) URL() string {
	return strings.TrimRight(m.WebhookBase, "/") + "/" + strings.TrimLeft(m.Endpoint, "/")
}

// KombaiConfig describes the target site.
type KombaiConfig struct {
	SignupBaseURL string `mapstructure:"signup_base_url" yaml:"signup_base_url"`
	// InviteCode is rotated by the site operator; it is only ever read from configuration.
	InviteCode         string `mapstructure:"invite_code" yaml:"invite_code"`
	ConfirmLinkPattern string `mapstructure:"confirm_link_pattern" yaml:"confirm_link_pattern"`
	SubmitText         string `mapstructure:"submit_text" yaml:"submit_text"`
	CursorCallback     string `mapstructure:"cursor_callback" yaml:"cursor_callback"`
	VSCodeCallback     string `mapstructure:"vscode_callback" yaml:"vscode_callback"`
}

// AutomationConfig controls the signup pipeline as a whole.
type AutomationConfig struct {
	Deadline     time.Duration `mapstructure:"deadline" yaml:"deadline"`
	RefundPolicy RefundPolicy  `mapstructure:"refund_policy" yaml:"refund_policy"`
	CreditCost   int           `mapstructure:"credit_cost" yaml:"credit_cost"`
	EmailDelay   time.Duration `mapstructure:"email_delay" yaml:"email_delay"`
	SettleDelay  time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	TokenExpiry  int           `mapstructure:"token_expiry_days" yaml:"token_expiry_days"`
}

// ScreenshotConfig configures the on-disk screenshot store.
type ScreenshotConfig struct {
	Dir          string `mapstructure:"dir" yaml:"dir"`
	PublicPrefix string `mapstructure:"public_prefix" yaml:"public_prefix"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr string  `mapstructure:"listen_addr" yaml:"listen_addr"`
	JWTSecret  string  `mapstructure:"jwt_secret" yaml:"-"`
	RateLimit  float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst  int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static, so this only trips on a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// DefaultConfirmLinkPattern matches the confirmation link in Kombai's signup mail.
const DefaultConfirmLinkPattern = `https://auth\.agent\.kombai\.com/confirm_email\?t=[^"]+`

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "provisioner")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", true)
	v.SetDefault("browser.bypass_csp", true)
	v.SetDefault("browser.concurrency", 2)
	v.SetDefault("browser.args", []string{"--disable-setuid-sandbox", "--disable-dev-shm-usage"})
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 720)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "America/Los_Angeles")

	// -- Mail Relay --
	v.SetDefault("mail_relay.webhook_base", "https://n8n.thietkelx.com/webhook-test")
	v.SetDefault("mail_relay.endpoint", "mail")
	v.SetDefault("mail_relay.max_attempts", 5)
	v.SetDefault("mail_relay.min_delay", "3s")
	v.SetDefault("mail_relay.max_delay", "4s")
	v.SetDefault("mail_relay.request_timeout", "30s")

	// -- Kombai --
	v.SetDefault("kombai.signup_base_url", "https://agent.kombai.com/vscode-connect")
	v.SetDefault("kombai.invite_code", "")
	v.SetDefault("kombai.confirm_link_pattern", DefaultConfirmLinkPattern)
	v.SetDefault("kombai.submit_text", "Sign up with email")
	v.SetDefault("kombai.cursor_callback", "cursor://kombai.kombai/auth-callback")
	v.SetDefault("kombai.vscode_callback", "vscode://kombai.kombai/auth-callback")

	// -- Automation --
	v.SetDefault("automation.deadline", "5m")
	v.SetDefault("automation.refund_policy", string(RefundNever))
	v.SetDefault("automation.credit_cost", 1)
	v.SetDefault("automation.email_delay", "5s")
	v.SetDefault("automation.settle_delay", "3s")
	v.SetDefault("automation.token_expiry_days", 30)

	// -- Screenshots --
	v.SetDefault("screenshots.dir", "./public/screenshots")
	v.SetDefault("screenshots.public_prefix", "/api/screenshots/")

	// -- Server --
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.rate_limit", 1.0)
	v.SetDefault("server.rate_burst", 4)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets only ever come from the environment.
	_ = v.BindEnv("server.jwt_secret", "PROVISIONER_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv("database.url", "PROVISIONER_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("mail_relay.webhook_base", "PROVISIONER_MAIL_RELAY_WEBHOOK_BASE", "WEBHOOK_BASE_URL")
	_ = v.BindEnv("kombai.invite_code", "PROVISIONER_KOMBAI_INVITE_CODE")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.ScreenshotsCfg.Dir != "" {
		dir, err := homedir.Expand(cfg.ScreenshotsCfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("could not resolve screenshot dir '%s': %w", cfg.ScreenshotsCfg.Dir, err)
		}
		cfg.ScreenshotsCfg.Dir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	var errs []error

	if c.BrowserCfg.Concurrency < 1 {
		errs = append(errs, errors.New("browser.concurrency must be at least 1"))
	}
	if c.BrowserCfg.RemoteURL != "" {
		if _, err := url.Parse(c.BrowserCfg.RemoteURL); err != nil {
			errs = append(errs, fmt.Errorf("browser.remote_url is not a valid URL: %w", err))
		}
	}
	if err := c.MailRelayCfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.KombaiCfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.AutomationCfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ScreenshotsCfg.Dir == "" {
		errs = append(errs, errors.New("screenshots.dir must be set"))
	}
	return errors.Join(errs...)
}

// Validate checks the mail relay settings.
func (m MailRelayConfig) Validate() error {
	if m.WebhookBase == "" {
		return errors.New("mail_relay.webhook_base must be set")
	}
	if m.MaxAttempts < 1 {
		return errors.New("mail_relay.max_attempts must be at least 1")
	}
	if m.MinDelay < 0 || m.MaxDelay < m.MinDelay {
		return fmt.Errorf("mail_relay delays are inconsistent (min %s, max %s)", m.MinDelay, m.MaxDelay)
	}
	return nil
}

// Validate checks the target-site settings.
func (k KombaiConfig) Validate() error {
	if k.SignupBaseURL == "" {
		return errors.New("kombai.signup_base_url must be set")
	}
	if _, err := regexp.Compile(k.ConfirmLinkPattern); err != nil {
		return fmt.Errorf("kombai.confirm_link_pattern does not compile: %w", err)
	}
	if k.CursorCallback == "" || k.VSCodeCallback == "" {
		return errors.New("kombai callback schemes must both be set")
	}
	if k.SubmitText == "" {
		return errors.New("kombai.submit_text must be set")
	}
	return nil
}

// Validate checks the automation settings.
func (a AutomationConfig) Validate() error {
	switch a.RefundPolicy {
	case RefundNever, RefundOnFailure:
	default:
		return fmt.Errorf("automation.refund_policy must be %q or %q, got %q", RefundNever, RefundOnFailure, a.RefundPolicy)
	}
	if a.CreditCost < 1 {
		return errors.New("automation.credit_cost must be at least 1")
	}
	if a.Deadline <= 0 {
		return errors.New("automation.deadline must be positive")
	}
	return nil
}
