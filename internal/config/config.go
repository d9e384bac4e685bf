package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"go.yaml.in/yaml/v4"

	"github.com/tracyhatemice/mailsort/internal/mailbox"
	"github.com/tracyhatemice/mailsort/internal/monitor"
	"github.com/tracyhatemice/mailsort/internal/rules"
)

// ErrInvalid is wrapped by every configuration validation error.
var ErrInvalid = errors.New("invalid config")

// Config is the top-level application configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Server   Server         `yaml:"server"`
	Options  Options        `yaml:"options"`
	Metadata map[string]any `yaml:"metadata"`
	Rules    yaml.Node      `yaml:"rules"`

	// RuleSets is Rules compiled by Load.
	RuleSets []rules.RuleSet `yaml:"-"`
}

// Server holds the IMAP server and account settings.
type Server struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Security           string `yaml:"security"` // "tls", "starttls" or "none"
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	AuthType           string `yaml:"auth_type"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	PasswordBase64     string `yaml:"password_base64"`
	PasswordEnv        string `yaml:"password_env"`
	PasswordKeyring    bool   `yaml:"password_keyring"`
}

// Options control what gets sorted and how.
type Options struct {
	TargetFolder   string   `yaml:"target_folder"`
	ExcludeFolders []string `yaml:"exclude_folders"`
	Search         []string `yaml:"search"`
	MonitorSearch  []string `yaml:"monitor_search"`
	Events         []string `yaml:"events"`
	DryRun         bool     `yaml:"dry_run"`
	CreateFolders  *bool    `yaml:"create_folders"`
	MaxRetries     *int     `yaml:"max_retries"`
	RetryBackoff   string   `yaml:"retry_backoff"`
	MetricsAddr    string   `yaml:"metrics_addr"`
}

// GetSecurity returns the transport security, defaulting to STARTTLS.
func (s *Server) GetSecurity() mailbox.Security {
	if s.Security == "" {
		return mailbox.SecurityStartTLS
	}
	return mailbox.Security(strings.ToLower(s.Security))
}

// GetPort returns the port, defaulting to 993 for TLS and 143 otherwise.
func (s *Server) GetPort() int {
	if s.Port > 0 {
		return s.Port
	}
	if s.GetSecurity() == mailbox.SecurityTLS {
		return 993
	}
	return 143
}

// GetAuthType returns the SASL mechanism, defaulting to LOGIN.
func (s *Server) GetAuthType() string {
	if s.AuthType == "" {
		return "LOGIN"
	}
	return strings.ToUpper(s.AuthType)
}

// KeyringKey is the key the account password is stored under.
func (s *Server) KeyringKey() string {
	return s.Username + "@" + s.Host
}

// MailboxOptions returns the dial options for the server. The password is
// resolved separately.
func (s *Server) MailboxOptions(password string) mailbox.Options {
	return mailbox.Options{
		Host:               s.Host,
		Port:               s.GetPort(),
		Security:           s.GetSecurity(),
		InsecureSkipVerify: s.InsecureSkipVerify,
		AuthType:           s.GetAuthType(),
		Username:           s.Username,
		Password:           password,
	}
}

// GetTargetFolder returns the folder to sort, defaulting to "INBOX".
func (o *Options) GetTargetFolder() string {
	if o.TargetFolder == "" {
		return "INBOX"
	}
	return o.TargetFolder
}

// GetCreateFolders reports whether missing destinations are created,
// defaulting to true.
func (o *Options) GetCreateFolders() bool {
	if o.CreateFolders == nil {
		return true
	}
	return *o.CreateFolders
}

// GetMaxRetries returns the number of fetch retries, defaulting to 3.
func (o *Options) GetMaxRetries() int {
	if o.MaxRetries == nil {
		return monitor.DefaultMaxRetries
	}
	return *o.MaxRetries
}

// GetRetryBackoff returns the wait between retries, defaulting to 10s.
func (o *Options) GetRetryBackoff() time.Duration {
	if o.RetryBackoff == "" {
		return monitor.DefaultBackoff
	}
	d, err := time.ParseDuration(o.RetryBackoff)
	if err != nil {
		return monitor.DefaultBackoff
	}
	return d
}

// Policy returns the retry policy.
func (o *Options) Policy() monitor.Policy {
	return monitor.Policy{
		MaxRetries: o.GetMaxRetries(),
		Backoff:    o.GetRetryBackoff(),
	}
}

// SearchCriteria returns the sweep search criteria.
func (o *Options) SearchCriteria() (*imap.SearchCriteria, error) {
	return mailbox.ParseSearchKeys(o.Search)
}

// GetMonitorSearch returns the monitor search keys. Unset means UNSEEN so
// that mail already read on another client is left alone; use [ALL] to
// sort every new message.
func (o *Options) GetMonitorSearch() []string {
	if o.MonitorSearch == nil {
		return []string{"UNSEEN"}
	}
	return o.MonitorSearch
}

// MonitorCriteria returns the criteria new messages must match while
// monitoring.
func (o *Options) MonitorCriteria() (*imap.SearchCriteria, error) {
	return mailbox.ParseSearchKeys(o.GetMonitorSearch())
}

// EventKinds returns the events that wake the monitor.
func (o *Options) EventKinds() ([]mailbox.EventKind, error) {
	return mailbox.ParseEventKinds(o.Events)
}

// RequireRules fails when no rule sets are configured.
func (c *Config) RequireRules() error {
	if len(c.RuleSets) == 0 {
		return fmt.Errorf("%w: at least one rule set is required", ErrInvalid)
	}
	return nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, validates and compiles a YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w: %w", ErrInvalid, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w: %w", ErrInvalid, err)
	}

	if cfg.Rules.Kind != 0 && cfg.Rules.Tag != "!!null" {
		sets, err := rules.Parse(&cfg.Rules)
		if err != nil {
			return nil, fmt.Errorf("parse rules: %w: %w", ErrInvalid, err)
		}
		cfg.RuleSets = sets
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}

	s := &c.Server
	if s.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", s.Port)
	}
	if !slices.Contains([]mailbox.Security{mailbox.SecurityTLS, mailbox.SecurityStartTLS, mailbox.SecurityNone}, s.GetSecurity()) {
		return fmt.Errorf("server.security must be tls, starttls or none")
	}
	if !slices.Contains([]string{"PLAIN", "LOGIN"}, s.GetAuthType()) {
		return fmt.Errorf("server.auth_type %q is not supported", s.AuthType)
	}
	if s.Username == "" {
		return fmt.Errorf("server.username is required")
	}

	o := &c.Options
	if _, err := o.SearchCriteria(); err != nil {
		return fmt.Errorf("options.search: %w", err)
	}
	if _, err := o.MonitorCriteria(); err != nil {
		return fmt.Errorf("options.monitor_search: %w", err)
	}
	if _, err := o.EventKinds(); err != nil {
		return fmt.Errorf("options.events: %w", err)
	}
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		return fmt.Errorf("options.max_retries must not be negative")
	}
	if o.RetryBackoff != "" {
		d, err := time.ParseDuration(o.RetryBackoff)
		if err != nil {
			return fmt.Errorf("options.retry_backoff: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("options.retry_backoff must not be negative")
		}
	}
	return nil
}
