package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"
)

// Connection security modes.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// Authentication mechanisms.
const (
	AuthLogin = "login"
	AuthPlain = "plain"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel string    `yaml:"log_level"`
	DataDir  string    `yaml:"data_dir"`
	Sender   *SMTP     `yaml:"sender"`
	Accounts []Account `yaml:"accounts"`
}

// SMTP holds the outgoing mail server used to relay watched messages.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// Account describes one watched mailbox.
type Account struct {
	Name               string   `yaml:"name"`
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	Username           string   `yaml:"username"`
	User               string   `yaml:"user"` // alias of username
	Password           string   `yaml:"password"`
	TLS                string   `yaml:"tls"` // "tls", "starttls" or "none"
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	Auth               string   `yaml:"auth"` // "login" or "plain"
	Box                string   `yaml:"box"`
	Search             []string `yaml:"search"`
	MarkSeen           *bool    `yaml:"mark_seen"`
	SerializeScans     bool     `yaml:"serialize_scans"`
	ReportParseErrors  bool     `yaml:"report_parse_errors"`
	ParseWorkers       int      `yaml:"parse_workers"`
	KeepaliveSeconds   int      `yaml:"keepalive_seconds"`
	ForwardTo          string   `yaml:"forward_to"`
	Debug              bool     `yaml:"debug"`
}

// GetName returns the account label, defaulting to the host.
func (a *Account) GetName() string {
	if a.Name == "" {
		return a.Host
	}
	return a.Name
}

// GetUsername returns the login identity. username wins over user.
func (a *Account) GetUsername() string {
	if a.Username != "" {
		return a.Username
	}
	return a.User
}

// GetTLS returns the connection security mode, defaulting to implicit TLS.
func (a *Account) GetTLS() string {
	if a.TLS == "" {
		return SecurityTLS
	}
	return a.TLS
}

// GetPort returns the IMAP port, defaulting by security mode.
func (a *Account) GetPort() int {
	if a.Port > 0 {
		return a.Port
	}
	if a.GetTLS() == SecurityTLS {
		return 993
	}
	return 143
}

// GetAuth returns the authentication mechanism, defaulting to LOGIN.
func (a *Account) GetAuth() string {
	if a.Auth == "" {
		return AuthLogin
	}
	return a.Auth
}

// GetBox returns the mailbox name, defaulting to "INBOX".
func (a *Account) GetBox() string {
	if a.Box == "" {
		return "INBOX"
	}
	return a.Box
}

// GetSearch returns the search filter tokens, defaulting to unseen messages.
func (a *Account) GetSearch() []string {
	if len(a.Search) == 0 {
		return []string{"UNSEEN"}
	}
	return a.Search
}

// GetMarkSeen reports whether fetched messages are flagged \Seen.
func (a *Account) GetMarkSeen() bool {
	return a.MarkSeen == nil || *a.MarkSeen
}

// GetParseWorkers returns the per-scan parse concurrency, defaulting to 4.
func (a *Account) GetParseWorkers() int {
	if a.ParseWorkers <= 0 {
		return 4
	}
	return a.ParseWorkers
}

// Keepalive returns the IDLE refresh / NOOP poll interval.
func (a *Account) Keepalive() time.Duration {
	if a.KeepaliveSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.KeepaliveSeconds) * time.Second
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		DataDir:  "data",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	if c.Sender != nil {
		if c.Sender.Host == "" {
			return fmt.Errorf("sender.host is required")
		}
		if c.Sender.Port == 0 {
			return fmt.Errorf("sender.port is required")
		}
	}
	for i, a := range c.Accounts {
		label := a.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if a.Host == "" {
			return fmt.Errorf("account %s: host is required", label)
		}
		if a.GetUsername() == "" {
			return fmt.Errorf("account %s: username is required", label)
		}
		if a.Password == "" {
			return fmt.Errorf("account %s: password is required", label)
		}
		switch a.GetTLS() {
		case SecurityTLS, SecurityStartTLS, SecurityNone:
		default:
			return fmt.Errorf("account %s: tls must be tls, starttls or none", label)
		}
		switch a.GetAuth() {
		case AuthLogin, AuthPlain:
		default:
			return fmt.Errorf("account %s: auth must be login or plain", label)
		}
		if a.ForwardTo != "" && c.Sender == nil {
			return fmt.Errorf("account %s: forward_to requires a sender", label)
		}
	}
	return nil
}
