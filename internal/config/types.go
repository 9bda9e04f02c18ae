package config

import (
	"encoding/json"
	"sync"
	"time"
)

// Target types.
const (
	TypeAgent  = "agent"
	TypeScript = "script"
)

const (
	// DefaultTimeout bounds each handshake turn when a target sets no timeout.
	DefaultTimeout = 300 * time.Second

	// DefaultPromptTimeout bounds the content turn, which waits on generation.
	DefaultPromptTimeout = 30 * time.Minute
)

const (
	DefaultWebhookListen   = "127.0.0.1:8081"
	DefaultSignatureHeader = "X-Hub-Signature-256"
	DefaultMaxBodySize     = 1 << 20
)

// Config represents the complete herald configuration.
type Config struct {
	Service  ServiceConfig      `yaml:"service"`
	State    StateConfig        `yaml:"state"`
	API      APIConfig          `yaml:"api,omitempty"`
	Webhooks *WebhooksConfig    `yaml:"webhooks,omitempty"`
	Targets  map[string]*Target `yaml:"targets"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
	// PersistSessions stores agent session ids so later runs resume them.
	PersistSessions *bool `yaml:"persist_sessions,omitempty"`
}

// SessionsPersisted reports whether agent sessions are stored (default true).
func (s StateConfig) SessionsPersisted() bool {
	return s.PersistSessions == nil || *s.PersistSessions
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// WebhooksConfig defines the signed inbound webhook listener.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint maps a webhook path to a target. The request body is a work
// item list, verified with HMAC-SHA256 over Secret.
type WebhookEndpoint struct {
	Path   string `yaml:"path"`
	Target string `yaml:"target"`
	Secret string `yaml:"secret"`
	// SignatureHeader defaults to X-Hub-Signature-256.
	SignatureHeader string `yaml:"signature_header,omitempty"`
	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix.
	MaxBodySize string   `yaml:"max_body_size,omitempty"`
	States      []string `yaml:"states,omitempty"`
}

// Target is one notification destination.
//
// For agent targets an adopted session id is written back with AdoptSession, so
// reusing the same *Target within a process reuses the session.
type Target struct {
	Name string `yaml:"-"`
	Type string `yaml:"type"`

	Command string            `yaml:"command"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// Timeout and PromptTimeout are seconds; fractions are allowed.
	Timeout       float64 `yaml:"timeout,omitempty"`
	PromptTimeout float64 `yaml:"prompt_timeout,omitempty"`

	SessionID    string         `yaml:"session_id,omitempty"`
	Capabilities map[string]any `yaml:"capabilities,omitempty"`
	SystemPrompt string         `yaml:"system_prompt,omitempty"`

	// Debug reports undecodable agent stdout lines instead of dropping them silently.
	Debug bool `yaml:"debug,omitempty"`

	OnNotification func(method string, params json.RawMessage) `yaml:"-"`

	// sessionMu guards SessionID once the target is in use.
	sessionMu sync.Mutex
}

// CurrentSession returns the session id the next delivery will use.
func (t *Target) CurrentSession() string {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	return t.SessionID
}

// AdoptSession records id as the target's session.
func (t *Target) AdoptSession(id string) {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	t.SessionID = id
}

// CallTimeout returns the per-call timeout, defaulting to 300s.
func (t *Target) CallTimeout() time.Duration {
	if t.Timeout > 0 {
		return seconds(t.Timeout)
	}
	return DefaultTimeout
}

// TurnTimeout returns the timeout for the content prompt. It is never shorter than
// CallTimeout.
func (t *Target) TurnTimeout() time.Duration {
	if t.PromptTimeout > 0 {
		return seconds(t.PromptTimeout)
	}
	return max(DefaultPromptTimeout, t.CallTimeout())
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "herald",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/herald.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Targets: make(map[string]*Target),
	}
}
