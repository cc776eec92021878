// Package config handles bridge configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level bridge configuration.
type Config struct {
	Webhook  WebhookConfig  `json:"webhook"`
	Gateway  GatewayConfig  `json:"gateway"`
	Session  SessionConfig  `json:"session"`
	LogLevel string         `json:"log_level,omitempty"`
}

// WebhookConfig defines how the bridge connects to the webhook endpoint.
type WebhookConfig struct {
	URL string `json:"url"`
	// UID identifies this bridge on the hub. Generated when absent.
	UID string `json:"uid,omitempty"`
}

// GatewayConfig defines how the bridge connects to the agent gateway.
// URL wins over Port; Port builds a local ws URL.
type GatewayConfig struct {
	URL     string `json:"url,omitempty"`
	Port    int    `json:"port,omitempty"`
	Token   string `json:"token"`
	AgentID string `json:"agent_id,omitempty"`
}

// SessionConfig defines session store behavior.
type SessionConfig struct {
	StorePath   string   `json:"store_path,omitempty"`
	Scope       string   `json:"scope,omitempty"` // "per-sender" or "global"
	CacheTTL    Duration `json:"cache_ttl,omitempty"`
	LockTimeout Duration `json:"lock_timeout,omitempty"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required")
	}
	if c.Gateway.Token == "" {
		return fmt.Errorf("gateway.token is required")
	}
	if c.Session.Scope != "" && c.Session.Scope != "per-sender" && c.Session.Scope != "global" {
		return fmt.Errorf("session.scope must be per-sender or global")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Webhook.UID == "" {
		c.Webhook.UID = generateUID()
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 18789
	}
	if c.Gateway.URL == "" {
		c.Gateway.URL = fmt.Sprintf("ws://127.0.0.1:%d", c.Gateway.Port)
	}
	if c.Gateway.AgentID == "" {
		c.Gateway.AgentID = "main"
	}
	if c.Session.StorePath == "" {
		c.Session.StorePath = "./clawrelay-sessions.json"
	}
	if c.Session.Scope == "" {
		c.Session.Scope = "per-sender"
	}
	if c.Session.CacheTTL.Duration == 0 {
		c.Session.CacheTTL.Duration = 45 * time.Second
	}
	if c.Session.LockTimeout.Duration == 0 {
		c.Session.LockTimeout.Duration = 10 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// generateUID builds a stable-looking unique identity for this bridge,
// bridge-{hostname}-{8hex}.
func generateUID() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "unknown"
	}
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("bridge-%s-%s", h, hex.EncodeToString(b))
}
