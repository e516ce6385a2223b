// Package vault retrieves the LLM collaborator's API key from HashiCorp
// Vault, falling back to a local cache when Vault is disabled (development,
// or the AI module running in passive/rule-based mode only).
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Config configures the Vault connection. Enabled=false skips the network
// client entirely and serves only from the local cache.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
	TLSEnabled bool
	CACert     string
}

// LLMCredentials is the single secret kind this engine stores: the API key
// for whichever LLM collaborator backs the AI Decision Module.
type LLMCredentials struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

// Client wraps the HashiCorp Vault client for LLM credential retrieval.
type Client struct {
	client *api.Client
	cfg    Config
	mu     sync.RWMutex
	cached *LLMCredentials
}

// NewClient constructs a Client. When cfg.Enabled is false, it serves
// whatever is set via StoreLocal and never touches the network.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultCfg := api.DefaultConfig()
	vaultCfg.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultCfg.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := api.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// StoreLocal seeds the in-memory cache directly, used by the disabled path
// and by tests that never stand up a real Vault.
func (c *Client) StoreLocal(creds LLMCredentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = &creds
}

// GetLLMCredentials returns the cached credentials if present, otherwise
// fetches and caches them from Vault.
func (c *Client) GetLLMCredentials(ctx context.Context) (LLMCredentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		defer c.mu.RUnlock()
		return *c.cached, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		return LLMCredentials{}, fmt.Errorf("llm credentials not cached and vault is disabled")
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return LLMCredentials{}, fmt.Errorf("read llm credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return LLMCredentials{}, fmt.Errorf("llm credentials not found in vault")
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return LLMCredentials{}, fmt.Errorf("invalid vault secret format")
	}

	creds := LLMCredentials{
		Provider: asString(data["provider"]),
		APIKey:   asString(data["api_key"]),
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
	return creds, nil
}

// Health reports whether the underlying Vault is reachable and unsealed.
// A disabled client always reports healthy.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// IsEnabled reports whether this client talks to a real Vault.
func (c *Client) IsEnabled() bool {
	return c.cfg.Enabled
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
