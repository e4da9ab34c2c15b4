package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
)

// SecretManager wraps the Vault API client for reading secrets.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at the given address
// and authenticated with the provided token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope automatically.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// ApplySecrets overlays Vault-sourced credentials onto the config when
// VAULT_ADDR is set. Environment variables still win for local overrides.
func (c *Config) ApplySecrets() error {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		return nil
	}
	token := envString("VAULT_TOKEN", "root")
	path := envString("VAULT_SECRET_PATH", "secret/data/incident-service")

	sm, err := NewSecretManager(addr, token)
	if err != nil {
		return err
	}
	secrets, err := sm.GetKV2(path)
	if err != nil {
		return err
	}

	overlay := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		if v, ok := secrets[key].(string); ok {
			*dst = v
		}
	}
	overlay(&c.DatabaseURL, "DATABASE_URL")
	overlay(&c.NATSURL, "NATS_URL")
	overlay(&c.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	overlay(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	return nil
}
