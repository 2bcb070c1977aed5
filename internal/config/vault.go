package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// SecretManager reads service secrets out of a Vault KV v2 backend.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager connects to Vault at address using a static token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	vcfg := api.DefaultConfig()
	vcfg.Address = address

	client, err := api.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)
	return &SecretManager{client: client}, nil
}

// GetKV2 reads the secret at path and unwraps the KV v2 "data" envelope,
// returning the flat key→value map the service configures itself from.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("secret at %s is not a KV v2 payload", path)
	}
	return data, nil
}
