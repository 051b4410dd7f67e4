package cmd

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/hashicorp/vault/api"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client returns a Vault client for vc. Settings missing from vc come from
// the VAULT_* environment variables. With an AppRole configured and no
// token, the client logs in first. Requests are traced with the global
// tracer provider.
func (vc *VaultConfig) Client(ctx context.Context) (*api.Client, error) {
	conf := api.DefaultConfig()
	if conf.Error != nil {
		return nil, conf.Error
	}
	if vc.Address != "" {
		conf.Address = vc.Address
	}
	if vc.Timeout != nil {
		conf.Timeout = vc.Timeout.Duration
	}
	conf.HttpClient.Transport = otelhttp.NewTransport(conf.HttpClient.Transport)
	client, err := api.NewClient(conf)
	if err != nil {
		return nil, err
	}

	token, err := vc.Token.Pass()
	if err != nil {
		return nil, fmt.Errorf("reading vault token: %w", err)
	}
	if token != "" {
		client.SetToken(token)
		return client, nil
	}
	if vc.AppRole == nil {
		if client.Token() == "" {
			return nil, errors.New("no vault token: set vault.token, vault.approle or VAULT_TOKEN")
		}
		return client, nil
	}

	secretID, err := vc.AppRole.SecretID.Pass()
	if err != nil {
		return nil, fmt.Errorf("reading approle secret id: %w", err)
	}
	mount := vc.AppRole.Mount
	if mount == "" {
		mount = "approle"
	}
	resp, err := client.Logical().WriteWithContext(ctx, path.Join("auth", mount, "login"), map[string]any{
		"role_id":   vc.AppRole.RoleID,
		"secret_id": secretID,
	})
	if err != nil {
		return nil, fmt.Errorf("logging into vault using approle: %w", err)
	}
	if resp == nil || resp.Auth == nil || resp.Auth.ClientToken == "" {
		return nil, errors.New("logging into vault: no auth info in response")
	}
	client.SetToken(resp.Auth.ClientToken)
	return client, nil
}
