package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
	"github.com/jmhodges/clock"

	"github.com/vaultca/vaultca/custody"
	"github.com/vaultca/vaultca/custody/hsm"
	"github.com/vaultca/vaultca/custody/kv"
	"github.com/vaultca/vaultca/custody/memory"
	"github.com/vaultca/vaultca/custody/transit"
	blog "github.com/vaultca/vaultca/log"
	"github.com/vaultca/vaultca/pkcs11helpers"
)

// newBackend assembles the custody backend bc describes. The returned
// function blocks until the backend's background key operations finish.
func newBackend(ctx context.Context, bc backendConfig, clk clock.Clock, logger blog.Logger) (custody.Backend, func(), error) {
	var client *api.Client
	if bc.usesVault() {
		var err error
		client, err = bc.Vault.Client(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to vault: %w", err)
		}
		logger.Infof("Using vault at %s", client.Address())
	}

	var keys custody.KeyStore
	switch bc.Keys {
	case "transit":
		keys = transit.New(client, bc.TransitMount)
	case "pkcs11":
		pin, err := bc.PKCS11.PIN.Pass()
		if err != nil {
			return nil, nil, fmt.Errorf("reading PKCS#11 PIN: %w", err)
		}
		session, err := pkcs11helpers.Initialize(bc.PKCS11.Module, bc.PKCS11.Slot, pin)
		if err != nil {
			return nil, nil, fmt.Errorf("opening PKCS#11 session on slot %d: %w", bc.PKCS11.Slot, err)
		}
		logger.Infof("Opened PKCS#11 session for slot %d", bc.PKCS11.Slot)
		keys = hsm.New(session)
	case "memory":
		logger.Warning("Using in-memory keys; they are lost when vaultca exits")
		keys = memory.NewKeyStore()
	default:
		return nil, nil, fmt.Errorf("unknown key store %q", bc.Keys)
	}

	var certs custody.CertStore
	switch bc.Certs {
	case "kv":
		certs = kv.New(client, bc.KVMount, bc.KVPrefix)
	case "memory":
		logger.Warning("Using in-memory certificate storage; nothing is persisted")
		certs = memory.NewCertStore()
	default:
		return nil, nil, fmt.Errorf("unknown certificate store %q", bc.Certs)
	}

	v := custody.NewVault(keys, certs, clk, logger)
	if bc.PollInterval != nil {
		v.InitialPollInterval = bc.PollInterval.Duration
	}
	if bc.MaxPollInterval != nil {
		v.MaxPollInterval = bc.MaxPollInterval.Duration
	}
	return v, v.Wait, nil
}
