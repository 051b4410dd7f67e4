// Package kv implements custody.CertStore over a Vault KV version 2 mount.
// Certificate versions of a name map onto KV versions of one secret, so the
// version count is the secret's current_version.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/hashicorp/vault/api"

	"github.com/vaultca/vaultca/custody"
	berrors "github.com/vaultca/vaultca/errors"
)

// CertStore is a custody.CertStore backed by KV v2.
type CertStore struct {
	kv     *api.KVv2
	prefix string
}

var _ custody.CertStore = (*CertStore)(nil)

// New returns a CertStore writing under prefix in the KV v2 engine mounted
// at mount.
func New(client *api.Client, mount, prefix string) *CertStore {
	if mount == "" {
		mount = "secret"
	}
	if prefix == "" {
		prefix = "vaultca"
	}
	return &CertStore{kv: client.KVv2(mount), prefix: prefix}
}

func (cs *CertStore) certPath(name string) string {
	return path.Join(cs.prefix, "certs", name)
}

func (cs *CertStore) pendingPath(name string) string {
	return path.Join(cs.prefix, "pending", name)
}

func (cs *CertStore) placeholderPath(id string) string {
	return path.Join(cs.prefix, "placeholders", id)
}

// toData and fromData carry records through KV's map[string]any payloads
// via their JSON form.
func toData(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	err = json.Unmarshal(b, &m)
	return m, err
}

func fromData(m map[string]any, v any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func notFound(err error, format string, a ...any) error {
	if errors.Is(err, api.ErrSecretNotFound) {
		return berrors.NotFoundError(format, a...)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), err)
}

func (cs *CertStore) CountVersions(ctx context.Context, name string) (int, error) {
	md, err := cs.kv.GetMetadata(ctx, cs.certPath(name))
	if err != nil {
		if errors.Is(err, api.ErrSecretNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading metadata of %q: %w", name, err)
	}
	return md.CurrentVersion, nil
}

func (cs *CertStore) LatestVersion(ctx context.Context, name string) (*custody.CertificateBundle, error) {
	secret, err := cs.kv.Get(ctx, cs.certPath(name))
	if err != nil {
		return nil, notFound(err, "no versions of %q", name)
	}
	if secret.Data == nil {
		return nil, berrors.NotFoundError("latest version of %q was deleted", name)
	}
	var b custody.CertificateBundle
	err = fromData(secret.Data, &b)
	if err != nil {
		return nil, berrors.InternalServerError("decoding certificate %q: %s", name, err)
	}
	if secret.VersionMetadata != nil {
		b.Version = secret.VersionMetadata.Version
	}
	return &b, nil
}

func (cs *CertStore) AppendVersion(ctx context.Context, name string, b *custody.CertificateBundle) (int, error) {
	data, err := toData(b)
	if err != nil {
		return 0, err
	}
	// The stored record does not know its own version; KV assigns it.
	delete(data, "version")
	secret, err := cs.kv.Put(ctx, cs.certPath(name), data)
	if err != nil {
		return 0, fmt.Errorf("writing certificate %q: %w", name, err)
	}
	if secret.VersionMetadata == nil {
		return 0, berrors.InternalServerError("writing certificate %q: no version returned", name)
	}
	return secret.VersionMetadata.Version, nil
}

func (cs *CertStore) GetPending(ctx context.Context, name string) (*custody.Operation, error) {
	secret, err := cs.kv.Get(ctx, cs.pendingPath(name))
	if err != nil {
		return nil, notFound(err, "no pending operation for %q", name)
	}
	if secret.Data == nil {
		return nil, berrors.NotFoundError("no pending operation for %q", name)
	}
	var op custody.Operation
	err = fromData(secret.Data, &op)
	if err != nil {
		return nil, berrors.InternalServerError("decoding pending operation %q: %s", name, err)
	}
	return &op, nil
}

func (cs *CertStore) PutPending(ctx context.Context, op *custody.Operation) error {
	data, err := toData(op)
	if err != nil {
		return err
	}
	_, err = cs.kv.Put(ctx, cs.pendingPath(op.Name), data)
	if err != nil {
		return fmt.Errorf("writing pending operation %q: %w", op.Name, err)
	}
	return nil
}

// DeletePending removes every version of the pending record.
func (cs *CertStore) DeletePending(ctx context.Context, name string) error {
	err := cs.kv.DeleteMetadata(ctx, cs.pendingPath(name))
	if err != nil {
		return fmt.Errorf("deleting pending operation %q: %w", name, err)
	}
	return nil
}

func (cs *CertStore) GetPlaceholder(ctx context.Context, id string) (*custody.CertificateBundle, error) {
	secret, err := cs.kv.Get(ctx, cs.placeholderPath(id))
	if err != nil {
		return nil, notFound(err, "no placeholder %q", id)
	}
	if secret.Data == nil {
		return nil, berrors.NotFoundError("no placeholder %q", id)
	}
	var b custody.CertificateBundle
	err = fromData(secret.Data, &b)
	if err != nil {
		return nil, berrors.InternalServerError("decoding placeholder %q: %s", id, err)
	}
	return &b, nil
}

func (cs *CertStore) PutPlaceholder(ctx context.Context, b *custody.CertificateBundle) error {
	data, err := toData(b)
	if err != nil {
		return err
	}
	_, err = cs.kv.Put(ctx, cs.placeholderPath(b.ID), data)
	if err != nil {
		return fmt.Errorf("writing placeholder %q: %w", b.ID, err)
	}
	return nil
}
