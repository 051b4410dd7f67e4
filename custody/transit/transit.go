// Package transit implements custody.KeyStore over the HashiCorp Vault
// Transit secrets engine. Keys are created non-exportable; only public keys
// and signatures over caller-computed digests ever leave Vault.
package transit

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/custody"
	berrors "github.com/vaultca/vaultca/errors"
)

// StoreName is the KeyReference.Store of keys from a KeyStore.
const StoreName = "transit"

var hashNames = map[crypto.Hash]string{
	crypto.SHA256: "sha2-256",
	crypto.SHA384: "sha2-384",
	crypto.SHA512: "sha2-512",
}

// KeyStore is a custody.KeyStore backed by a Transit mount.
type KeyStore struct {
	logical *api.Logical
	mount   string
}

var _ custody.KeyStore = (*KeyStore)(nil)

// New returns a KeyStore using the Transit engine mounted at mount.
func New(client *api.Client, mount string) *KeyStore {
	if mount == "" {
		mount = "transit"
	}
	return &KeyStore{logical: client.Logical(), mount: mount}
}

func keyTypeName(kt core.KeyType, bits int) (string, error) {
	switch kt {
	case core.RSAKey:
		switch bits {
		case 2048, 3072, 4096:
			return fmt.Sprintf("rsa-%d", bits), nil
		}
	case core.ECDSAKey:
		switch bits {
		case 256, 384:
			return fmt.Sprintf("ecdsa-p%d", bits), nil
		}
	}
	return "", berrors.MalformedError("transit has no %s key of %d bits", kt, bits)
}

func (ks *KeyStore) keyPath(name string) string {
	return path.Join(ks.mount, "keys", name)
}

// readKey returns the key's Transit description, or nil when it does not
// exist.
func (ks *KeyStore) readKey(ctx context.Context, name string) (map[string]any, error) {
	secret, err := ks.logical.ReadWithContext(ctx, ks.keyPath(name))
	if err != nil {
		return nil, fmt.Errorf("reading transit key %q: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	return secret.Data, nil
}

// CreateKey creates the named Transit key or, when it already exists,
// rotates it so that each call yields a fresh key version. A rotation keeps
// the key's type, so a different type for an existing name is refused.
func (ks *KeyStore) CreateKey(ctx context.Context, name string, keyType core.KeyType, bits int) (custody.KeyReference, error) {
	typ, err := keyTypeName(keyType, bits)
	if err != nil {
		return custody.KeyReference{}, err
	}

	existing, err := ks.readKey(ctx, name)
	if err != nil {
		return custody.KeyReference{}, err
	}
	if existing == nil {
		_, err = ks.logical.WriteWithContext(ctx, ks.keyPath(name), map[string]any{
			"type":       typ,
			"exportable": false,
		})
		if err != nil {
			return custody.KeyReference{}, fmt.Errorf("creating transit key %q: %w", name, err)
		}
	} else {
		if existing["type"] != typ {
			return custody.KeyReference{}, berrors.MalformedError("transit key %q is %v, not %s", name, existing["type"], typ)
		}
		_, err = ks.logical.WriteWithContext(ctx, ks.keyPath(name)+"/rotate", nil)
		if err != nil {
			return custody.KeyReference{}, fmt.Errorf("rotating transit key %q: %w", name, err)
		}
	}

	data, err := ks.readKey(ctx, name)
	if err != nil {
		return custody.KeyReference{}, err
	}
	if data == nil {
		return custody.KeyReference{}, berrors.InternalServerError("transit key %q vanished after creation", name)
	}
	latest, err := asInt(data["latest_version"])
	if err != nil {
		return custody.KeyReference{}, fmt.Errorf("transit key %q latest_version: %w", name, err)
	}
	return custody.KeyReference{Store: StoreName, ID: name, Version: strconv.Itoa(latest)}, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected value %v of type %T", v, v)
	}
}

func checkRef(ref custody.KeyReference) error {
	if ref.Store != StoreName {
		return berrors.MalformedError("key %s does not belong to the transit store", ref)
	}
	return nil
}

func (ks *KeyStore) PublicKey(ctx context.Context, ref custody.KeyReference) (crypto.PublicKey, error) {
	err := checkRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := ks.readKey(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, berrors.NotFoundError("no transit key %q", ref.ID)
	}
	versions, _ := data["keys"].(map[string]any)
	version, _ := versions[ref.Version].(map[string]any)
	pemKey, _ := version["public_key"].(string)
	if pemKey == "" {
		return nil, berrors.NotFoundError("transit key %s has no public key", ref)
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, berrors.InternalServerError("transit key %s: public key is not PEM", ref)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, berrors.InternalServerError("transit key %s: %s", ref, err)
	}
	return pub, nil
}

// Sign submits digest as a prehashed input. RSA keys sign with PKCS#1 v1.5
// and ECDSA signatures come back ASN.1 encoded.
func (ks *KeyStore) Sign(ctx context.Context, ref custody.KeyReference, hash crypto.Hash, digest []byte) ([]byte, error) {
	err := checkRef(ref)
	if err != nil {
		return nil, err
	}
	hashName, ok := hashNames[hash]
	if !ok {
		return nil, berrors.MalformedError("unsupported hash %s", hash)
	}
	if len(digest) != hash.Size() {
		return nil, berrors.MalformedError("digest length %d doesn't match %s", len(digest), hash)
	}
	version, err := strconv.Atoi(ref.Version)
	if err != nil {
		return nil, berrors.MalformedError("bad key version %q", ref.Version)
	}

	secret, err := ks.logical.WriteWithContext(ctx, path.Join(ks.mount, "sign", ref.ID, hashName), map[string]any{
		"input":                base64.StdEncoding.EncodeToString(digest),
		"prehashed":            true,
		"key_version":          version,
		"signature_algorithm":  "pkcs1v15",
		"marshaling_algorithm": "asn1",
	})
	if err != nil {
		return nil, fmt.Errorf("transit sign with %s: %w", ref, err)
	}
	if secret == nil {
		return nil, berrors.InternalServerError("transit sign with %s: empty response", ref)
	}
	sig, _ := secret.Data["signature"].(string)
	return parseSignature(sig, version)
}

// parseSignature decodes Transit's "vault:v<N>:<base64>" form and checks the
// key version Vault says it used.
func parseSignature(s string, wantVersion int) ([]byte, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != "vault" || !strings.HasPrefix(parts[1], "v") {
		return nil, berrors.InternalServerError("malformed transit signature %q", s)
	}
	got, err := strconv.Atoi(strings.TrimPrefix(parts[1], "v"))
	if err != nil || got != wantVersion {
		return nil, berrors.InternalServerError("transit signed with key version %q, want %d", parts[1], wantVersion)
	}
	sig, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, berrors.InternalServerError("decoding transit signature: %s", err)
	}
	return sig, nil
}
