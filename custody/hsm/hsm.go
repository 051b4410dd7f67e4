// Package hsm implements custody.KeyStore over a PKCS#11 token. Each
// CreateKey call generates a new token-resident key pair labelled with the
// certificate name; the key pair's random CKA_ID tells versions apart.
package hsm

import (
	"context"
	"crypto"
	"crypto/elliptic"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/custody"
	berrors "github.com/vaultca/vaultca/errors"
	"github.com/vaultca/vaultca/pkcs11helpers"
)

// StoreName is the KeyReference.Store of keys from a KeyStore.
const StoreName = "pkcs11"

const keyIDLen = 8

// KeyStore is a custody.KeyStore over one PKCS#11 session.
type KeyStore struct {
	// mu serializes use of the session, which holds per-operation state.
	mu      sync.Mutex
	session *pkcs11helpers.Session
}

var _ custody.KeyStore = (*KeyStore)(nil)

func New(session *pkcs11helpers.Session) *KeyStore {
	return &KeyStore{session: session}
}

var versionPrefixes = map[pkcs11helpers.KeyType]string{
	pkcs11helpers.RSAKey:   "rsa-",
	pkcs11helpers.ECDSAKey: "ec-",
}

// The key type is carried in the version string so signing needs no
// attribute lookup.
func formatVersion(kt pkcs11helpers.KeyType, id []byte) string {
	return versionPrefixes[kt] + hex.EncodeToString(id)
}

func parseVersion(v string) (pkcs11helpers.KeyType, []byte, error) {
	for kt, prefix := range versionPrefixes {
		rest, ok := strings.CutPrefix(v, prefix)
		if !ok {
			continue
		}
		id, err := hex.DecodeString(rest)
		if err != nil || len(id) == 0 {
			break
		}
		return kt, id, nil
	}
	return 0, nil, berrors.MalformedError("bad pkcs11 key version %q", v)
}

func (ks *KeyStore) CreateKey(ctx context.Context, name string, keyType core.KeyType, bits int) (custody.KeyReference, error) {
	err := ctx.Err()
	if err != nil {
		return custody.KeyReference{}, err
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	id := make([]byte, keyIDLen)
	_, err = io.ReadFull(ks.session, id)
	if err != nil {
		return custody.KeyReference{}, err
	}

	var kt pkcs11helpers.KeyType
	switch keyType {
	case core.RSAKey:
		kt = pkcs11helpers.RSAKey
		_, err = ks.session.GenerateRSAKeyPair(name, id, uint(bits))
	case core.ECDSAKey:
		kt = pkcs11helpers.ECDSAKey
		var curve elliptic.Curve
		switch bits {
		case 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		default:
			return custody.KeyReference{}, berrors.MalformedError("unsupported curve size %d", bits)
		}
		_, err = ks.session.GenerateECDSAKeyPair(name, id, curve)
	default:
		return custody.KeyReference{}, berrors.MalformedError("unsupported key type %q", keyType)
	}
	if err != nil {
		return custody.KeyReference{}, err
	}
	return custody.KeyReference{Store: StoreName, ID: name, Version: formatVersion(kt, id)}, nil
}

func (ks *KeyStore) find(ref custody.KeyReference, class uint) (pkcs11.ObjectHandle, pkcs11helpers.KeyType, error) {
	if ref.Store != StoreName {
		return 0, 0, berrors.MalformedError("key %s does not belong to the pkcs11 store", ref)
	}
	kt, id, err := parseVersion(ref.Version)
	if err != nil {
		return 0, 0, err
	}
	h, err := ks.session.FindKey(class, ref.ID, id)
	if errors.Is(err, pkcs11helpers.ErrNoObject) {
		return 0, 0, berrors.NotFoundError("no key %s on token", ref)
	}
	return h, kt, err
}

func (ks *KeyStore) PublicKey(ctx context.Context, ref custody.KeyReference) (crypto.PublicKey, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	h, kt, err := ks.find(ref, pkcs11.CKO_PUBLIC_KEY)
	if err != nil {
		return nil, err
	}
	if kt == pkcs11helpers.RSAKey {
		return ks.session.GetRSAPublicKey(h)
	}
	return ks.session.GetECDSAPublicKey(h)
}

func (ks *KeyStore) Sign(ctx context.Context, ref custody.KeyReference, hash crypto.Hash, digest []byte) ([]byte, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	h, kt, err := ks.find(ref, pkcs11.CKO_PRIVATE_KEY)
	if err != nil {
		return nil, err
	}
	sig, err := ks.session.Sign(h, kt, digest, hash)
	if err != nil {
		return nil, err
	}
	if kt == pkcs11helpers.ECDSAKey {
		return pkcs11helpers.ECDSASignatureToASN1(sig)
	}
	return sig, nil
}
