// Package memory provides in-process implementations of the custody stores
// for tests and local development. Keys are generated in software and held
// in memory, so they offer none of the protection of a real vault.
package memory

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"strconv"
	"sync"

	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/custody"
	berrors "github.com/vaultca/vaultca/errors"
)

// StoreName is the KeyReference.Store of keys from a KeyStore.
const StoreName = "memory"

// KeyStore is a custody.KeyStore over software keys.
type KeyStore struct {
	mu   sync.Mutex
	keys map[string][]crypto.Signer
}

var _ custody.KeyStore = (*KeyStore)(nil)

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string][]crypto.Signer)}
}

func (ks *KeyStore) CreateKey(_ context.Context, name string, keyType core.KeyType, bits int) (custody.KeyReference, error) {
	var key crypto.Signer
	var err error
	switch keyType {
	case core.RSAKey:
		key, err = rsa.GenerateKey(rand.Reader, bits)
	case core.ECDSAKey:
		switch bits {
		case 256:
			key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		case 384:
			key, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		default:
			return custody.KeyReference{}, berrors.MalformedError("unsupported curve size %d", bits)
		}
	default:
		return custody.KeyReference{}, berrors.MalformedError("unsupported key type %q", keyType)
	}
	if err != nil {
		return custody.KeyReference{}, err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[name] = append(ks.keys[name], key)
	return custody.KeyReference{
		Store:   StoreName,
		ID:      name,
		Version: strconv.Itoa(len(ks.keys[name])),
	}, nil
}

func (ks *KeyStore) key(ref custody.KeyReference) (crypto.Signer, error) {
	if ref.Store != StoreName {
		return nil, berrors.MalformedError("key %s does not belong to the memory store", ref)
	}
	v, err := strconv.Atoi(ref.Version)
	if err != nil {
		return nil, berrors.MalformedError("bad key version %q", ref.Version)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	versions := ks.keys[ref.ID]
	if v < 1 || v > len(versions) {
		return nil, berrors.NotFoundError("no key %s", ref)
	}
	return versions[v-1], nil
}

func (ks *KeyStore) PublicKey(_ context.Context, ref custody.KeyReference) (crypto.PublicKey, error) {
	key, err := ks.key(ref)
	if err != nil {
		return nil, err
	}
	return key.Public(), nil
}

func (ks *KeyStore) Sign(_ context.Context, ref custody.KeyReference, hash crypto.Hash, digest []byte) ([]byte, error) {
	key, err := ks.key(ref)
	if err != nil {
		return nil, err
	}
	if len(digest) != hash.Size() {
		return nil, berrors.MalformedError("digest length %d doesn't match %s", len(digest), hash)
	}
	return key.Sign(rand.Reader, digest, hash)
}

// CertStore is a custody.CertStore over maps. Records are copied on the way
// in and out.
type CertStore struct {
	mu           sync.Mutex
	versions     map[string][]*custody.CertificateBundle
	pending      map[string]*custody.Operation
	placeholders map[string]*custody.CertificateBundle
}

var _ custody.CertStore = (*CertStore)(nil)

func NewCertStore() *CertStore {
	return &CertStore{
		versions:     make(map[string][]*custody.CertificateBundle),
		pending:      make(map[string]*custody.Operation),
		placeholders: make(map[string]*custody.CertificateBundle),
	}
}

func (cs *CertStore) CountVersions(_ context.Context, name string) (int, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.versions[name]), nil
}

func (cs *CertStore) LatestVersion(_ context.Context, name string) (*custody.CertificateBundle, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	versions := cs.versions[name]
	if len(versions) == 0 {
		return nil, berrors.NotFoundError("no versions of %q", name)
	}
	return versions[len(versions)-1].Clone(), nil
}

func (cs *CertStore) AppendVersion(_ context.Context, name string, b *custody.CertificateBundle) (int, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	stored := b.Clone()
	stored.Version = len(cs.versions[name]) + 1
	cs.versions[name] = append(cs.versions[name], stored)
	return stored.Version, nil
}

func (cs *CertStore) GetPending(_ context.Context, name string) (*custody.Operation, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	op, ok := cs.pending[name]
	if !ok {
		return nil, berrors.NotFoundError("no pending operation for %q", name)
	}
	return op.Clone(), nil
}

func (cs *CertStore) PutPending(_ context.Context, op *custody.Operation) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.pending[op.Name] = op.Clone()
	return nil
}

func (cs *CertStore) DeletePending(_ context.Context, name string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.pending, name)
	return nil
}

func (cs *CertStore) GetPlaceholder(_ context.Context, id string) (*custody.CertificateBundle, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	b, ok := cs.placeholders[id]
	if !ok {
		return nil, berrors.NotFoundError("no placeholder %q", id)
	}
	return b.Clone(), nil
}

func (cs *CertStore) PutPlaceholder(_ context.Context, b *custody.CertificateBundle) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.placeholders[b.ID] = b.Clone()
	return nil
}
