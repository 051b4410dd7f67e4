package custody

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"

	"github.com/vaultca/vaultca/core"
	berrors "github.com/vaultca/vaultca/errors"
	blog "github.com/vaultca/vaultca/log"
)

const (
	// opTimeout bounds the background half of a key operation. The caller's
	// context does not: a real vault keeps working after its client leaves.
	opTimeout = 5 * time.Minute

	defaultPlaceholderMonths = 12
)

var errStillRunning = errors.New("operation still in progress")

// Vault composes a KeyStore and a CertStore into a Backend with the
// two-phase certificate lifecycle of a cloud key vault: a key operation is
// started, completes in the background, and for CSRs waits for a signed
// certificate to be merged.
type Vault struct {
	keys  KeyStore
	certs CertStore
	clk   clock.Clock
	log   blog.Logger

	// InitialPollInterval and MaxPollInterval shape Await's exponential
	// backoff.
	InitialPollInterval time.Duration
	MaxPollInterval     time.Duration

	// mu serializes read-compare-write of pending operations.
	mu sync.Mutex
	wg sync.WaitGroup
}

var _ Backend = (*Vault)(nil)

func NewVault(keys KeyStore, certs CertStore, clk clock.Clock, logger blog.Logger) *Vault {
	return &Vault{
		keys:                keys,
		certs:               certs,
		clk:                 clk,
		log:                 logger,
		InitialPollInterval: 50 * time.Millisecond,
		MaxPollInterval:     2 * time.Second,
	}
}

// Wait blocks until every background key operation has finished.
func (v *Vault) Wait() {
	v.wg.Wait()
}

func (v *Vault) Versions(ctx context.Context, name string) (int, error) {
	return v.certs.CountVersions(ctx, name)
}

func (v *Vault) DeletePendingOperation(ctx context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.certs.DeletePending(ctx, name)
}

// StartKeyOperation records an in-progress operation for name and completes
// it in the background.
func (v *Vault) StartKeyOperation(ctx context.Context, name string, policy Policy) (*Operation, error) {
	if policy.IssuerName != IssuerSelf && policy.IssuerName != IssuerUnknown {
		return nil, berrors.MalformedError("unsupported issuer %q", policy.IssuerName)
	}
	subject, err := core.ParseSubject(policy.Subject)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	var prevKey KeyReference
	if policy.ReuseKey {
		prevKey, err = v.currentKey(ctx, name)
		if err != nil {
			v.mu.Unlock()
			return nil, err
		}
	}
	op := &Operation{
		ID:      uuid.NewString(),
		Name:    name,
		Status:  StatusInProgress,
		Policy:  policy,
		KeyRef:  prevKey,
		Created: v.clk.Now(),
	}
	err = v.certs.PutPending(ctx, op)
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
		defer cancel()
		v.complete(bgCtx, op.Clone(), subject)
	}()
	return op.Clone(), nil
}

// currentKey returns the key a reuse-key operation should use: the key of
// the name's previous operation, or failing that of its latest version.
func (v *Vault) currentKey(ctx context.Context, name string) (KeyReference, error) {
	prev, err := v.certs.GetPending(ctx, name)
	if err == nil && prev.Status == StatusCompleted && !prev.KeyRef.IsZero() {
		return prev.KeyRef, nil
	}
	if err != nil && !berrors.Is(err, berrors.NotFound) {
		return KeyReference{}, err
	}
	latest, err := v.certs.LatestVersion(ctx, name)
	if err != nil {
		if berrors.Is(err, berrors.NotFound) {
			return KeyReference{}, berrors.NotFoundError("no key to reuse for %q", name)
		}
		return KeyReference{}, err
	}
	if latest.KeyRef.IsZero() {
		return KeyReference{}, berrors.NotFoundError("latest version of %q has no backend key", name)
	}
	return latest.KeyRef, nil
}

func (v *Vault) complete(ctx context.Context, op *Operation, subject core.Subject) {
	err := v.produce(ctx, op, subject)
	if err != nil {
		op.Status = StatusFailed
		op.Error = err.Error()
		v.log.Warningf("key operation %s for %q failed: %s", op.ID, op.Name, err)
	} else {
		op.Status = StatusCompleted
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	cur, err := v.certs.GetPending(ctx, op.Name)
	if err != nil || cur.ID != op.ID {
		// Deleted or replaced while we worked; the result has no home.
		v.log.Debugf("dropping result of superseded key operation %s for %q", op.ID, op.Name)
		return
	}
	err = v.certs.PutPending(ctx, op)
	if err != nil {
		v.log.Errf("recording result of key operation %s for %q: %s", op.ID, op.Name, err)
	}
}

// produce does the work of a key operation, filling in op's key reference
// and its placeholder or CSR.
func (v *Vault) produce(ctx context.Context, op *Operation, subject core.Subject) error {
	if op.KeyRef.IsZero() {
		ref, err := v.keys.CreateKey(ctx, op.Name, op.Policy.KeyType, op.Policy.KeySize)
		if err != nil {
			return err
		}
		op.KeyRef = ref
	}
	pub, err := v.keys.PublicKey(ctx, op.KeyRef)
	if err != nil {
		return err
	}
	s := &keySigner{ctx: ctx, keys: v.keys, ref: op.KeyRef, pub: pub}

	if op.Policy.IssuerName == IssuerUnknown {
		op.CSR, err = x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
			Subject: subject.Name(),
		}, s)
		return err
	}

	der, err := v.selfSign(subject, op.Policy.ValidityMonths, s)
	if err != nil {
		return err
	}
	placeholder := &CertificateBundle{
		ID:          uuid.NewString(),
		Name:        op.Name,
		DER:         der,
		KeyRef:      op.KeyRef,
		Enabled:     true,
		Tags:        op.Policy.Tags,
		Placeholder: true,
		Created:     v.clk.Now(),
	}
	err = v.certs.PutPlaceholder(ctx, placeholder)
	if err != nil {
		return err
	}
	op.PlaceholderID = placeholder.ID
	return nil
}

func (v *Vault) selfSign(subject core.Subject, months int, s crypto.Signer) ([]byte, error) {
	if months <= 0 {
		months = defaultPlaceholderMonths
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := v.clk.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject.Name(),
		NotBefore:             now,
		NotAfter:              now.AddDate(0, months, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, s.Public(), s)
}

// Await polls the pending operation until it leaves the in-progress state.
func (v *Vault) Await(ctx context.Context, op *Operation) (*Operation, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.InitialPollInterval
	b.MaxInterval = v.MaxPollInterval

	return backoff.Retry(ctx, func() (*Operation, error) {
		cur, err := v.certs.GetPending(ctx, op.Name)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if cur.ID != op.ID {
			return nil, backoff.Permanent(berrors.NotFoundError("operation %s for %q was replaced", op.ID, op.Name))
		}
		if !cur.Done() {
			return nil, errStillRunning
		}
		return cur, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(opTimeout))
}

func (v *Vault) GetCertificateBundle(ctx context.Context, name string) (*CertificateBundle, error) {
	latest, err := v.certs.LatestVersion(ctx, name)
	if err == nil || !berrors.Is(err, berrors.NotFound) {
		return latest, err
	}
	op, err := v.certs.GetPending(ctx, name)
	if err != nil {
		if berrors.Is(err, berrors.NotFound) {
			return nil, berrors.NotFoundError("no certificate named %q", name)
		}
		return nil, err
	}
	if op.PlaceholderID == "" {
		return nil, berrors.NotFoundError("no certificate named %q", name)
	}
	return v.certs.GetPlaceholder(ctx, op.PlaceholderID)
}

func (v *Vault) Sign(ctx context.Context, ref KeyReference, hash crypto.Hash, digest []byte) ([]byte, error) {
	return v.keys.Sign(ctx, ref, hash, digest)
}

func (v *Vault) PublicKey(ctx context.Context, ref KeyReference) (crypto.PublicKey, error) {
	return v.keys.PublicKey(ctx, ref)
}

// Merge requires a completed pending operation whose key certifies the leaf
// of chain.
func (v *Vault) Merge(ctx context.Context, name string, chain [][]byte) (*CertificateBundle, error) {
	if len(chain) == 0 {
		return nil, berrors.MalformedError("empty certificate chain")
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, berrors.MalformedError("parsing certificate: %s", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	op, err := v.certs.GetPending(ctx, name)
	if err != nil {
		return nil, err
	}
	if op.Status != StatusCompleted {
		return nil, berrors.MalformedError("pending operation for %q is %s", name, op.Status)
	}
	pub, err := v.keys.PublicKey(ctx, op.KeyRef)
	if err != nil {
		return nil, err
	}
	eq, err := core.PublicKeysEqual(pub, leaf.PublicKey)
	if err != nil {
		return nil, berrors.MalformedError("comparing keys: %s", err)
	}
	if !eq {
		return nil, berrors.MalformedError("certificate public key does not match the key of %q", name)
	}

	bundle := &CertificateBundle{
		ID:      uuid.NewString(),
		Name:    name,
		DER:     chain[0],
		KeyRef:  op.KeyRef,
		Enabled: true,
		Tags:    op.Policy.Tags,
		Created: v.clk.Now(),
	}
	bundle.Version, err = v.certs.AppendVersion(ctx, name, bundle)
	if err != nil {
		return nil, err
	}
	err = v.certs.DeletePending(ctx, name)
	if err != nil {
		v.log.Warningf("deleting merged operation for %q: %s", name, err)
	}
	return bundle, nil
}

func (v *Vault) ImportCertificate(ctx context.Context, name string, der []byte, tags map[string]string) (*CertificateBundle, error) {
	_, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, berrors.MalformedError("parsing certificate: %s", err)
	}
	bundle := &CertificateBundle{
		ID:      uuid.NewString(),
		Name:    name,
		DER:     der,
		Enabled: true,
		Tags:    tags,
		Created: v.clk.Now(),
	}
	bundle.Version, err = v.certs.AppendVersion(ctx, name, bundle)
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// SetEnabled toggles a placeholder. Versions cannot be disabled.
func (v *Vault) SetEnabled(ctx context.Context, certificateID string, enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, err := v.certs.GetPlaceholder(ctx, certificateID)
	if err != nil {
		return err
	}
	b.Enabled = enabled
	return v.certs.PutPlaceholder(ctx, b)
}

// keySigner is a crypto.Signer over a KeyStore key, used for the artifacts
// the backend signs with the key it just created.
type keySigner struct {
	ctx  context.Context
	keys DigestSigner
	ref  KeyReference
	pub  crypto.PublicKey
}

func (s *keySigner) Public() crypto.PublicKey {
	return s.pub
}

func (s *keySigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return nil, errors.New("RSA-PSS is not supported")
	}
	return s.keys.Sign(s.ctx, s.ref, opts.HashFunc(), digest)
}
