// Package keymanager drives the custody backend's key operations: creating a
// key behind a throwaway self-signed placeholder, asking for a CSR that
// reuses it, and merging the signed certificate back.
package keymanager

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/custody"
	berrors "github.com/vaultca/vaultca/errors"
	blog "github.com/vaultca/vaultca/log"
)

// Manager wraps a custody.Backend with the policy switches of the issuance
// workflow. Every method is safe to repeat for the same name.
type Manager struct {
	backend custody.Backend
	clk     clock.Clock
	log     blog.Logger

	// disableTimeout bounds each disable run in the background.
	disableTimeout time.Duration
	// background tracks those disables.
	background sync.WaitGroup

	awaitLatency *prometheus.HistogramVec
}

func New(backend custody.Backend, disableTimeout time.Duration, stats prometheus.Registerer, clk clock.Clock, logger blog.Logger) *Manager {
	awaitLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "key_operation_await_seconds",
		Help:    "Time spent waiting for custody key operations to finish, by issuer policy and final status",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"issuer", "status"})
	stats.MustRegister(awaitLatency)
	return &Manager{
		backend:        backend,
		clk:            clk,
		log:            logger,
		disableTimeout: disableTimeout,
		awaitLatency:   awaitLatency,
	}
}

// Wait blocks until every background disable has finished.
func (m *Manager) Wait() {
	m.background.Wait()
}

// VersionCount returns the number of certificate versions persisted under
// name.
func (m *Manager) VersionCount(ctx context.Context, name string) (int, error) {
	return m.backend.Versions(ctx, name)
}

// await blocks until op finishes and records how long that took.
func (m *Manager) await(ctx context.Context, op *custody.Operation) (*custody.Operation, error) {
	start := m.clk.Now()
	done, err := m.backend.Await(ctx, op)
	status := "error"
	if err == nil {
		status = string(done.Status)
	}
	m.awaitLatency.With(prometheus.Labels{
		"issuer": string(op.Policy.IssuerName),
		"status": status,
	}).Observe(m.clk.Since(start).Seconds())
	return done, err
}

// opError turns the message a failed operation carries into an error.
func opError(op *custody.Operation) error {
	if op.Error != "" {
		return errors.New(op.Error)
	}
	return nil
}

// CreatePlaceholderKey makes the backend generate a new key for name and
// self-sign a placeholder certificate with it. Any earlier pending operation
// for name is discarded first. The returned token must be disabled once the
// real certificate has been merged or the workflow has given up.
//
// If ctx ends while the key is being created the backend still finishes the
// operation, so its placeholder is disabled in the background once it does.
func (m *Manager) CreatePlaceholderKey(ctx context.Context, name string, subject core.Subject, keyType core.KeyType, keySize int) (*Placeholder, error) {
	err := m.backend.DeletePendingOperation(ctx, name)
	if err != nil {
		m.log.Debugf("deleting pending operation for %q: %s", name, err)
	}

	op, err := m.backend.StartKeyOperation(ctx, name, custody.Policy{
		IssuerName: custody.IssuerSelf,
		Subject:    subject.String(),
		KeyType:    keyType,
		KeySize:    keySize,
	})
	if err != nil {
		return nil, berrors.KeyOperationFailedError(err, "starting key creation for %q", name)
	}
	done, err := m.await(ctx, op)
	if err != nil {
		if ctx.Err() != nil {
			m.disableAbandoned(ctx, name, op)
		}
		return nil, berrors.KeyOperationFailedError(err, "waiting for key creation for %q", name)
	}
	op = done
	if op.Status != custody.StatusCompleted {
		return nil, berrors.KeyOperationFailedError(opError(op), "key creation for %q ended %s", name, op.Status)
	}
	if op.PlaceholderID == "" || op.KeyRef.IsZero() {
		return nil, berrors.KeyOperationFailedError(nil, "key creation for %q completed without a placeholder", name)
	}

	p := &Placeholder{
		Name:   name,
		ID:     op.PlaceholderID,
		KeyRef: op.KeyRef,
		mgr:    m,
	}
	bundle, err := m.backend.GetCertificateBundle(ctx, name)
	if err == nil && bundle.ID != op.PlaceholderID {
		err = berrors.InternalServerError("latest certificate of %q is %s, not placeholder %s", name, bundle.ID, op.PlaceholderID)
	}
	if err == nil {
		var cert *x509.Certificate
		cert, err = bundle.Certificate()
		if err == nil {
			p.DER = bundle.DER
			p.PublicKey = cert.PublicKey
		}
	}
	if err != nil {
		// The placeholder exists even though we cannot hand it out.
		p.DisableAsync(ctx, m.disableTimeout)
		return nil, berrors.KeyOperationFailedError(err, "reading placeholder for %q", name)
	}
	return p, nil
}

// RequestCsrReusingKey switches name's policy to an unknown issuer with the
// existing key and returns the CSR the backend emits for it. The operation
// stays pending until MergeSignedCertificate completes it.
func (m *Manager) RequestCsrReusingKey(ctx context.Context, name string, subject core.Subject, keySize int, tags map[string]string) ([]byte, error) {
	op, err := m.backend.StartKeyOperation(ctx, name, custody.Policy{
		IssuerName: custody.IssuerUnknown,
		Subject:    subject.String(),
		KeySize:    keySize,
		ReuseKey:   true,
		Tags:       tags,
	})
	if err != nil {
		return nil, berrors.CSROperationFailedError(err, "requesting CSR for %q", name)
	}
	op, err = m.await(ctx, op)
	if err != nil {
		return nil, berrors.CSROperationFailedError(err, "waiting for CSR for %q", name)
	}
	if op.Status != custody.StatusCompleted {
		return nil, berrors.CSROperationFailedError(opError(op), "CSR operation for %q ended %s", name, op.Status)
	}
	if len(op.CSR) == 0 {
		return nil, berrors.CSROperationFailedError(nil, "CSR operation for %q completed without a CSR", name)
	}
	return op.CSR, nil
}

// MergeSignedCertificate completes name's pending operation with der and
// returns the version it was stored as.
func (m *Manager) MergeSignedCertificate(ctx context.Context, name string, der []byte) (int, error) {
	bundle, err := m.backend.Merge(ctx, name, [][]byte{der})
	if err != nil {
		return 0, berrors.MergeFailedError(err, "merging certificate into %q", name)
	}
	return bundle.Version, nil
}

// disableAbandoned waits, detached from ctx's cancellation, for a key
// creation nobody is waiting on any more and disables its placeholder.
func (m *Manager) disableAbandoned(ctx context.Context, name string, op *custody.Operation) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.disableTimeout)
		defer cancel()
		done, err := m.backend.Await(ctx, op)
		if err != nil {
			m.log.Warningf("abandoned key creation for %q did not finish: %s", name, err)
			return
		}
		if done.Status != custody.StatusCompleted || done.PlaceholderID == "" {
			return
		}
		m.log.Infof("disabling placeholder %s of abandoned key creation for %q", done.PlaceholderID, name)
		m.DisablePlaceholder(ctx, done.PlaceholderID)
	}()
}

// DisablePlaceholder disables the placeholder certificate id. Failures are
// logged and otherwise ignored.
func (m *Manager) DisablePlaceholder(ctx context.Context, id string) {
	err := m.backend.SetEnabled(ctx, id, false)
	if err != nil {
		m.log.Warningf("disabling placeholder %s: %s", id, err)
		return
	}
	m.log.Debugf("disabled placeholder %s", id)
}

// Placeholder is the token for a placeholder certificate. It is disabled at
// most once no matter how many callers race to do it.
type Placeholder struct {
	Name   string
	ID     string
	KeyRef custody.KeyReference
	// DER and PublicKey describe the placeholder certificate, whose key is
	// the one every later CSR for Name must carry.
	DER       []byte
	PublicKey crypto.PublicKey

	mgr     *Manager
	claimed atomic.Bool
}

// claim reports whether the caller won the right to disable p.
func (p *Placeholder) claim() bool {
	return p.claimed.CompareAndSwap(false, true)
}

// Disabled reports whether a disable has been claimed for p.
func (p *Placeholder) Disabled() bool {
	return p.claimed.Load()
}

// Disable disables the placeholder unless that has already been done.
func (p *Placeholder) Disable(ctx context.Context) {
	if !p.claim() {
		return
	}
	p.mgr.DisablePlaceholder(ctx, p.ID)
}

// DisableAsync claims the placeholder and disables it in the background on
// a context that outlives ctx's cancellation, bounded by timeout. The
// returned channel is closed once the disable has been attempted; callers
// are free to ignore it.
func (p *Placeholder) DisableAsync(ctx context.Context, timeout time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if !p.claim() {
		close(done)
		return done
	}
	p.mgr.background.Add(1)
	go func() {
		defer p.mgr.background.Done()
		defer close(done)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		p.mgr.DisablePlaceholder(ctx, p.ID)
	}()
	return done
}
