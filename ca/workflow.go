package ca

import (
	"context"
	"crypto/x509"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/csr"
	"github.com/vaultca/vaultca/custody"
	berrors "github.com/vaultca/vaultca/errors"
	"github.com/vaultca/vaultca/issuance"
	"github.com/vaultca/vaultca/keymanager"
)

// State is a step of the issuance workflow.
type State int

const (
	StateInit State = iota
	StateCreatingKey
	StateRequestingCsr
	StateValidating
	StateBuilding
	StateMerging
	StateCleaningUp
	StateAlreadyExists
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateCreatingKey:
		return "CreatingKey"
	case StateRequestingCsr:
		return "RequestingCsr"
	case StateValidating:
		return "Validating"
	case StateBuilding:
		return "Building"
	case StateMerging:
		return "Merging"
	case StateCleaningUp:
		return "CleaningUp"
	case StateAlreadyExists:
		return "AlreadyExists"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

func (s State) terminal() bool {
	return s == StateAlreadyExists || s == StateDone || s == StateFailed
}

// Transition is one entry of a workflow's history.
type Transition struct {
	From State  `json:"from"`
	To   State  `json:"to"`
	Err  string `json:"error,omitempty"`
}

// issuer is a CA certificate together with the backend key that signs for
// it.
type issuer struct {
	name   string
	cert   *x509.Certificate
	key    custody.KeyReference
	bundle *custody.CertificateBundle
}

// workflow carries one issuance from Init to a terminal state. It is used
// by a single goroutine.
type workflow struct {
	ca *CertificateAuthority

	// What to issue.
	name       string
	subject    core.Subject
	keyType    core.KeyType
	keySize    int
	tags       map[string]string
	issuerName string
	notBefore  time.Time
	notAfter   time.Time
	isCA       bool
	pathLength *int
	dnsNames   []string
	emails     []string
	// csrOnly stops the workflow once the backend's CSR has been validated,
	// leaving the pending operation open for a later merge.
	csrOnly bool

	state   State
	history []Transition
	// err is the first failure; cleanup never replaces it.
	err error

	issuer      *issuer
	placeholder *keymanager.Placeholder
	// external is set when the caller supplied the CSR, so no key is
	// created in the backend and the result is imported rather than merged.
	external bool
	csrDER   []byte
	doc      *csr.Document
	certDER  []byte
	version  int
}

// run drives w to a terminal state and returns the first error it met.
func (w *workflow) run(ctx context.Context) error {
	// Backstop for a panic mid-workflow; Placeholder makes a second
	// disable a no-op.
	defer w.cleanup(ctx)

	for !w.state.terminal() {
		stepCtx, span := w.ca.tracer.Start(ctx, w.state.String(), trace.WithAttributes(
			attribute.String("vaultca.name", w.name),
		))
		from := w.state
		next := w.step(stepCtx)
		if failing(w.err, next) {
			span.RecordError(w.err)
			span.SetStatus(codes.Error, w.err.Error())
		}
		span.End()
		w.transition(from, next)
	}
	return w.err
}

func (w *workflow) transition(from, to State) {
	t := Transition{From: from, To: to}
	if failing(w.err, to) {
		t.Err = w.err.Error()
	}
	w.history = append(w.history, t)
	w.state = to
	w.ca.log.Debugf("issuance of %q: %s -> %s", w.name, from, to)
}

// failing reports whether moving to next is the failure edge out of a state.
func failing(err error, next State) bool {
	return err != nil && (next == StateFailed || next == StateCleaningUp)
}

// step runs the transition function of the current state.
func (w *workflow) step(ctx context.Context) State {
	switch w.state {
	case StateInit:
		return w.init(ctx)
	case StateCreatingKey:
		return w.createKey(ctx)
	case StateRequestingCsr:
		return w.requestCsr(ctx)
	case StateValidating:
		return w.validate(ctx)
	case StateBuilding:
		return w.build(ctx)
	case StateMerging:
		return w.merge(ctx)
	case StateCleaningUp:
		return w.cleaningUp(ctx)
	}
	w.err = berrors.InternalServerError("issuance of %q reached unknown state %d", w.name, w.state)
	return StateFailed
}

// fail records err and picks the failure edge: straight to Failed before a
// placeholder exists, through CleaningUp after.
func (w *workflow) fail(err error) State {
	if w.err == nil {
		w.err = err
	}
	if w.placeholder != nil {
		return StateCleaningUp
	}
	return StateFailed
}

func (w *workflow) init(ctx context.Context) State {
	n, err := w.ca.keys.VersionCount(ctx, w.name)
	if err != nil {
		return w.fail(err)
	}
	if n > 0 {
		return StateAlreadyExists
	}
	if w.issuerName != "" {
		w.issuer, err = w.ca.loadIssuer(ctx, w.issuerName)
		if err != nil {
			return w.fail(err)
		}
	}
	if w.external {
		return StateValidating
	}
	return StateCreatingKey
}

func (w *workflow) createKey(ctx context.Context) State {
	p, err := w.ca.keys.CreatePlaceholderKey(ctx, w.name, w.subject, w.keyType, w.keySize)
	if err != nil {
		return w.fail(err)
	}
	w.placeholder = p
	return StateRequestingCsr
}

func (w *workflow) requestCsr(ctx context.Context) State {
	der, err := w.ca.keys.RequestCsrReusingKey(ctx, w.name, w.subject, w.keySize, w.tags)
	if err != nil {
		return w.fail(err)
	}
	w.csrDER = der
	return StateValidating
}

func (w *workflow) validate(_ context.Context) State {
	doc, err := w.ca.csrs.Validate(w.csrDER)
	if err != nil {
		return w.fail(err)
	}
	if w.placeholder != nil {
		eq, err := core.PublicKeysEqual(doc.PublicKey, w.placeholder.PublicKey)
		if err != nil || !eq {
			return w.fail(berrors.CSRInvalidError("CSR for %q does not carry the key of placeholder %s", w.name, w.placeholder.ID))
		}
	}
	w.doc = doc
	if w.csrOnly {
		return StateCleaningUp
	}
	return StateBuilding
}

func (w *workflow) build(ctx context.Context) State {
	req := &issuance.Request{
		Subject:        w.doc.Subject,
		PublicKey:      w.doc.PublicKey,
		NotBefore:      w.notBefore,
		NotAfter:       w.notAfter,
		IsCA:           w.isCA,
		PathLength:     w.pathLength,
		DNSNames:       w.dnsNames,
		EmailAddresses: w.emails,
	}
	if len(req.DNSNames) == 0 && len(req.EmailAddresses) == 0 {
		req.DNSNames = w.doc.DNSNames
		req.EmailAddresses = w.doc.EmailAddresses
	}
	if w.issuer != nil {
		req.Issuer = w.issuer.cert
		req.IssuerKey = w.issuer.key
	} else {
		req.IssuerKey = w.placeholder.KeyRef
	}

	der, err := w.ca.builder.Build(ctx, req)
	if err != nil {
		return w.fail(err)
	}
	w.certDER = der
	return StateMerging
}

func (w *workflow) merge(ctx context.Context) State {
	if w.external {
		b, err := w.ca.backend.ImportCertificate(ctx, w.name, w.certDER, w.tags)
		if err != nil {
			return w.fail(berrors.MergeFailedError(err, "importing certificate into %q", w.name))
		}
		w.version = b.Version
		return StateDone
	}
	version, err := w.ca.keys.MergeSignedCertificate(ctx, w.name, w.certDER)
	if err != nil {
		return w.fail(err)
	}
	w.version = version
	return StateCleaningUp
}

func (w *workflow) cleaningUp(ctx context.Context) State {
	w.cleanup(ctx)
	if w.err != nil {
		return StateFailed
	}
	return StateDone
}

// cleanup disables the placeholder, if there is one. A cancelled ctx moves
// the disable onto a detached context in the background.
func (w *workflow) cleanup(ctx context.Context) {
	if w.placeholder == nil || w.placeholder.Disabled() {
		return
	}
	if ctx.Err() != nil {
		w.ca.log.Infof("issuance of %q cancelled, disabling placeholder %s in the background", w.name, w.placeholder.ID)
		w.placeholder.DisableAsync(ctx, w.ca.disableTimeout)
		return
	}
	w.placeholder.Disable(ctx)
}
