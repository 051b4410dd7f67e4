// Package ca issues certificates whose signing keys stay in a custody
// backend. Each issuance runs as a workflow that creates or reuses a
// backend key, obtains and checks a CSR for it, builds and remotely signs
// the certificate, and persists it under a logical name.
package ca

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/csr"
	"github.com/vaultca/vaultca/custody"
	berrors "github.com/vaultca/vaultca/errors"
	"github.com/vaultca/vaultca/goodkey"
	"github.com/vaultca/vaultca/issuance"
	"github.com/vaultca/vaultca/keymanager"
	blog "github.com/vaultca/vaultca/log"
	"github.com/vaultca/vaultca/signer"
)

const (
	// Tag values marking the role of a stored certificate. The tag key is
	// the certificate's name.
	tagIssuer  = "Issuer"
	tagTrusted = "Trusted"

	defaultDisableTimeout = 30 * time.Second
	maxConcurrentLookups  = 8
)

// Config holds the CertificateAuthority's tunables.
type Config struct {
	Issuance issuance.Config
	// KeyPolicy is applied to the key of every CSR. Nil selects the goodkey
	// defaults.
	KeyPolicy *goodkey.KeyPolicy
	// DisableTimeout bounds the background placeholder disable issued when a
	// workflow's context is cancelled. Zero means 30s.
	DisableTimeout time.Duration
}

// Result describes the outcome of a successful issuance. AlreadyExists
// reports that the name had a version before the call; DER and Version are
// then those of the latest existing version and nothing was changed.
type Result struct {
	DER           []byte
	Name          string
	Version       int
	AlreadyExists bool
}

// CertificateAuthority issues, stores and serves certificates held by a
// custody backend.
type CertificateAuthority struct {
	backend custody.Backend
	keys    *keymanager.Manager
	builder *issuance.Builder
	csrs    *csr.Validator
	clk     clock.Clock
	log     blog.Logger
	tracer  trace.Tracer

	disableTimeout time.Duration
	issuances      *prometheus.CounterVec
}

// NewCertificateAuthority wires a CertificateAuthority around backend.
// Metrics are registered on stats. A nil tp selects the global tracer
// provider.
func NewCertificateAuthority(
	backend custody.Backend,
	cfg Config,
	stats prometheus.Registerer,
	tp trace.TracerProvider,
	clk clock.Clock,
	logger blog.Logger,
) *CertificateAuthority {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	issuances := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "issuance_total",
		Help: "Number of issuance operations, by operation and outcome",
	}, []string{"operation", "outcome"})
	stats.MustRegister(issuances)

	disableTimeout := cfg.DisableTimeout
	if disableTimeout == 0 {
		disableTimeout = defaultDisableTimeout
	}
	return &CertificateAuthority{
		backend:        backend,
		keys:           keymanager.New(backend, disableTimeout, stats, clk, logger),
		builder:        issuance.NewBuilder(signer.New(backend, stats), cfg.Issuance, clk, logger),
		csrs:           csr.NewValidator(cfg.KeyPolicy),
		clk:            clk,
		log:            logger,
		tracer:         tp.Tracer("github.com/vaultca/vaultca/ca"),
		disableTimeout: disableTimeout,
		issuances:      issuances,
	}
}

// Wait blocks until the placeholder disables running in the background have
// finished.
func (ca *CertificateAuthority) Wait() {
	ca.keys.Wait()
}

// issuanceEvent is the audit record of one issuance attempt.
type issuanceEvent struct {
	Operation     string       `json:"operation"`
	Name          string       `json:"name"`
	Issuer        string       `json:"issuer,omitempty"`
	Subject       string       `json:"subject,omitempty"`
	Serial        string       `json:"serial,omitempty"`
	KeyDigest     string       `json:"keyDigest,omitempty"`
	NotBefore     time.Time    `json:"notBefore,omitzero"`
	NotAfter      time.Time    `json:"notAfter,omitzero"`
	Version       int          `json:"version,omitempty"`
	AlreadyExists bool         `json:"alreadyExists,omitempty"`
	History       []Transition `json:"history"`
	Error         string       `json:"error,omitempty"`
}

// observe records the outcome of op in metrics, the span and the audit log.
func (ca *CertificateAuthority) observe(span trace.Span, op string, w *workflow, err error) {
	outcome := "success"
	switch {
	case err != nil:
		outcome = berrors.TypeOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case w != nil && w.state == StateAlreadyExists:
		outcome = "alreadyExists"
	}
	ca.issuances.With(prometheus.Labels{"operation": op, "outcome": outcome}).Inc()
	span.SetAttributes(attribute.String("vaultca.outcome", outcome))

	if w == nil {
		return
	}
	event := issuanceEvent{
		Operation:     op,
		Name:          w.name,
		Issuer:        w.issuerName,
		Version:       w.version,
		AlreadyExists: w.state == StateAlreadyExists,
		History:       w.history,
	}
	if w.doc != nil {
		event.Subject = w.doc.Subject.String()
	}
	if len(w.certDER) > 0 {
		cert, parseErr := x509.ParseCertificate(w.certDER)
		if parseErr == nil {
			event.Serial = core.SerialToString(cert.SerialNumber)
			event.KeyDigest, _ = core.KeyDigest(cert.PublicKey)
			event.NotBefore = cert.NotBefore
			event.NotAfter = cert.NotAfter
		}
	}
	if err != nil {
		event.Error = err.Error()
		ca.log.AuditObject("Issuance failed", event)
		return
	}
	ca.log.AuditObject("Issuance finished", event)
}

// loadIssuer returns the latest version of the CA certificate name and the
// backend key that signs for it.
func (ca *CertificateAuthority) loadIssuer(ctx context.Context, name string) (*issuer, error) {
	b, err := ca.backend.GetCertificateBundle(ctx, name)
	if err != nil {
		return nil, err
	}
	if b.Placeholder {
		return nil, berrors.NotFoundError("issuer %q has not been issued yet", name)
	}
	if b.KeyRef.IsZero() {
		return nil, berrors.MalformedError("issuer %q has no key in the backend", name)
	}
	cert, err := b.Certificate()
	if err != nil {
		return nil, err
	}
	if !cert.IsCA || cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, berrors.MalformedError("certificate %q is not a CA certificate", name)
	}
	return &issuer{name: name, cert: cert, key: b.KeyRef, bundle: b}, nil
}

func roleTags(name string, isCA bool) map[string]string {
	if isCA {
		return map[string]string{name: tagIssuer}
	}
	return map[string]string{name: tagTrusted}
}

// newWorkflow turns a defaulted and validated request into a workflow.
func (ca *CertificateAuthority) newWorkflow(req core.CertificateRequest) *workflow {
	return &workflow{
		ca:         ca,
		name:       req.Name,
		subject:    req.Subject,
		keyType:    req.KeyType,
		keySize:    req.KeySize,
		tags:       roleTags(req.Name, req.IsCA),
		issuerName: req.IssuerName,
		notBefore:  req.NotBefore,
		notAfter:   req.NotAfter,
		isCA:       req.IsCA,
		pathLength: req.PathLength,
		dnsNames:   req.DNSNames(),
		emails:     req.EmailAddresses(),
		external:   len(req.CSR) > 0,
		csrDER:     req.CSR,
		state:      StateInit,
	}
}

// result runs w and shapes its outcome.
func (ca *CertificateAuthority) result(ctx context.Context, w *workflow) (*Result, error) {
	err := w.run(ctx)
	if err != nil {
		return nil, err
	}
	if w.state == StateAlreadyExists {
		b, err := ca.backend.GetCertificateBundle(ctx, w.name)
		if err != nil {
			return nil, err
		}
		w.version = b.Version
		return &Result{DER: b.DER, Name: w.name, Version: b.Version, AlreadyExists: true}, nil
	}
	return &Result{DER: w.certDER, Name: w.name, Version: w.version}, nil
}

func (ca *CertificateAuthority) prepare(req core.CertificateRequest) (core.CertificateRequest, error) {
	req = req.WithDefaults(ca.clk)
	err := req.Validate()
	if err != nil {
		return req, err
	}
	if req.IssuerName == "" && !req.IsCA {
		return req, berrors.MalformedError("%q is not a CA certificate and needs an issuer", req.Name)
	}
	if req.IssuerName == "" && len(req.CSR) > 0 {
		return req, berrors.MalformedError("a caller-supplied CSR for %q cannot be self-signed", req.Name)
	}
	if req.IssuerName == req.Name {
		return req, berrors.MalformedError("%q cannot be its own issuer", req.Name)
	}
	return req, nil
}

// IssueCACertificate issues a self-signed CA certificate for a new backend
// key under name, tagged as an issuer. A nil pathLength leaves the path
// length unconstrained. The key is RSA 4096 and the certificate is valid
// for 48 months from a day ago.
func (ca *CertificateAuthority) IssueCACertificate(ctx context.Context, name string, subject core.Subject, pathLength *int) (*Result, error) {
	return ca.issue(ctx, "IssueCACertificate", core.CertificateRequest{
		Name:       name,
		Subject:    subject,
		IsCA:       true,
		PathLength: pathLength,
	})
}

// IssueAndSignFromRequest issues the certificate req describes. Without CSR
// bytes a new backend key is created and certified; with them the CSR's key
// is certified by req.IssuerName and the result imported under req.Name.
// A name that already has a version is left alone and reported through
// Result.AlreadyExists.
func (ca *CertificateAuthority) IssueAndSignFromRequest(ctx context.Context, req *core.CertificateRequest) (*Result, error) {
	if req == nil {
		return nil, berrors.MalformedError("no certificate request")
	}
	return ca.issue(ctx, "IssueAndSignFromRequest", *req)
}

func (ca *CertificateAuthority) issue(ctx context.Context, op string, req core.CertificateRequest) (*Result, error) {
	ctx, span := ca.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("vaultca.name", req.Name)))
	defer span.End()

	req, err := ca.prepare(req)
	if err != nil {
		ca.observe(span, op, nil, err)
		return nil, err
	}
	w := ca.newWorkflow(req)
	res, err := ca.result(ctx, w)
	ca.observe(span, op, w, err)
	return res, err
}

// CreateCSR creates a backend key for req.Name and returns a CSR for it,
// leaving the pending operation open so that an externally signed
// certificate can later be completed with MergeCertificate. The returned
// Result carries the CSR in DER.
func (ca *CertificateAuthority) CreateCSR(ctx context.Context, req *core.CertificateRequest) (*Result, error) {
	const op = "CreateCSR"
	if req == nil {
		return nil, berrors.MalformedError("no certificate request")
	}
	ctx, span := ca.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("vaultca.name", req.Name)))
	defer span.End()

	r := req.WithDefaults(ca.clk)
	err := r.Validate()
	if err == nil && len(r.CSR) > 0 {
		err = berrors.MalformedError("CreateCSR generates its own CSR")
	}
	if err != nil {
		ca.observe(span, op, nil, err)
		return nil, err
	}
	w := ca.newWorkflow(r)
	w.tags = map[string]string{r.Name: tagTrusted}
	w.issuerName = ""
	w.csrOnly = true

	err = w.run(ctx)
	ca.observe(span, op, w, err)
	if err != nil {
		return nil, err
	}
	if w.state == StateAlreadyExists {
		return &Result{Name: r.Name, AlreadyExists: true}, nil
	}
	return &Result{DER: w.csrDER, Name: r.Name}, nil
}

// MergeCertificate completes the pending operation of name with an
// externally signed certificate for its key.
func (ca *CertificateAuthority) MergeCertificate(ctx context.Context, name string, der []byte) (*Result, error) {
	const op = "MergeCertificate"
	ctx, span := ca.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("vaultca.name", name)))
	defer span.End()

	version, err := ca.keys.MergeSignedCertificate(ctx, name, der)
	ca.observe(span, op, nil, err)
	if err != nil {
		return nil, err
	}
	ca.log.AuditInfof("Merged certificate into %q as version %d", name, version)
	return &Result{DER: der, Name: name, Version: version}, nil
}

// SignExternalCsr certifies the key of csrDER with the CA certificate
// issuerName for validityDays, counted from a day ago. Nothing is
// persisted.
func (ca *CertificateAuthority) SignExternalCsr(ctx context.Context, csrDER []byte, issuerName string, validityDays int, isCA bool) ([]byte, error) {
	const op = "SignExternalCsr"
	ctx, span := ca.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("vaultca.issuer", issuerName)))
	defer span.End()

	der, err := ca.signExternal(ctx, csrDER, issuerName, validityDays, isCA)
	ca.observe(span, op, nil, err)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err == nil {
		ca.log.AuditInfof("Signed external CSR with %q: serial=[%s] subject=[%s] notAfter=[%s]",
			issuerName, core.SerialToString(cert.SerialNumber), cert.Subject, cert.NotAfter)
	}
	return der, nil
}

func (ca *CertificateAuthority) signExternal(ctx context.Context, csrDER []byte, issuerName string, validityDays int, isCA bool) ([]byte, error) {
	if validityDays <= 0 {
		return nil, berrors.MalformedError("validity of %d days is not positive", validityDays)
	}
	doc, err := ca.csrs.Validate(csrDER)
	if err != nil {
		return nil, err
	}
	iss, err := ca.loadIssuer(ctx, issuerName)
	if err != nil {
		return nil, err
	}
	notBefore := ca.clk.Now().Add(-core.Backdate)
	return ca.builder.Build(ctx, &issuance.Request{
		Subject:        doc.Subject,
		PublicKey:      doc.PublicKey,
		Issuer:         iss.cert,
		IssuerKey:      iss.key,
		NotBefore:      notBefore,
		NotAfter:       notBefore.AddDate(0, 0, validityDays),
		IsCA:           isCA,
		DNSNames:       doc.DNSNames,
		EmailAddresses: doc.EmailAddresses,
	})
}

// GetCertificate returns the DER of the latest version of name.
func (ca *CertificateAuthority) GetCertificate(ctx context.Context, name string) ([]byte, error) {
	b, err := ca.backend.GetCertificateBundle(ctx, name)
	if err != nil {
		return nil, err
	}
	if b.Placeholder {
		return nil, berrors.NotFoundError("no certificate named %q", name)
	}
	return b.DER, nil
}

// CACertificates returns the latest version of each named CA certificate,
// in the order given. The lookups run concurrently; the first failure
// cancels the rest.
func (ca *CertificateAuthority) CACertificates(ctx context.Context, names ...string) ([]*custody.CertificateBundle, error) {
	bundles := make([]*custody.CertificateBundle, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookups)
	for i, name := range names {
		g.Go(func() error {
			iss, err := ca.loadIssuer(gctx, name)
			if err != nil {
				return err
			}
			bundles[i] = iss.bundle.Clone()
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

// PublicKey returns the PKIX DER public key of the latest version of name.
func (ca *CertificateAuthority) PublicKey(ctx context.Context, name string) ([]byte, error) {
	der, err := ca.GetCertificate(ctx, name)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, berrors.InternalServerError("parsing certificate %q: %s", name, err)
	}
	return cert.RawSubjectPublicKeyInfo, nil
}
