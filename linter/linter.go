package linter

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint: gosec // RFC 5280 4.2.1.2 method (1)
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"strings"

	zlintx509 "github.com/zmap/zcrypto/x509"
	"github.com/zmap/zlint/v3"
	"github.com/zmap/zlint/v3/lint"

	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/linter/lints"

	_ "github.com/vaultca/vaultca/linter/lints/profile"
)

var ErrLinting = errors.New("failed lint(s)")

// Linter is capable of linting a to-be-signed (TBS) certificate. It does so by
// signing that certificate with a throwaway private key and a fake issuer whose
// public key matches the throwaway private key, and then running the resulting
// certificate through a registry of zlint lints. The real issuer key is never
// used, so linting costs no round trip to the custody backend.
type Linter struct {
	// issuer is nil when the certificates being linted are self-signed.
	issuer     *x509.Certificate
	signer     crypto.Signer
	realPubKey crypto.PublicKey
	registry   lint.Registry
}

// New constructs a Linter for certificates signed by the key whose public
// half is realPubKey. realIssuer is the certificate of that key, or nil when
// the certificates will be self-signed. skipLints names lints not to run.
func New(realIssuer *x509.Certificate, realPubKey crypto.PublicKey, skipLints []string) (*Linter, error) {
	lintSigner, err := makeSigner(realPubKey)
	if err != nil {
		return nil, err
	}
	var lintIssuer *x509.Certificate
	if realIssuer != nil {
		lintIssuer, err = makeIssuer(realIssuer, lintSigner)
		if err != nil {
			return nil, err
		}
	}
	reg, err := NewRegistry(skipLints)
	if err != nil {
		return nil, err
	}
	return &Linter{lintIssuer, lintSigner, realPubKey, reg}, nil
}

// Check signs the given TBS certificate using the Linter's fake issuer cert and
// private key, then runs the resulting certificate through the registry. If
// subjectPubKey is the real signer's public key, the throwaway cert carries
// the linter's public key instead so that it still appears self-signed.
// Lints that end in an error or fatal status fail the check; the names and
// details of lints that only warned are returned.
func (l *Linter) Check(tbs *x509.Certificate, subjectPubKey crypto.PublicKey) ([]string, error) {
	lintPubKey := subjectPubKey
	selfSigned, err := core.PublicKeysEqual(subjectPubKey, l.realPubKey)
	if err != nil {
		return nil, err
	}
	if selfSigned {
		lintPubKey = l.signer.Public()
		tbs, err = rekey(tbs, lintPubKey)
		if err != nil {
			return nil, err
		}
	}

	issuer := l.issuer
	if issuer == nil {
		issuer = tbs
	}
	cert, err := makeLintCert(tbs, lintPubKey, issuer, l.signer)
	if err != nil {
		return nil, err
	}
	return ProcessResultSet(zlint.LintCertificateEx(cert, l.registry))
}

// rekey returns a copy of tbs whose key identifiers describe pub, so that
// a certificate carrying the throwaway key stays internally consistent.
func rekey(tbs *x509.Certificate, pub crypto.PublicKey) (*x509.Certificate, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	bits, ok := lints.SubjectPublicKeyBits(spki)
	if !ok {
		return nil, errors.New("failed to parse lint public key")
	}
	sum := sha1.Sum(bits)
	c := *tbs
	if bytes.Equal(c.AuthorityKeyId, c.SubjectKeyId) {
		c.AuthorityKeyId = sum[:]
	}
	if len(c.SubjectKeyId) > 0 {
		c.SubjectKeyId = sum[:]
	}
	return &c, nil
}

func makeSigner(realPubKey crypto.PublicKey) (crypto.Signer, error) {
	var lintSigner crypto.Signer
	var err error
	switch k := realPubKey.(type) {
	case *rsa.PublicKey:
		lintSigner, err = rsa.GenerateKey(rand.Reader, k.Size()*8)
		if err != nil {
			return nil, fmt.Errorf("failed to create RSA lint signer: %w", err)
		}
	case *ecdsa.PublicKey:
		lintSigner, err = ecdsa.GenerateKey(k.Curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create ECDSA lint signer: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported lint signer type: %T", k)
	}
	return lintSigner, nil
}

func makeIssuer(realIssuer *x509.Certificate, lintSigner crypto.Signer) (*x509.Certificate, error) {
	// Copy everything x509.CreateCertificate carries over from a template so
	// that the lint issuer differs from the real one only in its key.
	lintIssuerTBS := &x509.Certificate{
		AuthorityKeyId:        realIssuer.AuthorityKeyId,
		BasicConstraintsValid: realIssuer.BasicConstraintsValid,
		DNSNames:              realIssuer.DNSNames,
		EmailAddresses:        realIssuer.EmailAddresses,
		ExtKeyUsage:           realIssuer.ExtKeyUsage,
		ExtraExtensions:       realIssuer.ExtraExtensions,
		IsCA:                  realIssuer.IsCA,
		KeyUsage:              realIssuer.KeyUsage,
		MaxPathLen:            realIssuer.MaxPathLen,
		MaxPathLenZero:        realIssuer.MaxPathLenZero,
		NotAfter:              realIssuer.NotAfter,
		NotBefore:             realIssuer.NotBefore,
		Policies:              realIssuer.Policies,
		SerialNumber:          realIssuer.SerialNumber,
		Subject:               realIssuer.Subject,
		SubjectKeyId:          realIssuer.SubjectKeyId,
	}
	lintIssuerBytes, err := x509.CreateCertificate(rand.Reader, lintIssuerTBS, lintIssuerTBS, lintSigner.Public(), lintSigner)
	if err != nil {
		return nil, fmt.Errorf("failed to create lint issuer: %w", err)
	}
	lintIssuer, err := x509.ParseCertificate(lintIssuerBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lint issuer: %w", err)
	}
	return lintIssuer, nil
}

// NewRegistry returns a zlint Registry holding the RFC 5280 lints and the
// vaultca profile lints, minus those named in skipLints.
func NewRegistry(skipLints []string) (lint.Registry, error) {
	reg, err := lint.GlobalRegistry().Filter(lint.FilterOptions{
		ExcludeNames: skipLints,
		IncludeSources: lint.SourceList{
			lint.RFC5280,
			lints.VaultCAProfile,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lint registry: %w", err)
	}
	return reg, nil
}

func makeLintCert(tbs *x509.Certificate, subjectPubKey crypto.PublicKey, issuer *x509.Certificate, signer crypto.Signer) (*zlintx509.Certificate, error) {
	lintCertBytes, err := x509.CreateCertificate(rand.Reader, tbs, issuer, subjectPubKey, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create lint certificate: %w", err)
	}
	lintCert, err := zlintx509.ParseCertificate(lintCertBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lint certificate: %w", err)
	}
	// RFC 5280, Sections 4.1.2.6 and 8
	if issuer != tbs && !bytes.Equal(issuer.RawSubject, lintCert.RawIssuer) {
		return nil, fmt.Errorf("mismatch between lint issuer RawSubject and lintCert.RawIssuer DER bytes: \"%x\" != \"%x\"", issuer.RawSubject, lintCert.RawIssuer)
	}
	return lintCert, nil
}

// ProcessResultSet turns a zlint result set into an ErrLinting error naming
// every lint that errored, plus the names of lints that produced notices or
// warnings.
func ProcessResultSet(lintRes *zlint.ResultSet) ([]string, error) {
	var failed, warned []string
	for lintName, result := range lintRes.Results {
		switch {
		case result.Status >= lint.Error:
			failed = append(failed, fmt.Sprintf("%s (%s)", lintName, result.Details))
		case result.Status > lint.Pass:
			warned = append(warned, lintName)
		}
	}
	slices.Sort(warned)
	if len(failed) > 0 {
		slices.Sort(failed)
		return warned, fmt.Errorf("%w: %s", ErrLinting, strings.Join(failed, ", "))
	}
	return warned, nil
}
