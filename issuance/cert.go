package issuance

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint: gosec // RFC 5280 4.2.1.2 method (1)
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"time"

	"github.com/jmhodges/clock"

	"github.com/vaultca/vaultca/custody"
	berrors "github.com/vaultca/vaultca/errors"
	"github.com/vaultca/vaultca/linter"
	blog "github.com/vaultca/vaultca/log"
	"github.com/vaultca/vaultca/signer"
)

const serialLen = 20

// Request describes a certificate to build.
type Request struct {
	Subject   pkix.Name
	PublicKey crypto.PublicKey

	// Issuer is the certificate of the signing key. A nil Issuer makes the
	// certificate self-signed by IssuerKey, which must then be the key of
	// PublicKey.
	Issuer    *x509.Certificate
	IssuerKey custody.KeyReference

	NotBefore time.Time
	NotAfter  time.Time

	IsCA bool
	// PathLength is the CA's pathLenConstraint. Nil means unlimited.
	PathLength *int

	DNSNames       []string
	EmailAddresses []string

	// SignatureAlgorithm overrides the algorithm derived from the issuer's
	// key when set.
	SignatureAlgorithm x509.SignatureAlgorithm
}

func (r *Request) issuerPublicKey() crypto.PublicKey {
	if r.Issuer == nil {
		return r.PublicKey
	}
	return r.Issuer.PublicKey
}

func (r *Request) valid() error {
	if r.PublicKey == nil {
		return berrors.CertificateBuildFailedError("no subject public key")
	}
	if r.PathLength != nil && !r.IsCA {
		return berrors.CertificateBuildFailedError("path length constraint on a non-CA certificate")
	}
	if r.PathLength != nil && *r.PathLength < 0 {
		return berrors.CertificateBuildFailedError("negative path length constraint %d", *r.PathLength)
	}
	if !r.NotAfter.After(r.NotBefore) {
		return berrors.CertificateBuildFailedError("NotAfter (%s) is not after NotBefore (%s)", r.NotAfter, r.NotBefore)
	}
	if r.Issuer != nil && r.Issuer.PublicKey == nil {
		return berrors.CertificateBuildFailedError("issuer certificate has no public key")
	}
	return nil
}

// SignatureAlgorithmFor returns the signature algorithm certificates signed
// by pub's key use.
func SignatureAlgorithmFor(pub crypto.PublicKey) (x509.SignatureAlgorithm, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return x509.ECDSAWithSHA256, nil
		case elliptic.P384():
			return x509.ECDSAWithSHA384, nil
		}
		return x509.UnknownSignatureAlgorithm, berrors.CertificateBuildFailedError("unsupported ECDSA curve %s", k.Curve.Params().Name)
	}
	return x509.UnknownSignatureAlgorithm, berrors.CertificateBuildFailedError("unsupported issuer key type %T", pub)
}

func generateSKID(pk crypto.PublicKey) ([]byte, error) {
	pkBytes, err := x509.MarshalPKIXPublicKey(pk)
	if err != nil {
		return nil, err
	}
	var pkixPublicKey struct {
		Algo      pkix.AlgorithmIdentifier
		BitString asn1.BitString
	}
	if _, err := asn1.Unmarshal(pkBytes, &pkixPublicKey); err != nil {
		return nil, err
	}
	skid := sha1.Sum(pkixPublicKey.BitString.Bytes)
	return skid[:], nil
}

// Config holds the Builder's optional behaviour.
type Config struct {
	// Lint runs the to-be-signed certificate through the zlint registry
	// before the custody backend is asked for a signature.
	Lint         bool
	IgnoredLints []string
}

// Builder assembles certificates and has them signed by the custody
// backend.
type Builder struct {
	gen  *signer.Generator
	cfg  Config
	clk  clock.Clock
	log  blog.Logger
	rand io.Reader
}

func NewBuilder(gen *signer.Generator, cfg Config, clk clock.Clock, logger blog.Logger) *Builder {
	return &Builder{gen: gen, cfg: cfg, clk: clk, log: logger, rand: rand.Reader}
}

func (b *Builder) serial() (*big.Int, error) {
	serialBytes := make([]byte, serialLen)
	_, err := io.ReadFull(b.rand, serialBytes)
	if err != nil {
		return nil, berrors.InternalServerError("reading serial randomness: %s", err)
	}
	// Clearing the top bit keeps the DER INTEGER positive in 20 octets.
	serialBytes[0] &= 0x7f
	serial := new(big.Int).SetBytes(serialBytes)
	if serial.Sign() == 0 {
		return nil, berrors.InternalServerError("zero serial")
	}
	return serial, nil
}

func (b *Builder) template(req *Request, sigAlg x509.SignatureAlgorithm) (*x509.Certificate, error) {
	serial, err := b.serial()
	if err != nil {
		return nil, err
	}
	skid, err := generateSKID(req.PublicKey)
	if err != nil {
		return nil, berrors.CertificateBuildFailedError("computing subject key identifier: %s", err)
	}

	template := &x509.Certificate{
		SignatureAlgorithm:    sigAlg,
		SerialNumber:          serial,
		Subject:               req.Subject,
		NotBefore:             req.NotBefore.UTC(),
		NotAfter:              req.NotAfter.UTC(),
		BasicConstraintsValid: true,
		IsCA:                  req.IsCA,
		SubjectKeyId:          skid,
		AuthorityKeyId:        skid,
		DNSNames:              req.DNSNames,
		EmailAddresses:        req.EmailAddresses,
	}
	if req.Issuer != nil {
		template.AuthorityKeyId = req.Issuer.SubjectKeyId
	}

	if req.IsCA {
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
		switch {
		case req.PathLength == nil:
			template.MaxPathLen = -1
		case *req.PathLength == 0:
			template.MaxPathLen = 0
			template.MaxPathLenZero = true
		default:
			template.MaxPathLen = *req.PathLength
		}
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature
		if _, ok := req.PublicKey.(*rsa.PublicKey); ok {
			template.KeyUsage |= x509.KeyUsageKeyEncipherment
		}
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}
	return template, nil
}

// Build assembles the certificate req describes, has the custody backend
// sign it with req.IssuerKey and returns its DER. The result is checked
// against the issuer before it is returned.
func (b *Builder) Build(ctx context.Context, req *Request) ([]byte, error) {
	err := req.valid()
	if err != nil {
		return nil, err
	}
	if !req.NotAfter.After(b.clk.Now()) {
		return nil, berrors.CertificateBuildFailedError("certificate would already have expired at %s", req.NotAfter)
	}
	issuerPub := req.issuerPublicKey()

	sigAlg := req.SignatureAlgorithm
	if sigAlg == x509.UnknownSignatureAlgorithm {
		sigAlg, err = SignatureAlgorithmFor(issuerPub)
		if err != nil {
			return nil, err
		}
	}
	err = signer.Check(sigAlg, issuerPub)
	if err != nil {
		return nil, err
	}

	template, err := b.template(req, sigAlg)
	if err != nil {
		return nil, err
	}

	if b.cfg.Lint {
		// check that the tbsCertificate is properly formed by signing it
		// with a throwaway key and then linting it using zlint
		l, err := linter.New(req.Issuer, issuerPub, b.cfg.IgnoredLints)
		if err != nil {
			return nil, berrors.Wrap(berrors.CertificateBuildFailed, err, "creating linter")
		}
		warnings, err := l.Check(template, req.PublicKey)
		if err != nil {
			return nil, berrors.Wrap(berrors.CertificateBuildFailed, err, "tbsCertificate linting failed")
		}
		if len(warnings) > 0 {
			b.log.Warningf("Lint warnings for %q: %v", req.Subject.String(), warnings)
		}
	}

	parent := req.Issuer
	if parent == nil {
		parent = template
	}
	der, err := x509.CreateCertificate(b.rand, template, parent, req.PublicKey, b.gen.Signer(ctx, req.IssuerKey, issuerPub, sigAlg))
	if err != nil {
		if berrors.Is(err, berrors.SigningFailed) {
			return nil, err
		}
		return nil, berrors.Wrap(berrors.CertificateBuildFailed, err, "creating certificate")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, berrors.Wrap(berrors.CertificateBuildFailed, err, "parsing built certificate")
	}
	if req.Issuer != nil {
		err = cert.CheckSignatureFrom(req.Issuer)
	} else {
		err = cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature)
	}
	if err != nil {
		return nil, berrors.SigningFailedError(err, "built certificate does not verify against its issuer")
	}
	return der, nil
}
