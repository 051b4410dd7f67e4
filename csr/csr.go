package csr

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"

	"github.com/vaultca/vaultca/core"
	berrors "github.com/vaultca/vaultca/errors"
	"github.com/vaultca/vaultca/goodkey"
)

// maxCNLength is the maximum length allowed for the common name as specified in RFC 5280
const maxCNLength = 64

// This map is used to decide which CSR signing algorithms we consider
// strong enough to use. Significantly the missing algorithms are:
// * No algorithms using MD2, MD5, or SHA-1
// * No DSA algorithms
var goodSignatureAlgorithms = map[x509.SignatureAlgorithm]bool{
	x509.SHA256WithRSA:   true,
	x509.SHA384WithRSA:   true,
	x509.SHA512WithRSA:   true,
	x509.ECDSAWithSHA256: true,
	x509.ECDSAWithSHA384: true,
	x509.ECDSAWithSHA512: true,
}

var (
	unsupportedSigAlg = berrors.CSRInvalidError("signature algorithm not supported")
	invalidSig        = berrors.CSRInvalidError("invalid signature on CSR")
	invalidNoIdent    = berrors.CSRInvalidError("CSR has neither a subject nor alternative names")
	invalidLongCN     = berrors.CSRInvalidError("CSR common name longer than %d characters", maxCNLength)
)

// Document is a parsed and verified PKCS#10 request. It is never modified
// after Validate returns it.
type Document struct {
	// Raw is the complete DER request as submitted.
	Raw []byte
	// SubjectPublicKeyInfo is the DER SPKI embedded in the request.
	SubjectPublicKeyInfo []byte
	PublicKey            crypto.PublicKey
	Subject              pkix.Name
	DNSNames             []string
	EmailAddresses       []string
}

// SubjectFields returns the request subject in the form issuance requests
// carry it.
func (d *Document) SubjectFields() core.Subject {
	return core.SubjectFromName(d.Subject)
}

// Validator parses and verifies PKCS#10 requests.
type Validator struct {
	keyPolicy *goodkey.KeyPolicy
}

// NewValidator returns a Validator that also applies keyPolicy to the
// request's public key. A nil policy selects the goodkey defaults.
func NewValidator(keyPolicy *goodkey.KeyPolicy) *Validator {
	if keyPolicy == nil {
		kp := goodkey.NewPolicy(nil)
		keyPolicy = &kp
	}
	return &Validator{keyPolicy: keyPolicy}
}

// Validate parses der as a PKCS#10 request and checks its self-signature
// with the embedded public key, which proves the requester holds the
// matching private key. It says nothing about the requester's identity.
// Every failure is a CSRInvalid error. Validate has no side effects.
func (v *Validator) Validate(der []byte) (*Document, error) {
	if len(der) == 0 {
		return nil, berrors.CSRInvalidError("empty CSR")
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, berrors.CSRInvalidError("malformed CSR: %s", err)
	}

	err = v.keyPolicy.GoodKey(csr.PublicKey)
	if err != nil {
		if errors.Is(err, goodkey.ErrBadKey) {
			return nil, berrors.CSRInvalidError("invalid public key in CSR: %s", err)
		}
		return nil, berrors.InternalServerError("error checking key validity: %s", err)
	}
	if !goodSignatureAlgorithms[csr.SignatureAlgorithm] {
		return nil, unsupportedSigAlg
	}

	err = csr.CheckSignature()
	if err != nil {
		return nil, invalidSig
	}

	if len(csr.Subject.CommonName) > maxCNLength {
		return nil, invalidLongCN
	}
	if len(csr.Subject.Names) == 0 && len(csr.DNSNames) == 0 && len(csr.EmailAddresses) == 0 {
		return nil, invalidNoIdent
	}

	return &Document{
		Raw:                  bytes.Clone(csr.Raw),
		SubjectPublicKeyInfo: bytes.Clone(csr.RawSubjectPublicKeyInfo),
		PublicKey:            csr.PublicKey,
		Subject:              csr.Subject,
		DNSNames:             csr.DNSNames,
		EmailAddresses:       csr.EmailAddresses,
	}, nil
}

var defaultValidator = NewValidator(nil)

// Validate checks der with the default key policy.
func Validate(der []byte) (*Document, error) {
	return defaultValidator.Validate(der)
}
