package core

import (
	"strings"
	"time"

	"github.com/jmhodges/clock"

	berrors "github.com/vaultca/vaultca/errors"
)

// KeyType names the kind of asymmetric key the custody backend generates.
type KeyType string

const (
	RSAKey   KeyType = "RSA"
	ECDSAKey KeyType = "EC"
)

const (
	// DefaultKeySize is used when a request does not name one.
	DefaultKeySize = 4096
	// DefaultValidityMonths is the lifetime of a certificate whose request
	// carries no explicit NotAfter.
	DefaultValidityMonths = 48
	// Backdate is subtracted from the current time to form the default
	// NotBefore, so that relying parties with skewed clocks accept the
	// certificate straight away.
	Backdate = 24 * time.Hour

	defaultNamePrefix = "SIAG"
)

// allowedKeySizes maps each key type to the sizes the backends accept. For
// ECDSA the size is the curve's bit size.
var allowedKeySizes = map[KeyType]map[int]bool{
	RSAKey:   {2048: true, 3072: true, 4096: true},
	ECDSAKey: {256: true, 384: true},
}

// CertificateRequest describes one issuance. Name is the logical name the
// certificate is stored under and doubles as the idempotency key.
type CertificateRequest struct {
	Name            string
	Subject         Subject
	SubjectAltNames []string
	KeyType         KeyType
	KeySize         int
	// NotBefore and NotAfter are optional; the zero time selects the
	// default window.
	NotBefore time.Time
	NotAfter  time.Time
	// CSR, when set, holds a caller-generated DER PKCS#10 request. No key is
	// created in the backend and the CSR's own public key is certified.
	CSR []byte
	// IssuerName names the CA certificate that signs the result. Empty means
	// self-signed.
	IssuerName string
	IsCA       bool
	PathLength *int
}

// DefaultCertificateName returns the name used when a request has none:
// "SIAG" followed by the current month, day, 12-hour and minute.
func DefaultCertificateName(clk clock.Clock) string {
	return defaultNamePrefix + clk.Now().Format("01020304")
}

// DefaultValidity returns the window used when a request carries no dates.
func DefaultValidity(now time.Time) (time.Time, time.Time) {
	notBefore := now.Add(-Backdate)
	return notBefore, notBefore.AddDate(0, DefaultValidityMonths, 0)
}

// WithDefaults returns a copy of r with every unset optional field filled in.
func (r CertificateRequest) WithDefaults(clk clock.Clock) CertificateRequest {
	if r.Name == "" {
		r.Name = DefaultCertificateName(clk)
	}
	if r.KeyType == "" {
		r.KeyType = RSAKey
	}
	if r.KeySize == 0 {
		if r.KeyType == ECDSAKey {
			r.KeySize = 256
		} else {
			r.KeySize = DefaultKeySize
		}
	}
	if r.NotBefore.IsZero() {
		r.NotBefore, _ = DefaultValidity(clk.Now())
	}
	if r.NotAfter.IsZero() {
		r.NotAfter = r.NotBefore.AddDate(0, DefaultValidityMonths, 0)
	}
	return r
}

// Validate checks a request that has already had defaults applied.
func (r CertificateRequest) Validate() error {
	err := ValidateCertificateName(r.Name)
	if err != nil {
		return err
	}
	if !r.NotAfter.After(r.NotBefore) {
		return berrors.MalformedError("notAfter (%s) is not after notBefore (%s)", r.NotAfter, r.NotBefore)
	}
	if r.PathLength != nil && !r.IsCA {
		return berrors.MalformedError("path length is only meaningful for CA certificates")
	}
	if len(r.CSR) > 0 {
		// The CSR's own key and subject are used.
		return nil
	}
	err = ValidateKeySize(r.KeyType, r.KeySize)
	if err != nil {
		return err
	}
	return r.Subject.Validate()
}

// ValidateCertificateName checks that name can serve as a backend object
// name.
func ValidateCertificateName(name string) error {
	if name == "" {
		return berrors.MalformedError("certificate name is required")
	}
	if strings.ContainsAny(name, "/ \t\n") {
		return berrors.MalformedError("certificate name %q contains a slash or whitespace", name)
	}
	return nil
}

// DNSNames returns the alternative names that are not email addresses.
func (r CertificateRequest) DNSNames() []string {
	var names []string
	for _, san := range r.SubjectAltNames {
		if !strings.Contains(san, "@") {
			names = append(names, strings.ToLower(strings.TrimSpace(san)))
		}
	}
	return names
}

// EmailAddresses returns the alternative names that contain an '@'.
func (r CertificateRequest) EmailAddresses() []string {
	var emails []string
	for _, san := range r.SubjectAltNames {
		if strings.Contains(san, "@") {
			emails = append(emails, strings.TrimSpace(san))
		}
	}
	return emails
}

// ValidateKeySize reports whether size is accepted for kt.
func ValidateKeySize(kt KeyType, size int) error {
	sizes, ok := allowedKeySizes[kt]
	if !ok {
		return berrors.MalformedError("unsupported key type %q", kt)
	}
	if !sizes[size] {
		return berrors.MalformedError("unsupported %s key size %d", kt, size)
	}
	return nil
}
