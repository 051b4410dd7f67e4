package profile

import (
	"bytes"
	"crypto/sha1" //nolint: gosec // RFC 5280 4.2.1.2 method (1)

	"github.com/zmap/zcrypto/x509"
	"github.com/zmap/zlint/v3/lint"

	"github.com/vaultca/vaultca/linter/lints"
)

type skidNotSPKISHA1 struct{}

func init() {
	lint.RegisterCertificateLint(&lint.CertificateLint{
		LintMetadata: lint.LintMetadata{
			Name:        "e_vaultca_skid_not_spki_sha1",
			Description: "Subject key identifiers are the SHA-1 hash of the subjectPublicKey bit string",
			Citation:    "RFC 5280: 4.2.1.2",
			Source:      lints.VaultCAProfile,
		},
		Lint: NewSKIDNotSPKISHA1,
	})
}

func NewSKIDNotSPKISHA1() lint.CertificateLintInterface {
	return &skidNotSPKISHA1{}
}

func (l *skidNotSPKISHA1) CheckApplies(c *x509.Certificate) bool {
	return len(c.SubjectKeyId) > 0
}

func (l *skidNotSPKISHA1) Execute(c *x509.Certificate) *lint.LintResult {
	bits, ok := lints.SubjectPublicKeyBits(c.RawSubjectPublicKeyInfo)
	if !ok {
		return &lint.LintResult{Status: lint.Fatal, Details: "unparseable subjectPublicKeyInfo"}
	}
	want := sha1.Sum(bits)
	if !bytes.Equal(c.SubjectKeyId, want[:]) {
		return &lint.LintResult{Status: lint.Error}
	}
	return &lint.LintResult{Status: lint.Pass}
}
