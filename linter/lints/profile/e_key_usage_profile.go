package profile

import (
	"github.com/zmap/zcrypto/x509"
	"github.com/zmap/zlint/v3/lint"

	"github.com/vaultca/vaultca/linter/lints"
)

type caKeyUsage struct{}

type leafUsage struct{}

func init() {
	lint.RegisterCertificateLint(&lint.CertificateLint{
		LintMetadata: lint.LintMetadata{
			Name:        "e_vaultca_ca_key_usage",
			Description: "CA certificates assert keyCertSign, cRLSign and digitalSignature",
			Citation:    "RFC 5280: 4.2.1.3",
			Source:      lints.VaultCAProfile,
		},
		Lint: NewCAKeyUsage,
	})
	lint.RegisterCertificateLint(&lint.CertificateLint{
		LintMetadata: lint.LintMetadata{
			Name:        "e_vaultca_leaf_usage",
			Description: "End-entity certificates assert digitalSignature and the serverAuth and clientAuth extended key usages",
			Citation:    "RFC 5280: 4.2.1.12",
			Source:      lints.VaultCAProfile,
		},
		Lint: NewLeafUsage,
	})
}

func NewCAKeyUsage() lint.CertificateLintInterface {
	return &caKeyUsage{}
}

func (l *caKeyUsage) CheckApplies(c *x509.Certificate) bool {
	return c.IsCA
}

func (l *caKeyUsage) Execute(c *x509.Certificate) *lint.LintResult {
	want := x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	if c.KeyUsage&want != want {
		return &lint.LintResult{Status: lint.Error}
	}
	return &lint.LintResult{Status: lint.Pass}
}

func NewLeafUsage() lint.CertificateLintInterface {
	return &leafUsage{}
}

func (l *leafUsage) CheckApplies(c *x509.Certificate) bool {
	return !c.IsCA
}

func (l *leafUsage) Execute(c *x509.Certificate) *lint.LintResult {
	if c.KeyUsage&x509.KeyUsageDigitalSignature == 0 || c.KeyUsage&x509.KeyUsageCertSign != 0 {
		return &lint.LintResult{Status: lint.Error, Details: "bad key usage"}
	}
	var server, client bool
	for _, eku := range c.ExtKeyUsage {
		switch eku {
		case x509.ExtKeyUsageServerAuth:
			server = true
		case x509.ExtKeyUsageClientAuth:
			client = true
		}
	}
	if !server || !client {
		return &lint.LintResult{Status: lint.Error, Details: "missing serverAuth or clientAuth"}
	}
	return &lint.LintResult{Status: lint.Pass}
}
