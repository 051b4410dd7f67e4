package linter

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/zmap/zlint/v3"
	"github.com/zmap/zlint/v3/lint"

	"github.com/vaultca/vaultca/linter/lints"
	"github.com/vaultca/vaultca/test"
)

func skid(t *testing.T, pub any) []byte {
	t.Helper()
	spki, err := x509.MarshalPKIXPublicKey(pub)
	test.AssertNotError(t, err, "marshalling key")
	bits, ok := lints.SubjectPublicKeyBits(spki)
	test.Assert(t, ok, "parsing SPKI")
	sum := sha1.Sum(bits)
	return sum[:]
}

func rootTemplate(t *testing.T, pub any) *x509.Certificate {
	id := skid(t, pub)
	return &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "lint root", Organization: []string{"vaultca"}, Country: []string{"AT"}},
		NotBefore:             time.Now().Add(-time.Hour).Truncate(time.Second),
		NotAfter:              time.Now().AddDate(4, 0, 0).Truncate(time.Second),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		SubjectKeyId:          id,
		AuthorityKeyId:        id,
	}
}

func TestCheckSelfSigned(t *testing.T) {
	key := test.RSAKey(t, 2048)
	l, err := New(nil, key.Public(), nil)
	test.AssertNotError(t, err, "creating linter")

	_, err = l.Check(rootTemplate(t, key.Public()), key.Public())
	test.AssertNotError(t, err, "linting a well-formed root")
}

func TestCheckIssued(t *testing.T) {
	key := test.RSAKey(t, 2048)
	tmpl := rootTemplate(t, key.Public())
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	test.AssertNotError(t, err, "creating root")
	root, err := x509.ParseCertificate(der)
	test.AssertNotError(t, err, "parsing root")

	l, err := New(root, key.Public(), nil)
	test.AssertNotError(t, err, "creating linter")

	leafKey := test.ECDSAKey(t, elliptic.P256())
	leaf := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "leaf-01"},
		DNSNames:              []string{"leaf-01.example.com"},
		NotBefore:             time.Now().Add(-time.Hour).Truncate(time.Second),
		NotAfter:              time.Now().AddDate(0, 0, 30).Truncate(time.Second),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		SubjectKeyId:          skid(t, leafKey.Public()),
		AuthorityKeyId:        root.SubjectKeyId,
	}
	_, err = l.Check(leaf, leafKey.Public())
	test.AssertNotError(t, err, "linting a well-formed leaf")

	leaf.Subject = pkix.Name{}
	leaf.DNSNames = nil
	_, err = l.Check(leaf, leafKey.Public())
	test.AssertErrorIs(t, err, ErrLinting)
	test.AssertContains(t, err.Error(), "e_subject_empty_without_san")

	leaf.Subject = pkix.Name{CommonName: "leaf-01"}
	leaf.ExtKeyUsage = nil
	_, err = l.Check(leaf, leafKey.Public())
	test.AssertErrorIs(t, err, ErrLinting)
	test.AssertContains(t, err.Error(), "e_vaultca_leaf_usage")

	skipping, err := New(root, key.Public(), []string{"e_vaultca_leaf_usage"})
	test.AssertNotError(t, err, "creating linter")
	_, err = skipping.Check(leaf, leafKey.Public())
	test.AssertNotError(t, err, "skipped lint still ran")
}

func TestNewUnsupportedKey(t *testing.T) {
	_, err := New(nil, "not a key", nil)
	test.AssertError(t, err, "linter accepted a non-key")
}

func TestRegistrySources(t *testing.T) {
	reg, err := NewRegistry(nil)
	test.AssertNotError(t, err, "creating registry")
	names := reg.Names()
	test.AssertSliceContains(t, names, "e_subject_empty_without_san")
	test.AssertSliceContains(t, names, "e_vaultca_skid_not_spki_sha1")
	for _, name := range names {
		test.Assert(t, !strings.HasPrefix(name, "e_sub_cert_"), "CA/B Forum lint "+name+" in registry")
	}
}

func TestProcessResultSet(t *testing.T) {
	warned, err := ProcessResultSet(&zlint.ResultSet{Results: map[string]*lint.LintResult{
		"w_b": {Status: lint.Warn},
		"n_a": {Status: lint.Notice},
		"e_c": {Status: lint.Pass},
		"e_d": {Status: lint.NA},
	}})
	test.AssertNotError(t, err, "warnings failed the check")
	test.AssertDeepEquals(t, warned, []string{"n_a", "w_b"})

	warned, err = ProcessResultSet(&zlint.ResultSet{Results: map[string]*lint.LintResult{
		"w_b": {Status: lint.Warn},
		"e_c": {Status: lint.Error, Details: "broken"},
	}})
	test.AssertErrorIs(t, err, ErrLinting)
	test.AssertContains(t, err.Error(), "e_c (broken)")
	test.AssertDeepEquals(t, warned, []string{"w_b"})
}
