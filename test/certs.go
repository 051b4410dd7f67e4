package test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
)

var (
	rsaKeysMu sync.Mutex
	rsaKeys   = map[int]*rsa.PrivateKey{}
)

// RSAKey returns an RSA private key of the given size. Keys are generated
// once per size and shared across the test binary, since 4096-bit
// generation is slow.
func RSAKey(t testing.TB, bits int) *rsa.PrivateKey {
	t.Helper()
	rsaKeysMu.Lock()
	defer rsaKeysMu.Unlock()
	if k, ok := rsaKeys[bits]; ok {
		return k
	}
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("generating %d-bit RSA key: %s", bits, err)
	}
	rsaKeys[bits] = k
	return k
}

// ECDSAKey returns a fresh ECDSA key on the given curve.
func ECDSAKey(t testing.TB, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("generating ECDSA key: %s", err)
	}
	return k
}

// MakeCSR returns a DER PKCS#10 request for subject and dnsNames, signed by
// key.
func MakeCSR(t testing.TB, key crypto.Signer, subject pkix.Name, dnsNames ...string) []byte {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  subject,
		DNSNames: dnsNames,
	}, key)
	if err != nil {
		t.Fatalf("creating CSR: %s", err)
	}
	return der
}

// ThrowAwayCert is a small test helper function that creates a self-signed
// certificate with one SAN. It returns the parsed certificate and its serial
// in string form for convenience.
// The certificate returned from this function is the bare minimum needed for
// most tests and isn't a robust example of a complete end entity certificate.
func ThrowAwayCert(t *testing.T, clk clock.Clock, key crypto.Signer) (string, *x509.Certificate) {
	t.Helper()
	var serialBytes [16]byte
	_, _ = rand.Read(serialBytes[:])
	serial := big.NewInt(0).SetBytes(serialBytes[:])

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "throwaway.example.com"},
		DNSNames:     []string{"throwaway.example.com"},
		NotBefore:    clk.Now(),
		NotAfter:     clk.Now().Add(6 * 24 * time.Hour),
	}

	testCertDER, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	AssertNotError(t, err, "x509.CreateCertificate failed")
	testCert, err := x509.ParseCertificate(testCertDER)
	AssertNotError(t, err, "failed to parse self-signed cert DER")

	return fmt.Sprintf("%036x", serial), testCert
}
