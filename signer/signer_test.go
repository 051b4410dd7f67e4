package signer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/custody"
	"github.com/vaultca/vaultca/custody/memory"
	berrors "github.com/vaultca/vaultca/errors"
	"github.com/vaultca/vaultca/test"
)

func setup(t *testing.T, keyType core.KeyType, bits int) (*Generator, *memory.KeyStore, custody.KeyReference, crypto.PublicKey) {
	t.Helper()
	ctx := context.Background()
	ks := memory.NewKeyStore()
	ref, err := ks.CreateKey(ctx, "issuer", keyType, bits)
	test.AssertNotError(t, err, "creating key")
	pub, err := ks.PublicKey(ctx, ref)
	test.AssertNotError(t, err, "reading key")
	return New(ks, prometheus.NewRegistry()), ks, ref, pub
}

func TestSignRSA(t *testing.T) {
	g, _, ref, pub := setup(t, core.RSAKey, 2048)

	tbs := []byte("to be signed")
	sig, err := g.Sign(context.Background(), x509.SHA256WithRSA, tbs, ref)
	test.AssertNotError(t, err, "signing")
	digest := sha256.Sum256(tbs)
	test.AssertNotError(t, rsa.VerifyPKCS1v15(pub.(*rsa.PublicKey), crypto.SHA256, digest[:], sig), "signature doesn't verify")
	test.AssertMetricWithLabelsEquals(t, g.latency, prometheus.Labels{"alg": "SHA256-RSA"}, 1)
}

func TestSignECDSA(t *testing.T) {
	g, _, ref, pub := setup(t, core.ECDSAKey, 384)

	tbs := []byte("to be signed")
	sig, err := g.Sign(context.Background(), x509.ECDSAWithSHA384, tbs, ref)
	test.AssertNotError(t, err, "signing")
	digest := sha512.Sum384(tbs)
	test.Assert(t, ecdsa.VerifyASN1(pub.(*ecdsa.PublicKey), digest[:], sig), "signature doesn't verify")
}

func TestSignUnsupportedAlgorithm(t *testing.T) {
	g, _, ref, _ := setup(t, core.RSAKey, 2048)

	for _, alg := range []x509.SignatureAlgorithm{x509.SHA256WithRSAPSS, x509.SHA1WithRSA, x509.PureEd25519, x509.UnknownSignatureAlgorithm} {
		_, err := g.Sign(context.Background(), alg, []byte("tbs"), ref)
		test.Assert(t, berrors.Is(err, berrors.SigningFailed), "unsupported "+alg.String()+" was not SigningFailed")
	}
	test.AssertMetricWithLabelsEquals(t, g.latency, prometheus.Labels{}, 0)
}

func TestSignBackendError(t *testing.T) {
	g, _, ref, _ := setup(t, core.ECDSAKey, 256)

	ref.Version = "7"
	_, err := g.Sign(context.Background(), x509.ECDSAWithSHA256, []byte("tbs"), ref)
	test.Assert(t, berrors.Is(err, berrors.SigningFailed), "backend failure was not SigningFailed")
	var bErr *berrors.VaultCAError
	test.Assert(t, errors.As(err, &bErr), "not a VaultCAError")
	test.AssertContains(t, err.Error(), "no key")
}

func TestSignAlgorithmKeyMismatch(t *testing.T) {
	g, _, rsaRef, _ := setup(t, core.RSAKey, 2048)
	_, err := g.Sign(context.Background(), x509.ECDSAWithSHA256, []byte("tbs"), rsaRef)
	test.Assert(t, berrors.Is(err, berrors.SigningFailed), "ECDSA algorithm with an RSA key was not SigningFailed")

	g, _, ecRef, _ := setup(t, core.ECDSAKey, 256)
	_, err = g.Sign(context.Background(), x509.SHA256WithRSA, []byte("tbs"), ecRef)
	test.Assert(t, berrors.Is(err, berrors.SigningFailed), "RSA algorithm with an ECDSA key was not SigningFailed")
	test.AssertMetricWithLabelsEquals(t, g.latency, prometheus.Labels{}, 0)
}

// wrongKeySigner reports one key's public half but signs with another.
type wrongKeySigner struct {
	*memory.KeyStore
	signWith custody.KeyReference
}

func (w wrongKeySigner) Sign(ctx context.Context, _ custody.KeyReference, hash crypto.Hash, digest []byte) ([]byte, error) {
	return w.KeyStore.Sign(ctx, w.signWith, hash, digest)
}

func TestSignVerifiesSignature(t *testing.T) {
	ctx := context.Background()
	_, ks, ref, _ := setup(t, core.ECDSAKey, 256)
	other, err := ks.CreateKey(ctx, "issuer", core.ECDSAKey, 256)
	test.AssertNotError(t, err, "creating second key")

	g := New(wrongKeySigner{KeyStore: ks, signWith: other}, prometheus.NewRegistry())
	_, err = g.Sign(ctx, x509.ECDSAWithSHA256, []byte("tbs"), ref)
	test.Assert(t, berrors.Is(err, berrors.SigningFailed), "signature by the wrong key was not SigningFailed")
	test.AssertContains(t, err.Error(), "does not verify")
}

type cancelledSigner struct{}

func (cancelledSigner) Sign(ctx context.Context, _ custody.KeyReference, _ crypto.Hash, _ []byte) ([]byte, error) {
	return nil, ctx.Err()
}

func (cancelledSigner) PublicKey(ctx context.Context, _ custody.KeyReference) (crypto.PublicKey, error) {
	return nil, ctx.Err()
}

func TestSignCancelled(t *testing.T) {
	g := New(cancelledSigner{}, prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Sign(ctx, x509.SHA256WithRSA, []byte("tbs"), custody.KeyReference{})
	test.Assert(t, berrors.Is(err, berrors.SigningFailed), "cancellation was not SigningFailed")
	test.AssertErrorIs(t, err, context.Canceled)
}

func selfSignedTemplate(alg x509.SignatureAlgorithm) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "signer test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		SignatureAlgorithm:    alg,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
}

func TestSignerCreatesCertificate(t *testing.T) {
	for _, tc := range []struct {
		keyType core.KeyType
		bits    int
		alg     x509.SignatureAlgorithm
	}{
		{core.RSAKey, 2048, x509.SHA256WithRSA},
		{core.ECDSAKey, 256, x509.ECDSAWithSHA256},
		{core.ECDSAKey, 384, x509.ECDSAWithSHA384},
	} {
		t.Run(tc.alg.String(), func(t *testing.T) {
			g, _, ref, pub := setup(t, tc.keyType, tc.bits)
			tmpl := selfSignedTemplate(tc.alg)
			der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, g.Signer(context.Background(), ref, pub, tc.alg))
			test.AssertNotError(t, err, "creating certificate")
			cert, err := x509.ParseCertificate(der)
			test.AssertNotError(t, err, "parsing certificate")
			test.AssertEquals(t, cert.SignatureAlgorithm, tc.alg)
			test.AssertNotError(t, cert.CheckSignatureFrom(cert), "certificate signature doesn't verify")
		})
	}
}

func TestSignerRejects(t *testing.T) {
	ctx := context.Background()
	g, ks, ref, pub := setup(t, core.ECDSAKey, 256)
	digest := sha256.Sum256([]byte("tbs"))

	s := g.Signer(ctx, ref, pub, x509.ECDSAWithSHA256)
	test.AssertEquals(t, s.Public(), pub)
	sig, err := s.Sign(rand.Reader, digest[:], crypto.SHA256)
	test.AssertNotError(t, err, "signing through the adapter")
	test.Assert(t, ecdsa.VerifyASN1(pub.(*ecdsa.PublicKey), digest[:], sig), "signature doesn't verify")

	_, err = s.Sign(rand.Reader, digest[:], crypto.SHA384)
	test.Assert(t, berrors.Is(err, berrors.SigningFailed), "hash mismatch was not SigningFailed")

	_, err = s.Sign(rand.Reader, digest[:], &rsa.PSSOptions{Hash: crypto.SHA256})
	test.Assert(t, berrors.Is(err, berrors.SigningFailed), "PSS was not SigningFailed")

	_, err = s.Sign(rand.Reader, digest[:16], crypto.SHA256)
	test.Assert(t, berrors.Is(err, berrors.SigningFailed), "short digest was not SigningFailed")

	_, err = g.Signer(ctx, ref, pub, x509.SHA256WithRSA).Sign(rand.Reader, digest[:], crypto.SHA256)
	test.Assert(t, berrors.Is(err, berrors.SigningFailed), "key type mismatch was not SigningFailed")

	// A second version of the key stands in for a backend signing with the
	// wrong key.
	other, err := ks.CreateKey(ctx, "issuer", core.ECDSAKey, 256)
	test.AssertNotError(t, err, "creating second key")
	_, err = g.Signer(ctx, other, pub, x509.ECDSAWithSHA256).Sign(rand.Reader, digest[:], crypto.SHA256)
	test.Assert(t, berrors.Is(err, berrors.SigningFailed), "signature by the wrong key was not SigningFailed")
	test.AssertContains(t, err.Error(), "does not match")
}

func TestCheck(t *testing.T) {
	rsaPub := test.RSAKey(t, 2048).Public()
	ecPub := test.ECDSAKey(t, elliptic.P256()).Public()

	test.AssertNotError(t, Check(x509.SHA384WithRSA, rsaPub), "RSA key with an RSA algorithm")
	test.AssertNotError(t, Check(x509.ECDSAWithSHA256, ecPub), "ECDSA key with an ECDSA algorithm")
	test.Assert(t, berrors.Is(Check(x509.ECDSAWithSHA256, rsaPub), berrors.SigningFailed), "RSA key with an ECDSA algorithm")
	test.Assert(t, berrors.Is(Check(x509.SHA256WithRSA, ecPub), berrors.SigningFailed), "ECDSA key with an RSA algorithm")
	test.Assert(t, berrors.Is(Check(x509.SHA256WithRSAPSS, rsaPub), berrors.SigningFailed), "PSS")
	test.Assert(t, berrors.Is(Check(x509.SHA256WithRSA, nil), berrors.SigningFailed), "nil key")
}
