// Package signer produces signatures with keys that never leave the
// custody backend. Data is hashed locally and only the digest is sent out.
package signer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaultca/vaultca/custody"
	berrors "github.com/vaultca/vaultca/errors"
)

type algorithm struct {
	hash   crypto.Hash
	keyAlg x509.PublicKeyAlgorithm
}

// Only PKCS#1 v1.5 and ECDSA schemes can be produced by the backend.
var algorithms = map[x509.SignatureAlgorithm]algorithm{
	x509.SHA256WithRSA:   {crypto.SHA256, x509.RSA},
	x509.SHA384WithRSA:   {crypto.SHA384, x509.RSA},
	x509.SHA512WithRSA:   {crypto.SHA512, x509.RSA},
	x509.ECDSAWithSHA256: {crypto.SHA256, x509.ECDSA},
	x509.ECDSAWithSHA384: {crypto.SHA384, x509.ECDSA},
	x509.ECDSAWithSHA512: {crypto.SHA512, x509.ECDSA},
}

func lookup(alg x509.SignatureAlgorithm) (algorithm, error) {
	a, ok := algorithms[alg]
	if !ok {
		return algorithm{}, berrors.SigningFailedError(nil, "unsupported signature algorithm %s", alg)
	}
	return a, nil
}

// Check returns a SigningFailed error unless alg is a signature algorithm
// the backend can produce with the key whose public half is pub.
func Check(alg x509.SignatureAlgorithm, pub crypto.PublicKey) error {
	a, err := lookup(alg)
	if err != nil {
		return err
	}
	switch pub.(type) {
	case *rsa.PublicKey:
		if a.keyAlg != x509.RSA {
			return berrors.SigningFailedError(nil, "%s cannot be produced by an RSA key", alg)
		}
	case *ecdsa.PublicKey:
		if a.keyAlg != x509.ECDSA {
			return berrors.SigningFailedError(nil, "%s cannot be produced by an ECDSA key", alg)
		}
	default:
		return berrors.SigningFailedError(nil, "unsupported public key type %T", pub)
	}
	return nil
}

// Generator signs data with backend-held keys.
type Generator struct {
	backend custody.DigestSigner
	latency *prometheus.HistogramVec
}

// New returns a Generator signing through backend. The remote signing
// latency histogram is registered on stats.
func New(backend custody.DigestSigner, stats prometheus.Registerer) *Generator {
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remote_sign_latency_seconds",
		Help:    "Time taken by the custody backend to return a signature, by signature algorithm",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"alg"})
	stats.MustRegister(latency)
	return &Generator{backend: backend, latency: latency}
}

// Sign hashes tbs with the digest alg calls for and has the backend sign it
// with the key bound to ref. alg must suit that key, and the signature is
// verified against its public half before being returned.
func (g *Generator) Sign(ctx context.Context, alg x509.SignatureAlgorithm, tbs []byte, ref custody.KeyReference) ([]byte, error) {
	a, err := lookup(alg)
	if err != nil {
		return nil, err
	}
	pub, err := g.backend.PublicKey(ctx, ref)
	if err != nil {
		return nil, berrors.SigningFailedError(err, "reading public key %s", ref)
	}
	err = Check(alg, pub)
	if err != nil {
		return nil, err
	}
	h := a.hash.New()
	h.Write(tbs)
	digest := h.Sum(nil)
	sig, err := g.signDigest(ctx, alg, a.hash, digest, ref)
	if err != nil {
		return nil, err
	}
	err = verify(pub, a.hash, digest, sig)
	if err != nil {
		return nil, berrors.SigningFailedError(err, "signature from key %s does not verify", ref)
	}
	return sig, nil
}

func (g *Generator) signDigest(ctx context.Context, alg x509.SignatureAlgorithm, hash crypto.Hash, digest []byte, ref custody.KeyReference) ([]byte, error) {
	start := time.Now()
	sig, err := g.backend.Sign(ctx, ref, hash, digest)
	g.latency.WithLabelValues(alg.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, berrors.SigningFailedError(err, "signing with key %s", ref)
	}
	if len(sig) == 0 {
		return nil, berrors.SigningFailedError(nil, "backend returned an empty signature for key %s", ref)
	}
	return sig, nil
}

// Signer returns a crypto.Signer that signs with the key bound to ref using
// alg, for use with x509.CreateCertificate and friends. pub must be the
// public half of that key; every signature is checked against it before
// being returned.
func (g *Generator) Signer(ctx context.Context, ref custody.KeyReference, pub crypto.PublicKey, alg x509.SignatureAlgorithm) crypto.Signer {
	return &remoteSigner{ctx: ctx, gen: g, ref: ref, pub: pub, alg: alg}
}

type remoteSigner struct {
	// crypto.Signer has no context argument, so the one Signer was
	// created with is carried here.
	ctx context.Context
	gen *Generator
	ref custody.KeyReference
	pub crypto.PublicKey
	alg x509.SignatureAlgorithm
}

func (s *remoteSigner) Public() crypto.PublicKey {
	return s.pub
}

func (s *remoteSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	a, err := lookup(s.alg)
	if err != nil {
		return nil, err
	}
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return nil, berrors.SigningFailedError(nil, "RSA-PSS signatures are not supported")
	}
	if opts.HashFunc() != a.hash {
		return nil, berrors.SigningFailedError(nil, "asked for a %s signature but %s uses %s", opts.HashFunc(), s.alg, a.hash)
	}
	if len(digest) != a.hash.Size() {
		return nil, berrors.SigningFailedError(nil, "digest is %d bytes, %s needs %d", len(digest), a.hash, a.hash.Size())
	}
	err = Check(s.alg, s.pub)
	if err != nil {
		return nil, err
	}

	sig, err := s.gen.signDigest(s.ctx, s.alg, a.hash, digest, s.ref)
	if err != nil {
		return nil, err
	}
	err = verify(s.pub, a.hash, digest, sig)
	if err != nil {
		return nil, berrors.SigningFailedError(err, "signature from key %s does not match the expected public key", s.ref)
	}
	return sig, nil
}

func verify(pub crypto.PublicKey, hash crypto.Hash, digest, sig []byte) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, hash, digest, sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest, sig) {
			return errors.New("ecdsa: verification error")
		}
		return nil
	}
	return fmt.Errorf("unsupported public key type %T", pub)
}
