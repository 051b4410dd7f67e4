package memory

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/custody"
	berrors "github.com/vaultca/vaultca/errors"
	"github.com/vaultca/vaultca/test"
)

func TestKeyStoreVersions(t *testing.T) {
	ctx := context.Background()
	ks := NewKeyStore()

	ref1, err := ks.CreateKey(ctx, "k", core.ECDSAKey, 256)
	test.AssertNotError(t, err, "creating key")
	ref2, err := ks.CreateKey(ctx, "k", core.ECDSAKey, 384)
	test.AssertNotError(t, err, "creating second version")
	test.AssertEquals(t, ref1.Version, "1")
	test.AssertEquals(t, ref2.Version, "2")

	pub1, err := ks.PublicKey(ctx, ref1)
	test.AssertNotError(t, err, "reading key")
	pub2, err := ks.PublicKey(ctx, ref2)
	test.AssertNotError(t, err, "reading key")
	test.AssertEquals(t, pub1.(*ecdsa.PublicKey).Curve.Params().BitSize, 256)
	test.AssertEquals(t, pub2.(*ecdsa.PublicKey).Curve.Params().BitSize, 384)

	_, err = ks.PublicKey(ctx, custody.KeyReference{Store: StoreName, ID: "k", Version: "3"})
	test.Assert(t, berrors.Is(err, berrors.NotFound), "missing version was not NotFound")
	_, err = ks.PublicKey(ctx, custody.KeyReference{Store: "transit", ID: "k", Version: "1"})
	test.Assert(t, berrors.Is(err, berrors.Malformed), "foreign reference was not Malformed")

	_, err = ks.CreateKey(ctx, "k", core.ECDSAKey, 521)
	test.AssertError(t, err, "P-521 accepted")
}

func TestKeyStoreSign(t *testing.T) {
	ctx := context.Background()
	ks := NewKeyStore()
	ref, err := ks.CreateKey(ctx, "r", core.RSAKey, 2048)
	test.AssertNotError(t, err, "creating key")
	pub, err := ks.PublicKey(ctx, ref)
	test.AssertNotError(t, err, "reading key")

	digest := sha256.Sum256([]byte("tbs"))
	sig, err := ks.Sign(ctx, ref, crypto.SHA256, digest[:])
	test.AssertNotError(t, err, "signing")
	test.AssertNotError(t, rsa.VerifyPKCS1v15(pub.(*rsa.PublicKey), crypto.SHA256, digest[:], sig), "signature doesn't verify")

	_, err = ks.Sign(ctx, ref, crypto.SHA384, digest[:])
	test.AssertError(t, err, "mismatched digest length accepted")
}

func TestCertStore(t *testing.T) {
	ctx := context.Background()
	cs := NewCertStore()

	n, err := cs.CountVersions(ctx, "c")
	test.AssertNotError(t, err, "counting")
	test.AssertEquals(t, n, 0)
	_, err = cs.LatestVersion(ctx, "c")
	test.Assert(t, berrors.Is(err, berrors.NotFound), "empty name had a latest version")

	b := &custody.CertificateBundle{ID: "a", Name: "c", DER: []byte{1}, Tags: map[string]string{"c": "Issuer"}}
	v, err := cs.AppendVersion(ctx, "c", b)
	test.AssertNotError(t, err, "appending")
	test.AssertEquals(t, v, 1)
	b.DER[0] = 9
	b.Tags["c"] = "changed"

	latest, err := cs.LatestVersion(ctx, "c")
	test.AssertNotError(t, err, "reading latest")
	test.AssertByteEquals(t, latest.DER, []byte{1})
	test.AssertEquals(t, latest.Tags["c"], "Issuer")
	test.AssertEquals(t, latest.Version, 1)

	op := &custody.Operation{ID: "op", Name: "c", Status: custody.StatusInProgress}
	test.AssertNotError(t, cs.PutPending(ctx, op), "putting pending")
	got, err := cs.GetPending(ctx, "c")
	test.AssertNotError(t, err, "getting pending")
	test.AssertEquals(t, got.ID, "op")
	test.AssertNotError(t, cs.DeletePending(ctx, "c"), "deleting pending")
	test.AssertNotError(t, cs.DeletePending(ctx, "c"), "deleting absent pending")
	_, err = cs.GetPending(ctx, "c")
	test.Assert(t, berrors.Is(err, berrors.NotFound), "deleted pending op still present")

	_, err = cs.GetPlaceholder(ctx, "p")
	test.Assert(t, berrors.Is(err, berrors.NotFound), "missing placeholder found")
	test.AssertNotError(t, cs.PutPlaceholder(ctx, &custody.CertificateBundle{ID: "p", Enabled: true, Placeholder: true}), "putting placeholder")
	p, err := cs.GetPlaceholder(ctx, "p")
	test.AssertNotError(t, err, "getting placeholder")
	test.Assert(t, p.Enabled && p.Placeholder, "placeholder fields lost")
}
