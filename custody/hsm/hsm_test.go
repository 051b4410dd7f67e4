package hsm

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"math/big"
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/custody"
	berrors "github.com/vaultca/vaultca/errors"
	"github.com/vaultca/vaultca/pkcs11helpers"
	"github.com/vaultca/vaultca/test"
)

// softToken is a PKCS#11 token simulated with software keys on top of
// pkcs11helpers.MockCtx.
type softToken struct {
	objects  map[pkcs11.ObjectHandle]tokenObject
	next     pkcs11.ObjectHandle
	found    []pkcs11.ObjectHandle
	signWith tokenObject
	signMech uint
}

type tokenObject struct {
	class uint
	label []byte
	id    []byte
	key   crypto.Signer
}

func attr(tmpl []*pkcs11.Attribute, typ uint) []byte {
	for _, a := range tmpl {
		if a.Type == typ {
			return a.Value
		}
	}
	return nil
}

func (st *softToken) ctx(t *testing.T) pkcs11helpers.MockCtx {
	return pkcs11helpers.MockCtx{
		GenerateRandomFunc: func(_ pkcs11.SessionHandle, n int) ([]byte, error) {
			b := make([]byte, n)
			_, err := rand.Read(b)
			return b, err
		},
		GenerateKeyPairFunc: func(_ pkcs11.SessionHandle, m []*pkcs11.Mechanism, pub, priv []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error) {
			test.Assert(t, bytes.Equal(attr(priv, pkcs11.CKA_EXTRACTABLE), pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false).Value), "private key is extractable")
			var key crypto.Signer
			switch m[0].Mechanism {
			case pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN:
				bits := new(big.Int).SetBytes(reverse(attr(pub, pkcs11.CKA_MODULUS_BITS))).Int64()
				key = test.RSAKey(t, int(bits))
			case pkcs11.CKM_EC_KEY_PAIR_GEN:
				curve := elliptic.P256()
				if len(attr(pub, pkcs11.CKA_EC_PARAMS)) == 7 {
					curve = elliptic.P384()
				}
				k, err := ecdsa.GenerateKey(curve, rand.Reader)
				if err != nil {
					return 0, 0, err
				}
				key = k
			default:
				return 0, 0, errors.New("unsupported mechanism")
			}
			label, id := attr(pub, pkcs11.CKA_LABEL), attr(pub, pkcs11.CKA_ID)
			st.next += 2
			st.objects[st.next-1] = tokenObject{pkcs11.CKO_PUBLIC_KEY, label, id, key}
			st.objects[st.next] = tokenObject{pkcs11.CKO_PRIVATE_KEY, label, id, key}
			return st.next - 1, st.next, nil
		},
		GetAttributeValueFunc: func(_ pkcs11.SessionHandle, h pkcs11.ObjectHandle, _ []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
			switch pub := st.objects[h].key.Public().(type) {
			case *rsa.PublicKey:
				return []*pkcs11.Attribute{
					pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, big.NewInt(int64(pub.E)).Bytes()),
					pkcs11.NewAttribute(pkcs11.CKA_MODULUS, pub.N.Bytes()),
				}, nil
			case *ecdsa.PublicKey:
				params := []byte{6, 8, 42, 134, 72, 206, 61, 3, 1, 7}
				if pub.Curve == elliptic.P384() {
					params = []byte{6, 5, 43, 129, 4, 0, 34}
				}
				//nolint:staticcheck // the token hands back the uncompressed encoding
				point := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
				return []*pkcs11.Attribute{
					pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
					pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, point),
				}, nil
			}
			return nil, errors.New("no such object")
		},
		FindObjectsInitFunc: func(_ pkcs11.SessionHandle, tmpl []*pkcs11.Attribute) error {
			st.found = nil
			class := attr(tmpl, pkcs11.CKA_CLASS)
			for h, o := range st.objects {
				if bytes.Equal(class, pkcs11.NewAttribute(pkcs11.CKA_CLASS, o.class).Value) &&
					bytes.Equal(attr(tmpl, pkcs11.CKA_LABEL), o.label) &&
					bytes.Equal(attr(tmpl, pkcs11.CKA_ID), o.id) {
					st.found = append(st.found, h)
				}
			}
			return nil
		},
		FindObjectsFunc: func(pkcs11.SessionHandle, int) ([]pkcs11.ObjectHandle, bool, error) {
			return st.found, false, nil
		},
		FindObjectsFinalFunc: func(pkcs11.SessionHandle) error { return nil },
		SignInitFunc: func(_ pkcs11.SessionHandle, m []*pkcs11.Mechanism, h pkcs11.ObjectHandle) error {
			st.signWith, st.signMech = st.objects[h], m[0].Mechanism
			return nil
		},
		SignFunc: func(_ pkcs11.SessionHandle, msg []byte) ([]byte, error) {
			switch k := st.signWith.key.(type) {
			case *rsa.PrivateKey:
				test.AssertEquals(t, st.signMech, uint(pkcs11.CKM_RSA_PKCS))
				// CKM_RSA_PKCS pads the DigestInfo it is given.
				return rsa.SignPKCS1v15(rand.Reader, k, 0, msg)
			case *ecdsa.PrivateKey:
				r, s, err := ecdsa.Sign(rand.Reader, k, msg)
				if err != nil {
					return nil, err
				}
				size := (k.Curve.Params().BitSize + 7) / 8
				out := make([]byte, 2*size)
				r.FillBytes(out[:size])
				s.FillBytes(out[size:])
				return out, nil
			}
			return nil, errors.New("no key")
		},
	}
}

// reverse turns the little-endian CK_ULONG encoding into big-endian.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

func setup(t *testing.T) *KeyStore {
	st := &softToken{objects: map[pkcs11.ObjectHandle]tokenObject{}}
	return New(&pkcs11helpers.Session{Module: st.ctx(t)})
}

func TestRSAKey(t *testing.T) {
	ctx := context.Background()
	ks := setup(t)

	ref, err := ks.CreateKey(ctx, "RootCA-01", core.RSAKey, 2048)
	test.AssertNotError(t, err, "creating key")
	test.AssertEquals(t, ref.Store, StoreName)
	test.AssertEquals(t, ref.ID, "RootCA-01")
	test.AssertEquals(t, len(ref.Version), len("rsa-")+2*keyIDLen)

	pub, err := ks.PublicKey(ctx, ref)
	test.AssertNotError(t, err, "reading key")
	digest := sha256.Sum256([]byte("tbs"))
	sig, err := ks.Sign(ctx, ref, crypto.SHA256, digest[:])
	test.AssertNotError(t, err, "signing")
	test.AssertNotError(t, rsa.VerifyPKCS1v15(pub.(*rsa.PublicKey), crypto.SHA256, digest[:], sig), "signature doesn't verify")
}

func TestECDSAKey(t *testing.T) {
	ctx := context.Background()
	ks := setup(t)

	ref, err := ks.CreateKey(ctx, "ec", core.ECDSAKey, 384)
	test.AssertNotError(t, err, "creating key")
	ref2, err := ks.CreateKey(ctx, "ec", core.ECDSAKey, 384)
	test.AssertNotError(t, err, "creating second version")
	test.AssertNotEquals(t, ref.Version, ref2.Version)

	pub, err := ks.PublicKey(ctx, ref)
	test.AssertNotError(t, err, "reading key")
	test.AssertEquals(t, pub.(*ecdsa.PublicKey).Curve, elliptic.P384())

	digest := sha512.Sum384([]byte("tbs"))
	sig, err := ks.Sign(ctx, ref, crypto.SHA384, digest[:])
	test.AssertNotError(t, err, "signing")
	test.Assert(t, ecdsa.VerifyASN1(pub.(*ecdsa.PublicKey), digest[:], sig), "signature doesn't verify")

	_, err = ks.CreateKey(ctx, "ec", core.ECDSAKey, 521)
	test.Assert(t, berrors.Is(err, berrors.Malformed), "P-521 was not Malformed")
}

func TestBadReferences(t *testing.T) {
	ctx := context.Background()
	ks := setup(t)

	_, err := ks.PublicKey(ctx, custody.KeyReference{Store: StoreName, ID: "x", Version: "rsa-00"})
	test.Assert(t, berrors.Is(err, berrors.NotFound), "missing key was not NotFound")
	_, err = ks.PublicKey(ctx, custody.KeyReference{Store: StoreName, ID: "x", Version: "dsa-00"})
	test.Assert(t, berrors.Is(err, berrors.Malformed), "bad version was not Malformed")
	_, err = ks.Sign(ctx, custody.KeyReference{Store: "transit", ID: "x", Version: "1"}, crypto.SHA256, make([]byte, 32))
	test.Assert(t, berrors.Is(err, berrors.Malformed), "foreign reference was not Malformed")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ks.CreateKey(cancelled, "x", core.RSAKey, 2048)
	test.AssertErrorIs(t, err, context.Canceled)
}
