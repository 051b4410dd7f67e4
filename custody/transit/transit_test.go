package transit

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
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/vault/api"

	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/custody"
	berrors "github.com/vaultca/vaultca/errors"
	"github.com/vaultca/vaultca/test"
)

// fakeTransit serves the subset of the Transit API the KeyStore uses.
type fakeTransit struct {
	mu   sync.Mutex
	keys map[string]*fakeKey
	// signRequests records the decoded body of every sign call.
	signRequests []map[string]any
}

type fakeKey struct {
	typ      string
	versions []crypto.Signer
}

func (f *fakeTransit) generate(t *testing.T, typ string) crypto.Signer {
	switch typ {
	case "rsa-2048":
		return test.RSAKey(t, 2048)
	case "ecdsa-p256":
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		test.AssertNotError(t, err, "generating key")
		return k
	case "ecdsa-p384":
		k, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		test.AssertNotError(t, err, "generating key")
		return k
	}
	t.Errorf("fake transit: unsupported type %q", typ)
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeTransit) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/transit/keys/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		rest := strings.TrimPrefix(r.URL.Path, "/v1/transit/keys/")
		name, rotate := strings.CutSuffix(rest, "/rotate")
		key := f.keys[name]

		switch {
		case r.Method == http.MethodGet:
			if key == nil {
				w.WriteHeader(http.StatusNotFound)
				writeJSON(w, map[string]any{"errors": []string{}})
				return
			}
			versions := map[string]any{}
			for i, k := range key.versions {
				der, err := x509.MarshalPKIXPublicKey(k.Public())
				test.AssertNotError(t, err, "marshalling key")
				versions[strconv.Itoa(i+1)] = map[string]any{
					"public_key": string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
				}
			}
			writeJSON(w, map[string]any{"data": map[string]any{
				"type":           key.typ,
				"exportable":     false,
				"latest_version": len(key.versions),
				"keys":           versions,
			}})
		case rotate:
			if key == nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			key.versions = append(key.versions, f.generate(t, key.typ))
			w.WriteHeader(http.StatusNoContent)
		default:
			var body struct {
				Type       string `json:"type"`
				Exportable bool   `json:"exportable"`
			}
			test.AssertNotError(t, json.NewDecoder(r.Body).Decode(&body), "decoding create body")
			test.Assert(t, !body.Exportable, "key created exportable")
			f.keys[name] = &fakeKey{typ: body.Type, versions: []crypto.Signer{f.generate(t, body.Type)}}
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/v1/transit/sign/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/transit/sign/"), "/")
		var body map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		test.AssertNotError(t, dec.Decode(&body), "decoding sign body")
		f.signRequests = append(f.signRequests, body)

		key := f.keys[parts[0]]
		v, _ := body["key_version"].(json.Number).Int64()
		if key == nil || v < 1 || int(v) > len(key.versions) {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"errors": []string{"no such key version"}})
			return
		}
		hash := map[string]crypto.Hash{"sha2-256": crypto.SHA256, "sha2-384": crypto.SHA384, "sha2-512": crypto.SHA512}[parts[1]]
		digest, err := base64.StdEncoding.DecodeString(body["input"].(string))
		test.AssertNotError(t, err, "decoding input")
		sig, err := key.versions[v-1].Sign(rand.Reader, digest, hash)
		test.AssertNotError(t, err, "fake signing")
		writeJSON(w, map[string]any{"data": map[string]any{
			"signature": fmt.Sprintf("vault:v%d:%s", v, base64.StdEncoding.EncodeToString(sig)),
		}})
	})
	return mux
}

func setup(t *testing.T) (*KeyStore, *fakeTransit) {
	t.Helper()
	fake := &fakeTransit{keys: map[string]*fakeKey{}}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	cfg := api.DefaultConfig()
	cfg.Address = srv.URL
	cfg.MaxRetries = 0
	client, err := api.NewClient(cfg)
	test.AssertNotError(t, err, "creating vault client")
	client.SetToken("test-token")
	return New(client, ""), fake
}

func TestCreateAndRotate(t *testing.T) {
	ctx := context.Background()
	ks, fake := setup(t)

	ref, err := ks.CreateKey(ctx, "RootCA-01", core.ECDSAKey, 256)
	test.AssertNotError(t, err, "creating key")
	test.AssertEquals(t, ref, custody.KeyReference{Store: StoreName, ID: "RootCA-01", Version: "1"})
	test.AssertEquals(t, fake.keys["RootCA-01"].typ, "ecdsa-p256")

	ref2, err := ks.CreateKey(ctx, "RootCA-01", core.ECDSAKey, 256)
	test.AssertNotError(t, err, "rotating key")
	test.AssertEquals(t, ref2.Version, "2")

	pub1, err := ks.PublicKey(ctx, ref)
	test.AssertNotError(t, err, "reading v1")
	pub2, err := ks.PublicKey(ctx, ref2)
	test.AssertNotError(t, err, "reading v2")
	eq, err := core.PublicKeysEqual(pub1, pub2)
	test.AssertNotError(t, err, "comparing keys")
	test.Assert(t, !eq, "rotation kept the same key")

	_, err = ks.CreateKey(ctx, "RootCA-01", core.RSAKey, 2048)
	test.Assert(t, berrors.Is(err, berrors.Malformed), "changing the key type was not Malformed")

	_, err = ks.CreateKey(ctx, "x", core.RSAKey, 1024)
	test.Assert(t, berrors.Is(err, berrors.Malformed), "1024-bit key was not Malformed")

	_, err = ks.PublicKey(ctx, custody.KeyReference{Store: StoreName, ID: "RootCA-01", Version: "9"})
	test.Assert(t, berrors.Is(err, berrors.NotFound), "missing version was not NotFound")
	_, err = ks.PublicKey(ctx, custody.KeyReference{Store: StoreName, ID: "nope", Version: "1"})
	test.Assert(t, berrors.Is(err, berrors.NotFound), "missing key was not NotFound")
}

func TestSignRSA(t *testing.T) {
	ctx := context.Background()
	ks, fake := setup(t)

	ref, err := ks.CreateKey(ctx, "leaf", core.RSAKey, 2048)
	test.AssertNotError(t, err, "creating key")
	pub, err := ks.PublicKey(ctx, ref)
	test.AssertNotError(t, err, "reading key")

	digest := sha256.Sum256([]byte("tbs"))
	sig, err := ks.Sign(ctx, ref, crypto.SHA256, digest[:])
	test.AssertNotError(t, err, "signing")
	test.AssertNotError(t, rsa.VerifyPKCS1v15(pub.(*rsa.PublicKey), crypto.SHA256, digest[:], sig), "signature doesn't verify")

	req := fake.signRequests[0]
	test.AssertEquals(t, req["prehashed"], true)
	test.AssertEquals(t, req["signature_algorithm"], "pkcs1v15")
	test.AssertEquals(t, req["marshaling_algorithm"], "asn1")
	test.AssertEquals(t, req["key_version"], json.Number("1"))
}

func TestSignECDSA(t *testing.T) {
	ctx := context.Background()
	ks, _ := setup(t)

	ref, err := ks.CreateKey(ctx, "ec", core.ECDSAKey, 384)
	test.AssertNotError(t, err, "creating key")
	pub, err := ks.PublicKey(ctx, ref)
	test.AssertNotError(t, err, "reading key")

	digest := sha512.Sum384([]byte("tbs"))
	sig, err := ks.Sign(ctx, ref, crypto.SHA384, digest[:])
	test.AssertNotError(t, err, "signing")
	test.Assert(t, ecdsa.VerifyASN1(pub.(*ecdsa.PublicKey), digest[:], sig), "signature doesn't verify")

	_, err = ks.Sign(ctx, ref, crypto.SHA256, digest[:])
	test.Assert(t, berrors.Is(err, berrors.Malformed), "digest of the wrong length was not Malformed")
	_, err = ks.Sign(ctx, ref, crypto.SHA1, digest[:20])
	test.Assert(t, berrors.Is(err, berrors.Malformed), "SHA-1 was not Malformed")
	_, err = ks.Sign(ctx, custody.KeyReference{Store: "memory", ID: "ec", Version: "1"}, crypto.SHA384, digest[:])
	test.Assert(t, berrors.Is(err, berrors.Malformed), "foreign reference was not Malformed")

	_, err = ks.Sign(ctx, custody.KeyReference{Store: StoreName, ID: "ec", Version: "5"}, crypto.SHA384, digest[:])
	test.AssertError(t, err, "signing with a missing version succeeded")
}

func TestParseSignature(t *testing.T) {
	sig, err := parseSignature("vault:v2:"+base64.StdEncoding.EncodeToString([]byte{1, 2}), 2)
	test.AssertNotError(t, err, "parsing a good signature")
	test.AssertByteEquals(t, sig, []byte{1, 2})

	for _, bad := range []string{"", "vault:v2", "other:v2:AQI=", "vault:v3:AQI=", "vault:v2:!!"} {
		_, err = parseSignature(bad, 2)
		test.AssertError(t, err, fmt.Sprintf("parsed %q", bad))
	}
}
