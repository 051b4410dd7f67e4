package lints

import (
	"encoding/asn1"

	"github.com/zmap/zlint/v3/lint"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// VaultCAProfile is the zlint source of the lints describing the
// certificate profile vaultca issues.
const VaultCAProfile lint.LintSource = "VaultCAProfile"

// SubjectPublicKeyBits returns the contents of the subjectPublicKey BIT
// STRING of a DER SubjectPublicKeyInfo.
func SubjectPublicKeyBits(spki []byte) ([]byte, bool) {
	input := cryptobyte.String(spki)
	var seq, algo cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, false
	}
	if !seq.ReadASN1(&algo, cryptobyte_asn1.SEQUENCE) {
		return nil, false
	}
	var bits asn1.BitString
	if !seq.ReadASN1BitString(&bits) || !seq.Empty() {
		return nil, false
	}
	return bits.Bytes, true
}
