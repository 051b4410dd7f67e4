package core

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// BuildID is set by the compiler (using -ldflags "-X core.BuildID $(git rev-parse --short HEAD)")
// and is used by GetBuildID
var BuildID string

// BuildTime is set by the compiler and is used by GetBuildTime
var BuildTime string

// BuildHost is set by the compiler and is used by GetBuildHost
var BuildHost string

// KeyDigest produces a padded, standard Base64-encoded SHA256 digest of a
// provided public key.
func KeyDigest(key crypto.PublicKey) (string, error) {
	keyDER, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", err
	}
	spkiDigest := sha256.Sum256(keyDER)
	return base64.StdEncoding.EncodeToString(spkiDigest[0:32]), nil
}

// PublicKeysEqual determines whether two public keys are identical.
func PublicKeysEqual(a, b crypto.PublicKey) (bool, error) {
	if a == nil || b == nil {
		return false, errors.New("cannot compare a nil public key")
	}
	switch ak := a.(type) {
	case interface{ Equal(crypto.PublicKey) bool }:
		return ak.Equal(b), nil
	default:
		return false, fmt.Errorf("unsupported public key type %T", a)
	}
}

// SerialToString converts a certificate serial number (big.Int) to a String
// consistently.
func SerialToString(serial *big.Int) string {
	return fmt.Sprintf("%040x", serial)
}

// StringToSerial converts a string into a certificate serial number (big.Int)
// consistently.
func StringToSerial(serial string) (*big.Int, error) {
	if len(serial) != 40 {
		return nil, errors.New("serial number should be 40 characters long")
	}
	b, err := hex.DecodeString(serial)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// GetBuildID identifies what build is running.
func GetBuildID() (retID string) {
	retID = BuildID
	if retID == "" {
		retID = "Unspecified"
	}
	return
}

// GetBuildTime identifies when this build was made
func GetBuildTime() (retID string) {
	retID = BuildTime
	if retID == "" {
		retID = "Unspecified"
	}
	return
}

// GetBuildHost identifies the building host
func GetBuildHost() (retID string) {
	retID = BuildHost
	if retID == "" {
		retID = "Unspecified"
	}
	return
}
