// Package goodkey decides which public keys vaultca is willing to certify.
package goodkey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/titanous/rocacheck"
)

// ErrBadKey is wrapped by every rejection, so callers can tell a policy
// failure apart from an internal error.
var ErrBadKey = errors.New("")

func badKey(msg string, args ...any) error {
	return fmt.Errorf("%w%s", ErrBadKey, fmt.Errorf(msg, args...))
}

// To generate, run: primes 2 752 | tr '\n' ,
var smallPrimeInts = []int64{
	2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47,
	53, 59, 61, 67, 71, 73, 79, 83, 89, 97, 101, 103, 107,
	109, 113, 127, 131, 137, 139, 149, 151, 157, 163, 167,
	173, 179, 181, 191, 193, 197, 199, 211, 223, 227, 229,
	233, 239, 241, 251, 257, 263, 269, 271, 277, 281, 283,
	293, 307, 311, 313, 317, 331, 337, 347, 349, 353, 359,
	367, 373, 379, 383, 389, 397, 401, 409, 419, 421, 431,
	433, 439, 443, 449, 457, 461, 463, 467, 479, 487, 491,
	499, 503, 509, 521, 523, 541, 547, 557, 563, 569, 571,
	577, 587, 593, 599, 601, 607, 613, 617, 619, 631, 641,
	643, 647, 653, 659, 661, 673, 677, 683, 691, 701, 709,
	719, 727, 733, 739, 743, 751,
}

var (
	smallPrimesOnce sync.Once
	smallPrimes     []*big.Int
)

// Config is the YAML form of a KeyPolicy. A zero Config allows everything
// the package supports.
type Config struct {
	DisallowRSA       bool `yaml:"disallow-rsa"`
	DisallowECDSAP256 bool `yaml:"disallow-ecdsa-p256"`
	DisallowECDSAP384 bool `yaml:"disallow-ecdsa-p384"`
	MinRSAModulusBits int  `yaml:"min-rsa-modulus-bits" validate:"omitempty,min=2048,max=4096"`
}

// KeyPolicy determines which types of key may be certified.
type KeyPolicy struct {
	AllowRSA           bool
	AllowECDSANISTP256 bool
	AllowECDSANISTP384 bool
	// MinRSABits defaults to 2048 when zero.
	MinRSABits int
}

// NewPolicy builds a KeyPolicy from its config. A nil config yields the
// permissive default.
func NewPolicy(c *Config) KeyPolicy {
	if c == nil {
		c = &Config{}
	}
	return KeyPolicy{
		AllowRSA:           !c.DisallowRSA,
		AllowECDSANISTP256: !c.DisallowECDSAP256,
		AllowECDSANISTP384: !c.DisallowECDSAP384,
		MinRSABits:         c.MinRSAModulusBits,
	}
}

// GoodKey returns nil if the key is acceptable, and an error wrapping
// ErrBadKey if it is not.
func (policy *KeyPolicy) GoodKey(key crypto.PublicKey) error {
	switch t := key.(type) {
	case *rsa.PublicKey:
		return policy.goodKeyRSA(t)
	case *ecdsa.PublicKey:
		return policy.goodKeyECDSA(t)
	default:
		return badKey("unsupported key type %T", key)
	}
}

// goodKeyECDSA follows the public key validation routine of NIST SP800-56A
// § 5.6.2.3.2, restricted to the prime curves crypto/elliptic provides.
func (policy *KeyPolicy) goodKeyECDSA(key *ecdsa.PublicKey) error {
	if key.X == nil || key.Y == nil || key.Curve == nil {
		return badKey("key is missing a coordinate or curve")
	}
	err := policy.goodCurve(key.Curve)
	if err != nil {
		return err
	}
	params := key.Params()

	// Step 1: not the point at infinity, which is (0,0) on all supported
	// curves.
	if isPointAtInfinityNISTP(key.X, key.Y) {
		return badKey("key x, y must not be the point at infinity")
	}

	// Step 2: coordinates are field elements in [0, p-1].
	if key.X.Sign() < 0 || key.Y.Sign() < 0 {
		return badKey("key x, y must not be negative")
	}
	if key.X.Cmp(params.P) >= 0 || key.Y.Cmp(params.P) >= 0 {
		return badKey("key x, y must not exceed P-1")
	}

	// Step 3: the point satisfies the curve equation.
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return badKey("key point is not on the curve")
	}

	// Step 4: n*Q is the point at infinity.
	ox, oy := key.Curve.ScalarMult(key.X, key.Y, params.N.Bytes())
	if !isPointAtInfinityNISTP(ox, oy) {
		return badKey("public key does not have correct order")
	}
	return nil
}

// Only valid for curves whose point at infinity is (0,0).
func isPointAtInfinityNISTP(x, y *big.Int) bool {
	return x.Sign() == 0 && y.Sign() == 0
}

func (policy *KeyPolicy) goodCurve(c elliptic.Curve) error {
	params := c.Params()
	switch {
	case policy.AllowECDSANISTP256 && params == elliptic.P256().Params():
		return nil
	case policy.AllowECDSANISTP384 && params == elliptic.P384().Params():
		return nil
	default:
		return badKey("ECDSA curve %v not allowed", params.Name)
	}
}

func (policy *KeyPolicy) goodKeyRSA(key *rsa.PublicKey) error {
	if !policy.AllowRSA {
		return badKey("RSA keys are not allowed")
	}
	if key.N == nil {
		return badKey("key is missing a modulus")
	}

	minBits := policy.MinRSABits
	if minBits == 0 {
		minBits = 2048
	}
	const maxKeySize = 4096
	modulus := key.N
	modulusBitLen := modulus.BitLen()
	if modulusBitLen < minBits {
		return badKey("key too small: %d", modulusBitLen)
	}
	if modulusBitLen > maxKeySize {
		return badKey("key too large: %d > %d", modulusBitLen, maxKeySize)
	}
	if modulusBitLen%8 != 0 {
		return badKey("key length wasn't a multiple of 8: %d", modulusBitLen)
	}
	// rsa.PublicKey stores E as an int, so there is no upper bound to check.
	if (key.E%2) == 0 || key.E < ((1<<16)+1) {
		return badKey("key exponent should be odd and >2^16: %d", key.E)
	}
	if checkSmallPrimes(modulus) {
		return badKey("key divisible by small prime")
	}
	if rocacheck.IsWeak(key) {
		return badKey("key generated by vulnerable Infineon library (CVE-2017-15361, ROCA)")
	}
	return nil
}

// Returns true iff integer i is divisible by any of the primes in smallPrimes.
//
// Short circuits; execution time is dependent on i. Do not use this on secret
// values.
func checkSmallPrimes(i *big.Int) bool {
	smallPrimesOnce.Do(func() {
		for _, prime := range smallPrimeInts {
			smallPrimes = append(smallPrimes, big.NewInt(prime))
		}
	})

	for _, prime := range smallPrimes {
		var result big.Int
		result.Mod(i, prime)
		if result.Sign() == 0 {
			return true
		}
	}
	return false
}
