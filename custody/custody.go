// Package custody defines the contract between the issuance pipeline and the
// service that holds CA private keys and persists certificates. Private key
// material never crosses this boundary: callers see key references, public
// keys, signatures and certificate bytes.
package custody

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"maps"
	"time"

	"github.com/vaultca/vaultca/core"
	berrors "github.com/vaultca/vaultca/errors"
)

// KeyReference identifies one version of a private key held by a KeyStore.
// It never carries key material.
type KeyReference struct {
	// Store names the KeyStore implementation that issued the reference.
	Store   string `json:"store"`
	ID      string `json:"id"`
	Version string `json:"version"`
}

func (r KeyReference) String() string {
	return fmt.Sprintf("%s:%s@%s", r.Store, r.ID, r.Version)
}

// IsZero is true for certificates whose private key is held outside the
// backend, such as those issued for a caller-supplied CSR.
func (r KeyReference) IsZero() bool {
	return r == KeyReference{}
}

// IssuerName selects who signs the certificate a key operation produces.
type IssuerName string

const (
	// IssuerSelf makes the backend self-sign a placeholder certificate.
	IssuerSelf IssuerName = "Self"
	// IssuerUnknown makes the backend emit a CSR and wait for a merge.
	IssuerUnknown IssuerName = "Unknown"
)

// Policy describes the certificate a key operation should produce.
type Policy struct {
	IssuerName IssuerName   `json:"issuerName"`
	Subject    string       `json:"subject"`
	KeyType    core.KeyType `json:"keyType"`
	KeySize    int          `json:"keySize"`
	// ReuseKey makes the operation use the key of the name's previous
	// operation instead of generating a new one.
	ReuseKey       bool              `json:"reuseKey"`
	Exportable     bool              `json:"exportable"`
	ValidityMonths int               `json:"validityMonths"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// OperationStatus is the state of a pending operation as reported by the
// backend.
type OperationStatus string

const (
	StatusInProgress OperationStatus = "inProgress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusCancelled  OperationStatus = "cancelled"
)

// Operation is the backend's record of an in-flight key generation or CSR
// issuance. There is at most one per name.
type Operation struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Status OperationStatus `json:"status"`
	Policy Policy          `json:"policy"`
	KeyRef KeyReference    `json:"keyRef"`
	// PlaceholderID is set once a Self operation has produced its
	// placeholder certificate.
	PlaceholderID string `json:"placeholderID,omitempty"`
	// CSR is set once an Unknown operation has produced its request.
	CSR     []byte    `json:"csr,omitempty"`
	Error   string    `json:"error,omitempty"`
	Created time.Time `json:"created"`
}

// Done reports whether the operation has reached a final status.
func (o *Operation) Done() bool {
	return o.Status != StatusInProgress
}

// CertificateBundle is a certificate held by the backend together with the
// reference to its private key. Versions of a name are always enabled; only
// placeholders are ever disabled.
type CertificateBundle struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     int               `json:"version"`
	DER         []byte            `json:"der"`
	KeyRef      KeyReference      `json:"keyRef"`
	Enabled     bool              `json:"enabled"`
	Tags        map[string]string `json:"tags,omitempty"`
	Placeholder bool              `json:"placeholder"`
	Created     time.Time         `json:"created"`
}

// Certificate parses the bundle's DER.
func (b *CertificateBundle) Certificate() (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(b.DER)
	if err != nil {
		return nil, berrors.InternalServerError("parsing certificate %q: %s", b.Name, err)
	}
	return cert, nil
}

// Clone returns a deep copy of b.
func (b *CertificateBundle) Clone() *CertificateBundle {
	c := *b
	c.DER = append([]byte(nil), b.DER...)
	c.Tags = maps.Clone(b.Tags)
	return &c
}

// Clone returns a deep copy of o.
func (o *Operation) Clone() *Operation {
	c := *o
	c.CSR = append([]byte(nil), o.CSR...)
	c.Policy.Tags = maps.Clone(o.Policy.Tags)
	return &c
}

// DigestSigner signs a precomputed digest with a backend-held key. RSA keys
// produce PKCS#1 v1.5 signatures and ECDSA keys ASN.1 Ecdsa-Sig-Value
// signatures.
type DigestSigner interface {
	Sign(ctx context.Context, ref KeyReference, hash crypto.Hash, digest []byte) ([]byte, error)
	PublicKey(ctx context.Context, ref KeyReference) (crypto.PublicKey, error)
}

// Backend is the key-custody service the issuance pipeline drives.
type Backend interface {
	DigestSigner
	// Versions returns the number of persisted certificate versions for
	// name. Placeholders are not versions.
	Versions(ctx context.Context, name string) (int, error)
	// DeletePendingOperation removes the pending operation for name. A
	// missing operation is not an error.
	DeletePendingOperation(ctx context.Context, name string) error
	StartKeyOperation(ctx context.Context, name string, policy Policy) (*Operation, error)
	// Await blocks until op is no longer in progress or ctx ends. A failed
	// or cancelled operation is returned without error.
	Await(ctx context.Context, op *Operation) (*Operation, error)
	// GetCertificateBundle returns the latest version of name or, when
	// there is none yet, the placeholder of its pending operation.
	GetCertificateBundle(ctx context.Context, name string) (*CertificateBundle, error)
	// Merge completes the pending operation for name with a signed chain,
	// leaf first, and persists the leaf as a new version.
	Merge(ctx context.Context, name string, chain [][]byte) (*CertificateBundle, error)
	// ImportCertificate persists a certificate whose key the backend does
	// not hold as a new version of name.
	ImportCertificate(ctx context.Context, name string, der []byte, tags map[string]string) (*CertificateBundle, error)
	SetEnabled(ctx context.Context, certificateID string, enabled bool) error
}

// KeyStore holds private keys and signs with them.
type KeyStore interface {
	DigestSigner
	// CreateKey creates a new key, or a new version of the key, for name.
	CreateKey(ctx context.Context, name string, keyType core.KeyType, bits int) (KeyReference, error)
}

// CertStore persists certificate versions, pending operations and
// placeholders. Lookups of missing records return a NotFound error.
type CertStore interface {
	CountVersions(ctx context.Context, name string) (int, error)
	LatestVersion(ctx context.Context, name string) (*CertificateBundle, error)
	// AppendVersion stores b as the next version of name and returns the
	// version number assigned.
	AppendVersion(ctx context.Context, name string, b *CertificateBundle) (int, error)
	GetPending(ctx context.Context, name string) (*Operation, error)
	PutPending(ctx context.Context, op *Operation) error
	// DeletePending is a no-op for a name without a pending operation.
	DeletePending(ctx context.Context, name string) error
	GetPlaceholder(ctx context.Context, id string) (*CertificateBundle, error)
	PutPlaceholder(ctx context.Context, b *CertificateBundle) error
}
