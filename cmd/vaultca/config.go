package main

import (
	"errors"
	"fmt"

	"github.com/letsencrypt/validator/v10"

	"github.com/vaultca/vaultca/cmd"
	"github.com/vaultca/vaultca/config"
	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/goodkey"
)

const (
	opCA      = "ca"
	opCSR     = "csr"
	opSign    = "sign"
	opSignCSR = "sign-csr"
	opMerge   = "merge"
	opGet     = "get"
)

type backendConfig struct {
	// Keys selects the KeyStore: Vault Transit, a PKCS#11 token, or process
	// memory for dry runs.
	Keys string `yaml:"keys" validate:"required,oneof=transit pkcs11 memory"`
	// Certs selects the CertStore: Vault KV v2 or process memory.
	Certs string          `yaml:"certs" validate:"required,oneof=kv memory"`
	Vault cmd.VaultConfig `yaml:"vault"`
	// TransitMount defaults to "transit".
	TransitMount string `yaml:"transit-mount"`
	// KVMount defaults to "secret".
	KVMount  string `yaml:"kv-mount"`
	KVPrefix string `yaml:"kv-prefix"`
	PKCS11   struct {
		Module string             `yaml:"module"`
		Slot   uint               `yaml:"slot"`
		PIN    cmd.PasswordConfig `yaml:"pin"`
	} `yaml:"pkcs11"`
	PollInterval    *config.Duration `yaml:"poll-interval"`
	MaxPollInterval *config.Duration `yaml:"max-poll-interval"`
}

func (bc backendConfig) usesVault() bool {
	return bc.Keys == "transit" || bc.Certs == "kv"
}

func (bc backendConfig) validate() error {
	if bc.Keys == "pkcs11" && bc.PKCS11.Module == "" {
		return errors.New("backend.pkcs11.module is required for pkcs11 keys")
	}
	if bc.Keys != "pkcs11" && bc.PKCS11.Module != "" {
		return errors.New("backend.pkcs11 is only used for pkcs11 keys")
	}
	return nil
}

type issuanceConfig struct {
	Lint         bool            `yaml:"lint"`
	IgnoredLints []string        `yaml:"ignored-lints"`
	KeyPolicy    *goodkey.Config `yaml:"key-policy"`
	// DisableTimeout bounds the placeholder disable of a cancelled issuance.
	DisableTimeout *config.Duration `yaml:"disable-timeout"`
}

type certificateConfig struct {
	Name            string       `yaml:"name" validate:"omitempty,certname"`
	Subject         core.Subject `yaml:"subject"`
	SubjectAltNames []string     `yaml:"subject-alt-names"`
	KeyType         string       `yaml:"key-type" validate:"omitempty,oneof=RSA EC"`
	KeySize         int          `yaml:"key-size"`
	Issuer          string       `yaml:"issuer" validate:"omitempty,certname"`
	IsCA            bool         `yaml:"is-ca"`
	PathLength      *int         `yaml:"path-length" validate:"omitempty,min=0"`
	ValidityDays    int          `yaml:"validity-days" validate:"min=0"`
}

// request turns the certificate section into an issuance request.
func (cc certificateConfig) request() *core.CertificateRequest {
	return &core.CertificateRequest{
		Name:            cc.Name,
		Subject:         cc.Subject,
		SubjectAltNames: cc.SubjectAltNames,
		KeyType:         core.KeyType(cc.KeyType),
		KeySize:         cc.KeySize,
		IssuerName:      cc.Issuer,
		IsCA:            cc.IsCA,
		PathLength:      cc.PathLength,
	}
}

// Config is the vaultca configuration file. Operation selects what to do;
// which of the other sections are needed depends on it.
type Config struct {
	Operation string `yaml:"operation" validate:"required,oneof=ca csr sign sign-csr merge get"`

	Syslog        cmd.SyslogConfig        `yaml:"syslog"`
	OpenTelemetry cmd.OpenTelemetryConfig `yaml:"open-telemetry"`
	// DebugAddr serves /metrics while the operation runs.
	DebugAddr string `yaml:"debug-addr" validate:"omitempty,hostname_port"`
	// Timeout bounds the whole operation. Zero means no bound.
	Timeout *config.Duration `yaml:"timeout"`

	Backend     backendConfig     `yaml:"backend"`
	Issuance    issuanceConfig    `yaml:"issuance"`
	Certificate certificateConfig `yaml:"certificate"`
	Inputs      struct {
		CSRPath         string `yaml:"csr-path"`
		CertificatePath string `yaml:"certificate-path"`
	} `yaml:"inputs"`
	Outputs struct {
		CertificatePath string `yaml:"certificate-path"`
		CSRPath         string `yaml:"csr-path"`
		PublicKeyPath   string `yaml:"public-key-path"`
		// Format is pem (the default) or der.
		Format string `yaml:"format" validate:"omitempty,oneof=pem der"`
	} `yaml:"outputs"`
}

var validators = map[string]validator.Func{
	"certname": func(fl validator.FieldLevel) bool {
		return core.ValidateCertificateName(fl.Field().String()) == nil
	},
}

// validate checks that the sections the operation needs are present.
func (c Config) validate() error {
	err := c.Backend.validate()
	if err != nil {
		return err
	}
	cert := c.Certificate
	switch c.Operation {
	case opCA:
		if cert.Name == "" {
			return errors.New("certificate.name is required")
		}
		if c.Inputs.CSRPath != "" {
			return errors.New("inputs.csr-path is not used by the ca operation")
		}
	case opCSR:
		if c.Outputs.CSRPath == "" {
			return errors.New("outputs.csr-path is required")
		}
		if cert.Issuer != "" || cert.IsCA {
			return errors.New("certificate.issuer and certificate.is-ca are not used by the csr operation")
		}
	case opSign:
		if cert.Issuer == "" {
			return errors.New("certificate.issuer is required")
		}
	case opSignCSR:
		if c.Inputs.CSRPath == "" {
			return errors.New("inputs.csr-path is required")
		}
		if cert.Issuer == "" {
			return errors.New("certificate.issuer is required")
		}
		if cert.ValidityDays == 0 {
			return errors.New("certificate.validity-days is required")
		}
	case opMerge:
		if cert.Name == "" {
			return errors.New("certificate.name is required")
		}
		if c.Inputs.CertificatePath == "" {
			return errors.New("inputs.certificate-path is required")
		}
	case opGet:
		if cert.Name == "" {
			return errors.New("certificate.name is required")
		}
		if c.Outputs.CertificatePath == "" && c.Outputs.PublicKeyPath == "" {
			return errors.New("outputs.certificate-path or outputs.public-key-path is required")
		}
	default:
		return fmt.Errorf("unknown operation %q", c.Operation)
	}
	if c.Operation != opGet && c.Operation != opCSR && c.Operation != opMerge && c.Outputs.CertificatePath == "" {
		return errors.New("outputs.certificate-path is required")
	}
	return nil
}
