// Command vaultca issues certificates whose private keys stay in a custody
// backend. A single YAML file selects the operation and configures it:
//
//	ca        issue a CA certificate, self-signed or under an issuer
//	csr       create a backend key and write a CSR for external signing
//	sign      issue a certificate for a new backend key or a supplied CSR
//	sign-csr  sign a supplied CSR without storing the result
//	merge     complete a csr operation with the externally signed certificate
//	get       write out a stored certificate or its public key
package main

import (
	"context"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmhodges/clock"

	"github.com/vaultca/vaultca/ca"
	"github.com/vaultca/vaultca/cmd"
	"github.com/vaultca/vaultca/core"
	"github.com/vaultca/vaultca/goodkey"
	"github.com/vaultca/vaultca/issuance"
	blog "github.com/vaultca/vaultca/log"
)

const (
	pemCertificate = "CERTIFICATE"
	pemCSR         = "CERTIFICATE REQUEST"
	pemPublicKey   = "PUBLIC KEY"
)

func loadConfig(filename string) (*Config, error) {
	var c Config
	err := cmd.ReadConfigFile(filename, &c, validators)
	if err != nil {
		return nil, err
	}
	err = c.validate()
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", filename, err)
	}
	return &c, nil
}

// caConfig extracts the CertificateAuthority settings from c.
func (c *Config) caConfig() ca.Config {
	policy := goodkey.NewPolicy(c.Issuance.KeyPolicy)
	conf := ca.Config{
		Issuance: issuance.Config{
			Lint:         c.Issuance.Lint,
			IgnoredLints: c.Issuance.IgnoredLints,
		},
		KeyPolicy: &policy,
	}
	if c.Issuance.DisableTimeout != nil {
		conf.DisableTimeout = c.Issuance.DisableTimeout.Duration
	}
	return conf
}

// readDER reads a DER file, or a PEM file holding one block of blockType.
func readDER(filename, blockType string) ([]byte, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(contents)
	if block == nil {
		return contents, nil
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("%q holds a %s PEM block, want %s", filename, block.Type, blockType)
	}
	return block.Bytes, nil
}

// writeOutput writes der to filename in the configured format.
func (c *Config) writeOutput(filename, blockType string, der []byte) error {
	out := der
	if c.Outputs.Format != "der" {
		out = pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	}
	err := os.WriteFile(filename, out, 0644)
	if err != nil {
		return fmt.Errorf("writing %s to %q: %w", blockType, filename, err)
	}
	return nil
}

// run performs the operation c names against authority.
func run(ctx context.Context, authority *ca.CertificateAuthority, locks *ca.NameLocks, c *Config, clk clock.Clock, logger blog.Logger) error {
	if c.Certificate.Name != "" {
		unlock, err := locks.Lock(ctx, c.Certificate.Name)
		if err != nil {
			return err
		}
		defer unlock()
	}

	switch c.Operation {
	case opCA:
		req := c.Certificate.request()
		req.IsCA = true
		var res *ca.Result
		var err error
		if req.IssuerName == "" && req.KeyType == "" && req.KeySize == 0 && len(req.SubjectAltNames) == 0 {
			res, err = authority.IssueCACertificate(ctx, req.Name, req.Subject, req.PathLength)
		} else {
			res, err = authority.IssueAndSignFromRequest(ctx, req)
		}
		if err != nil {
			return err
		}
		return c.writeResult(res, logger)

	case opSign:
		req := c.Certificate.request()
		if c.Inputs.CSRPath != "" {
			csr, err := readDER(c.Inputs.CSRPath, pemCSR)
			if err != nil {
				return err
			}
			req.CSR = csr
		}
		if c.Certificate.ValidityDays > 0 {
			req.NotBefore = clk.Now().UTC().Add(-core.Backdate)
			req.NotAfter = req.NotBefore.AddDate(0, 0, c.Certificate.ValidityDays)
		}
		res, err := authority.IssueAndSignFromRequest(ctx, req)
		if err != nil {
			return err
		}
		return c.writeResult(res, logger)

	case opCSR:
		res, err := authority.CreateCSR(ctx, c.Certificate.request())
		if err != nil {
			return err
		}
		if res.AlreadyExists {
			return fmt.Errorf("certificate %q already exists, no CSR was created", res.Name)
		}
		logger.Infof("Created CSR for %q; merge the signed certificate to complete it", res.Name)
		return c.writeOutput(c.Outputs.CSRPath, pemCSR, res.DER)

	case opSignCSR:
		csr, err := readDER(c.Inputs.CSRPath, pemCSR)
		if err != nil {
			return err
		}
		der, err := authority.SignExternalCsr(ctx, csr, c.Certificate.Issuer, c.Certificate.ValidityDays, c.Certificate.IsCA)
		if err != nil {
			return err
		}
		return c.writeOutput(c.Outputs.CertificatePath, pemCertificate, der)

	case opMerge:
		der, err := readDER(c.Inputs.CertificatePath, pemCertificate)
		if err != nil {
			return err
		}
		res, err := authority.MergeCertificate(ctx, c.Certificate.Name, der)
		if err != nil {
			return err
		}
		logger.Infof("Merged certificate into %q as version %d", res.Name, res.Version)
		if c.Outputs.CertificatePath != "" {
			return c.writeOutput(c.Outputs.CertificatePath, pemCertificate, res.DER)
		}
		return nil

	case opGet:
		if c.Outputs.CertificatePath != "" {
			der, err := authority.GetCertificate(ctx, c.Certificate.Name)
			if err != nil {
				return err
			}
			err = c.writeOutput(c.Outputs.CertificatePath, pemCertificate, der)
			if err != nil {
				return err
			}
		}
		if c.Outputs.PublicKeyPath != "" {
			spki, err := authority.PublicKey(ctx, c.Certificate.Name)
			if err != nil {
				return err
			}
			return c.writeOutput(c.Outputs.PublicKeyPath, pemPublicKey, spki)
		}
		return nil
	}
	return fmt.Errorf("unknown operation %q", c.Operation)
}

func (c *Config) writeResult(res *ca.Result, logger blog.Logger) error {
	if res.AlreadyExists {
		logger.Infof("Certificate %q already exists at version %d, writing it out unchanged", res.Name, res.Version)
	} else {
		logger.Infof("Issued %q as version %d", res.Name, res.Version)
	}
	return c.writeOutput(c.Outputs.CertificatePath, pemCertificate, res.DER)
}

func main() {
	configPath := flag.String("config", "", "Path to vaultca configuration file")
	flag.Parse()
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "--config is required")
		os.Exit(1)
	}

	c, err := loadConfig(*configPath)
	cmd.FailOnError(err, "Reading config")

	stats, logger, tp, shutdown := cmd.StatsAndLogging(c.Syslog, c.OpenTelemetry, c.DebugAddr)
	defer cmd.AuditPanic()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if c.Timeout != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout.Duration)
		defer cancel()
	}

	clk := clock.New()
	backend, wait, err := newBackend(ctx, c.Backend, clk, logger)
	cmd.FailOnError(err, "Setting up custody backend")

	authority := ca.NewCertificateAuthority(backend, c.caConfig(), stats, tp, clk, logger)
	var locks ca.NameLocks
	err = run(ctx, authority, &locks, c, clk, logger)
	authority.Wait()
	wait()
	shutdown(context.Background())
	cmd.FailOnError(err, fmt.Sprintf("%s operation failed", c.Operation))
}
