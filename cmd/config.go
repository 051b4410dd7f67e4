package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/letsencrypt/validator/v10"

	"github.com/vaultca/vaultca/config"
	"github.com/vaultca/vaultca/strictyaml"
)

// PasswordConfig either contains a password or the path to a file
// containing a password.
type PasswordConfig struct {
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password-file" validate:"excluded_with=Password"`
}

// Pass returns a password, either directly from the configuration
// struct or by reading from a specified file.
func (pc *PasswordConfig) Pass() (string, error) {
	if pc.PasswordFile != "" {
		contents, err := os.ReadFile(pc.PasswordFile)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(contents), "\n"), nil
	}
	return pc.Password, nil
}

// SyslogConfig defines the config for syslogging. The levels are syslog
// priorities: 3 logs errors, 4 warnings and above, 6 info and above, 7
// debug and above. Zero selects 6; -1 disables that output.
type SyslogConfig struct {
	StdoutLevel int `yaml:"stdout-level" validate:"min=-1,max=7"`
	SyslogLevel int `yaml:"syslog-level" validate:"min=-1,max=7"`
}

// OpenTelemetryConfig configures span export. An empty Endpoint disables
// tracing.
type OpenTelemetryConfig struct {
	// Endpoint is the host:port of an OTLP/gRPC collector.
	Endpoint string `yaml:"endpoint" validate:"omitempty,hostname_port"`
	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure"`
	// SampleRatio is the fraction of root spans exported, between 0 and 1.
	SampleRatio float64 `yaml:"sample-ratio" validate:"min=0,max=1"`
}

// VaultConfig describes how to reach and authenticate to HashiCorp Vault.
// Fields left empty fall back to the standard VAULT_* environment
// variables.
type VaultConfig struct {
	Address string           `yaml:"address" validate:"omitempty,url"`
	Token   PasswordConfig   `yaml:"token"`
	AppRole *AppRoleConfig   `yaml:"approle"`
	Timeout *config.Duration `yaml:"timeout"`
}

// AppRoleConfig holds AppRole login credentials.
type AppRoleConfig struct {
	// Mount defaults to "approle".
	Mount    string         `yaml:"mount"`
	RoleID   string         `yaml:"role-id" validate:"required"`
	SecretID PasswordConfig `yaml:"secret-id"`
}

// ConfigValidator pairs a config struct with the custom validation funcs its
// tags refer to.
type ConfigValidator struct {
	Config     any
	Validators map[string]validator.Func
}

// ValidateYAMLConfig decodes in strictly into cv.Config and checks the
// result against its validate tags.
func ValidateYAMLConfig(cv *ConfigValidator, in io.Reader) error {
	if cv == nil {
		return errors.New("config validator cannot be nil")
	}
	err := strictyaml.Decode(in, cv.Config)
	if err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return validateConfig(cv)
}

func validateConfig(cv *ConfigValidator) error {
	validate := validator.New()
	for tag, v := range cv.Validators {
		err := validate.RegisterValidation(tag, v)
		if err != nil {
			return err
		}
	}
	return validate.Struct(cv.Config)
}

// ReadConfigFile reads, strictly decodes and validates the YAML config at
// filename into out, which must be a pointer to a struct.
func ReadConfigFile(filename string, out any, validators map[string]validator.Func) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	err = ValidateYAMLConfig(&ConfigValidator{Config: out, Validators: validators}, f)
	if err != nil {
		return fmt.Errorf("config %q: %w", filename, err)
	}
	return nil
}
