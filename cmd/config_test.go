package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/letsencrypt/validator/v10"

	"github.com/vaultca/vaultca/test"
)

type exampleConfig struct {
	Name    string              `yaml:"name" validate:"required,notroot"`
	Syslog  SyslogConfig        `yaml:"syslog"`
	Tracing OpenTelemetryConfig `yaml:"open-telemetry"`
	Vault   VaultConfig         `yaml:"vault"`
}

var notRoot = map[string]validator.Func{
	"notroot": func(fl validator.FieldLevel) bool {
		return fl.Field().String() != "root"
	},
}

func TestValidateYAMLConfig(t *testing.T) {
	for _, tc := range []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid",
			yaml: `
name: RootCA-01
syslog:
  stdout-level: 6
  syslog-level: -1
open-telemetry:
  endpoint: collector.internal:4317
  sample-ratio: 0.5
vault:
  address: https://vault.internal:8200
  approle:
    role-id: vaultca
    secret-id:
      password-file: /run/secrets/secret-id
  timeout: 30s
`,
		},
		{
			name:    "unknown field",
			yaml:    "name: RootCA-01\nnmae: typo\n",
			wantErr: "field nmae not found",
		},
		{
			name:    "missing name",
			yaml:    "syslog:\n  stdout-level: 6\n",
			wantErr: "'required' tag",
		},
		{
			name:    "custom validator",
			yaml:    "name: root\n",
			wantErr: "'notroot' tag",
		},
		{
			name:    "log level out of range",
			yaml:    "name: RootCA-01\nsyslog:\n  stdout-level: 9\n",
			wantErr: "StdoutLevel",
		},
		{
			name:    "endpoint without port",
			yaml:    "name: RootCA-01\nopen-telemetry:\n  endpoint: collector\n",
			wantErr: "hostname_port",
		},
		{
			name:    "approle without role",
			yaml:    "name: RootCA-01\nvault:\n  approle:\n    mount: approle\n",
			wantErr: "RoleID",
		},
		{
			name:    "token twice",
			yaml:    "name: RootCA-01\nvault:\n  token:\n    password: s.abc\n    password-file: /tmp/token\n",
			wantErr: "excluded_with",
		},
		{
			name:    "empty document",
			yaml:    "",
			wantErr: "empty YAML document",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var c exampleConfig
			err := ValidateYAMLConfig(&ConfigValidator{Config: &c, Validators: notRoot}, strings.NewReader(tc.yaml))
			if tc.wantErr == "" {
				test.AssertNotError(t, err, "validating config")
				return
			}
			test.AssertError(t, err, "expected an invalid config")
			test.AssertContains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidYAMLConfigValues(t *testing.T) {
	var c exampleConfig
	err := ValidateYAMLConfig(&ConfigValidator{Config: &c, Validators: notRoot}, strings.NewReader(`
name: RootCA-01
vault:
  timeout: 1m30s
`))
	test.AssertNotError(t, err, "validating config")
	test.AssertEquals(t, c.Name, "RootCA-01")
	test.AssertNotNil(t, c.Vault.Timeout, "timeout not parsed")
	test.AssertEquals(t, c.Vault.Timeout.Duration, 90*time.Second)
	test.AssertEquals(t, c.Vault.AppRole == nil, true)
}

func TestValidateYAMLConfigNil(t *testing.T) {
	err := ValidateYAMLConfig(nil, strings.NewReader("name: x\n"))
	test.AssertError(t, err, "nil validator accepted")
}

func TestReadConfigFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	err := os.WriteFile(good, []byte("name: RootCA-01\n"), 0600)
	test.AssertNotError(t, err, "writing config")

	var c exampleConfig
	err = ReadConfigFile(good, &c, notRoot)
	test.AssertNotError(t, err, "reading config")
	test.AssertEquals(t, c.Name, "RootCA-01")

	err = ReadConfigFile(filepath.Join(dir, "missing.yaml"), &c, notRoot)
	test.AssertError(t, err, "missing file accepted")
}

func TestPasswordConfig(t *testing.T) {
	pc := PasswordConfig{Password: "hunter2"}
	pass, err := pc.Pass()
	test.AssertNotError(t, err, "reading inline password")
	test.AssertEquals(t, pass, "hunter2")

	file := filepath.Join(t.TempDir(), "pin")
	err = os.WriteFile(file, []byte("1234\n"), 0600)
	test.AssertNotError(t, err, "writing password file")
	pc = PasswordConfig{PasswordFile: file}
	pass, err = pc.Pass()
	test.AssertNotError(t, err, "reading password file")
	test.AssertEquals(t, pass, "1234")

	pc = PasswordConfig{PasswordFile: filepath.Join(t.TempDir(), "nope")}
	_, err = pc.Pass()
	test.AssertError(t, err, "missing password file accepted")
}
