package strictyaml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vaultca/vaultca/test"
)

type issuerConfig struct {
	Name    string `yaml:"name"`
	KeySize int    `yaml:"key-size"`
}

func TestUnmarshalKnownFields(t *testing.T) {
	var c issuerConfig
	err := Unmarshal([]byte("name: RootCA-01\nkey-size: 4096\n"), &c)
	test.AssertNotError(t, err, "valid document rejected")
	test.AssertEquals(t, c.Name, "RootCA-01")
	test.AssertEquals(t, c.KeySize, 4096)

	err = Unmarshal([]byte("name: RootCA-01\nkey-sise: 4096\n"), &c)
	test.AssertError(t, err, "unknown field accepted")
	test.AssertContains(t, err.Error(), "key-sise")
}

func TestUnmarshalEmptyAndMultiDoc(t *testing.T) {
	var c issuerConfig
	err := Unmarshal([]byte(""), &c)
	test.AssertError(t, err, "empty document accepted")

	err = Unmarshal([]byte("name: a\n---\nname: b\n"), &c)
	test.AssertError(t, err, "trailing document accepted")
}

func TestUnmarshalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issuer.yaml")
	err := os.WriteFile(path, []byte("name: leaf-01\n"), 0600)
	test.AssertNotError(t, err, "writing config")

	var c issuerConfig
	err = UnmarshalFile(path, &c)
	test.AssertNotError(t, err, "reading config")
	test.AssertEquals(t, c.Name, "leaf-01")

	err = UnmarshalFile(filepath.Join(t.TempDir(), "missing.yaml"), &c)
	test.AssertError(t, err, "missing file accepted")
}
