// Package strictyaml provides a strict YAML unmarshaller based on `go-yaml/yaml`
package strictyaml

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Unmarshal takes a byte array and an arbitrary interface as arguments and
// attempts to unmarshal the contents of the byte array into a defined struct. Any
// config keys from the incoming YAML document which do not correspond to
// expected keys in the config struct will result in errors. An empty document
// is an error.
func Unmarshal(b []byte, yamlObj any) error {
	return Decode(bytes.NewReader(b), yamlObj)
}

// Decode is Unmarshal over an io.Reader. Only the first document is read;
// trailing documents are rejected.
func Decode(r io.Reader, yamlObj any) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	err := decoder.Decode(yamlObj)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty YAML document")
		}
		return err
	}

	var extra yaml.Node
	err = decoder.Decode(&extra)
	if err == nil {
		return errors.New("unexpected trailing YAML document")
	}
	if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// UnmarshalFile reads the named file and decodes it strictly into yamlObj.
func UnmarshalFile(filename string, yamlObj any) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("opening %q: %w", filename, err)
	}
	defer f.Close()
	err = Decode(f, yamlObj)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", filename, err)
	}
	return nil
}
