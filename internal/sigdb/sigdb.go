// Package sigdb loads named byte-pattern signatures from YAML.
package sigdb

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"dissect/internal/analysis"
)

// Signature is one named byte pattern in FindPattern syntax.
type Signature struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description"`
}

type dbFile struct {
	Signatures []Signature `yaml:"signatures"`
}

// Load parses a signature database from r. Every signature must carry
// a name and a well-formed pattern.
func Load(r io.Reader) ([]Signature, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature database: %w", err)
	}
	var f dbFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse signature database: %w", err)
	}
	for i, sig := range f.Signatures {
		if sig.Name == "" {
			return nil, fmt.Errorf("signature %d has no name", i)
		}
		if !analysis.ValidPattern(sig.Pattern) {
			return nil, fmt.Errorf("signature %q has a malformed pattern %q", sig.Name, sig.Pattern)
		}
	}
	return f.Signatures, nil
}

// LoadFile loads a signature database from path.
func LoadFile(path string) ([]Signature, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signature database %s: %w", path, err)
	}
	defer fd.Close()
	return Load(fd)
}

// Default returns the built-in signature set.
func Default() []Signature {
	return []Signature{
		{Name: "mz-header", Pattern: "4D 5A", Description: "DOS MZ executable header"},
		{Name: "pe-signature", Pattern: "50 45 00 00", Description: "PE signature"},
		{Name: "upx-marker", Pattern: "55 50 58 21", Description: "UPX packer marker"},
		{Name: "crt-prologue", Pattern: "48 83 EC 28 E8", Description: "MSVC x64 CRT entry prologue"},
	}
}
