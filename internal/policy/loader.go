package policy

import (
	"fmt"
	"os"

	"github.com/davidahmann/tollgate/internal/crypto"
	"gopkg.in/yaml.v3"
)

// LoadedPolicy is the immutable policy plus the digest of the bytes it was
// parsed from. Assessments carry Hash so decisions trace back to the file.
type LoadedPolicy struct {
	Policy Policy
	Hash   string
	Bytes  []byte
}

// LoadPolicy loads a YAML policy and computes its hash from raw bytes.
func LoadPolicy(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, err
	}
	return Parse(data)
}

// Parse decodes and validates policy bytes.
func Parse(data []byte) (LoadedPolicy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return LoadedPolicy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return LoadedPolicy{}, err
	}
	return LoadedPolicy{
		Policy: p,
		Hash:   crypto.DigestWithPrefix(data),
		Bytes:  data,
	}, nil
}

// Loaded wraps an in-process policy, hashing its YAML rendering.
func Loaded(p Policy) (LoadedPolicy, error) {
	if err := p.Validate(); err != nil {
		return LoadedPolicy{}, err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return LoadedPolicy{}, err
	}
	return LoadedPolicy{Policy: p, Hash: crypto.DigestWithPrefix(data), Bytes: data}, nil
}
