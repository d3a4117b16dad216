// Package manifest loads the precache manifest: the agent version tag and the static assets every
// install of that version stores.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid manifest")

// Manifest is one agent version.
type Manifest struct {
	Version string   `yaml:"version"`
	Assets  []string `yaml:"assets"`
}

// Validate checks the version tag and that every asset is an absolute path on the app origin.
func (m Manifest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Version, validation.Required, validation.By(func(value any) error {
			if strings.ContainsAny(value.(string), " /\t\n") {
				return errors.New("must not contain spaces or slashes")
			}
			return nil
		})),
		validation.Field(&m.Assets, validation.Each(validation.Required, validation.By(func(value any) error {
			if !strings.HasPrefix(value.(string), "/") {
				return errors.New("must be an absolute path")
			}
			return nil
		}))),
	)
}

// Equal reports whether both manifests describe the same version and assets.
func (m Manifest) Equal(other Manifest) bool {
	return m.Version == other.Version && slices.Equal(m.Assets, other.Assets)
}

// Parse decodes and validates a YAML manifest. Environment variables in the document are expanded
// and duplicate assets are dropped.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &m); err != nil {
		return Manifest{}, fmt.Errorf("%w : %w", ErrInvalid, err)
	}

	m.Version = strings.TrimSpace(m.Version)
	assets := make([]string, 0, len(m.Assets))
	for _, asset := range m.Assets {
		asset = strings.TrimSpace(asset)
		if !slices.Contains(assets, asset) {
			assets = append(assets, asset)
		}
	}
	m.Assets = assets

	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("%w : %w", ErrInvalid, err)
	}
	return m, nil
}

// Load reads and parses the manifest file at path.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest %s : %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("loading %s : %w", path, err)
	}
	return m, nil
}
