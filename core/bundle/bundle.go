// Package bundle provides the bundle registry and schema discovery.
// Bundles are self-contained parts of the application that own an
// installation path, a PHP-style namespace and zero or more schema files.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/FocuswithJustin/propelbridge/core/config"
	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
	"github.com/FocuswithJustin/propelbridge/internal/logging"
)

// ManifestName is the file that marks a directory as a bundle.
const ManifestName = "bundle.yaml"

// Manifest represents the bundle.yaml manifest file.
type Manifest struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace"`
}

// Bundle represents a registered bundle.
type Bundle struct {
	Name      string
	Namespace string // e.g. `Acme\DemoBundle`
	Path      string // Directory the bundle is installed in
}

// NamespaceComponents returns the backslash-separated parts of the bundle
// namespace. An empty namespace still counts as one component.
func (b *Bundle) NamespaceComponents() []string {
	return strings.Split(strings.Trim(b.Namespace, `\`), `\`)
}

// Registry holds bundles in registration order.
type Registry struct {
	bundles []*Bundle
	byName  map[string]*Bundle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Bundle)}
}

// FromConfig builds a registry from the bundles declared in cfg followed by
// the bundles discovered under cfg.BundleDirs.
func FromConfig(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()
	for _, bc := range cfg.Bundles {
		if err := r.Add(&Bundle{Name: bc.Name, Namespace: bc.Namespace, Path: bc.Path}); err != nil {
			return nil, err
		}
	}
	for _, dir := range cfg.BundleDirs {
		if err := r.LoadFromDir(dir); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a bundle. Names must be unique.
func (r *Registry) Add(b *Bundle) error {
	if b.Name == "" {
		return apperrors.NewValidation("name", "bundle name is required")
	}
	if b.Path == "" {
		return apperrors.NewValidation("path", fmt.Sprintf("bundle %s has no path", b.Name))
	}
	if _, ok := r.byName[b.Name]; ok {
		return apperrors.NewValidation("name", fmt.Sprintf("bundle %s is registered twice", b.Name))
	}
	r.bundles = append(r.bundles, b)
	r.byName[b.Name] = b
	logging.BundleRegistered(b.Name, b.Namespace, b.Path)
	return nil
}

// Get returns a bundle by name.
func (r *Registry) Get(name string) (*Bundle, error) {
	b, ok := r.byName[name]
	if !ok {
		return nil, apperrors.NewNotFound("bundle", name)
	}
	return b, nil
}

// List returns all bundles in registration order.
func (r *Registry) List() []*Bundle {
	out := make([]*Bundle, len(r.bundles))
	copy(out, r.bundles)
	return out
}

// LoadFromDir discovers bundles below dir and registers them.
func (r *Registry) LoadFromDir(dir string) error {
	bundles, err := Discover(dir)
	if err != nil {
		return err
	}
	for _, b := range bundles {
		if err := r.Add(b); err != nil {
			return err
		}
	}
	return nil
}

// Discover finds bundles in a directory. It supports both a flat layout
// (src/AcmeDemoBundle/bundle.yaml) and a vendor-nested layout
// (src/Acme/DemoBundle/bundle.yaml). Entries are visited in lexical order.
func Discover(dir string) ([]*Bundle, error) {
	var bundles []*Bundle

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bundle directory: %w", err)
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return bundles, nil
		}
		return nil, apperrors.NewIO("read", absDir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		entryPath := filepath.Join(absDir, entry.Name())
		if hasManifest(entryPath) {
			b, err := loadFromDir(entryPath)
			if err != nil {
				return nil, err
			}
			bundles = append(bundles, b)
			continue
		}

		nested, err := os.ReadDir(entryPath)
		if err != nil {
			logging.Warn("failed to scan vendor directory", "path", entryPath, "error", err)
			continue
		}
		for _, n := range nested {
			if !n.IsDir() {
				continue
			}
			nestedPath := filepath.Join(entryPath, n.Name())
			if !hasManifest(nestedPath) {
				continue
			}
			b, err := loadFromDir(nestedPath)
			if err != nil {
				return nil, err
			}
			bundles = append(bundles, b)
		}
	}

	return bundles, nil
}

func hasManifest(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ManifestName))
	return err == nil && !info.IsDir()
}

// loadFromDir loads a bundle from a directory containing bundle.yaml.
func loadFromDir(dir string) (*Bundle, error) {
	manifest, err := ParseManifest(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Name:      manifest.Name,
		Namespace: manifest.Namespace,
		Path:      dir,
	}, nil
}

// ParseManifest parses a bundle.yaml file.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewIO("read", path, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, &apperrors.ParseError{Format: "YAML", Path: path, Message: err.Error(), Err: err}
	}

	if manifest.Name == "" {
		return nil, apperrors.NewValidation("name", fmt.Sprintf("is required in %s", path))
	}
	if manifest.Namespace == "" {
		return nil, apperrors.NewValidation("namespace", fmt.Sprintf("is required in %s", path))
	}

	return &manifest, nil
}
