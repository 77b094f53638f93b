// Package config reads the application configuration: the named
// datasources, the default connection, generator build properties, the
// bundles to collect schemas from and the directories used while staging.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
	"github.com/FocuswithJustin/propelbridge/internal/ordered"
	"github.com/FocuswithJustin/propelbridge/internal/validation"
)

// Defaults applied by Load when the configuration file leaves a value unset.
const (
	DefaultConnectionName = "default"
	DefaultCacheDir       = "var/cache/propel"
	DefaultPropertiesFile = "app/config/propel.ini"
	DefaultGenerator      = "vendor/bin/propel"
)

// Datasource is a named database connection profile. It is only ever
// written into generated files, never dialed.
type Datasource struct {
	Name     string
	Adapter  string
	DSN      string
	User     string
	Password string
}

// Datasources is a list of datasources decoded from a YAML mapping. The
// mapping order of the file is kept so generated descriptors are stable.
type Datasources []Datasource

// UnmarshalYAML implements [yaml.Unmarshaler] for Datasources.
func (d *Datasources) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: connections must be a mapping of name to datasource", node.Line)
	}

	out := make(Datasources, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value

		var raw struct {
			Adapter  string `yaml:"adapter"`
			DSN      string `yaml:"dsn"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
		}
		if err := node.Content[i+1].Decode(&raw); err != nil {
			return fmt.Errorf("connection %q: %w", name, err)
		}

		out = append(out, Datasource{
			Name:     name,
			Adapter:  raw.Adapter,
			DSN:      raw.DSN,
			User:     raw.User,
			Password: raw.Password,
		})
	}

	*d = out
	return nil
}

// Properties holds generator build properties in file order.
type Properties struct {
	ordered.Map[string]
}

// UnmarshalYAML implements [yaml.Unmarshaler] for Properties. Values must be
// scalars and are kept exactly as written, so `true` stays "true".
func (p *Properties) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: build_properties must be a mapping", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: build property %q must be a scalar", value.Line, key.Value)
		}
		if value.Tag == "!!null" {
			p.Set(key.Value, "")
			continue
		}
		p.Set(key.Value, value.Value)
	}
	return nil
}

// BundleConfig declares a bundle explicitly in the configuration file.
type BundleConfig struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// Config is the application configuration.
type Config struct {
	ProjectDir        string         `yaml:"project_dir"`
	CacheDir          string         `yaml:"cache_dir"`
	PropertiesFile    string         `yaml:"properties_file"`
	Generator         string         `yaml:"generator"`
	DefaultConnection string         `yaml:"default_connection"`
	Connections       Datasources    `yaml:"connections"`
	BuildProperties   Properties     `yaml:"build_properties"`
	Bundles           []BundleConfig `yaml:"bundles"`
	BundleDirs        []string       `yaml:"bundle_dirs"`

	// Path is the file the configuration was loaded from, if any.
	Path string `yaml:"-"`
}

// Load reads and normalizes the configuration file at path.
func Load(path string) (*Config, error) {
	if err := validation.ValidatePath(path); err != nil {
		return nil, apperrors.Wrap(err, "invalid config path")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewIO("read", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		var pe *apperrors.ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return nil, err
	}

	cfg.Path = path
	if err := cfg.normalize(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration data without resolving any paths.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &apperrors.ParseError{Format: "YAML", Message: err.Error(), Err: err}
	}
	return &cfg, nil
}

// Normalize fills defaults and makes every path absolute, relative paths
// being resolved against baseDir.
func (c *Config) Normalize(baseDir string) error {
	return c.normalize(baseDir)
}

func (c *Config) normalize(baseDir string) error {
	if c.ProjectDir == "" {
		c.ProjectDir = baseDir
	} else if !filepath.IsAbs(c.ProjectDir) {
		c.ProjectDir = filepath.Join(baseDir, c.ProjectDir)
	}

	projectDir, err := filepath.Abs(c.ProjectDir)
	if err != nil {
		return apperrors.Wrap(err, "resolve project_dir")
	}
	c.ProjectDir = projectDir

	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir
	}
	if c.PropertiesFile == "" {
		c.PropertiesFile = DefaultPropertiesFile
	}
	if c.Generator == "" {
		c.Generator = DefaultGenerator
	}
	if c.DefaultConnection == "" {
		c.DefaultConnection = DefaultConnectionName
	}

	for _, p := range []*string{&c.CacheDir, &c.PropertiesFile} {
		if err := validation.ValidatePath(*p); err != nil {
			return apperrors.Wrapf(err, "invalid path %q", *p)
		}
		*p = c.Resolve(*p)
	}

	// A bare executable name is looked up on PATH by the runner.
	if filepath.Base(c.Generator) != c.Generator {
		c.Generator = c.Resolve(c.Generator)
	}

	for i := range c.Bundles {
		c.Bundles[i].Path = c.Resolve(c.Bundles[i].Path)
	}
	for i := range c.BundleDirs {
		c.BundleDirs[i] = c.Resolve(c.BundleDirs[i])
	}
	return nil
}

// Resolve returns p made absolute against the project directory.
func (c *Config) Resolve(p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.ProjectDir, p)
}

// Check validates the datasource configuration. It runs before any staging
// so a misconfigured application never touches the cache directory.
func (c *Config) Check() error {
	if len(c.Connections) == 0 {
		return apperrors.NewConfig("Propel should be configured (no database configuration found).")
	}
	if _, ok := c.Datasource(c.DefaultConnection); !ok {
		return apperrors.NewConfig("Default connection %q is not configured", c.DefaultConnection)
	}

	seen := make(map[string]bool, len(c.Connections))
	for _, ds := range c.Connections {
		if seen[ds.Name] {
			return apperrors.NewConfig("Connection %q is configured twice", ds.Name)
		}
		seen[ds.Name] = true
	}
	return nil
}

// Datasource returns the datasource registered under name.
func (c *Config) Datasource(name string) (Datasource, bool) {
	for _, ds := range c.Connections {
		if ds.Name == name {
			return ds, true
		}
	}
	return Datasource{}, false
}
