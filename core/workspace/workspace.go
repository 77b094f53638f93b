// Package workspace ties the pipeline together. It checks the
// configuration, stages schemas, synthesizes the generator configuration
// into the scratch directory and hands a command to the dispatcher.
package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/FocuswithJustin/propelbridge/core/buildconf"
	"github.com/FocuswithJustin/propelbridge/core/bundle"
	"github.com/FocuswithJustin/propelbridge/core/config"
	"github.com/FocuswithJustin/propelbridge/core/connection"
	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
	"github.com/FocuswithJustin/propelbridge/core/runner"
	"github.com/FocuswithJustin/propelbridge/core/stage"
	"github.com/FocuswithJustin/propelbridge/core/xml"
	"github.com/FocuswithJustin/propelbridge/internal/archive"
	"github.com/FocuswithJustin/propelbridge/internal/logging"
)

// ArchiveBaseDir is the top-level directory inside packed scratch archives.
const ArchiveBaseDir = "propel"

// Workspace is one application configuration with its bundles.
type Workspace struct {
	cfg      *config.Config
	registry *bundle.Registry
	stager   *stage.Stager
	resolver *connection.Resolver
}

// Open builds a workspace from cfg, discovering bundles as configured.
func Open(cfg *config.Config) (*Workspace, error) {
	reg, err := bundle.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(cfg, reg, nil), nil
}

// New builds a workspace from explicit collaborators. A nil locator uses
// bundle.FileLocator.
func New(cfg *config.Config, reg *bundle.Registry, locator bundle.Locator) *Workspace {
	return &Workspace{
		cfg:      cfg,
		registry: reg,
		stager: stage.New(stage.Options{
			ScratchDir: cfg.CacheDir,
			BaseDir:    cfg.ProjectDir,
			Locator:    locator,
		}),
		resolver: connection.NewResolver(cfg.Connections),
	}
}

// Config returns the workspace configuration.
func (w *Workspace) Config() *config.Config { return w.cfg }

// Registry returns the bundle registry.
func (w *Workspace) Registry() *bundle.Registry { return w.registry }

// Resolver returns the connection resolver.
func (w *Workspace) Resolver() *connection.Resolver { return w.resolver }

// ScratchDir returns the directory everything is staged into.
func (w *Workspace) ScratchDir() string { return w.cfg.CacheDir }

// ParseBundleSelector returns the bundle name of an `@Name` selector. An
// empty selector selects every bundle.
func ParseBundleSelector(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	name, ok := strings.CutPrefix(s, "@")
	if !ok || name == "" {
		return "", apperrors.NewValidation("bundle", "bundle selector must look like @BundleName, got "+s)
	}
	return name, nil
}

// Request selects what a staging pass covers.
type Request struct {
	Bundle      string   // `@Name` selector, empty for all bundles
	Connections []string // Connection names, defaults to the default connection

	// FilterConnections drops schemas whose database is not among the
	// requested connections, or the default connection when none are given.
	FilterConnections bool
}

// Prepared is the result of a staging pass.
type Prepared struct {
	Bundle      *bundle.Bundle // nil when every bundle was staged
	Connections []string
	Schemas     []stage.StagedSchema
}

// Prepare rebuilds the scratch directory: previously staged schemas are
// removed, the selected schemas are staged and both generator configuration
// files are written. Configuration problems are reported before anything
// on disk is touched.
func (w *Workspace) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	if err := w.cfg.Check(); err != nil {
		return nil, err
	}

	name, err := ParseBundleSelector(req.Bundle)
	if err != nil {
		return nil, err
	}
	var selected *bundle.Bundle
	if name != "" {
		if selected, err = w.registry.Get(name); err != nil {
			return nil, err
		}
	}

	connections := req.Connections
	if len(connections) == 0 {
		connections = []string{w.cfg.DefaultConnection}
	}
	for _, c := range connections {
		if _, err := w.resolver.Datasource(c); err != nil {
			return nil, err
		}
	}

	var filter []string
	if req.FilterConnections {
		filter = connections
	}

	scratch := w.ScratchDir()
	if err := stage.Reset(scratch); err != nil {
		return nil, err
	}
	schemas, err := w.stager.Stage(ctx, w.registry.List(), selected, filter)
	if err != nil {
		return nil, err
	}

	m := &stage.Manifest{Connections: filter, Schemas: schemas}
	if selected != nil {
		m.Bundle = selected.Name
	}
	if err := stage.WriteManifest(scratch, m); err != nil {
		return nil, err
	}

	if err := buildconf.WriteBuildProperties(&w.cfg.BuildProperties.Map, w.cfg.PropertiesFile,
		filepath.Join(scratch, buildconf.PropertiesFile)); err != nil {
		return nil, err
	}
	if err := buildconf.WriteDatasourceDescriptor(w.cfg.Connections, w.cfg.DefaultConnection,
		filepath.Join(scratch, buildconf.DescriptorFile)); err != nil {
		return nil, err
	}

	logging.InfoContext(ctx, "workspace_prepared", "scratch_dir", scratch, "schemas", len(schemas))
	return &Prepared{Bundle: selected, Connections: connections, Schemas: schemas}, nil
}

// ExecOptions are the command line options shared by generator commands.
type ExecOptions struct {
	Bundle      string
	Connections []string
	OutputDir   string
	SQLDir      string
	Platform    string
	Verbose     bool
}

// Execute prepares the scratch directory for cmd and runs it through d.
// The generator's exit code is returned unchanged.
func (w *Workspace) Execute(ctx context.Context, d *runner.Dispatcher, cmd runner.Command, opts ExecOptions) (int, error) {
	req := Request{Bundle: opts.Bundle, FilterConnections: cmd.Connections}
	if cmd.Connections {
		req.Connections = opts.Connections
	}

	prepared, err := w.Prepare(ctx, req)
	if err != nil {
		return -1, err
	}

	rctx := &runner.Context{
		ProjectDir: w.cfg.ProjectDir,
		ScratchDir: w.ScratchDir(),
		OutputDir:  opts.OutputDir,
		SQLDir:     opts.SQLDir,
	}
	if cmd.Connections {
		if rctx.Connections, err = w.resolver.Connections(prepared.Connections); err != nil {
			return -1, err
		}
	}

	return d.Invoke(ctx, runner.Invocation{
		SubCommand:       cmd.Target,
		Args:             cmd.Args(rctx),
		ScratchDir:       w.ScratchDir(),
		Verbose:          opts.Verbose,
		Platform:         opts.Platform,
		SupportsPlatform: cmd.Platform,
	})
}

// Clear removes everything a staging pass wrote into the scratch directory.
func (w *Workspace) Clear() error {
	scratch := w.ScratchDir()
	if err := stage.Reset(scratch); err != nil {
		return err
	}
	for _, name := range []string{buildconf.PropertiesFile, buildconf.DescriptorFile} {
		path := filepath.Join(scratch, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return apperrors.NewIO("remove", path, err)
		}
	}
	return nil
}

// Pack archives the scratch directory at out (.tar.xz or .tar.gz).
func (w *Workspace) Pack(out string) error {
	scratch := w.ScratchDir()
	if _, err := os.Stat(scratch); err != nil {
		return apperrors.NewIO("stat", scratch, err)
	}
	if abs, err := filepath.Abs(out); err == nil {
		if rel, err := filepath.Rel(scratch, abs); err == nil && !strings.HasPrefix(rel, "..") {
			return apperrors.NewValidation("out", "archive must be written outside the scratch directory")
		}
	}
	return archive.Create(scratch, out, ArchiveBaseDir)
}

// ReadPackedManifest returns the scratch manifest stored in an archive made
// by Pack.
func ReadPackedManifest(archivePath string) (*stage.Manifest, error) {
	data, err := archive.ReadFile(archivePath, stage.ManifestName)
	if err != nil {
		return nil, err
	}
	return stage.DecodeManifest(data, archivePath+"!"+stage.ManifestName)
}

// SchemaStatus is the on-disk state of one staged schema.
type SchemaStatus struct {
	stage.EntryStatus
	Tables int `json:"tables"` // Number of table elements, zero unless the file is intact
}

// Status reports the last staging pass.
type Status struct {
	Manifest *stage.Manifest `json:"manifest"`
	Schemas  []SchemaStatus  `json:"schemas"`
}

// Status reads the scratch manifest and checks every staged schema.
func (w *Workspace) Status() (*Status, error) {
	scratch := w.ScratchDir()
	m, err := stage.ReadManifest(scratch)
	if err != nil {
		return nil, err
	}
	entries, err := stage.Verify(scratch)
	if err != nil {
		return nil, err
	}

	out := &Status{Manifest: m, Schemas: make([]SchemaStatus, 0, len(entries))}
	for _, e := range entries {
		s := SchemaStatus{EntryStatus: e}
		if e.State == stage.StateOK {
			if s.Tables, err = countTables(filepath.Join(scratch, e.Schema.TempName)); err != nil {
				return nil, err
			}
		}
		out.Schemas = append(out.Schemas, s)
	}
	return out, nil
}

func countTables(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, apperrors.NewIO("read", path, err)
	}
	doc, err := xml.Parse(data)
	if err != nil {
		return 0, &apperrors.ParseError{Format: "XML", Path: path, Message: err.Error(), Err: err}
	}
	tables, err := doc.XPath("/database/table")
	if err != nil {
		return 0, err
	}
	return len(tables), nil
}
