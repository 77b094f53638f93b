// Command propel stages bundle schemas, writes the generator configuration
// and runs the external model generator's sub-commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/FocuswithJustin/propelbridge/core/config"
	"github.com/FocuswithJustin/propelbridge/core/connection"
	"github.com/FocuswithJustin/propelbridge/core/runner"
	"github.com/FocuswithJustin/propelbridge/core/workspace"
	"github.com/FocuswithJustin/propelbridge/internal/archive"
	"github.com/FocuswithJustin/propelbridge/internal/logging"
)

const version = "0.1.0"

// Globals are the flags shared by every command.
type Globals struct {
	Config    string        `name:"config" short:"c" help:"Application configuration file" default:"propel.yaml" env:"PROPEL_CONFIG" type:"path"`
	LogLevel  string        `name:"log-level" help:"Log level (debug, info, warn, error)" default:"info" env:"PROPEL_LOG_LEVEL"`
	LogFormat string        `name:"log-format" help:"Log format (text, json)" default:"text" enum:"text,json"`
	Timeout   time.Duration `name:"timeout" help:"Abort the generator after this long (0 disables)"`

	ctx context.Context
	out io.Writer
}

// CLI defines the command-line interface for propel.
type CLI struct {
	Globals `embed:""`

	SQLBuild         SQLBuildCmd         `cmd:"" name:"sql:build" help:"Build SQL files from the bundle schemas"`
	SQLInsert        SQLInsertCmd        `cmd:"" name:"sql:insert" help:"Insert SQL statements"`
	ModelBuild       ModelBuildCmd       `cmd:"" name:"model:build" help:"Build the model classes"`
	MigrationDiff    MigrationDiffCmd    `cmd:"" name:"migration:diff" help:"Generate a migration from the schema differences"`
	MigrationMigrate MigrationMigrateCmd `cmd:"" name:"migration:migrate" help:"Execute all pending migrations"`
	MigrationStatus  MigrationStatusCmd  `cmd:"" name:"migration:status" help:"Show the migration status"`
	Graphviz         GraphvizCmd         `cmd:"" name:"graphviz:generate" help:"Generate Graphviz files"`

	Stage      StageCmd      `cmd:"" help:"Stage schemas and write the generator configuration only"`
	Status     StatusCmd     `cmd:"" help:"Show the staged schemas and whether they changed"`
	Cache      CacheGroup    `cmd:"" help:"Scratch directory operations"`
	Connection ConnectionGrp `cmd:"" help:"Datasource operations"`
	Version    VersionCmd    `cmd:"" help:"Print version information"`
}

// CacheGroup contains scratch directory operations.
type CacheGroup struct {
	Pack  CachePackCmd  `cmd:"" help:"Archive the scratch directory"`
	Clear CacheClearCmd `cmd:"" help:"Remove staged schemas and generated configuration"`
	List  CacheListCmd  `cmd:"" help:"List the files in a scratch archive"`
}

// ConnectionGrp contains datasource operations.
type ConnectionGrp struct {
	List ConnectionListCmd `cmd:"" help:"List configured connections"`
}

// BundleFlags are accepted by every generator command.
type BundleFlags struct {
	Bundle  string `arg:"" optional:"" help:"Restrict to one bundle (@BundleName)"`
	Verbose bool   `short:"v" help:"Run the generator in verbose mode"`
}

type ConnectionFlags struct {
	Connection []string `help:"Connection to use, repeatable (e.g. default, bookstore)"`
}

type PlatformFlags struct {
	Platform string `help:"Target database platform"`
}

type OutputFlags struct {
	OutputDir string `name:"output-dir" help:"Directory to write generated files to" type:"path"`
}

// SQLBuildCmd runs sql:build.
type SQLBuildCmd struct {
	BundleFlags     `embed:""`
	ConnectionFlags `embed:""`
	PlatformFlags   `embed:""`
	SQLDir          string `name:"sql-dir" help:"Directory to write SQL files to" type:"path"`
}

func (c *SQLBuildCmd) Run(g *Globals) error {
	return g.generate("sql:build", workspace.ExecOptions{
		Bundle: c.Bundle, Verbose: c.Verbose, Connections: c.Connection, Platform: c.Platform, SQLDir: c.SQLDir,
	})
}

// SQLInsertCmd runs sql:insert.
type SQLInsertCmd struct {
	BundleFlags     `embed:""`
	ConnectionFlags `embed:""`
}

func (c *SQLInsertCmd) Run(g *Globals) error {
	return g.generate("sql:insert", workspace.ExecOptions{
		Bundle: c.Bundle, Verbose: c.Verbose, Connections: c.Connection,
	})
}

// ModelBuildCmd runs model:build.
type ModelBuildCmd struct {
	BundleFlags   `embed:""`
	PlatformFlags `embed:""`
	OutputFlags   `embed:""`
}

func (c *ModelBuildCmd) Run(g *Globals) error {
	return g.generate("model:build", workspace.ExecOptions{
		Bundle: c.Bundle, Verbose: c.Verbose, Platform: c.Platform, OutputDir: c.OutputDir,
	})
}

// MigrationDiffCmd runs migration:diff.
type MigrationDiffCmd struct {
	BundleFlags     `embed:""`
	ConnectionFlags `embed:""`
	PlatformFlags   `embed:""`
	OutputFlags     `embed:""`
}

func (c *MigrationDiffCmd) Run(g *Globals) error {
	return g.generate("migration:diff", workspace.ExecOptions{
		Bundle: c.Bundle, Verbose: c.Verbose, Connections: c.Connection, Platform: c.Platform, OutputDir: c.OutputDir,
	})
}

// MigrationMigrateCmd runs migration:migrate.
type MigrationMigrateCmd struct {
	BundleFlags     `embed:""`
	ConnectionFlags `embed:""`
	OutputFlags     `embed:""`
}

func (c *MigrationMigrateCmd) Run(g *Globals) error {
	return g.generate("migration:migrate", workspace.ExecOptions{
		Bundle: c.Bundle, Verbose: c.Verbose, Connections: c.Connection, OutputDir: c.OutputDir,
	})
}

// MigrationStatusCmd runs migration:status.
type MigrationStatusCmd struct {
	BundleFlags     `embed:""`
	ConnectionFlags `embed:""`
	OutputFlags     `embed:""`
}

func (c *MigrationStatusCmd) Run(g *Globals) error {
	return g.generate("migration:status", workspace.ExecOptions{
		Bundle: c.Bundle, Verbose: c.Verbose, Connections: c.Connection, OutputDir: c.OutputDir,
	})
}

// GraphvizCmd runs graphviz:generate.
type GraphvizCmd struct {
	BundleFlags `embed:""`
	OutputFlags `embed:""`
}

func (c *GraphvizCmd) Run(g *Globals) error {
	return g.generate("graphviz:generate", workspace.ExecOptions{
		Bundle: c.Bundle, Verbose: c.Verbose, OutputDir: c.OutputDir,
	})
}

// StageCmd stages schemas without running the generator.
type StageCmd struct {
	Bundle     string   `arg:"" optional:"" help:"Restrict to one bundle (@BundleName)"`
	Connection []string `help:"Only keep schemas for these connections, defaults to the default connection"`
}

func (c *StageCmd) Run(g *Globals) error {
	ws, err := g.workspace()
	if err != nil {
		return err
	}
	prepared, err := ws.Prepare(g.ctx, workspace.Request{
		Bundle:            c.Bundle,
		Connections:       c.Connection,
		FilterConnections: true,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(g.out, "Staged %d schema(s) into %s\n", len(prepared.Schemas), ws.ScratchDir())
	for _, s := range prepared.Schemas {
		fmt.Fprintf(g.out, "  %-40s %-12s %s\n", s.TempName, s.Datasource, s.Package)
	}
	return nil
}

// StatusCmd reports the last staging pass.
type StatusCmd struct {
	JSON bool `help:"Print the status as JSON"`
}

func (c *StatusCmd) Run(g *Globals) error {
	ws, err := g.workspace()
	if err != nil {
		return err
	}
	st, err := ws.Status()
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(g.out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	if len(st.Schemas) == 0 {
		fmt.Fprintln(g.out, "Nothing staged.")
		return nil
	}
	if st.Manifest.Bundle != "" {
		fmt.Fprintf(g.out, "Bundle: %s\n", st.Manifest.Bundle)
	}
	if len(st.Manifest.Connections) > 0 {
		fmt.Fprintf(g.out, "Connections: %s\n", strings.Join(st.Manifest.Connections, ", "))
	}
	for _, s := range st.Schemas {
		fmt.Fprintf(g.out, "  %-9s %-40s tables=%d\n", s.State, s.Schema.TempName, s.Tables)
	}
	return nil
}

// CachePackCmd archives the scratch directory.
type CachePackCmd struct {
	Out string `short:"o" required:"" help:"Archive path (.tar.xz or .tar.gz)" type:"path"`
}

func (c *CachePackCmd) Run(g *Globals) error {
	ws, err := g.workspace()
	if err != nil {
		return err
	}
	if err := ws.Pack(c.Out); err != nil {
		return err
	}
	fmt.Fprintf(g.out, "Packed %s to %s\n", ws.ScratchDir(), c.Out)
	return nil
}

// CacheClearCmd clears the scratch directory.
type CacheClearCmd struct{}

func (c *CacheClearCmd) Run(g *Globals) error {
	ws, err := g.workspace()
	if err != nil {
		return err
	}
	if err := ws.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(g.out, "Cleared %s\n", ws.ScratchDir())
	return nil
}

// CacheListCmd lists an archive made by cache pack.
type CacheListCmd struct {
	Archive string `arg:"" help:"Archive to list" type:"existingfile"`
	Schemas bool   `help:"List the staged schemas recorded in the archive instead of its files"`
}

func (c *CacheListCmd) Run(g *Globals) error {
	if c.Schemas {
		m, err := workspace.ReadPackedManifest(c.Archive)
		if err != nil {
			return err
		}
		for _, s := range m.Schemas {
			fmt.Fprintf(g.out, "%-40s %-12s %s\n", s.TempName, s.Datasource, s.OriginalPath)
		}
		return nil
	}

	names, err := archive.List(c.Archive)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(g.out, name)
	}
	return nil
}

// ConnectionListCmd lists the configured datasources.
type ConnectionListCmd struct {
	JSON bool `help:"Print connections as JSON"`
}

type connectionInfo struct {
	Name      string `json:"name"`
	Adapter   string `json:"adapter"`
	Default   bool   `json:"default"`
	Database  string `json:"database,omitempty"`
	Driver    string `json:"driver,omitempty"`
	DriverDSN string `json:"driver_dsn,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (c *ConnectionListCmd) Run(g *Globals) error {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	resolver := connection.NewResolver(cfg.Connections)

	infos := make([]connectionInfo, 0, len(cfg.Connections))
	for _, ds := range cfg.Connections {
		info := connectionInfo{Name: ds.Name, Adapter: ds.Adapter, Default: ds.Name == cfg.DefaultConnection}
		info.Database, _ = connection.DBName(ds.DSN)
		if info.Driver, info.DriverDSN, err = resolver.RedactedDriverDSN(ds.Name); err != nil {
			info.Error = err.Error()
		}
		infos = append(infos, info)
	}

	if c.JSON {
		enc := json.NewEncoder(g.out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	for _, info := range infos {
		mark := " "
		if info.Default {
			mark = "*"
		}
		detail := info.Driver + " " + info.DriverDSN
		if info.Error != "" {
			detail = "error: " + info.Error
		}
		fmt.Fprintf(g.out, "%s %-16s %-8s %-16s %s\n", mark, info.Name, info.Adapter, info.Database, detail)
	}
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.out, "propel version %s\n", version)
	return nil
}

// exitCodeError carries a non-zero generator exit code out of Run.
type exitCodeError int

func (e exitCodeError) Error() string {
	return fmt.Sprintf("generator exited with code %d", int(e))
}

// newGenerator builds the generator for cfg. Tests replace it.
var newGenerator = func(cfg *config.Config, g *Globals) runner.Generator {
	return &runner.ExecGenerator{
		Path:    cfg.Generator,
		Dir:     cfg.ProjectDir,
		Timeout: g.Timeout,
		Stdin:   os.Stdin,
		Stdout:  g.out,
		Stderr:  os.Stderr,
	}
}

func (g *Globals) workspace() (*workspace.Workspace, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	return workspace.Open(cfg)
}

func (g *Globals) generate(name string, opts workspace.ExecOptions) error {
	cmd, err := runner.Lookup(name)
	if err != nil {
		return err
	}
	ws, err := g.workspace()
	if err != nil {
		return err
	}

	d := runner.NewDispatcher(newGenerator(ws.Config(), g))
	code, err := ws.Execute(g.ctx, d, cmd, opts)
	if err != nil {
		return err
	}
	if code != 0 {
		return exitCodeError(code)
	}
	return nil
}

func (g *Globals) initLogging() error {
	level, err := logging.ParseLevel(g.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(g.LogFormat)
	if err != nil {
		return err
	}
	logging.InitLogger(level, format)
	return nil
}

// run parses args, executes the selected command and returns the process
// exit code. A generator's exit code is returned as is.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("propel"),
		kong.Description("Stage bundle schemas and run the model generator"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		fmt.Fprintf(stderr, "propel: %v\n", err)
		return 1
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "propel: %v\n", err)
		return 2
	}

	if err := cli.initLogging(); err != nil {
		fmt.Fprintf(stderr, "propel: %v\n", err)
		return 2
	}
	cli.ctx = logging.WithInvocationID(ctx, logging.NewInvocationID())
	cli.out = stdout

	err = kctx.Run(&cli.Globals)
	var exit exitCodeError
	if errors.As(err, &exit) {
		return int(exit)
	}
	if err != nil {
		fmt.Fprintf(stderr, "propel: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
