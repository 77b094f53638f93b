package runner

import (
	"path/filepath"
	"sort"

	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
	"github.com/FocuswithJustin/propelbridge/internal/ordered"
)

// Context carries what a command needs to build its generator arguments.
type Context struct {
	ProjectDir  string
	ScratchDir  string
	Connections []string // "name=<dsn>;user=...;password=..." entries
	OutputDir   string   // --output-dir as given on the command line
	SQLDir      string   // --sql-dir as given on the command line
}

// Command maps a front-end command onto a generator sub-command.
type Command struct {
	Name        string
	Target      string
	Description string

	// Connections is set when the command accepts --connection and
	// filters staged schemas by it.
	Connections bool
	// Platform is set when the generator sub-command accepts --platform.
	Platform bool

	Args func(c *Context) *ordered.Map[any]
}

// Default output locations relative to the project directory.
const (
	DefaultSQLDir       = "app/propel/sql"
	DefaultModelDir     = "src"
	DefaultMigrationDir = "app/propel/migrations"
	DefaultGraphDir     = "app/propel/graph"
)

func orProject(c *Context, dir, def string) string {
	if dir != "" {
		return dir
	}
	return filepath.Join(c.ProjectDir, def)
}

func withConnections(c *Context, key, dir string) *ordered.Map[any] {
	args := ordered.New[any]()
	args.Set("connection", c.Connections)
	args.Set(key, dir)
	return args
}

func outputOnly(dir string) *ordered.Map[any] {
	args := ordered.New[any]()
	args.Set("output-dir", dir)
	return args
}

// Commands lists every generator command in display order.
var Commands = []Command{
	{
		Name:        "sql:build",
		Target:      "sql:build",
		Description: "Build SQL files from the bundle schemas",
		Connections: true,
		Platform:    true,
		Args: func(c *Context) *ordered.Map[any] {
			return withConnections(c, "output-dir", orProject(c, c.SQLDir, DefaultSQLDir))
		},
	},
	{
		Name:        "sql:insert",
		Target:      "sql:insert",
		Description: "Insert SQL statements",
		Connections: true,
		Args: func(c *Context) *ordered.Map[any] {
			return withConnections(c, "sql-dir", c.ScratchDir)
		},
	},
	{
		Name:        "model:build",
		Target:      "model:build",
		Description: "Build the model classes from the bundle schemas",
		Platform:    true,
		Args: func(c *Context) *ordered.Map[any] {
			return outputOnly(orProject(c, c.OutputDir, DefaultModelDir))
		},
	},
	{
		Name:        "migration:diff",
		Target:      "migration:diff",
		Description: "Generate a migration class from the schema differences",
		Connections: true,
		Platform:    true,
		Args: func(c *Context) *ordered.Map[any] {
			return withConnections(c, "output-dir", orProject(c, c.OutputDir, DefaultMigrationDir))
		},
	},
	{
		Name:        "migration:migrate",
		Target:      "migration:migrate",
		Description: "Execute all pending migrations",
		Connections: true,
		Args: func(c *Context) *ordered.Map[any] {
			return withConnections(c, "output-dir", orProject(c, c.OutputDir, DefaultMigrationDir))
		},
	},
	{
		Name:        "migration:status",
		Target:      "migration:status",
		Description: "Show the migration status",
		Connections: true,
		Args: func(c *Context) *ordered.Map[any] {
			return withConnections(c, "output-dir", orProject(c, c.OutputDir, DefaultMigrationDir))
		},
	},
	{
		Name:        "graphviz:generate",
		Target:      "graphviz:generate",
		Description: "Generate Graphviz files from the bundle schemas",
		Args: func(c *Context) *ordered.Map[any] {
			return outputOnly(orProject(c, c.OutputDir, DefaultGraphDir))
		},
	},
}

// Lookup returns the command registered under name.
func Lookup(name string) (Command, error) {
	for _, c := range Commands {
		if c.Name == name {
			return c, nil
		}
	}
	return Command{}, apperrors.NewNotFound("command", name)
}

// Names returns the sorted command names.
func Names() []string {
	names := make([]string, 0, len(Commands))
	for _, c := range Commands {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}
