package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/FocuswithJustin/propelbridge/core/buildconf"
	"github.com/FocuswithJustin/propelbridge/core/config"
	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
	"github.com/FocuswithJustin/propelbridge/core/runner"
	"github.com/FocuswithJustin/propelbridge/core/stage"
	"github.com/FocuswithJustin/propelbridge/internal/archive"
	"github.com/FocuswithJustin/propelbridge/internal/ordered"
)

const testConfig = `
connections:
  default: {adapter: mysql, dsn: "mysql:host=localhost;dbname=test", user: root}
  bookstore: {adapter: sqlite, dsn: "sqlite:/tmp/books.db"}
build_properties:
  propel.packageObjectModel: "true"
bundles:
  - {name: AcmeDemoBundle, namespace: 'Acme\DemoBundle', path: src/Acme/DemoBundle}
`

const defaultSchema = `<?xml version="1.0" encoding="UTF-8"?>
<database name="default" namespace="Acme\DemoBundle\Model">
  <table name="post"/>
  <table name="comment" package="custom"/>
</database>
`

const bookstoreSchema = `<?xml version="1.0" encoding="UTF-8"?>
<database name="bookstore" package="books">
  <table name="book"/>
</database>
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// newTestWorkspace lays out a project with one bundle holding two schemas.
func newTestWorkspace(t *testing.T, configYAML string) (*Workspace, string) {
	t.Helper()
	dir := t.TempDir()

	configDir := filepath.Join(dir, "src", "Acme", "DemoBundle", "Resources", "config")
	writeFile(t, filepath.Join(configDir, "schema.xml"), defaultSchema)
	writeFile(t, filepath.Join(configDir, "books.schema.xml"), bookstoreSchema)

	cfg, err := config.Parse([]byte(configYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := cfg.Normalize(dir); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	ws, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return ws, dir
}

func tempNames(schemas []stage.StagedSchema) []string {
	var names []string
	for _, s := range schemas {
		names = append(names, s.TempName)
	}
	return names
}

func TestParseBundleSelector(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"@AcmeDemoBundle", "AcmeDemoBundle", false},
		{"AcmeDemoBundle", "", true},
		{"@", "", true},
	}
	for _, tt := range tests {
		got, err := ParseBundleSelector(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBundleSelector(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Errorf("ParseBundleSelector(%q) error %v is not ErrInvalidInput", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseBundleSelector(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrepareAll(t *testing.T) {
	ws, dir := newTestWorkspace(t, testConfig)

	prepared, err := ws.Prepare(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	want := []string{"AcmeDemoBundle-books.schema.xml", "AcmeDemoBundle-schema.xml"}
	if diff := cmp.Diff(want, tempNames(prepared.Schemas)); diff != "" {
		t.Errorf("staged mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"default"}, prepared.Connections); diff != "" {
		t.Errorf("connections mismatch (-want +got):\n%s", diff)
	}
	if prepared.Schemas[1].Package != "src.Acme.DemoBundle.Model" {
		t.Errorf("package = %q", prepared.Schemas[1].Package)
	}

	scratch := filepath.Join(dir, config.DefaultCacheDir)
	props, err := os.ReadFile(filepath.Join(scratch, buildconf.PropertiesFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(props) != "propel.packageObjectModel = true" {
		t.Errorf("build.properties = %q", props)
	}
	descriptor, err := os.ReadFile(filepath.Join(scratch, buildconf.DescriptorFile))
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{`<datasources default="default">`, `<datasource id="bookstore">`} {
		if !strings.Contains(string(descriptor), s) {
			t.Errorf("descriptor missing %s:\n%s", s, descriptor)
		}
	}

	m, err := stage.ReadManifest(scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Schemas) != 2 || m.Bundle != "" || m.Connections != nil {
		t.Errorf("unexpected manifest: %+v", m)
	}
}

func TestPrepareFiltersConnections(t *testing.T) {
	ws, dir := newTestWorkspace(t, testConfig)
	ctx := context.Background()

	// A full pass first so the filtered pass has a stale file to remove.
	if _, err := ws.Prepare(ctx, Request{}); err != nil {
		t.Fatal(err)
	}
	prepared, err := ws.Prepare(ctx, Request{
		Bundle:            "@AcmeDemoBundle",
		Connections:       []string{"bookstore"},
		FilterConnections: true,
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if diff := cmp.Diff([]string{"AcmeDemoBundle-books.schema.xml"}, tempNames(prepared.Schemas)); diff != "" {
		t.Errorf("staged mismatch (-want +got):\n%s", diff)
	}
	scratch := filepath.Join(dir, config.DefaultCacheDir)
	if _, err := os.Stat(filepath.Join(scratch, "AcmeDemoBundle-schema.xml")); !os.IsNotExist(err) {
		t.Error("schema for the default connection should be removed")
	}
	if _, err := os.Stat(filepath.Join(scratch, "AcmeDemoBundle-books.schema.xml")); err != nil {
		t.Errorf("bookstore schema should be staged: %v", err)
	}
	if prepared.Bundle == nil || prepared.Bundle.Name != "AcmeDemoBundle" {
		t.Errorf("Bundle = %+v", prepared.Bundle)
	}
}

func TestPrepareIdempotent(t *testing.T) {
	ws, dir := newTestWorkspace(t, testConfig)
	scratch := filepath.Join(dir, config.DefaultCacheDir)

	snapshot := func() map[string]string {
		out := map[string]string{}
		entries, err := os.ReadDir(scratch)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(scratch, e.Name()))
			if err != nil {
				t.Fatal(err)
			}
			out[e.Name()] = string(data)
		}
		return out
	}

	if _, err := ws.Prepare(context.Background(), Request{}); err != nil {
		t.Fatal(err)
	}
	first := snapshot()
	if _, err := ws.Prepare(context.Background(), Request{}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, snapshot()); diff != "" {
		t.Errorf("second pass changed the scratch directory (-first +second):\n%s", diff)
	}
}

func TestPrepareErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		req    Request
		want   error
	}{
		{"no connections", "bundles: []\n", Request{}, apperrors.ErrConfig},
		{"unknown connection", testConfig, Request{Connections: []string{"missing"}}, apperrors.ErrConfig},
		{"unknown bundle", testConfig, Request{Bundle: "@NopeBundle"}, apperrors.ErrNotFound},
		{"bad selector", testConfig, Request{Bundle: "NopeBundle"}, apperrors.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, dir := newTestWorkspace(t, tt.config)
			if _, err := ws.Prepare(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if _, err := os.Stat(filepath.Join(dir, config.DefaultCacheDir)); !os.IsNotExist(err) {
				t.Error("scratch directory must not be created on configuration errors")
			}
		})
	}
}

// recordingGenerator captures generator calls instead of running a process.
type recordingGenerator struct {
	subCommand string
	args       []string
	code       int
}

func (g *recordingGenerator) Run(_ context.Context, subCommand string, args *ordered.Map[any]) (int, error) {
	g.subCommand = subCommand
	g.args = runner.FormatArgs(args)
	return g.code, nil
}

func TestExecuteSQLInsert(t *testing.T) {
	ws, dir := newTestWorkspace(t, testConfig)
	gen := &recordingGenerator{code: 2}
	cmd, err := runner.Lookup("sql:insert")
	if err != nil {
		t.Fatal(err)
	}

	code, err := ws.Execute(context.Background(), runner.NewDispatcher(gen), cmd, ExecOptions{
		Connections: []string{"bookstore"},
		Platform:    "sqlite",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}

	scratch := filepath.Join(dir, config.DefaultCacheDir)
	want := []string{
		"--input-dir=" + scratch,
		"--output-dir=" + scratch,
		"--connection=bookstore=sqlite:/tmp/books.db;user=;password=",
		"--sql-dir=" + scratch,
	}
	if gen.subCommand != "sql:insert" {
		t.Errorf("sub-command = %q", gen.subCommand)
	}
	if diff := cmp.Diff(want, gen.args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteDefaultConnectionFilters(t *testing.T) {
	ws, dir := newTestWorkspace(t, testConfig)
	gen := &recordingGenerator{}
	cmd, err := runner.Lookup("sql:insert")
	if err != nil {
		t.Fatal(err)
	}

	// A full pass first so the bookstore schema is left over.
	if _, err := ws.Prepare(context.Background(), Request{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.Execute(context.Background(), runner.NewDispatcher(gen), cmd, ExecOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	scratch := filepath.Join(dir, config.DefaultCacheDir)
	m, err := stage.ReadManifest(scratch)
	if err != nil {
		t.Fatal(err)
	}
	var staged []string
	for _, s := range m.Schemas {
		staged = append(staged, s.TempName)
	}
	if diff := cmp.Diff([]string{"AcmeDemoBundle-schema.xml"}, staged); diff != "" {
		t.Errorf("staged mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"default"}, m.Connections); diff != "" {
		t.Errorf("manifest connections mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(scratch, "AcmeDemoBundle-books.schema.xml")); !os.IsNotExist(err) {
		t.Error("schema for the bookstore connection should be removed")
	}
	if !strings.HasPrefix(gen.args[len(gen.args)-2], "--connection=default=") {
		t.Errorf("args = %v", gen.args)
	}
}

func TestExecuteModelBuildIgnoresConnections(t *testing.T) {
	ws, dir := newTestWorkspace(t, testConfig)
	gen := &recordingGenerator{}
	cmd, err := runner.Lookup("model:build")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ws.Execute(context.Background(), runner.NewDispatcher(gen), cmd, ExecOptions{
		Connections: []string{"bookstore"},
		Platform:    "mysql",
		Verbose:     true,
	}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	scratch := filepath.Join(dir, config.DefaultCacheDir)
	want := []string{
		"--input-dir=" + scratch,
		"--output-dir=" + filepath.Join(dir, "src"),
		"--verbose",
		"--platform=mysql",
	}
	if diff := cmp.Diff(want, gen.args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Errorf("expected both schemas, the manifest and two config files, got %d entries", len(entries))
	}
}

func TestClear(t *testing.T) {
	ws, dir := newTestWorkspace(t, testConfig)
	if _, err := ws.Prepare(context.Background(), Request{}); err != nil {
		t.Fatal(err)
	}
	scratch := filepath.Join(dir, config.DefaultCacheDir)
	writeFile(t, filepath.Join(scratch, "keep.txt"), "x")

	if err := ws.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "keep.txt" {
		t.Errorf("unexpected scratch contents: %v", entries)
	}
	if err := ws.Clear(); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

func TestPack(t *testing.T) {
	ws, dir := newTestWorkspace(t, testConfig)
	if _, err := ws.Prepare(context.Background(), Request{}); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "scratch.tar.xz")
	if err := ws.Pack(out); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	names, err := archive.List(out)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"propel/AcmeDemoBundle-books.schema.xml",
		"propel/AcmeDemoBundle-schema.xml",
		"propel/build.properties",
		"propel/buildtime-conf.xml",
		"propel/schemas.json",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("archive mismatch (-want +got):\n%s", diff)
	}

	m, err := ReadPackedManifest(out)
	if err != nil {
		t.Fatalf("ReadPackedManifest failed: %v", err)
	}
	if len(m.Schemas) != 2 || m.Schemas[0].TempName != "AcmeDemoBundle-books.schema.xml" {
		t.Errorf("unexpected packed manifest: %+v", m)
	}

	inside := filepath.Join(dir, config.DefaultCacheDir, "self.tar.xz")
	if err := ws.Pack(inside); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for an archive inside the scratch dir, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	ws, dir := newTestWorkspace(t, testConfig)
	if _, err := ws.Prepare(context.Background(), Request{}); err != nil {
		t.Fatal(err)
	}
	scratch := filepath.Join(dir, config.DefaultCacheDir)
	writeFile(t, filepath.Join(scratch, "AcmeDemoBundle-books.schema.xml"), "<database/>")

	st, err := ws.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	var got []string
	for _, s := range st.Schemas {
		got = append(got, s.Schema.TempName+"="+s.State)
	}
	want := []string{"AcmeDemoBundle-books.schema.xml=modified", "AcmeDemoBundle-schema.xml=ok"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if st.Schemas[1].Tables != 2 {
		t.Errorf("Tables = %d, want 2", st.Schemas[1].Tables)
	}
}
