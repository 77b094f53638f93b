// Package stage copies bundle schemas into the scratch directory and
// rewrites their package attributes so the generator sees absolute
// packages. Each staged file is recorded in the scratch manifest.
package stage

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/propelbridge/core/bundle"
	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
	"github.com/FocuswithJustin/propelbridge/core/xml"
	"github.com/FocuswithJustin/propelbridge/internal/fileutil"
	"github.com/FocuswithJustin/propelbridge/internal/logging"
	"github.com/FocuswithJustin/propelbridge/internal/validation"
)

// StagedSchema describes one schema copied into the scratch directory.
type StagedSchema struct {
	TempName     string `json:"temp_name"`
	Bundle       string `json:"bundle"`
	BaseName     string `json:"basename"`
	OriginalPath string `json:"path"`
	Datasource   string `json:"datasource"`
	Package      string `json:"package"`
	Digest       string `json:"digest"`
}

// Options configures a Stager.
type Options struct {
	ScratchDir string         // Directory the schemas are copied into
	BaseDir    string         // Project directory package prefixes are relative to
	Locator    bundle.Locator // Defaults to bundle.FileLocator
}

// Stager stages schema files.
type Stager struct {
	scratchDir string
	baseDir    string
	locator    bundle.Locator
}

// New creates a Stager.
func New(opts Options) *Stager {
	locator := opts.Locator
	if locator == nil {
		locator = bundle.FileLocator{}
	}
	return &Stager{
		scratchDir: opts.ScratchDir,
		baseDir:    opts.BaseDir,
		locator:    locator,
	}
}

// ScratchDir returns the directory schemas are staged into.
func (s *Stager) ScratchDir() string {
	return s.scratchDir
}

// Stage copies the schemas of selected, or of every bundle when selected is
// nil, into the scratch directory. When connections is non-empty, schemas
// whose database name is not listed are removed from the scratch directory
// and left out of the result. Any schema error aborts the whole pass and
// removes the files it already wrote.
func (s *Stager) Stage(ctx context.Context, bundles []*bundle.Bundle, selected *bundle.Bundle, connections []string) (staged []StagedSchema, err error) {
	if selected != nil {
		bundles = []*bundle.Bundle{selected}
	}

	if err := os.MkdirAll(s.scratchDir, 0755); err != nil {
		return nil, apperrors.NewIO("create", s.scratchDir, err)
	}

	var written []string
	defer func() {
		if err == nil {
			return
		}
		for _, name := range written {
			os.Remove(filepath.Join(s.scratchDir, name))
		}
	}()

	seen := make(map[string]string)

	for _, b := range bundles {
		files, err := s.locator.Locate(b)
		if err != nil {
			return nil, err
		}
		prefix := PackagePrefix(b, s.baseDir)

		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			tempName := b.Name + "-" + f.BaseName
			if prev, ok := seen[tempName]; ok {
				return nil, &apperrors.SchemaError{
					Bundle:  b.Name,
					File:    f.BaseName,
					Message: "Staged schema name collides with " + prev + " for schema",
				}
			}
			seen[tempName] = f.Path
			written = append(written, tempName)

			schema, keep, err := s.stageFile(ctx, b, f, tempName, prefix, connections)
			if err != nil {
				return nil, err
			}
			if keep {
				staged = append(staged, schema)
			}
		}
	}

	return staged, nil
}

func (s *Stager) stageFile(ctx context.Context, b *bundle.Bundle, f bundle.SchemaFile, tempName, prefix string, connections []string) (StagedSchema, bool, error) {
	if err := validation.ValidateFilename(tempName); err != nil {
		return StagedSchema{}, false, &apperrors.SchemaError{
			Bundle:  b.Name,
			File:    f.BaseName,
			Message: "Invalid staged file name for schema",
			Err:     err,
		}
	}

	target := filepath.Join(s.scratchDir, tempName)
	var src bytes.Buffer
	if err := fileutil.CopyFileTo(f.Path, target, &src); err != nil {
		return StagedSchema{}, false, apperrors.NewIO("copy", f.Path, err)
	}

	doc, err := xml.Parse(src.Bytes())
	if err != nil {
		return StagedSchema{}, false, &apperrors.ParseError{Format: "XML", Path: f.Path, Message: err.Error(), Err: err}
	}

	root := doc.Root()
	pkg, ok := resolvePackage(root, prefix)
	if !ok {
		return StagedSchema{}, false, apperrors.NewSchema(b.Name, f.BaseName,
			"Please define a `package` attribute or a `namespace` attribute for schema")
	}
	root.SetAttr("package", pkg)

	database := root.Attr("name")
	if len(connections) > 0 && !slices.Contains(connections, database) {
		if err := os.Remove(target); err != nil {
			return StagedSchema{}, false, apperrors.NewIO("remove", target, err)
		}
		logging.SchemaSkipped(ctx, b.Name, f.Path, "connection not selected", "datasource", database)
		return StagedSchema{}, false, nil
	}

	tables, err := root.XPath("table")
	if err != nil {
		return StagedSchema{}, false, err
	}
	for _, table := range tables {
		tablePkg, ok := resolvePackage(table, prefix)
		if !ok {
			tablePkg = pkg
		}
		table.SetAttr("package", tablePkg)
	}

	out := doc.Format(xml.FormatOptions{})
	if err := os.WriteFile(target, out, 0644); err != nil {
		return StagedSchema{}, false, apperrors.NewIO("write", target, err)
	}

	logging.SchemaStaged(ctx, b.Name, f.Path, tempName, pkg, "datasource", database)

	return StagedSchema{
		TempName:     tempName,
		Bundle:       b.Name,
		BaseName:     f.BaseName,
		OriginalPath: f.Path,
		Datasource:   database,
		Package:      pkg,
		Digest:       Digest(out),
	}, true, nil
}

// resolvePackage applies the package precedence: an explicit package is
// kept verbatim, otherwise the namespace is converted using prefix. An empty
// attribute counts as absent.
func resolvePackage(n *xml.Node, prefix string) (string, bool) {
	if pkg := n.Attr("package"); pkg != "" {
		return pkg, true
	}
	if ns := n.Attr("namespace"); ns != "" {
		return prefix + strings.ReplaceAll(ns, `\`, "."), true
	}
	return "", false
}

// PackagePrefix returns the dotted package prefix of a bundle. The bundle
// path loses as many trailing segments as its namespace has components, is
// made relative to baseDir and has its separators turned into dots. The
// prefix is empty when nothing remains.
func PackagePrefix(b *bundle.Bundle, baseDir string) string {
	parts := strings.Split(filepath.ToSlash(realPath(b.Path)), "/")
	n := len(b.NamespaceComponents())
	if n >= len(parts) {
		return ""
	}
	dir := strings.Join(parts[:len(parts)-n], "/")

	base := filepath.ToSlash(realPath(baseDir))
	rel := dir
	if base != "" {
		if r, err := filepath.Rel(filepath.FromSlash(base), filepath.FromSlash(dir)); err == nil && !strings.HasPrefix(r, "..") {
			rel = filepath.ToSlash(r)
		}
	}
	rel = strings.Trim(rel, "/")
	if rel == "" || rel == "." {
		return ""
	}
	return strings.ReplaceAll(rel, "/", ".") + "."
}

func realPath(p string) string {
	if p == "" {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
