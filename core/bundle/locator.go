package bundle

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
)

// SchemaDir is where a bundle keeps its schema files, relative to its path.
const SchemaDir = "Resources/config"

// SchemaSuffix matches schema file names such as schema.xml or
// bookstore.schema.xml.
const SchemaSuffix = "schema.xml"

// SchemaFile is one schema file found in a bundle.
type SchemaFile struct {
	Bundle   string
	BaseName string
	Path     string
}

// Locator finds the schema files of a bundle.
type Locator interface {
	Locate(b *Bundle) ([]SchemaFile, error)
}

// FileLocator finds *schema.xml files recursively below the bundle's
// Resources/config directory. Results are sorted by path.
type FileLocator struct{}

// Locate implements Locator.
func (FileLocator) Locate(b *Bundle) ([]SchemaFile, error) {
	root := filepath.Join(b.Path, filepath.FromSlash(SchemaDir))

	var files []SchemaFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), SchemaSuffix) {
			return nil
		}
		files = append(files, SchemaFile{
			Bundle:   b.Name,
			BaseName: d.Name(),
			Path:     path,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.NewIO("walk", root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
