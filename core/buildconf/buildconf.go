// Package buildconf writes the two files the generator reads from the
// scratch directory: build.properties and buildtime-conf.xml.
package buildconf

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/FocuswithJustin/propelbridge/core/config"
	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
	"github.com/FocuswithJustin/propelbridge/core/xml"
	"github.com/FocuswithJustin/propelbridge/internal/ordered"
)

// File names inside the scratch directory.
const (
	PropertiesFile = "build.properties"
	DescriptorFile = "buildtime-conf.xml"
)

// WriteDatasourceDescriptor writes the datasource descriptor listing every
// datasource in order, with defaultName as the default. Values are
// XML-escaped; a missing password is written as an empty element.
func WriteDatasourceDescriptor(datasources config.Datasources, defaultName, outFile string) error {
	var b strings.Builder

	b.WriteString("<?xml version=\"1.0\"?>\n<config>\n<propel>\n")
	b.WriteString("<datasources default=\"" + xml.EscapeAttr(defaultName) + "\">\n")
	for _, ds := range datasources {
		b.WriteString("<datasource id=\"" + xml.EscapeAttr(ds.Name) + "\">\n")
		b.WriteString("<adapter>" + xml.EscapeText(ds.Adapter) + "</adapter>\n")
		b.WriteString("<connection>\n")
		b.WriteString("<dsn>" + xml.EscapeText(ds.DSN) + "</dsn>\n")
		b.WriteString("<user>" + xml.EscapeText(ds.User) + "</user>\n")
		b.WriteString("<password>" + xml.EscapeText(ds.Password) + "</password>\n")
		b.WriteString("</connection>\n")
		b.WriteString("</datasource>\n")
	}
	b.WriteString("</datasources>\n</propel>\n</config>")

	return writeFile(outFile, b.String())
}

// MergeProperties merges the override file properties with base. Override
// keys come first in file order, base keys follow, and base values win on
// a shared key.
func MergeProperties(base, override *ordered.Map[string]) *ordered.Map[string] {
	return override.Merge(base)
}

// WriteBuildProperties merges base with overrideFile, when that file exists,
// and writes the result as `key = value` lines using the platform line
// ending. An empty value is written as `key =`.
func WriteBuildProperties(base *ordered.Map[string], overrideFile, outFile string) error {
	merged := base
	if overrideFile != "" {
		override, ok, err := ReadINIFile(overrideFile)
		if err != nil {
			return err
		}
		if ok {
			merged = MergeProperties(base, override)
		}
	}
	if merged == nil {
		merged = ordered.New[string]()
	}

	return writeFile(outFile, FormatProperties(merged, lineEnding()))
}

// FormatProperties renders props as properties lines joined by eol.
func FormatProperties(props *ordered.Map[string], eol string) string {
	lines := make([]string, 0, props.Len())
	props.Each(func(key, value string) {
		line := key + " ="
		if value != "" {
			line += " " + value
		}
		lines = append(lines, line)
	})
	return strings.Join(lines, eol)
}

func lineEnding() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apperrors.NewIO("create", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return apperrors.NewIO("write", path, err)
	}
	return nil
}
