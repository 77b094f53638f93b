package stage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
	"github.com/FocuswithJustin/propelbridge/internal/validation"
)

// ManifestName is the bookkeeping file written next to the staged schemas.
const ManifestName = "schemas.json"

// ManifestVersion is bumped when the manifest layout changes.
const ManifestVersion = 1

// Manifest records what the last staging pass put in the scratch directory.
type Manifest struct {
	Version     int            `json:"version"`
	Bundle      string         `json:"bundle,omitempty"`
	Connections []string       `json:"connections,omitempty"`
	Schemas     []StagedSchema `json:"schemas"`
}

// Entry states reported by Verify.
const (
	StateOK       = "ok"
	StateModified = "modified"
	StateMissing  = "missing"
)

// EntryStatus is the state of one staged schema on disk.
type EntryStatus struct {
	Schema StagedSchema `json:"schema"`
	State  string       `json:"state"`
}

// WriteManifest writes m into dir. The output is stable for a given manifest.
func WriteManifest(dir string, m *Manifest) error {
	if m.Version == 0 {
		m.Version = ManifestVersion
	}
	if m.Schemas == nil {
		m.Schemas = []StagedSchema{}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, "encode manifest")
	}
	data = append(data, '\n')

	path := filepath.Join(dir, ManifestName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return apperrors.NewIO("write", path, err)
	}
	return nil
}

// ReadManifest reads the manifest from dir. A missing manifest yields an
// empty one.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Manifest{Version: ManifestVersion, Schemas: []StagedSchema{}}, nil
		}
		return nil, apperrors.NewIO("read", path, err)
	}

	return DecodeManifest(data, path)
}

// DecodeManifest parses manifest data read from path.
func DecodeManifest(data []byte, path string) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &apperrors.ParseError{Format: "JSON", Path: path, Message: err.Error(), Err: err}
	}
	if m.Version > ManifestVersion {
		return nil, apperrors.NewUnsupported("manifest version", "written by a newer release")
	}
	return &m, nil
}

// Reset removes the staged schemas recorded by the previous pass together
// with the manifest itself. Entries that would escape dir are rejected.
func Reset(dir string) error {
	m, err := ReadManifest(dir)
	if err != nil {
		return err
	}

	for _, s := range m.Schemas {
		rel, err := validation.SanitizePath(dir, s.TempName)
		if err != nil {
			return apperrors.Wrapf(err, "manifest entry %q", s.TempName)
		}
		if err := removeIfExists(filepath.Join(dir, rel)); err != nil {
			return err
		}
	}
	return removeIfExists(filepath.Join(dir, ManifestName))
}

// Verify compares the staged schemas recorded in dir with what is on disk.
func Verify(dir string) ([]EntryStatus, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	statuses := make([]EntryStatus, 0, len(m.Schemas))
	for _, s := range m.Schemas {
		rel, err := validation.SanitizePath(dir, s.TempName)
		if err != nil {
			return nil, apperrors.Wrapf(err, "manifest entry %q", s.TempName)
		}
		path := filepath.Join(dir, rel)

		state := StateOK
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			state = StateMissing
		case err != nil:
			return nil, apperrors.NewIO("read", path, err)
		case Digest(data) != s.Digest:
			state = StateModified
		}
		statuses = append(statuses, EntryStatus{Schema: s, State: state})
	}
	return statuses, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.NewIO("remove", path, err)
	}
	return nil
}
