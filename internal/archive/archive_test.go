package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
)

func makeScratch(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scratch")
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("failed to create scratch dir: %v", err)
	}
	files := map[string]string{
		"AcmeDemoBundle-schema.xml": "<database name=\"default\"/>",
		"build.properties":          "propel.project = acme\n",
		"sub/buildtime-conf.xml":    "<config/>",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return dir
}

func TestCreateAndList(t *testing.T) {
	for _, ext := range []string{".tar.xz", ".tar.gz"} {
		t.Run(ext, func(t *testing.T) {
			src := makeScratch(t)
			dst := filepath.Join(t.TempDir(), "out", "propel"+ext)

			if err := Create(src, dst, "propel"); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			names, err := List(dst)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			want := []string{
				"propel/AcmeDemoBundle-schema.xml",
				"propel/build.properties",
				"propel/sub/buildtime-conf.xml",
			}
			if diff := cmp.Diff(want, names); diff != "" {
				t.Errorf("entries mismatch (-want +got):\n%s", diff)
			}

			content, err := ReadFile(dst, "build.properties")
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			if string(content) != "propel.project = acme\n" {
				t.Errorf("content = %q", content)
			}
		})
	}
}

func TestCreateIsReproducible(t *testing.T) {
	src := makeScratch(t)
	out := t.TempDir()
	first := filepath.Join(out, "a.tar.xz")
	second := filepath.Join(out, "b.tar.xz")

	if err := Create(src, first, "propel"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := os.Chtimes(filepath.Join(src, "build.properties"), epoch.AddDate(10, 0, 0), epoch.AddDate(10, 0, 0)); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}
	if err := Create(src, second, "propel"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !bytes.Equal(a, b) {
		t.Error("archives of the same tree differ")
	}
}

func TestCreateUnsupportedFormat(t *testing.T) {
	if err := Create(makeScratch(t), filepath.Join(t.TempDir(), "x.zip"), "propel"); !errors.Is(err, apperrors.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestCreateNonexistentSource(t *testing.T) {
	if err := Create("/nonexistent/dir", filepath.Join(t.TempDir(), "x.tar.xz"), "propel"); err == nil {
		t.Error("expected error for nonexistent source")
	}
}

func TestCreateCompressorError(t *testing.T) {
	orig := xzNewWriter
	defer func() { xzNewWriter = orig }()
	xzNewWriter = func(io.Writer) (io.WriteCloser, error) {
		return nil, errors.New("boom")
	}

	if err := Create(makeScratch(t), filepath.Join(t.TempDir(), "x.tar.xz"), "propel"); err == nil {
		t.Error("expected compressor error")
	}
}

func TestNewReaderErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := NewReader(filepath.Join(dir, "missing.tar.xz")); err == nil {
		t.Error("expected error for missing archive")
	}

	plain := filepath.Join(dir, "plain.tar")
	if err := os.WriteFile(plain, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(plain); err == nil {
		t.Error("expected error for unsupported format")
	}

	corrupt := filepath.Join(dir, "corrupt.tar.xz")
	if err := os.WriteFile(corrupt, []byte("not xz data"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(corrupt); err == nil {
		t.Error("expected error for corrupted xz")
	}
}

func TestWalkStopEarly(t *testing.T) {
	src := makeScratch(t)
	dst := filepath.Join(t.TempDir(), "x.tar.gz")
	if err := Create(src, dst, "propel"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	count := 0
	err := Walk(dst, func(*tar.Header, io.Reader) (bool, error) {
		count++
		return true, nil
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if count != 1 {
		t.Errorf("visited %d entries, want 1", count)
	}

	wantErr := errors.New("visitor failed")
	if err := Walk(dst, func(*tar.Header, io.Reader) (bool, error) { return false, wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("Walk error = %v, want %v", err, wantErr)
	}
}

func TestReadFileNotFound(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "x.tar.xz")
	if err := Create(makeScratch(t), dst, "propel"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := ReadFile(dst, "missing.xml"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"scratch.tar.xz", FormatXZ, false},
		{"/tmp/scratch.tar.gz", FormatGzip, false},
		{"scratch.tgz", "", true},
		{"scratch.tar", "", true},
	}
	for _, tt := range tests {
		got, err := FormatOf(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("FormatOf(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("FormatOf(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestReadFileFullName(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "x.tar.gz")
	if err := Create(makeScratch(t), dst, "propel"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	a, err := ReadFile(dst, "build.properties")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	b, err := ReadFile(dst, "propel/build.properties")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("short and full entry names should resolve to the same file")
	}
}
