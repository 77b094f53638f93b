package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ulikunitz/xz"
)

// epoch is stamped on every entry so packing the same tree twice yields the
// same archive.
var epoch = time.Unix(0, 0).UTC()

// xzNewWriter is replaceable in tests.
var xzNewWriter = func(w io.Writer) (io.WriteCloser, error) {
	return xz.NewWriter(w)
}

// Create writes srcDir into a compressed tar archive at dstPath. The
// compression is chosen from the extension (.tar.xz or .tar.gz). Entries are
// stored under baseDir inside the archive, in lexical order.
func Create(srcDir, dstPath, baseDir string) error {
	compress, err := compressorFor(dstPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	outFile, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer outFile.Close()

	cw, err := compress(outFile)
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}

	tw := tar.NewWriter(cw)
	if err := writeTree(tw, srcDir, baseDir); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}
	return outFile.Close()
}

func compressorFor(p string) (func(io.Writer) (io.WriteCloser, error), error) {
	format, err := FormatOf(p)
	if err != nil {
		return nil, err
	}
	if format == FormatXZ {
		return xzNewWriter, nil
	}
	return func(w io.Writer) (io.WriteCloser, error) {
		return gzip.NewWriter(w), nil
	}, nil
}

func writeTree(tw *tar.Writer, srcDir, baseDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}

		header.Name = baseDir + "/" + filepath.ToSlash(relPath)
		if info.IsDir() {
			header.Name += "/"
		}
		header.ModTime = epoch
		header.AccessTime = time.Time{}
		header.ChangeTime = time.Time{}
		header.Uid, header.Gid = 0, 0
		header.Uname, header.Gname = "", ""

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tw, file)
		return err
	})
}
