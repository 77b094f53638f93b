// Package fileutil provides file copy helpers used while staging schemas.
package fileutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CopyFile copies src to dst, creating parent directories and keeping the
// source file mode. An existing dst file is truncated.
func CopyFile(src, dst string) error {
	return CopyFileTo(src, dst, nil)
}

// CopyFileTo copies src to dst like CopyFile and also streams the copied
// bytes into w when w is non-nil, so callers can parse what was staged
// without reading dst back.
func CopyFileTo(src, dst string, w io.Writer) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("source %s is a directory", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	var dstW io.Writer = out
	if w != nil {
		dstW = io.MultiWriter(out, w)
	}
	if _, err := io.Copy(dstW, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close destination: %w", err)
	}

	// OpenFile only applies the mode on creation.
	return os.Chmod(dst, info.Mode().Perm())
}
