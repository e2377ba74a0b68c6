package fetch

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Unzip extracts archive into dest, replacing any previous content. The
// archive is unpacked into a temporary sibling directory first and only
// renamed into place once extraction succeeded, so a failed unzip leaves the
// previous installation untouched. An archive with a single top-level
// directory is unpacked without that directory.
func (f *Fetcher) Unzip(archive, dest string) error {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", parent, err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+".unzip-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extract(archive, staging); err != nil {
		return fmt.Errorf("unzip %s: %w", archive, err)
	}
	root, err := singleRoot(staging)
	if err != nil {
		return err
	}
	old := ""
	if _, err := os.Lstat(dest); err == nil {
		old = dest + ".old"
		if err := os.RemoveAll(old); err != nil {
			return err
		}
		if err := os.Rename(dest, old); err != nil {
			return fmt.Errorf("move previous install aside: %w", err)
		}
	}
	if err := os.Rename(root, dest); err != nil {
		if old != "" {
			_ = os.Rename(old, dest)
		}
		return fmt.Errorf("install %s: %w", dest, err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	f.logger().Info("unpacked archive", zap.String("archive", archive), zap.String("dir", dest))
	return nil
}

func extract(archive, dir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, entry := range r.File {
		if err := extractEntry(entry, dir); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, dir string) error {
	target := filepath.Join(dir, filepath.FromSlash(entry.Name))
	if target != dir && !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return fmt.Errorf("entry %s escapes the archive root", entry.Name)
	}
	mode := entry.Mode()
	if mode.IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if mode&os.ModeSymlink != 0 {
		return fmt.Errorf("entry %s: symbolic links are not supported", entry.Name)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// singleRoot returns the only directory inside dir if dir holds nothing else,
// and dir itself otherwise.
func singleRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}
