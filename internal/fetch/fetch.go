// Package fetch downloads actor archives and tool-info modules and unpacks
// archives into the install directory.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const etagSuffix = ".etag"

// Fetcher implements the download and unpack operations used when installing
// actors.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	Logger    *zap.Logger
}

// New returns a fetcher whose HTTP client uses the given timeout.
func New(timeout time.Duration, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		Client: &http.Client{Timeout: timeout},
		Logger: logger,
	}
}

func (f *Fetcher) logger() *zap.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return zap.NewNop()
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// IsURL reports whether s is a remote http(s) or ftp location.
func (f *Fetcher) IsURL(s string) bool {
	return IsURL(s)
}

// IsURL reports whether s is a remote http(s) or ftp location.
func IsURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp":
		return u.Host != ""
	default:
		return false
	}
}

// DownloadIfNeeded makes dest a current copy of src and reports whether dest
// was (re)written. Remote sources are fetched with a conditional GET; local
// sources are copied when dest is missing or older than src.
func (f *Fetcher) DownloadIfNeeded(ctx context.Context, src, dest string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}
	if IsURL(src) {
		return f.download(ctx, src, dest)
	}
	return copyIfNewer(src, dest)
}

func (f *Fetcher) download(ctx context.Context, src, dest string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return false, fmt.Errorf("build request for %s: %w", src, err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
		req.Header.Set("If-Modified-Since", info.ModTime().UTC().Format(http.TimeFormat))
		if etag, err := os.ReadFile(dest + etagSuffix); err == nil && len(etag) > 0 {
			req.Header.Set("If-None-Match", strings.TrimSpace(string(etag)))
		}
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return false, fmt.Errorf("download %s: %w", src, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		f.logger().Debug("cached copy is current", zap.String("url", src), zap.String("path", dest))
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return false, fmt.Errorf("download %s: unexpected status %s", src, resp.Status)
	}

	if err := writeAtomic(dest, resp.Body); err != nil {
		return false, fmt.Errorf("download %s: %w", src, err)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		_ = os.WriteFile(dest+etagSuffix, []byte(etag), 0o644)
	} else {
		_ = os.Remove(dest + etagSuffix)
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		_ = os.Chtimes(dest, lm, lm)
	}
	f.logger().Info("downloaded", zap.String("url", src), zap.String("path", dest))
	return true, nil
}

func copyIfNewer(src, dest string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", src, err)
	}
	if srcInfo.IsDir() {
		return false, fmt.Errorf("%s is a directory", src)
	}
	if destInfo, err := os.Stat(dest); err == nil && !destInfo.ModTime().Before(srcInfo.ModTime()) {
		return false, nil
	}
	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer in.Close()
	if err := writeAtomic(dest, in); err != nil {
		return false, fmt.Errorf("copy %s: %w", src, err)
	}
	mtime := srcInfo.ModTime()
	if err := os.Chtimes(dest, mtime, mtime); err != nil {
		return false, err
	}
	return true, nil
}

// writeAtomic streams r into a temp file next to dest and renames it over
// dest once the copy is complete.
func writeAtomic(dest string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Exists reports whether path exists and is a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
