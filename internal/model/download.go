package model

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/go-tacotron/internal/onnx"
)

// BundleLock pins downloadable bundle archives by checksum.
type BundleLock struct {
	Bundles []LockedBundle `yaml:"bundles"`
}

type LockedBundle struct {
	ID      string `yaml:"id"`
	Variant string `yaml:"variant"`
	URL     string `yaml:"url"`
	SHA256  string `yaml:"sha256"`
}

type DownloadOptions struct {
	BundleID  string
	Variant   string
	BundleURL string
	SHA256    string
	LockFile  string
	OutDir    string

	HTTPClient *http.Client
	Stdout     io.Writer
}

var shaHexPattern = regexp.MustCompile(`(?i)^[a-f0-9]{64}$`)

// DownloadBundle fetches a bundle archive (.zip or .tar.gz, http(s) or
// local path), checks its digest, extracts it into OutDir and confirms the
// extracted config.yaml loads with all graph files present.
func DownloadBundle(ctx context.Context, opts DownloadOptions) error {
	if opts.OutDir == "" {
		return errors.New("out dir is required")
	}

	if opts.LockFile == "" {
		opts.LockFile = filepath.Join("models", "bundles.lock.yaml")
	}

	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	bundleURL := strings.TrimSpace(opts.BundleURL)
	checksum := strings.ToLower(strings.TrimSpace(opts.SHA256))

	if bundleURL == "" {
		b, err := resolveFromLock(opts.LockFile, opts.BundleID, opts.Variant)
		if err != nil {
			return err
		}

		bundleURL = b.URL
		if checksum == "" {
			checksum = strings.ToLower(strings.TrimSpace(b.SHA256))
		}

		_, _ = fmt.Fprintf(opts.Stdout, "resolved bundle from lock: id=%s variant=%s\n", b.ID, b.Variant)
	}

	if bundleURL == "" {
		return fmt.Errorf("bundle URL is required (pass --bundle-url or configure %s)", opts.LockFile)
	}

	if checksum != "" && !shaHexPattern.MatchString(checksum) {
		return fmt.Errorf("invalid sha256 checksum %q", checksum)
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}

	archive, digest, err := fetchArchive(ctx, opts.HTTPClient, bundleURL)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(archive) }()

	if checksum != "" && checksum != digest {
		return fmt.Errorf("bundle checksum mismatch: expected %s got %s", checksum, digest)
	}

	_, _ = fmt.Fprintf(opts.Stdout, "downloaded %s sha256=%s\n", bundleURL, digest)

	if err := extractArchive(archive, bundleURL, opts.OutDir); err != nil {
		return err
	}

	configPath := filepath.Join(opts.OutDir, "config.yaml")

	b, err := LoadBundle(configPath)
	if err != nil {
		return err
	}

	sessions, err := b.Sessions(false)
	if err != nil {
		return err
	}

	if _, err := onnx.NewSessionManager(sessions...); err != nil {
		return fmt.Errorf("extracted bundle incomplete: %w", err)
	}

	_, _ = fmt.Fprintf(opts.Stdout, "bundle ready: %s\n", configPath)

	return nil
}

func resolveFromLock(lockFile, id, variant string) (LockedBundle, error) {
	data, err := os.ReadFile(lockFile)
	if err != nil {
		return LockedBundle{}, fmt.Errorf("read bundle lock %q: %w", lockFile, err)
	}

	var lock BundleLock
	if err := yaml.Unmarshal(data, &lock); err != nil {
		return LockedBundle{}, fmt.Errorf("decode bundle lock %q: %w", lockFile, err)
	}

	for _, b := range lock.Bundles {
		if id != "" && b.ID != id {
			continue
		}

		if variant != "" && b.Variant != variant {
			continue
		}

		return b, nil
	}

	return LockedBundle{}, fmt.Errorf("no bundle matches id=%q variant=%q in %s", id, variant, lockFile)
}

// fetchArchive copies the archive to a temp file and returns its path and
// sha256 digest.
func fetchArchive(ctx context.Context, client *http.Client, src string) (string, string, error) {
	var body io.ReadCloser

	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return "", "", fmt.Errorf("build bundle request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", "", fmt.Errorf("bundle download failed: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = resp.Body.Close()
			return "", "", fmt.Errorf("bundle download failed: %s", resp.Status)
		}

		body = resp.Body
	} else {
		fh, err := os.Open(strings.TrimPrefix(src, "file://"))
		if err != nil {
			return "", "", fmt.Errorf("open local bundle: %w", err)
		}

		body = fh
	}
	defer func() { _ = body.Close() }()

	tmp, err := os.CreateTemp("", "tacotron-bundle-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp bundle file: %w", err)
	}

	h := sha256.New()

	if _, err := io.Copy(io.MultiWriter(tmp, h), body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return "", "", fmt.Errorf("write temp bundle file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", "", fmt.Errorf("close temp bundle file: %w", err)
	}

	return tmp.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

// extractArchive picks the format from the source name, trying zip then
// tar.gz when the name has no known suffix.
func extractArchive(path, name, outDir string) error {
	lower := strings.ToLower(name)

	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(path, outDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(path, outDir)
	}

	if err := extractZip(path, outDir); err == nil {
		return nil
	}

	if err := extractTarGz(path, outDir); err == nil {
		return nil
	}

	return fmt.Errorf("unsupported bundle format for %s (expected .zip or .tar.gz)", name)
}

func extractZip(path, outDir string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open zip bundle: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		target, err := safeExtractPath(outDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}

			continue
		}

		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}

		err = writeFile(target, src)
		_ = src.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

func extractTarGz(path, outDir string) error {
	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open tar.gz bundle: %w", err)
	}
	defer func() { _ = fh.Close() }()

	gz, err := gzip.NewReader(fh)
	if err != nil {
		return fmt.Errorf("open gzip reader: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := safeExtractPath(outDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", target, err)
	}

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create extracted file %s: %w", target, err)
	}

	//nolint:gosec // archive digest is checked before extraction
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}

	return dst.Close()
}

func safeExtractPath(baseDir, entryName string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(entryName, "/"))
	target := filepath.Join(baseDir, cleaned)

	base := filepath.Clean(baseDir) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), base) {
		return "", fmt.Errorf("unsafe archive path traversal attempt: %q", entryName)
	}

	return target, nil
}
