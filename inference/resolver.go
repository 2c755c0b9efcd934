package inference

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/viant/afs"
	_ "github.com/viant/afsc/s3"
)

var (
	driveFilePattern = regexp.MustCompile(`^https?://drive\.google\.com/file/d/([A-Za-z0-9_-]+)`)
	driveOpenPattern = regexp.MustCompile(`^https?://drive\.google\.com/open\?(?:.*&)?id=([A-Za-z0-9_-]+)`)
)

// Resolver turns a model locator into ONNX bytes. Local paths are read in
// place, remote artifacts (http, https, s3, gs, mem) are copied into the cache
// directory once.
type Resolver struct {
	fs       afs.Service
	cacheDir string
}

func NewResolver(cacheDir string) *Resolver {
	return &Resolver{fs: afs.New(), cacheDir: cacheDir}
}

// NormalizeLocator rewrites Google Drive share pages to their direct download
// URL. Other locators are returned unchanged.
func NormalizeLocator(locator string) string {
	locator = strings.TrimSpace(locator)
	for _, pattern := range []*regexp.Regexp{driveFilePattern, driveOpenPattern} {
		if m := pattern.FindStringSubmatch(locator); m != nil {
			return "https://drive.google.com/uc?export=download&id=" + m[1]
		}
	}
	return locator
}

func isRemote(locator string) bool {
	scheme, _, ok := strings.Cut(locator, "://")
	if !ok {
		return false
	}
	return scheme != "file"
}

func (r *Resolver) cachePath(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	return filepath.Join(r.cacheDir, hex.EncodeToString(sum[:8])+".onnx")
}

func (r *Resolver) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if strings.TrimSpace(locator) == "" {
		return nil, fmt.Errorf("%w: no model locator configured", ErrModelUnavailable)
	}
	resolved := NormalizeLocator(locator)

	if !isRemote(resolved) {
		return r.read(ctx, resolved)
	}

	cached := r.cachePath(resolved)
	if ok, _ := r.fs.Exists(ctx, cached); ok {
		return r.read(ctx, cached)
	}

	data, err := r.read(ctx, resolved)
	if err != nil {
		return nil, err
	}
	if err := r.store(ctx, cached, data); err != nil {
		log.Printf("Warning: could not cache model %s: %v", resolved, err)
	}
	return data, nil
}

func (r *Resolver) read(ctx context.Context, url string) (data []byte, err error) {
	exists, err := r.fs.Exists(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelUnavailable, url, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s not found", ErrModelUnavailable, url)
	}

	reader, err := r.fs.OpenURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrModelUnavailable, url, err)
	}
	defer func() {
		err = errors.Join(err, reader.Close())
	}()

	data, err = io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrModelUnavailable, url, err)
	}
	if err := checkArtifact(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelUnavailable, url, err)
	}
	return data, nil
}

func (r *Resolver) store(ctx context.Context, path string, data []byte) error {
	if ok, _ := r.fs.Exists(ctx, r.cacheDir); !ok {
		if err := r.fs.Create(ctx, r.cacheDir, os.ModePerm, true); err != nil {
			return err
		}
	}
	return r.fs.Upload(ctx, path, 0o644, bytes.NewReader(data))
}

// checkArtifact catches the common failure of a locator that serves a web page
// instead of the model file.
func checkArtifact(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errors.New("artifact is empty")
	}
	if trimmed[0] == '<' {
		return errors.New("locator returned an HTML page, not an ONNX model")
	}
	return nil
}
