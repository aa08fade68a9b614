// Package actions resolves a `uses: owner/repo@ref[/path]` reference to a
// directory on disk (spec §4.5 "Action resolution"): in-memory cache, then
// on-disk `_actions/<owner>/<repo>/<ref>/`, then an archive-cache tarball,
// then a GitHub API tarball download. The idempotent-by-presence-check and
// atomic-temp-then-rename shape is grounded on
// agent/internal/restic/extractor.go's extract(); the try-cache-then-probe
// ordering is grounded on agent/internal/docker/discovery.go.
package actions

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/httpconfig"
)

// downloadRetrySleep is the pause between tarball download attempts (spec
// §5 "download retries ... with 30 s sleeps").
const downloadRetrySleep = 30 * time.Second

// Ref is a parsed `uses:` reference.
type Ref struct {
	Owner string
	Repo  string
	Tag   string
	Path  string // optional subdirectory within the repo
}

// ParseRef parses "owner/repo@ref[/path]".
func ParseRef(uses string) (Ref, error) {
	atIdx := strings.Index(uses, "@")
	if atIdx < 0 {
		return Ref{}, fmt.Errorf("actions: %q missing @ref", uses)
	}
	ownerRepo := uses[:atIdx]
	rest := uses[atIdx+1:]

	tag := rest
	var path string
	if slash := strings.Index(rest, "/"); slash >= 0 {
		tag = rest[:slash]
		path = rest[slash+1:]
	}

	parts := strings.SplitN(ownerRepo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Ref{}, fmt.Errorf("actions: %q missing owner/repo", uses)
	}
	return Ref{Owner: parts[0], Repo: parts[1], Tag: tag, Path: path}, nil
}

// cacheKey returns the in-memory and on-disk cache key for a Ref (without
// its subdirectory path, which the caller joins on afterward).
func (r Ref) cacheKey() string { return r.Owner + "/" + r.Repo + "@" + r.Tag }

// Resolver resolves action references to a directory on disk, per the
// four-tier lookup of spec §4.5.
type Resolver struct {
	actionsDir string // _actions/<owner>/<repo>/<ref>/
	archiveDir string // {owner}_{repo}_{ref}.tar.gz cache
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

// New constructs a Resolver rooted at actionsDir/archiveDir.
func New(actionsDir, archiveDir string, httpClient *http.Client, logger *zap.Logger) *Resolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		actionsDir: actionsDir,
		archiveDir: archiveDir,
		httpClient: httpClient,
		logger:     logger,
		cache:      make(map[string]string),
	}
}

// Resolve returns the combined path (action root + ref.Path) for uses.
// Failures are returned as errors; the caller reports the referring step
// failed rather than treating this as a fatal infrastructure error (spec
// §4.5 "Failures are warnings, not fatal").
func (r *Resolver) Resolve(ref Ref, bearer string) (string, error) {
	key := ref.cacheKey()

	r.mu.Lock()
	if root, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return filepath.Join(root, ref.Path), nil
	}
	r.mu.Unlock()

	root, err := r.resolveUncached(ref, bearer)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[key] = root
	r.mu.Unlock()

	return filepath.Join(root, ref.Path), nil
}

func (r *Resolver) resolveUncached(ref Ref, bearer string) (string, error) {
	onDisk := filepath.Join(r.actionsDir, ref.Owner, ref.Repo, ref.Tag)
	if info, err := os.Stat(onDisk); err == nil && info.IsDir() {
		return onDisk, nil
	}

	archivePath := filepath.Join(r.archiveDir, fmt.Sprintf("%s_%s_%s.tar.gz", ref.Owner, ref.Repo, ref.Tag))
	if _, err := os.Stat(archivePath); err == nil {
		if err := r.unpackArchive(archivePath, onDisk); err != nil {
			r.logger.Warn("failed to unpack action archive cache, falling back to download",
				zap.String("ref", ref.cacheKey()), zap.Error(err))
		} else {
			return onDisk, nil
		}
	}

	return r.download(ref, onDisk, bearer)
}

// download fetches the GitHub API tarball and unpacks it, stripping the
// single top-level directory the API always wraps the contents in (spec
// §4.5). Any failed attempt (request error, non-200 status, or extraction
// error) is retried up to the env-configured retry budget (spec §5) with a
// fixed sleep between attempts.
func (r *Resolver) download(ref Ref, dest string, bearer string) (string, error) {
	attempts := httpconfig.RetryCount()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		path, err := r.downloadOnce(ref, dest, bearer)
		if err == nil {
			return path, nil
		}
		lastErr = err
		if attempt < attempts {
			r.logger.Warn("action tarball download failed, retrying",
				zap.String("ref", ref.cacheKey()), zap.Int("attempt", attempt), zap.Error(err))
			time.Sleep(downloadRetrySleep)
		}
	}
	return "", lastErr
}

func (r *Resolver) downloadOnce(ref Ref, dest string, bearer string) (string, error) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/%s/tarball/%s", ref.Owner, ref.Repo, ref.Tag)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("actions: build request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("actions: download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("actions: download %s: status %d", url, resp.StatusCode)
	}

	if err := extractTarGzStripTop(resp.Body, dest); err != nil {
		return "", fmt.Errorf("actions: extract %s: %w", url, err)
	}
	return dest, nil
}

func (r *Resolver) unpackArchive(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return extractTarGzStripTop(f, dest)
}

// extractTarGzStripTop unpacks a gzip'd tarball into dest, stripping the
// archive's single top-level directory component from every entry.
func extractTarGzStripTop(r io.Reader, dest string) error {
	tmpDest := dest + ".tmp"
	if err := os.RemoveAll(tmpDest); err != nil {
		return err
	}
	if err := os.MkdirAll(tmpDest, 0o755); err != nil {
		return err
	}
	success := false
	defer func() {
		if !success {
			os.RemoveAll(tmpDest)
		}
	}()

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("actions: gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("actions: tar: %w", err)
		}

		name := stripTopDir(hdr.Name)
		if name == "" {
			continue
		}
		target := filepath.Join(tmpDest, name)
		if !strings.HasPrefix(target, filepath.Clean(tmpDest)+string(os.PathSeparator)) {
			return fmt.Errorf("actions: tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}

	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.Rename(tmpDest, dest); err != nil {
		return err
	}
	success = true
	return nil
}

// stripTopDir removes the first path component from name, returning "" if
// name has no component after the top-level directory.
func stripTopDir(name string) string {
	name = strings.TrimPrefix(name, "./")
	idx := strings.Index(name, "/")
	if idx < 0 {
		return ""
	}
	return name[idx+1:]
}
