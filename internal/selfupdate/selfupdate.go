// Package selfupdate implements the listener's self-update handler (spec
// §4.5 / §6): verify a downloaded package's hash, stage it atomically, and
// signal the caller to exit with the RunnerUpdating code so a supervising
// shell applies the package and relaunches. Atomic staging (temp file in the
// destination directory, then rename) is grounded on
// agent/internal/restic/extractor.go's extract method.
package selfupdate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/diag"
	"github.com/coreactions/runner/internal/errkind"
)

// minFreeBytes is the disk-space precheck threshold before staging a
// downloaded package; chosen generously over any single runner release
// archive.
const minFreeBytes = 500 << 20

// updatePayload is the body of an AgentRefresh/RunnerRefresh message: a
// download URL and the expected SHA-256 hash of the archive.
type updatePayload struct {
	DownloadURL string `json:"downloadUrl"`
	SHA256      string `json:"sha256"`
}

// Handler stages self-update packages into stageDir.
type Handler struct {
	stageDir   string
	httpClient *http.Client
	logger     *zap.Logger
}

// New constructs a self-update Handler.
func New(stageDir string, httpClient *http.Client, logger *zap.Logger) *Handler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{stageDir: stageDir, httpClient: httpClient, logger: logger.Named("selfupdate")}
}

// Update downloads the package named in body, verifies its hash, and stages
// it atomically. A hash mismatch is fatal for that update only — it does not
// bring down the message loop (spec §7 "Self-update hash mismatch").
func (h *Handler) Update(ctx context.Context, body json.RawMessage) error {
	var payload updatePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return errkind.Wrap(errkind.Permanent, fmt.Errorf("selfupdate: decoding payload: %w", err))
	}
	if payload.DownloadURL == "" {
		return errkind.Wrap(errkind.Permanent, fmt.Errorf("selfupdate: payload missing downloadUrl"))
	}
	if payload.SHA256 == "" {
		return errkind.Wrap(errkind.Permanent, fmt.Errorf("selfupdate: payload missing sha256"))
	}

	free, err := diag.FreeBytes(ctx, h.stageDir)
	if err == nil && free < minFreeBytes {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("selfupdate: insufficient disk space: %d bytes free", free))
	}

	data, err := h.download(ctx, payload.DownloadURL)
	if err != nil {
		return err
	}

	if payload.SHA256 != "" {
		sum := sha256.Sum256(data)
		got := hex.EncodeToString(sum[:])
		if got != payload.SHA256 {
			return errkind.Wrap(errkind.Permanent, fmt.Errorf("selfupdate: hash mismatch: got %s want %s", got, payload.SHA256))
		}
	}

	if err := h.stage(data); err != nil {
		return errkind.Wrap(errkind.Permanent, err)
	}

	h.logger.Info("self-update package staged", zap.String("stageDir", h.stageDir))
	return nil
}

func (h *Handler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.Permanent, err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind, _ := errkind.FromHTTPStatus(resp.StatusCode)
		return nil, errkind.Wrap(kind, fmt.Errorf("selfupdate: download returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<30))
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	return data, nil
}

// stage writes data to a temp file in stageDir and renames it into place,
// matching restic.Extractor.extract's write-temp-then-rename sequence.
func (h *Handler) stage(data []byte) error {
	if err := os.MkdirAll(h.stageDir, 0750); err != nil {
		return fmt.Errorf("selfupdate: creating stage dir: %w", err)
	}

	tmp, err := os.CreateTemp(h.stageDir, "update.*.tmp")
	if err != nil {
		return fmt.Errorf("selfupdate: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("selfupdate: writing staged package: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("selfupdate: syncing staged package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("selfupdate: closing staged package: %w", err)
	}

	destPath := filepath.Join(h.stageDir, "runner-update.pkg")
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("selfupdate: renaming staged package: %w", err)
	}
	ok = true
	return nil
}
