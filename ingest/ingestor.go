// Package ingest streams artifact uploads to durable local storage.
//
// Writes are hash-verified and atomic: the body is streamed through a sha256
// digest into a temp file in the target directory, synced, then renamed into
// a content-addressed final path. A failed or oversized upload leaves no
// partial file behind beyond a best-effort temp cleanup.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/settld/go-settle/core"
)

// ErrTooLarge marks an upload that exceeds the configured size ceiling,
// whether declared up front or discovered mid-stream.
var ErrTooLarge = errors.New("ingest: upload exceeds size ceiling")

// ErrHashMismatch marks a body whose digest does not match the declared hash.
var ErrHashMismatch = errors.New("ingest: content hash mismatch")

type Config struct {
	// Dir is the storage root. Final artifacts land under Dir/sha256/<hash>.
	Dir string
	// MaxBytes is the upload size ceiling. Zero means uncapped.
	MaxBytes int64
}

// Ingestor writes uploads under a single storage root.
type Ingestor struct {
	cfg     Config
	logger  core.Logger
	metrics core.MetricsRecorder
}

func NewIngestor(cfg Config, logger core.Logger, metrics core.MetricsRecorder) (*Ingestor, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, fmt.Errorf("ingest: storage dir is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "sha256"), 0o755); err != nil {
		return nil, fmt.Errorf("ingest: create storage dir: %w", err)
	}
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return &Ingestor{cfg: cfg, logger: logger, metrics: metrics}, nil
}

// Ingest streams body into storage, enforcing the size ceiling and verifying
// the declared sha256 digest. The declared length is checked before any byte
// is read; the ceiling is enforced again during streaming because declared
// lengths are advisory.
func (i *Ingestor) Ingest(ctx context.Context, body io.Reader, declaredLength int64, declaredSHA256 string) (core.IngestResult, error) {
	if i == nil {
		return core.IngestResult{}, fmt.Errorf("ingest: ingestor is nil")
	}
	if body == nil {
		return core.IngestResult{}, fmt.Errorf("ingest: body is required")
	}
	declaredSHA256 = strings.ToLower(strings.TrimSpace(declaredSHA256))
	if declaredSHA256 == "" {
		return core.IngestResult{}, fmt.Errorf("ingest: declared sha256 is required")
	}
	if i.cfg.MaxBytes > 0 && declaredLength > i.cfg.MaxBytes {
		return core.IngestResult{}, i.tooLarge(declaredLength)
	}

	finalPath := filepath.Join(i.cfg.Dir, "sha256", declaredSHA256)
	if info, err := os.Stat(finalPath); err == nil && !info.IsDir() {
		// Content-addressed storage: the bytes are already on disk. Drain is
		// skipped; the caller's dedup path owns the run bookkeeping.
		return core.IngestResult{Path: finalPath, SHA256: declaredSHA256, Size: info.Size()}, nil
	}

	tmp, err := os.CreateTemp(i.cfg.Dir, "upload-*.part")
	if err != nil {
		return core.IngestResult{}, fmt.Errorf("ingest: create temp file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) && i.logger != nil {
			i.logger.Warn("temp cleanup failed", "path", tmp.Name(), "error", err)
		}
	}

	written, digest, err := i.stream(ctx, tmp, body)
	if err != nil {
		cleanup()
		return core.IngestResult{}, err
	}
	if digest != declaredSHA256 {
		cleanup()
		i.metrics.IncCounter(ctx, "settle.ingest_hash_mismatch.total", 1, nil)
		return core.IngestResult{}, hashMismatchError(digest, declaredSHA256)
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return core.IngestResult{}, fmt.Errorf("ingest: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return core.IngestResult{}, fmt.Errorf("ingest: close temp file: %w", err)
	}

	if err := i.finalize(tmp.Name(), finalPath); err != nil {
		os.Remove(tmp.Name())
		return core.IngestResult{}, err
	}

	i.metrics.IncCounter(ctx, "settle.ingest_bytes.total", written, nil)
	return core.IngestResult{Path: finalPath, SHA256: digest, Size: written}, nil
}

// stream copies body into dst while hashing, aborting as soon as the ceiling
// is crossed.
func (i *Ingestor) stream(ctx context.Context, dst *os.File, body io.Reader) (int64, string, error) {
	hasher := sha256.New()
	limit := i.cfg.MaxBytes

	var written int64
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return written, "", fmt.Errorf("ingest: upload canceled: %w", err)
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			written += int64(n)
			if limit > 0 && written > limit {
				i.metrics.IncCounter(context.Background(), "settle.ingest_oversize.total", 1, nil)
				return written, "", i.tooLarge(written)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, "", fmt.Errorf("ingest: write temp file: %w", err)
			}
			hasher.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, "", fmt.Errorf("ingest: read body: %w", readErr)
		}
	}
	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// finalize moves the temp file into its content-addressed home. Rename is the
// atomic fast path; a copy+delete fallback covers storage roots where the
// temp dir and final dir ended up on different filesystems.
func (i *Ingestor) finalize(tmpPath string, finalPath string) error {
	err := os.Rename(tmpPath, finalPath)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return fmt.Errorf("ingest: rename into place: %w", err)
	}

	src, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("ingest: open temp for copy: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(finalPath+".part", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("ingest: open copy target: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(finalPath + ".part")
		return fmt.Errorf("ingest: copy into place: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(finalPath + ".part")
		return fmt.Errorf("ingest: sync copy target: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(finalPath + ".part")
		return fmt.Errorf("ingest: close copy target: %w", err)
	}
	if err := os.Rename(finalPath+".part", finalPath); err != nil {
		os.Remove(finalPath + ".part")
		return fmt.Errorf("ingest: rename copy into place: %w", err)
	}
	os.Remove(tmpPath)
	return nil
}

func (i *Ingestor) tooLarge(size int64) error {
	return goerrors.New(
		fmt.Sprintf("ingest: upload of %d bytes exceeds ceiling of %d: %v", size, i.cfg.MaxBytes, ErrTooLarge),
		goerrors.CategoryBadInput,
	).WithTextCode(core.SettleErrorUploadTooLarge)
}

func hashMismatchError(got string, declared string) error {
	return goerrors.New(
		fmt.Sprintf("ingest: body sha256 %s does not match declared %s: %v", got, declared, ErrHashMismatch),
		goerrors.CategoryBadInput,
	).WithTextCode(core.SettleErrorBadInput)
}

var _ core.UploadIngestor = (*Ingestor)(nil)
