package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/settld/go-settle/core"
)

func newTestIngestor(t *testing.T, maxBytes int64) *Ingestor {
	t.Helper()
	ingestor, err := NewIngestor(Config{Dir: t.TempDir(), MaxBytes: maxBytes}, nil, nil)
	if err != nil {
		t.Fatalf("NewIngestor: %v", err)
	}
	return ingestor
}

func hashOf(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func countTempFiles(t *testing.T, dir string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "upload-*.part"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return len(matches)
}

func TestIngestHappyPath(t *testing.T) {
	ingestor := newTestIngestor(t, 0)
	body := []byte("artifact bundle contents")
	declared := hashOf(body)

	result, err := ingestor.Ingest(context.Background(), bytes.NewReader(body), int64(len(body)), declared)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.SHA256 != declared {
		t.Fatalf("digest %q, want %q", result.SHA256, declared)
	}
	if result.Size != int64(len(body)) {
		t.Fatalf("size %d, want %d", result.Size, len(body))
	}
	if filepath.Base(result.Path) != declared {
		t.Fatalf("final path must be content-addressed: %q", result.Path)
	}

	stored, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("read stored artifact: %v", err)
	}
	if !bytes.Equal(stored, body) {
		t.Fatalf("stored bytes differ from the upload")
	}
	if countTempFiles(t, ingestor.cfg.Dir) != 0 {
		t.Fatalf("temp file left behind")
	}
}

func TestIngestExistingContentShortCircuits(t *testing.T) {
	ingestor := newTestIngestor(t, 0)
	body := []byte("same bytes twice")
	declared := hashOf(body)

	first, err := ingestor.Ingest(context.Background(), bytes.NewReader(body), int64(len(body)), declared)
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	// Second upload of the same bytes: the body must not even need to match,
	// the stored file already exists at the content-addressed path.
	second, err := ingestor.Ingest(context.Background(), strings.NewReader("ignored"), 7, declared)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if second.Path != first.Path || second.Size != first.Size {
		t.Fatalf("short-circuit must return the stored artifact: %+v vs %+v", second, first)
	}
}

func TestIngestRejectsDeclaredOversize(t *testing.T) {
	ingestor := newTestIngestor(t, 16)

	_, err := ingestor.Ingest(context.Background(), strings.NewReader("ignored"), 1024, hashOf([]byte("x")))
	if err == nil {
		t.Fatalf("declared oversize must be rejected before reading")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.SettleErrorUploadTooLarge {
		t.Fatalf("expected %s, got %v", core.SettleErrorUploadTooLarge, err)
	}
}

func TestIngestAbortsMidStreamOversize(t *testing.T) {
	ingestor := newTestIngestor(t, 8)
	body := []byte("this body is longer than eight bytes")

	// Declared length lies under the ceiling; the stream check must catch it.
	_, err := ingestor.Ingest(context.Background(), bytes.NewReader(body), 4, hashOf(body))
	if err == nil {
		t.Fatalf("mid-stream oversize must be rejected")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.SettleErrorUploadTooLarge {
		t.Fatalf("expected %s, got %v", core.SettleErrorUploadTooLarge, err)
	}
	if countTempFiles(t, ingestor.cfg.Dir) != 0 {
		t.Fatalf("aborted upload must clean up its temp file")
	}
	if _, statErr := os.Stat(filepath.Join(ingestor.cfg.Dir, "sha256", hashOf(body))); !os.IsNotExist(statErr) {
		t.Fatalf("aborted upload must not land in storage")
	}
}

func TestIngestRejectsHashMismatch(t *testing.T) {
	ingestor := newTestIngestor(t, 0)
	body := []byte("actual bytes")
	declared := hashOf([]byte("different bytes"))

	_, err := ingestor.Ingest(context.Background(), bytes.NewReader(body), int64(len(body)), declared)
	if err == nil {
		t.Fatalf("hash mismatch must be rejected")
	}
	if !strings.Contains(err.Error(), "does not match declared") {
		t.Fatalf("unexpected error: %v", err)
	}
	if countTempFiles(t, ingestor.cfg.Dir) != 0 {
		t.Fatalf("mismatched upload must clean up its temp file")
	}
	if _, statErr := os.Stat(filepath.Join(ingestor.cfg.Dir, "sha256", declared)); !os.IsNotExist(statErr) {
		t.Fatalf("mismatched upload must not land in storage")
	}
}

func TestIngestHonorsContextCancel(t *testing.T) {
	ingestor := newTestIngestor(t, 0)
	body := []byte("never stored")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ingestor.Ingest(ctx, bytes.NewReader(body), int64(len(body)), hashOf(body))
	if err == nil {
		t.Fatalf("canceled context must abort the upload")
	}
	if countTempFiles(t, ingestor.cfg.Dir) != 0 {
		t.Fatalf("canceled upload must clean up its temp file")
	}
}

func TestIngestNormalizesDeclaredHash(t *testing.T) {
	ingestor := newTestIngestor(t, 0)
	body := []byte("case-insensitive digest")
	declared := strings.ToUpper(hashOf(body))

	result, err := ingestor.Ingest(context.Background(), bytes.NewReader(body), int64(len(body)), declared)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.SHA256 != strings.ToLower(declared) {
		t.Fatalf("digest must be normalized to lowercase: %q", result.SHA256)
	}
}

func TestNewIngestorRequiresDir(t *testing.T) {
	if _, err := NewIngestor(Config{}, nil, nil); err == nil {
		t.Fatalf("empty storage dir must be rejected")
	}
}
