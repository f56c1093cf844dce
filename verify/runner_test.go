package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/settld/go-settle/core"
)

func writeWorkerScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker scripts are POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "worker.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write worker script: %v", err)
	}
	return path
}

func TestRunnerParsesOutcome(t *testing.T) {
	bin := writeWorkerScript(t, `echo '{"ok":true,"manifest_hash":"mh","warning_codes":["PRICE_STALE"]}'`)
	r, err := NewRunner(bin, 0)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	outcome, err := r.Run(context.Background(), core.VerifyJob{Token: "run_1", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.OK || outcome.ManifestHash != "mh" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(outcome.WarningCodes) != 1 || outcome.WarningCodes[0] != "PRICE_STALE" {
		t.Fatalf("warning codes not parsed: %v", outcome.WarningCodes)
	}
}

func TestRunnerReportsWorkerFailure(t *testing.T) {
	bin := writeWorkerScript(t, `echo 'manifest unreadable' >&2; exit 3`)
	r, err := NewRunner(bin, 0)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	_, err = r.Run(context.Background(), core.VerifyJob{Token: "run_1", Dir: t.TempDir()})
	if err == nil {
		t.Fatalf("worker exit status must surface as an execution error")
	}
	if !strings.Contains(err.Error(), "manifest unreadable") {
		t.Fatalf("stderr must be carried in the error: %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("ordinary failure must not be a timeout")
	}
}

func TestRunnerKillsOnTimeout(t *testing.T) {
	bin := writeWorkerScript(t, `sleep 5`)
	r, err := NewRunner(bin, 0)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	started := time.Now()
	_, err = r.Run(context.Background(), core.VerifyJob{Token: "run_1", Dir: t.TempDir(), Timeout: 100 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(started) > 3*time.Second {
		t.Fatalf("worker was not killed at the deadline")
	}
}

func TestRunnerRejectsUnparsableOutput(t *testing.T) {
	bin := writeWorkerScript(t, `echo 'not json'`)
	r, err := NewRunner(bin, 0)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	_, err = r.Run(context.Background(), core.VerifyJob{Token: "run_1", Dir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "parse worker output") {
		t.Fatalf("unparsable output must be an execution error, got %v", err)
	}
}

func TestRunnerRequiresJobDir(t *testing.T) {
	r, err := NewRunner("/usr/bin/true", 0)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, err := r.Run(context.Background(), core.VerifyJob{Token: "run_1"}); err == nil {
		t.Fatalf("missing job dir must be rejected")
	}
}

func TestNewRunnerRequiresBinary(t *testing.T) {
	if _, err := NewRunner("  ", 0); err == nil {
		t.Fatalf("empty worker binary must be rejected")
	}
}
