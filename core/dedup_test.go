package core

import (
	"testing"
	"time"
)

func TestRunScopeIdentityIgnoresConfigurationFields(t *testing.T) {
	a := RunScope{
		VendorID:     "vendor-1",
		ContractID:   "contract-1",
		TrustSetHash: "trust-a",
		ResolvedMode: VerifyModeStandard,
	}
	b := a
	b.TrustSetHash = "trust-b"
	b.ResolvedMode = VerifyModeStrict

	if a.Identity() != b.Identity() {
		t.Fatalf("configuration fields must not change scope identity")
	}

	b.VendorID = "vendor-2"
	if a.Identity() == b.Identity() {
		t.Fatalf("vendor change must change scope identity")
	}
}

func TestRunScopeIdentityTrimsWhitespace(t *testing.T) {
	a := RunScope{VendorID: "vendor-1", ContractID: "contract-1"}
	b := RunScope{VendorID: " vendor-1 ", ContractID: "contract-1 "}
	if a.Identity() != b.Identity() {
		t.Fatalf("identity comparison must ignore surrounding whitespace")
	}
}

func TestRunScopeConfigurationMatches(t *testing.T) {
	a := RunScope{ResolvedMode: VerifyModeStandard, TrustSetHash: "trust-a", PolicySetHash: "policy-a"}
	if !a.ConfigurationMatches(a) {
		t.Fatalf("scope must match itself")
	}

	b := a
	b.TrustSetHash = "trust-b"
	if a.ConfigurationMatches(b) {
		t.Fatalf("trust set change must invalidate the configuration match")
	}

	c := a
	c.VendorID = "vendor-other"
	if !a.ConfigurationMatches(c) {
		t.Fatalf("identity fields must not affect the configuration match")
	}
}

func TestRunMetaLive(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	meta := RunMeta{}
	if !meta.Live(now) {
		t.Fatalf("run with no limits must be live")
	}

	meta = RunMeta{Revoked: true}
	if meta.Live(now) {
		t.Fatalf("revoked run must not be live")
	}

	meta = RunMeta{ExpiresAt: &past}
	if meta.Live(now) {
		t.Fatalf("expired run must not be live")
	}

	meta = RunMeta{ExpiresAt: &now}
	if meta.Live(now) {
		t.Fatalf("expiry is inclusive at the boundary")
	}

	meta = RunMeta{ExpiresAt: &future, RetentionUntil: &past}
	if meta.Live(now) {
		t.Fatalf("run past retention must not be live")
	}

	meta = RunMeta{ExpiresAt: &future, RetentionUntil: &future}
	if !meta.Live(now) {
		t.Fatalf("run inside both windows must be live")
	}
}

func TestRunMetaClean(t *testing.T) {
	meta := RunMeta{VerifyOK: true}
	if !meta.Clean() {
		t.Fatalf("verified run with no error codes is clean")
	}
	if meta.CleanWithWarnings() {
		t.Fatalf("no warnings means no warning-tier outcome")
	}

	meta.WarningCodes = []string{"PRICE_STALE"}
	if !meta.CleanWithWarnings() {
		t.Fatalf("clean run with warnings is warning-tier")
	}

	meta.ErrorCodes = []string{"SIGNATURE_INVALID"}
	if meta.Clean() {
		t.Fatalf("error codes make the run dirty even when verify_ok is set")
	}
}

func TestResolvedPolicyAllowsSignerKey(t *testing.T) {
	open := ResolvedPolicy{}
	if !open.AllowsSignerKey("anything") {
		t.Fatalf("empty allow-list permits any key")
	}

	restricted := ResolvedPolicy{SignerKeyAllowList: []string{"trusted-key", " backup-key "}}
	if !restricted.AllowsSignerKey("trusted-key") {
		t.Fatalf("listed key must be permitted")
	}
	if !restricted.AllowsSignerKey("backup-key") {
		t.Fatalf("allow-list comparison must trim whitespace")
	}
	if restricted.AllowsSignerKey("rogue-key") {
		t.Fatalf("unlisted key must be rejected")
	}
}

func TestNewTokenShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		token := NewToken()
		if len(token) != len("run_")+32 {
			t.Fatalf("unexpected token shape %q", token)
		}
		if seen[token] {
			t.Fatalf("duplicate token minted: %q", token)
		}
		seen[token] = true
	}
}
