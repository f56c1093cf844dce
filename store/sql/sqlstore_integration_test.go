package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/settld/go-settle/core"
	"github.com/settld/go-settle/migrations"
	sqlstore "github.com/settld/go-settle/store/sql"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-settle-tests"
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:settle-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = migrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != migrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithValidationTargets(migrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}

func newStoreFactory(t *testing.T) (*sqlstore.RepositoryFactory, func()) {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		cleanup()
		t.Fatalf("new repository factory: %v", err)
	}
	return factory, cleanup
}

func TestOpenDriver(t *testing.T) {
	db, dialect, err := sqlstore.OpenDriver(sqlstore.DriverSQLite, "file:settle-open-test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite driver: %v", err)
	}
	defer db.Close()
	if dialect == nil {
		t.Fatalf("expected a dialect for sqlite")
	}

	if _, _, err := sqlstore.OpenDriver("oracle", "dsn"); err == nil {
		t.Fatalf("unsupported driver must be rejected")
	}
	if _, _, err := sqlstore.OpenDriver(sqlstore.DriverSQLite, "  "); err == nil {
		t.Fatalf("empty dsn must be rejected")
	}
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{
		"settle_runs",
		"settle_dedup_index",
		"settle_delivery_jobs",
		"settle_delivery_dead_letters",
		"settle_decision_reports",
	} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestRunStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newStoreFactory(t)
	defer cleanup()

	store := factory.RunStore()
	if store == nil {
		t.Fatalf("expected run store from factory")
	}

	created, err := store.Create(ctx, core.RunMeta{
		SchemaVersion: core.RunMetaSchemaVersion,
		Token:         "run_sql_1",
		TenantID:      "tenant-a",
		ContentHash:   "abc123",
		ContentSize:   42,
		StoragePath:   "/var/lib/settle/abc123",
		Scope: core.RunScope{
			VendorID:     "vendor-1",
			ContractID:   "contract-1",
			TemplateID:   "template-1",
			ConfigHash:   "cfg-1",
			ResolvedMode: core.VerifyModeStandard,
			TrustSetHash: "trust-1",
		},
		Status: core.RunStatusPending,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if created.Token != "run_sql_1" || created.CreatedAt.IsZero() {
		t.Fatalf("unexpected created run: %+v", created)
	}

	fetched, err := store.Get(ctx, "run_sql_1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if fetched.Scope.VendorID != "vendor-1" || fetched.Scope.TrustSetHash != "trust-1" {
		t.Fatalf("scope not persisted: %+v", fetched.Scope)
	}
	if fetched.Status != core.RunStatusPending {
		t.Fatalf("status %q", fetched.Status)
	}

	finished := time.Now().UTC().Truncate(time.Second)
	fetched.Status = core.RunStatusFailed
	fetched.VerifyOK = false
	fetched.ErrorCodes = []string{"VERIFY_TIMEOUT"}
	fetched.WarningCodes = []string{"MANIFEST_DEPRECATED_FIELD"}
	fetched.Revoked = true
	fetched.RevokedReason = "operator request"
	fetched.RevokedAt = &finished
	fetched.FinishedAt = &finished

	updated, err := store.Update(ctx, fetched)
	if err != nil {
		t.Fatalf("update run: %v", err)
	}
	if updated.Status != core.RunStatusFailed || !updated.Revoked {
		t.Fatalf("update not applied: %+v", updated)
	}
	if len(updated.ErrorCodes) != 1 || updated.ErrorCodes[0] != "VERIFY_TIMEOUT" {
		t.Fatalf("error codes not persisted: %v", updated.ErrorCodes)
	}
	if len(updated.WarningCodes) != 1 || updated.WarningCodes[0] != "MANIFEST_DEPRECATED_FIELD" {
		t.Fatalf("warning codes not persisted: %v", updated.WarningCodes)
	}
	if updated.RevokedAt == nil || updated.FinishedAt == nil {
		t.Fatalf("timestamps not persisted: %+v", updated)
	}

	if _, err := store.Get(ctx, "run_missing"); !errors.Is(err, core.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := store.Update(ctx, core.RunMeta{Token: "run_missing"}); !errors.Is(err, core.ErrRunNotFound) {
		t.Fatalf("update of missing run: expected ErrRunNotFound, got %v", err)
	}
	if _, err := store.Create(ctx, created); err == nil {
		t.Fatalf("duplicate token must violate the unique index")
	}
}

func TestDedupIndexStoreReserveConverges(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newStoreFactory(t)
	defer cleanup()

	store := factory.DedupIndexStore()
	if store == nil {
		t.Fatalf("expected dedup index store from factory")
	}

	scope := core.RunScope{
		VendorID:   "vendor-1",
		ContractID: "contract-1",
		TemplateID: "template-1",
		ConfigHash: "cfg-1",
	}
	winner, existed, err := store.Reserve(ctx, core.DedupEntry{
		TenantID:    "tenant-a",
		ContentHash: "CAFE01",
		Token:       "run_winner",
		Scope:       scope,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if existed {
		t.Fatalf("first reservation must win")
	}
	if winner.ContentHash != "cafe01" {
		t.Fatalf("content hash must be normalized lowercase, got %q", winner.ContentHash)
	}

	loser, existed, err := store.Reserve(ctx, core.DedupEntry{
		TenantID:    "tenant-a",
		ContentHash: "cafe01",
		Token:       "run_loser",
		Scope:       scope,
	})
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if !existed {
		t.Fatalf("second reservation must lose to the unique index")
	}
	if loser.Token != "run_winner" {
		t.Fatalf("loser must read back the winner's token, got %q", loser.Token)
	}

	entry, found, err := store.Lookup(ctx, "tenant-a", "CAFE01")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !found || entry.Token != "run_winner" || entry.Scope.VendorID != "vendor-1" {
		t.Fatalf("lookup mismatch: found=%v entry=%+v", found, entry)
	}

	// A different tenant with the same hash is an independent reservation.
	if _, existed, err := store.Reserve(ctx, core.DedupEntry{
		TenantID:    "tenant-b",
		ContentHash: "cafe01",
		Token:       "run_other",
		Scope:       scope,
	}); err != nil || existed {
		t.Fatalf("cross-tenant reservation: existed=%v err=%v", existed, err)
	}

	if _, found, err := store.Lookup(ctx, "tenant-a", "unseen"); err != nil || found {
		t.Fatalf("unseen hash: found=%v err=%v", found, err)
	}
}

func TestDeliveryJobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newStoreFactory(t)
	defer cleanup()

	store := factory.DeliveryJobStore()
	if store == nil {
		t.Fatalf("expected delivery job store from factory")
	}

	now := time.Now().UTC().Truncate(time.Second)
	job := core.DeliveryJob{
		SchemaVersion:  core.DeliveryJobSchemaVersion,
		TenantID:       "tenant-a",
		IdempotencyKey: "key-1",
		Target:         "webhook",
		Event:          core.EventRunVerified,
		Token:          "run_sql_1",
		Payload:        map[string]any{"verify_ok": true},
		NextAttemptAt:  now.Add(-time.Minute),
		CreatedAt:      now,
	}

	inserted, err := store.InsertPending(ctx, job)
	if err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	if !inserted {
		t.Fatalf("first insert must create the job")
	}
	if again, err := store.InsertPending(ctx, job); err != nil || again {
		t.Fatalf("duplicate insert must converge: inserted=%v err=%v", again, err)
	}

	later := job
	later.IdempotencyKey = "key-2"
	later.Event = core.EventDecisionRecorded
	later.NextAttemptAt = now.Add(time.Hour)
	if inserted, err := store.InsertPending(ctx, later); err != nil || !inserted {
		t.Fatalf("second key insert: inserted=%v err=%v", inserted, err)
	}

	due, err := store.DuePending(ctx, "webhook", now, 10)
	if err != nil {
		t.Fatalf("due pending: %v", err)
	}
	if len(due) != 1 || due[0].IdempotencyKey != "key-1" {
		t.Fatalf("only the past-due job must be returned: %+v", due)
	}

	pending := due[0]
	pending.AttemptCount = 1
	pending.NextAttemptAt = now.Add(time.Minute)
	pending.LastError = "status 503"
	if err := store.UpdatePending(ctx, pending); err != nil {
		t.Fatalf("update pending: %v", err)
	}
	refreshed, err := store.DuePending(ctx, "webhook", now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("due pending after update: %v", err)
	}
	if len(refreshed) != 1 || refreshed[0].AttemptCount != 1 || refreshed[0].LastError != "status 503" {
		t.Fatalf("attempt bookkeeping not persisted: %+v", refreshed)
	}

	pending = refreshed[0]
	pending.LastError = "connection refused"
	if err := store.MoveToDeadLetter(ctx, pending); err != nil {
		t.Fatalf("move to dead letter: %v", err)
	}
	if due, err := store.DuePending(ctx, "webhook", now.Add(2*time.Minute), 10); err != nil || len(due) != 0 {
		t.Fatalf("dead job must leave the pending queue: %+v err=%v", due, err)
	}

	dead, err := store.GetDeadLetter(ctx, "key-1")
	if err != nil {
		t.Fatalf("get dead letter: %v", err)
	}
	if dead.AttemptCount != 1 || dead.LastError != "connection refused" {
		t.Fatalf("dead-letter copy mismatch: %+v", dead)
	}

	// The dead key must not be silently recreated as a fresh pending job.
	if resurrected, err := store.InsertPending(ctx, job); err != nil || resurrected {
		t.Fatalf("dead key must not resurrect: inserted=%v err=%v", resurrected, err)
	}

	counts, err := store.DeadLetterCounts(ctx, "webhook")
	if err != nil {
		t.Fatalf("dead letter counts: %v", err)
	}
	if counts[core.DeadLetterKey{TenantID: "tenant-a", Target: "webhook"}] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	replayed, err := store.Replay(ctx, "key-1", true, now)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.AttemptCount != 0 {
		t.Fatalf("replay with reset must clear attempts: %+v", replayed)
	}
	if _, err := store.GetDeadLetter(ctx, "key-1"); !errors.Is(err, sqlstore.ErrDeadLetterNotFound) {
		t.Fatalf("replayed job must leave the dead-letter store, got %v", err)
	}
	if due, err := store.DuePending(ctx, "webhook", now, 10); err != nil || len(due) != 1 || due[0].IdempotencyKey != "key-1" {
		t.Fatalf("replayed job must be due again: %+v err=%v", due, err)
	}

	if _, err := store.Replay(ctx, "key-unknown", false, now); !errors.Is(err, sqlstore.ErrDeadLetterNotFound) {
		t.Fatalf("unknown replay key: expected ErrDeadLetterNotFound, got %v", err)
	}

	if err := store.CompletePending(ctx, due[0].ID); err != nil {
		t.Fatalf("complete pending: %v", err)
	}
	if due, err := store.DuePending(ctx, "webhook", now, 10); err != nil || len(due) != 0 {
		t.Fatalf("completed job must be gone: %+v err=%v", due, err)
	}
}

func TestDecisionStoreCreateIsConditional(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newStoreFactory(t)
	defer cleanup()

	store := factory.DecisionStore()
	if store == nil {
		t.Fatalf("expected decision store from factory")
	}

	report := core.DecisionReport{
		SchemaVersion:       core.DecisionReportSchemaVersion,
		Token:               "run_sql_1",
		TenantID:            "tenant-a",
		Decision:            core.DecisionApprove,
		DecidedAt:           time.Now().UTC().Truncate(time.Second),
		DecidedBy:           "operator@tenant-a",
		BindingHash:         "bind-hash",
		ManifestHash:        "manifest-hash",
		HeadAttestationHash: "attestation-hash",
		WarningCodes:        []string{"MANIFEST_DEPRECATED_FIELD"},
		SignerKeyID:         "settle-key-1",
		Signature:           "deadbeef",
	}

	created, err := store.Create(ctx, report)
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	if !created {
		t.Fatalf("first decision must be created")
	}

	second := report
	second.Decision = core.DecisionHold
	created, err = store.Create(ctx, second)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("a token must accept exactly one decision")
	}

	stored, found, err := store.Get(ctx, "run_sql_1")
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if !found || stored.Decision != core.DecisionApprove {
		t.Fatalf("the first decision must survive the race: found=%v %+v", found, stored)
	}
	if stored.SignerKeyID != "settle-key-1" || stored.Signature != "deadbeef" {
		t.Fatalf("signature fields not persisted: %+v", stored)
	}
	if len(stored.WarningCodes) != 1 || stored.WarningCodes[0] != "MANIFEST_DEPRECATED_FIELD" {
		t.Fatalf("warning codes not persisted: %v", stored.WarningCodes)
	}

	if _, found, err := store.Get(ctx, "run_undecided"); err != nil || found {
		t.Fatalf("undecided token: found=%v err=%v", found, err)
	}
}

func TestNewServiceWiresSQLStores(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	seedFactory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	if _, err := seedFactory.RunStore().Create(ctx, core.RunMeta{
		SchemaVersion: core.RunMetaSchemaVersion,
		Token:         "run_wired",
		TenantID:      "tenant-a",
		ContentHash:   "abc123",
		Scope:         core.RunScope{VendorID: "vendor-1", ContractID: "contract-1", TemplateID: "template-1", ConfigHash: "cfg-1"},
		Status:        core.RunStatusPending,
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	service, err := core.NewService(
		core.DefaultConfig(),
		core.WithPersistenceClient(client),
		core.WithRepositoryFactory(sqlstore.NewRepositoryFactory()),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	run, err := service.GetRun(ctx, "run_wired")
	if err != nil {
		t.Fatalf("get run through service: %v", err)
	}
	if run.TenantID != "tenant-a" || run.Status != core.RunStatusPending {
		t.Fatalf("service must read through the sql stores: %+v", run)
	}
}
