package persistence_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"FundLedger/internal/command"
	"FundLedger/internal/core"
	fpmath "FundLedger/internal/math"
	"FundLedger/internal/observability"
	"FundLedger/internal/persistence"
	"FundLedger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

// runScenario credits, approves and deposits for alice and returns the outputs.
func runScenario(t *testing.T, e *core.Engine, out chan core.Output, keys *testutil.Keys, amount uint64) []core.Output {
	t.Helper()
	cmds := []command.Command{
		&command.CreditAsset{Meta: keys.Meta(testutil.Owner, testutil.T0), To: testutil.Alice, Amount: fpmath.U(amount)},
		&command.ApproveAsset{Meta: keys.Meta(testutil.Alice, testutil.T0), Spender: testutil.Pool, Amount: fpmath.U(amount)},
		&command.Deposit{Meta: keys.Meta(testutil.Alice, testutil.T0), Assets: fpmath.U(amount)},
	}
	for _, c := range cmds {
		if _, err := e.Execute(context.Background(), c); err != nil {
			t.Fatalf("%s: %v", c.Type(), err)
		}
	}
	return testutil.Drain(out)
}

// writeAll feeds outputs to a worker and waits for it to drain.
func writeAll(t *testing.T, db *sql.DB, outputs []core.Output, metrics *observability.Metrics) {
	t.Helper()
	ch := make(chan core.Output, len(outputs))
	for _, o := range outputs {
		ch <- o
	}
	close(ch)

	w := persistence.NewWorker(db, persistence.SQLite, ch,
		persistence.WorkerConfig{BatchSize: 2, FlushTimeout: 10 * time.Millisecond},
		metrics, zerolog.Nop())
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("worker: %v", err)
	}
}

func count(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// ============================================================================
// Test: Dialects and migrations
// ============================================================================

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT 1 FROM events WHERE command_type = ? AND idempotency_key = ?"
	if got := persistence.SQLite.Rebind(q); got != q {
		t.Errorf("sqlite: got %q, want unchanged", got)
	}
	want := "SELECT 1 FROM events WHERE command_type = $1 AND idempotency_key = $2"
	if got := persistence.Postgres.Rebind(q); got != want {
		t.Errorf("postgres: got %q, want %q", got, want)
	}
}

func TestDialectFor(t *testing.T) {
	for _, name := range []string{"postgres", "PostgreSQL", "sqlite", "sqlite3"} {
		if _, err := persistence.DialectFor(name); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if _, err := persistence.DialectFor("mysql"); err == nil {
		t.Error("expected mysql to be rejected")
	}
}

func TestMigrator_UpIsIdempotentAndDownRollsBackLast(t *testing.T) {
	db := testutil.SetupSQLite(t)
	ctx := context.Background()
	m := persistence.NewMigrator(db, persistence.SQLite, zerolog.Nop())

	if err := m.Up(ctx); err != nil {
		t.Fatalf("second up: %v", err)
	}
	applied, err := m.AppliedVersions(ctx)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if !applied["000001"] || !applied["000002"] || len(applied) != 2 {
		t.Errorf("got applied %v, want 000001 and 000002", applied)
	}

	if err := m.Down(ctx); err != nil {
		t.Fatalf("down: %v", err)
	}
	applied, _ = m.AppliedVersions(ctx)
	if applied["000002"] {
		t.Error("000002 still recorded after down")
	}
	if _, err := db.Exec("SELECT 1 FROM snapshots"); err == nil {
		t.Error("snapshots table survived down migration")
	}
	if err := m.Up(ctx); err != nil {
		t.Fatalf("re-up: %v", err)
	}
}

// ============================================================================
// Test: Worker and event log
// ============================================================================

func TestWorker_WritesEnvelopesAndJournals(t *testing.T) {
	db := testutil.SetupSQLite(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	e, out, _ := testutil.NewEngine(t, nil)
	outputs := runScenario(t, e, out, testutil.NewKeys("w"), 5_000)

	wantJournals := 0
	for _, o := range outputs {
		wantJournals += len(o.Batch.Journals)
	}

	writeAll(t, db, outputs, metrics)

	if got := count(t, db, "events"); got != 3 {
		t.Errorf("got %d events, want 3", got)
	}
	if got := count(t, db, "journal"); got != wantJournals {
		t.Errorf("got %d journals, want %d", got, wantJournals)
	}
	if got := promtest.ToFloat64(metrics.PersistEventsWritten); got != 3 {
		t.Errorf("events written metric: got %v, want 3", got)
	}
	if got := promtest.ToFloat64(metrics.PersistLastSequence); got != 3 {
		t.Errorf("last sequence metric: got %v, want 3", got)
	}

	// Rewriting the same outputs is a no-op.
	writeAll(t, db, outputs, nil)
	if got := count(t, db, "events"); got != 3 {
		t.Errorf("after rewrite: got %d events, want 3", got)
	}
}

func TestSnapshotManager_LoadEventsRoundTripsEnvelopes(t *testing.T) {
	db := testutil.SetupSQLite(t)
	e, out, _ := testutil.NewEngine(t, nil)
	outputs := runScenario(t, e, out, testutil.NewKeys("rt"), 2_500)
	writeAll(t, db, outputs, nil)

	sm := persistence.NewSnapshotManager(db, persistence.SQLite)
	envs, err := sm.LoadEventsFrom(context.Background(), 2, 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(envs))
	}
	for i, env := range envs {
		want := outputs[i+1].Envelope
		if env.Sequence != want.Sequence {
			t.Errorf("got sequence %d, want %d", env.Sequence, want.Sequence)
		}
		if env.StateHash != want.StateHash || env.PrevHash != want.PrevHash {
			t.Errorf("sequence %d: hashes differ after storage", env.Sequence)
		}
		if !env.Timestamp.Equal(want.Timestamp) {
			t.Errorf("sequence %d: got timestamp %v, want %v", env.Sequence, env.Timestamp, want.Timestamp)
		}
		if len(env.Events) != len(want.Events) {
			t.Errorf("sequence %d: got %d events, want %d", env.Sequence, len(env.Events), len(want.Events))
		}
	}

	latest, err := sm.GetLatestSequence(context.Background())
	if err != nil || latest != 3 {
		t.Errorf("got latest %d (%v), want 3", latest, err)
	}
}

func TestIdempotencyStore_DetectsLoggedCommands(t *testing.T) {
	db := testutil.SetupSQLite(t)
	e, out, _ := testutil.NewEngine(t, nil)
	outputs := runScenario(t, e, out, testutil.NewKeys("dup"), 1_000)
	writeAll(t, db, outputs, nil)

	store := persistence.NewIdempotencyStore(db, persistence.SQLite)
	dep := outputs[2].Envelope

	dup, err := store.IsDuplicate(dep.CommandType, dep.IdempotencyKey)
	if err != nil || !dup {
		t.Errorf("logged deposit: got %v (%v), want duplicate", dup, err)
	}
	dup, err = store.IsDuplicate(dep.CommandType, "never-seen")
	if err != nil || dup {
		t.Errorf("unknown key: got %v (%v), want not duplicate", dup, err)
	}

	keys, err := store.RecentKeys(context.Background(), 2)
	if err != nil {
		t.Fatalf("recent keys: %v", err)
	}
	want := []string{
		core.CompositeKey(outputs[1].Envelope.CommandType, outputs[1].Envelope.IdempotencyKey),
		core.CompositeKey(dep.CommandType, dep.IdempotencyKey),
	}
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Errorf("got keys %v, want %v", keys, want)
	}

	// A fresh engine backed by the store rejects the replayed deposit as a duplicate.
	e2, out2, _ := testutil.NewEngine(t, store)
	res, err := e2.Execute(context.Background(), &command.Deposit{
		Meta:   command.Meta{ID: dep.IdempotencyKey, By: testutil.Alice, At: testutil.T0},
		Assets: fpmath.U(1_000),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Duplicate {
		t.Error("expected duplicate from the durable tier")
	}
	if got := len(testutil.Drain(out2)); got != 0 {
		t.Errorf("got %d outputs for duplicate, want 0", got)
	}
}

// ============================================================================
// Test: Snapshots and recovery
// ============================================================================

func TestRecovery_SnapshotThenReplay(t *testing.T) {
	db := testutil.SetupSQLite(t)
	ctx := context.Background()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	keys := testutil.NewKeys("rec")

	sm := persistence.NewSnapshotManager(db, persistence.SQLite)
	store := persistence.NewIdempotencyStore(db, persistence.SQLite)
	rec := persistence.NewRecovery(sm, store, metrics, zerolog.Nop())

	e, out, _ := testutil.NewEngine(t, store)
	writeAll(t, db, runScenario(t, e, out, keys, 4_000), nil)

	verify := func(s *core.SnapshotState) error { return core.VerifySnapshot(testutil.EngineConfig(), s) }
	if err := rec.Snapshot(ctx, e, verify); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := promtest.ToFloat64(metrics.SnapshotLastSeq); got != 3 {
		t.Errorf("snapshot sequence metric: got %v, want 3", got)
	}

	// More commands after the snapshot.
	writeAll(t, db, runScenario(t, e, out, keys, 600), nil)

	restored, _, _ := testutil.NewEngine(t, store)
	stats, err := rec.Restore(ctx, restored)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if stats.SnapshotSequence != 3 {
		t.Errorf("got snapshot sequence %d, want 3", stats.SnapshotSequence)
	}
	if stats.Replayed != 3 {
		t.Errorf("got %d replayed, want 3", stats.Replayed)
	}
	if restored.GetSequence() != e.GetSequence() {
		t.Errorf("got sequence %d, want %d", restored.GetSequence(), e.GetSequence())
	}
	if restored.GetStateHash() != e.GetStateHash() {
		t.Error("restored state hash differs from the live engine")
	}

	view, err := restored.FundView(testutil.T0)
	if err != nil {
		t.Fatalf("fund view: %v", err)
	}
	if got := view.TotalAssets.Uint64(); got != 4_600 {
		t.Errorf("got total assets %d, want 4600", got)
	}
}

func TestRecovery_ColdStartReplaysWholeLog(t *testing.T) {
	db := testutil.SetupSQLite(t)
	sm := persistence.NewSnapshotManager(db, persistence.SQLite)
	rec := persistence.NewRecovery(sm, nil, nil, zerolog.Nop())

	e, out, _ := testutil.NewEngine(t, nil)
	writeAll(t, db, runScenario(t, e, out, testutil.NewKeys("cold"), 900), nil)

	restored, _, _ := testutil.NewEngine(t, nil)
	stats, err := rec.Restore(context.Background(), restored)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if stats.SnapshotSequence != 0 || stats.Replayed != 3 {
		t.Errorf("got snapshot %d replayed %d, want 0 and 3", stats.SnapshotSequence, stats.Replayed)
	}
	if restored.GetStateHash() != e.GetStateHash() {
		t.Error("cold restore diverged")
	}
}

func TestSnapshot_DeferredUntilLogCatchesUp(t *testing.T) {
	db := testutil.SetupSQLite(t)
	sm := persistence.NewSnapshotManager(db, persistence.SQLite)
	rec := persistence.NewRecovery(sm, nil, nil, zerolog.Nop())

	e, out, _ := testutil.NewEngine(t, nil)
	runScenario(t, e, out, testutil.NewKeys("lag"), 100)

	if err := rec.Snapshot(context.Background(), e, nil); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	infos, err := sm.ListSnapshots(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("got %d snapshots, want none while the log lags", len(infos))
	}
}

func TestSnapshotManager_UnverifiedSnapshotIsIgnored(t *testing.T) {
	db := testutil.SetupSQLite(t)
	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db, persistence.SQLite)

	e, out, _ := testutil.NewEngine(t, nil)
	runScenario(t, e, out, testutil.NewKeys("unv"), 100)

	if _, err := sm.SaveSnapshot(ctx, e.CreateSnapshotState(), testutil.T0); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil || snap != nil {
		t.Fatalf("got %v (%v), want no verified snapshot", snap, err)
	}

	if err := sm.MarkVerified(ctx, 3); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	snap, err = sm.LoadLatestSnapshot(ctx)
	if err != nil || snap == nil {
		t.Fatalf("got %v (%v), want snapshot", snap, err)
	}
	if snap.Sequence != 3 || snap.StateHash != e.GetStateHash() {
		t.Errorf("got sequence %d, want 3 with matching hash", snap.Sequence)
	}
	if err := sm.MarkVerified(ctx, 99); err == nil {
		t.Error("expected error marking a missing snapshot")
	}
}
