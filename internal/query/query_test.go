package query_test

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"FundLedger/internal/command"
	"FundLedger/internal/core"
	"FundLedger/internal/ledger"
	fpmath "FundLedger/internal/math"
	"FundLedger/internal/persistence"
	"FundLedger/internal/query"
	"FundLedger/internal/testutil"

	"github.com/rs/zerolog"
)

// seed runs credit, approve and deposit for alice and persists the log.
func seed(t *testing.T, amount uint64) (*sql.DB, *core.Engine) {
	t.Helper()
	db := testutil.SetupSQLite(t)
	e, out, _ := testutil.NewEngine(t, nil)
	keys := testutil.NewKeys("q")

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

	outputs := testutil.Drain(out)
	ch := make(chan core.Output, len(outputs))
	for _, o := range outputs {
		ch <- o
	}
	close(ch)
	w := persistence.NewWorker(db, persistence.SQLite, ch,
		persistence.WorkerConfig{BatchSize: 8, FlushTimeout: 10 * time.Millisecond}, nil, zerolog.Nop())
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("worker: %v", err)
	}
	return db, e
}

// ============================================================================
// Balances and history
// ============================================================================

func TestBalance_MatchesEngine(t *testing.T) {
	db, e := seed(t, 1000)
	qs := query.NewService(db, persistence.SQLite)
	ctx := context.Background()

	tests := []struct {
		account ledger.Address
		asset   string
		want    uint64
	}{
		{testutil.Alice, "USDC", 0},
		{testutil.Pool, "USDC", 1000},
		{testutil.Bob, "USDC", 0},
	}
	for _, tt := range tests {
		got, err := qs.Balance(ctx, tt.account, tt.asset)
		if err != nil {
			t.Fatalf("balance %s/%s: %v", tt.account, tt.asset, err)
		}
		if got.Balance.Uint64() != tt.want {
			t.Errorf("%s/%s: got %s, want %d", tt.account, tt.asset, got.Balance, tt.want)
		}
		if got.AsOfSequence != 3 {
			t.Errorf("as_of_sequence: got %d, want 3", got.AsOfSequence)
		}
	}

	view, err := e.Account(testutil.Alice)
	if err != nil {
		t.Fatal(err)
	}
	shares, err := qs.Balance(ctx, testutil.Alice, "fUSDC")
	if err != nil {
		t.Fatal(err)
	}
	if shares.Balance.Cmp(view.Shares) != 0 {
		t.Errorf("share balance: got %s, engine has %s", shares.Balance, view.Shares)
	}
}

func TestBalance_ZeroAccountRejected(t *testing.T) {
	db, _ := seed(t, 10)
	qs := query.NewService(db, persistence.SQLite)
	if _, err := qs.Balance(context.Background(), "", "USDC"); !errors.Is(err, ledger.ErrInvalidAddress) {
		t.Errorf("got %v, want ErrInvalidAddress", err)
	}
}

func TestHistory_NewestFirstWithCursor(t *testing.T) {
	db, _ := seed(t, 500)
	qs := query.NewService(db, persistence.SQLite)
	ctx := context.Background()

	all, err := qs.History(ctx, query.HistoryFilter{Account: testutil.Alice})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// credit (mint), deposit transfer, share mint
	if len(all.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(all.Entries))
	}
	for i := 1; i < len(all.Entries); i++ {
		if all.Entries[i].Sequence > all.Entries[i-1].Sequence {
			t.Errorf("entries not newest first: %d after %d", all.Entries[i].Sequence, all.Entries[i-1].Sequence)
		}
	}
	first := all.Entries[len(all.Entries)-1]
	if first.Sequence != 1 || !first.From.IsZero() || first.To != testutil.Alice || first.JournalType != "mint" {
		t.Errorf("oldest entry: got %+v, want the credit mint", first)
	}

	page, err := qs.History(ctx, query.HistoryFilter{Account: testutil.Alice, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 1 || page.NextBefore != page.Entries[0].Sequence {
		t.Fatalf("got page %+v", page)
	}
	rest, err := qs.History(ctx, query.HistoryFilter{Account: testutil.Alice, Asset: "USDC", Before: page.NextBefore})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range rest.Entries {
		if e.Sequence >= page.NextBefore || e.Asset != "USDC" {
			t.Errorf("cursor/asset filter ignored: %+v", e)
		}
	}
}

// ============================================================================
// Command log and integrity
// ============================================================================

func TestCommands_ListsLogInOrder(t *testing.T) {
	db, e := seed(t, 100)
	qs := query.NewService(db, persistence.SQLite)

	cmds, err := qs.Commands(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("commands: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("got %d commands, want 2", len(cmds))
	}
	if cmds[0].Sequence != 2 || cmds[0].CommandType != string(command.TypeApproveAsset) || cmds[0].Caller != testutil.Alice {
		t.Errorf("got %+v", cmds[0])
	}
	if cmds[1].PrevHash != cmds[0].StateHash {
		t.Errorf("prev hash %s does not chain to %s", cmds[1].PrevHash, cmds[0].StateHash)
	}
	if !cmds[1].Timestamp.Equal(testutil.T0) {
		t.Errorf("timestamp: got %s, want %s", cmds[1].Timestamp, testutil.T0)
	}
	head := e.GetStateHash()
	if got, want := cmds[1].StateHash, hex.EncodeToString(head[:]); got != want {
		t.Errorf("head hash: got %s, want %s", got, want)
	}
}

func TestVerifyIntegrity_Healthy(t *testing.T) {
	db, _ := seed(t, 1000)
	qs := query.NewService(db, persistence.SQLite)

	r, err := qs.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !r.IsHealthy {
		t.Fatalf("got unhealthy report: %+v", r)
	}
	if r.Commands != 3 || r.AsOfSequence != 3 {
		t.Errorf("got commands %d as_of %d, want 3/3", r.Commands, r.AsOfSequence)
	}
	if got := r.Supply["USDC"]; got == nil || got.Uint64() != 1000 {
		t.Errorf("USDC supply: got %v, want 1000", got)
	}
}

func TestVerifyIntegrity_DetectsTampering(t *testing.T) {
	db, _ := seed(t, 1000)
	qs := query.NewService(db, persistence.SQLite)

	if _, err := db.Exec(`UPDATE events SET prev_hash = ? WHERE sequence = 2`, make([]byte, 32)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE journal SET amount = '5000' WHERE sequence = 3 AND journal_type = 'transfer'`); err != nil {
		t.Fatal(err)
	}

	r, err := qs.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if r.IsHealthy {
		t.Fatal("tampered log reported healthy")
	}
	if len(r.HashChainBreaks) != 1 || r.HashChainBreaks[0] != 2 {
		t.Errorf("hash breaks: got %v, want [2]", r.HashChainBreaks)
	}
	if len(r.OverdrawnAccounts) != 1 || r.OverdrawnAccounts[0].Account != testutil.Alice {
		t.Errorf("overdrawn: got %+v, want alice", r.OverdrawnAccounts)
	}
}

func TestVerifyIntegrity_EmptyLog(t *testing.T) {
	qs := query.NewService(testutil.SetupSQLite(t), persistence.SQLite)
	r, err := qs.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsHealthy || r.Commands != 0 {
		t.Errorf("got %+v", r)
	}
}
