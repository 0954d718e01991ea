package ledger_test

import (
	"errors"
	"testing"

	"FundLedger/internal/ledger"
	fpmath "FundLedger/internal/math"

	"github.com/google/uuid"
)

const (
	alice ledger.Address = "alice"
	bob   ledger.Address = "bob"
	pool  ledger.Address = "fund"
)

func newFundedToken(t *testing.T) *ledger.MemoryToken {
	t.Helper()
	tok := ledger.NewMemoryToken("USDC")
	if err := tok.Mint(alice, fpmath.U(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	tok.DrainJournals()
	return tok
}

// ============================================================================
// Test: AccountKey / Journal
// ============================================================================

func TestAccountKey_Path(t *testing.T) {
	key := ledger.AccountKey{Asset: "USDC", Holder: alice}
	if got := key.AccountPath(); got != "USDC:alice" {
		t.Errorf("got %q, want %q", got, "USDC:alice")
	}

	zero := ledger.AccountKey{Asset: "USDC"}
	if got := zero.AccountPath(); got != "USDC:0x0" {
		t.Errorf("got %q, want %q", got, "USDC:0x0")
	}
}

func TestJournal_Validate(t *testing.T) {
	tests := []struct {
		name    string
		j       ledger.Journal
		wantErr bool
	}{
		{"transfer", ledger.Journal{From: alice, To: bob, Amount: fpmath.U(1), JournalType: ledger.JournalTypeTransfer}, false},
		{"mint", ledger.Journal{To: bob, Amount: fpmath.U(1), JournalType: ledger.JournalTypeMint}, false},
		{"burn", ledger.Journal{From: bob, Amount: fpmath.U(1), JournalType: ledger.JournalTypeBurn}, false},
		{"zero amount", ledger.Journal{From: alice, To: bob, Amount: fpmath.U(0), JournalType: ledger.JournalTypeTransfer}, true},
		{"nil amount", ledger.Journal{From: alice, To: bob, JournalType: ledger.JournalTypeTransfer}, true},
		{"self", ledger.Journal{From: alice, To: alice, Amount: fpmath.U(1), JournalType: ledger.JournalTypeTransfer}, true},
		{"mint from holder", ledger.Journal{From: alice, To: bob, Amount: fpmath.U(1), JournalType: ledger.JournalTypeMint}, true},
		{"transfer to zero", ledger.Journal{From: alice, Amount: fpmath.U(1), JournalType: ledger.JournalTypeTransfer}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.j.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("got err=%v, wantErr=%v", err, tt.wantErr)
			}
			if tt.name == "self" && !errors.Is(err, ledger.ErrSelfTransfer) {
				t.Errorf("got %v, want ErrSelfTransfer", err)
			}
		})
	}
}

func TestBatch_StampsJournals(t *testing.T) {
	journals := []ledger.Journal{
		{JournalID: uuid.New(), Asset: "USDC", From: alice, To: bob, Amount: fpmath.U(5), JournalType: ledger.JournalTypeTransfer},
	}
	b := ledger.NewBatch(7, 1_000, journals)
	if err := b.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if b.Journals[0].BatchID != b.BatchID || b.Journals[0].Sequence != 7 || b.Journals[0].Timestamp != 1_000 {
		t.Errorf("journal not stamped: %+v", b.Journals[0])
	}
	if journals[0].BatchID == b.BatchID {
		t.Error("NewBatch must not mutate its input")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker("USDC")
	if !bt.GetBalance(alice).IsZero() {
		t.Errorf("initial balance should be 0, got %s", bt.GetBalance(alice).Dec())
	}
	if !bt.Supply().IsZero() {
		t.Errorf("initial supply should be 0, got %s", bt.Supply().Dec())
	}
}

func TestBalanceTracker_ApplyJournal_Insufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker("USDC")
	err := bt.ApplyJournal(ledger.Journal{From: alice, To: bob, Asset: "USDC", Amount: fpmath.U(1), JournalType: ledger.JournalTypeTransfer})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if !bt.GetBalance(bob).IsZero() {
		t.Error("failed journal must not credit the receiver")
	}
}

func TestBalanceTracker_RejectsOtherAsset(t *testing.T) {
	bt := ledger.NewBalanceTracker("USDC")
	err := bt.ApplyJournal(ledger.Journal{To: bob, Asset: "DAI", Amount: fpmath.U(1), JournalType: ledger.JournalTypeMint})
	if err == nil {
		t.Fatal("expected asset mismatch error")
	}
}

// ============================================================================
// Test: MemoryToken
// ============================================================================

func TestMemoryToken_Transfer(t *testing.T) {
	tok := newFundedToken(t)

	if err := tok.Transfer(alice, bob, fpmath.U(300)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := tok.BalanceOf(alice).Uint64(); got != 700 {
		t.Errorf("alice: got %d, want 700", got)
	}
	if got := tok.BalanceOf(bob).Uint64(); got != 300 {
		t.Errorf("bob: got %d, want 300", got)
	}

	journals := tok.DrainJournals()
	if len(journals) != 1 {
		t.Fatalf("got %d journals, want 1", len(journals))
	}
	if journals[0].From != alice || journals[0].To != bob || journals[0].Amount.Uint64() != 300 {
		t.Errorf("unexpected journal %+v", journals[0])
	}
	if len(tok.DrainJournals()) != 0 {
		t.Error("drain should clear journals")
	}
}

func TestMemoryToken_SelfTransferRejected(t *testing.T) {
	tok := newFundedToken(t)

	err := tok.Transfer(alice, alice, fpmath.U(1))
	if !errors.Is(err, ledger.ErrSelfTransfer) {
		t.Fatalf("got %v, want ErrSelfTransfer", err)
	}
	if got := tok.BalanceOf(alice).Uint64(); got != 1000 {
		t.Errorf("alice: got %d, want 1000", got)
	}
	if got := len(tok.DrainJournals()); got != 0 {
		t.Errorf("got %d journals, want 0", got)
	}
}

func TestMemoryToken_TransferFrom_Allowance(t *testing.T) {
	tok := newFundedToken(t)

	err := tok.TransferFrom(pool, alice, pool, fpmath.U(100))
	if !errors.Is(err, ledger.ErrInsufficientAllowance) {
		t.Fatalf("got %v, want ErrInsufficientAllowance", err)
	}

	if err := tok.Approve(alice, pool, fpmath.U(150)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := tok.TransferFrom(pool, alice, pool, fpmath.U(100)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := tok.Allowance(alice, pool).Uint64(); got != 50 {
		t.Errorf("allowance: got %d, want 50", got)
	}
	if got := tok.BalanceOf(pool).Uint64(); got != 100 {
		t.Errorf("pool: got %d, want 100", got)
	}
}

func TestMemoryToken_HookErrorReverts(t *testing.T) {
	tok := newFundedToken(t)
	_ = tok.Approve(alice, pool, fpmath.U(500))

	hookErr := errors.New("re-entered")
	tok.SetTransferHook(func(ledger.Journal) error { return hookErr })

	err := tok.TransferFrom(pool, alice, pool, fpmath.U(200))
	if !errors.Is(err, hookErr) {
		t.Fatalf("got %v, want hook error", err)
	}
	if got := tok.BalanceOf(alice).Uint64(); got != 1_000 {
		t.Errorf("alice: got %d, want 1000", got)
	}
	if got := tok.Allowance(alice, pool).Uint64(); got != 500 {
		t.Errorf("allowance must be restored: got %d, want 500", got)
	}
	if len(tok.DrainJournals()) != 0 {
		t.Error("reverted transfer must leave no journal")
	}
}

func TestMemoryToken_CheckpointRollback(t *testing.T) {
	tok := newFundedToken(t)

	mark := tok.Checkpoint()
	_ = tok.Transfer(alice, bob, fpmath.U(10))
	_ = tok.Mint(bob, fpmath.U(5))
	_ = tok.Approve(bob, alice, fpmath.U(1))
	tok.Rollback(mark)

	if got := tok.BalanceOf(alice).Uint64(); got != 1_000 {
		t.Errorf("alice: got %d, want 1000", got)
	}
	if !tok.BalanceOf(bob).IsZero() {
		t.Errorf("bob: got %s, want 0", tok.BalanceOf(bob).Dec())
	}
	if got := tok.TotalSupply().Uint64(); got != 1_000 {
		t.Errorf("supply: got %d, want 1000", got)
	}
	if !tok.Allowance(bob, alice).IsZero() {
		t.Error("allowance set inside the checkpoint must be reverted")
	}
}

func TestMemoryToken_NestedCommitThenOuterRollback(t *testing.T) {
	tok := newFundedToken(t)

	outer := tok.Checkpoint()
	inner := tok.Checkpoint()
	_ = tok.Transfer(alice, bob, fpmath.U(10))
	tok.Commit(inner)
	tok.Rollback(outer)

	if !tok.BalanceOf(bob).IsZero() {
		t.Errorf("outer rollback must revert committed inner changes, bob has %s", tok.BalanceOf(bob).Dec())
	}
}

func TestMemoryToken_ExportImport(t *testing.T) {
	tok := newFundedToken(t)
	_ = tok.Transfer(alice, bob, fpmath.U(250))
	_ = tok.Approve(bob, pool, fpmath.U(7))

	restored := ledger.NewMemoryToken("USDC")
	if err := restored.Import(tok.Export()); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := restored.BalanceOf(bob).Uint64(); got != 250 {
		t.Errorf("bob: got %d, want 250", got)
	}
	if got := restored.Allowance(bob, pool).Uint64(); got != 7 {
		t.Errorf("allowance: got %d, want 7", got)
	}

	if err := ledger.NewMemoryToken("DAI").Import(tok.Export()); err == nil {
		t.Error("expected symbol mismatch error")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_Conservation(t *testing.T) {
	tok := newFundedToken(t)
	_ = tok.Transfer(alice, bob, fpmath.U(1))
	_ = tok.Burn(bob, fpmath.U(1))

	v := ledger.NewInvariantValidator(tok.Tracker())
	if err := v.ValidateConservation(); err != nil {
		t.Errorf("expected conservation to hold: %v", err)
	}
}
