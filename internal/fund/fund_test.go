package fund_test

import (
	"errors"
	"testing"
	"time"

	"FundLedger/internal/escrow"
	"FundLedger/internal/event"
	"FundLedger/internal/fund"
	"FundLedger/internal/guard"
	"FundLedger/internal/ledger"
	fpmath "FundLedger/internal/math"

	"github.com/holiman/uint256"
)

const (
	pool    ledger.Address = "fund"
	owner   ledger.Address = "owner"
	manager ledger.Address = "manager"
	alice   ledger.Address = "alice"
	bob     ledger.Address = "bob"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

type fixture struct {
	base *ledger.MemoryToken
	fund *fund.Ledger
	reg  *escrow.Registry
	rec  *event.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := ledger.NewMemoryToken("USDC")
	rec := event.NewRecorder()
	reg, err := escrow.NewRegistry(base, pool, rec)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	l, err := fund.New(fund.Config{
		Address:     pool,
		Owner:       owner,
		Manager:     manager,
		ShareSymbol: "fUSDC",
		Start:       t0,
	}, base, fund.WithSink(rec), fund.WithRegistry(reg))
	if err != nil {
		t.Fatalf("new fund: %v", err)
	}
	return &fixture{base: base, fund: l, reg: reg, rec: rec}
}

func (f *fixture) deposit(t *testing.T, who ledger.Address, amount uint64, at time.Time) *uint256.Int {
	t.Helper()
	if err := f.base.Mint(who, fpmath.U(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.base.Approve(who, pool, fpmath.U(amount)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	shares, err := f.fund.Deposit(guard.NewCall(who, at), fpmath.U(amount), who)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return shares
}

func call(who ledger.Address, at time.Time) guard.Call {
	return guard.NewCall(who, at)
}

// ============================================================================
// Test: Construction
// ============================================================================

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	base := ledger.NewMemoryToken("USDC")
	if _, err := fund.New(fund.Config{Address: pool, Owner: owner, ShareSymbol: "f"}, base); !errors.Is(err, fund.ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}

	reg, _ := escrow.NewRegistry(base, "someone-else", nil)
	_, err := fund.New(fund.Config{Address: pool, Owner: owner, Manager: manager, ShareSymbol: "f"}, base, fund.WithRegistry(reg))
	if !errors.Is(err, fund.ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig for foreign registry", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	f := newFixture(t)
	if !f.fund.HighWaterMark().Eq(fpmath.WAD) {
		t.Errorf("hwm: got %s, want 1e18", f.fund.HighWaterMark().Dec())
	}
	price, _ := f.fund.SharePrice()
	if !price.Eq(fpmath.WAD) {
		t.Errorf("empty pool price: got %s, want 1e18", price.Dec())
	}
	if !f.fund.LastFeeCollection().Equal(t0) {
		t.Errorf("fee clock: got %v, want %v", f.fund.LastFeeCollection(), t0)
	}
}

// ============================================================================
// Test: Deposit / Mint / Withdraw / Redeem
// ============================================================================

func TestDeposit_EmptyPoolOneToOne(t *testing.T) {
	f := newFixture(t)

	shares := f.deposit(t, alice, 1_000_000, t0)
	if shares.Uint64() != 1_000_000 {
		t.Errorf("shares: got %d, want 1000000", shares.Uint64())
	}
	if got := f.fund.TotalAssets().Uint64(); got != 1_000_000 {
		t.Errorf("total assets: got %d, want 1000000", got)
	}
	if got := f.fund.BalanceOf(alice).Uint64(); got != 1_000_000 {
		t.Errorf("alice shares: got %d, want 1000000", got)
	}
	if got := f.base.BalanceOf(alice).Uint64(); got != 0 {
		t.Errorf("alice assets: got %d, want 0", got)
	}
}

func TestEntryPoints_RejectZero(t *testing.T) {
	f := newFixture(t)
	c := call(alice, t0)
	zero := fpmath.Zero()

	if _, err := f.fund.Deposit(c, zero, alice); !errors.Is(err, fund.ErrInvalidAmount) {
		t.Errorf("deposit: got %v, want ErrInvalidAmount", err)
	}
	if _, err := f.fund.Mint(c, zero, alice); !errors.Is(err, fund.ErrInvalidAmount) {
		t.Errorf("mint: got %v, want ErrInvalidAmount", err)
	}
	if _, err := f.fund.Withdraw(c, zero, alice, alice); !errors.Is(err, fund.ErrInvalidAmount) {
		t.Errorf("withdraw: got %v, want ErrInvalidAmount", err)
	}
	if _, err := f.fund.Redeem(c, nil, alice, alice); !errors.Is(err, fund.ErrInvalidAmount) {
		t.Errorf("redeem: got %v, want ErrInvalidAmount", err)
	}
}

func TestMint_RoundsAssetsUp(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1_000, t0)
	_ = f.base.Mint(pool, fpmath.U(500)) // price 1.5

	_ = f.base.Mint(bob, fpmath.U(100))
	_ = f.base.Approve(bob, pool, fpmath.U(100))
	assets, err := f.fund.Mint(call(bob, t0), fpmath.U(3), bob)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	// 3 * 1501 / 1001 = 4.498..., rounded up
	if assets.Uint64() != 5 {
		t.Errorf("assets: got %d, want 5", assets.Uint64())
	}
	if got := f.fund.BalanceOf(bob).Uint64(); got != 3 {
		t.Errorf("bob shares: got %d, want 3", got)
	}
}

func TestWithdraw_LiquidityReserve(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1_000, t0)
	c := call(alice, t0)

	available, err := f.fund.AvailableLiquidity()
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if got := available.Uint64(); got != 800 {
		t.Fatalf("available: got %d, want 800", got)
	}

	if _, err := f.fund.Withdraw(c, fpmath.U(801), alice, alice); !errors.Is(err, fund.ErrInsufficientLiquidity) {
		t.Errorf("withdraw: got %v, want ErrInsufficientLiquidity", err)
	}
	if _, err := f.fund.Redeem(c, fpmath.U(900), alice, alice); !errors.Is(err, fund.ErrInsufficientLiquidity) {
		t.Errorf("redeem: got %v, want ErrInsufficientLiquidity", err)
	}
	if got := f.fund.BalanceOf(alice).Uint64(); got != 1_000 {
		t.Errorf("failed exits burned shares: got %d, want 1000", got)
	}

	shares, err := f.fund.Withdraw(c, fpmath.U(800), alice, alice)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if shares.Uint64() != 800 {
		t.Errorf("burned: got %d, want 800", shares.Uint64())
	}
	if got := f.base.BalanceOf(alice).Uint64(); got != 800 {
		t.Errorf("alice assets: got %d, want 800", got)
	}
}

func TestLiquidity_ReservePlusAvailableNeverExceedsAssets(t *testing.T) {
	f := newFixture(t)
	for _, amount := range []uint64{1, 3, 7, 999, 1_000_001} {
		f.deposit(t, alice, amount, t0)

		total := f.fund.TotalAssets()
		available, err := f.fund.AvailableLiquidity()
		if err != nil {
			t.Fatalf("available: %v", err)
		}
		reserve, err := f.fund.ReserveRequired()
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		sum := new(uint256.Int).Add(available, reserve)
		if sum.Gt(total) {
			t.Errorf("available+reserve %s exceeds assets %s", sum.Dec(), total.Dec())
		}
	}
}

func TestLiquidity_ReserveOverflowAbortsCall(t *testing.T) {
	f := newFixture(t)
	huge := new(uint256.Int).Div(new(uint256.Int).SetAllOne(), fpmath.U(1_000))
	if err := f.base.Mint(pool, huge); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := f.fund.ReserveRequired(); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("reserve: got %v, want ErrOverflow", err)
	}
	if _, err := f.fund.AvailableLiquidity(); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("available: got %v, want ErrOverflow", err)
	}
	if _, err := f.fund.MaxWithdraw(alice); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("max withdraw: got %v, want ErrOverflow", err)
	}
	if _, err := f.fund.Withdraw(call(alice, t0), fpmath.U(1), alice, alice); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("withdraw: got %v, want ErrOverflow", err)
	}
	_, err := f.fund.DeployCapital(call(manager, t0), startup, t0.Add(time.Hour), tranches(1))
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("deploy: got %v, want ErrOverflow", err)
	}
	if got := f.reg.Len(); got != 0 {
		t.Errorf("escrows: got %d, want 0", got)
	}
}

func TestMaxWithdrawAndRedeem_CappedByLiquidity(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1_000, t0)
	f.deposit(t, bob, 100, t0)

	maxW, _ := f.fund.MaxWithdraw(alice)
	if maxW.Uint64() != 880 {
		t.Errorf("max withdraw: got %d, want 880", maxW.Uint64())
	}
	maxR, _ := f.fund.MaxRedeem(bob)
	if maxR.Uint64() != 100 {
		t.Errorf("max redeem bob: got %d, want 100", maxR.Uint64())
	}

	if _, err := f.fund.Withdraw(call(alice, t0), maxW, alice, alice); err != nil {
		t.Errorf("withdrawing max should succeed: %v", err)
	}
}

func TestRedeem_AllowanceAndShares(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1_000, t0)

	if _, err := f.fund.Redeem(call(bob, t0), fpmath.U(100), bob, alice); !errors.Is(err, fund.ErrInsufficientAllowance) {
		t.Fatalf("got %v, want ErrInsufficientAllowance", err)
	}
	if _, err := f.fund.Redeem(call(alice, t0), fpmath.U(1_001), alice, alice); !errors.Is(err, fund.ErrInsufficientLiquidity) {
		t.Fatalf("got %v, want ErrInsufficientLiquidity", err)
	}

	f.deposit(t, bob, 10_000, t0)
	if _, err := f.fund.Redeem(call(alice, t0), fpmath.U(1_001), alice, alice); !errors.Is(err, fund.ErrInsufficientShares) {
		t.Fatalf("got %v, want ErrInsufficientShares", err)
	}

	if err := f.fund.ApproveShares(call(alice, t0), bob, fpmath.U(150)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	assets, err := f.fund.Redeem(call(bob, t0), fpmath.U(100), bob, alice)
	if err != nil {
		t.Fatalf("redeem on behalf: %v", err)
	}
	if assets.Uint64() != 100 {
		t.Errorf("assets: got %d, want 100", assets.Uint64())
	}
	if got := f.fund.ShareAllowance(alice, bob).Uint64(); got != 50 {
		t.Errorf("allowance: got %d, want 50", got)
	}
	if got := f.fund.BalanceOf(alice).Uint64(); got != 900 {
		t.Errorf("alice shares: got %d, want 900", got)
	}
}

func TestTransferShares(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1_000, t0)

	if err := f.fund.TransferShares(call(alice, t0), bob, fpmath.U(250)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := f.fund.BalanceOf(bob).Uint64(); got != 250 {
		t.Errorf("bob: got %d, want 250", got)
	}
	if err := f.fund.TransferShares(call(bob, t0), alice, fpmath.U(251)); !errors.Is(err, fund.ErrInsufficientShares) {
		t.Errorf("got %v, want ErrInsufficientShares", err)
	}
}

// ============================================================================
// Test: Pause / ownership
// ============================================================================

func TestPause_GatesShareEntryPoints(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1_000, t0)

	if err := f.fund.Pause(call(alice, t0)); !errors.Is(err, guard.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	if err := f.fund.Pause(call(owner, t0)); err != nil {
		t.Fatalf("pause: %v", err)
	}

	c := call(alice, t0)
	if _, err := f.fund.Deposit(c, fpmath.U(1), alice); !errors.Is(err, guard.ErrPaused) {
		t.Errorf("deposit: got %v, want ErrPaused", err)
	}
	if _, err := f.fund.Mint(c, fpmath.U(1), alice); !errors.Is(err, guard.ErrPaused) {
		t.Errorf("mint: got %v, want ErrPaused", err)
	}
	if _, err := f.fund.Withdraw(c, fpmath.U(1), alice, alice); !errors.Is(err, guard.ErrPaused) {
		t.Errorf("withdraw: got %v, want ErrPaused", err)
	}
	if _, err := f.fund.Redeem(c, fpmath.U(1), alice, alice); !errors.Is(err, guard.ErrPaused) {
		t.Errorf("redeem: got %v, want ErrPaused", err)
	}
	if !f.fund.MaxDeposit(alice).IsZero() {
		t.Error("max deposit should be zero while paused")
	}
	if w, _ := f.fund.MaxWithdraw(alice); !w.IsZero() {
		t.Error("max withdraw should be zero while paused")
	}

	if _, err := f.fund.CollectManagementFees(call(bob, t0.Add(time.Hour))); err != nil {
		t.Errorf("fee collection must stay available while paused: %v", err)
	}

	if err := f.fund.Unpause(call(owner, t0)); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := f.fund.Withdraw(call(alice, t0.Add(time.Hour)), fpmath.U(1), alice, alice); err != nil {
		t.Errorf("withdraw after unpause: %v", err)
	}
}

func TestTransferOwnership(t *testing.T) {
	f := newFixture(t)

	if err := f.fund.TransferOwnership(call(owner, t0), bob); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if f.fund.Owner() != bob {
		t.Errorf("owner: got %s, want bob", f.fund.Owner())
	}
	if err := f.fund.Pause(call(owner, t0)); !errors.Is(err, guard.ErrUnauthorized) {
		t.Errorf("old owner: got %v, want ErrUnauthorized", err)
	}
}

// ============================================================================
// Test: Reentrancy and atomicity
// ============================================================================

func TestDeposit_MaliciousTokenReentry(t *testing.T) {
	f := newFixture(t)
	const attacker ledger.Address = "attacker"
	_ = f.base.Mint(attacker, fpmath.U(1_000))
	_ = f.base.Approve(attacker, pool, fpmath.U(1_000))
	f.rec.Drain()

	var nested error
	f.base.SetTransferHook(func(j ledger.Journal) error {
		_, nested = f.fund.Deposit(call(attacker, t0), fpmath.U(1), attacker)
		return nested
	})

	_, err := f.fund.Deposit(call(attacker, t0), fpmath.U(500), attacker)
	if !errors.Is(nested, guard.ErrReentrantCall) {
		t.Fatalf("nested deposit: got %v, want ErrReentrantCall", nested)
	}
	if !errors.Is(err, guard.ErrReentrantCall) {
		t.Fatalf("outer deposit: got %v, want ErrReentrantCall", err)
	}

	if !f.fund.TotalSupply().IsZero() {
		t.Errorf("supply: got %s, want 0", f.fund.TotalSupply().Dec())
	}
	if got := f.base.BalanceOf(attacker).Uint64(); got != 1_000 {
		t.Errorf("attacker assets: got %d, want 1000", got)
	}
	if got := f.base.Allowance(attacker, pool).Uint64(); got != 1_000 {
		t.Errorf("allowance: got %d, want 1000", got)
	}
	if n := len(f.rec.Drain()); n != 0 {
		t.Errorf("failed deposit emitted %d events", n)
	}
}

func TestRedeem_MaliciousTokenReentry(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1_000, t0)

	f.base.SetTransferHook(func(j ledger.Journal) error {
		if j.From != pool {
			return nil
		}
		_, err := f.fund.Redeem(call(alice, t0), fpmath.U(1), alice, alice)
		return err
	})

	if _, err := f.fund.Redeem(call(alice, t0), fpmath.U(100), alice, alice); !errors.Is(err, guard.ErrReentrantCall) {
		t.Fatalf("got %v, want ErrReentrantCall", err)
	}
	if got := f.fund.BalanceOf(alice).Uint64(); got != 1_000 {
		t.Errorf("alice shares: got %d, want 1000", got)
	}
	if got := f.fund.TotalAssets().Uint64(); got != 1_000 {
		t.Errorf("assets: got %d, want 1000", got)
	}
}

func TestConservation_SequenceOfOperations(t *testing.T) {
	f := newFixture(t)
	in, out := uint64(0), uint64(0)

	f.deposit(t, alice, 5_000, t0)
	in += 5_000
	f.deposit(t, bob, 3_000, t0.Add(24*time.Hour))
	in += 3_000

	assets, err := f.fund.Redeem(call(alice, t0.Add(48*time.Hour)), fpmath.U(1_000), alice, alice)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	out += assets.Uint64()

	if _, err := f.fund.CollectManagementFees(call(bob, t0.Add(90*24*time.Hour))); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if _, err := f.fund.Withdraw(call(bob, t0.Add(91*24*time.Hour)), fpmath.U(700), bob, bob); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	out += 700

	if got := f.fund.TotalAssets().Uint64(); got != in-out {
		t.Errorf("pool: got %d, want %d", got, in-out)
	}
	if err := ledger.NewInvariantValidator(f.base.Tracker()).ValidateConservation(); err != nil {
		t.Errorf("base asset: %v", err)
	}
	if err := ledger.NewInvariantValidator(f.fund.Shares().Tracker()).ValidateConservation(); err != nil {
		t.Errorf("shares: %v", err)
	}
}

// ============================================================================
// Test: State
// ============================================================================

func TestStateRestore(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1_000, t0)
	_ = f.base.Mint(pool, fpmath.U(500))
	if _, err := f.fund.CollectPerformanceFees(call(manager, t0)); err != nil {
		t.Fatalf("collect: %v", err)
	}

	g := newFixture(t)
	if err := g.fund.Restore(f.fund.State()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !g.fund.HighWaterMark().Eq(f.fund.HighWaterMark()) {
		t.Errorf("hwm: got %s, want %s", g.fund.HighWaterMark().Dec(), f.fund.HighWaterMark().Dec())
	}
	if !g.fund.TotalSupply().Eq(f.fund.TotalSupply()) {
		t.Errorf("supply: got %s, want %s", g.fund.TotalSupply().Dec(), f.fund.TotalSupply().Dec())
	}
}
