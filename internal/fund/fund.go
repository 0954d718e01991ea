// internal/fund/fund.go
package fund

import (
	"fmt"
	"time"

	"FundLedger/internal/escrow"
	"FundLedger/internal/event"
	"FundLedger/internal/guard"
	"FundLedger/internal/ledger"
	fpmath "FundLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const (
	ManagementFeeBps    = 200
	PerformanceFeeBps   = 2000
	LiquidityReserveBps = 2000

	// SecondsPerYear is 365.25 days.
	SecondsPerYear = 31_557_600
)

type Config struct {
	// Address is the pool's account on the base asset.
	Address     ledger.Address
	Owner       ledger.Address
	Manager     ledger.Address
	ShareSymbol string

	// Start seeds the management fee clock.
	Start time.Time
}

func (c Config) validate() error {
	switch {
	case c.Address.IsZero():
		return fmt.Errorf("fund address is required: %w", ErrInvalidConfig)
	case c.Owner.IsZero():
		return fmt.Errorf("owner is required: %w", ErrInvalidConfig)
	case c.Manager.IsZero():
		return fmt.Errorf("manager is required: %w", ErrInvalidConfig)
	case c.ShareSymbol == "":
		return fmt.Errorf("share symbol is required: %w", ErrInvalidConfig)
	}
	return nil
}

type Option func(*Ledger)

// WithSink routes committed events to sink.
func WithSink(sink event.Sink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithRegistry enables capital deployment into escrows. The registry's
// creator must be the fund address.
func WithRegistry(r *escrow.Registry) Option {
	return func(l *Ledger) { l.registry = r }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Ledger is the pooled fund. Depositors hold shares of the base asset held at
// cfg.Address; the manager is paid in newly minted shares.
//
// Not safe for concurrent use. Every mutating entry point holds a
// non-blocking lock, so a call made from inside an asset transfer fails with
// guard.ErrReentrantCall.
type Ledger struct {
	cfg      Config
	base     ledger.Token
	shares   *ledger.MemoryToken
	registry *escrow.Registry
	sink     event.Sink
	events   *event.Buffer
	logger   zerolog.Logger

	ownable  guard.Ownable
	pausable guard.Pausable
	lock     guard.Lock
	manager  ledger.Address

	highWaterMark     *uint256.Int
	lastFeeCollection int64 // unix seconds
}

func New(cfg Config, base ledger.Token, opts ...Option) (*Ledger, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ownable, err := guard.NewOwnable(cfg.Owner)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		cfg:               cfg,
		base:              base,
		shares:            ledger.NewMemoryToken(cfg.ShareSymbol),
		sink:              event.Discard,
		logger:            zerolog.Nop(),
		ownable:           ownable,
		manager:           cfg.Manager,
		highWaterMark:     fpmath.WAD.Clone(),
		lastFeeCollection: cfg.Start.Unix(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sink == nil {
		l.sink = event.Discard
	}
	l.events = event.NewBuffer(l.sink)

	if l.registry != nil && l.registry.Creator() != cfg.Address {
		return nil, fmt.Errorf("registry creator %s is not the fund %s: %w", l.registry.Creator(), cfg.Address, ErrInvalidConfig)
	}
	return l, nil
}

// === Transactions ===

type txn struct {
	l         *Ledger
	shareMark int
	base      ledger.Checkpointer
	baseMark  int
	eventMark int
	hwm       *uint256.Int
	lastFee   int64
	paused    bool
	owner     ledger.Address
}

func (l *Ledger) begin() *txn {
	tx := &txn{
		l:         l,
		shareMark: l.shares.Checkpoint(),
		eventMark: l.events.Mark(),
		hwm:       l.highWaterMark.Clone(),
		lastFee:   l.lastFeeCollection,
		paused:    l.pausable.Paused(),
		owner:     l.ownable.Owner(),
	}
	if cp, ok := l.base.(ledger.Checkpointer); ok {
		tx.base = cp
		tx.baseMark = cp.Checkpoint()
	}
	return tx
}

func (tx *txn) commit() {
	tx.l.shares.Commit(tx.shareMark)
	if tx.base != nil {
		tx.base.Commit(tx.baseMark)
	}
	tx.l.events.Flush()
}

func (tx *txn) rollback() {
	l := tx.l
	l.shares.Rollback(tx.shareMark)
	if tx.base != nil {
		tx.base.Rollback(tx.baseMark)
	}
	l.events.DropTo(tx.eventMark)
	l.highWaterMark = tx.hwm
	l.lastFeeCollection = tx.lastFee
	l.pausable.SetPaused(tx.paused)
	l.ownable.Restore(tx.owner)
}

// guarded runs fn under the reentrancy lock inside a transaction. Any error
// rolls back every change fn made, including emitted events.
func (l *Ledger) guarded(pauseGate bool, fn func() error) error {
	if err := l.lock.Acquire(); err != nil {
		return err
	}
	defer l.lock.Release()

	if pauseGate {
		if err := l.pausable.RequireNotPaused(); err != nil {
			return err
		}
	}

	tx := l.begin()
	if err := fn(); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

func (l *Ledger) emit(e event.Event) {
	l.events.Add(e)
}

func (l *Ledger) requireOwnerOrManager(call guard.Call) error {
	if call.Caller == l.manager || l.ownable.IsOwner(call.Caller) {
		return nil
	}
	return fmt.Errorf("%s is neither owner nor manager: %w", call.Caller, guard.ErrUnauthorized)
}

// === Views ===

func (l *Ledger) Address() ledger.Address      { return l.cfg.Address }
func (l *Ledger) Owner() ledger.Address        { return l.ownable.Owner() }
func (l *Ledger) Manager() ledger.Address      { return l.manager }
func (l *Ledger) Paused() bool                 { return l.pausable.Paused() }
func (l *Ledger) Asset() string                { return l.base.Symbol() }
func (l *Ledger) ShareSymbol() string          { return l.shares.Symbol() }
func (l *Ledger) Shares() *ledger.MemoryToken  { return l.shares }
func (l *Ledger) Registry() *escrow.Registry   { return l.registry }
func (l *Ledger) HighWaterMark() *uint256.Int  { return l.highWaterMark.Clone() }
func (l *Ledger) LastFeeCollection() time.Time { return time.Unix(l.lastFeeCollection, 0).UTC() }

// TotalAssets is the pool's base asset holding.
func (l *Ledger) TotalAssets() *uint256.Int {
	return l.base.BalanceOf(l.cfg.Address)
}

func (l *Ledger) TotalSupply() *uint256.Int {
	return l.shares.TotalSupply()
}

func (l *Ledger) BalanceOf(holder ledger.Address) *uint256.Int {
	return l.shares.BalanceOf(holder)
}

func (l *Ledger) ShareAllowance(owner, spender ledger.Address) *uint256.Int {
	return l.shares.Allowance(owner, spender)
}

// SharePrice is assets per share in WAD, or 1.0 for an empty pool.
func (l *Ledger) SharePrice() (*uint256.Int, error) {
	supply := l.TotalSupply()
	if supply.IsZero() {
		return fpmath.WAD.Clone(), nil
	}
	return fpmath.MulDiv(l.TotalAssets(), fpmath.WAD, supply, fpmath.RoundDown)
}

// convertToShares uses virtual offsets of one share and one asset, so an
// empty pool converts 1:1.
func (l *Ledger) convertToShares(assets *uint256.Int, rounding fpmath.RoundingMode) (*uint256.Int, error) {
	supply, err := fpmath.Add(l.TotalSupply(), fpmath.U(1))
	if err != nil {
		return nil, err
	}
	total, err := fpmath.Add(l.TotalAssets(), fpmath.U(1))
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(assets, supply, total, rounding)
}

func (l *Ledger) convertToAssets(shares *uint256.Int, rounding fpmath.RoundingMode) (*uint256.Int, error) {
	supply, err := fpmath.Add(l.TotalSupply(), fpmath.U(1))
	if err != nil {
		return nil, err
	}
	total, err := fpmath.Add(l.TotalAssets(), fpmath.U(1))
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(shares, total, supply, rounding)
}

func (l *Ledger) ConvertToShares(assets *uint256.Int) (*uint256.Int, error) {
	return l.convertToShares(fpmath.OrZero(assets), fpmath.RoundDown)
}

func (l *Ledger) ConvertToAssets(shares *uint256.Int) (*uint256.Int, error) {
	return l.convertToAssets(fpmath.OrZero(shares), fpmath.RoundDown)
}

// Previews are evaluated against current state; fees pending since the last
// collection are not applied.
func (l *Ledger) PreviewDeposit(assets *uint256.Int) (*uint256.Int, error) {
	return l.convertToShares(fpmath.OrZero(assets), fpmath.RoundDown)
}

func (l *Ledger) PreviewMint(shares *uint256.Int) (*uint256.Int, error) {
	return l.convertToAssets(fpmath.OrZero(shares), fpmath.RoundUp)
}

func (l *Ledger) PreviewWithdraw(assets *uint256.Int) (*uint256.Int, error) {
	return l.convertToShares(fpmath.OrZero(assets), fpmath.RoundUp)
}

func (l *Ledger) PreviewRedeem(shares *uint256.Int) (*uint256.Int, error) {
	return l.convertToAssets(fpmath.OrZero(shares), fpmath.RoundDown)
}

// ReserveRequired is the part of the pool withheld from withdrawals.
func (l *Ledger) ReserveRequired() (*uint256.Int, error) {
	reserve, err := fpmath.MulBps(l.TotalAssets(), LiquidityReserveBps)
	if err != nil {
		return nil, fmt.Errorf("liquidity reserve: %w", err)
	}
	return reserve, nil
}

// AvailableLiquidity is total assets minus the reserve, floored at zero.
func (l *Ledger) AvailableLiquidity() (*uint256.Int, error) {
	assets := l.TotalAssets()
	reserve, err := l.ReserveRequired()
	if err != nil {
		return nil, err
	}
	if reserve.Gt(assets) {
		return fpmath.Zero(), nil
	}
	return new(uint256.Int).Sub(assets, reserve), nil
}

func maxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

func (l *Ledger) MaxDeposit(ledger.Address) *uint256.Int {
	if l.Paused() {
		return fpmath.Zero()
	}
	return maxUint256()
}

func (l *Ledger) MaxMint(ledger.Address) *uint256.Int {
	if l.Paused() {
		return fpmath.Zero()
	}
	return maxUint256()
}

// MaxWithdraw caps the owner's entitlement at available liquidity.
func (l *Ledger) MaxWithdraw(owner ledger.Address) (*uint256.Int, error) {
	if l.Paused() {
		return fpmath.Zero(), nil
	}
	entitled, err := l.convertToAssets(l.BalanceOf(owner), fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	available, err := l.AvailableLiquidity()
	if err != nil {
		return nil, err
	}
	return fpmath.Min(entitled, available), nil
}

// MaxRedeem caps the owner's shares at available liquidity in share units.
func (l *Ledger) MaxRedeem(owner ledger.Address) (*uint256.Int, error) {
	if l.Paused() {
		return fpmath.Zero(), nil
	}
	available, err := l.AvailableLiquidity()
	if err != nil {
		return nil, err
	}
	liquid, err := l.convertToShares(available, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	return fpmath.Min(l.BalanceOf(owner), liquid), nil
}
