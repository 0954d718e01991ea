package fund

import (
	"fmt"
	"time"

	"FundLedger/internal/ledger"
	fpmath "FundLedger/internal/math"

	"github.com/holiman/uint256"
)

// State is the serializable form of the fund. The base asset is owned by the
// caller of New and snapshotted separately.
type State struct {
	Owner             ledger.Address    `json:"owner"`
	Manager           ledger.Address    `json:"manager"`
	Paused            bool              `json:"paused"`
	HighWaterMark     *uint256.Int      `json:"high_water_mark"`
	LastFeeCollection int64             `json:"last_fee_collection"`
	Shares            ledger.TokenState `json:"shares"`
}

func (l *Ledger) State() State {
	return State{
		Owner:             l.ownable.Owner(),
		Manager:           l.manager,
		Paused:            l.pausable.Paused(),
		HighWaterMark:     l.highWaterMark.Clone(),
		LastFeeCollection: l.lastFeeCollection,
		Shares:            l.shares.Export(),
	}
}

// Restore replaces the fund state with st.
func (l *Ledger) Restore(st State) error {
	if st.Owner.IsZero() || st.Manager.IsZero() {
		return fmt.Errorf("restore fund: owner and manager required: %w", ErrInvalidConfig)
	}
	if fpmath.IsZero(st.HighWaterMark) {
		return fmt.Errorf("restore fund: high-water mark must be positive: %w", ErrInvalidConfig)
	}
	if err := l.shares.Import(st.Shares); err != nil {
		return fmt.Errorf("restore fund: %w", err)
	}
	l.ownable.Restore(st.Owner)
	l.manager = st.Manager
	l.pausable.SetPaused(st.Paused)
	l.highWaterMark = st.HighWaterMark.Clone()
	l.lastFeeCollection = st.LastFeeCollection
	return nil
}

// View is a point-in-time summary of the fund.
type View struct {
	Address            ledger.Address `json:"address"`
	Asset              string         `json:"asset"`
	ShareSymbol        string         `json:"share_symbol"`
	Owner              ledger.Address `json:"owner"`
	Manager            ledger.Address `json:"manager"`
	Paused             bool           `json:"paused"`
	TotalAssets        *uint256.Int   `json:"total_assets"`
	TotalSupply        *uint256.Int   `json:"total_supply"`
	SharePrice         *uint256.Int   `json:"share_price"`
	HighWaterMark      *uint256.Int   `json:"high_water_mark"`
	ReserveRequired    *uint256.Int   `json:"reserve_required"`
	AvailableLiquidity *uint256.Int   `json:"available_liquidity"`
	PendingFees        *uint256.Int   `json:"pending_management_fees"`
	LastFeeCollection  time.Time      `json:"last_fee_collection"`
	Escrows            int            `json:"escrows"`
}

// Snapshot builds a View, with pending fees evaluated at now.
func (l *Ledger) Snapshot(now time.Time) (View, error) {
	price, err := l.SharePrice()
	if err != nil {
		return View{}, err
	}
	pending, err := l.PendingManagementFees(now)
	if err != nil {
		return View{}, err
	}
	reserve, err := l.ReserveRequired()
	if err != nil {
		return View{}, err
	}
	available, err := l.AvailableLiquidity()
	if err != nil {
		return View{}, err
	}
	v := View{
		Address:            l.cfg.Address,
		Asset:              l.Asset(),
		ShareSymbol:        l.ShareSymbol(),
		Owner:              l.Owner(),
		Manager:            l.manager,
		Paused:             l.Paused(),
		TotalAssets:        l.TotalAssets(),
		TotalSupply:        l.TotalSupply(),
		SharePrice:         price,
		HighWaterMark:      l.HighWaterMark(),
		ReserveRequired:    reserve,
		AvailableLiquidity: available,
		PendingFees:        pending,
		LastFeeCollection:  l.LastFeeCollection(),
	}
	if l.registry != nil {
		v.Escrows = l.registry.Len()
	}
	return v, nil
}
