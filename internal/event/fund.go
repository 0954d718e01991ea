// internal/event/fund.go
package event

import (
	"time"

	"github.com/holiman/uint256"
)

type Deposited struct {
	Fund     string       `json:"fund"`
	Sender   string       `json:"sender"`
	Receiver string       `json:"receiver"`
	Assets   *uint256.Int `json:"assets"`
	Shares   *uint256.Int `json:"shares"`
}

func (e *Deposited) EventType() EventType { return EventTypeDeposited }
func (e *Deposited) Subject() string      { return e.Fund }

type Withdrawn struct {
	Fund     string       `json:"fund"`
	Sender   string       `json:"sender"`
	Receiver string       `json:"receiver"`
	Owner    string       `json:"owner"`
	Assets   *uint256.Int `json:"assets"`
	Shares   *uint256.Int `json:"shares"`
}

func (e *Withdrawn) EventType() EventType { return EventTypeWithdrawn }
func (e *Withdrawn) Subject() string      { return e.Fund }

type ManagementFeeCollected struct {
	Fund      string       `json:"fund"`
	Manager   string       `json:"manager"`
	Elapsed   int64        `json:"elapsed_seconds"`
	FeeAssets *uint256.Int `json:"fee_assets"`
	FeeShares *uint256.Int `json:"fee_shares"`
	At        time.Time    `json:"at"`
}

func (e *ManagementFeeCollected) EventType() EventType { return EventTypeManagementFeeCollected }
func (e *ManagementFeeCollected) Subject() string      { return e.Fund }

type PerformanceFeeCollected struct {
	Fund       string       `json:"fund"`
	Manager    string       `json:"manager"`
	SharePrice *uint256.Int `json:"share_price"`
	FeeShares  *uint256.Int `json:"fee_shares"`
}

func (e *PerformanceFeeCollected) EventType() EventType { return EventTypePerformanceFeeCollected }
func (e *PerformanceFeeCollected) Subject() string      { return e.Fund }

type HighWaterMarkUpdated struct {
	Fund string       `json:"fund"`
	Old  *uint256.Int `json:"old"`
	New  *uint256.Int `json:"new"`
}

func (e *HighWaterMarkUpdated) EventType() EventType { return EventTypeHighWaterMarkUpdated }
func (e *HighWaterMarkUpdated) Subject() string      { return e.Fund }

type PausedChanged struct {
	Fund   string `json:"fund"`
	By     string `json:"by"`
	Paused bool   `json:"paused"`
}

func (e *PausedChanged) EventType() EventType { return EventTypePausedChanged }
func (e *PausedChanged) Subject() string      { return e.Fund }

type OwnershipTransferred struct {
	Fund     string `json:"fund"`
	Previous string `json:"previous"`
	Next     string `json:"next"`
}

func (e *OwnershipTransferred) EventType() EventType { return EventTypeOwnershipTransferred }
func (e *OwnershipTransferred) Subject() string      { return e.Fund }

type CapitalDeployed struct {
	Fund      string       `json:"fund"`
	Escrow    uint64       `json:"escrow"`
	Recipient string       `json:"recipient"`
	Amount    *uint256.Int `json:"amount"`
}

func (e *CapitalDeployed) EventType() EventType { return EventTypeCapitalDeployed }
func (e *CapitalDeployed) Subject() string      { return e.Fund }

type SharesTransferred struct {
	Fund   string       `json:"fund"`
	From   string       `json:"from"`
	To     string       `json:"to"`
	Shares *uint256.Int `json:"shares"`
}

func (e *SharesTransferred) EventType() EventType { return EventTypeSharesTransferred }
func (e *SharesTransferred) Subject() string      { return e.Fund }

// AssetCredited records base asset entering the system from outside.
type AssetCredited struct {
	Asset  string       `json:"asset"`
	To     string       `json:"to"`
	Amount *uint256.Int `json:"amount"`
}

func (e *AssetCredited) EventType() EventType { return EventTypeAssetCredited }
func (e *AssetCredited) Subject() string      { return e.Asset }
