// Package command defines the inputs accepted by the engine. Every command
// carries its own idempotency key, caller and versioned timestamp.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"FundLedger/internal/escrow"
	"FundLedger/internal/ledger"

	"github.com/holiman/uint256"
)

var (
	ErrUnknownType    = errors.New("unknown command type")
	ErrMissingID      = errors.New("command id is required")
	ErrMissingCaller  = errors.New("command caller is required")
	ErrMissingTime    = errors.New("command timestamp is required")
	ErrMalformedInput = errors.New("malformed command")
)

// Type discriminates commands on the wire, in the log and in metrics.
type Type string

const (
	TypeDeposit                Type = "Deposit"
	TypeMint                   Type = "Mint"
	TypeWithdraw               Type = "Withdraw"
	TypeRedeem                 Type = "Redeem"
	TypeCollectManagementFees  Type = "CollectManagementFees"
	TypeCollectPerformanceFees Type = "CollectPerformanceFees"
	TypePause                  Type = "Pause"
	TypeUnpause                Type = "Unpause"
	TypeTransferOwnership      Type = "TransferOwnership"
	TypeApproveShares          Type = "ApproveShares"
	TypeTransferShares         Type = "TransferShares"
	TypeCreditAsset            Type = "CreditAsset"
	TypeApproveAsset           Type = "ApproveAsset"
	TypeDeployCapital          Type = "DeployCapital"
	TypeReleaseMilestone       Type = "ReleaseMilestone"
	TypeReleaseMilestones      Type = "ReleaseMilestones"
	TypeEmergencyClawback      Type = "EmergencyClawback"
	TypeAutoClawback           Type = "AutoClawback"
	TypeAutoClawbackExpired    Type = "AutoClawbackExpired"
)

var constructors = map[Type]func() Command{
	TypeDeposit:                func() Command { return &Deposit{} },
	TypeMint:                   func() Command { return &Mint{} },
	TypeWithdraw:               func() Command { return &Withdraw{} },
	TypeRedeem:                 func() Command { return &Redeem{} },
	TypeCollectManagementFees:  func() Command { return &CollectManagementFees{} },
	TypeCollectPerformanceFees: func() Command { return &CollectPerformanceFees{} },
	TypePause:                  func() Command { return &Pause{} },
	TypeUnpause:                func() Command { return &Unpause{} },
	TypeTransferOwnership:      func() Command { return &TransferOwnership{} },
	TypeApproveShares:          func() Command { return &ApproveShares{} },
	TypeTransferShares:         func() Command { return &TransferShares{} },
	TypeCreditAsset:            func() Command { return &CreditAsset{} },
	TypeApproveAsset:           func() Command { return &ApproveAsset{} },
	TypeDeployCapital:          func() Command { return &DeployCapital{} },
	TypeReleaseMilestone:       func() Command { return &ReleaseMilestone{} },
	TypeReleaseMilestones:      func() Command { return &ReleaseMilestones{} },
	TypeEmergencyClawback:      func() Command { return &EmergencyClawback{} },
	TypeAutoClawback:           func() Command { return &AutoClawback{} },
	TypeAutoClawbackExpired:    func() Command { return &AutoClawbackExpired{} },
}

// Types returns every known command type, sorted.
func Types() []Type {
	out := make([]Type, 0, len(constructors))
	for t := range constructors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := constructors[t]; !ok {
		return "", fmt.Errorf("%q: %w", s, ErrUnknownType)
	}
	return t, nil
}

// Command is the interface all engine inputs implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// Type returns the discriminator
	Type() Type

	// Caller is the authenticated address the command acts for
	Caller() ledger.Address

	// Timestamp is the versioned input time (NOT wall-clock)
	Timestamp() time.Time

	// Header exposes the shared fields for transports that fill them in
	Header() *Meta
}

// Meta is the header shared by every command.
type Meta struct {
	ID string         `json:"id"`
	By ledger.Address `json:"caller"`
	At time.Time      `json:"timestamp"`
}

func (m *Meta) IdempotencyKey() string { return m.ID }
func (m *Meta) Caller() ledger.Address { return m.By }
func (m *Meta) Timestamp() time.Time   { return m.At }
func (m *Meta) Header() *Meta          { return m }

// Validate checks the header. Payload checks belong to the fund and escrow.
func Validate(c Command) error {
	m := c.Header()
	switch {
	case m.ID == "":
		return ErrMissingID
	case m.By.IsZero():
		return ErrMissingCaller
	case m.At.IsZero():
		return ErrMissingTime
	}
	return nil
}

// New returns an empty command of type t.
func New(t Type) (Command, error) {
	ctor, ok := constructors[t]
	if !ok {
		return nil, fmt.Errorf("%q: %w", t, ErrUnknownType)
	}
	return ctor(), nil
}

// Decode parses a JSON command body of type t.
func Decode(t Type, data []byte) (Command, error) {
	c, err := New(t)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("decode %s: %v: %w", t, err, ErrMalformedInput)
		}
	}
	return c, nil
}

func Encode(c Command) ([]byte, error) {
	return json.Marshal(c)
}

// === Share commands ===

type Deposit struct {
	Meta
	Assets   *uint256.Int   `json:"assets"`
	Receiver ledger.Address `json:"receiver,omitempty"`
}

func (*Deposit) Type() Type { return TypeDeposit }

type Mint struct {
	Meta
	Shares   *uint256.Int   `json:"shares"`
	Receiver ledger.Address `json:"receiver,omitempty"`
}

func (*Mint) Type() Type { return TypeMint }

type Withdraw struct {
	Meta
	Assets   *uint256.Int   `json:"assets"`
	Receiver ledger.Address `json:"receiver,omitempty"`
	Owner    ledger.Address `json:"owner,omitempty"`
}

func (*Withdraw) Type() Type { return TypeWithdraw }

type Redeem struct {
	Meta
	Shares   *uint256.Int   `json:"shares"`
	Receiver ledger.Address `json:"receiver,omitempty"`
	Owner    ledger.Address `json:"owner,omitempty"`
}

func (*Redeem) Type() Type { return TypeRedeem }

type ApproveShares struct {
	Meta
	Spender ledger.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

func (*ApproveShares) Type() Type { return TypeApproveShares }

type TransferShares struct {
	Meta
	To     ledger.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (*TransferShares) Type() Type { return TypeTransferShares }

// === Fee and admin commands ===

type CollectManagementFees struct{ Meta }

func (*CollectManagementFees) Type() Type { return TypeCollectManagementFees }

type CollectPerformanceFees struct{ Meta }

func (*CollectPerformanceFees) Type() Type { return TypeCollectPerformanceFees }

type Pause struct{ Meta }

func (*Pause) Type() Type { return TypePause }

type Unpause struct{ Meta }

func (*Unpause) Type() Type { return TypeUnpause }

type TransferOwnership struct {
	Meta
	NewOwner ledger.Address `json:"new_owner"`
}

func (*TransferOwnership) Type() Type { return TypeTransferOwnership }

// === Base asset commands ===

// CreditAsset books base asset arriving from outside the ledger. Owner only.
type CreditAsset struct {
	Meta
	To     ledger.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (*CreditAsset) Type() Type { return TypeCreditAsset }

type ApproveAsset struct {
	Meta
	Spender ledger.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

func (*ApproveAsset) Type() Type { return TypeApproveAsset }

// === Escrow commands ===

type DeployCapital struct {
	Meta
	Recipient ledger.Address       `json:"recipient"`
	Deadline  time.Time            `json:"deadline"`
	Tranches  []escrow.TrancheSpec `json:"tranches"`
}

func (*DeployCapital) Type() Type { return TypeDeployCapital }

type ReleaseMilestone struct {
	Meta
	Escrow escrow.Handle `json:"escrow"`
	Index  int           `json:"index"`
}

func (*ReleaseMilestone) Type() Type { return TypeReleaseMilestone }

type ReleaseMilestones struct {
	Meta
	Escrow  escrow.Handle `json:"escrow"`
	Indices []int         `json:"indices"`
}

func (*ReleaseMilestones) Type() Type { return TypeReleaseMilestones }

type EmergencyClawback struct {
	Meta
	Escrow escrow.Handle `json:"escrow"`
}

func (*EmergencyClawback) Type() Type { return TypeEmergencyClawback }

type AutoClawback struct {
	Meta
	Escrow escrow.Handle `json:"escrow"`
}

func (*AutoClawback) Type() Type { return TypeAutoClawback }

type AutoClawbackExpired struct{ Meta }

func (*AutoClawbackExpired) Type() Type { return TypeAutoClawbackExpired }
