package command_test

import (
	"errors"
	"testing"
	"time"

	"FundLedger/internal/command"
	"FundLedger/internal/escrow"
)

// ============================================================================
// Test: Decode
// ============================================================================

func TestDecode_Deposit(t *testing.T) {
	body := []byte(`{"id":"k1","caller":"alice","timestamp":"2024-01-01T00:00:00Z","assets":"1000","receiver":"bob"}`)

	c, err := command.Decode(command.TypeDeposit, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	dep, ok := c.(*command.Deposit)
	if !ok {
		t.Fatalf("got %T, want *command.Deposit", c)
	}
	if got := dep.Assets.Uint64(); got != 1000 {
		t.Errorf("got %d, want 1000", got)
	}
	if dep.Receiver != "bob" || dep.Caller() != "alice" || dep.IdempotencyKey() != "k1" {
		t.Errorf("unexpected header/payload: %+v", dep)
	}
	if err := command.Validate(c); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestDecode_DeployCapital(t *testing.T) {
	body := []byte(`{"id":"k2","caller":"owner","timestamp":"2024-01-01T00:00:00Z",
		"recipient":"builder","deadline":"2024-06-01T00:00:00Z",
		"tranches":[{"amount":"1000","description":"design"},{"amount":"500","description":"build"}]}`)

	c, err := command.Decode(command.TypeDeployCapital, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	dc := c.(*command.DeployCapital)
	if len(dc.Tranches) != 2 {
		t.Fatalf("got %d tranches, want 2", len(dc.Tranches))
	}
	if got := dc.Tranches[1].Amount.Uint64(); got != 500 {
		t.Errorf("got %d, want 500", got)
	}
	if !dc.Deadline.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("deadline: got %v", dc.Deadline)
	}
}

func TestDecode_ReleaseMilestones(t *testing.T) {
	body := []byte(`{"id":"k3","caller":"fund","timestamp":"2024-01-01T00:00:00Z","escrow":3,"indices":[0,2]}`)
	c, err := command.Decode(command.TypeReleaseMilestones, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rm := c.(*command.ReleaseMilestones)
	if rm.Escrow != escrow.Handle(3) || len(rm.Indices) != 2 || rm.Indices[1] != 2 {
		t.Errorf("unexpected payload: %+v", rm)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := command.Decode("Liquidate", nil); !errors.Is(err, command.ErrUnknownType) {
		t.Errorf("got %v, want ErrUnknownType", err)
	}
	if _, err := command.Decode(command.TypeDeposit, []byte(`{"assets":"-1"}`)); !errors.Is(err, command.ErrMalformedInput) {
		t.Errorf("got %v, want ErrMalformedInput", err)
	}
}

// ============================================================================
// Test: Validate / Types
// ============================================================================

func TestValidate_Header(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name string
		meta command.Meta
		want error
	}{
		{"ok", command.Meta{ID: "x", By: "alice", At: at}, nil},
		{"no id", command.Meta{By: "alice", At: at}, command.ErrMissingID},
		{"no caller", command.Meta{ID: "x", At: at}, command.ErrMissingCaller},
		{"no time", command.Meta{ID: "x", By: "alice"}, command.ErrMissingTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &command.Pause{Meta: tt.meta}
			if err := command.Validate(c); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTypes_RoundTrip(t *testing.T) {
	types := command.Types()
	if len(types) != 19 {
		t.Fatalf("got %d types, want 19", len(types))
	}
	for _, typ := range types {
		parsed, err := command.ParseType(string(typ))
		if err != nil {
			t.Errorf("parse %s: %v", typ, err)
			continue
		}
		c, _ := command.New(parsed)
		if c.Type() != typ {
			t.Errorf("got %s, want %s", c.Type(), typ)
		}
	}
}
