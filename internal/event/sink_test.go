package event_test

import (
	"testing"

	"FundLedger/internal/event"

	"github.com/holiman/uint256"
)

func credited(to string, amount uint64) event.Event {
	return &event.AssetCredited{Asset: "USDC", To: to, Amount: uint256.NewInt(amount)}
}

// ============================================================================
// Test: Buffer as a Sink
// ============================================================================

func TestBuffer_NestedSinkFlushesOnCommit(t *testing.T) {
	rec := event.NewRecorder()
	outer := event.NewBuffer(rec)

	var sink event.Sink = outer
	sink.Emit(credited("alice", 1))
	sink.Emit(credited("bob", 2))

	if got := len(rec.Drain()); got != 0 {
		t.Fatalf("got %d events before flush, want 0", got)
	}

	outer.Flush()
	events := rec.Drain()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if got := events[1].(*event.AssetCredited).To; got != "bob" {
		t.Errorf("got %s, want bob", got)
	}
}

func TestBuffer_DropToDiscardsEmitsAfterMark(t *testing.T) {
	rec := event.NewRecorder()
	buf := event.NewBuffer(rec)

	buf.Emit(credited("alice", 1))
	mark := buf.Mark()
	buf.Emit(credited("bob", 2))
	buf.DropTo(mark)
	buf.Flush()

	events := rec.Drain()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if got := events[0].(*event.AssetCredited).To; got != "alice" {
		t.Errorf("got %s, want alice", got)
	}
}

func TestBuffer_DropDiscardsEverything(t *testing.T) {
	rec := event.NewRecorder()
	buf := event.NewBuffer(rec)
	buf.Emit(credited("alice", 1))
	buf.Drop()
	buf.Flush()
	if got := len(rec.Drain()); got != 0 {
		t.Errorf("got %d events, want 0", got)
	}
}

func TestNewBuffer_NilSinkDiscards(t *testing.T) {
	buf := event.NewBuffer(nil)
	buf.Emit(credited("alice", 1))
	buf.Flush()
}
