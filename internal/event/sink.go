package event

// Sink receives events once the operation that raised them has committed.
type Sink interface {
	Emit(e Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Recorder collects events in order until drained. The engine installs one
// per process and drains it after each command.
type Recorder struct {
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(e Event) {
	r.events = append(r.events, e)
}

// Drain returns the collected events and resets the recorder.
func (r *Recorder) Drain() []Event {
	out := r.events
	r.events = nil
	return out
}

// Reset drops collected events.
func (r *Recorder) Reset() {
	r.events = nil
}

// Buffer holds events raised inside one operation. Flush forwards them to the
// sink on commit; Drop discards them on rollback.
type Buffer struct {
	sink    Sink
	pending []Event
}

func NewBuffer(sink Sink) *Buffer {
	if sink == nil {
		sink = Discard
	}
	return &Buffer{sink: sink}
}

func (b *Buffer) Add(e Event) {
	b.pending = append(b.pending, e)
}

// Emit buffers e, so a Buffer can stand in for the sink of a nested operation.
func (b *Buffer) Emit(e Event) { b.Add(e) }

// Mark returns the current buffer position.
func (b *Buffer) Mark() int {
	return len(b.pending)
}

// DropTo discards events added after mark.
func (b *Buffer) DropTo(mark int) {
	if mark < len(b.pending) {
		b.pending = b.pending[:mark]
	}
}

func (b *Buffer) Flush() {
	for _, e := range b.pending {
		b.sink.Emit(e)
	}
	b.pending = nil
}

func (b *Buffer) Drop() {
	b.pending = nil
}
