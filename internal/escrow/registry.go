// internal/escrow/registry.go
package escrow

import (
	"fmt"
	"sort"
	"time"

	"FundLedger/internal/event"
	"FundLedger/internal/guard"
	"FundLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// Registry creates escrows on behalf of one authorized creator and indexes
// them. Scans are linear over every escrow ever created.
type Registry struct {
	token   ledger.Token
	creator ledger.Address
	sink    event.Sink

	next    Handle
	escrows map[Handle]*Escrow
	order   []Handle

	lock guard.Lock
}

func NewRegistry(token ledger.Token, creator ledger.Address, sink event.Sink) (*Registry, error) {
	if creator.IsZero() {
		return nil, fmt.Errorf("registry creator: %w", guard.ErrInvalidAddress)
	}
	if sink == nil {
		sink = event.Discard
	}
	return &Registry{
		token:   token,
		creator: creator,
		sink:    sink,
		next:    1,
		escrows: make(map[Handle]*Escrow),
	}, nil
}

func (r *Registry) Creator() ledger.Address { return r.creator }

// NextHandle is the handle the next successful Create will allocate.
func (r *Registry) NextHandle() Handle { return r.next }

// Create registers an unfunded escrow. The caller becomes its custodian.
func (r *Registry) Create(call guard.Call, recipient ledger.Address, deadline time.Time, tranches []TrancheSpec) (Handle, error) {
	if err := r.lock.Acquire(); err != nil {
		return 0, err
	}
	defer r.lock.Release()

	e, err := r.build(call, recipient, deadline, tranches, r.sink)
	if err != nil {
		return 0, err
	}
	r.register(e)
	return e.handle, nil
}

// CreateAndFund creates an escrow and funds it with the schedule total in
// one step. The caller must have approved NextHandle().Address() for the
// total. If funding fails nothing is registered and no event is emitted.
func (r *Registry) CreateAndFund(call guard.Call, recipient ledger.Address, deadline time.Time, tranches []TrancheSpec) (*Escrow, error) {
	if err := r.lock.Acquire(); err != nil {
		return nil, err
	}
	defer r.lock.Release()

	buf := event.NewBuffer(r.sink)
	e, err := r.build(call, recipient, deadline, tranches, buf)
	if err != nil {
		return nil, err
	}
	if err := e.Fund(call, e.total); err != nil {
		buf.Drop()
		return nil, err
	}

	r.register(e)
	e.sink = r.sink
	buf.Flush()
	return e, nil
}

func (r *Registry) build(call guard.Call, recipient ledger.Address, deadline time.Time, tranches []TrancheSpec, sink event.Sink) (*Escrow, error) {
	if call.Caller != r.creator {
		return nil, fmt.Errorf("%s may not create escrows: %w", call.Caller, ErrUnauthorized)
	}
	if !deadline.After(call.Now) {
		return nil, fmt.Errorf("deadline %s is not after %s: %w", deadline.Format(time.RFC3339), call.Now.Format(time.RFC3339), ErrInvalidDeadline)
	}
	return newEscrow(Params{
		Handle:    r.next,
		Custodian: call.Caller,
		Recipient: recipient,
		Deadline:  deadline,
		Tranches:  tranches,
	}, r.token, sink)
}

func (r *Registry) register(e *Escrow) {
	r.escrows[e.handle] = e
	r.order = append(r.order, e.handle)
	r.next++
	r.sink.Emit(&event.EscrowCreated{
		Escrow:    string(e.Address()),
		Handle:    uint64(e.handle),
		Custodian: string(e.custodian),
		Recipient: string(e.recipient),
		Deadline:  e.deadline,
		Total:     e.total.Clone(),
		Tranches:  len(e.tranches),
	})
}

// === Lookups ===

func (r *Registry) Get(h Handle) (*Escrow, error) {
	e, ok := r.escrows[h]
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", h, ErrEscrowNotFound)
	}
	return e, nil
}

// List returns every handle in creation order.
func (r *Registry) List() []Handle {
	return append([]Handle(nil), r.order...)
}

func (r *Registry) Len() int { return len(r.order) }

func (r *Registry) FindByRecipient(recipient ledger.Address) []Handle {
	return r.filter(func(e *Escrow) bool { return e.recipient == recipient })
}

// ActiveHandles returns escrows still releasable at now.
func (r *Registry) ActiveHandles(now time.Time) []Handle {
	return r.filter(func(e *Escrow) bool {
		return e.Status() == StatusActive && !e.IsExpired(now)
	})
}

// ExpiredHandles returns escrows past their deadline that were never clawed back.
func (r *Registry) ExpiredHandles(now time.Time) []Handle {
	return r.filter(func(e *Escrow) bool {
		return !e.clawedBack && e.IsExpired(now)
	})
}

func (r *Registry) filter(keep func(*Escrow) bool) []Handle {
	var out []Handle
	for _, h := range r.order {
		if keep(r.escrows[h]) {
			out = append(out, h)
		}
	}
	return out
}

// === Batch ===

type ItemResult struct {
	Handle Handle       `json:"handle"`
	Amount *uint256.Int `json:"amount,omitempty"`
	Err    error        `json:"-"`
	Error  string       `json:"error,omitempty"`
}

type BatchResult struct {
	Results   []ItemResult `json:"results"`
	Succeeded int          `json:"succeeded"`
}

func (b BatchResult) Failed() int { return len(b.Results) - b.Succeeded }

// AutoClawbackExpired claws back every expired escrow that still holds an
// unreleased remainder. A failing escrow is recorded and the scan continues.
func (r *Registry) AutoClawbackExpired(call guard.Call) (BatchResult, error) {
	if err := r.lock.Acquire(); err != nil {
		return BatchResult{}, err
	}
	defer r.lock.Release()

	var res BatchResult
	for _, h := range r.ExpiredHandles(call.Now) {
		e := r.escrows[h]
		if !e.funded || e.Unreleased().IsZero() {
			continue
		}

		item := ItemResult{Handle: h}
		amount, err := e.AutoClawback(call)
		if err != nil {
			item.Err = err
			item.Error = err.Error()
		} else {
			item.Amount = amount
			res.Succeeded++
		}
		res.Results = append(res.Results, item)
	}
	return res, nil
}

// === State ===

type RegistryState struct {
	Creator ledger.Address `json:"creator"`
	Next    Handle         `json:"next"`
	Escrows []State        `json:"escrows"`
}

func (r *Registry) State() RegistryState {
	st := RegistryState{Creator: r.creator, Next: r.next, Escrows: make([]State, 0, len(r.order))}
	for _, h := range r.order {
		st.Escrows = append(st.Escrows, r.escrows[h].State())
	}
	return st
}

// Restore replaces the registry contents with st.
func (r *Registry) Restore(st RegistryState) error {
	escrows := make(map[Handle]*Escrow, len(st.Escrows))
	order := make([]Handle, 0, len(st.Escrows))
	for _, es := range st.Escrows {
		if es.Handle == 0 || es.Handle >= st.Next {
			return fmt.Errorf("escrow handle %s outside allocated range [1, %s)", es.Handle, st.Next)
		}
		e, err := restoreEscrow(es, r.token, r.sink)
		if err != nil {
			return err
		}
		escrows[es.Handle] = e
		order = append(order, es.Handle)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	if !st.Creator.IsZero() {
		r.creator = st.Creator
	}
	r.next = st.Next
	if r.next == 0 {
		r.next = 1
	}
	r.escrows = escrows
	r.order = order
	return nil
}
