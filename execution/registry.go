package execution

import (
	"sync"

	"github.com/sigpilot/sigpilot/types"
)

// Registry owns the in-memory Position set. The executor is the only writer;
// lifecycle engines read through List and Get and request changes through
// the executor.
type Registry struct {
	mu        sync.RWMutex
	positions map[int64]*types.Position
	bySignal  map[string][]int64 // signal ID -> open tickets
	closed    []*types.Position  // bounded history of closed positions
}

const closedHistoryCap = 500

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		positions: make(map[int64]*types.Position),
		bySignal:  make(map[string][]int64),
	}
}

// Register adds a freshly filled position.
func (r *Registry) Register(pos *types.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[pos.Ticket] = pos
	r.bySignal[pos.SignalID] = append(r.bySignal[pos.SignalID], pos.Ticket)
}

// Get returns a copy of the position for the ticket.
func (r *Registry) Get(ticket int64) (types.Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[ticket]
	if !ok {
		return types.Position{}, false
	}
	return clonePosition(pos), true
}

// List returns copies of all open positions.
func (r *Registry) List() []types.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Position, 0, len(r.positions))
	for _, pos := range r.positions {
		out = append(out, clonePosition(pos))
	}
	return out
}

// TicketsForSignal returns the open tickets born from a signal.
func (r *Registry) TicketsForSignal(signalID string) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int64(nil), r.bySignal[signalID]...)
}

// TicketsForMessage returns open tickets whose originating message matches.
func (r *Registry) TicketsForMessage(messageID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []int64
	for _, pos := range r.positions {
		if pos.MessageID == messageID {
			out = append(out, pos.Ticket)
		}
	}
	return out
}

// ClosedHistory returns copies of the retained closed positions.
func (r *Registry) ClosedHistory() []types.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Position, 0, len(r.closed))
	for _, pos := range r.closed {
		out = append(out, clonePosition(pos))
	}
	return out
}

// update applies fn to the live position under the registry lock.
func (r *Registry) update(ticket int64, fn func(*types.Position)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.positions[ticket]
	if !ok {
		return false
	}
	fn(pos)
	return true
}

// remap moves a position to a new broker ticket after a partial close.
func (r *Registry) remap(oldTicket, newTicket int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.positions[oldTicket]
	if !ok {
		return
	}
	delete(r.positions, oldTicket)
	pos.Ticket = newTicket
	r.positions[newTicket] = pos

	tickets := r.bySignal[pos.SignalID]
	for i, t := range tickets {
		if t == oldTicket {
			tickets[i] = newTicket
		}
	}
}

// close moves a position out of the open set into bounded history.
func (r *Registry) close(ticket int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.positions[ticket]
	if !ok {
		return
	}
	delete(r.positions, ticket)
	pos.State = types.PositionClosed

	tickets := r.bySignal[pos.SignalID]
	kept := tickets[:0]
	for _, t := range tickets {
		if t != ticket {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(r.bySignal, pos.SignalID)
	} else {
		r.bySignal[pos.SignalID] = kept
	}

	r.closed = append(r.closed, pos)
	if len(r.closed) > closedHistoryCap {
		r.closed = r.closed[len(r.closed)-closedHistoryCap:]
	}
}

func clonePosition(pos *types.Position) types.Position {
	out := *pos
	out.TPPlan = append([]types.TPLevel(nil), pos.TPPlan...)
	if pos.StopLoss != nil {
		v := *pos.StopLoss
		out.StopLoss = &v
	}
	return out
}
