// Package orderer buffers incoming control and application operations until their
// declared causal dependencies have been delivered, then releases them in an order
// consistent with that partial order (spec §4.E). Grounded on
// original_source/p2panda-group/src/traits/ordering.rs's ForwardSecureOrdering contract and
// generalized from the teacher's internal/queue/message_queue.go buffering idiom (there
// over Redis Streams; here a pure in-memory structure, since causal buffering is part of
// the functional core and owns no I/O).
package orderer

import (
	"sort"

	"github.com/jaydenbeard/spacecore/internal/wire"
)

// Op is one operation flowing through the orderer: an id, the ids of the operations it
// causally depends on, and an opaque payload the caller interprets once delivered.
type Op struct {
	ID           wire.OperationId
	Dependencies []wire.OperationId
	Payload      any
}

// Orderer holds every operation seen but not yet released, plus the set already
// delivered, so a dependency can be checked without replaying history.
type Orderer struct {
	delivered map[wire.OperationId]bool
	buffered  map[wire.OperationId]Op
	ready     []Op
}

// New returns an empty Orderer.
func New() *Orderer {
	return &Orderer{
		delivered: make(map[wire.OperationId]bool),
		buffered:  make(map[wire.OperationId]Op),
	}
}

// SetWelcome establishes the point at which this peer joined the group: priorHistory
// lists every operation id causally before or equal to the welcome operation, which this
// peer already has baked into the group snapshot it was welcomed with. Per
// ForwardSecureOrdering, operations from before the welcome point arriving later (e.g.
// through gossip replay) are silently treated as already delivered rather than re-applied;
// operations concurrent with or after the welcome point are unaffected and queue normally.
func (o *Orderer) SetWelcome(priorHistory []wire.OperationId) {
	for _, id := range priorHistory {
		o.delivered[id] = true
	}
}

// Delivered reports whether id has already been released by TakeNextReady or was marked
// as prior history by SetWelcome.
func (o *Orderer) Delivered(id wire.OperationId) bool {
	return o.delivered[id]
}

// MarkDelivered immediately records id as delivered without going through Queue/
// TakeNextReady, for operations a caller applies locally the instant it creates them
// (the façade in internal/space does this for every operation it originates itself,
// since there is no need to wait on its own causal dependencies a second time).
func (o *Orderer) MarkDelivered(id wire.OperationId) {
	o.delivered[id] = true
}

// Queue admits op into the orderer. If op was already delivered (a duplicate, or subsumed
// by SetWelcome's prior history) it is silently dropped. Otherwise it is buffered until
// every dependency has been delivered, at which point it moves to the ready queue; this
// can cascade and release operations that were waiting transitively on op.
func (o *Orderer) Queue(op Op) {
	if o.delivered[op.ID] {
		return
	}
	if _, already := o.buffered[op.ID]; already {
		return
	}
	o.buffered[op.ID] = op
	o.promoteReady()
}

// TakeNextReady pops and returns the next operation whose dependencies are all satisfied,
// in the order they became ready, or ok=false if nothing is currently ready.
func (o *Orderer) TakeNextReady() (Op, bool) {
	if len(o.ready) == 0 {
		return Op{}, false
	}
	op := o.ready[0]
	o.ready = o.ready[1:]
	o.delivered[op.ID] = true
	delete(o.buffered, op.ID)
	o.promoteReady()
	return op, true
}

// Pending reports how many operations are buffered waiting on a dependency, for callers
// deciding whether to request a resync.
func (o *Orderer) Pending() int {
	return len(o.buffered)
}

// promoteReady scans buffered operations for ones whose dependencies are now entirely
// delivered or already queued as ready, appending newly-satisfied ones to the ready queue
// in a stable pass. It repeats until a full pass finds nothing new, so a chain of
// dependencies queued out of order still cascades into readiness in one Queue call.
func (o *Orderer) promoteReady() {
	readyIDs := make(map[wire.OperationId]bool, len(o.ready))
	for _, op := range o.ready {
		readyIDs[op.ID] = true
	}

	for {
		var newlyReady []Op
		for id, op := range o.buffered {
			if readyIDs[id] {
				continue
			}
			if o.allSatisfied(op.Dependencies, readyIDs) {
				newlyReady = append(newlyReady, op)
			}
		}
		if len(newlyReady) == 0 {
			return
		}
		// Map iteration order is randomized; sort by OperationId ascending so a batch
		// that becomes ready in the same pass still releases in the deterministic
		// order spec §4.E requires, regardless of buffering order.
		sort.Slice(newlyReady, func(i, j int) bool {
			return newlyReady[i].ID.Less(newlyReady[j].ID)
		})
		for _, op := range newlyReady {
			o.ready = append(o.ready, op)
			readyIDs[op.ID] = true
		}
	}
}

func (o *Orderer) allSatisfied(deps []wire.OperationId, readyIDs map[wire.OperationId]bool) bool {
	for _, dep := range deps {
		if o.delivered[dep] || readyIDs[dep] {
			continue
		}
		return false
	}
	return true
}
