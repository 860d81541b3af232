// Package urbengine implements the per-attachment URB engine: it submits,
// cancels, and completes asynchronous USB transfers on a claimed device,
// multiplexing many in-flight URBs per endpoint and returning replies in
// completion order.
package urbengine

import (
	"sync"

	"github.com/efficientgo/core/errors"
)

// Direction mirrors the wire's direction field.
type Direction uint8

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

// TransferType is the USB transfer type carried by a Urb.
type TransferType uint8

const (
	TypeCtrl TransferType = iota
	TypeBulk
	TypeInt
	TypeIso
)

var ErrEndpointHalted = errors.New("endpoint halted")

// ISOPacketRequest describes one isochronous packet's slice of the buffer on submit.
type ISOPacketRequest struct {
	Offset uint32
	Length uint32
}

// ISOPacketResult is the corresponding per-packet outcome on completion.
type ISOPacketResult struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

// Urb is a single in-flight USB Request Block.
type Urb struct {
	Seqnum     uint32
	Endpoint   uint8
	Direction  Direction
	Type       TransferType
	Setup      [8]byte
	Buffer     []byte // OUT: payload to write; IN: receive buffer sized to transfer_buffer_length
	ISO        []ISOPacketRequest
	StartFrame uint32
	Interval   uint32
	Flags      uint32
}

// Completion is one (seqnum, outcome) event pushed by the backend's
// completion pump, in completion order rather than submission order.
type Completion struct {
	Seqnum       uint32
	Status       int32
	ActualLength uint32
	StartFrame   uint32
	ISO          []ISOPacketResult
}

// UnlinkOutcome is the result of an Unlink call.
type UnlinkOutcome int

const (
	Cancelled UnlinkOutcome = iota
	AlreadyCompleted
	NotFound
)

// Backend issues transfers to the OS driver for a single claimed device and
// drives its own completion pump goroutine, delivering raw results through
// the channel returned by Completions. The backend never consults the
// in-flight map itself — Engine.Complete arbitrates the unlink/completion
// race on dequeue.
type Backend interface {
	// Issue begins urb asynchronously. A nil error means the transfer was
	// accepted by the OS driver; its outcome arrives later on Completions.
	Issue(urb *Urb) error
	// Cancel asks the OS driver to abort the named transfer, best-effort.
	Cancel(seqnum uint32) error
	// Completions is the channel the pump delivers results on.
	Completions() <-chan Completion
	Close() error
}

// Engine owns the in-flight map for one claimed device and multiplexes
// Submit/Unlink calls from the reader task against completions arriving
// from the backend's pump.
type Engine struct {
	backend Backend

	mu       sync.Mutex
	inflight map[uint32]*Urb
	// everSubmitted distinguishes Unlink(NotFound) from Unlink(AlreadyCompleted)
	// for seqnums no longer in inflight; never pruned within a session's
	// lifetime, which is bounded by the attachment's own duration.
	everSubmitted map[uint32]struct{}
	haltedEP      map[epKey]bool
}

type epKey struct {
	endpoint uint8
	dir      Direction
}

// New wraps backend in a fresh Engine with an empty in-flight map.
func New(backend Backend) *Engine {
	return &Engine{
		backend:       backend,
		inflight:      make(map[uint32]*Urb),
		everSubmitted: make(map[uint32]struct{}),
		haltedEP:      make(map[epKey]bool),
	}
}

// Completions exposes the backend's completion channel directly; the
// writer task drains it and calls Complete for each event.
func (e *Engine) Completions() <-chan Completion {
	return e.backend.Completions()
}

// Submit registers urb in the in-flight map and hands it to the backend.
// Called only from the reader task.
func (e *Engine) Submit(urb *Urb) error {
	key := epKey{endpoint: urb.Endpoint, dir: urb.Direction}

	e.mu.Lock()
	if e.haltedEP[key] {
		e.mu.Unlock()
		return ErrEndpointHalted
	}
	e.inflight[urb.Seqnum] = urb
	e.everSubmitted[urb.Seqnum] = struct{}{}
	e.mu.Unlock()

	if err := e.backend.Issue(urb); err != nil {
		e.mu.Lock()
		delete(e.inflight, urb.Seqnum)
		e.mu.Unlock()
		return err
	}
	return nil
}

// Unlink attempts to cancel seqnum. The in-flight map mutex is the single
// arbiter of the unlink/completion race: whichever
// of Unlink or Complete locks first and deletes the entry wins it; the loser
// sees it already gone and its outcome is suppressed or downgraded.
func (e *Engine) Unlink(seqnum uint32) UnlinkOutcome {
	e.mu.Lock()
	_, present := e.inflight[seqnum]
	if present {
		delete(e.inflight, seqnum)
	}
	_, seen := e.everSubmitted[seqnum]
	e.mu.Unlock()

	if !present {
		if seen {
			return AlreadyCompleted
		}
		return NotFound
	}

	// Best-effort; the outcome is already decided by winning the map race.
	_ = e.backend.Cancel(seqnum)
	return Cancelled
}

// Complete is called by the writer task for every event dequeued from
// Completions. If Unlink already removed seqnum from the map, ok is false
// and the writer must discard the event — no RET_SUBMIT is ever sent for it.
func (e *Engine) Complete(c Completion) (urb *Urb, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	urb, ok = e.inflight[c.Seqnum]
	if ok {
		delete(e.inflight, c.Seqnum)
	}
	return urb, ok
}

// SetEndpointHalted records a CLEAR_FEATURE(ENDPOINT_HALT) toggle so
// subsequent Submit calls on that endpoint succeed or fail accordingly.
func (e *Engine) SetEndpointHalted(endpoint uint8, dir Direction, halted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haltedEP[epKey{endpoint: endpoint, dir: dir}] = halted
}

// CancelAll unlinks every currently in-flight urb, used during Session
// teardown. It returns the number of urbs it unlinked, so the caller can
// keep an in-flight gauge accurate.
func (e *Engine) CancelAll() int {
	e.mu.Lock()
	seqnums := make([]uint32, 0, len(e.inflight))
	for s := range e.inflight {
		seqnums = append(seqnums, s)
	}
	e.mu.Unlock()

	for _, s := range seqnums {
		e.Unlink(s)
	}
	return len(seqnums)
}

// Close releases the backend, which must stop its completion pump.
func (e *Engine) Close() error {
	return e.backend.Close()
}
