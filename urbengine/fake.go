package urbengine

import "sync"

// FakeBackend is an in-memory Backend for tests: Issue records the urb and
// waits for the test to push a completion via Complete, or Cancel to drop
// it, mirroring enumerate.Fake and filter.Fake.
type FakeBackend struct {
	mu        sync.Mutex
	completed chan Completion
	issued    map[uint32]*Urb
	cancelled map[uint32]bool
	IssueErr  error
	closed    bool
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		completed: make(chan Completion, 16),
		issued:    make(map[uint32]*Urb),
		cancelled: make(map[uint32]bool),
	}
}

func (f *FakeBackend) Issue(urb *Urb) error {
	if f.IssueErr != nil {
		return f.IssueErr
	}
	f.mu.Lock()
	f.issued[urb.Seqnum] = urb
	f.mu.Unlock()
	return nil
}

func (f *FakeBackend) Cancel(seqnum uint32) error {
	f.mu.Lock()
	f.cancelled[seqnum] = true
	f.mu.Unlock()
	return nil
}

func (f *FakeBackend) Completions() <-chan Completion { return f.completed }

func (f *FakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		close(f.completed)
		f.closed = true
	}
	return nil
}

// Complete pushes a completion for a test to simulate the OS finishing urb.
func (f *FakeBackend) Complete(c Completion) {
	f.completed <- c
}

// WasCancelled reports whether Cancel was ever called for seqnum.
func (f *FakeBackend) WasCancelled(seqnum uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[seqnum]
}

// WasIssued reports whether Issue was ever called for seqnum.
func (f *FakeBackend) WasIssued(seqnum uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.issued[seqnum]
	return ok
}
