package urbengine

import "testing"

func TestSubmitThenCompleteRemovesFromInflight(t *testing.T) {
	backend := NewFakeBackend()
	engine := New(backend)

	urb := &Urb{Seqnum: 1, Endpoint: 1, Direction: DirIn, Type: TypeBulk, Buffer: make([]byte, 64)}
	if err := engine.Submit(urb); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	backend.Complete(Completion{Seqnum: 1, Status: 0, ActualLength: 64})
	c := <-engine.Completions()

	got, ok := engine.Complete(c)
	if !ok {
		t.Fatal("Complete reported seqnum not found")
	}
	if got.Seqnum != 1 {
		t.Errorf("got seqnum %d; want 1", got.Seqnum)
	}

	if _, ok := engine.Complete(Completion{Seqnum: 1}); ok {
		t.Error("seqnum 1 should already have been removed")
	}
}

func TestUnlinkBeforeCompletionIsCancelledAndSuppressesLaterCompletion(t *testing.T) {
	backend := NewFakeBackend()
	engine := New(backend)

	urb := &Urb{Seqnum: 7, Endpoint: 2, Direction: DirIn, Type: TypeBulk, Buffer: make([]byte, 64)}
	if err := engine.Submit(urb); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if outcome := engine.Unlink(7); outcome != Cancelled {
		t.Fatalf("Unlink outcome = %v; want Cancelled", outcome)
	}
	if !backend.WasCancelled(7) {
		t.Error("expected backend.Cancel to have been called")
	}

	// The OS still races in a completion for the same seqnum; it must be
	// suppressed so the client never sees both a RET_SUBMIT and a RET_UNLINK.
	backend.Complete(Completion{Seqnum: 7, Status: 0, ActualLength: 64})
	c := <-engine.Completions()
	if _, ok := engine.Complete(c); ok {
		t.Error("completion for an already-unlinked seqnum must be suppressed")
	}
}

func TestUnlinkAfterCompletionReportsAlreadyCompleted(t *testing.T) {
	backend := NewFakeBackend()
	engine := New(backend)

	urb := &Urb{Seqnum: 3, Endpoint: 1, Direction: DirOut, Type: TypeBulk, Buffer: []byte("hi")}
	if err := engine.Submit(urb); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	backend.Complete(Completion{Seqnum: 3, Status: 0, ActualLength: 2})
	c := <-engine.Completions()
	if _, ok := engine.Complete(c); !ok {
		t.Fatal("expected completion to find seqnum 3")
	}

	if outcome := engine.Unlink(3); outcome != AlreadyCompleted {
		t.Errorf("Unlink outcome = %v; want AlreadyCompleted", outcome)
	}
}

func TestUnlinkUnknownSeqnumIsNotFound(t *testing.T) {
	engine := New(NewFakeBackend())
	if outcome := engine.Unlink(99); outcome != NotFound {
		t.Errorf("Unlink outcome = %v; want NotFound", outcome)
	}
}

func TestSubmitOnHaltedEndpointFails(t *testing.T) {
	engine := New(NewFakeBackend())
	engine.SetEndpointHalted(5, DirOut, true)

	urb := &Urb{Seqnum: 1, Endpoint: 5, Direction: DirOut, Type: TypeBulk}
	if err := engine.Submit(urb); err != ErrEndpointHalted {
		t.Errorf("Submit on halted endpoint = %v; want ErrEndpointHalted", err)
	}

	engine.SetEndpointHalted(5, DirOut, false)
	if err := engine.Submit(urb); err != nil {
		t.Errorf("Submit after clear-halt: %v", err)
	}
}

func TestCancelAllDrainsInflight(t *testing.T) {
	backend := NewFakeBackend()
	engine := New(backend)

	for i := uint32(1); i <= 3; i++ {
		if err := engine.Submit(&Urb{Seqnum: i, Endpoint: 1, Direction: DirIn, Type: TypeBulk}); err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
	}

	engine.CancelAll()

	for i := uint32(1); i <= 3; i++ {
		if !backend.WasCancelled(i) {
			t.Errorf("seqnum %d was not cancelled", i)
		}
	}
}
