package registry

import (
	"context"
	"sync"
	"testing"
)

func TestBindThenIsShared(t *testing.T) {
	ctx := context.Background()
	r := New(NewFakeStore())

	shared, err := r.IsShared(ctx, "1-2")
	if err != nil {
		t.Fatalf("IsShared: %v", err)
	}
	if shared {
		t.Fatal("unbound device reported shared")
	}

	if err := r.Bind(ctx, "1-2", "Test Device"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	shared, err = r.IsShared(ctx, "1-2")
	if err != nil {
		t.Fatalf("IsShared: %v", err)
	}
	if !shared {
		t.Fatal("bound device reported not shared")
	}
}

func TestBindTwiceFails(t *testing.T) {
	ctx := context.Background()
	r := New(NewFakeStore())
	if err := r.Bind(ctx, "1-2", "Test Device"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := r.Bind(ctx, "1-2", "Test Device"); err != ErrAlreadyShared {
		t.Errorf("second Bind = %v; want ErrAlreadyShared", err)
	}
}

// TestMarkAttachedIsAtomic checks that two concurrent import attempts for
// the same bus id yield exactly one success and one failure.
func TestMarkAttachedIsAtomic(t *testing.T) {
	r := New(NewFakeStore())

	const n = 50
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.MarkAttached("1-2", "client")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if err != ErrAlreadyAttached {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("got %d successful attaches; want exactly 1", successes)
	}
}

func TestMarkDetachedAllowsReattach(t *testing.T) {
	r := New(NewFakeStore())
	if err := r.MarkAttached("1-2", "client-a"); err != nil {
		t.Fatalf("MarkAttached: %v", err)
	}
	r.MarkDetached("1-2")
	if err := r.MarkAttached("1-2", "client-b"); err != nil {
		t.Errorf("MarkAttached after detach: %v", err)
	}
}

func TestUnbindByGUID(t *testing.T) {
	ctx := context.Background()
	r := New(NewFakeStore())
	if err := r.Bind(ctx, "1-2", "Test Device"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	all, err := r.AllShared(ctx)
	if err != nil {
		t.Fatalf("AllShared: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d records; want 1", len(all))
	}

	if err := r.UnbindByGUID(ctx, all[0].GUID); err != nil {
		t.Fatalf("UnbindByGUID: %v", err)
	}
	shared, err := r.IsShared(ctx, "1-2")
	if err != nil {
		t.Fatalf("IsShared: %v", err)
	}
	if shared {
		t.Error("bus id still reported shared after UnbindByGUID")
	}
}

func TestPreseedSkipsAlreadyShared(t *testing.T) {
	ctx := context.Background()
	r := New(NewFakeStore())
	if err := r.Bind(ctx, "1-2", "Test Device"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	existing, err := r.AllShared(ctx)
	if err != nil {
		t.Fatalf("AllShared: %v", err)
	}

	err = r.Preseed(ctx, []ShareRecord{
		{BusID: "1-2", FriendlyName: "Should be skipped"},
		{BusID: "3-4", FriendlyName: "Config Device"},
	})
	if err != nil {
		t.Fatalf("Preseed: %v", err)
	}

	all, err := r.AllShared(ctx)
	if err != nil {
		t.Fatalf("AllShared: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d records; want 2", len(all))
	}
	for _, rec := range all {
		if rec.BusID == "1-2" && rec.GUID != existing[0].GUID {
			t.Error("Preseed overwrote an already-shared record's GUID")
		}
	}
}

func TestPreseedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := New(NewFakeStore())
	recs := []ShareRecord{{BusID: "1-2", FriendlyName: "Config Device"}}

	if err := r.Preseed(ctx, recs); err != nil {
		t.Fatalf("Preseed (first run): %v", err)
	}
	if err := r.Preseed(ctx, recs); err != nil {
		t.Fatalf("Preseed (second run): %v", err)
	}

	all, err := r.AllShared(ctx)
	if err != nil {
		t.Fatalf("AllShared: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d records after repeated Preseed; want 1", len(all))
	}
}
