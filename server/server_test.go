package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/benmcmorran/usbipd-win/enumerate"
	"github.com/benmcmorran/usbipd-win/filter"
	"github.com/benmcmorran/usbipd-win/metrics"
	"github.com/benmcmorran/usbipd-win/registry"
	"github.com/benmcmorran/usbipd-win/session"
	"github.com/benmcmorran/usbipd-win/urbengine"
	"github.com/benmcmorran/usbipd-win/wire"
)

func TestAcceptLoopRunsASessionPerConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	reg := prometheus.NewRegistry()
	deps := session.Deps{
		Enumerator: &enumerate.Fake{},
		Registry:   registry.New(registry.NewFakeStore()),
		Shim:       &filter.Fake{},
		NewBackend: func(*filter.ClaimedDevice) (urbengine.Backend, error) { return urbengine.NewFakeBackend(), nil },
		Metrics:    metrics.New(reg),
	}
	l := &Listener{deps: deps, metrics: deps.Metrics, logger: log.NewNopLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	acceptErr := make(chan error, 1)
	go func() { acceptErr <- l.acceptLoop(ctx, ln, &wg) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := wire.WriteDevlistRequest(conn); err != nil {
		t.Fatalf("WriteDevlistRequest: %v", err)
	}
	if _, err := wire.ReadDevlistReply(conn); err != nil {
		t.Fatalf("ReadDevlistReply: %v", err)
	}

	if got := testutil.ToFloat64(deps.Metrics.SessionsTotal); got != 1 {
		t.Fatalf("SessionsTotal = %v; want 1", got)
	}

	// acceptLoop only notices ctx is done when Accept itself returns an
	// error; Run's own run.Group interrupt function is what closes the
	// listener on cancellation, so the test does that part by hand.
	cancel()
	_ = ln.Close()
	select {
	case err := <-acceptErr:
		if err != nil {
			t.Fatalf("acceptLoop returned %v; want nil after ctx cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acceptLoop did not return after ctx cancel")
	}
	wg.Wait()
}
