// SPDX-License-Identifier: GPL-2.0-only

// Package server implements the Listener: it binds the USB/IP TCP port,
// constructs a Session per accepted connection,
// and runs everything under one oklog/run.Group alongside the HTTP
// health/metrics side channel, the shape main.go uses for its own
// HTTP-server-plus-signal-watcher group.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benmcmorran/usbipd-win/metrics"
	"github.com/benmcmorran/usbipd-win/session"
)

// Config is everything the Listener needs beyond its session.Deps.
type Config struct {
	Listen     string // USB/IP TCP address, e.g. ":3240"
	HTTPListen string // health/metrics address, e.g. ":3241"; empty disables it
}

// Listener accepts USB/IP TCP connections and runs one Session per
// connection until Run's context is cancelled, at which point every active
// Session is signalled to tear down in an orderly fashion.
type Listener struct {
	cfg     Config
	deps    session.Deps
	logger  log.Logger
	metrics *metrics.Metrics
	reg     *prometheus.Registry
}

// New constructs a Listener. If reg is non-nil and deps.Metrics is nil, a
// fresh Metrics set is registered against reg so every Session shares it.
func New(cfg Config, deps session.Deps, reg *prometheus.Registry) *Listener {
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := deps.Metrics
	if m == nil {
		if reg != nil {
			m = metrics.New(reg)
		} else {
			m = metrics.Nop()
		}
	}
	deps.Logger = logger
	deps.Metrics = m
	return &Listener{cfg: cfg, deps: deps, logger: logger, metrics: m, reg: reg}
}

// Run binds cfg.Listen, accepts connections until ctx is cancelled, and
// blocks until every in-flight Session has torn down. It also serves
// /health and /metrics on cfg.HTTPListen when set, under the same
// run.Group so a failure or shutdown on either side tears both down
// (main.go's run.Group usage, generalized to two server loops).
func (l *Listener) Run(ctx context.Context) error {
	tcpListener, err := net.Listen("tcp", l.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.cfg.Listen, err)
	}

	var g run.Group
	var wg sync.WaitGroup

	g.Add(func() error {
		return l.acceptLoop(ctx, tcpListener, &wg)
	}, func(error) {
		_ = tcpListener.Close()
	})

	if l.cfg.HTTPListen != "" {
		reg := l.reg
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		httpListener, err := net.Listen("tcp", l.cfg.HTTPListen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", l.cfg.HTTPListen, err)
		}
		g.Add(func() error {
			if err := http.Serve(httpListener, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("http server exited unexpectedly: %w", err)
			}
			return nil
		}, func(error) {
			_ = httpListener.Close()
		})
	}

	g.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {})

	err = g.Run()
	wg.Wait()
	return err
}

// acceptLoop is the listener's own run.Group member: it accepts
// connections and spawns a goroutine per Session, tracked by wg so Run can
// wait for every in-flight attachment to tear down before returning.
func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, wg *sync.WaitGroup) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}

		l.metrics.SessionsTotal.Inc()
		l.metrics.SessionsActive.Inc()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.metrics.SessionsActive.Dec()
			sess := session.New(conn, l.deps)
			level.Debug(l.logger).Log("msg", "session started", "remote", conn.RemoteAddr())
			sess.Run(ctx)
			level.Debug(l.logger).Log("msg", "session ended", "remote", conn.RemoteAddr())
		}()
	}
}
