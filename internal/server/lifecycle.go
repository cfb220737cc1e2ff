// Package server runs the process lifecycle of the HTTP server: signal
// handling, request draining and ordered release of named resources.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/arkilian/featureindex/internal/logging"
)

// Options configures a Lifecycle. Zero durations take the defaults.
type Options struct {
	// Timeout bounds the whole stop sequence.
	Timeout time.Duration

	// Drain bounds the wait for in-flight requests.
	Drain time.Duration

	Logger *logging.Logger
}

// DefaultOptions returns the default lifecycle options.
func DefaultOptions() Options {
	return Options{Timeout: 30 * time.Second, Drain: 15 * time.Second}
}

type resource struct {
	name   string
	closer io.Closer
}

// Lifecycle tracks in-flight requests and releases registered resources in
// reverse registration order when stopped.
type Lifecycle struct {
	timeout time.Duration
	drain   time.Duration
	logger  *logging.Logger

	done     chan struct{}
	once     sync.Once
	stopping atomic.Bool
	active   atomic.Int64

	mu        sync.Mutex
	resources []resource
}

// NewLifecycle creates a lifecycle.
func NewLifecycle(opts Options) *Lifecycle {
	d := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	if opts.Drain <= 0 {
		opts.Drain = d.Drain
	}
	return &Lifecycle{
		timeout: opts.Timeout,
		drain:   opts.Drain,
		logger:  logging.OrNoop(opts.Logger),
		done:    make(chan struct{}),
	}
}

// Register adds a resource released by Stop; the store is usually first so
// that it closes last.
func (l *Lifecycle) Register(name string, c io.Closer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resources = append(l.resources, resource{name: name, closer: c})
}

// Wait blocks until SIGINT, SIGTERM, ctx ends or Stop is called elsewhere,
// then stops.
func (l *Lifecycle) Wait(ctx context.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		return l.Stop(context.Background(), "signal "+s.String())
	case <-ctx.Done():
		return l.Stop(context.Background(), "context done")
	case <-l.done:
		return nil
	}
}

// Stop refuses new requests, waits for the active ones and releases every
// resource. Later calls return nil without doing anything.
func (l *Lifecycle) Stop(ctx context.Context, reason string) error {
	var err error
	l.once.Do(func() {
		l.logger.Info("server: stopping", "reason", reason)
		l.stopping.Store(true)
		close(l.done)

		ctx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		var errs []error
		if n := l.waitIdle(ctx); n > 0 {
			errs = append(errs, fmt.Errorf("server: %d in-flight requests still running", n))
		}

		l.mu.Lock()
		resources := l.resources
		l.mu.Unlock()
		for i := len(resources) - 1; i >= 0; i-- {
			r := resources[i]
			if cerr := r.closer.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("server: close %s: %w", r.name, cerr))
				continue
			}
			l.logger.Debug("server: closed", "resource", r.name)
		}
		err = errors.Join(errs...)
	})
	return err
}

// waitIdle polls until no request is active or the drain period ends, and
// returns how many are still running.
func (l *Lifecycle) waitIdle(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, l.drain)
	defer cancel()

	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		n := l.active.Load()
		if n == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return l.active.Load()
		case <-tick.C:
		}
	}
}

// Enter registers a request; false means the server is stopping.
func (l *Lifecycle) Enter() bool {
	if l.stopping.Load() {
		return false
	}
	l.active.Add(1)
	return true
}

// Leave ends a request registered by Enter.
func (l *Lifecycle) Leave() { l.active.Add(-1) }

// Stopping reports whether Stop has begun.
func (l *Lifecycle) Stopping() bool { return l.stopping.Load() }

// Active returns the number of requests in flight.
func (l *Lifecycle) Active() int64 { return l.active.Load() }

// Done is closed when Stop begins.
func (l *Lifecycle) Done() <-chan struct{} { return l.done }

// Guard wraps next so that requests are counted and refused with 503 once
// the lifecycle is stopping.
func (l *Lifecycle) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Enter() {
			w.Header().Set("Connection", "close")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": "server is shutting down", "code": "SHUTTING_DOWN"})
			return
		}
		defer l.Leave()
		next.ServeHTTP(w, r)
	})
}

// HTTPServer returns a closer that shuts srv down within timeout.
func HTTPServer(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }
