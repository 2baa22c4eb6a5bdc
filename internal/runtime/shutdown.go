// Package runtime coordinates process shutdown: draining background
// reconciliation, stopping the HTTP server and closing stores.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joss/comply/internal/logging"
)

// ShutdownFunc is a cleanup step run during shutdown.
type ShutdownFunc func(ctx context.Context) error

// DefaultShutdownTimeout bounds all cleanup steps together.
const DefaultShutdownTimeout = 30 * time.Second

type namedHandler struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager runs registered cleanup steps once, last registered
// first, so that something opened early (the database) is closed after the
// things that use it (the checkers) have drained.
type ShutdownManager struct {
	mu       sync.Mutex
	handlers []namedHandler
	timeout  time.Duration
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewShutdownManager creates a manager. A non-positive timeout uses
// DefaultShutdownTimeout.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{
		timeout: timeout,
		log:     logging.New("shutdown"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// WithLogger replaces the manager's logger.
func (m *ShutdownManager) WithLogger(l *logging.Logger) *ShutdownManager {
	m.log = l
	return m
}

// Register adds a cleanup step.
func (m *ShutdownManager) Register(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, namedHandler{name: name, fn: fn})
}

// RegisterCloser registers a Close method that takes no context.
func (m *ShutdownManager) RegisterCloser(name string, close func() error) {
	m.Register(name, func(context.Context) error { return close() })
}

// Context is cancelled when shutdown begins.
func (m *ShutdownManager) Context() context.Context {
	return m.ctx
}

// Done is closed once every step has run or the timeout expired.
func (m *ShutdownManager) Done() <-chan struct{} {
	return m.done
}

// ListenForSignals triggers Shutdown on SIGINT or SIGTERM.
func (m *ShutdownManager) ListenForSignals() {
	sigCtx, stop := signal.NotifyContext(m.ctx, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer stop()
		<-sigCtx.Done()
		if m.ctx.Err() == nil {
			m.log.Info("signal_received", nil)
			m.Shutdown()
		}
	}()
}

// Shutdown runs the cleanup steps. Later calls return the first result.
func (m *ShutdownManager) Shutdown() error {
	m.once.Do(func() {
		m.err = m.run()
		close(m.done)
	})
	return m.err
}

func (m *ShutdownManager) run() error {
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	handlers := append([]namedHandler(nil), m.handlers...)
	m.mu.Unlock()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: skipped: %w", h.name, ctx.Err()))
			continue
		}
		start := time.Now()
		err := m.call(ctx, h)
		m.log.TimedEvent("step", start, map[string]interface{}{"step": h.name}, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

// call runs one step, giving up when ctx expires even if the step does not
// watch ctx itself.
func (m *ShutdownManager) call(ctx context.Context, h namedHandler) error {
	result := make(chan error, 1)
	logging.SafeGo("shutdown."+h.name, func() {
		result <- h.fn(ctx)
	})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
