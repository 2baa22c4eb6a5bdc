package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joss/comply/internal/analysis"
	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/history"
	"github.com/joss/comply/internal/kv"
	"github.com/joss/comply/internal/logging"
	"github.com/joss/comply/internal/metrics"
	"github.com/joss/comply/internal/plan"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local)

// gatedStore wraps the in-memory store. A non-nil gate blocks Insert until
// it is closed; insertErr makes Insert fail.
type gatedStore struct {
	*history.Memory
	gate      chan struct{}
	insertErr error
	readErr   error
	inserts   atomic.Int32
}

func newGatedStore() *gatedStore {
	return &gatedStore{Memory: history.NewMemory()}
}

func (g *gatedStore) Insert(ctx context.Context, r domain.CheckRecord) (domain.CheckRecord, error) {
	if g.gate != nil {
		<-g.gate
	}
	g.inserts.Add(1)
	if g.insertErr != nil {
		return domain.CheckRecord{}, g.insertErr
	}
	return g.Memory.Insert(ctx, r)
}

func (g *gatedStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.CheckRecord, error) {
	if g.readErr != nil {
		return nil, g.readErr
	}
	return g.Memory.ListByUser(ctx, userID, limit)
}

func (g *gatedStore) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if g.readErr != nil {
		return 0, g.readErr
	}
	return g.Memory.CountSince(ctx, userID, since)
}

// fakeAnalyzer returns resp or err and counts calls.
type fakeAnalyzer struct {
	mu    sync.Mutex
	resp  *analysis.Response
	err   error
	calls int
	block chan struct{}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, in analysis.Input) (*analysis.Response, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r := *f.resp
	return &r, nil
}

func (f *fakeAnalyzer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func compliantAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{resp: &analysis.Response{
		Status:         "compliant",
		Summary:        "No issues found",
		OverallVerdict: "Good to publish",
	}}
}

func testDeps(store history.Store, a analysis.Analyzer, backend kv.Store) Deps {
	return Deps{
		Analyzer: a,
		Store:    store,
		KV:       backend,
		Plans:    plan.Default(),
		Now:      func() time.Time { return testNow },
		Logger:   logging.New("checker").WithOutput(io.Discard),
		Metrics:  metrics.New(),
	}
}

func newTestChecker(t *testing.T, p plan.Plan, store history.Store, a analysis.Analyzer) (*Checker, *kv.Memory) {
	t.Helper()
	backend := kv.NewMemory()
	c, err := New(Config{UserID: "u1", Plan: p, SessionID: "s1"}, testDeps(store, a, backend))
	require.NoError(t, err)
	c.Mount(context.Background())
	return c, backend
}

// seedMonth inserts n records for u1 created earlier in the test month.
func seedMonth(t *testing.T, store history.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Insert(context.Background(), domain.CheckRecord{
			UserID:        "u1",
			CreatedAt:     testNow.Add(-time.Duration(i+1) * time.Minute),
			ContentText:   fmt.Sprintf("seed %d", i),
			OverallStatus: domain.StatusCompliant,
		})
		require.NoError(t, err)
	}
}

func waitBackground(t *testing.T, c *Checker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

// blockingKV wraps the in-memory backend. Once armed, the next Set of a
// key with prefix signals entered and waits for release.
type blockingKV struct {
	*kv.Memory
	prefix  string
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newBlockingKV(prefix string) *blockingKV {
	return &blockingKV{
		Memory:  kv.NewMemory(),
		prefix:  prefix,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingKV) Set(ctx context.Context, key, value string) error {
	if strings.HasPrefix(key, b.prefix) && b.armed.CompareAndSwap(true, false) {
		close(b.entered)
		<-b.release
	}
	return b.Memory.Set(ctx, key, value)
}

var errBoom = errors.New("boom")
