package checker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/comply/internal/analysis"
	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/history"
	"github.com/joss/comply/internal/kv"
	"github.com/joss/comply/internal/plan"
)

func TestNewValidatesDeps(t *testing.T) {
	deps := testDeps(history.NewMemory(), compliantAnalyzer(), kv.NewMemory())

	_, err := New(Config{UserID: ""}, deps)
	assert.Error(t, err)

	d := deps
	d.Analyzer = nil
	_, err = New(Config{UserID: "u1"}, d)
	assert.Error(t, err)

	d = deps
	d.Store = nil
	_, err = New(Config{UserID: "u1"}, d)
	assert.Error(t, err)
}

func TestProfessionalReachesLimit(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	seedMonth(t, store, 29)
	a := compliantAnalyzer()
	c, _ := newTestChecker(t, plan.Professional, store, a)

	require.Equal(t, 29, c.Usage().ChecksUsedThisMonth)

	_, err := c.RunCheck(ctx, Request{Content: "Spring sale, 20% off", Platform: "instagram"})
	require.NoError(t, err)
	waitBackground(t, c)

	u := c.Usage()
	assert.Equal(t, 30, u.ChecksUsedThisMonth)
	assert.True(t, u.IsAtLimit)
	assert.Equal(t, 0, u.ChecksRemaining)

	_, err = c.RunCheck(ctx, Request{Content: "Another post"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	var qe *QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, plan.Limit(30), qe.Limit)
	assert.Equal(t, 30, qe.Used)

	assert.Equal(t, 30, c.Usage().ChecksUsedThisMonth)
	assert.Equal(t, 1, a.Calls(), "analysis must not run when at limit")
	assert.Equal(t, StateComplete, c.State(), "quota rejection must not change state")
}

func TestQuotaRejectionLeavesStateUntouched(t *testing.T) {
	store := newGatedStore()
	seedMonth(t, store, 3)
	c, backend := newTestChecker(t, plan.Free, store, compliantAnalyzer())
	before := backend.Len()

	_, err := c.RunCheck(context.Background(), Request{Content: "x"})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.Content)
	assert.Equal(t, before, backend.Len(), "cache must not be invalidated")
	assert.Equal(t, int64(1), c.metrics.QuotaRejections.Load())
}

func TestUltraNeverAtLimit(t *testing.T) {
	store := newGatedStore()
	seedMonth(t, store, 40)
	c, _ := newTestChecker(t, plan.Ultra, store, compliantAnalyzer())

	_, err := c.RunCheck(context.Background(), Request{Content: "Post"})
	require.NoError(t, err)
	waitBackground(t, c)

	u := c.Usage()
	assert.Equal(t, 41, u.ChecksUsedThisMonth)
	assert.False(t, u.IsAtLimit)
	assert.Equal(t, -1, u.ChecksRemaining)
}

func TestUnknownPlanUsesLowestTier(t *testing.T) {
	store := newGatedStore()
	seedMonth(t, store, 3)
	c, _ := newTestChecker(t, "trial-beta", store, compliantAnalyzer())

	assert.Equal(t, plan.Default().MonthlyLimit(plan.Free), c.Usage().PlanLimit)

	_, err := c.RunCheck(context.Background(), Request{Content: "Post"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestNonCompliantScore(t *testing.T) {
	a := &fakeAnalyzer{resp: &analysis.Response{
		Status:         "Non-Compliant",
		Summary:        "Misleading claims",
		OverallVerdict: "Rewrite",
		Issues: []domain.Issue{
			{Finding: "cure claim", Severity: domain.SeverityCritical},
			{Finding: "no disclosure", Severity: domain.SeverityWarning},
			{Finding: "vague pricing", Severity: domain.SeverityWarning},
		},
	}}
	c, _ := newTestChecker(t, plan.Starter, newGatedStore(), a)

	rec, err := c.RunCheck(context.Background(), Request{Content: "Cures everything"})
	require.NoError(t, err)
	waitBackground(t, c)

	assert.Equal(t, domain.StatusNonCompliant, rec.OverallStatus)
	assert.Equal(t, 55, rec.ComplianceScore)
	assert.Len(t, rec.Result.Issues, 3)
}

func TestWarningNormalizedToRequiresReview(t *testing.T) {
	a := &fakeAnalyzer{resp: &analysis.Response{Status: "warning", Summary: "s", OverallVerdict: "v"}}
	c, _ := newTestChecker(t, plan.Starter, newGatedStore(), a)

	rec, err := c.RunCheck(context.Background(), Request{Content: "Post"})
	require.NoError(t, err)
	waitBackground(t, c)

	assert.Equal(t, domain.StatusRequiresReview, rec.OverallStatus)
	assert.Equal(t, domain.StatusRequiresReview, rec.Result.Status)
	assert.Equal(t, 70, rec.ComplianceScore)
}

func TestAnalysisFailureCommitsNothing(t *testing.T) {
	store := newGatedStore()
	seedMonth(t, store, 2)
	a := &fakeAnalyzer{err: errBoom}
	c, backend := newTestChecker(t, plan.Starter, store, a)
	cached := backend.Len()

	_, err := c.RunCheck(context.Background(), Request{Content: "Post"})

	var ae *AnalysisError
	require.True(t, errors.As(err, &ae))
	assert.ErrorIs(t, err, errBoom)

	snap := c.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.NotEmpty(t, snap.Error)
	assert.Nil(t, snap.Result)
	assert.Equal(t, 2, snap.Usage.ChecksUsedThisMonth)
	assert.Len(t, snap.History, 2)
	assert.Equal(t, cached, backend.Len(), "no cache invalidation on failure")
	assert.Equal(t, int32(0), store.inserts.Load())

	_, ok := c.session.Restore(context.Background())
	assert.False(t, ok, "failed check must not be persisted")
}

func TestMalformedStatusIsAnalysisFailure(t *testing.T) {
	a := &fakeAnalyzer{resp: &analysis.Response{Status: "perhaps", Summary: "s", OverallVerdict: "v"}}
	c, _ := newTestChecker(t, plan.Starter, newGatedStore(), a)

	_, err := c.RunCheck(context.Background(), Request{Content: "Post"})
	assert.ErrorIs(t, err, domain.ErrUnknownStatus)
	assert.Equal(t, StateError, c.State())
}

func TestOffTopicIsError(t *testing.T) {
	a := &fakeAnalyzer{resp: &analysis.Response{Status: "not_applicable", Summary: "s", OverallVerdict: "v"}}
	c, _ := newTestChecker(t, plan.Starter, newGatedStore(), a)

	rec, err := c.RunCheck(context.Background(), Request{Content: "What is the capital of France?"})
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrOffTopic)

	var ae *AnalysisError
	assert.True(t, errors.As(err, &ae))

	snap := c.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, Message(err), snap.Error)
	assert.Empty(t, snap.History)
	assert.Equal(t, int64(1), c.metrics.OffTopic.Load())
}

func TestEmptyContent(t *testing.T) {
	a := compliantAnalyzer()
	c, _ := newTestChecker(t, plan.Starter, newGatedStore(), a)

	_, err := c.RunCheck(context.Background(), Request{Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Equal(t, 0, a.Calls())
	assert.Equal(t, StateIdle, c.State())
}

func TestImageOnlyCheck(t *testing.T) {
	c, _ := newTestChecker(t, plan.Starter, newGatedStore(), compliantAnalyzer())

	rec, err := c.RunCheck(context.Background(), Request{Image: &domain.Image{Base64: "AA", MimeType: "image/png"}})
	require.NoError(t, err)
	waitBackground(t, c)

	assert.Equal(t, domain.ContentImage, rec.ContentType)
	assert.Equal(t, "general", rec.Platform)
}

func TestBusyWhileAnalyzing(t *testing.T) {
	a := compliantAnalyzer()
	a.block = make(chan struct{})
	c, _ := newTestChecker(t, plan.Starter, newGatedStore(), a)

	done := make(chan error, 1)
	go func() {
		_, err := c.RunCheck(context.Background(), Request{Content: "first"})
		done <- err
	}()
	require.Eventually(t, func() bool { return c.State() == StateAnalyzing }, time.Second, time.Millisecond)

	_, err := c.RunCheck(context.Background(), Request{Content: "second"})
	assert.ErrorIs(t, err, ErrBusy)

	close(a.block)
	require.NoError(t, <-done)
	waitBackground(t, c)
	assert.Equal(t, 1, c.Usage().ChecksUsedThisMonth)
}

func TestSessionSurvivesRemount(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	backend := kv.NewMemory()
	deps := testDeps(store, compliantAnalyzer(), backend)
	cfg := Config{UserID: "u1", Plan: plan.Starter, SessionID: "tab-1"}

	first, err := New(cfg, deps)
	require.NoError(t, err)
	first.Mount(ctx)
	rec, err := first.RunCheck(ctx, Request{Content: "Limited offer"})
	require.NoError(t, err)
	waitBackground(t, first)

	second, err := New(cfg, deps)
	require.NoError(t, err)
	second.Mount(ctx)

	snap := second.Snapshot()
	assert.Equal(t, StateComplete, snap.State)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "Limited offer", snap.Content)
	assert.Equal(t, rec.ContentText, snap.Result.ContentText)
	assert.False(t, snap.Result.IsProvisional(), "reconciled id should be persisted")

	second.Reset(ctx)
	assert.Equal(t, StateIdle, second.State())

	third, err := New(cfg, deps)
	require.NoError(t, err)
	third.Mount(ctx)
	assert.Equal(t, StateIdle, third.State(), "reset must clear the persisted result")
	assert.Nil(t, third.Snapshot().Result)
}

func TestResetFromError(t *testing.T) {
	c, _ := newTestChecker(t, plan.Starter, newGatedStore(), &fakeAnalyzer{err: errBoom})

	_, err := c.RunCheck(context.Background(), Request{Content: "x"})
	require.Error(t, err)

	c.Reset(context.Background())
	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Error)
}

func TestMountLoadFailureIsSwallowed(t *testing.T) {
	store := newGatedStore()
	seedMonth(t, store, 2)
	store.readErr = errBoom

	c, _ := newTestChecker(t, plan.Starter, store, compliantAnalyzer())

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, 0, snap.Usage.ChecksUsedThisMonth)
	assert.Empty(t, snap.History)
}

func TestMountPrefersCache(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	seedMonth(t, store, 1)
	backend := kv.NewMemory()
	deps := testDeps(store, compliantAnalyzer(), backend)
	cfg := Config{UserID: "u1", Plan: plan.Starter}

	first, err := New(cfg, deps)
	require.NoError(t, err)
	first.Mount(ctx)

	seedMonth(t, store, 1)

	second, err := New(cfg, deps)
	require.NoError(t, err)
	second.Mount(ctx)
	assert.Equal(t, 1, second.Usage().ChecksUsedThisMonth, "fresh cache entry should be served")

	require.NoError(t, second.Refresh(ctx))
	assert.Equal(t, 2, second.Usage().ChecksUsedThisMonth)
	assert.Len(t, second.History(), 2)
}

func TestMessage(t *testing.T) {
	assert.Empty(t, Message(nil))
	assert.Contains(t, Message(&QuotaError{Plan: plan.Free, Limit: 3, Used: 3}), "3 checks")
	assert.Contains(t, Message(&AnalysisError{Err: ErrOffTopic}), "marketing")
	assert.Contains(t, Message(&AnalysisError{Err: context.Canceled}), "interrupted")
	assert.Contains(t, Message(errBoom), "failed")
}

func TestEmptyAnalysisResponseIsMalformed(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	calls := 0
	a := analysis.Func(func(context.Context, analysis.Input) (*analysis.Response, error) {
		calls++
		if calls == 1 {
			return nil, nil
		}
		return &analysis.Response{Status: "compliant", Summary: "s", OverallVerdict: "v"}, nil
	})
	c, _ := newTestChecker(t, plan.Free, store, a)

	rec, err := c.RunCheck(ctx, Request{Content: "Post"})
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, analysis.ErrMalformed)
	var ae *AnalysisError
	assert.True(t, errors.As(err, &ae))
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, 0, c.Usage().ChecksUsedThisMonth)

	_, err = c.RunCheck(ctx, Request{Content: "Post"})
	require.NoError(t, err, "checker must not stay busy after an empty response")
	waitBackground(t, c)
	assert.Equal(t, 1, c.Usage().ChecksUsedThisMonth)
}

func TestAnalyzerPanicIsAnalysisFailure(t *testing.T) {
	ctx := context.Background()
	a := analysis.Func(func(context.Context, analysis.Input) (*analysis.Response, error) {
		panic("upstream decoder exploded")
	})
	c, _ := newTestChecker(t, plan.Free, newGatedStore(), a)

	for i := 0; i < 4; i++ {
		_, err := c.RunCheck(ctx, Request{Content: "Post"})
		var ae *AnalysisError
		require.True(t, errors.As(err, &ae), "attempt %d: %v", i, err)
		assert.ErrorContains(t, err, "upstream decoder exploded")
	}
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, 0, c.Usage().ChecksUsedThisMonth, "failed checks must give back their reservation")
}

func TestResetDuringReconcileStaysCleared(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	backend := newBlockingKV("history:")
	deps := testDeps(store, compliantAnalyzer(), backend)
	cfg := Config{UserID: "u1", Plan: plan.Starter, SessionID: "tab-1"}

	c, err := New(cfg, deps)
	require.NoError(t, err)
	c.Mount(ctx)
	backend.armed.Store(true)

	_, err = c.RunCheck(ctx, Request{Content: "Limited offer"})
	require.NoError(t, err)

	// reconciliation has restamped the result and is writing the cache
	<-backend.entered
	c.Reset(ctx)
	close(backend.release)
	waitBackground(t, c)

	assert.Equal(t, StateIdle, c.State())
	_, ok := c.session.Restore(ctx)
	assert.False(t, ok, "reconciliation must not resurrect a reset session")

	again, err := New(cfg, deps)
	require.NoError(t, err)
	again.Mount(ctx)
	assert.Equal(t, StateIdle, again.State())
	assert.Nil(t, again.Snapshot().Result)
}

func TestHistoryCacheIsSharedAcrossPlans(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	seedMonth(t, store, 8)
	backend := kv.NewMemory()
	deps := testDeps(store, compliantAnalyzer(), backend)

	starter, err := New(Config{UserID: "u1", Plan: plan.Starter}, deps)
	require.NoError(t, err)
	starter.Mount(ctx)
	require.Len(t, starter.History(), 8)

	// a shallower plan is served from the deeper entry, capped
	free, err := New(Config{UserID: "u1", Plan: plan.Free}, deps)
	require.NoError(t, err)
	free.Mount(ctx)
	assert.Len(t, free.History(), 5)
	assert.Equal(t, starter.History()[:5], free.History())

	target := starter.History()[0]
	require.NoError(t, starter.DeleteCheck(ctx, target.ID))

	after, err := New(Config{UserID: "u1", Plan: plan.Free}, deps)
	require.NoError(t, err)
	after.Mount(ctx)
	hist := after.History()
	require.Len(t, hist, 5)
	for _, r := range hist {
		assert.NotEqual(t, target.ID, r.ID, "deleted check served from another plan's cache")
	}
	assert.Equal(t, 7, after.Usage().ChecksUsedThisMonth)
}

func TestShallowHistoryEntryIsRefetchedForDeeperPlan(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	seedMonth(t, store, 8)
	backend := kv.NewMemory()
	deps := testDeps(store, compliantAnalyzer(), backend)

	free, err := New(Config{UserID: "u1", Plan: plan.Free}, deps)
	require.NoError(t, err)
	free.Mount(ctx)
	require.Len(t, free.History(), 5)

	starter, err := New(Config{UserID: "u1", Plan: plan.Starter}, deps)
	require.NoError(t, err)
	starter.Mount(ctx)
	assert.Len(t, starter.History(), 8)
}
