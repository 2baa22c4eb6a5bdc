// Package checker is the compliance-check orchestrator. It runs a check
// through the analysis function, enforces the monthly quota, applies an
// optimistic update to local usage and history, and reconciles that
// update with the durable store in the background.
package checker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/joss/comply/internal/analysis"
	"github.com/joss/comply/internal/cache"
	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/history"
	"github.com/joss/comply/internal/kv"
	"github.com/joss/comply/internal/logging"
	"github.com/joss/comply/internal/metrics"
	"github.com/joss/comply/internal/plan"
	"github.com/joss/comply/internal/session"
	"github.com/joss/comply/internal/usage"
)

type (
	usageKey   string
	historyKey string
)

// Config identifies whose checker this is.
type Config struct {
	UserID    string
	Plan      plan.Plan
	SessionID string
}

// Deps are the collaborators shared by checkers. SessionKV holds session
// snapshots and defaults to KV; it should not expire keys.
type Deps struct {
	Analyzer  analysis.Analyzer
	Store     history.Store
	KV        kv.Store
	SessionKV kv.Store
	Plans     plan.Tables
	CacheTTL  time.Duration
	Now       func() time.Time
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

// Request is one check submission.
type Request struct {
	Content     string
	ContentType domain.ContentType
	Platform    string
	Image       *domain.Image
}

// historyEntry is the cached history of a user. Depth is the plan depth it
// was fetched with, so a deeper plan never reads a shorter list as complete.
type historyEntry struct {
	Depth   int                  `json:"depth"`
	Records []domain.CheckRecord `json:"records"`
}

// Checker orchestrates checks for one user session.
type Checker struct {
	cfg          Config
	analyzer     analysis.Analyzer
	recovery     *logging.RecoveryHandler
	tracker      *usage.Tracker
	history      *history.Adapter
	usageCache   *cache.Cache[usageKey, int]
	historyCache *cache.Cache[historyKey, historyEntry]
	session      *session.Store
	log          *logging.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	// quota is shared by every checker of the user when they come from
	// the same Registry.
	quota *quota

	// sessionMu orders session writes against Reset. Take it before mu.
	sessionMu sync.Mutex

	mu      sync.RWMutex
	state   State
	result  *domain.CheckRecord
	content string
	errMsg  string
	records []domain.CheckRecord

	// mutationGen counts local optimistic mutations. nextSeq and
	// appliedSeq order reconciliations.
	mutationGen uint64
	nextSeq     uint64
	appliedSeq  uint64

	bg sync.WaitGroup
}

// New creates an idle checker. Call Mount before use.
func New(cfg Config, deps Deps) (*Checker, error) {
	switch {
	case deps.Analyzer == nil:
		return nil, errors.New("checker: analyzer is required")
	case deps.Store == nil:
		return nil, errors.New("checker: store is required")
	case deps.KV == nil:
		return nil, errors.New("checker: kv backend is required")
	case strings.TrimSpace(cfg.UserID) == "":
		return nil, errors.New("checker: user id is required")
	}
	if deps.Plans.Limits == nil {
		deps.Plans = plan.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.New("checker")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Global()
	}
	if deps.SessionKV == nil {
		deps.SessionKV = deps.KV
	}
	if cfg.SessionID == "" {
		cfg.SessionID = cfg.UserID
	}

	tracker := usage.NewTracker(deps.Plans)
	tracker.Now = deps.Now
	log := deps.Logger.WithUser(cfg.UserID).WithSession(cfg.SessionID)
	opts := []cache.Option{cache.WithTTL(deps.CacheTTL), cache.WithClock(deps.Now), cache.WithLogger(log)}

	recovery := logging.NewRecoveryHandler("analysis").WithLogger(log)

	return &Checker{
		cfg:          cfg,
		analyzer:     deps.Analyzer,
		recovery:     recovery,
		tracker:      tracker,
		history:      history.NewAdapter(deps.Store, tracker),
		usageCache:   cache.New[usageKey, int](deps.KV, opts...),
		historyCache: cache.New[historyKey, historyEntry](deps.KV, opts...),
		session:      session.New(deps.SessionKV, cfg.SessionID),
		log:          log,
		metrics:      deps.Metrics,
		now:          deps.Now,
		quota:        newQuota(),
		state:        StateIdle,
		records:      []domain.CheckRecord{},
	}, nil
}

// Both keys are per user. History entries carry their depth.
func (c *Checker) usageKey() usageKey     { return usageKey("usage:" + c.cfg.UserID) }
func (c *Checker) historyKey() historyKey { return historyKey("history:" + c.cfg.UserID) }

func (c *Checker) depth() int {
	return c.tracker.Plans.Depth(c.cfg.Plan)
}

// Mount restores the session snapshot and loads usage and history,
// preferring fresh cache entries. Load failures are logged and leave the
// counters at zero.
func (c *Checker) Mount(ctx context.Context) {
	if snap, ok := c.session.Restore(ctx); ok {
		c.mu.Lock()
		result := snap.Result
		c.result = &result
		c.content = snap.Content
		c.state = StateComplete
		c.mu.Unlock()
		c.log.Debug("session.restored", map[string]interface{}{"check_id": result.ID})
	}

	c.loadUsage(ctx)
	c.loadHistory(ctx)
}

// loadUsage leaves the count alone if another checker of the user changed
// it while loading.
func (c *Checker) loadUsage(ctx context.Context) {
	gen := c.quota.generation()
	used, ok := c.usageCache.Get(ctx, c.usageKey())
	c.metrics.RecordCache(ok)
	if !ok {
		n, err := c.history.FetchMonthlyCount(ctx, c.cfg.UserID)
		if err != nil {
			c.log.Warn("load.usage_failed", nil, err)
			return
		}
		if !c.quota.apply(n, gen) {
			return
		}
		c.setCache(ctx, func() error { return c.usageCache.Set(ctx, c.usageKey(), n) })
		return
	}
	c.quota.apply(used, gen)
}

func (c *Checker) loadHistory(ctx context.Context) {
	depth := c.depth()
	var records []domain.CheckRecord
	entry, ok := c.historyCache.Get(ctx, c.historyKey())
	ok = ok && entry.Depth >= depth
	c.metrics.RecordCache(ok)
	if ok {
		records = capRecords(entry.Records, depth)
	} else {
		fetched, err := c.history.FetchHistory(ctx, c.cfg.UserID, c.cfg.Plan)
		if err != nil {
			c.log.Warn("load.history_failed", nil, err)
			return
		}
		records = fetched
		c.setCache(ctx, func() error {
			return c.historyCache.Set(ctx, c.historyKey(), historyEntry{Depth: depth, Records: fetched})
		})
	}
	if records == nil {
		records = []domain.CheckRecord{}
	}

	c.mu.Lock()
	c.records = records
	c.mu.Unlock()
}

func capRecords(records []domain.CheckRecord, n int) []domain.CheckRecord {
	if len(records) > n {
		return records[:n]
	}
	return records
}

func (c *Checker) setCache(ctx context.Context, set func() error) {
	if err := set(); err != nil {
		c.log.Warn("cache.write_failed", nil, err)
	}
}

func (c *Checker) invalidate(ctx context.Context) {
	if err := c.usageCache.Invalidate(ctx, c.usageKey()); err != nil {
		c.log.Warn("cache.invalidate_failed", map[string]interface{}{"key": "usage"}, err)
	}
	if err := c.historyCache.Invalidate(ctx, c.historyKey()); err != nil {
		c.log.Warn("cache.invalidate_failed", map[string]interface{}{"key": "history"}, err)
	}
}

// RunCheck analyzes the content. Quota is enforced before anything else
// changes; on success the returned record carries a provisional id that the
// background reconciliation later replaces.
func (c *Checker) RunCheck(ctx context.Context, req Request) (*domain.CheckRecord, error) {
	if strings.TrimSpace(req.Content) == "" && req.Image == nil {
		return nil, ErrEmptyContent
	}
	if req.ContentType == "" {
		req.ContentType = domain.ContentText
		if req.Image != nil {
			req.ContentType = domain.ContentTextImage
			if strings.TrimSpace(req.Content) == "" {
				req.ContentType = domain.ContentImage
			}
		}
	}
	req.Platform = domain.NormalizePlatform(req.Platform)

	c.mu.Lock()
	limit := c.tracker.MonthlyLimit(c.cfg.Plan)
	used, ok := c.quota.reserve(limit)
	if !ok {
		c.mu.Unlock()
		c.metrics.QuotaRejections.Add(1)
		c.log.Info("check.quota_exceeded", map[string]interface{}{"used": used, "limit": int(limit)})
		return nil, &QuotaError{Plan: c.cfg.Plan, Limit: limit, Used: used}
	}
	if c.state == StateAnalyzing {
		c.mu.Unlock()
		c.quota.release()
		return nil, ErrBusy
	}
	c.state = StateAnalyzing
	c.result = nil
	c.errMsg = ""
	c.content = req.Content
	c.mu.Unlock()

	c.metrics.ChecksStarted.Add(1)
	start := c.now()

	resp, err := c.analyze(ctx, analysis.Input{
		Content:     req.Content,
		ContentType: req.ContentType,
		Platform:    req.Platform,
		Image:       req.Image,
	})
	var status domain.Status
	if err == nil {
		status, err = domain.NormalizeStatus(resp.Status)
	}
	if err != nil {
		return nil, c.fail(err, start)
	}
	c.metrics.RecordAnalysis(true, c.now().Sub(start))

	record := domain.CheckRecord{
		ID:              domain.NewProvisionalID(),
		UserID:          c.cfg.UserID,
		CreatedAt:       c.now(),
		ContentText:     req.Content,
		ContentType:     req.ContentType,
		Platform:        req.Platform,
		OverallStatus:   status,
		ComplianceScore: domain.Score(status, resp.Issues),
		Result: domain.Verdict{
			Status:         status,
			Summary:        resp.Summary,
			OverallVerdict: resp.OverallVerdict,
			Issues:         resp.Issues,
		},
	}

	c.sessionMu.Lock()
	if err := c.session.Save(ctx, record, req.Content); err != nil {
		c.log.Warn("session.save_failed", nil, err)
	}
	c.sessionMu.Unlock()
	c.commit(ctx, record)

	c.log.Info("check.completed", map[string]interface{}{
		"check_id": record.ID,
		"status":   string(status),
		"score":    record.ComplianceScore,
		"platform": record.Platform,
	})
	return &record, nil
}

// analyze calls the analyzer. A panic or an empty response is a failed
// analysis.
func (c *Checker) analyze(ctx context.Context, in analysis.Input) (*analysis.Response, error) {
	var resp *analysis.Response
	err := c.recovery.WrapError(func() error {
		var err error
		resp, err = c.analyzer.Analyze(ctx, in)
		return err
	})
	if err == nil && resp == nil {
		err = analysis.ErrMalformed
	}
	return resp, err
}

// fail records a failed analysis and gives back its quota reservation.
func (c *Checker) fail(err error, start time.Time) error {
	if errors.Is(err, ErrOffTopic) {
		c.metrics.OffTopic.Add(1)
	}
	c.metrics.RecordAnalysis(false, c.now().Sub(start))

	wrapped := &AnalysisError{Err: err}
	c.mu.Lock()
	c.state = StateError
	c.errMsg = Message(wrapped)
	c.mu.Unlock()
	c.quota.release()

	c.log.Warn("check.failed", nil, err)
	return wrapped
}

// Reset returns to idle and forgets the last result in memory and in the
// session store.
func (c *Checker) Reset(ctx context.Context) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.mu.Lock()
	c.state = StateIdle
	c.result = nil
	c.content = ""
	c.errMsg = ""
	c.mu.Unlock()

	if err := c.session.Clear(ctx); err != nil {
		c.log.Warn("session.clear_failed", nil, err)
	}
}

// saveSession writes rec as the session snapshot unless the current result
// has moved on since, for instance through Reset.
func (c *Checker) saveSession(ctx context.Context, rec domain.CheckRecord) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.mu.RLock()
	current := c.result != nil && c.result.ID == rec.ID
	content := c.content
	c.mu.RUnlock()
	if !current {
		c.log.Debug("session.save_skipped", map[string]interface{}{"check_id": rec.ID})
		return
	}
	if err := c.session.Save(ctx, rec, content); err != nil {
		c.log.Warn("session.save_failed", nil, err)
	}
}

// State returns the current state.
func (c *Checker) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Usage returns the usage derived from the in-memory count.
func (c *Checker) Usage() usage.Info {
	return c.tracker.Compute(c.cfg.Plan, c.quota.count())
}

// History returns a copy of the in-memory history, newest first.
func (c *Checker) History() []domain.CheckRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.CheckRecord(nil), c.records...)
}

// Snapshot returns a copy of the full state.
func (c *Checker) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		State:   c.state,
		Content: c.content,
		Error:   c.errMsg,
		Usage:   c.tracker.Compute(c.cfg.Plan, c.quota.count()),
		History: append([]domain.CheckRecord{}, c.records...),
	}
	if c.result != nil {
		r := *c.result
		snap.Result = &r
	}
	return snap
}

// Config returns the checker's identity.
func (c *Checker) Config() Config {
	return c.cfg
}
