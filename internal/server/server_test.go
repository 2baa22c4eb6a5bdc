package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/comply/internal/analysis"
	"github.com/joss/comply/internal/checker"
	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/history"
	"github.com/joss/comply/internal/kv"
	"github.com/joss/comply/internal/logging"
	"github.com/joss/comply/internal/metrics"
	"github.com/joss/comply/internal/plan"
	"github.com/joss/comply/internal/store"
	"github.com/joss/comply/internal/usage"
)

type fixture struct {
	store    *history.Memory
	registry *checker.Registry
	handler  http.Handler
}

func newFixture(t *testing.T, a analysis.Analyzer) *fixture {
	t.Helper()
	quiet := logging.New("test").WithOutput(io.Discard)
	st := history.NewMemory()
	reg := checker.NewRegistry(checker.Deps{
		Analyzer: a,
		Store:    st,
		KV:       kv.NewMemory(),
		Plans:    plan.Default(),
		Logger:   quiet,
		Metrics:  metrics.New(),
	})
	srv := New(reg, plan.Default(), metrics.New(), quiet)
	return &fixture{store: st, registry: reg, handler: srv.Router()}
}

func verdict(status string, issues ...domain.Issue) analysis.Func {
	return func(ctx context.Context, in analysis.Input) (*analysis.Response, error) {
		return &analysis.Response{Status: status, Summary: "s", OverallVerdict: "v", Issues: issues}, nil
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) as(t *testing.T, method, path, body, user, p string) *httptest.ResponseRecorder {
	return f.do(t, method, path, body, HeaderUserID, user, HeaderPlan, p)
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.registry.Wait(ctx))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, verdict("compliant"))

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "comply_checks_started_total")
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }
func (p pinger) Close() error               { return nil }

func TestHealthChecks(t *testing.T) {
	quiet := logging.New("test").WithOutput(io.Discard)
	srv := New(checker.NewRegistry(checker.Deps{}), plan.Default(), metrics.New(), quiet)
	srv.AddHealthCheck("database", pinger{})
	h := srv.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"database":"ok"}}`, rec.Body.String())

	srv.AddHealthCheck("redis", pinger{err: errors.New("connection refused")})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["redis"])
}

func TestPlans(t *testing.T) {
	f := newFixture(t, verdict("compliant"))

	rec := f.do(t, http.MethodGet, "/api/v1/plans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]planRow](t, rec)
	require.Len(t, rows, 4)
	assert.Equal(t, plan.Ultra, rows[3].Plan)
	assert.Equal(t, plan.Unlimited, rows[3].MonthlyLimit)
}

func TestMissingUser(t *testing.T) {
	f := newFixture(t, verdict("compliant"))

	rec := f.do(t, http.MethodGet, "/api/v1/usage", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_user", decode[ErrorResponse](t, rec).Error)
}

func TestRunCheckAndReconcile(t *testing.T) {
	f := newFixture(t, verdict("non_compliant",
		domain.Issue{Finding: "a", Severity: domain.SeverityCritical},
		domain.Issue{Finding: "b", Severity: domain.SeverityWarning},
		domain.Issue{Finding: "c", Severity: domain.SeverityWarning},
	))

	rec := f.as(t, http.MethodPost, "/api/v1/checks", `{"content":"Lose 10kg in a week","platform":"Instagram"}`, "u1", "starter")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decode[domain.CheckRecord](t, rec)
	assert.True(t, got.IsProvisional())
	assert.Equal(t, 55, got.ComplianceScore)
	assert.Equal(t, "instagram", got.Platform)

	f.wait(t)

	rec = f.as(t, http.MethodGet, "/api/v1/history", "", "u1", "starter")
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[[]domain.CheckRecord](t, rec)
	require.Len(t, records, 1)
	assert.False(t, records[0].IsProvisional())

	rec = f.as(t, http.MethodGet, "/api/v1/usage", "", "u1", "starter")
	info := decode[usage.Info](t, rec)
	assert.Equal(t, 1, info.ChecksUsedThisMonth)
	assert.Equal(t, 9, info.ChecksRemaining)

	rec = f.as(t, http.MethodGet, "/api/v1/state", "", "u1", "starter")
	snap := decode[checker.Snapshot](t, rec)
	assert.Equal(t, checker.StateComplete, snap.State)
	require.NotNil(t, snap.Result)
	assert.Equal(t, records[0].ID, snap.Result.ID)
}

func TestQuotaExceeded(t *testing.T) {
	f := newFixture(t, verdict("compliant"))
	for i := 0; i < 3; i++ {
		_, err := f.store.Insert(context.Background(), domain.CheckRecord{UserID: "u1", CreatedAt: time.Now()})
		require.NoError(t, err)
	}

	rec := f.as(t, http.MethodPost, "/api/v1/checks", `{"content":"x"}`, "u1", "trial-beta")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "quota_exceeded", decode[ErrorResponse](t, rec).Error)

	rec = f.as(t, http.MethodPost, "/api/v1/checks", `{"content":"x"}`, "u1", "ultra")
	assert.Equal(t, http.StatusCreated, rec.Code)
	f.wait(t)
}

func TestCheckErrors(t *testing.T) {
	tests := []struct {
		name     string
		analyzer analysis.Analyzer
		body     string
		code     int
		errCode  string
	}{
		{"off topic", verdict("not_applicable"), `{"content":"a cake recipe"}`, http.StatusUnprocessableEntity, "off_topic"},
		{"analysis failure", analysis.Func(func(context.Context, analysis.Input) (*analysis.Response, error) {
			return nil, errors.New("upstream down")
		}), `{"content":"x"}`, http.StatusBadGateway, "analysis_failed"},
		{"malformed", verdict("maybe"), `{"content":"x"}`, http.StatusBadGateway, "analysis_failed"},
		{"empty", verdict("compliant"), `{"content":"  "}`, http.StatusBadRequest, "bad_request"},
		{"bad json", verdict("compliant"), `{`, http.StatusBadRequest, "bad_request"},
		{"bad content type", verdict("compliant"), `{"content":"x","contentType":"video"}`, http.StatusBadRequest, "bad_request"},
		{"bad image", verdict("compliant"), `{"image":{"base64":""}}`, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.analyzer)
			rec := f.as(t, http.MethodPost, "/api/v1/checks", tt.body, "u1", "free")
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.errCode, resp.Error)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestImageOnlyCheck(t *testing.T) {
	var seen analysis.Input
	f := newFixture(t, analysis.Func(func(_ context.Context, in analysis.Input) (*analysis.Response, error) {
		seen = in
		return &analysis.Response{Status: "compliant", Summary: "s", OverallVerdict: "v"}, nil
	}))

	rec := f.as(t, http.MethodPost, "/api/v1/checks", `{"image":{"base64":"aGk=","mimeType":"image/png"}}`, "u1", "free")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, domain.ContentImage, seen.ContentType)
	require.NotNil(t, seen.Image)
	assert.Equal(t, "image/png", seen.Image.MimeType)
	f.wait(t)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, verdict("compliant"))
	saved, err := f.store.Insert(context.Background(), domain.CheckRecord{UserID: "u1", CreatedAt: time.Now()})
	require.NoError(t, err)

	rec := f.as(t, http.MethodDelete, "/api/v1/checks/"+saved.ID, "", "u2", "free")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.as(t, http.MethodDelete, "/api/v1/checks/"+domain.NewProvisionalID(), "", "u1", "free")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "pending_sync", decode[ErrorResponse](t, rec).Error)

	rec = f.as(t, http.MethodDelete, "/api/v1/checks/"+saved.ID, "", "u1", "free")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.as(t, http.MethodGet, "/api/v1/usage", "", "u1", "free")
	assert.Equal(t, 0, decode[usage.Info](t, rec).ChecksUsedThisMonth)
}

func TestHistoryLimit(t *testing.T) {
	f := newFixture(t, verdict("compliant"))
	for i := 0; i < 4; i++ {
		_, err := f.store.Insert(context.Background(), domain.CheckRecord{UserID: "u1", CreatedAt: time.Now().Add(-time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}

	rec := f.as(t, http.MethodGet, "/api/v1/history?limit=2", "", "u1", "free")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.CheckRecord](t, rec), 2)

	rec = f.as(t, http.MethodGet, "/api/v1/history?limit=-1", "", "u1", "free")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshAndReset(t *testing.T) {
	f := newFixture(t, verdict("compliant"))

	rec := f.as(t, http.MethodPost, "/api/v1/checks", `{"content":"x"}`, "u1", "free")
	require.Equal(t, http.StatusCreated, rec.Code)
	f.wait(t)

	_, err := f.store.Insert(context.Background(), domain.CheckRecord{UserID: "u1", CreatedAt: time.Now()})
	require.NoError(t, err)

	rec = f.as(t, http.MethodPost, "/api/v1/refresh", "", "u1", "free")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[checker.Snapshot](t, rec)
	assert.Equal(t, 2, snap.Usage.ChecksUsedThisMonth)
	assert.Len(t, snap.History, 2)

	rec = f.as(t, http.MethodPost, "/api/v1/reset", "", "u1", "free")
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decode[checker.Snapshot](t, rec)
	assert.Equal(t, checker.StateIdle, snap.State)
	assert.Nil(t, snap.Result)
	assert.Equal(t, 2, snap.Usage.ChecksUsedThisMonth)
}

func TestSessionsAreSeparate(t *testing.T) {
	f := newFixture(t, verdict("compliant"))

	rec := f.do(t, http.MethodPost, "/api/v1/checks", `{"content":"x"}`, HeaderUserID, "u1", HeaderSessionID, "tab-a")
	require.Equal(t, http.StatusCreated, rec.Code)
	f.wait(t)

	rec = f.do(t, http.MethodGet, "/api/v1/state", "", HeaderUserID, "u1", HeaderSessionID, "tab-b")
	snap := decode[checker.Snapshot](t, rec)
	assert.Equal(t, checker.StateIdle, snap.State)
	assert.Equal(t, 2, f.registry.Len())
}

func TestQuotaIsSharedAcrossSessions(t *testing.T) {
	f := newFixture(t, verdict("compliant"))

	codes := make([]int, 0, 4)
	for _, session := range []string{"a", "b", "a", "b"} {
		rec := f.do(t, http.MethodPost, "/api/v1/checks", `{"content":"x"}`,
			HeaderUserID, "u1", HeaderPlan, "free", HeaderSessionID, session)
		codes = append(codes, rec.Code)
	}
	f.wait(t)

	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)
	n, err := f.store.CountSince(context.Background(), "u1", time.Now().AddDate(0, -1, 0))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStatusFor(t *testing.T) {
	code, errCode := statusFor(&checker.QuotaError{Plan: plan.Free, Limit: 3, Used: 3})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "quota_exceeded", errCode)

	code, _ = statusFor(checker.ErrBusy)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = statusFor(fmt.Errorf("delete check: %w", store.ErrConnection))
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = statusFor(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, code)
}
