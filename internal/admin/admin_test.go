package admin_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/admin"
	"goa.design/agentcore/internal/batch"
	"goa.design/agentcore/internal/broker/brokertest"
	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/metrics"
	"goa.design/agentcore/internal/ownership"
	"goa.design/agentcore/internal/recovery"
	"goa.design/agentcore/internal/runmodel"
)

type alwaysHealthy struct{ healthy bool }

func (a alwaysHealthy) IsHealthy() bool { return a.healthy }

func newCore(t *testing.T) (*admin.Core, *ownership.Manager) {
	t.Helper()
	b := brokertest.New()
	cfg := config.Default()
	own := ownership.New(b, cfg, ownership.WithWorkerID("worker-1"))
	sweeper := recovery.New(own, cfg, func(context.Context, string) {})
	runs := runmodel.NewRegistry()
	loop := batch.NewLoop(&batch.Writer{}, own, runs, cfg.FlushInterval)
	m := metrics.New()
	core := admin.New(own, sweeper, loop, alwaysHealthy{healthy: true}, m, cfg)
	return core, own
}

func TestListStuck_ReportsLongRunningOwnedRun(t *testing.T) {
	t.Parallel()
	core, own := newCore(t)
	ctx := context.Background()

	require.True(t, own.Claim(ctx, "run-stuck"))

	stuck, err := core.ListStuck(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "run-stuck", stuck[0].RunID)
	assert.Equal(t, "running", stuck[0].Status)
}

func TestListStuck_FiltersOutRunsYoungerThanMinAge(t *testing.T) {
	t.Parallel()
	core, own := newCore(t)
	ctx := context.Background()

	require.True(t, own.Claim(ctx, "run-fresh"))

	stuck, err := core.ListStuck(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestForceResume_ClaimsAnUnownedRun(t *testing.T) {
	t.Parallel()
	core, _ := newCore(t)

	res := core.ForceResume(context.Background(), "run-orphan")
	assert.True(t, res.Success)
	assert.Equal(t, "resumed", res.Action)
}

func TestForceComplete_ReleasesRunAsCompleted(t *testing.T) {
	t.Parallel()
	core, own := newCore(t)
	ctx := context.Background()
	require.True(t, own.Claim(ctx, "run-done"))

	res := core.ForceComplete(ctx, "run-done", "verified by operator")
	assert.True(t, res.Success)

	_, found, err := core.GetRunInfo(ctx, "run-done")
	require.NoError(t, err)
	require.True(t, found)
}

func TestGetRunInfo_ReportsNotFoundForUnknownRun(t *testing.T) {
	t.Parallel()
	core, _ := newCore(t)

	_, found, err := core.GetRunInfo(context.Background(), "never-claimed")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDashboard_ReflectsRecordedMetrics(t *testing.T) {
	t.Parallel()
	core, _ := newCore(t)

	dash, err := core.Dashboard(context.Background())
	require.NoError(t, err)
	assert.True(t, dash.Healthy)
	assert.Equal(t, 0, dash.StuckCount)
}

func TestHTTPHandler_RunInfoReturns404ForUnknownRun(t *testing.T) {
	t.Parallel()
	core, _ := newCore(t)
	h := admin.NewHTTPHandler(core)

	req := httptest.NewRequest(http.MethodGet, "/admin/recovery/run/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPHandler_MetricsReturnsPrometheusText(t *testing.T) {
	t.Parallel()
	core, _ := newCore(t)
	h := admin.NewHTTPHandler(core)

	req := httptest.NewRequest(http.MethodGet, "/admin/recovery/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# TYPE")
}

func TestHTTPHandler_ForceResumeRoutesToSurface(t *testing.T) {
	t.Parallel()
	core, _ := newCore(t)
	h := admin.NewHTTPHandler(core)

	req := httptest.NewRequest(http.MethodPost, "/admin/recovery/resume/run-x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Success":true`)
}
