package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/infra/monitoring"
	"github.com/flowplane/flowplane/engine/orchestrator"
	"github.com/flowplane/flowplane/engine/run"
	"github.com/flowplane/flowplane/engine/scheduler"
	"github.com/flowplane/flowplane/engine/workflow"
	"github.com/flowplane/flowplane/pkg/config"
	"github.com/flowplane/flowplane/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler http.Handler
	orch    *orchestrator.Orchestrator
	gateway *scheduler.Fake
}

func newTestServer(t *testing.T, mon *monitoring.Service) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := logger.ContextWithLogger(context.Background(), logger.NewForTests())
	cfg := config.Default()
	cfg.Definitions.Driver = "memory"
	fake := scheduler.NewFake()
	opts := []orchestrator.Option{orchestrator.WithGateway(fake)}
	if mon != nil {
		opts = append(opts, orchestrator.WithMeter(mon.Meter()))
	}
	orch, err := orchestrator.New(ctx, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close(context.Background()) })
	srv := NewServer(ctx, &cfg.Server, orch, mon)
	return &testServer{handler: srv.Handler(), orch: orch, gateway: fake}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope.Data
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) core.ProblemDocument {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var doc core.ProblemDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	return doc
}

func registration(name string) RegisterRequest {
	return RegisterRequest{
		Name:       name,
		Definition: "name: " + name + "\nsteps: [extract, load]\n",
		Schedule:   workflow.Schedule{Cron: "0 2 * * *"},
		Owner:      "data-eng",
		Team:       "core",
		Retry:      RetryRequest{MaxAttempts: 3, Delay: "5m"},
	}
}

func TestWorkflowRoutes(t *testing.T) {
	t.Run("Should register a MANUAL workflow", func(t *testing.T) {
		s := newTestServer(t, nil)
		w := s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders"))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		wf := decodeData[workflow.Workflow](t, w)
		assert.Equal(t, workflow.SourceManual, wf.SourceType)
		assert.Equal(t, workflow.StatusActive, wf.Status)
		assert.Equal(t, 5*time.Minute, wf.Retry.Delay)
		assert.Equal(t, "UTC", wf.Schedule.Timezone)
	})

	t.Run("Should reject malformed bodies as problems", func(t *testing.T) {
		s := newTestServer(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v0/workflows", bytes.NewBufferString("{"))
		w := httptest.NewRecorder()
		s.handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		doc := decodeProblem(t, w)
		assert.Equal(t, "bad_request", doc.Code)
		assert.Equal(t, "/api/v0/workflows", doc.Instance)
	})

	t.Run("Should reject an invalid retry delay", func(t *testing.T) {
		s := newTestServer(t, nil)
		body := registration("orders")
		body.Retry.Delay = "soon"
		w := s.do(t, http.MethodPost, "/api/v0/workflows", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Should map validation failures to 400", func(t *testing.T) {
		s := newTestServer(t, nil)
		body := registration("orders")
		body.Schedule.Cron = "not a cron"
		w := s.do(t, http.MethodPost, "/api/v0/workflows", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, core.CodeValidation, decodeProblem(t, w).Code)
	})

	t.Run("Should return 404 for an unknown workflow", func(t *testing.T) {
		s := newTestServer(t, nil)
		w := s.do(t, http.MethodGet, "/api/v0/workflows/missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, core.CodeNotFound, decodeProblem(t, w).Code)
	})

	t.Run("Should let a deployed CODE definition govern", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)
		w := s.do(t, http.MethodPost, "/internal/deploy/workflows", registration("orders"))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = s.do(t, http.MethodGet, "/api/v0/workflows/orders", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, workflow.SourceCode, decodeData[workflow.Workflow](t, w).SourceType)

		w = s.do(t, http.MethodGet, "/api/v0/workflows/orders?source=manual", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, workflow.StatusOverridden, decodeData[workflow.Workflow](t, w).Status)

		w = s.do(t, http.MethodGet, "/api/v0/workflows", nil)
		require.Equal(t, http.StatusOK, w.Code)
		list := decodeData[struct {
			Workflows []workflow.Workflow `json:"workflows"`
		}](t, w)
		require.Len(t, list.Workflows, 1)
		assert.Equal(t, workflow.SourceCode, list.Workflows[0].SourceType)
	})

	t.Run("Should promote MANUAL when the CODE definition is removed", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/internal/deploy/workflows", registration("orders")).Code)

		w := s.do(t, http.MethodDelete, "/internal/deploy/workflows/orders", nil)
		require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

		w = s.do(t, http.MethodGet, "/api/v0/workflows/orders", nil)
		wf := decodeData[workflow.Workflow](t, w)
		assert.Equal(t, workflow.SourceManual, wf.SourceType)
		assert.Equal(t, workflow.StatusActive, wf.Status)
	})

	t.Run("Should refuse to unregister CODE through the public API", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/internal/deploy/workflows", registration("orders")).Code)
		w := s.do(t, http.MethodDelete, "/api/v0/workflows/orders", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Should unregister a MANUAL workflow", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)
		w := s.do(t, http.MethodDelete, "/api/v0/workflows/orders", nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v0/workflows/orders", nil).Code)
	})

	t.Run("Should pause and unpause", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)
		w := s.do(t, http.MethodPost, "/api/v0/workflows/orders/pause", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, workflow.StatusPaused, decodeData[workflow.Workflow](t, w).Status)

		w = s.do(t, http.MethodPost, "/api/v0/workflows/orders/runs", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, core.CodeInvalidState, decodeProblem(t, w).Code)

		w = s.do(t, http.MethodPost, "/api/v0/workflows/orders/unpause", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, workflow.StatusActive, decodeData[workflow.Workflow](t, w).Status)
	})

	t.Run("Should serve the stored definition", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)
		w := s.do(t, http.MethodGet, "/api/v0/workflows/orders/definition", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "steps: [extract, load]")
	})
}

func TestRunRoutes(t *testing.T) {
	t.Run("Should trigger a run on behalf of the caller", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)
		w := s.do(t, http.MethodPost, "/api/v0/workflows/orders/runs",
			TriggerRequest{Parameters: map[string]any{"region": "eu"}}, ActorHeader, "alice")
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		r := decodeData[run.Run](t, w)
		assert.Equal(t, run.StatusPending, r.Status)
		assert.Equal(t, "alice", r.TriggeredBy)
		assert.NotEmpty(t, r.ExternalRunID)
		assert.Equal(t, "eu", r.Parameters["region"])
	})

	t.Run("Should record system as the actor when no header is sent", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)
		w := s.do(t, http.MethodPost, "/api/v0/workflows/orders/runs", nil)
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, core.SystemActor, decodeData[run.Run](t, w).TriggeredBy)
	})

	t.Run("Should validate a dry run without creating it", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)
		w := s.do(t, http.MethodPost, "/api/v0/workflows/orders/runs", TriggerRequest{DryRun: true})
		require.Equal(t, http.StatusOK, w.Code)
		r := decodeData[run.Run](t, w)
		assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v0/runs/"+r.RunID, nil).Code)
		assert.Empty(t, s.gateway.CallsOf(scheduler.OpTrigger))
	})

	t.Run("Should stop a run and reconcile it to STOPPED", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)
		r := decodeData[run.Run](t, s.do(t, http.MethodPost, "/api/v0/workflows/orders/runs", nil))

		w := s.do(t, http.MethodPost, "/api/v0/runs/"+r.RunID+"/stop", StopRequest{Reason: "wrong input"}, ActorHeader, "bob")
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		stopped := decodeData[run.Run](t, w)
		assert.Equal(t, run.StatusStopping, stopped.Status)
		assert.Equal(t, "bob", stopped.StoppedBy)
		assert.Equal(t, "wrong input", stopped.Reason)

		w = s.do(t, http.MethodPost, "/api/v0/runs/"+r.RunID+"/reconcile", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, run.StatusStopped, decodeData[run.Run](t, w).Status)

		w = s.do(t, http.MethodPost, "/api/v0/runs/"+r.RunID+"/stop", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("Should accept a backfill and list its members", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)
		w := s.do(t, http.MethodPost, "/api/v0/workflows/orders/backfill", BackfillRequest{
			StartDate: "2026-01-01",
			EndDate:   "2026-01-03",
		})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		batch := decodeData[run.Batch](t, w)
		assert.Equal(t, []string{"orders_2026-01-01", "orders_2026-01-02", "orders_2026-01-03"}, batch.RunIDs)
		assert.Equal(t, 3, batch.Triggered)

		w = s.do(t, http.MethodGet, "/api/v0/runs?workflow=orders&run_type=BACKFILL&limit=2", nil)
		require.Equal(t, http.StatusOK, w.Code)
		list := decodeData[struct {
			Runs []run.Run `json:"runs"`
		}](t, w)
		assert.Len(t, list.Runs, 2)

		w = s.do(t, http.MethodPost, "/api/v0/workflows/orders/backfill", BackfillRequest{
			StartDate: "2026-01-03",
			EndDate:   "2026-01-04",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Should sweep non-terminal runs", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)
		r := decodeData[run.Run](t, s.do(t, http.MethodPost, "/api/v0/workflows/orders/runs", nil))
		s.gateway.SetRunState(r.ExternalRunID, "running", nil, nil)

		w := s.do(t, http.MethodPost, "/api/v0/runs/reconcile", nil)
		require.Equal(t, http.StatusOK, w.Code)
		result := decodeData[run.SweepResult](t, w)
		assert.Equal(t, 1, result.Checked)
		assert.Equal(t, 1, result.Changed)

		w = s.do(t, http.MethodGet, "/api/v0/runs?status=RUNNING", nil)
		list := decodeData[struct {
			Runs []run.Run `json:"runs"`
		}](t, w)
		require.Len(t, list.Runs, 1)
		assert.Equal(t, r.RunID, list.Runs[0].RunID)
	})

	t.Run("Should record scheduled runs idempotently", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)
		body := ScheduledRunRequest{Workflow: "orders", ExternalRunID: "sched-1", LogicalDate: "2026-01-31"}
		first := decodeData[run.Run](t, s.do(t, http.MethodPost, "/internal/scheduler/runs", body))
		second := decodeData[run.Run](t, s.do(t, http.MethodPost, "/internal/scheduler/runs", body))
		assert.Equal(t, first.RunID, second.RunID)
		assert.Equal(t, run.TypeScheduled, first.Type)

		body.LogicalDate = "31/01/2026"
		assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/internal/scheduler/runs", body).Code)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	t.Run("Should report healthy", func(t *testing.T) {
		s := newTestServer(t, nil)
		w := s.do(t, http.MethodGet, "/api/v0/health", nil)
		require.Equal(t, http.StatusOK, w.Code)
		data := decodeData[map[string]any](t, w)
		assert.Equal(t, statusHealthy, data["status"])
	})

	t.Run("Should expose scheduler metrics when monitoring is enabled", func(t *testing.T) {
		ctx := context.Background()
		mon, err := monitoring.NewMonitoringService(ctx, &monitoring.Config{Enabled: true, Path: "/metrics"})
		require.NoError(t, err)
		defer mon.Shutdown(ctx)
		s := newTestServer(t, mon)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v0/workflows", registration("orders")).Code)

		w := s.do(t, http.MethodGet, "/metrics", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "flowplane_scheduler_calls_total")
	})
}
