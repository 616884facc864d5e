package server

import (
	"github.com/flowplane/flowplane/engine/orchestrator"
	"github.com/gin-gonic/gin"
)

const (
	apiBase      = "/api/v0"
	internalBase = "/internal"
)

type handlers struct {
	orch *orchestrator.Orchestrator
}

// RegisterRoutes mounts the public API and the deployment hooks on r.
func RegisterRoutes(r *gin.Engine, orch *orchestrator.Orchestrator) {
	h := &handlers{orch: orch}
	api := r.Group(apiBase)
	{
		// GET /api/v0/health
		api.GET("/health", h.health)

		workflows := api.Group("/workflows")
		{
			workflows.POST("", h.registerManual)
			workflows.GET("", h.listWorkflows)
			workflows.GET("/:name", h.getWorkflow)
			workflows.GET("/:name/definition", h.getDefinition)
			workflows.DELETE("/:name", h.unregister)
			workflows.POST("/:name/pause", h.pause)
			workflows.POST("/:name/unpause", h.unpause)
			workflows.POST("/:name/runs", h.triggerRun)
			workflows.POST("/:name/backfill", h.backfill)
		}

		runs := api.Group("/runs")
		{
			runs.GET("", h.listRuns)
			// POST /api/v0/runs/reconcile
			// Sweep every non-terminal run once
			runs.POST("/reconcile", h.sweep)
			runs.GET("/:run_id", h.getRun)
			runs.POST("/:run_id/stop", h.stopRun)
			runs.POST("/:run_id/reconcile", h.reconcileRun)
		}
	}

	internal := r.Group(internalBase)
	{
		deploy := internal.Group("/deploy")
		{
			deploy.POST("/workflows", h.registerCode)
			deploy.DELETE("/workflows/:name", h.observeCodeRemoval)
		}
		// POST /internal/scheduler/runs
		// Record a run fired by the scheduler's own schedule
		internal.POST("/scheduler/runs", h.recordScheduledRun)
	}
}
