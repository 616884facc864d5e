package server

import (
	"time"

	"github.com/flowplane/flowplane/engine/infra/server/router"
	"github.com/flowplane/flowplane/engine/run"
	"github.com/gin-gonic/gin"
)

const maxRunListLimit = 1000

type StopRequest struct {
	Reason string `json:"reason" example:"wrong parameters"`
}

// ScheduledRunRequest reports a run the scheduler started on its own.
type ScheduledRunRequest struct {
	Workflow      string `json:"workflow"        binding:"required"`
	ExternalRunID string `json:"external_run_id" binding:"required"`
	LogicalDate   string `json:"logical_date"    example:"2026-01-31"`
}

func (h *handlers) listRuns(c *gin.Context) {
	var filter run.Filter
	if err := c.ShouldBindQuery(&filter); err != nil {
		router.RespondBadRequest(c, "invalid query: "+err.Error())
		return
	}
	filter.Limit = router.LimitOrDefault(c.Query("limit"), run.DefaultListLimit, maxRunListLimit)
	items, err := h.orch.Runs.List(c.Request.Context(), filter)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "runs retrieved", gin.H{"runs": items})
}

func (h *handlers) getRun(c *gin.Context) {
	r, err := h.orch.Runs.Get(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "run retrieved", r)
}

// stopRun
//
//	@Summary	Request cancellation of a run
//	@Tags		runs
//	@Accept		json
//	@Produce	json
//	@Param		run_id	path		string						true	"Run ID"
//	@Param		body	body		StopRequest					false	"Reason"
//	@Success	202		{object}	router.Response{data=run.Run}
//	@Failure	404		{object}	core.ProblemDocument
//	@Failure	409		{object}	core.ProblemDocument
//	@Failure	503		{object}	core.ProblemDocument
//	@Router		/runs/{run_id}/stop [post]
func (h *handlers) stopRun(c *gin.Context) {
	var body StopRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			router.RespondBadRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	r, err := h.orch.Runs.Stop(c.Request.Context(), c.Param("run_id"), body.Reason)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondAccepted(c, "stop requested", r)
}

func (h *handlers) reconcileRun(c *gin.Context) {
	r, err := h.orch.Reconciler.Reconcile(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "run reconciled", r)
}

func (h *handlers) sweep(c *gin.Context) {
	result, err := h.orch.Reconciler.Sweep(c.Request.Context())
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "runs reconciled", result)
}

func (h *handlers) recordScheduledRun(c *gin.Context) {
	var body ScheduledRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		router.RespondBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	var logicalDate *time.Time
	if body.LogicalDate != "" {
		d, err := time.Parse(time.DateOnly, body.LogicalDate)
		if err != nil {
			router.RespondBadRequest(c, "logical_date must be YYYY-MM-DD")
			return
		}
		logicalDate = &d
	}
	r, err := h.orch.Runs.RecordScheduledRun(c.Request.Context(), body.Workflow, body.ExternalRunID, logicalDate)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "scheduled run recorded", r)
}
