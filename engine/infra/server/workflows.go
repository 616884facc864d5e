package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowplane/flowplane/engine/infra/server/router"
	"github.com/flowplane/flowplane/engine/run"
	"github.com/flowplane/flowplane/engine/scheduler"
	"github.com/flowplane/flowplane/engine/workflow"
	"github.com/gin-gonic/gin"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// RegisterRequest is the JSON body of a registration. Definition is the raw
// YAML or JSON document as a string.
type RegisterRequest struct {
	Name       string            `json:"name"       example:"orders_daily"`
	Definition string            `json:"definition" example:"name: orders_daily\nsteps: [extract, load]"`
	Schedule   workflow.Schedule `json:"schedule"`
	Owner      string            `json:"owner"      example:"data-eng"`
	Team       string            `json:"team"       example:"core"`
	Retry      RetryRequest      `json:"retry"`
	Force      bool              `json:"force"`
}

// RetryRequest carries the retry delay as a duration string. Day and week
// units are accepted, as in "1d12h".
type RetryRequest struct {
	MaxAttempts int    `json:"max_attempts" example:"3"`
	Delay       string `json:"delay"        example:"5m"`
}

func (r *RegisterRequest) toInput(source workflow.SourceType) (*workflow.RegisterInput, error) {
	var delay time.Duration
	if d := strings.TrimSpace(r.Retry.Delay); d != "" {
		parsed, err := str2duration.ParseDuration(d)
		if err != nil {
			return nil, fmt.Errorf("invalid retry delay %q", r.Retry.Delay)
		}
		delay = parsed
	}
	return &workflow.RegisterInput{
		Name:       r.Name,
		SourceType: source,
		Definition: []byte(r.Definition),
		Schedule:   r.Schedule,
		Owner:      r.Owner,
		Team:       r.Team,
		Retry:      scheduler.RetryPolicy{MaxAttempts: r.Retry.MaxAttempts, Delay: delay},
		Force:      r.Force,
	}, nil
}

type TriggerRequest struct {
	Parameters map[string]any `json:"parameters"`
	DryRun     bool           `json:"dry_run"`
}

type BackfillRequest struct {
	StartDate  string         `json:"start_date" example:"2026-01-01"`
	EndDate    string         `json:"end_date"   example:"2026-01-31"`
	Parameters map[string]any `json:"parameters"`
	Parallel   bool           `json:"parallel"`
}

func (h *handlers) register(c *gin.Context, source workflow.SourceType) {
	var body RegisterRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		router.RespondBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	in, err := body.toInput(source)
	if err != nil {
		router.RespondBadRequest(c, err.Error())
		return
	}
	wf, err := h.orch.Workflows.Register(c.Request.Context(), in)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondCreated(c, "workflow registered", wf)
}

// registerManual
//
//	@Summary	Register a MANUAL workflow
//	@Tags		workflows
//	@Accept		json
//	@Produce	json
//	@Param		body	body		RegisterRequest							true	"Registration"
//	@Success	201		{object}	router.Response{data=workflow.Workflow}
//	@Failure	400		{object}	core.ProblemDocument
//	@Failure	409		{object}	core.ProblemDocument
//	@Router		/workflows [post]
func (h *handlers) registerManual(c *gin.Context) {
	h.register(c, workflow.SourceManual)
}

func (h *handlers) listWorkflows(c *gin.Context) {
	var filter workflow.Filter
	if err := c.ShouldBindQuery(&filter); err != nil {
		router.RespondBadRequest(c, "invalid query: "+err.Error())
		return
	}
	items, err := h.orch.Workflows.List(c.Request.Context(), filter)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "workflows retrieved", gin.H{"workflows": items})
}

// getWorkflow returns the effective row, or the row of ?source= when given.
func (h *handlers) getWorkflow(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")
	var (
		wf  *workflow.Workflow
		err error
	)
	if source := c.Query("source"); source != "" {
		wf, err = h.orch.Workflows.GetBySource(ctx, name, workflow.SourceType(strings.ToUpper(source)))
	} else {
		wf, err = h.orch.Workflows.Get(ctx, name)
	}
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "workflow retrieved", wf)
}

func (h *handlers) getDefinition(c *gin.Context) {
	doc, err := h.orch.Workflows.LoadDefinition(c.Request.Context(), c.Param("name"))
	if err != nil {
		router.RespondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/yaml", doc)
}

func (h *handlers) unregister(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	if err := h.orch.Workflows.Unregister(c.Request.Context(), c.Param("name"), workflow.SourceManual, force); err != nil {
		router.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) pause(c *gin.Context) {
	wf, err := h.orch.Workflows.Pause(c.Request.Context(), c.Param("name"))
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "workflow paused", wf)
}

func (h *handlers) unpause(c *gin.Context) {
	wf, err := h.orch.Workflows.Unpause(c.Request.Context(), c.Param("name"))
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "workflow unpaused", wf)
}

// triggerRun
//
//	@Summary	Trigger a run of the effective workflow
//	@Tags		runs
//	@Accept		json
//	@Produce	json
//	@Param		name	path		string							true	"Workflow name"
//	@Param		body	body		TriggerRequest					false	"Parameters"
//	@Success	202		{object}	router.Response{data=run.Run}
//	@Failure	404		{object}	core.ProblemDocument
//	@Failure	409		{object}	core.ProblemDocument
//	@Router		/workflows/{name}/runs [post]
func (h *handlers) triggerRun(c *gin.Context) {
	var body TriggerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			router.RespondBadRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	r, err := h.orch.Runs.TriggerRun(c.Request.Context(), &run.TriggerInput{
		Name:       c.Param("name"),
		Parameters: body.Parameters,
		DryRun:     body.DryRun,
	})
	if err != nil {
		router.RespondError(c, err)
		return
	}
	if body.DryRun {
		router.RespondOK(c, "dry run validated", r)
		return
	}
	router.RespondAccepted(c, "run accepted", r)
}

func (h *handlers) backfill(c *gin.Context) {
	var body BackfillRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		router.RespondBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	batch, err := h.orch.Runs.Backfill(c.Request.Context(), &run.BackfillInput{
		Name:       c.Param("name"),
		StartDate:  body.StartDate,
		EndDate:    body.EndDate,
		Parameters: body.Parameters,
		Parallel:   body.Parallel,
	})
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondAccepted(c, "backfill accepted", batch)
}
