// Package airflow implements the scheduler gateway on the Airflow stable REST
// API. Units are DAGs deployed out of band. The gateway only toggles their
// paused flag and manages DAG runs.
package airflow

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/scheduler"
	"github.com/flowplane/flowplane/pkg/logger"
	"github.com/go-resty/resty/v2"
)

type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

type Gateway struct {
	http *resty.Client
}

type dagPatch struct {
	IsPaused bool `json:"is_paused"`
}

type dagRunRequest struct {
	DagRunID string         `json:"dag_run_id"`
	Conf     map[string]any `json:"conf"`
}

type dagRun struct {
	DagID     string         `json:"dag_id"`
	DagRunID  string         `json:"dag_run_id"`
	State     string         `json:"state"`
	Conf      map[string]any `json:"conf"`
	StartDate *time.Time     `json:"start_date"`
	EndDate   *time.Time     `json:"end_date"`
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func NewGateway(cfg *Config) *Gateway {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/api/v1").
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Username != "" {
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &Gateway{http: client}
}

// ExternalRunID joins a DAG id and a DAG run id.
func ExternalRunID(dagID, dagRunID string) string {
	return dagID + "/" + dagRunID
}

func splitExternalID(externalRunID string) (string, string, error) {
	dagID, runID, ok := strings.Cut(externalRunID, "/")
	if !ok || dagID == "" || runID == "" {
		return "", "", core.Errorf(core.ErrValidation, "malformed airflow run id %q", externalRunID)
	}
	return dagID, runID, nil
}

func statusError(op string, resp *resty.Response) error {
	detail := strings.TrimSpace(resp.String())
	if parsed, ok := resp.Error().(*apiError); ok && parsed != nil && parsed.Detail != "" {
		detail = parsed.Detail
	}
	if len(detail) > 256 {
		detail = detail[:256]
	}
	return fmt.Errorf("%s: airflow returned status %d: %s", op, resp.StatusCode(), detail)
}

func (g *Gateway) patchPaused(ctx context.Context, dagID string, paused bool) (*resty.Response, error) {
	return g.http.R().
		SetContext(ctx).
		SetPathParam("dag", dagID).
		SetQueryParam("update_mask", "is_paused").
		SetBody(dagPatch{IsPaused: paused}).
		SetError(&apiError{}).
		Patch("/dags/{dag}")
}

// UpsertUnit sets the paused flag of an existing DAG. Cron and timezone live
// in the DAG file and cannot be changed through the API.
func (g *Gateway) UpsertUnit(ctx context.Context, spec scheduler.UnitSpec) error {
	resp, err := g.patchPaused(ctx, spec.UnitID, !spec.Enabled)
	if err != nil {
		return fmt.Errorf("failed to update dag %s: %w", spec.UnitID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("dag %s is not deployed to airflow", spec.UnitID)
	}
	if resp.IsError() {
		return statusError("update dag "+spec.UnitID, resp)
	}
	logger.FromContext(ctx).Debug("Airflow dag updated", "dag_id", spec.UnitID, "paused", !spec.Enabled, "cron", spec.Cron)
	return nil
}

func (g *Gateway) DisableUnit(ctx context.Context, unitID string) error {
	resp, err := g.patchPaused(ctx, unitID, true)
	if err != nil {
		return fmt.Errorf("failed to pause dag %s: %w", unitID, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return statusError("pause dag "+unitID, resp)
	}
	return nil
}

func (g *Gateway) DeleteUnit(ctx context.Context, unitID string) error {
	resp, err := g.http.R().
		SetContext(ctx).
		SetPathParam("dag", unitID).
		SetError(&apiError{}).
		Delete("/dags/{dag}")
	if err != nil {
		return fmt.Errorf("failed to delete dag %s: %w", unitID, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return statusError("delete dag "+unitID, resp)
	}
	return nil
}

func (g *Gateway) getRun(ctx context.Context, dagID, runID string) (*dagRun, *resty.Response, error) {
	var run dagRun
	resp, err := g.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"dag": dagID, "run": runID}).
		SetResult(&run).
		SetError(&apiError{}).
		Get("/dags/{dag}/dagRuns/{run}")
	if err != nil {
		return nil, nil, err
	}
	return &run, resp, nil
}

// Trigger creates a DAG run named after the correlation id. A conflict is a
// duplicate only when the existing run carries the same conf.
func (g *Gateway) Trigger(ctx context.Context, unitID, correlationID string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	resp, err := g.http.R().
		SetContext(ctx).
		SetPathParam("dag", unitID).
		SetBody(dagRunRequest{DagRunID: correlationID, Conf: params}).
		SetError(&apiError{}).
		Post("/dags/{dag}/dagRuns")
	if err != nil {
		return "", fmt.Errorf("failed to trigger dag %s: %w", unitID, err)
	}
	if resp.StatusCode() == http.StatusConflict {
		existing, getResp, err := g.getRun(ctx, unitID, correlationID)
		if err != nil {
			return "", fmt.Errorf("failed to read existing dag run %s: %w", correlationID, err)
		}
		if getResp.IsError() {
			return "", statusError("read dag run "+correlationID, getResp)
		}
		if !core.SameParams(existing.Conf, params) {
			return "", core.Errorf(core.ErrConflict, "dag run %s exists with different parameters", correlationID)
		}
		logger.FromContext(ctx).Debug("Dag run already exists, treating trigger as done", "dag_run_id", correlationID)
		return ExternalRunID(unitID, correlationID), nil
	}
	if resp.IsError() {
		return "", statusError("trigger dag "+unitID, resp)
	}
	return ExternalRunID(unitID, correlationID), nil
}

func (g *Gateway) GetRunStatus(ctx context.Context, externalRunID string) (scheduler.RunReport, error) {
	dagID, runID, err := splitExternalID(externalRunID)
	if err != nil {
		return scheduler.RunReport{}, err
	}
	run, resp, err := g.getRun(ctx, dagID, runID)
	if err != nil {
		return scheduler.RunReport{}, fmt.Errorf("failed to get dag run %s: %w", externalRunID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return scheduler.RunReport{}, core.Errorf(core.ErrNotFound, "dag run %s", externalRunID)
	}
	if resp.IsError() {
		return scheduler.RunReport{}, statusError("get dag run "+externalRunID, resp)
	}
	return scheduler.RunReport{
		State:     run.State,
		StartedAt: utc(run.StartDate),
		EndedAt:   utc(run.EndDate),
	}, nil
}

// Cancel marks the DAG run failed, which is how Airflow stops a run.
func (g *Gateway) Cancel(ctx context.Context, externalRunID string) error {
	dagID, runID, err := splitExternalID(externalRunID)
	if err != nil {
		return err
	}
	resp, err := g.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"dag": dagID, "run": runID}).
		SetBody(map[string]string{"state": "failed"}).
		SetError(&apiError{}).
		Patch("/dags/{dag}/dagRuns/{run}")
	if err != nil {
		return fmt.Errorf("failed to cancel dag run %s: %w", externalRunID, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return statusError("cancel dag run "+externalRunID, resp)
	}
	return nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
