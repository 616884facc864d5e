package router

import (
	"encoding/json"
	"net/http"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/pkg/logger"
	"github.com/gin-gonic/gin"
)

const problemContentType = "application/problem+json"

// RespondProblem writes a canonical RFC 7807 error response.
func RespondProblem(c *gin.Context, problem *core.Problem) {
	prepared := core.NormalizeProblem(problem)
	if prepared.Instance == "" {
		prepared.Instance = c.Request.URL.Path
	}
	writeProblemResponse(c, prepared)
}

// RespondError classifies err by kind and writes it as a problem.
func RespondError(c *gin.Context, err error) {
	RespondProblem(c, core.ProblemFromError(err, c.Request.URL.Path))
}

// RespondBadRequest reports a malformed request body or query.
func RespondBadRequest(c *gin.Context, detail string) {
	RespondProblem(c, &core.Problem{
		Status: http.StatusBadRequest,
		Detail: detail,
		Code:   "bad_request",
	})
}

func writeProblemResponse(c *gin.Context, problem *core.Problem) {
	logProblem(c, problem)
	payload, err := json.Marshal(problem.Document())
	if err != nil {
		logger.FromContext(c.Request.Context()).Error("failed to marshal problem", "err", err)
		fallback := []byte(`{"status":500,"error":"Internal Server Error"}`)
		c.Data(http.StatusInternalServerError, problemContentType, fallback)
		c.Abort()
		return
	}
	c.Data(problem.Status, problemContentType, payload)
	c.Abort()
}

func logProblem(c *gin.Context, problem *core.Problem) {
	log := logger.FromContext(c.Request.Context())
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	fields := []any{
		"status", problem.Status,
		"title", problem.Title,
		"detail", problem.Detail,
		"route", route,
		"path", c.Request.URL.Path,
	}
	if problem.Code != "" {
		fields = append(fields, "code", problem.Code)
	}
	if requestID := c.Request.Header.Get("X-Request-ID"); requestID != "" {
		fields = append(fields, "request_id", requestID)
	}
	if problem.Status >= http.StatusInternalServerError {
		log.Error("request failed", fields...)
		return
	}
	log.Warn("request failed", fields...)
}
