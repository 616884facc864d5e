package server

import (
	"net/http"

	"github.com/flowplane/flowplane/engine/infra/server/router"
	"github.com/flowplane/flowplane/engine/workflow"
	"github.com/gin-gonic/gin"
)

// registerCode is called by the deployment pipeline for every deployed
// definition. It is the only way to create CODE rows.
func (h *handlers) registerCode(c *gin.Context) {
	h.register(c, workflow.SourceCode)
}

// observeCodeRemoval is called by the deployment pipeline when a deployed
// definition disappears from the codebase.
func (h *handlers) observeCodeRemoval(c *gin.Context) {
	if err := h.orch.Workflows.ObserveCodeRemoval(c.Request.Context(), c.Param("name")); err != nil {
		router.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
