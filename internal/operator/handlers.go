package operator

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/flowforge/taskflow-core/internal/platform/apierr"
)

// Handlers binds gin request/response plumbing to a Resolver. It carries no
// business logic of its own: every decision about whether a transition is
// legal happens in internal/statemachine, reached through Resolver.
type Handlers struct {
	resolver *Resolver
}

func NewHandlers(resolver *Resolver) *Handlers {
	return &Handlers{resolver: resolver}
}

func (h *Handlers) HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *Handlers) GetTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	view, err := h.resolver.GetTask(c.Request.Context(), id)
	if err != nil {
		respondLookupError(c, "task_not_found", err)
		return
	}
	respondOK(c, gin.H{"task": view.Task, "steps": view.Steps, "dependencies": view.Edges})
}

func (h *Handlers) GetStep(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_step_id", err)
		return
	}
	step, err := h.resolver.GetStep(c.Request.Context(), id)
	if err != nil {
		respondLookupError(c, "step_not_found", err)
		return
	}
	respondOK(c, gin.H{"step": step})
}

func (h *Handlers) ListTaskTransitions(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	records, err := h.resolver.ListTaskTransitions(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "list_transitions_failed", err)
		return
	}
	respondOK(c, gin.H{"transitions": records})
}

func (h *Handlers) ListStepTransitions(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_step_id", err)
		return
	}
	records, err := h.resolver.ListStepTransitions(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "list_transitions_failed", err)
		return
	}
	respondOK(c, gin.H{"transitions": records})
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (h *Handlers) ResolveTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)
	task, err := h.resolver.ResolveTask(c.Request.Context(), id, req.Note)
	if err != nil {
		respondMutationError(c, "resolve_task_failed", err)
		return
	}
	respondOK(c, gin.H{"task": task})
}

func (h *Handlers) CancelTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)
	task, err := h.resolver.CancelTask(c.Request.Context(), id, req.Note)
	if err != nil {
		respondMutationError(c, "cancel_task_failed", err)
		return
	}
	respondOK(c, gin.H{"task": task})
}

func (h *Handlers) ResolveStep(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_step_id", err)
		return
	}
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)
	step, err := h.resolver.ResolveStep(c.Request.Context(), id, req.Note)
	if err != nil {
		respondMutationError(c, "resolve_step_failed", err)
		return
	}
	respondOK(c, gin.H{"step": step})
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, gin.H{"error": gin.H{"message": msg, "code": code}})
}

// respondLookupError maps the core's not-found sentinels to 404; anything
// else is a 500, since a read failing for any other reason is unexpected.
func respondLookupError(c *gin.Context, code string, err error) {
	if errors.Is(err, apierr.ErrTaskNotFound) || errors.Is(err, apierr.ErrStepNotFound) {
		respondError(c, http.StatusNotFound, code, err)
		return
	}
	respondError(c, http.StatusInternalServerError, code, err)
}

// respondMutationError maps a guard violation or an undeclared transition
// to 409 Conflict: the request was well-formed but the entity's current
// state does not permit it, which is exactly what Conflict means.
func respondMutationError(c *gin.Context, code string, err error) {
	switch {
	case errors.Is(err, apierr.ErrTaskNotFound), errors.Is(err, apierr.ErrStepNotFound):
		respondError(c, http.StatusNotFound, code, err)
	case errors.Is(err, apierr.ErrInvalidTransition), errors.Is(err, apierr.ErrTerminalState):
		respondError(c, http.StatusConflict, code, err)
	case apierr.ClassificationOf(err) == apierr.GuardViolation:
		respondError(c, http.StatusConflict, code, err)
	default:
		respondError(c, http.StatusInternalServerError, code, err)
	}
}
