package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/listenup-audio/backend/internal/domain"
	pkgerrors "github.com/listenup-audio/backend/internal/pkg/errors"
	"github.com/listenup-audio/backend/internal/services"
)

type JobsHandler struct {
	orchestrator *services.OrchestratorService
	hydrator     *services.Hydrator
}

func NewJobsHandler(orchestrator *services.OrchestratorService, hydrator *services.Hydrator) *JobsHandler {
	return &JobsHandler{orchestrator: orchestrator, hydrator: hydrator}
}

// POST /api/jobs
func (h *JobsHandler) CreateJob(c *gin.Context) {
	var req services.PipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	job, err := h.orchestrator.Submit(c.Request.Context(), req)
	if err != nil {
		var verr *services.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": APIError{Message: verr.Error(), Code: "invalid_pipeline"},
				"detail": gin.H{
					"step":    verr.Step,
					"field":   verr.Field,
					"message": verr.Message,
				},
			})
			return
		}
		RespondError(c, http.StatusInternalServerError, "job_create_failed", err)
		return
	}
	RespondCreated(c, gin.H{"job": job})
}

// GET /api/jobs/:id
func (h *JobsHandler) GetJobByID(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.orchestrator.Get(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrNotFound):
			RespondError(c, http.StatusNotFound, "job_not_found", err)
		case errors.Is(err, pkgerrors.ErrCorrupt):
			// The document no longer decodes; report the job as failed.
			RespondOK(c, gin.H{
				"job": gin.H{
					"job_id": jobID,
					"status": domain.JobFailed,
					"error":  APIError{Message: err.Error(), Code: "document_corrupt"},
				},
			})
		default:
			RespondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		}
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs?user_id=
func (h *JobsHandler) ListJobs(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		RespondError(c, http.StatusBadRequest, "missing_user_id", errors.New("query parameter user_id is required"))
		return
	}
	jobs, err := h.orchestrator.List(c.Request.Context(), userID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_list_failed", err)
		return
	}
	RespondOK(c, gin.H{"jobs": jobs})
}

// POST /api/jobs/:id/retry
func (h *JobsHandler) RetryJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	resumeStep, err := h.orchestrator.Retry(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrNotFound):
			RespondError(c, http.StatusNotFound, "job_not_found", err)
		case errors.Is(err, pkgerrors.ErrInvalidArgument):
			RespondError(c, http.StatusConflict, "job_not_retryable", err)
		case errors.Is(err, pkgerrors.ErrConflict):
			RespondError(c, http.StatusConflict, "job_retry_conflict", err)
		default:
			RespondError(c, http.StatusInternalServerError, "job_retry_failed", err)
		}
		return
	}
	RespondOK(c, gin.H{"job_id": jobID, "status": domain.JobRetrying, "resume_step": resumeStep})
}

type hydrateRequest struct {
	StepName      string `json:"step_name" binding:"required"`
	InstanceIndex *int   `json:"instance_index"`
}

// POST /api/jobs/:id/hydrate
//
// Workers call this with the identifiers from a queue message to pull the
// full execution context for a dispatched step.
func (h *JobsHandler) HydrateStep(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	var req hydrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	step, err := h.hydrator.Hydrate(c.Request.Context(), jobID, req.StepName, req.InstanceIndex)
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrNotFound):
			RespondError(c, http.StatusNotFound, "step_not_found", err)
		case errors.Is(err, pkgerrors.ErrInvalidArgument):
			RespondError(c, http.StatusConflict, "step_not_claimable", err)
		case errors.Is(err, pkgerrors.ErrConflict):
			RespondError(c, http.StatusConflict, "step_hydrate_conflict", err)
		default:
			RespondError(c, http.StatusInternalServerError, "step_hydrate_failed", err)
		}
		return
	}
	RespondOK(c, gin.H{"step": step})
}
