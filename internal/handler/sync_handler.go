package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/stravagonuts/regions-backend-go/internal/repository"
	"github.com/stravagonuts/regions-backend-go/internal/service"
	"github.com/stravagonuts/regions-backend-go/pkg/response"
)

// SyncHandler handles sync orchestration requests
type SyncHandler struct {
	sync       *service.SyncService
	activities *repository.ActivityRepository
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(sync *service.SyncService, activities *repository.ActivityRepository) *SyncHandler {
	return &SyncHandler{sync: sync, activities: activities}
}

type startSyncRequest struct {
	Full bool `json:"full"`
}

// Start begins a sync cycle in the background
// POST /api/v1/sync
func (h *SyncHandler) Start(c *gin.Context) {
	var req startSyncRequest
	// An empty body means an incremental sync
	_ = c.ShouldBindJSON(&req)

	cycleID, err := h.sync.Start(req.Full)
	if err != nil {
		if errors.Is(err, service.ErrSyncInProgress) {
			response.Conflict(c, "A sync is already running")
			return
		}
		response.InternalError(c, err.Error())
		return
	}

	response.Accepted(c, gin.H{"cycle_id": cycleID})
}

// Status returns the latest sync progress snapshot
// GET /api/v1/sync/status
func (h *SyncHandler) Status(c *gin.Context) {
	response.Success(c, h.sync.Snapshot())
}

// Cancel aborts the running sync cycle
// POST /api/v1/sync/cancel
func (h *SyncHandler) Cancel(c *gin.Context) {
	h.sync.Cancel()
	response.Success(c, gin.H{"cancelled": true})
}

// Counts summarizes the activity dataset
// GET /api/v1/activities/counts
func (h *SyncHandler) Counts(c *gin.Context) {
	counts, err := h.activities.Counts()
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, counts)
}
