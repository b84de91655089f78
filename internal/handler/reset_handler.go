package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/stravagonuts/regions-backend-go/internal/service"
	"github.com/stravagonuts/regions-backend-go/pkg/response"
)

// ResetHandler handles the destructive maintenance endpoints
type ResetHandler struct {
	reset *service.ResetService
}

// NewResetHandler creates a new reset handler
func NewResetHandler(reset *service.ResetService) *ResetHandler {
	return &ResetHandler{reset: reset}
}

// Full wipes all user data including credentials
// POST /api/v1/reset/full
func (h *ResetHandler) Full(c *gin.Context) {
	h.run(c, h.reset.ResetFull)
}

// UserData wipes activities and links but keeps credentials
// POST /api/v1/reset/user
func (h *ResetHandler) UserData(c *gin.Context) {
	h.run(c, h.reset.ResetUserData)
}

// MapArtifacts drops derived region links and reopens processing
// POST /api/v1/reset/map
func (h *ResetHandler) MapArtifacts(c *gin.Context) {
	h.run(c, h.reset.ResetMapArtifacts)
}

// Regions reimports the region reference bundle
// POST /api/v1/reset/regions
func (h *ResetHandler) Regions(c *gin.Context) {
	h.run(c, h.reset.ResetRegions)
}

func (h *ResetHandler) run(c *gin.Context, fn func() error) {
	if err := fn(); err != nil {
		if errors.Is(err, service.ErrResetWhileSyncing) {
			response.Conflict(c, err.Error())
			return
		}
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"reset": true})
}
