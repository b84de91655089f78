package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/stravagonuts/regions-backend-go/internal/models"
	"github.com/stravagonuts/regions-backend-go/internal/service"
	"github.com/stravagonuts/regions-backend-go/pkg/response"
)

// RegionHandler handles visited-region queries
type RegionHandler struct {
	regions *service.RegionService
}

// NewRegionHandler creates a new region handler
func NewRegionHandler(regions *service.RegionService) *RegionHandler {
	return &RegionHandler{regions: regions}
}

// List returns the visited regions at one level
// GET /api/v1/regions?level=lau&country=DE
func (h *RegionHandler) List(c *gin.Context) {
	level, err := models.ParseLevel(c.DefaultQuery("level", "lau"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	visited, err := h.regions.VisitedRegions(level, c.Query("country"))
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"level":   level,
		"count":   len(visited),
		"regions": visited,
	})
}

// Countries returns the country codes with at least one visited region
// GET /api/v1/countries
func (h *RegionHandler) Countries(c *gin.Context) {
	countries, err := h.regions.VisitedCountries()
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"countries": countries})
}

// Totals returns visited versus total counts per level
// GET /api/v1/totals?country=DE
func (h *RegionHandler) Totals(c *gin.Context) {
	totals, err := h.regions.Totals(c.Query("country"))
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, totals)
}
