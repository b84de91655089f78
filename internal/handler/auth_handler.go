package handler

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/stravagonuts/regions-backend-go/internal/middleware"
	"github.com/stravagonuts/regions-backend-go/internal/models"
	"github.com/stravagonuts/regions-backend-go/internal/repository"
	"github.com/stravagonuts/regions-backend-go/pkg/response"
)

// AuthHandler handles session tokens and remote-source credentials
type AuthHandler struct {
	settings  *repository.SettingsRepository
	apiSecret string
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(settings *repository.SettingsRepository, apiSecret string) *AuthHandler {
	return &AuthHandler{settings: settings, apiSecret: apiSecret}
}

type sessionRequest struct {
	Secret string `json:"secret" binding:"required"`
}

// Session exchanges the API secret for a short-lived session token
// POST /api/v1/auth/session
func (h *AuthHandler) Session(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Missing secret")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.apiSecret)) != 1 {
		response.Unauthorized(c, "Invalid secret")
		return
	}

	token, err := middleware.IssueSessionToken(h.apiSecret)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"token": token})
}

type credentialsRequest struct {
	ClientID     string `json:"client_id" binding:"required"`
	ClientSecret string `json:"client_secret" binding:"required"`
}

// SaveCredentials stores the remote-source application credentials
// POST /api/v1/auth/credentials
func (h *AuthHandler) SaveCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "client_id and client_secret are required")
		return
	}
	if err := h.settings.SaveClientCredentials(req.ClientID, req.ClientSecret); err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"saved": true})
}

// SaveToken stores an OAuth token pair obtained from the browser flow
// POST /api/v1/auth/token
func (h *AuthHandler) SaveToken(c *gin.Context) {
	var token models.AuthToken
	if err := c.ShouldBindJSON(&token); err != nil || token.RefreshToken == "" {
		response.BadRequest(c, "access_token, refresh_token and expires_at are required")
		return
	}
	if err := h.settings.SaveToken(token); err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"saved": true})
}
