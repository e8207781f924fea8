package http

import (
	"net/http"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/services"
	"callcore/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TokenHandler issues sessions and connection tokens. Mount it behind the
// api key middleware.
type TokenHandler struct {
	tokens services.TokenService
	logger *zap.SugaredLogger
}

func NewTokenHandler(tokens services.TokenService, logger *zap.SugaredLogger) *TokenHandler {
	return &TokenHandler{
		tokens: tokens,
		logger: logger,
	}
}

func (h *TokenHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/sessions")
	{
		api.POST("", h.CreateSession)
		api.POST("/:id/tokens", h.CreateToken)
	}
}

type CreateTokenRequest struct {
	Role           domain.TokenRole `json:"role"`
	ConnectionData string           `json:"connection_data" binding:"max=1000"`
	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in" binding:"min=0"`
}

type TokenResponse struct {
	SessionID string           `json:"session_id"`
	Token     string           `json:"token"`
	Role      domain.TokenRole `json:"role"`
	ExpiresAt time.Time        `json:"expires_at"`
}

func (h *TokenHandler) CreateSession(c *gin.Context) {
	sessionID := h.tokens.CreateSession()
	h.logger.Infow("session created", "session_id", sessionID)
	c.JSON(http.StatusCreated, gin.H{"session_id": sessionID})
}

func (h *TokenHandler) CreateToken(c *gin.Context) {
	var req CreateTokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidParametersError("invalid request format"))
			return
		}
	}

	sessionID := c.Param("id")
	token, err := h.tokens.GenerateToken(sessionID, services.TokenOptions{
		Role:           req.Role,
		ConnectionData: req.ConnectionData,
		TTL:            time.Duration(req.ExpiresIn) * time.Second,
	})
	if err != nil {
		c.Error(errors.NewInvalidParametersError(err.Error()))
		return
	}

	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "issued token does not validate", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, TokenResponse{
		SessionID: claims.SessionID,
		Token:     token,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	})
}
