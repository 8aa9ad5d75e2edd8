package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/deskplane/deskplane/internal/api/http/dto"
	"github.com/deskplane/deskplane/internal/auth"
	"github.com/deskplane/deskplane/internal/users"
	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	users     *users.Service
	jwtConfig auth.JWTConfig
}

func NewAuthHandler(userService *users.Service, jwtConfig auth.JWTConfig) *AuthHandler {
	return &AuthHandler{
		users:     userService,
		jwtConfig: jwtConfig,
	}
}

// Register bootstraps a new organization with its first admin user.
// POST /auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	org, user, err := h.users.Bootstrap(c.Request.Context(), req.Organization, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrOrganizationExists) || errors.Is(err, users.ErrUsernameExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to bootstrap organization", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register"})
		return
	}

	c.JSON(http.StatusCreated, dto.RegisterResponse{
		OrgID:    org.ID,
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
	})
}

// Login exchanges a username/password pair for a user token.
// POST /auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		slog.Error("Failed to authenticate user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	token, err := auth.GenerateToken(h.jwtConfig, user.ID, user.Username, user.OrgID, user.Role)
	if err != nil {
		slog.Error("Failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, dto.LoginResponse{Token: token})
}
