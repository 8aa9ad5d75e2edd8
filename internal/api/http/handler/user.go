package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/deskplane/deskplane/internal/api/http/dto"
	"github.com/deskplane/deskplane/internal/users"
	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	users *users.Service
}

func NewUserHandler(userService *users.Service) *UserHandler {
	return &UserHandler{users: userService}
}

// CreateUser adds a member to the caller's organization. Admin only.
// POST /users
func (h *UserHandler) CreateUser(c *gin.Context) {
	orgID := c.GetString("org_id")

	var req dto.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Create(c.Request.Context(), orgID, req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, users.ErrUsernameExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
			return
		}
		slog.Error("Failed to create user", "error", err, "org_id", orgID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}

	c.JSON(http.StatusCreated, dto.UserResponse{
		ID:        user.ID,
		Username:  user.Username,
		Role:      user.Role,
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
	})
}
