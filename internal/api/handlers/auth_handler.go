package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wafportal/backend/internal/api/middleware"
	"github.com/wafportal/backend/internal/services"
)

type AuthHandler struct {
	authService *services.AuthService
	secure      bool
}

// NewAuthHandler creates an AuthHandler. secure marks the session cookie
// HTTPS-only and should be set in production.
func NewAuthHandler(authService *services.AuthService, secure bool) *AuthHandler {
	return &AuthHandler{authService: authService, secure: secure}
}

// setSecureCookie sets an HttpOnly, SameSite=Strict auth cookie.
func (h *AuthHandler) setSecureCookie(c *gin.Context, name, value string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(name, value, maxAge, "/", "", h.secure, true)
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.authService.Login(req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidCredentials), errors.Is(err, services.ErrAccountDisabled):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		case errors.Is(err, services.ErrAccountLocked):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		default:
			middleware.GetRequestLogger(c).WithError(err).Error("login failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		}
		return
	}

	h.setSecureCookie(c, middleware.AuthCookie, token, 3600*24)
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	h.setSecureCookie(c, middleware.AuthCookie, "", -1)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (h *AuthHandler) Me(c *gin.Context) {
	u, err := h.authService.GetUserByID(c.GetUint("userID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": u.ID,
		"role":    u.Role,
		"name":    u.Name,
		"email":   u.Email,
	})
}
