package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafportal/backend/internal/api/middleware"
	"github.com/wafportal/backend/internal/config"
	"github.com/wafportal/backend/internal/services"
)

func setupAuth(t *testing.T) (*gin.Engine, *services.AuthService) {
	t.Helper()
	db := setupTestDB(t)
	svc := services.NewAuthService(db, config.Config{JWTSecret: "test-secret"})
	_, err := svc.Register("admin@example.com", "password123", "Admin")
	require.NoError(t, err)

	h := NewAuthHandler(svc, false)
	r := gin.New()
	r.POST("/auth/login", h.Login)
	r.POST("/auth/logout", h.Logout)
	r.GET("/auth/me", middleware.AuthMiddleware(svc), h.Me)
	return r, svc
}

func TestAuthHandler_Login(t *testing.T) {
	r, _ := setupAuth(t)

	w := jsonRequest(t, r, http.MethodPost, "/auth/login", gin.H{"email": "admin@example.com", "password": "password123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "token")

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, middleware.AuthCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookies[0].SameSite)
}

func TestAuthHandler_LoginRejects(t *testing.T) {
	r, _ := setupAuth(t)

	w := jsonRequest(t, r, http.MethodPost, "/auth/login", gin.H{"email": "admin@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid email or password")

	w = jsonRequest(t, r, http.MethodPost, "/auth/login", gin.H{"email": "nobody@example.com", "password": "password123"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = jsonRequest(t, r, http.MethodPost, "/auth/login", gin.H{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandler_Me(t *testing.T) {
	r, svc := setupAuth(t)
	token, err := svc.Login("admin@example.com", "password123")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: middleware.AuthCookie, Value: token})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"email":"admin@example.com"`)
	assert.Contains(t, w.Body.String(), `"role":"admin"`)
}

func TestAuthHandler_Logout(t *testing.T) {
	r, _ := setupAuth(t)

	w := jsonRequest(t, r, http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Empty(t, cookies[0].Value)
	assert.Negative(t, cookies[0].MaxAge)
}
