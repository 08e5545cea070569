package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wafportal/backend/internal/cluster"
	"github.com/wafportal/backend/internal/config"
	"github.com/wafportal/backend/internal/database"
	"github.com/wafportal/backend/internal/models"
	"github.com/wafportal/backend/internal/services"
)

func authRouter(authService *services.AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(authService))
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userID": c.GetUint("userID"), "role": c.GetString("role")})
	})
	return r
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	// nil service: the request must be rejected before it is used
	r := authRouter(nil)

	req, _ := http.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Authorization header required")
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	r := authRouter(services.NewAuthService(nil, config.Config{JWTSecret: "secret"}))

	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid token")
}

func authTestService(t *testing.T) (*services.AuthService, *gorm.DB) {
	t.Helper()
	db, err := database.Connect(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return services.NewAuthService(db, config.Config{JWTSecret: "secret"}), db
}

func getWithToken(r http.Handler, token string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	svc, _ := authTestService(t)
	user, err := svc.Register("admin@example.com", "password123", "Admin")
	require.NoError(t, err)
	token, err := svc.Login("admin@example.com", "password123")
	require.NoError(t, err)
	r := authRouter(svc)

	t.Run("header", func(t *testing.T) {
		w := getWithToken(r, token)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, fmt.Sprintf(`{"userID":%d,"role":"admin"}`, user.ID), w.Body.String())
	})

	t.Run("cookie", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/test", nil)
		req.AddCookie(&http.Cookie{Name: AuthCookie, Value: token})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAuthMiddleware_RoleFromUserRow(t *testing.T) {
	svc, db := authTestService(t)
	user, err := svc.Register("admin@example.com", "password123", "Admin")
	require.NoError(t, err)
	token, err := svc.Login("admin@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("role", "user").Error)

	w := getWithToken(authRouter(svc), token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"user"`)
}

func TestAuthMiddleware_RejectsDisabledUser(t *testing.T) {
	svc, db := authTestService(t)
	user, err := svc.Register("admin@example.com", "password123", "Admin")
	require.NoError(t, err)
	token, err := svc.Login("admin@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("enabled", false).Error)

	assert.Equal(t, http.StatusUnauthorized, getWithToken(authRouter(svc), token).Code)
}

func TestAuthMiddleware_RejectsUserRemovedByReplication(t *testing.T) {
	svc, db := authTestService(t)
	_, err := svc.Register("admin@example.com", "password123", "Admin")
	require.NoError(t, err)
	token, err := svc.Login("admin@example.com", "password123")
	require.NoError(t, err)
	r := authRouter(svc)
	require.Equal(t, http.StatusOK, getWithToken(r, token).Code)

	// the master's snapshot carries no users
	_, err = services.NewConfigRepository(db).Apply(context.Background(), &cluster.Snapshot{})
	require.NoError(t, err)

	w := getWithToken(r, token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid token")
}

func TestAuthMiddleware_StaleIDDoesNotMatchOtherUser(t *testing.T) {
	svc, db := authTestService(t)
	first, err := svc.Register("first@example.com", "password123", "First")
	require.NoError(t, err)
	token, err := svc.Login("first@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, db.Unscoped().Delete(&models.User{}, first.ID).Error)
	second := &models.User{ID: first.ID, Email: "second@example.com", Role: "admin", Enabled: true}
	require.NoError(t, second.SetPassword("password123"))
	require.NoError(t, db.Create(second).Error)

	assert.Equal(t, http.StatusUnauthorized, getWithToken(authRouter(svc), token).Code)
}

func TestAuthMiddleware_TokenFromOtherSecret(t *testing.T) {
	other := services.NewAuthService(nil, config.Config{JWTSecret: "other"})
	token, err := other.GenerateToken(&models.User{ID: 1, Role: "admin"})
	require.NoError(t, err)
	r := authRouter(services.NewAuthService(nil, config.Config{JWTSecret: "secret"}))

	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole_Success(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("role", "admin")
		c.Next()
	})
	r.Use(RequireRole("admin"))
	r.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req, _ := http.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireRole_Forbidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("role", "user")
		c.Next()
	})
	r.Use(RequireRole("admin"))
	r.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req, _ := http.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer   abc "))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken("abc"))
	assert.Empty(t, bearerToken(""))
}
