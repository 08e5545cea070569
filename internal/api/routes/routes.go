package routes

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
	"k8s.io/utils/clock"

	"github.com/wafportal/backend/internal/api/handlers"
	"github.com/wafportal/backend/internal/api/middleware"
	"github.com/wafportal/backend/internal/cluster"
	"github.com/wafportal/backend/internal/config"
	"github.com/wafportal/backend/internal/database"
	"github.com/wafportal/backend/internal/logger"
	"github.com/wafportal/backend/internal/nginx"
	"github.com/wafportal/backend/internal/services"
)

// Register migrates the schema, builds the sync engine and wires up the
// admin and inter-node routes. The returned runtime is not started. A nil
// registry leaves /metrics unregistered.
func Register(router *gin.Engine, db *gorm.DB, cfg config.Config, registry *prometheus.Registry) (*cluster.Runtime, error) {
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	dial := cluster.NewDialer(cfg.Cluster.ConnectTimeout, cfg.Cluster.TransferTimeout)

	authService := services.NewAuthService(db, cfg)
	notificationService := services.NewNotificationService(db)
	repo := services.NewConfigRepository(db)
	slaves := services.NewSlaveRegistry(db, cfg.Cluster.DefaultSlavePort, cfg.Cluster.DefaultSyncIntervalSeconds)
	history := services.NewSyncHistoryService(db)
	interrupted, err := history.FailInterrupted(clock.RealClock{}.Now())
	if err != nil {
		return nil, fmt.Errorf("close interrupted sync logs: %w", err)
	}
	if interrupted > 0 {
		logger.Log().WithField("count", interrupted).Warn("marked interrupted sync attempts as failed")
	}
	system := services.NewSystemConfigService(db, dial, cfg.Cluster.DefaultSlavePort, cfg.Cluster.DefaultSyncIntervalSeconds, cfg.Cluster.ConnectRetries)
	reloader := nginx.NewManager(db, cfg.Nginx)

	sc, err := system.Get()
	if err != nil {
		return nil, fmt.Errorf("load system config: %w", err)
	}

	orch := cluster.NewOrchestrator(repo, reloader, history, dial, cluster.RoleFor(sc, slaves, system),
		cluster.WithNotifier(notificationService),
		cluster.WithPushConcurrency(cfg.Cluster.PushConcurrency),
	)
	runtime := cluster.NewRuntime(orch, slaves, system, clock.RealClock{}, cluster.RuntimeConfig{
		LivenessInterval: cfg.Cluster.LivenessInterval,
		StaleAfter:       cfg.Cluster.StaleAfter,
		ScheduledPush:    cfg.Cluster.ScheduledPush,
	}, notificationService)

	router.GET("/api/v1/health", handlers.HealthHandler(runtime.Mode))
	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")

	// Inter-node endpoints authenticate with the shared slave API key, not
	// an admin session.
	nodeHandler := handlers.NewNodeHandler(orch)
	node := api.Group("/cluster")
	node.Use(middleware.NodeAuth(orch))
	{
		node.GET("/export", nodeHandler.Export)
		node.POST("/import", nodeHandler.Import)
		node.GET("/ping", nodeHandler.Ping)
	}

	authHandler := handlers.NewAuthHandler(authService, cfg.Environment == "production")
	api.POST("/auth/login", authHandler.Login)

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(authService))
	{
		protected.POST("/auth/logout", authHandler.Logout)
		protected.GET("/auth/me", authHandler.Me)

		notificationHandler := handlers.NewNotificationHandler(notificationService)
		protected.GET("/notifications", notificationHandler.List)
		protected.POST("/notifications/:id/read", notificationHandler.MarkAsRead)
		protected.POST("/notifications/read-all", notificationHandler.MarkAllAsRead)

		domainHandler := handlers.NewDomainHandler(db, notificationService, reloader, runtime.Mode)
		protected.GET("/domains", domainHandler.List)

		clusterHandler := handlers.NewClusterHandler(runtime, system, slaves, history, repo)
		protected.GET("/cluster/status", clusterHandler.Status)
		protected.GET("/cluster/mode", clusterHandler.GetMode)
		protected.GET("/cluster/history", clusterHandler.History)
		protected.GET("/cluster/slaves", clusterHandler.ListSlaves)
		protected.GET("/cluster/slaves/:id", clusterHandler.GetSlave)
		protected.GET("/cluster/slaves/:id/history", clusterHandler.SlaveHistory)

		admin := protected.Group("/")
		admin.Use(middleware.RequireRole("admin"))

		admin.POST("/domains", domainHandler.Create)
		admin.DELETE("/domains/:id", domainHandler.Delete)

		channelHandler := handlers.NewNotificationChannelHandler(notificationService)
		admin.GET("/notifications/channels", channelHandler.List)
		admin.POST("/notifications/channels", channelHandler.Create)
		admin.PUT("/notifications/channels/:id", channelHandler.Update)
		admin.DELETE("/notifications/channels/:id", channelHandler.Delete)
		admin.POST("/notifications/channels/test", channelHandler.Test)

		admin.PUT("/cluster/mode", clusterHandler.SetMode)
		admin.POST("/cluster/master/connect", clusterHandler.ConnectMaster)
		admin.POST("/cluster/master/disconnect", clusterHandler.DisconnectMaster)
		admin.POST("/cluster/master/test", clusterHandler.TestConnection)
		admin.POST("/cluster/sync", clusterHandler.Sync)
		admin.GET("/cluster/snapshot", clusterHandler.Snapshot)
		admin.POST("/cluster/slaves", clusterHandler.CreateSlave)
		admin.POST("/cluster/slaves/sync-all", clusterHandler.SyncAll)
		admin.PUT("/cluster/slaves/:id", clusterHandler.UpdateSlave)
		admin.DELETE("/cluster/slaves/:id", clusterHandler.DeleteSlave)
		admin.POST("/cluster/slaves/:id/regenerate-key", clusterHandler.RegenerateKey)
		admin.POST("/cluster/slaves/:id/sync", clusterHandler.SyncSlave)
		admin.POST("/cluster/slaves/:id/health", clusterHandler.CheckSlave)
	}

	return runtime, nil
}
