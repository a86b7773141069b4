package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsink/backend/internal/auth"
	"mailsink/backend/internal/config"
	"mailsink/backend/internal/health"
	"mailsink/backend/internal/middleware"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/relay"
	"mailsink/backend/internal/service"
	"mailsink/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Registry     *auth.Registry
	Query        *service.QueryService
	Settings     *service.SettingsService
	Relay        *relay.Dispatcher
	WebSocketHub *websocket.Hub
	Health       *health.Checker
	Metrics      *monitoring.Metrics
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()
	log := deps.Logger

	router.Use(middleware.PanicRecovery(deps.Metrics, log))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.HTTPMetrics(deps.Metrics))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	router.Use(gincors.New(corsConfig(deps.Config.CORS.AllowedOrigins)))

	// 运维端点
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	router.GET("/health/live", deps.Health.Live)
	router.GET("/health/ready", deps.Health.Ready)

	authHandler := NewAuthHandler(deps.Registry, deps.Config.Auth, log)
	emailHandler := NewEmailHandler(deps.Query, log)
	settingsHandler := NewSettingsHandler(deps.Registry, deps.Settings, deps.Relay, log)
	inviteHandler := NewInviteHandler(deps.Registry, deps.Relay, deps.Config.PublicURL, log)

	api := router.Group("/api")
	api.Use(middleware.Authenticate(deps.Registry, deps.Config.Auth.CookieName))

	// WebSocket 在握手时自行处理 ?token= 认证
	api.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))

	authRoutes := api.Group("/auth")
	{
		authRoutes.POST("/login", authHandler.Login)
		authRoutes.POST("/register", authHandler.Register)
		authRoutes.POST("/logout", middleware.RequireCaller(), authHandler.Logout)
		authRoutes.GET("/me", middleware.RequireCaller(), authHandler.Me)
	}

	caller := api.Group("", middleware.RequireCaller())
	{
		caller.GET("/emails", emailHandler.List)
		caller.GET("/emails/:to", emailHandler.ListByRecipient)
		caller.GET("/emails/:to/match", emailHandler.Match)
		caller.GET("/codes", emailHandler.Codes)
		caller.GET("/codes/short", emailHandler.ShortCodes)

		caller.GET("/settings", settingsHandler.Get)
		caller.POST("/settings", settingsHandler.Update)
	}

	admin := api.Group("", middleware.RequireAdmin())
	{
		admin.POST("/settings/user", settingsHandler.UpdateUser)
		admin.DELETE("/settings/user/:id", settingsHandler.DeleteUser)
		admin.POST("/settings/relay/test", settingsHandler.RelayTest)

		admin.POST("/invites", inviteHandler.Create)
		admin.GET("/invites", inviteHandler.List)
	}

	return router
}

// corsConfig 允许所有来源时不能携带凭证
func corsConfig(origins []string) gincors.Config {
	cfg := gincors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.APIKeyHeader, middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowOrigins = nil
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			break
		}
	}
	return cfg
}
