package app

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/asset-forge/internal/auth"
	"github.com/yourusername/asset-forge/internal/observability"
	"github.com/yourusername/asset-forge/internal/pipeline"
)

// Router は API のルーターを組み立てます。
func (a *App) Router() *gin.Engine {
	gin.SetMode(a.Cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a))
	if a.Cfg.OTelEnabled {
		router.Use(observability.Middleware(a.Cfg.ServiceName))
	}

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(a.Cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   a.Cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(a.Cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
		"Last-Event-ID",
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	a.setupRoutes(router)
	return router
}

func (a *App) setupRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.Health(c.Request.Context()))
	})
	if a.localRoot != "" {
		router.Static("/assets", a.localRoot)
	}

	authManager := auth.NewManager(a.Cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.ResolveIdentity(),
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		pipelines := api.Group("")
		pipelines.Use(authManager.ResolveIdentity())
		pipeline.RegisterRoutes(pipelines, a.Service, a.Log, authManager.VerifyCSRF())
	}
}

// requestLogger はリクエストごとに1行のアクセスログを出力します。
func requestLogger(a *App) gin.HandlerFunc {
	log := a.Log.With("component", "http")
	return func(c *gin.Context) {
		c.Next()
		log.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"client_ip", c.ClientIP(),
		)
	}
}
