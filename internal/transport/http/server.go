package http

import (
	"github.com/gin-gonic/gin"

	"inkpad/internal/bootstrap"
	"inkpad/internal/transport/http/handler"
	"inkpad/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	authHandler := handler.NewAuthHandler(app.AuthService)
	postHandler := handler.NewPostHandler(app.PostService)
	searchHandler := handler.NewSearchHandler(app.SearchService)
	notificationHandler := handler.NewNotificationHandler(app.NotificationRepo)
	runtimeHandler := handler.NewRuntimeHandler(app.Embedder, app.IndexService)

	authJWT := middleware.AuthJWT(app.Config.Auth.JWTSecret)

	v1 := router.Group("/api/v1")

	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", authJWT, authHandler.Me)

	// Reading is public; writing requires a token.
	v1.GET("/posts", postHandler.List)
	v1.GET("/posts/:id", postHandler.Get)
	v1.GET("/p/:slug", postHandler.GetBySlug)
	v1.POST("/search", searchHandler.Search)

	postGroup := v1.Group("/posts")
	postGroup.Use(authJWT)
	postGroup.POST("", postHandler.Create)
	postGroup.PUT("/:id", postHandler.Update)
	postGroup.DELETE("/:id", postHandler.Delete)
	postGroup.POST("/import", postHandler.ImportPDF)

	v1.GET("/me/posts", authJWT, postHandler.ListMine)

	notificationGroup := v1.Group("/notifications")
	notificationGroup.Use(authJWT)
	notificationGroup.GET("", notificationHandler.List)
	notificationGroup.POST("/:id/read", notificationHandler.MarkRead)

	runtimeGroup := v1.Group("/runtime")
	runtimeGroup.Use(authJWT)
	runtimeGroup.GET("/status", runtimeHandler.Status)
	runtimeGroup.POST("/warmup", runtimeHandler.Warmup)
	runtimeGroup.POST("/cache/clear", runtimeHandler.ClearCache)
	runtimeGroup.POST("/reindex/:id", runtimeHandler.Reindex)

	return router
}
