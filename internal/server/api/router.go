package api

import (
	"burnlink/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Authorization"},
		ExposeHeaders: []string{headerFileName, headerFileType, headerFileIV, headerFileSalt, headerMessageToken},
	}))
	e.Use(RequestLogger())

	// Rate limiter on create and upload endpoints only
	limit := RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)

	// Messages
	e.POST("/api/messages", handler.HandleCreateMessage, limit)
	e.GET("/api/messages/:id", handler.HandleFetchMessage)
	e.DELETE("/api/messages/:id", handler.HandleConsumeMessage)
	e.POST("/api/messages/:id/totp", handler.HandleVerifyTOTP)
	e.GET("/api/messages/:id/status", handler.HandleMessageStatus)
	e.POST("/api/messages/:id/revoke", handler.HandleRevokeMessage)

	// Groups
	e.POST("/api/groups", handler.HandleCreateGroup, limit)

	// Uploads
	e.POST("/api/uploads", handler.HandleUpload, limit)
	e.POST("/api/uploads/init", handler.HandleUploadInit, limit)
	e.PUT("/api/uploads/:fileId/chunks/:index", handler.HandleUploadChunk)
	e.POST("/api/uploads/:fileId/complete", handler.HandleUploadComplete)

	// Downloads
	e.GET("/api/files/:fileId", handler.HandleDownload)
	e.POST("/api/files/:fileId/confirm", handler.HandleConfirmDownload)

	return e
}
