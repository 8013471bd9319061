// Package api exposes the printer farm over HTTP.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printfarm/internal/api/handlers"
	"github.com/orrn/printfarm/internal/api/middleware"
	"github.com/orrn/printfarm/internal/config"
	"github.com/orrn/printfarm/internal/core"
)

// NewRouter wires every endpoint under /api. history may be nil.
func NewRouter(farm *core.Farm, history handlers.JobHistory, cfg config.ServerConfig, logger *logrus.Logger) http.Handler {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "printers": len(farm.ListPrinters())})
	})

	routes := router.Group("/api")
	{
		handlers.NewPrinterHandler(farm).RegisterRoutes(routes)
		handlers.NewJobHandler(farm, history, cfg.MaxUploadSize).RegisterRoutes(routes)
	}

	return router
}
