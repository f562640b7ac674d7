package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/config"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/middleware"
)

// Collector is the surface the trigger API drives.
type Collector interface {
	TriggerTick()
	SyncCredentialStats(ctx context.Context) error
}

// BuildEngine constructs the trigger/health HTTP engine.
func BuildEngine(cfg *config.Config, c Collector, loc *time.Location) *gin.Engine {
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	_ = engine.SetTrustedProxies([]string{})

	engine.Use(middleware.Recovery(), middleware.RequestID(), middleware.CORS(), middleware.RequestLogger())

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api/collector")
	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().In(loc).Format(time.RFC3339),
		})
	})

	triggers := api.Group("")
	triggers.Use(middleware.TriggerRateLimit(float64(cfg.Server.TriggerRPS), cfg.Server.TriggerBurst))

	triggers.POST("/trigger", func(ctx *gin.Context) {
		log.Info("Manual trigger received for full sync")
		c.TriggerTick()
		ctx.JSON(http.StatusAccepted, gin.H{"message": "Full data collection process triggered."})
	})

	triggers.POST("/credential-stats/sync", func(ctx *gin.Context) {
		log.Info("Manual trigger received for credential stats sync")
		middleware.SafeGo("credential-stats-sync", func() {
			if err := c.SyncCredentialStats(context.Background()); err != nil {
				log.WithError(err).Error("Credential stats sync failed")
			}
		})
		ctx.JSON(http.StatusAccepted, gin.H{"message": "Credential stats sync triggered."})
	})

	return engine
}
