package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/petquest/petquest/internal/config"
	"github.com/petquest/petquest/internal/handlers"
)

// Store is everything the gateway needs from persistence.
type Store interface {
	handlers.Store
	handlers.PetStore
}

// NewRouter wires the gateway's endpoints.
// Public: /health, /ready, /webhooks/strava (subscription echo), GET /pets/:id
// Signed: /webhooks/:provider, POST /pets
func NewRouter(cfg *config.Config, st Store, pub handlers.Publisher, pc handlers.PetCache, log *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := st.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	handlers.RegisterWebhookRoutes(r, cfg.Webhooks, st, pub, log)
	handlers.RegisterPetRoutes(r, cfg, st, pc, log)

	return r
}
