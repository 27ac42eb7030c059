package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/triage/internal/api/handler"
	"github.com/timmy/triage/internal/api/middleware"
	"github.com/timmy/triage/internal/app"
	"github.com/timmy/triage/internal/logger"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(a *app.App, log *logger.Logger) *gin.Engine {
	// Set Gin mode
	switch a.Config.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.CORS(a.Config.Server.CORS))
	r.Use(middleware.RequestLogger(log))

	healthHandler := handler.NewHealthHandler(a.DB)
	activityHandler := handler.NewActivityHandler(a.Ingest, a.Store, a.Index)
	jobHandler := handler.NewJobHandler(a.Store.Jobs)
	escalationHandler := handler.NewEscalationHandler(a.Store.Escalations, a.Store.Contacts)
	adminHandler := handler.NewAdminHandler(a.Store.Jobs, a.Connectors, a.Recoverer, a.Router)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	{
		tenant := v1.Group("/tenants/:tenant")
		{
			tenant.POST("/activities", activityHandler.Push)
			tenant.GET("/activities/:id", activityHandler.Get)
			tenant.GET("/activities/:id/related", activityHandler.Related)
			tenant.POST("/activities/:id/chunks/retry", activityHandler.RetryChunks)

			tenant.POST("/jobs", jobHandler.Enqueue)
			tenant.GET("/jobs", jobHandler.List)

			tenant.GET("/escalations", escalationHandler.List)
			tenant.PUT("/contacts", escalationHandler.UpsertContact)
		}

		v1.GET("/jobs/:id", jobHandler.Get)
		v1.POST("/escalations/:id/acknowledge", escalationHandler.Acknowledge)
		v1.POST("/escalations/:id/dismiss", escalationHandler.Dismiss)

		admin := v1.Group("/admin")
		{
			admin.POST("/ingest", adminHandler.TriggerIngest)
			admin.GET("/jobs/stats", adminHandler.QueueStatus)
			admin.POST("/jobs/recover", adminHandler.Recover)
		}
	}

	return r
}
