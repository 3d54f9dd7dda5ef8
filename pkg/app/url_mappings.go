package app

import (
	"net/http"

	"github.com/osvaldoandrade/inspector/internal/backends"
	"github.com/osvaldoandrade/inspector/internal/controllers"
	"github.com/osvaldoandrade/inspector/internal/middleware"
	"github.com/osvaldoandrade/inspector/pkg/domain"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	app.Engine.GET("/healthz", func(c *gin.Context) {
		if err := app.Persistence.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "scheduler": app.Scheduler.Running()})
	})

	var viewer controllers.ReportViewer
	if vt, ok := app.Backends.Analyser(backends.VirusTotalName).(*backends.VirusTotal); ok {
		viewer = vt
	}

	v1 := app.Engine.Group("/v1/inspector")
	producer := v1.Group("", middleware.AuthMiddleware(app.Validator, app.Config))
	{
		create := producer.Group("/tasks", middleware.RateLimitProducer(app.RateLimiter, app.Config))
		create.POST("/url", controllers.NewCreateURLTaskController(app.Analysis).Handle)
		create.POST("/file", controllers.NewCreateFileTaskController(app.Analysis, app.Config.MaxUploadBytes).Handle)
		create.POST("/hash/:hash", controllers.NewCreateHashTaskController(app.Analysis).Handle)

		producer.GET("/tasks/id/:id", controllers.NewGetTaskByIDController(app.Analysis).Handle)
		producer.GET("/tasks/:fingerprint", controllers.NewGetViewController(app.Analysis).Handle)
		producer.GET("/tasks/:fingerprint/status", controllers.NewGetTaskStatusController(app.Analysis).Handle)

		producer.GET("/vt/hash/:hash", controllers.NewVTPassthroughController(viewer, domain.KindFile).Handle)
		producer.GET("/vt/url/*url", controllers.NewVTPassthroughController(viewer, domain.KindURL).Handle)

		producer.GET("/credentials", controllers.NewGetCredentialsController(app.Analysis).Handle)

		admin := producer.Group("", middleware.RequireAdmin(), middleware.RateLimitAdmin(app.RateLimiter, app.Config))
		admin.POST("/credentials", controllers.NewUpdateCredentialsController(app.Credentials).Handle)
		admin.GET("/admin/jobs", controllers.NewAdminJobsController(app.Scheduler).Handle)
		admin.POST("/admin/tasks/:fingerprint/watch", controllers.NewWatchTaskController(app.Analysis).Handle)
	}
}
