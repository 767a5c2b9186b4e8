package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/arka-edu/presensi-api/api/swagger"
	"github.com/arka-edu/presensi-api/internal/handler"
	"github.com/arka-edu/presensi-api/internal/middleware"
	"github.com/arka-edu/presensi-api/internal/models"
	"github.com/arka-edu/presensi-api/internal/repository"
	"github.com/arka-edu/presensi-api/internal/service"
	"github.com/arka-edu/presensi-api/pkg/cache"
	"github.com/arka-edu/presensi-api/pkg/config"
	"github.com/arka-edu/presensi-api/pkg/database"
	"github.com/arka-edu/presensi-api/pkg/jobs"
	"github.com/arka-edu/presensi-api/pkg/logger"
	corsmiddleware "github.com/arka-edu/presensi-api/pkg/middleware/cors"
	reqidmiddleware "github.com/arka-edu/presensi-api/pkg/middleware/requestid"
	"github.com/arka-edu/presensi-api/pkg/storage"
)

// @title Presensi API
// @version 1.0.0
// @description Recurring schedule expansion and QR attendance sessions
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validate := validator.New()

	// Repositories.
	templateRepo := repository.NewTemplateRepository(db)
	overrideRepo := repository.NewOverrideRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	manualRepo := repository.NewManualScheduleRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	reportRepo := repository.NewReportRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close()

	// Services.
	metrics := service.NewMetricsService()
	expansionSvc := service.NewExpansionService(templateRepo, overrideRepo, instanceRepo, logr)
	templateSvc := service.NewTemplateService(templateRepo, instanceRepo, cacheRepo, validate, logr)
	overrideSvc := service.NewOverrideService(overrideRepo, templateRepo, instanceRepo, expansionSvc, cacheRepo, validate, logr)
	mergeSvc := service.NewMergeService(manualRepo, validate, logr)
	calendarSvc := service.NewCalendarService(instanceRepo, expansionSvc, cacheRepo, cfg.Calendar, cfg.Expansion.Lazy, logr)
	sessionSvc := service.NewSessionService(sessionRepo, instanceRepo, templateRepo, cacheRepo, metrics, cfg.Session, validate, logr)

	// Background loops.
	rotator := service.NewSessionRotator(sessionRepo, sessionSvc, cfg.Session, logr)
	go rotator.Run(ctx)
	sweeper := service.NewRetentionSweeper(sessionRepo, cfg.Retention, logr)
	go sweeper.Run(ctx)

	// Asynchronous reports.
	var reportSvc *service.ReportService
	if cfg.Reports.Enabled {
		files, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init report storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.JWT.Secret, 24*time.Hour)
		exportSvc := service.NewExportService(instanceRepo, templateRepo, files, signer, service.ExportConfig{APIPrefix: cfg.APIPrefix}, logr, nil, nil)
		queue := jobs.NewQueue("reports", func(ctx context.Context, job jobs.Job) error {
			return reportSvc.Process(ctx, job)
		}, jobs.QueueConfig{
			Workers:    cfg.Reports.WorkerConcurrency,
			MaxRetries: cfg.Reports.WorkerRetries,
			Logger:     logr,
		})
		reportSvc = service.NewReportService(reportRepo, queue, exportSvc, validate, logr, service.ReportServiceConfig{
			CleanupInterval: cfg.Retention.SweepInterval,
		})
		queue.Start(ctx)
		defer queue.Stop()
		reportSvc.RecoverPendingJobs(ctx)
		reportSvc.StartCleanup(ctx)
	}

	// Handlers.
	templateHandler := handler.NewTemplateHandler(templateSvc, expansionSvc)
	overrideHandler := handler.NewOverrideHandler(overrideSvc)
	calendarHandler := handler.NewCalendarHandler(calendarSvc)
	mergeHandler := handler.NewMergeHandler(mergeSvc)
	sessionHandler := handler.NewSessionHandler(sessionSvc)
	metricsHandler := handler.NewMetricsHandler(metrics)

	verifier := middleware.NewTokenVerifier(cfg.JWT.Secret)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.WithResponseMeta())
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(verifier))

	adminOnly := middleware.RequireRoles(models.RoleAdmin)
	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher)
	anyRole := middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher, models.RoleStudent)

	templates := api.Group("/templates")
	{
		templates.GET("", staff, templateHandler.List)
		templates.POST("", adminOnly, templateHandler.Create)
		templates.GET("/:id", staff, templateHandler.Get)
		templates.PUT("/:id", adminOnly, templateHandler.Update)
		templates.DELETE("/:id", adminOnly, templateHandler.Delete)
		templates.GET("/:id/preview", staff, templateHandler.Preview)
		templates.POST("/:id/materialize", staff, templateHandler.Materialize)
		templates.GET("/:id/overrides", staff, overrideHandler.ListByTemplate)
		templates.POST("/:id/overrides", staff, overrideHandler.Create)
	}

	overrides := api.Group("/overrides")
	{
		overrides.PUT("/:id", staff, overrideHandler.Update)
		overrides.DELETE("/:id", staff, overrideHandler.Deactivate)
	}

	api.GET("/calendar", anyRole, calendarHandler.Range)
	api.GET("/teachers/:id/week", staff, calendarHandler.TeacherWeek)

	api.GET("/classes/:id/manual-schedules", staff, mergeHandler.ListByClass)
	api.POST("/manual-schedules/merge", adminOnly, mergeHandler.Merge)
	api.POST("/manual-schedules/:id/split", adminOnly, mergeHandler.Split)

	sessions := api.Group("/sessions")
	{
		sessions.POST("", staff, sessionHandler.Start)
		sessions.GET("/:id/qr", staff, sessionHandler.Payload)
		sessions.POST("/:id/rotate", staff, sessionHandler.Rotate)
		sessions.POST("/:id/scan", anyRole, sessionHandler.Scan)
		sessions.DELETE("/:id", staff, sessionHandler.Close)
		sessions.GET("/:id/attendance", staff, sessionHandler.Attendance)
	}

	if reportSvc != nil {
		reportHandler := handler.NewReportHandler(reportSvc)
		reports := api.Group("/reports")
		{
			reports.POST("", staff, reportHandler.Create)
			reports.GET("/:id", staff, reportHandler.Status)
			reports.GET("/download/:token", reportHandler.Download)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("graceful shutdown failed", "error", err)
	}
	logr.Sugar().Infow("server stopped")
}
