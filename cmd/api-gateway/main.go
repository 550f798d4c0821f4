package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/tuition-billing-api/api/swagger"
	"github.com/noah-isme/tuition-billing-api/internal/handler"
	internalmiddleware "github.com/noah-isme/tuition-billing-api/internal/middleware"
	"github.com/noah-isme/tuition-billing-api/internal/models"
	"github.com/noah-isme/tuition-billing-api/internal/repository"
	"github.com/noah-isme/tuition-billing-api/internal/service"
	"github.com/noah-isme/tuition-billing-api/pkg/bkash"
	"github.com/noah-isme/tuition-billing-api/pkg/cache"
	"github.com/noah-isme/tuition-billing-api/pkg/config"
	"github.com/noah-isme/tuition-billing-api/pkg/database"
	"github.com/noah-isme/tuition-billing-api/pkg/jobs"
	"github.com/noah-isme/tuition-billing-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/tuition-billing-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/tuition-billing-api/pkg/middleware/requestid"
	"github.com/noah-isme/tuition-billing-api/pkg/sms"
)

// @title Tuition Billing API
// @version 1.0.0
// @description Enrollment payments, recurring invoices and bKash reconciliation.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(db); err != nil {
			logr.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, running without shared cache", zap.Error(err))
		redisClient = nil
	}
	cacheRepo := repository.NewCacheRepository(redisClient, "tuition", logr)
	defer cacheRepo.Close() //nolint:errcheck

	var metricsSvc *service.MetricsService
	if cfg.Metrics.Enabled {
		metricsSvc = service.NewMetricsService()
	}

	loc := cfg.Billing.Location()
	validate := validator.New()

	gatewayOpts := []bkash.Option{bkash.WithLogger(logr.Named("bkash"))}
	if redisClient != nil {
		gatewayOpts = append(gatewayOpts, bkash.WithTokenStore(repository.NewBkashTokenStore(cacheRepo)))
	}
	if metricsSvc != nil {
		gatewayOpts = append(gatewayOpts, bkash.WithObserver(metricsSvc))
	}
	gateway := bkash.NewClient(bkash.Config{
		BaseURL:     cfg.Bkash.BaseURL,
		AppKey:      cfg.Bkash.AppKey,
		AppSecret:   cfg.Bkash.AppSecret,
		Username:    cfg.Bkash.Username,
		Password:    cfg.Bkash.Password,
		Timeout:     cfg.Bkash.Timeout,
		TokenMargin: cfg.Bkash.TokenMargin,
	}, gatewayOpts...)

	var sender sms.Sender = sms.NewLogSender(logr.Named("sms"))
	if cfg.SMS.Enabled {
		sender = sms.NewGreenwebSender(cfg.SMS.Endpoint, cfg.SMS.Token, cfg.SMS.Timeout, logr.Named("sms"))
	}

	txManager := repository.NewTxManager(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	invoiceRepo := repository.NewInvoiceRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	couponRepo := repository.NewCouponRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	eventRepo := repository.NewGatewayEventRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)

	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Billing.FeeCacheTTL, logr, redisClient != nil)
	feeSchedules := service.NewCachedFeeSchedules(courseRepo, cacheSvc, cfg.Billing.FeeCacheTTL)

	authSvc := service.NewAuthService(logr, service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret, Leeway: 30 * time.Second})
	couponSvc := service.NewCouponService(couponRepo, auditRepo, validate, logr, loc)
	settingsSvc := service.NewSettingsService(txManager, settingsRepo, auditRepo, validate, logr)
	enrollmentSvc := service.NewEnrollmentService(txManager, feeSchedules, studentRepo, enrollmentRepo, invoiceRepo, paymentRepo,
		couponSvc, service.NewFeeCalculator(cfg.Billing.MinimumCharge), gateway, auditRepo, validate, logr,
		service.EnrollmentConfig{CallbackURL: cfg.Bkash.CallbackURL, Location: loc})
	reconSvc := service.NewReconciliationService(txManager, enrollmentRepo, invoiceRepo, paymentRepo, auditRepo, gateway, metricsSvc, logr,
		service.ReconciliationConfig{StalePaymentAge: cfg.Billing.StalePaymentAge, BatchSize: cfg.Billing.RecoveryBatchSize})
	paymentSvc := service.NewPaymentService(invoiceRepo, paymentRepo, eventRepo, reconSvc, gateway, auditRepo, validate, logr, service.PaymentConfig{
		CallbackURL:   cfg.Bkash.CallbackURL,
		WebhookSecret: cfg.Bkash.WebhookSecret,
		SuccessURL:    cfg.Bkash.FrontendSuccessURL,
		FailureURL:    cfg.Bkash.FrontendFailureURL,
		CancelURL:     cfg.Bkash.FrontendCancelURL,
	})
	invoiceSvc := service.NewInvoiceService(txManager, enrollmentRepo, invoiceRepo, paymentRepo, settingsSvc, auditRepo, metricsSvc, validate, logr, loc)

	queue := jobs.NewQueue("billing", jobs.QueueConfig{
		Workers:    cfg.Scheduler.QueueWorkers,
		MaxRetries: cfg.Scheduler.QueueRetries,
		RetryDelay: cfg.Scheduler.QueueRetryWait,
		Logger:     logr.Named("jobs"),
	})
	reminderSvc := service.NewReminderService(invoiceRepo, settingsSvc, queue, sender, auditRepo, logr, loc)
	scheduler := jobs.NewScheduler(loc, cfg.Scheduler.TickInterval, logr.Named("scheduler"))
	service.RegisterBillingJobs(scheduler, queue, invoiceSvc, reminderSvc, reconSvc, service.BillingJobsConfig{
		InvoiceHour:      cfg.Scheduler.InvoiceHour,
		ReminderHour:     cfg.Scheduler.ReminderHour,
		RecoveryInterval: cfg.Billing.RecoveryInterval,
	}, logr.Named("billing"))

	queue.Start(ctx)
	if cfg.Scheduler.Enabled {
		go scheduler.Run(ctx)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	if metricsSvc != nil {
		r.Use(internalmiddleware.Metrics(metricsSvc, cfg.Metrics.Path))
	}

	deps := map[string]handler.Pinger{"postgres": db}
	if redisClient != nil {
		deps["redis"] = redisPinger{redisClient}
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, deps)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, metricsHandler.Prometheus)
	}
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc, reconSvc)
	paymentHandler := handler.NewPaymentHandler(paymentSvc)
	invoiceHandler := handler.NewInvoiceHandler(invoiceSvc)
	couponHandler := handler.NewCouponHandler(couponSvc)
	settingsHandler := handler.NewSettingsHandler(settingsSvc)

	api := r.Group(cfg.APIPrefix)
	api.GET("/payments/callback", paymentHandler.Callback)
	api.POST("/payments/webhook", paymentHandler.Webhook)

	secured := api.Group("")
	secured.Use(internalmiddleware.JWT(authSvc))
	staff := internalmiddleware.RequireStaff()

	enrollments := secured.Group("/enrollments")
	enrollments.POST("/initiate", enrollmentHandler.Quote)
	enrollments.POST("/initiate-payment", enrollmentHandler.InitiatePayment)
	enrollments.POST("/complete-with-payment", enrollmentHandler.CompleteWithPayment)
	enrollments.POST("/verify-and-complete-payment", enrollmentHandler.VerifyAndComplete)
	enrollments.GET("", enrollmentHandler.List)
	enrollments.POST("", staff, enrollmentHandler.Create)
	enrollments.POST("/:id/deactivate", staff, enrollmentHandler.Deactivate)
	enrollments.POST("/:id/reactivate", staff, enrollmentHandler.Reactivate)

	payments := secured.Group("/payments")
	payments.POST("/invoices/pay", paymentHandler.PayInvoices)
	payments.POST("/execute", paymentHandler.Execute)
	payments.POST("/query", paymentHandler.Query)
	payments.GET("/history", paymentHandler.History)

	invoices := secured.Group("/invoices")
	invoices.GET("/pending", invoiceHandler.Pending)
	invoices.POST("/manual", staff, invoiceHandler.Manual)
	invoices.POST("/generate", staff, invoiceHandler.Generate)

	coupons := secured.Group("/coupons")
	coupons.GET("/validate", couponHandler.Validate)
	coupons.POST("", staff, couponHandler.Create)
	coupons.PUT("/:id", staff, couponHandler.Update)

	settings := secured.Group("/settings/billing", internalmiddleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin))
	settings.GET("", settingsHandler.List)
	settings.PUT("", settingsHandler.BulkUpdate)
	settings.GET("/:key", settingsHandler.Get)
	settings.PUT("/:key", settingsHandler.Update)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("http shutdown failed", zap.Error(err))
	}
	queue.Stop()
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
