package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"erp-approval-service/internal/config"
	"erp-approval-service/internal/events"
	"erp-approval-service/internal/handlers"
	"erp-approval-service/internal/jobs"
	"erp-approval-service/internal/middleware"
	"erp-approval-service/internal/models"
	"erp-approval-service/internal/repository"
	"erp-approval-service/internal/seeders"
	"erp-approval-service/internal/services"

	sharedevents "github.com/Tesseract-Nexus/go-shared/events"
	gosharedmw "github.com/Tesseract-Nexus/go-shared/middleware"
	"github.com/Tesseract-Nexus/go-shared/rbac"
)

// @title ERP Approval Engine API
// @version 1.0.0
// @description Multi-level approval and escalation engine for ERP documents
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.url http://www.example.com/support
// @contact.email support@example.com

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8099
// @BasePath /api/v1

// @securityDefinitions.bearer BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

const serviceName = "erp-approval-service"

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.InfoLevel)

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using system environment variables")
	}

	// Initialize configuration
	cfg := config.Load()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Invalid LOG_LEVEL %q, using info", cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}
	entry := logger.WithField("service", serviceName)

	// Initialize storage
	var (
		approvalRepo repository.ApprovalRepositoryInterface
		readyPing   func(ctx context.Context) error
	)
	switch cfg.StorageDriver {
	case config.StorageMemory:
		logger.Warn("Using in-memory storage; data is lost on restart")
		approvalRepo = repository.NewMemoryRepository(cfg.LockTimeout)
	default:
		db, err := config.InitDB(cfg)
		if err != nil {
			logger.Fatal("Failed to connect to database:", err)
		}

		// Run database migrations
		logger.Info("Running database migrations...")
		if err := db.AutoMigrate(
			&models.ApprovalChain{},
			&models.ApprovalLevel{},
			&models.ApproverMembership{},
			&models.ApprovalRequest{},
			&models.ApprovalHistory{},
			&models.UserTask{},
			&models.ApprovalDelegation{},
		); err != nil {
			logger.Fatalf("Failed to run migrations: %v", err)
		}
		logger.Info("Database migrations completed")

		sqlDB, err := db.DB()
		if err != nil {
			logger.Fatalf("Failed to get database handle: %v", err)
		}
		readyPing = sqlDB.PingContext
		approvalRepo = repository.NewApprovalRepository(db, cfg.LockTimeout)
	}

	// Initialize event publisher (optional - service works without NATS)
	var (
		notifier       services.Notifier
		approvalEvents *events.Publisher
	)
	if cfg.NATSURL != "" {
		publisherConfig := sharedevents.DefaultPublisherConfig(cfg.NATSURL)
		publisherConfig.Name = serviceName
		natsPublisher, err := sharedevents.NewPublisher(publisherConfig, logger)
		if err != nil {
			logger.Warnf("Failed to initialize event publisher: %v. Events will not be published.", err)
		} else {
			logger.Info("Event publisher initialized")
			// Ensure approval stream exists
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := natsPublisher.EnsureStream(ctx, sharedevents.StreamApprovals, []string{"approval.>"}); err != nil {
				logger.Warnf("Failed to ensure approval stream: %v", err)
			}
			cancel()
			approvalEvents = events.NewPublisher(natsPublisher, logger)
			notifier = approvalEvents
		}
	} else {
		logger.Info("NATS_URL not configured, event publishing disabled")
	}

	// Initialize Redis for the escalation lease (graceful degradation if unavailable)
	var lease jobs.Lease
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warnf("Failed to parse Redis URL: %v (escalation lease is process-local)", err)
		} else {
			redisClient := redis.NewClient(opt)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := redisClient.Ping(ctx).Err(); err != nil {
				logger.Warnf("Failed to connect to Redis: %v (escalation lease is process-local)", err)
				_ = redisClient.Close()
			} else {
				logger.Info("Redis connection established")
				lease = jobs.NewRedisLease(redisClient, serviceName+":escalation-sweep", cfg.EscalationInterval)
				defer redisClient.Close()
			}
			cancel()
		}
	}

	// Initialize RBAC middleware
	rbacMiddleware := rbac.NewMiddlewareWithURL(cfg.StaffServiceURL, nil)
	logger.Info("RBAC middleware initialized")

	// Initialize services
	audit := services.NewAuditRecorder()
	chainService := services.NewChainService(approvalRepo, entry)
	approvalService := services.NewApprovalService(
		approvalRepo,
		chainService,
		services.NewTaskDispatcher(audit, entry),
		audit,
		notifier,
		entry,
		services.Options{
			LockRetries:   cfg.LockRetries,
			WarningWindow: cfg.SLAWarningWindow,
		},
	)

	if cfg.SeedDefaultChains {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		seeded, err := seeders.SeedDefaultChains(ctx, chainService, cfg.SeedTenantIDs, entry)
		cancel()
		if err != nil {
			logger.Warnf("Failed to seed default approval chains: %v", err)
		} else {
			logger.Infof("Seeded %d default approval chains", seeded)
		}
	}

	// Initialize handlers
	approvalHandler := handlers.NewApprovalHandler(approvalService)
	chainHandler := handlers.NewChainHandler(chainService)
	delegationHandler := handlers.NewDelegationHandler(
		approvalRepo,
		func(c *gin.Context) bool { return rbacMiddleware.HasPermission(c, rbac.PermissionDelegationsRead) },
		func(c *gin.Context) bool { return rbacMiddleware.HasPermission(c, rbac.PermissionDelegationsManage) },
		entry,
	)

	// Start escalation job
	escalationJob := jobs.NewEscalationJob(approvalService, lease, cfg.EscalationInterval, logger)
	jobCtx, jobCancel := context.WithCancel(context.Background())
	go escalationJob.Start(jobCtx)
	logger.Info("Escalation job started")

	// Initialize Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Add CORS middleware
	router.Use(middleware.CORS(cfg.CORSOrigins))

	// Health check endpoints (no auth required)
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.ReadinessCheck(readyPing))

	// Protected API routes
	api := router.Group("/api/v1")

	// Authentication middleware using Istio JWT claims
	// Istio validates JWT and injects x-jwt-claim-* headers
	api.Use(gosharedmw.IstioAuth(gosharedmw.IstioAuthConfig{
		RequireAuth:        true,
		AllowLegacyHeaders: false,
		SkipPaths:          []string{"/health", "/ready", "/metrics", "/swagger"},
	}))
	api.Use(middleware.TenantMiddleware())

	manage := rbacMiddleware.RequirePermission(rbac.PermissionApprovalsManage)

	// Approval endpoints
	{
		// Service-to-service endpoint for creating approval requests (no RBAC - internal services only)
		// Domain services (purchasing, sales, inventory) create requests on behalf of their users
		api.POST("/approvals/internal", middleware.ActorMiddleware(), approvalHandler.CreateRequestInternal)

		// User-facing endpoints
		api.POST("/approvals", rbacMiddleware.RequirePermission(rbac.PermissionApprovalsCreate), approvalHandler.CreateRequest)
		api.GET("/approvals", rbacMiddleware.RequirePermission(rbac.PermissionApprovalsRead), approvalHandler.ListRequests)
		api.GET("/approvals/stats", rbacMiddleware.RequirePermission(rbac.PermissionApprovalsRead), approvalHandler.GetStats)
		api.GET("/approvals/:id", rbacMiddleware.RequirePermission(rbac.PermissionApprovalsRead), approvalHandler.GetRequest)
		api.GET("/approvals/:id/history", rbacMiddleware.RequirePermission(rbac.PermissionApprovalsRead), approvalHandler.GetRequestHistory)
		api.DELETE("/approvals/:id", approvalHandler.CancelRequest) // Only requester can cancel
		api.POST("/approvals/:id/approve", rbacMiddleware.RequirePermission(rbac.PermissionApprovalsApprove), approvalHandler.ApproveRequest)
		api.POST("/approvals/:id/reject", rbacMiddleware.RequirePermission(rbac.PermissionApprovalsReject), approvalHandler.RejectRequest)
		api.POST("/approvals/:id/delegate", rbacMiddleware.RequirePermission(rbac.PermissionApprovalsApprove), approvalHandler.DelegateRequest)
		api.GET("/tasks/me", approvalHandler.ListMyTasks) // Own tasks only
	}

	// Delegation endpoints
	{
		api.POST("/delegations", delegationHandler.CreateDelegation)
		api.GET("/delegations/outgoing", delegationHandler.ListMyDelegations)
		api.GET("/delegations/incoming", delegationHandler.ListDelegatedToMe)
		api.GET("/delegations/:id", delegationHandler.GetDelegation)
		api.POST("/delegations/:id/revoke", delegationHandler.RevokeDelegation)
	}

	// Admin endpoints for chain management
	admin := api.Group("/admin", manage)
	{
		admin.POST("/approval-chains", chainHandler.DefineChain)
		admin.GET("/approval-chains", chainHandler.ListChains)
		admin.GET("/approval-chains/:id", chainHandler.GetChain)
		admin.POST("/approval-chains/:id/deactivate", chainHandler.DeactivateChain)
		admin.PUT("/approver-memberships/:type/:key", chainHandler.SetApproverMembers)
		admin.POST("/approvals/:id/escalate", approvalHandler.EscalateRequest)
	}

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Infof("Approval service starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	// Stop escalation job
	jobCancel()
	escalationJob.Stop()
	logger.Info("Escalation job stopped")

	if approvalEvents != nil {
		approvalEvents.Close()
		logger.Info("Event publisher closed")
	}

	logger.Info("Server shutdown complete")
}
