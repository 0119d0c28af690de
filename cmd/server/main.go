package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-backend/internal/config"
	"github.com/pu-ac-cn/cas-backend/internal/database"
	"github.com/pu-ac-cn/cas-backend/internal/handler"
	"github.com/pu-ac-cn/cas-backend/internal/middleware"
	"github.com/pu-ac-cn/cas-backend/internal/model"
	"github.com/pu-ac-cn/cas-backend/internal/redis"
	"github.com/pu-ac-cn/cas-backend/internal/repository"
	"github.com/pu-ac-cn/cas-backend/internal/service"
	"github.com/pu-ac-cn/cas-backend/internal/ticket"
	"github.com/pu-ac-cn/cas-backend/pkg/response"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化数据库连接
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()
	log.Println("数据库连接成功")

	// 初始化 Redis 连接
	if err := redis.Init(&cfg.Redis); err != nil {
		log.Fatalf("初始化 Redis 失败: %v", err)
	}
	defer redis.Close()
	log.Println("Redis 连接成功")

	// 自动迁移数据库表
	if err := database.AutoMigrate(
		&model.User{},
		&model.RegisteredService{},
	); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	log.Println("数据库迁移完成")

	logger := middleware.GetLogger()

	// 后台协程的生命周期与进程一致
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化 Repository
	userRepo := repository.NewUserRepository(database.GetDB())
	var serviceRepo repository.RegisteredServiceRepository
	if cfg.ServiceRegistry.Enabled {
		serviceRepo = repository.NewRegisteredServiceRepository(database.GetDB())
	} else {
		// 注册表关闭时使用配置中的种子列表；种子为空则所有服务 URL 都会被拒绝
		serviceRepo = repository.NewMemoryServiceRepository(seedServices(cfg.ServiceRegistry.Seed))
		log.Printf("服务注册表已禁用，使用内存种子列表（%d 条）", len(cfg.ServiceRegistry.Seed))
	}

	// 初始化服务注册表快照
	serviceRegistry, err := service.NewServiceRegistry(ctx, serviceRepo, logger)
	if err != nil {
		log.Fatalf("初始化服务注册表失败: %v", err)
	}
	service.StartRefresher(ctx, serviceRegistry, cfg.ServiceRegistry.RefreshInterval, logger)

	// 初始化票据注册表
	ticketRegistry := ticket.NewRedisRegistry(redis.GetClient(), logger)
	ticket.StartSweeper(ctx, ticketRegistry, cfg.Ticket.SweepInterval, logger)
	ticketFactory := ticket.NewFactory(cfg.Ticket.HostSuffix)

	// 初始化认证器
	handlers := []service.AuthenticationHandler{
		service.NewPasswordHandler(userRepo, cfg.Auth.PasswordMaxAge),
	}
	if cfg.Auth.RememberMeSecret != "" {
		handlers = append(handlers,
			service.NewRememberMeHandler(userRepo, cfg.Auth.RememberMeSecret, cfg.Auth.Issuer))
	}
	authenticator := service.NewAuthenticator(cfg.Auth.Policy, logger, handlers...)

	// 初始化验证码
	activation := service.NewCaptchaActivationStrategy(cfg.Recaptcha)
	captcha := service.NewRecaptchaValidator(cfg.Recaptcha, nil, logger)

	// 初始化流程引擎与校验服务
	flow := service.NewFlowEngine(
		serviceRegistry, ticketRegistry, ticketFactory,
		authenticator, activation, captcha,
		redis.GetClient(), cfg, logger,
	)
	validation := service.NewValidationService(
		serviceRegistry, ticketRegistry, ticketFactory, nil, cfg, logger)

	// 初始化 Handler
	casHandler := handler.NewCASHandler(flow, cfg, logger)
	validateHandler := handler.NewValidateHandler(validation, logger)
	registryHandler := handler.NewRegistryHandler(serviceRegistry, logger)

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()

	// 全局中间件
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())
	router.Use(middleware.CORS())

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		dbStatus := "ok"
		if err := database.Ping(); err != nil {
			dbStatus = "error"
		}

		redisStatus := "ok"
		if err := redis.GetClient().Ping(c.Request.Context()).Err(); err != nil {
			redisStatus = "error"
		}

		response.Success(c, gin.H{
			"status":   "ok",
			"time":     time.Now().Format(time.RFC3339),
			"database": dbStatus,
			"redis":    redisStatus,
		})
	})

	// CAS 协议路由
	cas := router.Group(cfg.Server.ContextPath)
	{
		cas.GET("/login", casHandler.Login)
		cas.POST("/login", casHandler.SubmitLogin)
		cas.GET("/logout", casHandler.Logout)

		cas.GET("/serviceValidate", validateHandler.ServiceValidate)
		cas.GET("/proxyValidate", validateHandler.ProxyValidate)
		cas.GET("/p3/serviceValidate", validateHandler.P3ServiceValidate)
		cas.GET("/p3/proxyValidate", validateHandler.P3ProxyValidate)
		cas.GET("/proxy", validateHandler.Proxy)
	}

	// 管理 API 路由
	api := router.Group("/api/v1")
	api.Use(middleware.AdminAuth(cfg.Auth.AdminSecret))
	{
		api.GET("/services", registryHandler.List)
		api.GET("/services/:id", registryHandler.Get)
		api.POST("/services", registryHandler.Create)
		api.PUT("/services/:id", registryHandler.Update)
		api.DELETE("/services/:id", registryHandler.Delete)
	}

	// 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 启动服务器
	go func() {
		log.Printf("服务启动，监听地址: %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")
	cancel()

	// 优雅关闭，等待 5 秒
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("服务关闭失败: %v", err)
	}

	database.Close()
	redis.Close()

	log.Println("服务已关闭")
}

// seedServices 把配置中的种子列表转换为注册服务模型
func seedServices(seed []config.SeedService) []*model.RegisteredService {
	services := make([]*model.RegisteredService, 0, len(seed))
	for _, s := range seed {
		matchType := s.MatchType
		if matchType == "" {
			matchType = model.MatchPrefix
		}
		captchaMode := s.CaptchaMode
		if captchaMode == "" {
			captchaMode = model.CaptchaDefault
		}
		ssoEnabled := true
		if s.SSOEnabled != nil {
			ssoEnabled = *s.SSOEnabled
		}
		services = append(services, &model.RegisteredService{
			Name:         s.Name,
			Pattern:      s.Pattern,
			MatchType:    matchType,
			Enabled:      true,
			SSOEnabled:   ssoEnabled,
			CaptchaMode:  captchaMode,
			AllowedAttrs: s.AllowedAttrs,
		})
	}
	return services
}
