package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"luxe_estate_v1/internal/config"
	"luxe_estate_v1/internal/controller"
	"luxe_estate_v1/internal/middleware"
	"luxe_estate_v1/internal/model"
	"luxe_estate_v1/internal/repository"
	"luxe_estate_v1/internal/router"
	"luxe_estate_v1/internal/service"
	"luxe_estate_v1/internal/task"
	"luxe_estate_v1/pkg/database"
	"luxe_estate_v1/pkg/logger"
	"luxe_estate_v1/pkg/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Server.Dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 1. 初始化数据库
	db, err := initDatabase(cfg, log)
	if err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}

	// 2. 初始化依赖
	deps, err := initDependencies(cfg, db, log)
	if err != nil {
		log.Fatalf("依赖初始化失败: %v", err)
	}

	// 3. 启动定时任务
	if err := initTasks(deps); err != nil {
		log.Fatalf("定时任务启动失败: %v", err)
	}

	// 4. 初始化路由
	r := router.SetupRouter(deps.Controllers, router.Options{
		Dev:         cfg.Server.Dev,
		Guard:       deps.Guard,
		UploadsRoot: deps.UploadsRoot,
	})

	// 5. 启动服务
	startServer(cfg.Server.Port, r, deps)
}

// ==================== 依赖容器 ====================

// Dependencies 依赖容器
type Dependencies struct {
	DB          *gorm.DB
	Log         *zap.SugaredLogger
	Config      *config.Config
	Sessions    *service.SessionManager
	Guard       *middleware.SubmitGuard
	Controllers *router.Controllers
	UploadsRoot string

	draftSlots repository.DraftSlotRepository // 仅 DRAFT_STORE=db 时非空
	tasks      []scheduledTask
}

// scheduledTask 退出时需要停止的定时任务
type scheduledTask interface {
	Stop()
}

// ==================== 初始化函数 ====================

// initDatabase 初始化数据库
func initDatabase(cfg *config.Config, log *zap.SugaredLogger) (*gorm.DB, error) {
	db, err := database.InitDB(cfg.Database.Driver, cfg.Database.DSN, log, &model.DraftSlot{})
	if err != nil {
		return nil, err
	}
	if err := repository.MigrateListingTables(db); err != nil {
		return nil, err
	}
	return db, nil
}

// initDependencies 初始化所有依赖
func initDependencies(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger) (*Dependencies, error) {
	deps := &Dependencies{DB: db, Log: log, Config: cfg}

	// -------- 存储 --------
	storage, err := service.NewBlobStorage(service.StorageConfig{
		Provider:  cfg.Storage.Provider,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Endpoint:  cfg.Storage.Endpoint,
		CDNDomain: cfg.Storage.CDNDomain,
		BasePath:  cfg.Storage.BasePath,
	})
	if err != nil {
		return nil, fmt.Errorf("存储服务初始化失败: %w", err)
	}
	if local, ok := storage.(*service.LocalStorage); ok {
		deps.UploadsRoot = local.Root()
	}

	// -------- 草稿槽位 --------
	slots, err := initDraftSlots(cfg, db, deps)
	if err != nil {
		return nil, err
	}

	// -------- 房源存储 --------
	var listings repository.ListingStore
	switch cfg.Listing.Backend {
	case "supabase":
		listings = repository.NewSupabaseListingRepository(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
	default:
		listings = repository.NewListingRepository(db)
	}

	// -------- 业务服务 --------
	assets := service.NewAssetValidator(nil)
	uploader := service.NewUploadOrchestrator(storage, log)
	submitter := service.NewSubmissionController(assets, uploader, listings, cfg.Upload.Folder, log)
	deps.Sessions = service.NewSessionManager(listings, slots, submitter, cfg.Draft.Debounce, log)
	deps.Guard = middleware.NewSubmitGuard(cfg.Server.SubmitCooldown)

	// -------- Controller 层 --------
	deps.Controllers = &router.Controllers{
		Session: controller.NewSessionController(deps.Sessions, assets, deps.Guard),
		Media:   controller.NewMediaController(assets),
		Health:  controller.NewHealthController(deps.Sessions),
	}

	log.Infof("[Init] storage=%s, draft=%s, listing=%s",
		cfg.Storage.Provider, cfg.Draft.Store, cfg.Listing.Backend)
	return deps, nil
}

// initDraftSlots 按配置选择草稿槽位存储
func initDraftSlots(cfg *config.Config, db *gorm.DB, deps *Dependencies) (service.LocalStore, error) {
	switch cfg.Draft.Store {
	case "redis":
		client, err := repository.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		return repository.NewRedisDraftSlots(client, cfg.Draft.TTL), nil
	case "db":
		repo := repository.NewDraftSlotRepository(db)
		deps.draftSlots = repo
		return repo, nil
	default:
		return utils.NewMemoryStore(cfg.Draft.TTL), nil
	}
}

// ==================== 定时任务 ====================

// initTasks 初始化定时任务
func initTasks(deps *Dependencies) error {
	// 回收空闲会话，同时清除它的提交冷却
	reapTask := task.NewSessionReapTask(deps.Sessions, deps.Config.Session.IdleTTL, deps.Guard.Reset, deps.Log)
	if err := reapTask.Start(); err != nil {
		return err
	}
	deps.tasks = append(deps.tasks, reapTask)

	// 关系库草稿没有过期机制，需要定时清理
	if deps.draftSlots == nil {
		return nil
	}

	cleanupTask := task.NewDraftCleanupTask(deps.draftSlots, deps.Config.Draft.TTL, deps.Log)
	if err := cleanupTask.Start(); err != nil {
		return err
	}
	deps.tasks = append(deps.tasks, cleanupTask)
	return nil
}

// ==================== 服务启动 ====================

// startServer 启动服务
func startServer(port string, r *gin.Engine, deps *Dependencies) {
	log := deps.Log

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	// 异步启动服务
	go func() {
		log.Infof("服务启动在 :%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("服务强制关闭: %v", err)
	}

	for _, t := range deps.tasks {
		t.Stop()
	}
	// 落盘挂起的草稿并释放预览
	deps.Sessions.CloseAll()

	log.Info("服务已退出")
}
