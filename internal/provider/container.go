package provider

import (
	"github.com/referral-next/internal/cache"
	"github.com/referral-next/internal/config"
	"github.com/referral-next/internal/logger"
	"github.com/referral-next/internal/models"
	"github.com/referral-next/internal/queue"
	"github.com/referral-next/internal/repository"
	"github.com/referral-next/internal/service"
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	QueueClient *queue.Client

	// Repositories
	UserRepo         repository.UserRepository
	ReferralRepo     repository.ReferralRepository
	UserLoginLogRepo repository.UserLoginLogRepository

	// Services
	UserAuthService     *service.UserAuthService
	ReferralService     *service.ReferralService
	UserLoginLogService *service.UserLoginLogService
}

// NewContainer 初始化容器
func NewContainer(cfg *config.Config) *Container {
	// 初始化缓存
	if err := cache.InitRedis(&cfg.Redis); err != nil {
		logger.Warnw("provider_init_redis_failed", "error", err)
	}

	// 初始化队列客户端
	var queueClient *queue.Client
	if cfg.Queue.Enabled {
		qc, err := queue.NewClient(&cfg.Queue)
		if err != nil {
			logger.Errorw("provider_init_queue_client_failed", "error", err)
		} else {
			queueClient = qc
		}
	}

	c := &Container{
		Config:      cfg,
		QueueClient: queueClient,
	}

	c.initRepositories()
	c.initServices()

	return c
}

func (c *Container) initRepositories() {
	db := models.DB
	c.UserRepo = repository.NewUserRepository(db)
	c.ReferralRepo = repository.NewReferralRepository(db)
	c.UserLoginLogRepo = repository.NewUserLoginLogRepository(db)
}

func (c *Container) initServices() {
	c.ReferralService = service.NewReferralService(c.ReferralRepo, c.UserRepo)
	c.UserAuthService = service.NewUserAuthService(c.Config, c.UserRepo, c.ReferralService)
	c.UserLoginLogService = service.NewUserLoginLogService(c.UserLoginLogRepo)
}
