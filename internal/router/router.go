package router

import (
	"fmt"
	"strings"

	"github.com/referral-next/internal/cache"
	"github.com/referral-next/internal/config"
	publichandlers "github.com/referral-next/internal/http/handlers/public"
	"github.com/referral-next/internal/http/response"
	"github.com/referral-next/internal/logger"
	"github.com/referral-next/internal/provider"

	"github.com/gin-gonic/gin"
)

// SetupRouter 初始化路由
func SetupRouter(cfg *config.Config, c *provider.Container) *gin.Engine {
	log := logger.L
	if log == nil {
		log = logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	}
	r := gin.New()

	publicHandler := publichandlers.New(c)
	redisPrefix := strings.TrimSpace(cfg.Redis.Prefix)
	if redisPrefix == "" {
		redisPrefix = "ref"
	}
	redisClient := cache.Client()
	loginRule := RateLimitRule{
		Prefix:        fmt.Sprintf("%s:rate:login", redisPrefix),
		WindowSeconds: cfg.Security.LoginRateLimit.WindowSeconds,
		MaxRequests:   cfg.Security.LoginRateLimit.MaxAttempts,
		BlockSeconds:  cfg.Security.LoginRateLimit.BlockSeconds,
		Message:       "too many login attempts",
	}

	// 中间件
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware(cfg.CORS))

	r.GET("/healthz", func(ctx *gin.Context) {
		response.Success(ctx, gin.H{"status": "ok"})
	})

	// API 路由组
	apiV1 := r.Group("/api/v1")
	{
		// 用户认证接口
		auth := apiV1.Group("/auth")
		{
			auth.POST("/register", publicHandler.UserRegister)
			auth.POST("/register-ref", publicHandler.UserRegisterRef)
			auth.POST("/login", RateLimitMiddleware(redisClient, loginRule, KeyByIPAndJSONField("username")), publicHandler.UserLogin)
		}

		// 用户接口（需鉴权）
		user := apiV1.Group("")
		user.Use(UserJWTAuthMiddleware(cfg.UserJWT.SecretKey, c.UserRepo))
		{
			user.POST("/logout", publicHandler.UserLogout)
			user.GET("/me", publicHandler.GetCurrentUser)
			user.PUT("/me/password", publicHandler.ChangeUserPassword)
			user.GET("/me/login-logs", publicHandler.GetMyLoginLogs)

			// 推荐码
			user.GET("/me/referral-code", publicHandler.GetMyReferralCode)
			user.POST("/me/referral-code", publicHandler.IssueMyReferralCode)
			user.DELETE("/me/referral-code", publicHandler.RevokeMyReferralCode)
			user.GET("/me/referrals", publicHandler.ListMyReferrals)
			user.GET("/referral-codes/by-email", publicHandler.GetReferralCodeByEmail)
		}
	}

	return r
}
