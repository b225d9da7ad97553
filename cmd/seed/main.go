package main

import (
	"log"
	"time"

	"github.com/referral-next/internal/config"
	"github.com/referral-next/internal/logger"
	"github.com/referral-next/internal/models"
	"github.com/referral-next/internal/repository"
	"github.com/referral-next/internal/service"
)

func main() {
	// 连接数据库
	cfg := config.Load()
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	stdLog := logger.StdLogger()
	if err := models.InitDB(cfg.Database.Driver, cfg.Database.DSN, models.DBPoolConfig{
		MaxOpenConns:           cfg.Database.Pool.MaxOpenConns,
		MaxIdleConns:           cfg.Database.Pool.MaxIdleConns,
		ConnMaxLifetimeSeconds: cfg.Database.Pool.ConnMaxLifetimeSeconds,
		ConnMaxIdleTimeSeconds: cfg.Database.Pool.ConnMaxIdleTimeSeconds,
	}); err != nil {
		stdLog.Fatalf("Failed to connect database: %v", err)
	}

	// 自动迁移
	if err := models.AutoMigrate(); err != nil {
		stdLog.Fatalf("Failed to migrate database: %v", err)
	}

	userRepo := repository.NewUserRepository(models.DB)
	referralRepo := repository.NewReferralRepository(models.DB)
	referralService := service.NewReferralService(referralRepo, userRepo)
	authService := service.NewUserAuthService(cfg, userRepo, referralService)

	// 种子用户: alice 作为推荐人, bob 与 carol 通过她的推荐码注册
	alice := ensureUser(stdLog, userRepo, authService, "alice", "alice@example.com", "Alice Zhang", "")
	if alice == nil {
		return
	}

	code := ensureReferralCode(stdLog, referralService, alice)
	if code == "" {
		return
	}

	ensureUser(stdLog, userRepo, authService, "bob", "bob@example.com", "Bob Li", code)
	ensureUser(stdLog, userRepo, authService, "carol", "carol@example.com", "Carol Wang", code)

	referrals, err := referralService.ListReferralsOf(alice.ID)
	if err != nil {
		stdLog.Printf("Failed to list referrals: %v", err)
		return
	}
	stdLog.Printf("Seed done: alice code=%s referrals=%d", code, len(referrals))
}

func ensureUser(stdLog *log.Logger, userRepo repository.UserRepository, authService *service.UserAuthService, username, email, displayName, referralCode string) *models.User {
	existing, err := userRepo.GetByUsername(username)
	if err != nil {
		stdLog.Printf("Failed to query user %s: %v", username, err)
		return nil
	}
	if existing != nil {
		stdLog.Printf("User already exists: %s", username)
		return existing
	}

	user, _, _, err := authService.Register(username, email, "Seed@123456", displayName, referralCode)
	if err != nil {
		stdLog.Printf("Failed to create user %s: %v", username, err)
		return nil
	}
	stdLog.Printf("Created user: %s (id=%d)", username, user.ID)
	return user
}

func ensureReferralCode(stdLog *log.Logger, referralService *service.ReferralService, user *models.User) string {
	record, err := referralService.EnsureRecord(user.ID, nil)
	if err != nil {
		stdLog.Printf("Failed to load referral record for %s: %v", user.Username, err)
		return ""
	}
	if record != nil && record.CodeActive(time.Now()) {
		stdLog.Printf("Referral code already active for %s: %s", user.Username, *record.Code)
		return *record.Code
	}

	record, err = referralService.IssueCode(user.ID)
	if err != nil {
		stdLog.Printf("Failed to issue referral code for %s: %v", user.Username, err)
		return ""
	}
	stdLog.Printf("Issued referral code for %s: %s", user.Username, *record.Code)
	return *record.Code
}
