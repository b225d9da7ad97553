package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/referral-next/internal/constants"
	"github.com/referral-next/internal/models"
	"github.com/referral-next/internal/provider"
	"github.com/referral-next/internal/queue"
	"github.com/referral-next/internal/repository"
	"github.com/referral-next/internal/service"

	"github.com/glebarez/sqlite"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

func setupConsumerTest(t *testing.T) (*Consumer, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:worker_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := db.AutoMigrate(&models.UserLoginLog{}); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	container := &provider.Container{
		UserLoginLogService: service.NewUserLoginLogService(repository.NewUserLoginLogRepository(db)),
	}
	return NewConsumer(container), db
}

func TestHandleUserLoginLog(t *testing.T) {
	consumer, db := setupConsumerTest(t)

	task, err := queue.NewUserLoginLogTask(queue.UserLoginLogPayload{
		UserID:   3,
		Username: "alice",
		Status:   constants.LoginLogStatusFailed,
		ClientIP: "10.0.0.9",
	})
	if err != nil {
		t.Fatalf("build task failed: %v", err)
	}
	if err := consumer.handleUserLoginLog(context.Background(), task); err != nil {
		t.Fatalf("handle task failed: %v", err)
	}

	var saved models.UserLoginLog
	if err := db.Where("user_id = ?", 3).First(&saved).Error; err != nil {
		t.Fatalf("load saved log failed: %v", err)
	}
	if saved.Username != "alice" || saved.Status != constants.LoginLogStatusFailed {
		t.Fatalf("unexpected log: %+v", saved)
	}
}

func TestHandleUserLoginLogSkipsEmptyIdentity(t *testing.T) {
	consumer, db := setupConsumerTest(t)

	task, err := queue.NewUserLoginLogTask(queue.UserLoginLogPayload{Status: constants.LoginLogStatusFailed})
	if err != nil {
		t.Fatalf("build task failed: %v", err)
	}
	if err := consumer.handleUserLoginLog(context.Background(), task); err != nil {
		t.Fatalf("handle task failed: %v", err)
	}

	var count int64
	if err := db.Model(&models.UserLoginLog{}).Count(&count).Error; err != nil {
		t.Fatalf("count logs failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no logs, got %d", count)
	}
}

func TestHandleUserLoginLogBadPayload(t *testing.T) {
	consumer, _ := setupConsumerTest(t)

	task := asynq.NewTask(queue.TaskUserLoginLog, []byte("{not-json"))
	if err := consumer.handleUserLoginLog(context.Background(), task); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}
