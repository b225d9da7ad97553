package worker

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/referral-next/internal/logger"
	"github.com/referral-next/internal/provider"
	"github.com/referral-next/internal/queue"
	"github.com/referral-next/internal/service"

	"github.com/hibiken/asynq"
)

// Consumer 异步任务消费者
type Consumer struct {
	*provider.Container
}

// NewConsumer 创建消费者
func NewConsumer(c *provider.Container) *Consumer {
	return &Consumer{
		Container: c,
	}
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(queue.TaskUserLoginLog, c.handleUserLoginLog)
}

func (c *Consumer) handleUserLoginLog(_ context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_user_login_log_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.UserLoginLogPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_user_login_log_unmarshal_failed", "error", err)
		return err
	}
	if strings.TrimSpace(payload.Username) == "" && payload.UserID == 0 {
		logger.Debugw("worker_user_login_log_skip_invalid_payload")
		return nil
	}
	if c.UserLoginLogService == nil {
		logger.Warnw("worker_user_login_log_skip_service_nil", "user_id", payload.UserID)
		return nil
	}
	if err := c.UserLoginLogService.Record(service.RecordUserLoginInput{
		UserID:      payload.UserID,
		Username:    payload.Username,
		Status:      payload.Status,
		FailReason:  payload.FailReason,
		ClientIP:    payload.ClientIP,
		UserAgent:   payload.UserAgent,
		LoginSource: payload.LoginSource,
		RequestID:   payload.RequestID,
	}); err != nil {
		logger.Warnw("worker_user_login_log_record_failed",
			"user_id", payload.UserID,
			"username", payload.Username,
			"error", err,
		)
		return err
	}
	return nil
}
