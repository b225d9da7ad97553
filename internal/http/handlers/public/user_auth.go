package public

import (
	"errors"
	"strings"
	"time"

	"github.com/referral-next/internal/constants"
	"github.com/referral-next/internal/http/response"
	"github.com/referral-next/internal/models"
	"github.com/referral-next/internal/queue"
	"github.com/referral-next/internal/service"

	"github.com/gin-gonic/gin"
)

// UserRegisterRequest 注册请求
type UserRegisterRequest struct {
	Username    string `json:"username" binding:"required"`
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name"`
}

// UserRegisterRefRequest 携带推荐码的注册请求
type UserRegisterRefRequest struct {
	Username     string `json:"username" binding:"required"`
	Email        string `json:"email" binding:"required"`
	Password     string `json:"password" binding:"required"`
	DisplayName  string `json:"display_name"`
	ReferralCode string `json:"referral_code" binding:"required"`
}

// UserRegister 用户注册
func (h *Handler) UserRegister(c *gin.Context) {
	var req UserRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}

	user, token, expiresAt, err := h.UserAuthService.Register(req.Username, req.Email, req.Password, req.DisplayName, "")
	if err != nil {
		respondRegisterError(c, err)
		return
	}

	response.Success(c, registerResponse(user, token, expiresAt))
}

// UserRegisterRef 推荐码注册。
// 推荐码无效或过期直接拒绝，不提示码是否曾经存在。
func (h *Handler) UserRegisterRef(c *gin.Context) {
	var req UserRegisterRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}

	user, token, expiresAt, err := h.UserAuthService.Register(req.Username, req.Email, req.Password, req.DisplayName, req.ReferralCode)
	if err != nil {
		respondRegisterError(c, err)
		return
	}

	response.Success(c, registerResponse(user, token, expiresAt))
}

func respondRegisterError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidUsername):
		respondError(c, response.CodeBadRequest, "username invalid", nil)
	case errors.Is(err, service.ErrInvalidEmail):
		respondError(c, response.CodeBadRequest, "email invalid", nil)
	case errors.Is(err, service.ErrUsernameExists):
		respondError(c, response.CodeBadRequest, "username already exists", nil)
	case errors.Is(err, service.ErrEmailExists):
		respondError(c, response.CodeBadRequest, "email already exists", nil)
	case errors.Is(err, service.ErrReferralCodeInvalid):
		respondError(c, response.CodeBadRequest, "incorrect referral code", nil)
	case errors.Is(err, service.ErrWeakPassword):
		respondError(c, response.CodeBadRequest, err.Error(), nil)
	default:
		respondError(c, response.CodeInternal, "register failed", err)
	}
}

func registerResponse(user *models.User, token string, expiresAt time.Time) gin.H {
	return gin.H{
		"user":       userProfile(user),
		"token":      token,
		"expires_at": expiresAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func userProfile(user *models.User) gin.H {
	if user == nil {
		return gin.H{}
	}
	return gin.H{
		"id":            user.ID,
		"username":      user.Username,
		"email":         user.Email,
		"display_name":  user.DisplayName,
		"status":        user.Status,
		"last_login_at": user.LastLoginAt,
		"created_at":    user.CreatedAt,
	}
}

// UserLoginRequest 登录请求
type UserLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// UserLogin 用户登录
func (h *Handler) UserLogin(c *gin.Context) {
	var req UserLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.recordUserLogin(c, req.Username, 0, constants.LoginLogStatusFailed, constants.LoginLogFailReasonBadRequest)
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}

	user, token, expiresAt, err := h.UserAuthService.Login(req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			h.recordUserLogin(c, req.Username, 0, constants.LoginLogStatusFailed, constants.LoginLogFailReasonInvalidCredentials)
			respondError(c, response.CodeUnauthorized, "invalid username or password", nil)
		case errors.Is(err, service.ErrUserDisabled):
			h.recordUserLogin(c, req.Username, 0, constants.LoginLogStatusFailed, constants.LoginLogFailReasonUserDisabled)
			respondError(c, response.CodeUnauthorized, "user disabled", nil)
		default:
			h.recordUserLogin(c, req.Username, 0, constants.LoginLogStatusFailed, constants.LoginLogFailReasonInternalError)
			respondError(c, response.CodeInternal, "login failed", err)
		}
		return
	}

	h.recordUserLogin(c, user.Username, user.ID, constants.LoginLogStatusSuccess, "")
	response.Success(c, registerResponse(user, token, expiresAt))
}

// UserLogout 退出登录
func (h *Handler) UserLogout(c *gin.Context) {
	uid, ok := getUserID(c)
	if !ok {
		return
	}

	if err := h.UserAuthService.Logout(uid); err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			respondError(c, response.CodeNotFound, "user not found", nil)
		default:
			respondError(c, response.CodeInternal, "logout failed", err)
		}
		return
	}
	response.Success(c, gin.H{"logout": true})
}

// GetCurrentUser 获取当前用户信息
func (h *Handler) GetCurrentUser(c *gin.Context) {
	uid, ok := getUserID(c)
	if !ok {
		return
	}

	user, err := h.UserAuthService.GetUserByID(uid)
	if err != nil {
		respondError(c, response.CodeInternal, "fetch user failed", err)
		return
	}
	if user == nil {
		respondError(c, response.CodeNotFound, "user not found", nil)
		return
	}
	response.Success(c, userProfile(user))
}

// UserChangePasswordRequest 修改密码请求
type UserChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// ChangeUserPassword 登录态修改密码
func (h *Handler) ChangeUserPassword(c *gin.Context) {
	uid, ok := getUserID(c)
	if !ok {
		return
	}

	var req UserChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}

	if err := h.UserAuthService.ChangePassword(uid, req.OldPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			respondError(c, response.CodeNotFound, "user not found", nil)
		case errors.Is(err, service.ErrInvalidPassword):
			respondError(c, response.CodeBadRequest, "old password incorrect", nil)
		case errors.Is(err, service.ErrWeakPassword):
			respondError(c, response.CodeBadRequest, err.Error(), nil)
		default:
			respondError(c, response.CodeInternal, "change password failed", err)
		}
		return
	}
	response.Success(c, gin.H{"changed": true})
}

// recordUserLogin 记录登录行为。
// 优先投递到异步队列，队列不可用时同步落库兜底。
func (h *Handler) recordUserLogin(c *gin.Context, username string, userID uint, status, failReason string) {
	if h == nil {
		return
	}
	requestID := ""
	if c != nil {
		if rid, ok := c.Get("request_id"); ok {
			if value, ok := rid.(string); ok {
				requestID = strings.TrimSpace(value)
			}
		}
	}

	if h.QueueClient.Enabled() {
		err := h.QueueClient.EnqueueUserLoginLog(queue.UserLoginLogPayload{
			UserID:      userID,
			Username:    username,
			Status:      status,
			FailReason:  failReason,
			ClientIP:    c.ClientIP(),
			UserAgent:   c.GetHeader("User-Agent"),
			LoginSource: constants.LoginLogSourceWeb,
			RequestID:   requestID,
		})
		if err == nil {
			return
		}
	}

	if h.UserLoginLogService == nil {
		return
	}
	_ = h.UserLoginLogService.Record(service.RecordUserLoginInput{
		UserID:      userID,
		Username:    username,
		Status:      status,
		FailReason:  failReason,
		ClientIP:    c.ClientIP(),
		UserAgent:   c.GetHeader("User-Agent"),
		LoginSource: constants.LoginLogSourceWeb,
		RequestID:   requestID,
	})
}
