package public

import (
	"errors"
	"time"

	"github.com/referral-next/internal/http/response"
	"github.com/referral-next/internal/models"
	"github.com/referral-next/internal/service"

	"github.com/gin-gonic/gin"
)

// IssueMyReferralCode 为当前用户签发推荐码。
// 已有有效码时直接换新码，旧码立即失效。
func (h *Handler) IssueMyReferralCode(c *gin.Context) {
	uid, ok := getUserID(c)
	if !ok {
		return
	}

	record, err := h.ReferralService.IssueCode(uid)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			respondError(c, response.CodeNotFound, "user not found", nil)
		case errors.Is(err, service.ErrReferralCodeConflict):
			respondError(c, response.CodeInternal, "referral code generation failed", err)
		default:
			respondError(c, response.CodeInternal, "issue referral code failed", err)
		}
		return
	}

	response.Success(c, referralCodeView(record))
}

// RevokeMyReferralCode 撤销当前用户的推荐码
func (h *Handler) RevokeMyReferralCode(c *gin.Context) {
	uid, ok := getUserID(c)
	if !ok {
		return
	}

	if _, err := h.ReferralService.RevokeCode(uid); err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			respondError(c, response.CodeNotFound, "referral record not found", nil)
		default:
			respondError(c, response.CodeInternal, "revoke referral code failed", err)
		}
		return
	}
	response.Success(c, gin.H{"revoked": true})
}

// GetMyReferralCode 查询当前用户的推荐码。
// 没有有效码时返回空 code。
func (h *Handler) GetMyReferralCode(c *gin.Context) {
	uid, ok := getUserID(c)
	if !ok {
		return
	}

	record, err := h.ReferralService.EnsureRecord(uid, nil)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			respondError(c, response.CodeNotFound, "user not found", nil)
		default:
			respondError(c, response.CodeInternal, "fetch referral code failed", err)
		}
		return
	}
	if !record.CodeActive(time.Now()) {
		response.Success(c, gin.H{"code": nil, "expires_at": nil})
		return
	}
	response.Success(c, referralCodeView(record))
}

// ListMyReferrals 查询经由当前用户推荐注册的用户
func (h *Handler) ListMyReferrals(c *gin.Context) {
	uid, ok := getUserID(c)
	if !ok {
		return
	}

	users, err := h.ReferralService.ListReferralsOf(uid)
	if err != nil {
		respondError(c, response.CodeInternal, "list referrals failed", err)
		return
	}

	items := make([]gin.H, 0, len(users))
	for i := range users {
		items = append(items, referralUserView(&users[i]))
	}
	response.Success(c, gin.H{
		"total": len(items),
		"items": items,
	})
}

// GetReferralCodeByEmail 按邮箱查询有效推荐码。
// 邮箱不存在与码已失效不作区分，统一按无有效码处理。
func (h *Handler) GetReferralCodeByEmail(c *gin.Context) {
	email := c.Query("email")

	record, err := h.ReferralService.ResolveActiveCodeByEmail(email)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidEmail):
			respondError(c, response.CodeBadRequest, "email invalid", nil)
		default:
			respondError(c, response.CodeInternal, "fetch referral code failed", err)
		}
		return
	}
	if record == nil {
		respondError(c, response.CodeBadRequest, "no active referral code for this email", nil)
		return
	}
	response.Success(c, referralCodeView(record))
}

func referralCodeView(record *models.ReferralRecord) gin.H {
	if record == nil {
		return gin.H{}
	}
	var expiresAt interface{}
	if record.ExpiresAt != nil {
		expiresAt = record.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return gin.H{
		"code":       record.Code,
		"expires_at": expiresAt,
	}
}

func referralUserView(user *models.User) gin.H {
	if user == nil {
		return gin.H{}
	}
	return gin.H{
		"id":           user.ID,
		"username":     user.Username,
		"display_name": user.DisplayName,
		"created_at":   user.CreatedAt,
	}
}
