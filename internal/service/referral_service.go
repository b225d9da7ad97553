package service

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/referral-next/internal/logger"
	"github.com/referral-next/internal/models"
	"github.com/referral-next/internal/repository"

	"gorm.io/gorm"
)

const (
	referralCodeLength    = 10
	referralCodeAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	referralCodeLifetime  = 30 * 24 * time.Hour
	referralIssueMaxRetry = 8
)

// ReferralService 推荐码业务服务。
// 负责档案懒创建、推荐码签发与撤销、推荐码与推荐关系查询。
type ReferralService struct {
	repo     repository.ReferralRepository
	userRepo repository.UserRepository
}

// NewReferralService 创建推荐码服务
func NewReferralService(repo repository.ReferralRepository, userRepo repository.UserRepository) *ReferralService {
	return &ReferralService{
		repo:     repo,
		userRepo: userRepo,
	}
}

// EnsureRecord 获取用户的推荐档案，不存在则懒创建。
// referrerID 仅在首次创建时写入，已有档案的推荐人不会被覆盖，
// 重复调用不产生额外写入。
func (s *ReferralService) EnsureRecord(userID uint, referrerID *uint) (*models.ReferralRecord, error) {
	if userID == 0 || s.repo == nil {
		return nil, ErrNotFound
	}

	existing, err := s.repo.GetByUserID(userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now()
	record := &models.ReferralRecord{
		UserID:     userID,
		ReferrerID: referrerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(record); err != nil {
		// 并发创建会撞 user_id 唯一索引，此时回读既有档案即可
		if isUniqueViolation(err) {
			again, getErr := s.repo.GetByUserID(userID)
			if getErr == nil && again != nil {
				return again, nil
			}
		}
		return nil, err
	}
	return record, nil
}

// IssueCode 为用户签发一枚新的推荐码，有效期 30 天。
// 同一用户同一时刻最多一枚有效码，重复签发直接覆盖旧码。
// 推荐码全局唯一由 code 唯一索引保证，撞码时换码重试，
// 重试耗尽返回 ErrReferralCodeConflict（按运维告警处理）。
func (s *ReferralService) IssueCode(userID uint) (*models.ReferralRecord, error) {
	if userID == 0 || s.repo == nil || s.userRepo == nil {
		return nil, ErrNotFound
	}
	user, err := s.userRepo.GetByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNotFound
	}
	if _, err := s.EnsureRecord(userID, nil); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < referralIssueMaxRetry; attempt++ {
		code, genErr := generateReferralCode()
		if genErr != nil {
			return nil, genErr
		}

		var issued *models.ReferralRecord
		txErr := s.repo.Transaction(func(tx *gorm.DB) error {
			txRepo := s.repo.WithTx(tx)
			record, err := txRepo.GetByUserIDForUpdate(userID)
			if err != nil {
				return err
			}
			if record == nil {
				return ErrNotFound
			}
			now := time.Now()
			expiresAt := now.Add(referralCodeLifetime)
			record.Code = &code
			record.ExpiresAt = &expiresAt
			record.UpdatedAt = now
			if err := txRepo.Update(record); err != nil {
				return err
			}
			issued = record
			return nil
		})
		if txErr == nil {
			return issued, nil
		}
		if isUniqueViolation(txErr) {
			continue
		}
		return nil, txErr
	}

	logger.Errorw("referral_code_issue_retry_exhausted",
		"user_id", userID,
		"max_retry", referralIssueMaxRetry,
	)
	return nil, ErrReferralCodeConflict
}

// RevokeCode 撤销用户当前的推荐码。
// 档案不存在返回 ErrNotFound；码已失效时为幂等空操作，返回原档案。
func (s *ReferralService) RevokeCode(userID uint) (*models.ReferralRecord, error) {
	if userID == 0 || s.repo == nil {
		return nil, ErrNotFound
	}

	var revoked *models.ReferralRecord
	txErr := s.repo.Transaction(func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		record, err := txRepo.GetByUserIDForUpdate(userID)
		if err != nil {
			return err
		}
		if record == nil {
			return ErrNotFound
		}
		if record.Code == nil && record.ExpiresAt == nil {
			revoked = record
			return nil
		}
		record.Code = nil
		record.ExpiresAt = nil
		record.UpdatedAt = time.Now()
		if err := txRepo.Update(record); err != nil {
			return err
		}
		revoked = record
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return revoked, nil
}

// ResolveCode 按推荐码查询未过期的档案。
// 查不到或已过期统一返回 nil（正常空结果，不区分两种情况，避免枚举探测）。
func (s *ReferralService) ResolveCode(code string) (*models.ReferralRecord, error) {
	if s.repo == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return nil, nil
	}
	return s.repo.GetLiveByCode(trimmed, time.Now())
}

// ResolveActiveCodeByEmail 按邮箱查询该用户未过期的推荐码档案。
// 邮箱不存在与码失效同样返回 nil。
func (s *ReferralService) ResolveActiveCodeByEmail(email string) (*models.ReferralRecord, error) {
	if s.repo == nil {
		return nil, nil
	}
	normalized, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.repo.GetLiveByEmail(normalized, time.Now())
}

// ListReferralsOf 查询经由指定用户推荐注册的全部用户。
// 推荐关系永久有效，推荐人自己的码撤销或过期不影响结果。
func (s *ReferralService) ListReferralsOf(userID uint) ([]models.User, error) {
	if userID == 0 || s.repo == nil {
		return []models.User{}, nil
	}
	return s.repo.ListUsersByReferrer(userID)
}

// generateReferralCode 生成定长推荐码，字母表为大小写字母加数字。
// 使用 crypto/rand，码值不可预测。生成器本身不查重，
// 唯一性由签发路径的唯一索引加重试兜底。
func generateReferralCode() (string, error) {
	var builder strings.Builder
	builder.Grow(referralCodeLength)
	max := big.NewInt(int64(len(referralCodeAlphabet)))
	for i := 0; i < referralCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		builder.WriteByte(referralCodeAlphabet[n.Int64()])
	}
	return builder.String(), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
