package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/referral-next/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReferralRepository 推荐档案数据访问接口
type ReferralRepository interface {
	Transaction(fn func(tx *gorm.DB) error) error
	WithTx(tx *gorm.DB) ReferralRepository

	GetByUserID(userID uint) (*models.ReferralRecord, error)
	GetByUserIDForUpdate(userID uint) (*models.ReferralRecord, error)
	Create(record *models.ReferralRecord) error
	Update(record *models.ReferralRecord) error

	GetLiveByCode(code string, now time.Time) (*models.ReferralRecord, error)
	GetLiveByEmail(email string, now time.Time) (*models.ReferralRecord, error)
	ListUsersByReferrer(referrerID uint) ([]models.User, error)
}

// GormReferralRepository GORM 推荐档案仓储
type GormReferralRepository struct {
	db *gorm.DB
}

// NewReferralRepository 创建推荐档案仓储
func NewReferralRepository(db *gorm.DB) *GormReferralRepository {
	return &GormReferralRepository{db: db}
}

// WithTx 绑定事务
func (r *GormReferralRepository) WithTx(tx *gorm.DB) ReferralRepository {
	if tx == nil {
		return r
	}
	return &GormReferralRepository{db: tx}
}

// Transaction 执行事务
func (r *GormReferralRepository) Transaction(fn func(tx *gorm.DB) error) error {
	if fn == nil {
		return nil
	}
	return r.db.Transaction(fn)
}

// GetByUserID 按用户ID获取推荐档案
func (r *GormReferralRepository) GetByUserID(userID uint) (*models.ReferralRecord, error) {
	if userID == 0 {
		return nil, nil
	}
	var record models.ReferralRecord
	if err := r.db.Where("user_id = ?", userID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetByUserIDForUpdate 按用户ID获取推荐档案并加行锁。
// SQLite 不支持 FOR UPDATE，gorm 的 sqlite 方言会忽略该子句。
func (r *GormReferralRepository) GetByUserIDForUpdate(userID uint) (*models.ReferralRecord, error) {
	if userID == 0 {
		return nil, nil
	}
	var record models.ReferralRecord
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Create 创建推荐档案
func (r *GormReferralRepository) Create(record *models.ReferralRecord) error {
	return r.db.Create(record).Error
}

// Update 更新推荐档案
func (r *GormReferralRepository) Update(record *models.ReferralRecord) error {
	return r.db.Save(record).Error
}

// GetLiveByCode 按推荐码查询未过期的档案。
// 过期档案即使字段尚未清空也不会命中。
func (r *GormReferralRepository) GetLiveByCode(code string, now time.Time) (*models.ReferralRecord, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return nil, nil
	}
	var record models.ReferralRecord
	err := r.db.Preload("User").
		Where("code = ? AND expires_at > ?", trimmed, now).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetLiveByEmail 按用户邮箱查询未过期的推荐码档案
func (r *GormReferralRepository) GetLiveByEmail(email string, now time.Time) (*models.ReferralRecord, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return nil, nil
	}
	var record models.ReferralRecord
	err := r.db.Model(&models.ReferralRecord{}).
		Joins("JOIN users ON users.id = referral_records.user_id").
		Where("users.email = ? AND referral_records.expires_at > ?", trimmed, now).
		Preload("User").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// ListUsersByReferrer 查询经由指定用户推荐码注册的全部用户。
// 按档案创建顺序返回，保证同一数据集的结果稳定。
func (r *GormReferralRepository) ListUsersByReferrer(referrerID uint) ([]models.User, error) {
	if referrerID == 0 {
		return []models.User{}, nil
	}
	var users []models.User
	err := r.db.Model(&models.User{}).
		Joins("JOIN referral_records ON referral_records.user_id = users.id").
		Where("referral_records.referrer_id = ?", referrerID).
		Order("referral_records.id ASC").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}
