package models

import "time"

// ReferralRecord 用户推荐档案，每个用户最多一条，按需懒创建。
// Code 为该用户当前对外分发的推荐码，NULL 表示没有有效码；
// Code 与 ExpiresAt 同生同灭。ReferrerID 记录注册时使用了谁的推荐码，
// 写入后不再变更，推荐码撤销或过期都不影响历史推荐关系。
type ReferralRecord struct {
	ID         uint       `gorm:"primarykey" json:"id"`                       // 主键
	UserID     uint       `gorm:"not null;uniqueIndex" json:"user_id"`        // 档案归属用户
	Code       *string    `gorm:"type:varchar(16);uniqueIndex" json:"code"`   // 当前推荐码
	ExpiresAt  *time.Time `json:"expires_at"`                                 // 推荐码过期时间
	ReferrerID *uint      `gorm:"index" json:"referrer_id"`                   // 推荐人用户ID
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`                    // 创建时间
	UpdatedAt  time.Time  `gorm:"index" json:"updated_at"`                    // 更新时间

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"` // 用户信息
}

// TableName 指定表名
func (ReferralRecord) TableName() string {
	return "referral_records"
}

// CodeActive 判断推荐码在给定时刻是否有效。
// 过期是读取时计算的谓词，过期后的字段不会被主动清理。
func (r *ReferralRecord) CodeActive(now time.Time) bool {
	if r == nil || r.Code == nil || r.ExpiresAt == nil {
		return false
	}
	return r.ExpiresAt.After(now)
}
