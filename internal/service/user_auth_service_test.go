package service

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/referral-next/internal/config"
	"github.com/referral-next/internal/constants"
	"github.com/referral-next/internal/models"
	"github.com/referral-next/internal/repository"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testPassword = "Sup3rSecret"

func TestRegisterAndLogin(t *testing.T) {
	authSvc, refSvc, _ := setupUserAuthServiceTest(t)

	user, token, expiresAt, err := authSvc.Register("alice_01", "alice@example.com", testPassword, "Alice", "")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if user.ID == 0 || user.Username != "alice_01" || user.Email != "alice@example.com" {
		t.Fatalf("unexpected user after register: %+v", user)
	}
	if user.DisplayName != "Alice" {
		t.Fatalf("expected display name kept, got %q", user.DisplayName)
	}
	if token == "" || !expiresAt.After(time.Now()) {
		t.Fatalf("expected usable token, got %q exp=%v", token, expiresAt)
	}

	claims, err := authSvc.ParseUserJWT(token)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if claims.UserID != user.ID || claims.Username != user.Username {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	// 注册即建档，但尚无推荐码与推荐人
	record, err := refSvc.EnsureRecord(user.ID, nil)
	if err != nil {
		t.Fatalf("ensure record failed: %v", err)
	}
	if record.Code != nil || record.ReferrerID != nil {
		t.Fatalf("expected bare record after plain register, got %+v", record)
	}

	logged, _, _, err := authSvc.Login("alice_01", testPassword)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if logged.ID != user.ID || logged.LastLoginAt == nil {
		t.Fatalf("unexpected user after login: %+v", logged)
	}
}

func TestRegisterWithReferralCode(t *testing.T) {
	authSvc, refSvc, _ := setupUserAuthServiceTest(t)

	referrer, _, _, err := authSvc.Register("referrer", "referrer@example.com", testPassword, "", "")
	if err != nil {
		t.Fatalf("register referrer failed: %v", err)
	}
	issued, err := refSvc.IssueCode(referrer.ID)
	if err != nil {
		t.Fatalf("issue code failed: %v", err)
	}

	referred, _, _, err := authSvc.Register("referred", "referred@example.com", testPassword, "", *issued.Code)
	if err != nil {
		t.Fatalf("register with code failed: %v", err)
	}

	record, err := refSvc.EnsureRecord(referred.ID, nil)
	if err != nil {
		t.Fatalf("load referred record failed: %v", err)
	}
	if record.ReferrerID == nil || *record.ReferrerID != referrer.ID {
		t.Fatalf("expected referrer %d linked, got %+v", referrer.ID, record.ReferrerID)
	}

	referrals, err := refSvc.ListReferralsOf(referrer.ID)
	if err != nil {
		t.Fatalf("list referrals failed: %v", err)
	}
	if len(referrals) != 1 || referrals[0].ID != referred.ID {
		t.Fatalf("expected referred user listed, got %+v", referrals)
	}
}

func TestRegisterWithInvalidReferralCode(t *testing.T) {
	authSvc, _, db := setupUserAuthServiceTest(t)

	if _, _, _, err := authSvc.Register("orphan", "orphan@example.com", testPassword, "", "NoSuchCode1"); !errors.Is(err, ErrReferralCodeInvalid) {
		t.Fatalf("expected ErrReferralCodeInvalid, got %v", err)
	}

	var count int64
	if err := db.Model(&models.User{}).Where("username = ?", "orphan").Count(&count).Error; err != nil {
		t.Fatalf("count users failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no user created on invalid code, got %d", count)
	}
}

func TestRegisterValidation(t *testing.T) {
	authSvc, _, _ := setupUserAuthServiceTest(t)

	if _, _, _, err := authSvc.Register("ab", "short@example.com", testPassword, "", ""); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername for short name, got %v", err)
	}
	if _, _, _, err := authSvc.Register("bad name", "space@example.com", testPassword, "", ""); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername for spaced name, got %v", err)
	}
	if _, _, _, err := authSvc.Register("okname", "not-an-email", testPassword, "", ""); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, _, _, err := authSvc.Register("okname", "weak@example.com", "short", "", ""); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, _, _, err := authSvc.Register("dupuser", "dup1@example.com", testPassword, "", ""); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, _, _, err := authSvc.Register("dupuser", "dup2@example.com", testPassword, "", ""); !errors.Is(err, ErrUsernameExists) {
		t.Fatalf("expected ErrUsernameExists, got %v", err)
	}
	if _, _, _, err := authSvc.Register("dupuser2", "dup1@example.com", testPassword, "", ""); !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}
}

func TestLoginFailures(t *testing.T) {
	authSvc, _, db := setupUserAuthServiceTest(t)

	user, _, _, err := authSvc.Register("loginer", "loginer@example.com", testPassword, "", "")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, _, _, err := authSvc.Login("loginer", "WrongPass99"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, _, _, err := authSvc.Login("nobody", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}

	if err := db.Model(&models.User{}).Where("id = ?", user.ID).
		Update("status", constants.UserStatusDisabled).Error; err != nil {
		t.Fatalf("disable user failed: %v", err)
	}
	if _, _, _, err := authSvc.Login("loginer", testPassword); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected ErrUserDisabled, got %v", err)
	}
}

func TestLogoutInvalidatesTokenVersion(t *testing.T) {
	authSvc, _, _ := setupUserAuthServiceTest(t)

	user, token, _, err := authSvc.Register("leaver", "leaver@example.com", testPassword, "", "")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	claims, err := authSvc.ParseUserJWT(token)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}

	if err := authSvc.Logout(user.ID); err != nil {
		t.Fatalf("logout failed: %v", err)
	}

	reloaded, err := authSvc.GetUserByID(user.ID)
	if err != nil || reloaded == nil {
		t.Fatalf("reload user failed: %v", err)
	}
	if reloaded.TokenVersion != claims.TokenVersion+1 {
		t.Fatalf("expected token version bump, got %d vs claims %d", reloaded.TokenVersion, claims.TokenVersion)
	}
	if reloaded.TokenInvalidBefore == nil {
		t.Fatalf("expected token_invalid_before set after logout")
	}

	if err := authSvc.Logout(0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for zero user, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	authSvc, _, _ := setupUserAuthServiceTest(t)

	user, _, _, err := authSvc.Register("rotator", "rotator@example.com", testPassword, "", "")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := authSvc.ChangePassword(user.ID, "WrongOld99", "NewSecret99"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if err := authSvc.ChangePassword(user.ID, testPassword, "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if err := authSvc.ChangePassword(user.ID, testPassword, "NewSecret99"); err != nil {
		t.Fatalf("change password failed: %v", err)
	}
	if _, _, _, err := authSvc.Login("rotator", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password rejected, got %v", err)
	}
	if _, _, _, err := authSvc.Login("rotator", "NewSecret99"); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
}

func setupUserAuthServiceTest(t *testing.T) (*UserAuthService, *ReferralService, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:user_auth_service_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.ReferralRecord{}); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}

	cfg := &config.Config{
		UserJWT: config.JWTConfig{
			SecretKey:   "test-secret",
			ExpireHours: 1,
		},
		Security: config.SecurityConfig{
			PasswordPolicy: config.PasswordPolicyConfig{
				MinLength:     8,
				RequireUpper:  true,
				RequireLower:  true,
				RequireNumber: true,
			},
		},
	}

	userRepo := repository.NewUserRepository(db)
	refSvc := NewReferralService(repository.NewReferralRepository(db), userRepo)
	return NewUserAuthService(cfg, userRepo, refSvc), refSvc, db
}
