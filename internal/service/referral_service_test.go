package service

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/referral-next/internal/constants"
	"github.com/referral-next/internal/models"
	"github.com/referral-next/internal/repository"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestIssueCodeCreatesLiveCode(t *testing.T) {
	svc, db := setupReferralServiceTest(t)

	user := createReferralTestUser(t, db, "issuer", "issuer@example.com")

	before := time.Now()
	record, err := svc.IssueCode(user.ID)
	if err != nil {
		t.Fatalf("issue code failed: %v", err)
	}
	if record == nil || record.Code == nil || record.ExpiresAt == nil {
		t.Fatalf("expected live code after issue, got %+v", record)
	}
	if len(*record.Code) != referralCodeLength {
		t.Fatalf("expected code length %d, got %q", referralCodeLength, *record.Code)
	}
	for _, ch := range *record.Code {
		if !strings.ContainsRune(referralCodeAlphabet, ch) {
			t.Fatalf("code %q contains symbol outside alphabet", *record.Code)
		}
	}

	wantExpiry := before.Add(referralCodeLifetime)
	if diff := record.ExpiresAt.Sub(wantExpiry); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("expected expiry near %v, got %v", wantExpiry, *record.ExpiresAt)
	}

	resolved, err := svc.ResolveCode(*record.Code)
	if err != nil {
		t.Fatalf("resolve code failed: %v", err)
	}
	if resolved == nil || resolved.UserID != user.ID {
		t.Fatalf("expected issued code to resolve to user %d, got %+v", user.ID, resolved)
	}
}

func TestIssueCodeUnknownUser(t *testing.T) {
	svc, _ := setupReferralServiceTest(t)

	if _, err := svc.IssueCode(9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestIssueCodeTwiceKeepsSingleLiveCode(t *testing.T) {
	svc, db := setupReferralServiceTest(t)

	user := createReferralTestUser(t, db, "reissue", "reissue@example.com")

	first, err := svc.IssueCode(user.ID)
	if err != nil {
		t.Fatalf("first issue failed: %v", err)
	}
	second, err := svc.IssueCode(user.ID)
	if err != nil {
		t.Fatalf("second issue failed: %v", err)
	}
	if *first.Code == *second.Code {
		t.Fatalf("expected second issue to replace code, both are %q", *first.Code)
	}

	stale, err := svc.ResolveCode(*first.Code)
	if err != nil {
		t.Fatalf("resolve stale code failed: %v", err)
	}
	if stale != nil {
		t.Fatalf("expected replaced code to stop resolving, got %+v", stale)
	}

	live, err := svc.ResolveCode(*second.Code)
	if err != nil {
		t.Fatalf("resolve live code failed: %v", err)
	}
	if live == nil || live.UserID != user.ID {
		t.Fatalf("expected latest code to resolve, got %+v", live)
	}

	var count int64
	if err := db.Model(&models.ReferralRecord{}).Where("user_id = ?", user.ID).Count(&count).Error; err != nil {
		t.Fatalf("count records failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single record per user, got %d", count)
	}
}

func TestResolveCodeExpired(t *testing.T) {
	svc, db := setupReferralServiceTest(t)

	user := createReferralTestUser(t, db, "expired", "expired@example.com")
	record, err := svc.IssueCode(user.ID)
	if err != nil {
		t.Fatalf("issue code failed: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	if err := db.Model(&models.ReferralRecord{}).
		Where("user_id = ?", user.ID).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("backdate expiry failed: %v", err)
	}

	resolved, err := svc.ResolveCode(*record.Code)
	if err != nil {
		t.Fatalf("resolve expired code failed: %v", err)
	}
	if resolved != nil {
		t.Fatalf("expected expired code to resolve as absent, got %+v", resolved)
	}
}

func TestResolveCodeAbsent(t *testing.T) {
	svc, _ := setupReferralServiceTest(t)

	resolved, err := svc.ResolveCode("NoSuchCode")
	if err != nil {
		t.Fatalf("resolve absent code failed: %v", err)
	}
	if resolved != nil {
		t.Fatalf("expected absent code to resolve nil, got %+v", resolved)
	}

	resolved, err = svc.ResolveCode("   ")
	if err != nil || resolved != nil {
		t.Fatalf("expected blank code to resolve nil, got %+v err=%v", resolved, err)
	}
}

func TestRevokeCode(t *testing.T) {
	svc, db := setupReferralServiceTest(t)

	user := createReferralTestUser(t, db, "revoker", "revoker@example.com")
	record, err := svc.IssueCode(user.ID)
	if err != nil {
		t.Fatalf("issue code failed: %v", err)
	}
	code := *record.Code

	revoked, err := svc.RevokeCode(user.ID)
	if err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if revoked == nil || revoked.Code != nil || revoked.ExpiresAt != nil {
		t.Fatalf("expected cleared code after revoke, got %+v", revoked)
	}

	resolved, err := svc.ResolveCode(code)
	if err != nil {
		t.Fatalf("resolve revoked code failed: %v", err)
	}
	if resolved != nil {
		t.Fatalf("expected revoked code to stop resolving, got %+v", resolved)
	}

	// 重复撤销为幂等空操作
	again, err := svc.RevokeCode(user.ID)
	if err != nil {
		t.Fatalf("second revoke failed: %v", err)
	}
	if again == nil || again.Code != nil {
		t.Fatalf("expected idempotent revoke, got %+v", again)
	}
}

func TestRevokeCodeMissingRecord(t *testing.T) {
	svc, _ := setupReferralServiceTest(t)

	if _, err := svc.RevokeCode(12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing record, got %v", err)
	}
}

func TestEnsureRecordIdempotentAndReferrerImmutable(t *testing.T) {
	svc, db := setupReferralServiceTest(t)

	referrer := createReferralTestUser(t, db, "ref-owner", "ref-owner@example.com")
	user := createReferralTestUser(t, db, "referred", "referred@example.com")

	created, err := svc.EnsureRecord(user.ID, &referrer.ID)
	if err != nil {
		t.Fatalf("ensure record failed: %v", err)
	}
	if created.ReferrerID == nil || *created.ReferrerID != referrer.ID {
		t.Fatalf("expected referrer %d, got %+v", referrer.ID, created.ReferrerID)
	}

	other := createReferralTestUser(t, db, "other", "other@example.com")
	again, err := svc.EnsureRecord(user.ID, &other.ID)
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if again.ID != created.ID {
		t.Fatalf("expected same record on repeat ensure, got %d vs %d", again.ID, created.ID)
	}
	if again.ReferrerID == nil || *again.ReferrerID != referrer.ID {
		t.Fatalf("expected referrer unchanged, got %+v", again.ReferrerID)
	}
}

func TestResolveActiveCodeByEmail(t *testing.T) {
	svc, db := setupReferralServiceTest(t)

	user := createReferralTestUser(t, db, "mailcode", "mailcode@example.com")
	issued, err := svc.IssueCode(user.ID)
	if err != nil {
		t.Fatalf("issue code failed: %v", err)
	}

	record, err := svc.ResolveActiveCodeByEmail("MailCode@Example.com")
	if err != nil {
		t.Fatalf("resolve by email failed: %v", err)
	}
	if record == nil || record.Code == nil || *record.Code != *issued.Code {
		t.Fatalf("expected live code %q for email, got %+v", *issued.Code, record)
	}

	// 码过期后与邮箱不存在同样返回空
	past := time.Now().Add(-time.Hour)
	if err := db.Model(&models.ReferralRecord{}).
		Where("user_id = ?", user.ID).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("backdate expiry failed: %v", err)
	}
	record, err = svc.ResolveActiveCodeByEmail("mailcode@example.com")
	if err != nil {
		t.Fatalf("resolve expired by email failed: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil for expired code, got %+v", record)
	}

	record, err = svc.ResolveActiveCodeByEmail("nobody@example.com")
	if err != nil {
		t.Fatalf("resolve unknown email failed: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil for unknown email, got %+v", record)
	}

	if _, err := svc.ResolveActiveCodeByEmail("not-an-email"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail for malformed email, got %v", err)
	}
}

func TestListReferralsOf(t *testing.T) {
	svc, db := setupReferralServiceTest(t)

	referrer := createReferralTestUser(t, db, "lister", "lister@example.com")
	if _, err := svc.IssueCode(referrer.ID); err != nil {
		t.Fatalf("issue code failed: %v", err)
	}

	empty, err := svc.ListReferralsOf(referrer.ID)
	if err != nil {
		t.Fatalf("list empty referrals failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty slice before any referral, got %d", len(empty))
	}

	first := createReferralTestUser(t, db, "child-a", "child-a@example.com")
	second := createReferralTestUser(t, db, "child-b", "child-b@example.com")
	if _, err := svc.EnsureRecord(first.ID, &referrer.ID); err != nil {
		t.Fatalf("ensure first referral failed: %v", err)
	}
	if _, err := svc.EnsureRecord(second.ID, &referrer.ID); err != nil {
		t.Fatalf("ensure second referral failed: %v", err)
	}

	users, err := svc.ListReferralsOf(referrer.ID)
	if err != nil {
		t.Fatalf("list referrals failed: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 referrals, got %d", len(users))
	}
	if users[0].ID != first.ID || users[1].ID != second.ID {
		t.Fatalf("expected insertion order [%d %d], got [%d %d]", first.ID, second.ID, users[0].ID, users[1].ID)
	}

	// 推荐关系不随推荐人码的撤销而消失
	if _, err := svc.RevokeCode(referrer.ID); err != nil {
		t.Fatalf("revoke referrer code failed: %v", err)
	}
	users, err = svc.ListReferralsOf(referrer.ID)
	if err != nil {
		t.Fatalf("list referrals after revoke failed: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected referrals to survive revoke, got %d", len(users))
	}
}

func TestReferralChainScenario(t *testing.T) {
	svc, db := setupReferralServiceTest(t)

	alice := createReferralTestUser(t, db, "alice", "alice@example.com")
	aliceCode, err := svc.IssueCode(alice.ID)
	if err != nil {
		t.Fatalf("issue alice code failed: %v", err)
	}

	// Bob 通过 Alice 的码注册，再签发自己的码给 Carol
	bob := createReferralTestUser(t, db, "bob", "bob@example.com")
	resolved, err := svc.ResolveCode(*aliceCode.Code)
	if err != nil || resolved == nil {
		t.Fatalf("resolve alice code failed: %+v err=%v", resolved, err)
	}
	if _, err := svc.EnsureRecord(bob.ID, &resolved.UserID); err != nil {
		t.Fatalf("link bob failed: %v", err)
	}
	bobCode, err := svc.IssueCode(bob.ID)
	if err != nil {
		t.Fatalf("issue bob code failed: %v", err)
	}

	carol := createReferralTestUser(t, db, "carol", "carol@example.com")
	resolved, err = svc.ResolveCode(*bobCode.Code)
	if err != nil || resolved == nil {
		t.Fatalf("resolve bob code failed: %+v err=%v", resolved, err)
	}
	if _, err := svc.EnsureRecord(carol.ID, &resolved.UserID); err != nil {
		t.Fatalf("link carol failed: %v", err)
	}

	aliceReferrals, err := svc.ListReferralsOf(alice.ID)
	if err != nil {
		t.Fatalf("list alice referrals failed: %v", err)
	}
	if len(aliceReferrals) != 1 || aliceReferrals[0].ID != bob.ID {
		t.Fatalf("expected alice to have referred only bob, got %+v", aliceReferrals)
	}

	bobReferrals, err := svc.ListReferralsOf(bob.ID)
	if err != nil {
		t.Fatalf("list bob referrals failed: %v", err)
	}
	if len(bobReferrals) != 1 || bobReferrals[0].ID != carol.ID {
		t.Fatalf("expected bob to have referred only carol, got %+v", bobReferrals)
	}
}

func TestGenerateReferralCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		code, err := generateReferralCode()
		if err != nil {
			t.Fatalf("generate code failed: %v", err)
		}
		if len(code) != referralCodeLength {
			t.Fatalf("expected length %d, got %q", referralCodeLength, code)
		}
		for _, ch := range code {
			if !strings.ContainsRune(referralCodeAlphabet, ch) {
				t.Fatalf("code %q contains symbol outside alphabet", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 30 {
		t.Fatalf("expected distinct codes across draws, got %d unique", len(seen))
	}
}

func setupReferralServiceTest(t *testing.T) (*ReferralService, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:referral_service_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.ReferralRecord{}); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}

	referralRepo := repository.NewReferralRepository(db)
	userRepo := repository.NewUserRepository(db)
	return NewReferralService(referralRepo, userRepo), db
}

func createReferralTestUser(t *testing.T, db *gorm.DB, username, email string) models.User {
	t.Helper()

	row := models.User{
		Username:     username,
		Email:        email,
		PasswordHash: "hash",
		DisplayName:  username,
		Status:       constants.UserStatusActive,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	return row
}
