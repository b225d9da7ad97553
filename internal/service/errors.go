package service

import "errors"

// 业务哨兵错误，handler 层通过 errors.Is 映射为接口响应码。
var (
	ErrNotFound             = errors.New("resource not found")
	ErrUsernameExists       = errors.New("username already exists")
	ErrEmailExists          = errors.New("email already exists")
	ErrInvalidEmail         = errors.New("email invalid")
	ErrInvalidUsername      = errors.New("username invalid")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrInvalidPassword      = errors.New("password incorrect")
	ErrUserDisabled         = errors.New("user disabled")
	ErrWeakPassword         = errors.New("password too weak")
	ErrReferralCodeInvalid  = errors.New("referral code invalid or expired")
	ErrReferralCodeConflict = errors.New("referral code generation conflict")
)
