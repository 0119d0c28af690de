// Package service 凭据认证
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pu-ac-cn/cas-backend/internal/model"
	"github.com/pu-ac-cn/cas-backend/internal/repository"
	"go.uber.org/zap"
)

// 认证相关错误
var (
	ErrInvalidCredentials   = errors.New("用户名或密码错误")
	ErrAccountLocked        = errors.New("账户已锁定，请稍后再试")
	ErrAccountDisabled      = errors.New("账户已禁用")
	ErrPasswordExpired      = errors.New("密码已过期，请重置密码")
	ErrUnsupportedCredential = errors.New("没有处理器支持该凭据")
	ErrRememberMeInvalid    = errors.New("记住我令牌无效")
)

// 凭据类型
const (
	CredentialTypePassword   = "username_password"
	CredentialTypeRememberMe = "remember_me"
)

// Credential 凭据变体
type Credential interface {
	CredentialType() string
}

// UsernamePasswordCredential 用户名密码凭据
type UsernamePasswordCredential struct {
	Username string
	Password string
}

// CredentialType 凭据类型
func (UsernamePasswordCredential) CredentialType() string { return CredentialTypePassword }

// RememberMeCredential 记住我令牌凭据
type RememberMeCredential struct {
	Token string
}

// CredentialType 凭据类型
func (RememberMeCredential) CredentialType() string { return CredentialTypeRememberMe }

// AuthenticationResult 认证成功结果
type AuthenticationResult struct {
	Principal       *model.Principal
	Handlers        []string // 认证成功的处理器
	CredentialTypes []string
	AuthenticatedAt time.Time
}

// Record 生成认证事件记录
func (r *AuthenticationResult) Record() *model.AuthenticationRecord {
	return &model.AuthenticationRecord{
		Principal:       r.Principal,
		AuthenticatedAt: r.AuthenticatedAt,
		Handlers:        r.Handlers,
		CredentialTypes: r.CredentialTypes,
	}
}

// AuthenticationError 认证失败，按处理器聚合失败原因
type AuthenticationError struct {
	Failures map[string]error
}

// Error 实现 error 接口
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("认证失败（%d 个处理器报告失败）", len(e.Failures))
}

// Has 检查是否有处理器报告了指定错误
func (e *AuthenticationError) Has(target error) bool {
	for _, err := range e.Failures {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// AuthenticationHandler 凭据处理器
type AuthenticationHandler interface {
	Name() string
	Supports(c Credential) bool
	Authenticate(ctx context.Context, c Credential) (*model.Principal, error)
}

// 认证策略
const (
	PolicyAny        = "any"          // 至少一个处理器成功即可，失败不计
	PolicyAll        = "all"          // 所有支持所给凭据的处理器都必须成功
	PolicyAtLeastOne = "at_least_one" // 每个凭据都至少被一个处理器成功处理
)

// Authenticator 凭据认证器
// 依次把每个凭据交给声明支持它的处理器，再按策略裁决
type Authenticator struct {
	handlers []AuthenticationHandler
	policy   string
	logger   *zap.Logger
}

// NewAuthenticator 创建认证器
func NewAuthenticator(policy string, logger *zap.Logger, handlers ...AuthenticationHandler) *Authenticator {
	if policy == "" {
		policy = PolicyAny
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{handlers: handlers, policy: policy, logger: logger}
}

// Authenticate 执行认证
// 每个凭据必须被至少一个处理器声明支持，否则整体失败；
// 处理器内部的 panic 被隔离为该处理器的失败，不影响其它处理器
func (a *Authenticator) Authenticate(ctx context.Context, creds ...Credential) (*AuthenticationResult, error) {
	if len(creds) == 0 {
		return nil, &AuthenticationError{Failures: map[string]error{"": ErrInvalidCredentials}}
	}

	var principal *model.Principal
	successes := make([]string, 0, len(a.handlers))
	failures := make(map[string]error)
	credTypes := make([]string, 0, len(creds))
	credSatisfied := make(map[int]bool, len(creds))
	hasUnsupported := false

	for i, cred := range creds {
		credTypes = append(credTypes, cred.CredentialType())
		supported := false
		for _, h := range a.handlers {
			if !h.Supports(cred) {
				continue
			}
			supported = true
			p, err := a.invoke(ctx, h, cred)
			if err != nil {
				failures[h.Name()] = err
				continue
			}
			credSatisfied[i] = true
			successes = append(successes, h.Name())
			if principal == nil {
				principal = p
			}
		}
		if !supported {
			hasUnsupported = true
			failures[cred.CredentialType()] = ErrUnsupportedCredential
		}
	}

	// 存在不被任何处理器支持的凭据时直接失败
	if hasUnsupported {
		return nil, &AuthenticationError{Failures: failures}
	}

	ok := false
	switch a.policy {
	case PolicyAll:
		ok = len(successes) > 0 && len(failures) == 0
	case PolicyAtLeastOne:
		ok = len(credSatisfied) == len(creds)
	default: // PolicyAny
		ok = len(successes) > 0
	}

	if !ok || principal == nil {
		return nil, &AuthenticationError{Failures: failures}
	}

	return &AuthenticationResult{
		Principal:       principal,
		Handlers:        successes,
		CredentialTypes: credTypes,
		AuthenticatedAt: time.Now(),
	}, nil
}

// invoke 调用处理器并隔离 panic
func (a *Authenticator) invoke(ctx context.Context, h AuthenticationHandler, c Credential) (p *model.Principal, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("认证处理器发生 panic",
				zap.String("handler", h.Name()),
				zap.Any("panic", r),
			)
			p = nil
			err = fmt.Errorf("处理器 %s 异常: %v", h.Name(), r)
		}
	}()
	return h.Authenticate(ctx, c)
}

// passwordHandler 用户名密码处理器
type passwordHandler struct {
	users          repository.UserRepository
	passwordMaxAge time.Duration
}

// NewPasswordHandler 创建用户名密码处理器
func NewPasswordHandler(users repository.UserRepository, passwordMaxAge time.Duration) AuthenticationHandler {
	return &passwordHandler{users: users, passwordMaxAge: passwordMaxAge}
}

func (h *passwordHandler) Name() string { return "password" }

func (h *passwordHandler) Supports(c Credential) bool {
	return c.CredentialType() == CredentialTypePassword
}

// Authenticate 验证用户名密码
func (h *passwordHandler) Authenticate(ctx context.Context, c Credential) (*model.Principal, error) {
	cred, ok := c.(UsernamePasswordCredential)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	user, err := h.users.GetByUsername(ctx, cred.Username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if user.IsLocked() {
		return nil, ErrAccountLocked
	}
	if !user.IsActive() {
		return nil, ErrAccountDisabled
	}

	if !user.VerifyPassword(cred.Password) {
		user.IncrementFailedLogin()
		_ = h.users.Update(ctx, user)
		if user.IsLocked() {
			return nil, ErrAccountLocked
		}
		return nil, ErrInvalidCredentials
	}

	if user.IsPasswordExpired(h.passwordMaxAge) {
		return nil, ErrPasswordExpired
	}

	// 登录成功，重置失败次数
	if user.FailedLoginCount > 0 {
		user.ResetFailedLogin()
		_ = h.users.Update(ctx, user)
	}

	return user.Principal(), nil
}

// rememberMeClaims 记住我令牌声明
type rememberMeClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// rememberMeHandler 记住我令牌处理器，令牌为 HS256 JWT
type rememberMeHandler struct {
	users  repository.UserRepository
	secret []byte
	issuer string
}

// NewRememberMeHandler 创建记住我令牌处理器
func NewRememberMeHandler(users repository.UserRepository, secret, issuer string) AuthenticationHandler {
	return &rememberMeHandler{users: users, secret: []byte(secret), issuer: issuer}
}

func (h *rememberMeHandler) Name() string { return "remember_me" }

func (h *rememberMeHandler) Supports(c Credential) bool {
	return c.CredentialType() == CredentialTypeRememberMe
}

// Authenticate 验证记住我令牌
func (h *rememberMeHandler) Authenticate(ctx context.Context, c Credential) (*model.Principal, error) {
	cred, ok := c.(RememberMeCredential)
	if !ok {
		return nil, ErrRememberMeInvalid
	}

	var claims rememberMeClaims
	token, err := jwt.ParseWithClaims(cred.Token, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrRememberMeInvalid
		}
		return h.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrRememberMeInvalid
	}
	if claims.Issuer != h.issuer {
		return nil, ErrRememberMeInvalid
	}

	user, err := h.users.GetByUsername(ctx, claims.Username)
	if err != nil {
		return nil, ErrRememberMeInvalid
	}
	if user.IsLocked() {
		return nil, ErrAccountLocked
	}
	if !user.IsActive() {
		return nil, ErrAccountDisabled
	}

	return user.Principal(), nil
}

// IssueRememberMeToken 签发记住我令牌
func IssueRememberMeToken(username, secret, issuer string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := rememberMeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
		Username: username,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
