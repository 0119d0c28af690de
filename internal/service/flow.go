// Package service 登录流程引擎
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pu-ac-cn/cas-backend/internal/config"
	"github.com/pu-ac-cn/cas-backend/internal/model"
	"github.com/pu-ac-cn/cas-backend/internal/ticket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// State 流程状态
type State string

// Event 流程事件
type Event string

// 流程状态定义
const (
	StateStart               State = "START"
	StateCheckSSO            State = "CHECK_SSO"
	StateCheckCaptcha        State = "CHECK_CAPTCHA"
	StateShowLogin           State = "SHOW_LOGIN"
	StateValidateCredentials State = "VALIDATE_CREDENTIALS"
	StateIssueTGT            State = "ISSUE_TGT"
	StateCreateST            State = "CREATE_ST"
	StateRedirect            State = "REDIRECT"
	StateLogout              State = "LOGOUT"
	StateError               State = "ERROR"
	StateEnd                 State = "END"
)

// 流程事件定义
const (
	EventProceed          Event = "proceed"
	EventServiceUnmatched Event = "serviceUnmatched"
	EventSSOValid         Event = "ssoValid"
	EventSSOMissing       Event = "ssoMissing"
	EventRenewRequired    Event = "renewRequired"
	EventGateway          Event = "gateway"
	EventCaptchaOn        Event = "captchaOn"
	EventCaptchaOff       Event = "captchaOff"
	EventSubmit           Event = "submit"
	EventCaptchaInvalid   Event = "captchaInvalid"
	EventAuthSuccess      Event = "authSuccess"
	EventAuthFailure      Event = "authFailure"
	EventAccountLocked    Event = "accountLocked"
	EventServicePresent   Event = "servicePresent"
	EventNoService        Event = "noService"
	EventUnavailable      Event = "unavailable"
)

// transitionKey 状态转移表键
type transitionKey struct {
	From State
	On   Event
}

// loginTransitions 登录流程状态转移表
// 流程定义是数据而非散落的处理逻辑，可脱离 HTTP 单独测试
var loginTransitions = map[transitionKey]State{
	{StateStart, EventProceed}:          StateCheckSSO,
	{StateStart, EventServiceUnmatched}: StateError,

	{StateCheckSSO, EventSSOValid}:      StateCreateST,
	{StateCheckSSO, EventSSOMissing}:    StateCheckCaptcha,
	{StateCheckSSO, EventRenewRequired}: StateCheckCaptcha,
	{StateCheckSSO, EventGateway}:       StateRedirect,
	{StateCheckSSO, EventNoService}:     StateEnd,

	{StateCheckCaptcha, EventCaptchaOn}:  StateShowLogin,
	{StateCheckCaptcha, EventCaptchaOff}: StateShowLogin,

	{StateShowLogin, EventSubmit}: StateValidateCredentials,

	{StateValidateCredentials, EventCaptchaInvalid}: StateShowLogin,
	{StateValidateCredentials, EventAuthSuccess}:    StateIssueTGT,
	{StateValidateCredentials, EventAuthFailure}:    StateShowLogin,
	{StateValidateCredentials, EventAccountLocked}:  StateError,

	{StateIssueTGT, EventServicePresent}: StateCreateST,
	{StateIssueTGT, EventNoService}:      StateEnd,
	{StateIssueTGT, EventUnavailable}:    StateError,

	{StateCreateST, EventProceed}:     StateRedirect,
	{StateCreateST, EventUnavailable}: StateError,

	{StateLogout, EventProceed}: StateEnd,
}

// ErrInvalidTransition 非法状态转移
var ErrInvalidTransition = errors.New("非法的流程状态转移")

// advance 按转移表推进状态
func advance(from State, on Event) (State, error) {
	next, ok := loginTransitions[transitionKey{From: from, On: on}]
	if !ok {
		return StateError, fmt.Errorf("%w: %s + %s", ErrInvalidTransition, from, on)
	}
	return next, nil
}

// 流程结果类型
const (
	ResultShowForm = "show_form" // 渲染登录表单
	ResultRedirect = "redirect"  // 302 跳转
	ResultSession  = "session"   // 登录完成且无目标服务
	ResultError    = "error"     // 终止错误
)

// 表单错误码
const (
	FormErrorBadCredentials = "BAD_CREDENTIALS"
	FormErrorCaptchaInvalid = "CAPTCHA_INVALID"
)

// 终止错误码
const (
	FlowErrorUnauthorizedService = "UNAUTHORIZED_SERVICE"
	FlowErrorAccountLocked       = "ACCOUNT_LOCKED"
	FlowErrorUnavailable         = "UNAVAILABLE"
	FlowErrorInvalidRequest      = "INVALID_REQUEST"
)

// LoginResult 流程输出
type LoginResult struct {
	Kind            string           `json:"kind"`
	Execution       string           `json:"execution,omitempty"`
	CaptchaRequired bool             `json:"captcha_required,omitempty"`
	FormError       string           `json:"form_error,omitempty"`
	ErrorCode       string           `json:"error_code,omitempty"`
	RedirectURL     string           `json:"redirect_url,omitempty"`
	TGT             *model.TGT       `json:"tgt,omitempty"`        // 新签发的 TGT，由 handler 写入 Cookie
	Principal       *model.Principal `json:"principal,omitempty"`
	RememberMeToken string           `json:"remember_me_token,omitempty"`
}

// StartRequest 登录流程初始请求
type StartRequest struct {
	Service         string
	Renew           bool
	Gateway         bool
	TGTID           string // TGC Cookie 中的 TGT ID，可为空
	RememberMeToken string // 记住我 Cookie 中的令牌，可为空
	ClientIP        string
}

// SubmitRequest 登录表单提交
type SubmitRequest struct {
	Execution    string
	EventID      string
	Username     string
	Password     string
	RememberMe   bool
	CaptchaToken string
	ClientIP     string
}

// FlowEngine 登录流程引擎
// 按状态转移表驱动单次认证尝试，流程会话存储于 Redis
type FlowEngine struct {
	services   ServiceRegistry
	tickets    ticket.Registry
	factory    *ticket.Factory
	authn      *Authenticator
	activation CaptchaActivationStrategy
	captcha    CaptchaValidator
	redis      *redis.Client
	slo        *sloDispatcher
	cfg        *config.Config
	logger     *zap.Logger
}

// NewFlowEngine 创建流程引擎
func NewFlowEngine(
	services ServiceRegistry,
	tickets ticket.Registry,
	factory *ticket.Factory,
	authn *Authenticator,
	activation CaptchaActivationStrategy,
	captcha CaptchaValidator,
	redisClient *redis.Client,
	cfg *config.Config,
	logger *zap.Logger,
) *FlowEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlowEngine{
		services:   services,
		tickets:    tickets,
		factory:    factory,
		authn:      authn,
		activation: activation,
		captcha:    captcha,
		redis:      redisClient,
		slo:        newSLODispatcher(cfg.Auth.SLOWorkers, cfg.Auth.SLOTimeout, logger),
		cfg:        cfg,
		logger:     logger,
	}
}

// Redis key 前缀与有效期
const (
	flowKeyPrefix     = "cas:flow:"
	flowDoneKeyPrefix = "cas:flow_done:"
	flowExpiry        = 10 * time.Minute
	flowDoneExpiry    = 5 * time.Minute

	// 并发提交等待首个提交写入终止结果的轮询参数
	doneWaitAttempts = 20
	doneWaitInterval = 50 * time.Millisecond
)

// StartLogin 处理 GET /login：START → CHECK_SSO → CHECK_CAPTCHA → SHOW_LOGIN
// 或在 SSO 会话有效时直接走 CREATE_ST → REDIRECT
func (e *FlowEngine) StartLogin(ctx context.Context, req StartRequest) (*LoginResult, error) {
	state := StateStart

	// START：服务准入
	var svc *model.RegisteredService
	if req.Service != "" {
		var err error
		svc, err = e.services.FindServiceByURL(req.Service)
		if err != nil {
			if _, terr := advance(state, EventServiceUnmatched); terr != nil {
				return nil, terr
			}
			return &LoginResult{Kind: ResultError, ErrorCode: FlowErrorUnauthorizedService}, nil
		}
	}
	state, err := advance(state, EventProceed)
	if err != nil {
		return nil, err
	}

	// CHECK_SSO：已有会话且未要求 renew 时复用
	if req.TGTID != "" && !req.Renew {
		tgt, err := e.tickets.GetTGT(ctx, req.TGTID)
		if err == nil && svc != nil && svc.SSOEnabled {
			if _, terr := advance(state, EventSSOValid); terr != nil {
				return nil, terr
			}
			return e.createSTAndRedirect(ctx, tgt, svc, req.Service, false)
		}
		if err == nil && svc == nil {
			if _, terr := advance(state, EventNoService); terr != nil {
				return nil, terr
			}
			return &LoginResult{Kind: ResultSession, Principal: tgt.Principal()}, nil
		}
		if err != nil && !errors.Is(err, ticket.ErrTicketNotFound) && !errors.Is(err, ticket.ErrTicketExpired) {
			return nil, err
		}
	}

	// CHECK_SSO：无有效 TGC 时用记住我令牌恢复会话
	if req.RememberMeToken != "" && !req.Renew {
		result, restored, err := e.loginWithRememberMe(ctx, state, req, svc)
		if err != nil {
			return nil, err
		}
		if restored {
			return result, nil
		}
	}

	// gateway：无会话时不提示登录，直接空跳转回服务
	if req.Gateway && req.Service != "" {
		if _, terr := advance(state, EventGateway); terr != nil {
			return nil, terr
		}
		return &LoginResult{Kind: ResultRedirect, RedirectURL: req.Service}, nil
	}

	event := EventSSOMissing
	if req.Renew {
		event = EventRenewRequired
	}
	state, err = advance(state, event)
	if err != nil {
		return nil, err
	}

	// CHECK_CAPTCHA
	captchaActive := e.activation.ShouldActivate(req.ClientIP, svc)
	captchaEvent := EventCaptchaOff
	if captchaActive {
		captchaEvent = EventCaptchaOn
	}
	state, err = advance(state, captchaEvent)
	if err != nil {
		return nil, err
	}

	// SHOW_LOGIN：建立流程会话
	sess := &model.FlowSession{
		ExecutionID:   newExecutionID(),
		State:         string(state),
		Service:       req.Service,
		Renew:         req.Renew,
		Gateway:       req.Gateway,
		CaptchaActive: captchaActive,
		CreatedAt:     time.Now(),
	}
	if svc != nil {
		sess.ServiceID = svc.ID
	}
	if err := e.saveFlow(ctx, sess); err != nil {
		return nil, err
	}

	return &LoginResult{
		Kind:            ResultShowForm,
		Execution:       sess.ExecutionID,
		CaptchaRequired: captchaActive,
	}, nil
}

// SubmitLogin 处理 POST /login：消费流程会话并执行凭据校验
// 同一执行 ID 的并发提交被线性化：只有一个提交真正执行，
// 其余提交观察到首个提交的终止结果
func (e *FlowEngine) SubmitLogin(ctx context.Context, req SubmitRequest) (*LoginResult, error) {
	if req.EventID != "submit" {
		return &LoginResult{Kind: ResultError, ErrorCode: FlowErrorInvalidRequest}, nil
	}

	sess, err := e.claimFlow(ctx, req.Execution)
	if err != nil {
		if errors.Is(err, errFlowClaimed) {
			// 观察首个提交的终止结果；首个提交可能仍在执行，有界轮询等待
			if done := e.waitDone(ctx, req.Execution); done != nil {
				return done, nil
			}
			return &LoginResult{Kind: ResultError, ErrorCode: FlowErrorInvalidRequest}, nil
		}
		return nil, err
	}

	result, err := e.runSubmit(ctx, sess, req)
	if err != nil {
		return nil, err
	}
	e.saveDone(ctx, req.Execution, result)
	return result, nil
}

// runSubmit 执行 SHOW_LOGIN → VALIDATE_CREDENTIALS 之后的流程
func (e *FlowEngine) runSubmit(ctx context.Context, sess *model.FlowSession, req SubmitRequest) (*LoginResult, error) {
	state, err := advance(State(sess.State), EventSubmit)
	if err != nil {
		return nil, err
	}

	// 先执行验证码校验，再进入凭据校验
	if sess.CaptchaActive {
		if err := e.captcha.Validate(ctx, req.CaptchaToken, req.ClientIP); err != nil {
			if _, terr := advance(state, EventCaptchaInvalid); terr != nil {
				return nil, terr
			}
			return e.redisplay(ctx, sess, FormErrorCaptchaInvalid)
		}
	}

	creds := []Credential{UsernamePasswordCredential{Username: req.Username, Password: req.Password}}
	authResult, err := e.authn.Authenticate(ctx, creds...)
	if err != nil {
		var authErr *AuthenticationError
		if !errors.As(err, &authErr) {
			return nil, err
		}
		if authErr.Has(ErrAccountLocked) {
			if _, terr := advance(state, EventAccountLocked); terr != nil {
				return nil, terr
			}
			return &LoginResult{Kind: ResultError, ErrorCode: FlowErrorAccountLocked}, nil
		}
		if _, terr := advance(state, EventAuthFailure); terr != nil {
			return nil, terr
		}
		return e.redisplay(ctx, sess, FormErrorBadCredentials)
	}

	state, err = advance(state, EventAuthSuccess)
	if err != nil {
		return nil, err
	}

	// ISSUE_TGT
	tgt, err := e.issueTGT(ctx, authResult)
	if err != nil {
		if errors.Is(err, ticket.ErrUnavailable) {
			if _, terr := advance(state, EventUnavailable); terr != nil {
				return nil, terr
			}
			return &LoginResult{Kind: ResultError, ErrorCode: FlowErrorUnavailable}, nil
		}
		return nil, err
	}

	var rememberMe string
	if req.RememberMe && e.cfg.Auth.RememberMeSecret != "" {
		rememberMe, err = IssueRememberMeToken(
			authResult.Principal.ID,
			e.cfg.Auth.RememberMeSecret,
			e.cfg.Auth.Issuer,
			e.cfg.Auth.RememberMeExpiry,
		)
		if err != nil {
			e.logger.Warn("签发记住我令牌失败", zap.Error(err))
		}
	}

	if sess.Service == "" {
		if _, terr := advance(state, EventNoService); terr != nil {
			return nil, terr
		}
		return &LoginResult{
			Kind:            ResultSession,
			TGT:             tgt,
			Principal:       authResult.Principal,
			RememberMeToken: rememberMe,
		}, nil
	}

	if _, terr := advance(state, EventServicePresent); terr != nil {
		return nil, terr
	}

	svc, err := e.services.FindServiceByURL(sess.Service)
	if err != nil {
		return &LoginResult{Kind: ResultError, ErrorCode: FlowErrorUnauthorizedService}, nil
	}

	// 本请求链内刚完成主凭据认证，ST 携带 renew 标记
	result, err := e.createSTAndRedirect(ctx, tgt, svc, sess.Service, true)
	if err != nil {
		return nil, err
	}
	result.TGT = tgt
	result.Principal = authResult.Principal
	result.RememberMeToken = rememberMe
	return result, nil
}

// loginWithRememberMe 用记住我令牌恢复会话并按 SSO 路径发票
// 令牌无效或无处理器支持时静默回退到登录表单；
// 恢复的会话并非主凭据认证，签发的 ST 不带 renew 标记
func (e *FlowEngine) loginWithRememberMe(ctx context.Context, state State, req StartRequest, svc *model.RegisteredService) (*LoginResult, bool, error) {
	if svc != nil && !svc.SSOEnabled {
		return nil, false, nil
	}

	authResult, err := e.authn.Authenticate(ctx, RememberMeCredential{Token: req.RememberMeToken})
	if err != nil {
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			return nil, false, nil
		}
		return nil, false, err
	}

	tgt, err := e.issueTGT(ctx, authResult)
	if err != nil {
		if errors.Is(err, ticket.ErrUnavailable) {
			return &LoginResult{Kind: ResultError, ErrorCode: FlowErrorUnavailable}, true, nil
		}
		return nil, false, err
	}

	if svc != nil {
		if _, terr := advance(state, EventSSOValid); terr != nil {
			return nil, false, terr
		}
		result, err := e.createSTAndRedirect(ctx, tgt, svc, req.Service, false)
		if err != nil {
			return nil, false, err
		}
		result.TGT = tgt
		return result, true, nil
	}

	if _, terr := advance(state, EventNoService); terr != nil {
		return nil, false, terr
	}
	return &LoginResult{Kind: ResultSession, TGT: tgt, Principal: authResult.Principal}, true, nil
}

// redisplay 以新的执行 ID 重建流程会话并回显表单
func (e *FlowEngine) redisplay(ctx context.Context, sess *model.FlowSession, formError string) (*LoginResult, error) {
	next := &model.FlowSession{
		ExecutionID:   newExecutionID(),
		State:         string(StateShowLogin),
		Service:       sess.Service,
		ServiceID:     sess.ServiceID,
		Renew:         sess.Renew,
		Gateway:       sess.Gateway,
		CaptchaActive: sess.CaptchaActive,
		CreatedAt:     time.Now(),
	}
	if err := e.saveFlow(ctx, next); err != nil {
		return nil, err
	}
	return &LoginResult{
		Kind:            ResultShowForm,
		Execution:       next.ExecutionID,
		CaptchaRequired: next.CaptchaActive,
		FormError:       formError,
	}, nil
}

// issueTGT 签发并存储 TGT，ID 冲突时重新铸造
func (e *FlowEngine) issueTGT(ctx context.Context, authResult *AuthenticationResult) (*model.TGT, error) {
	now := time.Now()
	for attempt := 0; attempt < mintAttempts; attempt++ {
		tgt := &model.TGT{
			ID:            e.factory.Mint(ticket.PrefixTGT),
			AuthRecord:    authResult.Record(),
			Services:      make(map[string]string),
			TimeToKill:    e.cfg.Ticket.TGTTimeToKill,
			MaxTimeToLive: e.cfg.Ticket.TGTMaxTimeToLive,
			LastUsedAt:    now,
			CreatedAt:     now,
		}
		err := e.tickets.PutTGT(ctx, tgt)
		if err == nil {
			return tgt, nil
		}
		if !errors.Is(err, ticket.ErrTicketExists) {
			return nil, err
		}
	}
	return nil, ticket.ErrTicketExists
}

// mintAttempts 票据 ID 冲突时的重铸次数
const mintAttempts = 3

// createSTAndRedirect 执行 CREATE_ST → REDIRECT
func (e *FlowEngine) createSTAndRedirect(ctx context.Context, tgt *model.TGT, svc *model.RegisteredService, serviceURL string, renew bool) (*LoginResult, error) {
	st, err := e.CreateServiceTicket(ctx, tgt, serviceURL, renew)
	if err != nil {
		if errors.Is(err, ticket.ErrUnavailable) {
			return &LoginResult{Kind: ResultError, ErrorCode: FlowErrorUnavailable}, nil
		}
		return nil, err
	}
	return &LoginResult{
		Kind:        ResultRedirect,
		RedirectURL: appendTicket(serviceURL, st.ID),
		Principal:   tgt.Principal(),
	}, nil
}

// CreateServiceTicket 为已有会话签发 ST 并滑动 TGT 空闲超时
func (e *FlowEngine) CreateServiceTicket(ctx context.Context, tgt *model.TGT, serviceURL string, renew bool) (*model.ServiceTicket, error) {
	if tgt.IsExpired() {
		return nil, ticket.ErrTicketExpired
	}

	now := time.Now()
	var st *model.ServiceTicket
	var err error
	for attempt := 0; attempt < mintAttempts; attempt++ {
		st = &model.ServiceTicket{
			ID:              e.factory.Mint(ticket.PrefixST),
			TGTID:           tgt.ID,
			Service:         serviceURL,
			Renew:           renew,
			UseCount:        0,
			MaxUses:         e.cfg.Ticket.STNumberOfUses,
			AuthenticatedAt: tgt.AuthRecord.AuthenticatedAt,
			ExpiresAt:       now.Add(e.cfg.Ticket.STTimeToKill),
			CreatedAt:       now,
		}
		err = e.tickets.PutST(ctx, st)
		if err == nil {
			break
		}
		if !errors.Is(err, ticket.ErrTicketExists) {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}

	// 滑动空闲超时并记录服务，供单点登出使用
	if tgt.Services == nil {
		tgt.Services = make(map[string]string)
	}
	tgt.Services[st.ID] = serviceURL
	tgt.LastUsedAt = now
	if err := e.tickets.UpdateTGT(ctx, tgt); err != nil {
		e.logger.Warn("回写 TGT 失败", zap.String("tgt", tgt.ID), zap.Error(err))
	}

	return st, nil
}

// Logout 销毁会话并发起单点登出回调
func (e *FlowEngine) Logout(ctx context.Context, tgtID, serviceURL string) (*LoginResult, error) {
	state, err := advance(StateLogout, EventProceed)
	if err != nil {
		return nil, err
	}
	_ = state

	if tgtID != "" {
		services, err := e.tickets.DeleteTGTCascade(ctx, tgtID)
		if err != nil {
			return nil, err
		}
		e.slo.Dispatch(services)
	}

	// 仅跳转回已注册的服务
	if serviceURL != "" {
		if _, err := e.services.FindServiceByURL(serviceURL); err == nil {
			return &LoginResult{Kind: ResultRedirect, RedirectURL: serviceURL}, nil
		}
	}
	return &LoginResult{Kind: ResultSession}, nil
}

// errFlowClaimed 流程会话已被其它提交消费
var errFlowClaimed = errors.New("流程会话不存在或已被消费")

// saveFlow 存储流程会话
func (e *FlowEngine) saveFlow(ctx context.Context, sess *model.FlowSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("序列化流程会话失败: %w", err)
	}
	return e.redis.Set(ctx, flowKeyPrefix+sess.ExecutionID, data, flowExpiry).Err()
}

// claimFlow 原子取出并删除流程会话，实现并发提交线性化
func (e *FlowEngine) claimFlow(ctx context.Context, executionID string) (*model.FlowSession, error) {
	if executionID == "" {
		return nil, errFlowClaimed
	}
	data, err := e.redis.GetDel(ctx, flowKeyPrefix+executionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errFlowClaimed
		}
		return nil, fmt.Errorf("读取流程会话失败: %w", err)
	}
	var sess model.FlowSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("反序列化流程会话失败: %w", err)
	}
	return &sess, nil
}

// saveDone 记录终止结果，供并发提交观察
func (e *FlowEngine) saveDone(ctx context.Context, executionID string, result *LoginResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := e.redis.Set(ctx, flowDoneKeyPrefix+executionID, data, flowDoneExpiry).Err(); err != nil {
		e.logger.Warn("记录流程终止结果失败", zap.Error(err))
	}
}

// waitDone 有界轮询终止结果
// 执行 ID 不存在时首个提交可能尚未写入结果，等待到上限后放弃
func (e *FlowEngine) waitDone(ctx context.Context, executionID string) *LoginResult {
	for i := 0; i < doneWaitAttempts; i++ {
		if done := e.loadDone(ctx, executionID); done != nil {
			return done
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(doneWaitInterval):
		}
	}
	return nil
}

// loadDone 读取终止结果
func (e *FlowEngine) loadDone(ctx context.Context, executionID string) *LoginResult {
	data, err := e.redis.Get(ctx, flowDoneKeyPrefix+executionID).Bytes()
	if err != nil {
		return nil
	}
	var result LoginResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return &result
}

// newExecutionID 生成流程执行 ID
func newExecutionID() string {
	return "e-" + uuid.New().String()
}

// appendTicket 在服务 URL 上追加 ticket 参数
func appendTicket(serviceURL, ticketID string) string {
	sep := "?"
	if strings.Contains(serviceURL, "?") {
		sep = "&"
	}
	return serviceURL + sep + "ticket=" + url.QueryEscape(ticketID)
}
