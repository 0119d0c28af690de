// Package service 票据校验
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pu-ac-cn/cas-backend/internal/config"
	"github.com/pu-ac-cn/cas-backend/internal/model"
	"github.com/pu-ac-cn/cas-backend/internal/ticket"
	"go.uber.org/zap"
)

// 协议层失败码
const (
	CodeInvalidRequest           = "INVALID_REQUEST"
	CodeInvalidTicketSpec        = "INVALID_TICKET_SPEC"
	CodeUnauthorizedService      = "UNAUTHORIZED_SERVICE"
	CodeUnauthorizedServiceProxy = "UNAUTHORIZED_SERVICE_PROXY"
	CodeInvalidProxyCallback     = "INVALID_PROXY_CALLBACK"
	CodeInvalidTicket            = "INVALID_TICKET"
	CodeInvalidService           = "INVALID_SERVICE"
	CodeBadPGT                   = "BAD_PGT"
	CodeInternalError            = "INTERNAL_ERROR"
)

// ValidationError 校验失败，映射为协议失败响应
type ValidationError struct {
	Code   string
	Detail string
}

// Error 实现 error 接口
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func validationErr(code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ValidationResult 校验成功结果
type ValidationResult struct {
	Principal       *model.Principal
	Attributes      map[string][]string // 按服务释放策略过滤后的属性
	AuthenticatedAt time.Time
	FromNewLogin    bool     // 票据签发时刚完成主凭据认证
	PGTIOU          string   // 代理回调成功时下发
	Proxies         []string // 代理票据的回调地址链
}

// ValidationService 票据校验服务
type ValidationService struct {
	services ServiceRegistry
	tickets  ticket.Registry
	factory  *ticket.Factory
	client   *http.Client
	cfg      *config.Config
	logger   *zap.Logger
}

// NewValidationService 创建票据校验服务
// client 为 nil 时使用带默认超时的 HTTP 客户端执行代理回调
func NewValidationService(
	services ServiceRegistry,
	tickets ticket.Registry,
	factory *ticket.Factory,
	client *http.Client,
	cfg *config.Config,
	logger *zap.Logger,
) *ValidationService {
	if client == nil {
		client = &http.Client{Timeout: pgtCallbackTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValidationService{
		services: services,
		tickets:  tickets,
		factory:  factory,
		client:   client,
		cfg:      cfg,
		logger:   logger,
	}
}

// pgtCallbackTimeout 代理回调握手超时
const pgtCallbackTimeout = 5 * time.Second

// ValidateServiceTicket 校验 ST
// 票据消费是原子的：并发校验同一票据时恰有一个调用方成功。
// allowProxy 为 true 时也接受 PT（即 /proxyValidate 语义）
func (v *ValidationService) ValidateServiceTicket(ctx context.Context, serviceURL, ticketID string, renew bool, pgtURL string, allowProxy bool) (*ValidationResult, *ValidationError) {
	if serviceURL == "" || ticketID == "" {
		return nil, validationErr(CodeInvalidRequest, "缺少 service 或 ticket 参数")
	}

	if strings.HasPrefix(ticketID, ticket.PrefixPT+"-") {
		if !allowProxy {
			return nil, validationErr(CodeInvalidTicketSpec, "该端点不接受代理票据")
		}
		return v.validateProxyTicket(ctx, serviceURL, ticketID, renew, pgtURL)
	}
	if !strings.HasPrefix(ticketID, ticket.PrefixST+"-") {
		return nil, validationErr(CodeInvalidTicketSpec, "票据格式无效: %s", ticketID)
	}

	st, err := v.tickets.ConsumeST(ctx, ticketID)
	if err != nil {
		return nil, consumeError(err, ticketID)
	}

	if !serviceURLEqual(st.Service, serviceURL) {
		return nil, validationErr(CodeInvalidService,
			"票据绑定的服务与校验请求不一致")
	}

	if renew && !st.Renew {
		return nil, validationErr(CodeInvalidTicket,
			"票据并非由主凭据认证直接签发")
	}

	// 票据有效性以会话存活为前提：TGT 已销毁则校验失败
	tgt, err := v.tickets.GetTGT(ctx, st.TGTID)
	if err != nil {
		if errors.Is(err, ticket.ErrTicketNotFound) || errors.Is(err, ticket.ErrTicketExpired) {
			return nil, validationErr(CodeInvalidTicket, "票据所属会话已失效")
		}
		return nil, validationErr(CodeInternalError, "读取会话失败: %v", err)
	}

	result := &ValidationResult{
		Principal:       tgt.Principal(),
		AuthenticatedAt: st.AuthenticatedAt,
		FromNewLogin:    st.Renew,
	}
	result.Attributes = v.releaseAttributes(serviceURL, tgt.Principal())

	if pgtURL != "" {
		result.PGTIOU = v.issuePGT(ctx, tgt, st.ID, pgtURL)
	}

	return result, nil
}

// validateProxyTicket 校验 PT，语义同 ST 但额外携带代理链
func (v *ValidationService) validateProxyTicket(ctx context.Context, serviceURL, ticketID string, renew bool, pgtURL string) (*ValidationResult, *ValidationError) {
	pt, err := v.tickets.ConsumePT(ctx, ticketID)
	if err != nil {
		return nil, consumeError(err, ticketID)
	}

	if !serviceURLEqual(pt.Service, serviceURL) {
		return nil, validationErr(CodeInvalidService,
			"票据绑定的服务与校验请求不一致")
	}

	// 代理票据永远不满足 renew 要求
	if renew {
		return nil, validationErr(CodeInvalidTicket,
			"票据并非由主凭据认证直接签发")
	}

	tgt, err := v.tickets.GetTGT(ctx, pt.TGTID)
	if err != nil {
		if errors.Is(err, ticket.ErrTicketNotFound) || errors.Is(err, ticket.ErrTicketExpired) {
			return nil, validationErr(CodeInvalidTicket, "票据所属会话已失效")
		}
		return nil, validationErr(CodeInternalError, "读取会话失败: %v", err)
	}

	result := &ValidationResult{
		Principal:       tgt.Principal(),
		AuthenticatedAt: pt.AuthenticatedAt,
		Proxies:         pt.Proxies,
	}
	result.Attributes = v.releaseAttributes(serviceURL, tgt.Principal())

	if pgtURL != "" {
		result.PGTIOU = v.issuePGT(ctx, tgt, pt.ID, pgtURL)
	}

	return result, nil
}

// consumeError 将消费错误映射为协议失败
func consumeError(err error, ticketID string) *ValidationError {
	switch {
	case errors.Is(err, ticket.ErrTicketNotFound), errors.Is(err, ticket.ErrTicketExpired):
		return validationErr(CodeInvalidTicket, "票据 %s 不存在或已过期", ticketID)
	case errors.Is(err, ticket.ErrTicketConsumed):
		return validationErr(CodeInvalidTicket, "票据 %s 已被使用", ticketID)
	default:
		return validationErr(CodeInternalError, "消费票据失败: %v", err)
	}
}

// releaseAttributes 按注册服务的释放策略过滤属性
func (v *ValidationService) releaseAttributes(serviceURL string, principal *model.Principal) map[string][]string {
	if principal == nil {
		return nil
	}
	svc, err := v.services.FindServiceByURL(serviceURL)
	if err != nil {
		return nil
	}
	return svc.ReleaseAttributes(principal.Attributes)
}

// issuePGT 签发 PGT 并执行回调握手
// 回调地址必须是 HTTPS 且在超时内返回 2xx；握手失败时撤销 PGT，
// 校验响应中不出现代理块，但校验本身仍然成功
func (v *ValidationService) issuePGT(ctx context.Context, tgt *model.TGT, parentID, pgtURL string) string {
	parsed, err := url.Parse(pgtURL)
	if err != nil || parsed.Scheme != "https" {
		v.logger.Warn("代理回调地址必须是 HTTPS", zap.String("pgt_url", pgtURL))
		return ""
	}

	now := time.Now()
	pgt := &model.ProxyGrantingTicket{
		ID:          v.factory.Mint(ticket.PrefixPGT),
		IOU:         v.factory.Mint(ticket.PrefixPGTIOU),
		TGTID:       tgt.ID,
		ParentSTID:  parentID,
		CallbackURL: pgtURL,
		ExpiresAt:   now.Add(v.cfg.Ticket.PGTTimeToKill),
		CreatedAt:   now,
	}
	if err := v.tickets.PutPGT(ctx, pgt); err != nil {
		v.logger.Warn("存储 PGT 失败", zap.Error(err))
		return ""
	}

	if !v.callback(ctx, pgtURL, pgt.ID, pgt.IOU) {
		if err := v.tickets.DeletePGT(ctx, pgt.ID); err != nil {
			v.logger.Warn("撤销 PGT 失败", zap.String("pgt", pgt.ID), zap.Error(err))
		}
		return ""
	}

	return pgt.IOU
}

// callback 执行代理回调握手，2xx 视为成功
func (v *ValidationService) callback(ctx context.Context, pgtURL, pgtID, pgtIOU string) bool {
	ctx, cancel := context.WithTimeout(ctx, pgtCallbackTimeout)
	defer cancel()

	sep := "?"
	if strings.Contains(pgtURL, "?") {
		sep = "&"
	}
	target := pgtURL + sep + "pgtId=" + url.QueryEscape(pgtID) + "&pgtIou=" + url.QueryEscape(pgtIOU)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		v.logger.Warn("构造代理回调请求失败", zap.Error(err))
		return false
	}
	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn("代理回调失败", zap.String("pgt_url", pgtURL), zap.Error(err))
		return false
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		v.logger.Warn("代理回调返回非 2xx 状态",
			zap.String("pgt_url", pgtURL),
			zap.Int("status", resp.StatusCode),
		)
		return false
	}
	return true
}

// IssueProxyTicket 处理 /proxy：用 PGT 换取面向目标服务的 PT
func (v *ValidationService) IssueProxyTicket(ctx context.Context, pgtID, targetService string) (*model.ProxyTicket, *ValidationError) {
	if pgtID == "" || targetService == "" {
		return nil, validationErr(CodeInvalidRequest, "缺少 pgt 或 targetService 参数")
	}

	pgt, err := v.tickets.GetPGT(ctx, pgtID)
	if err != nil {
		if errors.Is(err, ticket.ErrTicketNotFound) || errors.Is(err, ticket.ErrTicketExpired) {
			return nil, validationErr(CodeBadPGT, "PGT %s 不存在或已过期", pgtID)
		}
		return nil, validationErr(CodeInternalError, "读取 PGT 失败: %v", err)
	}

	// 根会话必须仍然存活
	tgt, err := v.tickets.GetTGT(ctx, pgt.TGTID)
	if err != nil {
		if errors.Is(err, ticket.ErrTicketNotFound) || errors.Is(err, ticket.ErrTicketExpired) {
			return nil, validationErr(CodeBadPGT, "PGT 所属会话已失效")
		}
		return nil, validationErr(CodeInternalError, "读取会话失败: %v", err)
	}

	if _, err := v.services.FindServiceByURL(targetService); err != nil {
		return nil, validationErr(CodeUnauthorizedService,
			"目标服务未注册或已禁用: %s", targetService)
	}

	now := time.Now()
	var pt *model.ProxyTicket
	for attempt := 0; attempt < mintAttempts; attempt++ {
		pt = &model.ProxyTicket{
			ID:              v.factory.Mint(ticket.PrefixPT),
			PGTID:           pgt.ID,
			TGTID:           tgt.ID,
			Service:         targetService,
			Proxies:         []string{pgt.CallbackURL},
			UseCount:        0,
			MaxUses:         v.cfg.Ticket.STNumberOfUses,
			AuthenticatedAt: tgt.AuthRecord.AuthenticatedAt,
			ExpiresAt:       now.Add(v.cfg.Ticket.STTimeToKill),
			CreatedAt:       now,
		}
		err = v.tickets.PutPT(ctx, pt)
		if err == nil {
			return pt, nil
		}
		if !errors.Is(err, ticket.ErrTicketExists) {
			return nil, validationErr(CodeInternalError, "存储 PT 失败: %v", err)
		}
	}
	return nil, validationErr(CodeInternalError, "存储 PT 失败: %v", err)
}

// serviceURLEqual 规范化比较两个服务 URL
// scheme 与 host 大小写不敏感，路径末尾斜杠不参与比较
func serviceURLEqual(a, b string) bool {
	return canonicalServiceURL(a) == canonicalServiceURL(b)
}

// canonicalServiceURL 服务 URL 规范化
func canonicalServiceURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}
