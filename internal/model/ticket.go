package model

import (
	"time"
)

// Principal 认证主体
type Principal struct {
	ID         string              `json:"id"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// AuthenticationRecord 认证事件记录
type AuthenticationRecord struct {
	Principal       *Principal `json:"principal"`
	AuthenticatedAt time.Time  `json:"authenticated_at"`
	Handlers        []string   `json:"handlers"`         // 通过认证的处理器名称
	CredentialTypes []string   `json:"credential_types"` // 使用的凭据类型
}

// TGT Ticket Granting Ticket，代表一个单点登录会话
type TGT struct {
	ID            string                `json:"id"`
	AuthRecord    *AuthenticationRecord `json:"auth_record"`
	Services      map[string]string     `json:"services,omitempty"` // stID -> 服务 URL，用于单点登出
	TimeToKill    time.Duration         `json:"time_to_kill"`       // 空闲超时
	MaxTimeToLive time.Duration         `json:"max_time_to_live"`   // 硬超时
	LastUsedAt    time.Time             `json:"last_used_at"`
	CreatedAt     time.Time             `json:"created_at"`
}

// IsExpired 检查 TGT 是否过期
// 空闲超时随使用滑动，但不会越过硬超时
func (t *TGT) IsExpired() bool {
	now := time.Now()
	if now.After(t.CreatedAt.Add(t.MaxTimeToLive)) {
		return true
	}
	return now.After(t.LastUsedAt.Add(t.TimeToKill))
}

// ExpiresAt TGT 的绝对过期时间
func (t *TGT) ExpiresAt() time.Time {
	idle := t.LastUsedAt.Add(t.TimeToKill)
	hard := t.CreatedAt.Add(t.MaxTimeToLive)
	if idle.Before(hard) {
		return idle
	}
	return hard
}

// Principal 返回会话绑定的主体
func (t *TGT) Principal() *Principal {
	if t.AuthRecord == nil {
		return nil
	}
	return t.AuthRecord.Principal
}

// ServiceTicket CAS Service Ticket，一次性服务票据
type ServiceTicket struct {
	ID              string    `json:"id"`
	TGTID           string    `json:"tgt_id"`
	Service         string    `json:"service"` // 绑定的服务 URL
	Renew           bool      `json:"renew"`   // 签发时刚刚完成了主凭据认证
	UseCount        int       `json:"use_count"`
	MaxUses         int       `json:"max_uses"`
	AuthenticatedAt time.Time `json:"authenticated_at"` // 底层认证事件时间
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// IsExpired 检查 ST 是否过期
func (st *ServiceTicket) IsExpired() bool {
	return time.Now().After(st.ExpiresAt)
}

// IsConsumed 检查 ST 是否已用尽
func (st *ServiceTicket) IsConsumed() bool {
	return st.UseCount >= st.MaxUses
}

// ProxyGrantingTicket CAS 代理授权票据
type ProxyGrantingTicket struct {
	ID          string    `json:"id"`
	IOU         string    `json:"iou"` // PGTIOU，随校验响应下发
	TGTID       string    `json:"tgt_id"`
	ParentSTID  string    `json:"parent_st_id"`
	CallbackURL string    `json:"callback_url"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsExpired 检查 PGT 是否过期
func (p *ProxyGrantingTicket) IsExpired() bool {
	return time.Now().After(p.ExpiresAt)
}

// ProxyTicket CAS 代理票据，语义同 ST 但携带代理链
type ProxyTicket struct {
	ID              string    `json:"id"`
	PGTID           string    `json:"pgt_id"`
	TGTID           string    `json:"tgt_id"`
	Service         string    `json:"service"`
	Proxies         []string  `json:"proxies"` // 回调地址链，最近的在前
	UseCount        int       `json:"use_count"`
	MaxUses         int       `json:"max_uses"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// IsExpired 检查 PT 是否过期
func (pt *ProxyTicket) IsExpired() bool {
	return time.Now().After(pt.ExpiresAt)
}

// FlowSession 登录流程会话
// 以流程执行 ID 为键存储在 Redis 中，单次请求链内有效
type FlowSession struct {
	ExecutionID   string    `json:"execution_id"`
	State         string    `json:"state"`
	Service       string    `json:"service,omitempty"`
	ServiceID     uint64    `json:"service_id,omitempty"`
	Renew         bool      `json:"renew"`
	Gateway       bool      `json:"gateway"`
	CaptchaActive bool      `json:"captcha_active"`
	CreatedAt     time.Time `json:"created_at"`
}
