package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"
)

// RegisteredService 注册服务模型
// 只有注册过的服务才允许参与票据签发与校验
type RegisteredService struct {
	ID              uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Name            string         `gorm:"type:varchar(255);not null" json:"name"`
	Description     string         `gorm:"type:text" json:"description"`
	Pattern         string         `gorm:"type:varchar(500);not null" json:"pattern"`             // 服务 URL 匹配模式
	MatchType       string         `gorm:"type:varchar(10);default:prefix" json:"match_type"`     // prefix 或 regex
	EvaluationOrder int            `gorm:"default:0;index" json:"evaluation_order"`               // 匹配优先级，越小越优先
	Enabled         bool           `gorm:"default:true" json:"enabled"`                           // 是否启用
	SSOEnabled      bool           `gorm:"default:true" json:"sso_enabled"`                       // 是否参与单点登录
	CaptchaMode     string         `gorm:"type:varchar(10);default:default" json:"captcha_mode"`  // 验证码开关：default / on / off
	AllowedAttrs    StringSlice    `gorm:"type:json" json:"allowed_attributes"`                   // 允许释放的属性，* 表示全部
	ExpiresAt       *time.Time     `json:"expires_at"`                                            // 注册有效期，空表示永久
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName 指定表名
func (RegisteredService) TableName() string {
	return "registered_services"
}

// 匹配模式常量
const (
	MatchPrefix = "prefix"
	MatchRegex  = "regex"
)

// 验证码开关常量
const (
	CaptchaDefault = "default" // 跟随全局配置
	CaptchaOn      = "on"      // 强制开启
	CaptchaOff     = "off"     // 强制关闭
)

// IsExpired 检查服务注册是否已过有效期
func (s *RegisteredService) IsExpired() bool {
	if s.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*s.ExpiresAt)
}

// Matches 检查服务 URL 是否命中匹配模式
func (s *RegisteredService) Matches(serviceURL string) bool {
	switch s.MatchType {
	case MatchRegex:
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(serviceURL)
	default:
		return strings.HasPrefix(serviceURL, s.Pattern)
	}
}

// ReleaseAttributes 按释放策略过滤主体属性
func (s *RegisteredService) ReleaseAttributes(attrs map[string][]string) map[string][]string {
	released := make(map[string][]string)
	for _, allowed := range s.AllowedAttrs {
		if allowed == "*" {
			for k, v := range attrs {
				released[k] = v
			}
			return released
		}
		if v, ok := attrs[allowed]; ok {
			released[allowed] = v
		}
	}
	return released
}

// StringSlice 字符串切片类型，用于 JSON 存储
type StringSlice []string

// Value 实现 driver.Valuer 接口
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal(s)
}

// Scan 实现 sql.Scanner 接口
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = StringSlice{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("无法将值转换为 []byte")
	}
	return json.Unmarshal(bytes, s)
}

// StringMap 字符串映射类型，用于 JSON 存储
type StringMap map[string]string

// Value 实现 driver.Valuer 接口
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return json.Marshal(m)
}

// Scan 实现 sql.Scanner 接口
func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = StringMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("无法将值转换为 []byte")
	}
	return json.Unmarshal(bytes, m)
}
