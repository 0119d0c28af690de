// Package service 验证码挑战
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pu-ac-cn/cas-backend/internal/config"
	"github.com/pu-ac-cn/cas-backend/internal/model"
	"go.uber.org/zap"
)

// 验证码相关错误
var (
	ErrCaptchaInvalid     = errors.New("验证码校验未通过")
	ErrCaptchaUnavailable = errors.New("验证码服务暂时不可用")
)

// CaptchaActivationStrategy 验证码激活策略
type CaptchaActivationStrategy interface {
	// ShouldActivate 判定本次登录是否需要验证码挑战
	ShouldActivate(clientIP string, svc *model.RegisteredService) bool
}

// CaptchaValidator 验证码校验器
type CaptchaValidator interface {
	// Validate 校验响应令牌，通过返回 nil
	Validate(ctx context.Context, token, clientIP string) error
}

// defaultActivationStrategy 默认激活策略
// 全局开启且服务未显式关闭时激活；服务显式开启可覆盖全局关闭；
// 命中 IP 白名单的请求直接豁免
type defaultActivationStrategy struct {
	cfg config.RecaptchaConfig
}

// NewCaptchaActivationStrategy 创建默认激活策略
func NewCaptchaActivationStrategy(cfg config.RecaptchaConfig) CaptchaActivationStrategy {
	return &defaultActivationStrategy{cfg: cfg}
}

// ShouldActivate 判定是否激活验证码
func (s *defaultActivationStrategy) ShouldActivate(clientIP string, svc *model.RegisteredService) bool {
	for _, ip := range s.cfg.IPAllowlist {
		if ip == clientIP {
			return false
		}
	}
	if svc != nil {
		switch svc.CaptchaMode {
		case model.CaptchaOn:
			return true
		case model.CaptchaOff:
			return false
		}
	}
	return s.cfg.Enabled
}

// recaptchaResponse 远端校验接口的响应体
type recaptchaResponse struct {
	Success    bool     `json:"success"`
	Score      float64  `json:"score"`
	Action     string   `json:"action"`
	ErrorCodes []string `json:"error-codes"`
}

// recaptchaValidator reCAPTCHA v2/v3 校验器
type recaptchaValidator struct {
	cfg    config.RecaptchaConfig
	client *http.Client
	logger *zap.Logger
}

// NewRecaptchaValidator 创建 reCAPTCHA 校验器
// client 为 nil 时使用带配置超时的默认客户端
func NewRecaptchaValidator(cfg config.RecaptchaConfig, client *http.Client, logger *zap.Logger) CaptchaValidator {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &recaptchaValidator{cfg: cfg, client: client, logger: logger}
}

// Validate 校验响应令牌
// 远端不可用时默认按未通过处理；fail_open 配置可降级放行并记录告警
func (v *recaptchaValidator) Validate(ctx context.Context, token, clientIP string) error {
	if token == "" {
		return ErrCaptchaInvalid
	}

	form := url.Values{}
	form.Set("secret", v.cfg.SecretKey)
	form.Set("response", token)
	if clientIP != "" {
		form.Set("remoteip", clientIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.VerifyURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return v.unavailable(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return v.unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return v.unavailable(fmt.Errorf("远端返回状态码 %d", resp.StatusCode))
	}

	var result recaptchaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return v.unavailable(err)
	}

	if !result.Success {
		v.logger.Info("验证码校验未通过", zap.Strings("error_codes", result.ErrorCodes))
		return ErrCaptchaInvalid
	}

	if v.cfg.Version == "v3" {
		// 分数恰好等于阈值视为通过
		if result.Score < v.cfg.Score {
			v.logger.Info("验证码分数低于阈值",
				zap.Float64("score", result.Score),
				zap.Float64("threshold", v.cfg.Score),
			)
			return ErrCaptchaInvalid
		}
		if v.cfg.Action != "" && result.Action != v.cfg.Action {
			return ErrCaptchaInvalid
		}
	}

	return nil
}

// unavailable 按 fail_open 策略处理远端不可用
func (v *recaptchaValidator) unavailable(cause error) error {
	if v.cfg.FailOpen {
		v.logger.Warn("验证码服务不可用，按 fail_open 策略放行", zap.Error(cause))
		return nil
	}
	v.logger.Warn("验证码服务不可用，按未通过处理", zap.Error(cause))
	return fmt.Errorf("%w: %v", ErrCaptchaInvalid, errors.Join(ErrCaptchaUnavailable, cause))
}
