package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pu-ac-cn/cas-backend/internal/config"
	"github.com/pu-ac-cn/cas-backend/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 启动模拟的 reCAPTCHA 校验端点
func setupVerifyServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

// 返回固定校验结果的端点
func verifyResponse(body map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

func TestRecaptchaValidator_V2_Pass(t *testing.T) {
	ts := setupVerifyServer(t, verifyResponse(map[string]interface{}{"success": true}))

	validator := NewRecaptchaValidator(config.RecaptchaConfig{
		Version:   "v2",
		SecretKey: "secret",
		VerifyURL: ts.URL,
		Timeout:   time.Second,
	}, nil, nil)

	err := validator.Validate(context.Background(), "token", "203.0.113.5")
	assert.NoError(t, err)
}

func TestRecaptchaValidator_V2_Fail(t *testing.T) {
	ts := setupVerifyServer(t, verifyResponse(map[string]interface{}{
		"success":     false,
		"error-codes": []string{"invalid-input-response"},
	}))

	validator := NewRecaptchaValidator(config.RecaptchaConfig{
		Version:   "v2",
		VerifyURL: ts.URL,
		Timeout:   time.Second,
	}, nil, nil)

	err := validator.Validate(context.Background(), "bad-token", "")
	assert.ErrorIs(t, err, ErrCaptchaInvalid)
}

func TestRecaptchaValidator_EmptyToken(t *testing.T) {
	validator := NewRecaptchaValidator(config.RecaptchaConfig{
		Version: "v2",
		Timeout: time.Second,
	}, nil, nil)

	// 空令牌不发起远端请求，直接判未通过
	err := validator.Validate(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrCaptchaInvalid)
}

func TestRecaptchaValidator_V3_ScoreBelowThreshold(t *testing.T) {
	ts := setupVerifyServer(t, verifyResponse(map[string]interface{}{
		"success": true,
		"score":   0.3,
		"action":  "login",
	}))

	validator := NewRecaptchaValidator(config.RecaptchaConfig{
		Version:   "v3",
		Score:     0.5,
		VerifyURL: ts.URL,
		Timeout:   time.Second,
	}, nil, nil)

	err := validator.Validate(context.Background(), "token", "")
	assert.ErrorIs(t, err, ErrCaptchaInvalid)
}

func TestRecaptchaValidator_V3_ScoreEqualsThreshold(t *testing.T) {
	ts := setupVerifyServer(t, verifyResponse(map[string]interface{}{
		"success": true,
		"score":   0.5,
		"action":  "login",
	}))

	validator := NewRecaptchaValidator(config.RecaptchaConfig{
		Version:   "v3",
		Score:     0.5,
		VerifyURL: ts.URL,
		Timeout:   time.Second,
	}, nil, nil)

	// 分数恰好等于阈值视为通过
	err := validator.Validate(context.Background(), "token", "")
	assert.NoError(t, err)
}

func TestRecaptchaValidator_V3_ActionMismatch(t *testing.T) {
	ts := setupVerifyServer(t, verifyResponse(map[string]interface{}{
		"success": true,
		"score":   0.9,
		"action":  "checkout",
	}))

	validator := NewRecaptchaValidator(config.RecaptchaConfig{
		Version:   "v3",
		Score:     0.5,
		Action:    "login",
		VerifyURL: ts.URL,
		Timeout:   time.Second,
	}, nil, nil)

	err := validator.Validate(context.Background(), "token", "")
	assert.ErrorIs(t, err, ErrCaptchaInvalid)
}

func TestRecaptchaValidator_Unavailable_FailClosed(t *testing.T) {
	ts := setupVerifyServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	validator := NewRecaptchaValidator(config.RecaptchaConfig{
		Version:   "v2",
		VerifyURL: ts.URL,
		Timeout:   time.Second,
		FailOpen:  false,
	}, nil, nil)

	// 默认 fail-closed：远端不可用按未通过处理
	err := validator.Validate(context.Background(), "token", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptchaInvalid)
}

func TestRecaptchaValidator_Unavailable_FailOpen(t *testing.T) {
	ts := setupVerifyServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	validator := NewRecaptchaValidator(config.RecaptchaConfig{
		Version:   "v2",
		VerifyURL: ts.URL,
		Timeout:   time.Second,
		FailOpen:  true,
	}, nil, nil)

	err := validator.Validate(context.Background(), "token", "")
	assert.NoError(t, err)
}

func TestRecaptchaValidator_SendsFormFields(t *testing.T) {
	var gotSecret, gotResponse, gotRemoteIP string
	ts := setupVerifyServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotSecret = r.PostFormValue("secret")
		gotResponse = r.PostFormValue("response")
		gotRemoteIP = r.PostFormValue("remoteip")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	})

	validator := NewRecaptchaValidator(config.RecaptchaConfig{
		Version:   "v2",
		SecretKey: "my-secret",
		VerifyURL: ts.URL,
		Timeout:   time.Second,
	}, nil, nil)

	require.NoError(t, validator.Validate(context.Background(), "the-token", "198.51.100.7"))
	assert.Equal(t, "my-secret", gotSecret)
	assert.Equal(t, "the-token", gotResponse)
	assert.Equal(t, "198.51.100.7", gotRemoteIP)
}

func TestActivationStrategy_GlobalEnabled(t *testing.T) {
	strategy := NewCaptchaActivationStrategy(config.RecaptchaConfig{Enabled: true})

	assert.True(t, strategy.ShouldActivate("203.0.113.5", nil))
}

func TestActivationStrategy_GlobalDisabled(t *testing.T) {
	strategy := NewCaptchaActivationStrategy(config.RecaptchaConfig{Enabled: false})

	assert.False(t, strategy.ShouldActivate("203.0.113.5", nil))
}

func TestActivationStrategy_ServiceOverrideOn(t *testing.T) {
	strategy := NewCaptchaActivationStrategy(config.RecaptchaConfig{Enabled: false})
	svc := &model.RegisteredService{CaptchaMode: model.CaptchaOn}

	// 服务显式开启可覆盖全局关闭
	assert.True(t, strategy.ShouldActivate("203.0.113.5", svc))
}

func TestActivationStrategy_ServiceOverrideOff(t *testing.T) {
	strategy := NewCaptchaActivationStrategy(config.RecaptchaConfig{Enabled: true})
	svc := &model.RegisteredService{CaptchaMode: model.CaptchaOff}

	assert.False(t, strategy.ShouldActivate("203.0.113.5", svc))
}

func TestActivationStrategy_ServiceDefaultFollowsGlobal(t *testing.T) {
	strategy := NewCaptchaActivationStrategy(config.RecaptchaConfig{Enabled: true})
	svc := &model.RegisteredService{CaptchaMode: model.CaptchaDefault}

	assert.True(t, strategy.ShouldActivate("203.0.113.5", svc))
}

func TestActivationStrategy_IPAllowlist(t *testing.T) {
	strategy := NewCaptchaActivationStrategy(config.RecaptchaConfig{
		Enabled:     true,
		IPAllowlist: []string{"10.0.0.1", "10.0.0.2"},
	})
	svc := &model.RegisteredService{CaptchaMode: model.CaptchaOn}

	// 白名单豁免优先于一切开关
	assert.False(t, strategy.ShouldActivate("10.0.0.1", svc))
	assert.True(t, strategy.ShouldActivate("10.0.0.9", svc))
}
