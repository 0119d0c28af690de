package handler

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-backend/internal/config"
	"github.com/pu-ac-cn/cas-backend/internal/service"
	"go.uber.org/zap"
)

// CASHandler 登录登出接口
type CASHandler struct {
	flow   *service.FlowEngine
	cfg    *config.Config
	logger *zap.Logger
}

// NewCASHandler 创建登录登出接口
func NewCASHandler(flow *service.FlowEngine, cfg *config.Config, logger *zap.Logger) *CASHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CASHandler{flow: flow, cfg: cfg, logger: logger}
}

// rememberMeCookieName 记住我令牌 Cookie 名称
const rememberMeCookieName = "CASRM"

// loginPageTmpl 登录页模板
var loginPageTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="zh-CN">
<head><meta charset="utf-8"><title>统一身份认证</title></head>
<body>
<h1>统一身份认证</h1>
{{if .FormError}}<p class="error">{{.FormErrorText}}</p>{{end}}
<form method="post" action="{{.ActionURL}}">
  <input type="hidden" name="execution" value="{{.Execution}}">
  <input type="hidden" name="_eventId" value="submit">
  <label>用户名 <input type="text" name="username" autocomplete="username"></label>
  <label>密码 <input type="password" name="password" autocomplete="current-password"></label>
  <label><input type="checkbox" name="rememberMe" value="true"> 记住我</label>
{{if .CaptchaRequired}}
  <div class="g-recaptcha" data-sitekey="{{.CaptchaSiteKey}}"></div>
  <script src="https://www.google.com/recaptcha/api.js" async defer></script>
{{end}}
  <button type="submit">登录</button>
</form>
</body>
</html>
`))

// sessionPageTmpl 已登录页模板
var sessionPageTmpl = template.Must(template.New("session").Parse(`<!DOCTYPE html>
<html lang="zh-CN">
<head><meta charset="utf-8"><title>统一身份认证</title></head>
<body>
<h1>登录成功</h1>
{{if .User}}<p>当前用户：{{.User}}</p>{{end}}
</body>
</html>
`))

// errorPageTmpl 错误页模板
var errorPageTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="zh-CN">
<head><meta charset="utf-8"><title>统一身份认证</title></head>
<body>
<h1>无法完成登录</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

// logoutPageTmpl 已登出页模板
var logoutPageTmpl = template.Must(template.New("logout").Parse(`<!DOCTYPE html>
<html lang="zh-CN">
<head><meta charset="utf-8"><title>统一身份认证</title></head>
<body>
<h1>已退出登录</h1>
</body>
</html>
`))

// 终止错误码对应的页面提示
var flowErrorMessages = map[string]string{
	service.FlowErrorUnauthorizedService: "目标服务未注册，禁止登录",
	service.FlowErrorAccountLocked:       "账户已被锁定，请稍后重试",
	service.FlowErrorUnavailable:         "服务暂时不可用，请稍后重试",
	service.FlowErrorInvalidRequest:      "请求无效或登录流程已过期，请重新发起登录",
}

// 表单错误码对应的提示
var formErrorMessages = map[string]string{
	service.FormErrorBadCredentials: "用户名或密码错误",
	service.FormErrorCaptchaInvalid: "验证码校验未通过，请重试",
}

// Login 处理 GET /login
func (h *CASHandler) Login(c *gin.Context) {
	result, err := h.flow.StartLogin(c.Request.Context(), service.StartRequest{
		Service:         c.Query("service"),
		Renew:           c.Query("renew") == "true",
		Gateway:         c.Query("gateway") == "true",
		TGTID:           h.readTGC(c),
		RememberMeToken: h.readRememberMe(c),
		ClientIP:        c.ClientIP(),
	})
	if err != nil {
		h.logger.Error("登录流程异常", zap.Error(err))
		h.renderError(c, service.FlowErrorUnavailable)
		return
	}

	// 记住我令牌恢复出的新会话需要写入 TGC
	if result.TGT != nil {
		h.setTGC(c, result.TGT.ID)
	}
	h.renderLoginResult(c, result)
}

// SubmitLogin 处理 POST /login
func (h *CASHandler) SubmitLogin(c *gin.Context) {
	result, err := h.flow.SubmitLogin(c.Request.Context(), service.SubmitRequest{
		Execution:    c.PostForm("execution"),
		EventID:      c.PostForm("_eventId"),
		Username:     c.PostForm("username"),
		Password:     c.PostForm("password"),
		RememberMe:   c.PostForm("rememberMe") == "true",
		CaptchaToken: c.PostForm("g-recaptcha-response"),
		ClientIP:     c.ClientIP(),
	})
	if err != nil {
		h.logger.Error("登录流程异常", zap.Error(err))
		h.renderError(c, service.FlowErrorUnavailable)
		return
	}

	if result.TGT != nil {
		h.setTGC(c, result.TGT.ID)
	}
	if result.RememberMeToken != "" {
		h.setRememberMe(c, result.RememberMeToken)
	}
	h.renderLoginResult(c, result)
}

// Logout 处理 GET /logout
func (h *CASHandler) Logout(c *gin.Context) {
	tgtID := h.readTGC(c)
	h.clearTGC(c)

	result, err := h.flow.Logout(c.Request.Context(), tgtID, c.Query("service"))
	if err != nil {
		h.logger.Error("登出失败", zap.Error(err))
		h.renderError(c, service.FlowErrorUnavailable)
		return
	}

	if result.Kind == service.ResultRedirect {
		c.Redirect(http.StatusFound, result.RedirectURL)
		return
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	_ = logoutPageTmpl.Execute(c.Writer, nil)
}

// renderLoginResult 按流程结果渲染响应
func (h *CASHandler) renderLoginResult(c *gin.Context, result *service.LoginResult) {
	switch result.Kind {
	case service.ResultRedirect:
		c.Redirect(http.StatusFound, result.RedirectURL)
	case service.ResultSession:
		user := ""
		if result.Principal != nil {
			user = result.Principal.ID
		}
		c.Status(http.StatusOK)
		c.Header("Content-Type", "text/html; charset=utf-8")
		_ = sessionPageTmpl.Execute(c.Writer, gin.H{"User": user})
	case service.ResultShowForm:
		c.Status(http.StatusOK)
		c.Header("Content-Type", "text/html; charset=utf-8")
		_ = loginPageTmpl.Execute(c.Writer, gin.H{
			"ActionURL":       h.cfg.Server.ContextPath + "/login",
			"Execution":       result.Execution,
			"CaptchaRequired": result.CaptchaRequired,
			"CaptchaSiteKey":  h.cfg.Recaptcha.SiteKey,
			"FormError":       result.FormError,
			"FormErrorText":   formErrorMessages[result.FormError],
		})
	default:
		h.renderError(c, result.ErrorCode)
	}
}

// renderError 渲染终止错误页
func (h *CASHandler) renderError(c *gin.Context, code string) {
	msg, ok := flowErrorMessages[code]
	if !ok {
		msg = "发生未知错误"
	}
	status := http.StatusBadRequest
	if code == service.FlowErrorUnavailable {
		status = http.StatusServiceUnavailable
	}
	if code == service.FlowErrorAccountLocked {
		status = http.StatusForbidden
	}
	c.Status(status)
	c.Header("Content-Type", "text/html; charset=utf-8")
	_ = errorPageTmpl.Execute(c.Writer, gin.H{"Message": msg})
}

// readTGC 读取 TGC Cookie 中的 TGT ID
func (h *CASHandler) readTGC(c *gin.Context) string {
	value, err := c.Cookie(h.cfg.Cookie.Name)
	if err != nil {
		return ""
	}
	return value
}

// setTGC 写入 TGC Cookie
// HttpOnly 固定开启，其余属性来自配置
func (h *CASHandler) setTGC(c *gin.Context, tgtID string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.cfg.Cookie.Name,
		Value:    tgtID,
		Path:     h.cfg.Cookie.Path,
		HttpOnly: true,
		Secure:   h.cfg.Cookie.Secure,
		SameSite: sameSiteMode(h.cfg.Cookie.SameSite),
	})
}

// clearTGC 清除 TGC Cookie
func (h *CASHandler) clearTGC(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.cfg.Cookie.Name,
		Value:    "",
		Path:     h.cfg.Cookie.Path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.Cookie.Secure,
		SameSite: sameSiteMode(h.cfg.Cookie.SameSite),
	})
}

// readRememberMe 读取记住我令牌 Cookie
func (h *CASHandler) readRememberMe(c *gin.Context) string {
	value, err := c.Cookie(rememberMeCookieName)
	if err != nil {
		return ""
	}
	return value
}

// setRememberMe 写入记住我令牌 Cookie
func (h *CASHandler) setRememberMe(c *gin.Context, token string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     rememberMeCookieName,
		Value:    token,
		Path:     h.cfg.Cookie.Path,
		MaxAge:   int(h.cfg.Auth.RememberMeExpiry.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.Cookie.Secure,
		SameSite: sameSiteMode(h.cfg.Cookie.SameSite),
	})
}

// sameSiteMode 配置值转 SameSite 策略
func sameSiteMode(value string) http.SameSite {
	switch value {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
