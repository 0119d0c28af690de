package handler

import (
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-backend/internal/model"
	"github.com/pu-ac-cn/cas-backend/internal/repository"
	"github.com/pu-ac-cn/cas-backend/internal/service"
	"github.com/pu-ac-cn/cas-backend/pkg/response"
	"go.uber.org/zap"
)

// RegistryHandler 注册服务管理接口
type RegistryHandler struct {
	registry service.ServiceRegistry
	logger   *zap.Logger
}

// NewRegistryHandler 创建注册服务管理接口
func NewRegistryHandler(registry service.ServiceRegistry, logger *zap.Logger) *RegistryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryHandler{registry: registry, logger: logger}
}

// serviceRequest 注册服务创建/更新请求
type serviceRequest struct {
	Name            string   `json:"name" binding:"required,max=128"`
	Description     string   `json:"description" binding:"max=512"`
	Pattern         string   `json:"pattern" binding:"required,max=512"`
	MatchType       string   `json:"match_type" binding:"required,oneof=prefix regex"`
	EvaluationOrder int      `json:"evaluation_order"`
	Enabled         *bool    `json:"enabled"`
	SSOEnabled      *bool    `json:"sso_enabled"`
	CaptchaMode     string     `json:"captcha_mode" binding:"omitempty,oneof=default on off"`
	AllowedAttrs    []string   `json:"allowed_attrs"`
	ExpiresAt       *time.Time `json:"expires_at"`
}

// apply 将请求内容写入模型
func (r *serviceRequest) apply(svc *model.RegisteredService) {
	svc.Name = r.Name
	svc.Description = r.Description
	svc.Pattern = r.Pattern
	svc.MatchType = r.MatchType
	svc.EvaluationOrder = r.EvaluationOrder
	if r.Enabled != nil {
		svc.Enabled = *r.Enabled
	}
	if r.SSOEnabled != nil {
		svc.SSOEnabled = *r.SSOEnabled
	}
	if r.CaptchaMode != "" {
		svc.CaptchaMode = r.CaptchaMode
	}
	svc.AllowedAttrs = r.AllowedAttrs
	svc.ExpiresAt = r.ExpiresAt
}

// List 列出全部注册服务
func (h *RegistryHandler) List(c *gin.Context) {
	services, err := h.registry.List(c.Request.Context())
	if err != nil {
		h.logger.Error("查询注册服务失败", zap.Error(err))
		response.Error(c, response.CodeServerError)
		return
	}
	response.Success(c, services)
}

// Get 获取单个注册服务
func (h *RegistryHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidFormat, "服务 ID 格式错误")
		return
	}

	svc, err := h.registry.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrServiceNotFound) {
			response.Error(c, response.CodeServiceNotFound)
			return
		}
		h.logger.Error("查询注册服务失败", zap.Uint64("id", id), zap.Error(err))
		response.Error(c, response.CodeServerError)
		return
	}
	response.Success(c, svc)
}

// Create 创建注册服务
func (h *RegistryHandler) Create(c *gin.Context) {
	var req serviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, err.Error())
		return
	}
	if req.MatchType == model.MatchRegex {
		if _, err := regexp.Compile(req.Pattern); err != nil {
			response.ErrorWithMsg(c, response.CodeInvalidFormat, "正则匹配模式无效: "+err.Error())
			return
		}
	}

	svc := &model.RegisteredService{
		Enabled:     true,
		SSOEnabled:  true,
		CaptchaMode: model.CaptchaDefault,
	}
	req.apply(svc)

	if err := h.registry.Save(c.Request.Context(), svc); err != nil {
		h.logger.Error("创建注册服务失败", zap.Error(err))
		response.Error(c, response.CodeServerError)
		return
	}
	response.SuccessWithMsg(c, "创建成功", svc)
}

// Update 更新注册服务
func (h *RegistryHandler) Update(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidFormat, "服务 ID 格式错误")
		return
	}

	var req serviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, err.Error())
		return
	}
	if req.MatchType == model.MatchRegex {
		if _, err := regexp.Compile(req.Pattern); err != nil {
			response.ErrorWithMsg(c, response.CodeInvalidFormat, "正则匹配模式无效: "+err.Error())
			return
		}
	}

	svc, err := h.registry.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrServiceNotFound) {
			response.Error(c, response.CodeServiceNotFound)
			return
		}
		h.logger.Error("查询注册服务失败", zap.Uint64("id", id), zap.Error(err))
		response.Error(c, response.CodeServerError)
		return
	}

	req.apply(svc)
	if err := h.registry.Save(c.Request.Context(), svc); err != nil {
		h.logger.Error("更新注册服务失败", zap.Uint64("id", id), zap.Error(err))
		response.Error(c, response.CodeServerError)
		return
	}
	response.SuccessWithMsg(c, "更新成功", svc)
}

// Delete 删除注册服务
func (h *RegistryHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidFormat, "服务 ID 格式错误")
		return
	}

	if err := h.registry.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, repository.ErrServiceNotFound) {
			response.Error(c, response.CodeServiceNotFound)
			return
		}
		h.logger.Error("删除注册服务失败", zap.Uint64("id", id), zap.Error(err))
		response.Error(c, response.CodeServerError)
		return
	}
	response.SuccessWithMsg(c, "删除成功", nil)
}
