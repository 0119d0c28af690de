package handler

import (
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-backend/internal/service"
	"go.uber.org/zap"
)

// ValidateHandler 票据校验接口
type ValidateHandler struct {
	validation *service.ValidationService
	logger     *zap.Logger
}

// NewValidateHandler 创建票据校验接口
func NewValidateHandler(validation *service.ValidationService, logger *zap.Logger) *ValidateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValidateHandler{validation: validation, logger: logger}
}

// ServiceValidate 处理 /serviceValidate（CAS 2.0，不释放属性）
func (h *ValidateHandler) ServiceValidate(c *gin.Context) {
	h.validate(c, false, false)
}

// P3ServiceValidate 处理 /p3/serviceValidate（CAS 3.0，释放属性）
func (h *ValidateHandler) P3ServiceValidate(c *gin.Context) {
	h.validate(c, true, false)
}

// ProxyValidate 处理 /proxyValidate（接受 ST 与 PT）
func (h *ValidateHandler) ProxyValidate(c *gin.Context) {
	h.validate(c, false, true)
}

// P3ProxyValidate 处理 /p3/proxyValidate
func (h *ValidateHandler) P3ProxyValidate(c *gin.Context) {
	h.validate(c, true, true)
}

// validate 校验票据并渲染协议响应
func (h *ValidateHandler) validate(c *gin.Context, withAttributes, allowProxy bool) {
	serviceURL := c.Query("service")
	ticketID := c.Query("ticket")
	renew := c.Query("renew") == "true"
	pgtURL := c.Query("pgtUrl")

	result, verr := h.validation.ValidateServiceTicket(
		c.Request.Context(), serviceURL, ticketID, renew, pgtURL, allowProxy)
	if verr != nil {
		h.logger.Info("票据校验未通过",
			zap.String("service", serviceURL),
			zap.String("code", verr.Code),
		)
		h.render(c, newFailureResponse(verr.Code, verr.Detail))
		return
	}

	attrs := result.Attributes
	if !withAttributes {
		attrs = nil
	}
	h.render(c, newSuccessResponse(result.Principal.ID, attrs, result.PGTIOU, result.Proxies))
}

// Proxy 处理 /proxy：PGT 换 PT
func (h *ValidateHandler) Proxy(c *gin.Context) {
	pgtID := c.Query("pgt")
	targetService := c.Query("targetService")

	pt, verr := h.validation.IssueProxyTicket(c.Request.Context(), pgtID, targetService)
	if verr != nil {
		h.logger.Info("代理换票失败",
			zap.String("target_service", targetService),
			zap.String("code", verr.Code),
		)
		h.renderProxy(c, &proxyResponse{
			Xmlns:   casNamespace,
			Failure: &proxyFailure{Code: verr.Code, Message: verr.Detail},
		})
		return
	}

	h.renderProxy(c, &proxyResponse{
		Xmlns:   casNamespace,
		Success: &proxySuccess{ProxyTicket: pt.ID},
	})
}

// jsonFormat 请求是否要求 JSON 响应
func jsonFormat(c *gin.Context) bool {
	return strings.EqualFold(c.Query("format"), "json")
}

// render 渲染校验响应，默认 XML，format=JSON 时输出 JSON
func (h *ValidateHandler) render(c *gin.Context, resp *serviceResponse) {
	if jsonFormat(c) {
		c.JSON(http.StatusOK, resp.toJSON())
		return
	}
	h.renderXML(c, resp)
}

// renderProxy 渲染换票响应
func (h *ValidateHandler) renderProxy(c *gin.Context, resp *proxyResponse) {
	if jsonFormat(c) {
		c.JSON(http.StatusOK, resp.toJSON())
		return
	}
	h.renderXML(c, resp)
}

// renderXML 输出 CAS 协议 XML
func (h *ValidateHandler) renderXML(c *gin.Context, v interface{}) {
	data, err := xml.MarshalIndent(v, "", "    ")
	if err != nil {
		h.logger.Error("序列化协议响应失败", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", data)
}
