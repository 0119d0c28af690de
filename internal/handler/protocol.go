// Package handler HTTP 接口层
package handler

import (
	"encoding/xml"
	"sort"
)

// casNamespace CAS 协议 XML 命名空间
const casNamespace = "http://www.yale.edu/tp/cas"

// serviceResponse 校验响应根元素
type serviceResponse struct {
	XMLName xml.Name               `xml:"cas:serviceResponse"`
	Xmlns   string                 `xml:"xmlns:cas,attr"`
	Success *authenticationSuccess `xml:"cas:authenticationSuccess,omitempty"`
	Failure *authenticationFailure `xml:"cas:authenticationFailure,omitempty"`
}

// authenticationSuccess 校验成功块
type authenticationSuccess struct {
	User                string          `xml:"cas:user"`
	Attributes          *attributeBlock `xml:"cas:attributes,omitempty"`
	ProxyGrantingTicket string          `xml:"cas:proxyGrantingTicket,omitempty"`
	Proxies             *proxyList      `xml:"cas:proxies,omitempty"`
}

// authenticationFailure 校验失败块
type authenticationFailure struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// proxyList 代理链
type proxyList struct {
	Proxies []string `xml:"cas:proxy"`
}

// attributeBlock 动态属性块
// 属性名即元素名，多值属性重复输出；按属性名排序保证输出稳定
type attributeBlock struct {
	Attributes map[string][]string
}

// MarshalXML 实现动态属性元素
func (b *attributeBlock) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	names := make([]string, 0, len(b.Attributes))
	for name := range b.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		elem := xml.StartElement{Name: xml.Name{Local: "cas:" + name}}
		for _, value := range b.Attributes[name] {
			if err := e.EncodeElement(value, elem); err != nil {
				return err
			}
		}
	}
	return e.EncodeToken(start.End())
}

// proxyResponse /proxy 响应根元素
type proxyResponse struct {
	XMLName xml.Name      `xml:"cas:serviceResponse"`
	Xmlns   string        `xml:"xmlns:cas,attr"`
	Success *proxySuccess `xml:"cas:proxySuccess,omitempty"`
	Failure *proxyFailure `xml:"cas:proxyFailure,omitempty"`
}

// proxySuccess 换票成功块
type proxySuccess struct {
	ProxyTicket string `xml:"cas:proxyTicket"`
}

// proxyFailure 换票失败块
type proxyFailure struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// newSuccessResponse 构造校验成功响应
func newSuccessResponse(user string, attrs map[string][]string, pgtIOU string, proxies []string) *serviceResponse {
	success := &authenticationSuccess{
		User:                user,
		ProxyGrantingTicket: pgtIOU,
	}
	if len(attrs) > 0 {
		success.Attributes = &attributeBlock{Attributes: attrs}
	}
	if len(proxies) > 0 {
		success.Proxies = &proxyList{Proxies: proxies}
	}
	return &serviceResponse{Xmlns: casNamespace, Success: success}
}

// newFailureResponse 构造校验失败响应
func newFailureResponse(code, message string) *serviceResponse {
	return &serviceResponse{
		Xmlns:   casNamespace,
		Failure: &authenticationFailure{Code: code, Message: message},
	}
}

// toJSON 校验响应的 JSON 表示
// 外层包一层 serviceResponse，属性为单层映射
func (r *serviceResponse) toJSON() map[string]interface{} {
	inner := make(map[string]interface{})
	if r.Success != nil {
		success := map[string]interface{}{
			"user": r.Success.User,
		}
		if r.Success.Attributes != nil {
			success["attributes"] = r.Success.Attributes.Attributes
		}
		if r.Success.ProxyGrantingTicket != "" {
			success["proxyGrantingTicket"] = r.Success.ProxyGrantingTicket
		}
		if r.Success.Proxies != nil {
			success["proxies"] = r.Success.Proxies.Proxies
		}
		inner["authenticationSuccess"] = success
	}
	if r.Failure != nil {
		inner["authenticationFailure"] = map[string]interface{}{
			"code":        r.Failure.Code,
			"description": r.Failure.Message,
		}
	}
	return map[string]interface{}{"serviceResponse": inner}
}

// toJSON /proxy 响应的 JSON 表示
func (r *proxyResponse) toJSON() map[string]interface{} {
	inner := make(map[string]interface{})
	if r.Success != nil {
		inner["proxySuccess"] = map[string]interface{}{
			"proxyTicket": r.Success.ProxyTicket,
		}
	}
	if r.Failure != nil {
		inner["proxyFailure"] = map[string]interface{}{
			"code":        r.Failure.Code,
			"description": r.Failure.Message,
		}
	}
	return map[string]interface{}{"serviceResponse": inner}
}
