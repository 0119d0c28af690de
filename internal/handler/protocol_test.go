package handler

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalResponse(t *testing.T, resp *serviceResponse) string {
	t.Helper()
	data, err := xml.Marshal(resp)
	require.NoError(t, err)
	return string(data)
}

func TestServiceResponse_SuccessXML(t *testing.T) {
	out := marshalResponse(t, newSuccessResponse("alice", nil, "", nil))

	assert.Contains(t, out, `xmlns:cas="http://www.yale.edu/tp/cas"`)
	assert.Contains(t, out, "<cas:user>alice</cas:user>")
	assert.NotContains(t, out, "<cas:attributes>")
	assert.NotContains(t, out, "<cas:proxyGrantingTicket>")
}

func TestServiceResponse_AttributesSortedAndMultiValue(t *testing.T) {
	out := marshalResponse(t, newSuccessResponse("alice", map[string][]string{
		"role":  {"staff", "admin"},
		"email": {"alice@example.com"},
	}, "", nil))

	// 属性按名排序，多值属性重复输出
	assert.Contains(t, out,
		"<cas:attributes>"+
			"<cas:email>alice@example.com</cas:email>"+
			"<cas:role>staff</cas:role><cas:role>admin</cas:role>"+
			"</cas:attributes>")
}

func TestServiceResponse_PGTAndProxies(t *testing.T) {
	out := marshalResponse(t, newSuccessResponse("alice", nil,
		"PGTIOU-abc", []string{"https://proxy.example.com/cb"}))

	assert.Contains(t, out, "<cas:proxyGrantingTicket>PGTIOU-abc</cas:proxyGrantingTicket>")
	assert.Contains(t, out,
		"<cas:proxies><cas:proxy>https://proxy.example.com/cb</cas:proxy></cas:proxies>")
}

func TestServiceResponse_FailureXML(t *testing.T) {
	out := marshalResponse(t, newFailureResponse("INVALID_TICKET", "票据不存在或已失效"))

	assert.Contains(t, out, `<cas:authenticationFailure code="INVALID_TICKET">`)
	assert.Contains(t, out, "票据不存在或已失效")
	assert.NotContains(t, out, "<cas:authenticationSuccess>")
}

func TestServiceResponse_SuccessJSON(t *testing.T) {
	resp := newSuccessResponse("alice", map[string][]string{
		"email": {"alice@example.com"},
	}, "PGTIOU-abc", nil)

	doc := resp.toJSON()
	inner, ok := doc["serviceResponse"].(map[string]interface{})
	require.True(t, ok)
	success, ok := inner["authenticationSuccess"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "alice", success["user"])
	assert.Equal(t, "PGTIOU-abc", success["proxyGrantingTicket"])
	assert.Equal(t, map[string][]string{"email": {"alice@example.com"}}, success["attributes"])
	_, hasFailure := inner["authenticationFailure"]
	assert.False(t, hasFailure)
}

func TestProxyResponse_JSON(t *testing.T) {
	resp := &proxyResponse{Xmlns: casNamespace, Failure: &proxyFailure{
		Code:    "BAD_PGT",
		Message: "PGT 不存在或已失效",
	}}

	doc := resp.toJSON()
	inner := doc["serviceResponse"].(map[string]interface{})
	failure, ok := inner["proxyFailure"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BAD_PGT", failure["code"])
}
