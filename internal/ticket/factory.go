// Package ticket 票据签发与存储
package ticket

import (
	"crypto/rand"
	"encoding/base64"
)

// 票据类型前缀
const (
	PrefixTGT    = "TGT"
	PrefixST     = "ST"
	PrefixPGT    = "PGT"
	PrefixPT     = "PT"
	PrefixPGTIOU = "PGTIOU"
)

// Factory 票据 ID 工厂
// 生成格式为 {PREFIX}-{随机串}-{节点标识} 的不可预测票据 ID，
// 随机串为 128 位 CSPRNG 输出的无填充 base64url 编码
type Factory struct {
	hostSuffix string
}

// NewFactory 创建票据工厂
func NewFactory(hostSuffix string) *Factory {
	return &Factory{hostSuffix: hostSuffix}
}

// Mint 生成一个新票据 ID
func (f *Factory) Mint(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand 失败意味着系统熵源不可用，无法继续
		panic(err)
	}
	id := prefix + "-" + base64.RawURLEncoding.EncodeToString(b)
	if f.hostSuffix != "" {
		id += "-" + f.hostSuffix
	}
	return id
}
