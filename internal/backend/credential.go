package backend

// Credential 管理员凭据，同时作为所有请求的 Bearer token。
// 显式传给每一次调用，String 不会泄露原文。
type Credential struct {
	value string
}

func NewCredential(v string) Credential {
	return Credential{value: v}
}

func (c Credential) Value() string { return c.value }

func (c Credential) Empty() bool { return c.value == "" }

func (c Credential) String() string {
	if c.value == "" {
		return "<empty>"
	}
	return "<redacted>"
}
