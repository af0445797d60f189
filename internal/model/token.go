package model

import (
	"bytes"
	"strings"
	"time"
)

// TokenRecord 后端 tokens 表的一行，字段含义以后端为准，本地只做展示和乐观更新。
type TokenRecord struct {
	ID             int64      `json:"id"`
	Account        string     `json:"account"`
	Token          string     `json:"token"`
	SilentCookies  string     `json:"silent_cookies"`
	CookiesExpires *Timestamp `json:"cookies_expires"`
	Auth           string     `json:"auth"`
	AccessToken    string     `json:"access_token"`
	TokenExpires   *Timestamp `json:"token_expires"`
	CreatedAt      *Timestamp `json:"created_at"`
	UpdatedAt      *Timestamp `json:"updated_at"`
	DeletedAt      *Timestamp `json:"deleted_at"`
	Enable         int        `json:"enable"`
	Count          int        `json:"count"`
	AccountType    string     `json:"account_type"`
}

func (r TokenRecord) Enabled() bool { return r.Enable == 1 }

// TokenPatch 创建/更新时提交的部分字段，nil 表示不提交。
type TokenPatch struct {
	ID            int64   `json:"id,omitempty"`
	Account       *string `json:"account,omitempty"`
	Token         *string `json:"token,omitempty"`
	SilentCookies *string `json:"silent_cookies,omitempty"`
	Auth          *string `json:"auth,omitempty"`
	AccessToken   *string `json:"access_token,omitempty"`
	Enable        *int    `json:"enable,omitempty"`
	Count         *int    `json:"count,omitempty"`
	AccountType   *string `json:"account_type,omitempty"`
}

type TokenPage struct {
	Items []TokenRecord `json:"items"`
	Total int           `json:"total"`
}

type ListQuery struct {
	Skip     int
	Limit    int
	Account  string
	SortBy   string
	SortDesc bool
}

// EnableFlag 把开关转换成后端使用的 0/1。
func EnableFlag(on bool) int {
	if on {
		return 1
	}
	return 0
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Timestamp 兼容后端返回的无时区 ISO 时间。
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		return nil
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		v, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			t.Time = v
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Format("2006-01-02T15:04:05") + `"`), nil
}

// Display 对应列表里的 YYYY-MM-DD HH:mm:ss 展示格式，空值显示 "-"。
func (t *Timestamp) Display() string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}
