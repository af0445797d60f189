// Package session 决定当前是否处于登录状态，并负责登录/退出。
// 本地只判断凭据是否存在，凭据是否仍然有效要等下一次后端调用才知道。
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"token_console/internal/backend"
	"token_console/internal/logbus"
)

var (
	ErrNoSession       = errors.New("session: not logged in")
	ErrEmptyCredential = errors.New("session: empty credential")
)

type Store interface {
	GetSession(ctx context.Context) (string, bool, error)
	SaveSession(ctx context.Context, credential string) error
	DeleteSession(ctx context.Context) error
}

type Authenticator interface {
	Login(ctx context.Context, cred backend.Credential) error
}

type Gate struct {
	store Store
	auth  Authenticator
	bus   *logbus.Bus
}

func NewGate(store Store, auth Authenticator, bus *logbus.Bus) *Gate {
	return &Gate{store: store, auth: auth, bus: bus}
}

// Current 返回已保存的凭据，不存在时返回 ErrNoSession。
func (g *Gate) Current(ctx context.Context) (backend.Credential, error) {
	v, ok, err := g.store.GetSession(ctx)
	if err != nil {
		return backend.Credential{}, fmt.Errorf("read session: %w", err)
	}
	if !ok || v == "" {
		return backend.Credential{}, ErrNoSession
	}
	return backend.NewCredential(v), nil
}

func (g *Gate) LoggedIn(ctx context.Context) bool {
	_, err := g.Current(ctx)
	return err == nil
}

// Login 用凭据调用后端登录接口，成功后原样保存提交的字符串。
func (g *Gate) Login(ctx context.Context, credential string) error {
	if strings.TrimSpace(credential) == "" {
		return ErrEmptyCredential
	}
	if err := g.auth.Login(ctx, backend.NewCredential(credential)); err != nil {
		g.bus.Log("warn", "登录失败", map[string]any{"error": err.Error()})
		return fmt.Errorf("login: %w", err)
	}
	if err := g.store.SaveSession(ctx, credential); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	g.bus.Log("info", "管理员已登录", nil)
	return nil
}

func (g *Gate) Logout(ctx context.Context) error {
	if err := g.store.DeleteSession(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	g.bus.Log("info", "管理员已退出", nil)
	return nil
}

// LoginMessage 把登录错误转换成展示文案。
func LoginMessage(err error) string {
	if errors.Is(err, ErrEmptyCredential) {
		return "请输入密码"
	}
	return backend.Message(err, "登录失败，请检查密码")
}
