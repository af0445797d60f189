// Package toast 实现单槽位的提示消息：新消息直接替换旧消息，到时自动关闭。
package toast

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"token_console/internal/logbus"
	"token_console/internal/model"
)

type Notifier struct {
	bus      *logbus.Bus
	duration time.Duration
	now      func() time.Time

	mu      sync.Mutex
	current *model.Toast
	timer   *time.Timer
}

func New(bus *logbus.Bus, duration time.Duration) *Notifier {
	if duration <= 0 {
		duration = 3 * time.Second
	}
	return &Notifier{bus: bus, duration: duration, now: time.Now}
}

// closedEvent 推送给前端的关闭事件。
type closedEvent struct {
	ID     string `json:"id"`
	Closed bool   `json:"closed"`
}

func (n *Notifier) Show(typ model.ToastType, message string) model.Toast {
	t := model.Toast{
		ID:        uuid.NewString(),
		Type:      typ,
		Message:   message,
		ShownAtMs: n.now().UnixMilli(),
	}

	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.current = &t
	id := t.ID
	n.timer = time.AfterFunc(n.duration, func() { n.Close(id) })
	n.mu.Unlock()

	n.bus.PublishState(logbus.TypeToast, "", t)
	return t
}

func (n *Notifier) Success(message string) model.Toast { return n.Show(model.ToastSuccess, message) }

func (n *Notifier) Error(message string) model.Toast { return n.Show(model.ToastError, message) }

func (n *Notifier) Info(message string) model.Toast { return n.Show(model.ToastInfo, message) }

// Close 关闭指定消息；id 为空时关闭当前消息。id 已被新消息替换时不做任何事。
func (n *Notifier) Close(id string) bool {
	n.mu.Lock()
	if n.current == nil || (id != "" && n.current.ID != id) {
		n.mu.Unlock()
		return false
	}
	closed := n.current.ID
	n.current = nil
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.mu.Unlock()

	n.bus.PublishState(logbus.TypeToast, "", closedEvent{ID: closed, Closed: true})
	return true
}

// Current 返回当前正在展示的消息。
func (n *Notifier) Current() (model.Toast, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return model.Toast{}, false
	}
	return *n.current, true
}
