package logbus

import (
	"slices"
	"sync"
	"time"
)

// 事件类型，前端按 type 分发。
const (
	TypeLog   = "log"
	TypeToast = "toast"
	TypeJob   = "job"
)

type Message struct {
	Seq  uint64 `json:"seq"`
	Type string `json:"type"`
	Key  string `json:"key,omitempty"`
	Time int64  `json:"time"`
	Data any    `json:"data"`
}

type LogData struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

type subscriber struct {
	ch    chan Message
	types map[string]bool
}

func (s *subscriber) wants(typ string) bool {
	return len(s.types) == 0 || s.types[typ]
}

// Bus 是进程内广播。日志进环形缓冲；提示和任务这类状态事件按 (type, key)
// 只保留最新一条，新订阅者拿到的快照就是当前状态而不是历史。
// 订阅者消费过慢时直接丢弃，不阻塞发布方。
type Bus struct {
	mu      sync.RWMutex
	logs    []Message
	cap     int
	state   map[string]Message
	subs    map[*subscriber]struct{}
	seq     uint64
	dropped uint64
	closed  bool
	now     func() time.Time
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 200
	}
	return &Bus{
		cap:   capacity,
		logs:  make([]Message, 0, capacity),
		state: make(map[string]Message),
		subs:  make(map[*subscriber]struct{}),
		now:   time.Now,
	}
}

func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
	b.logs = nil
	b.state = nil
}

// Snapshot 返回缓冲中的日志和每个状态键的最新事件，按 Seq 排序；types 为空表示全部类型。
func (b *Bus) Snapshot(types ...string) []Message {
	if b == nil {
		return nil
	}
	filter := typeSet(types)
	keep := func(typ string) bool { return len(filter) == 0 || filter[typ] }

	b.mu.RLock()
	out := make([]Message, 0, len(b.logs)+len(b.state))
	for _, m := range b.logs {
		if keep(m.Type) {
			out = append(out, m)
		}
	}
	for _, m := range b.state {
		if keep(m.Type) {
			out = append(out, m)
		}
	}
	b.mu.RUnlock()

	slices.SortFunc(out, func(x, y Message) int {
		switch {
		case x.Seq < y.Seq:
			return -1
		case x.Seq > y.Seq:
			return 1
		}
		return 0
	})
	return out
}

// Subscribe 订阅实时事件，只投递 types 中列出的类型（为空时全部投递）。
func (b *Bus) Subscribe(buffer int, types ...string) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan Message, buffer), types: typeSet(types)}
	if b == nil {
		close(s.ch)
		return s.ch, func() {}
	}
	b.mu.Lock()
	if b.closed {
		close(s.ch)
		b.mu.Unlock()
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if b.subs != nil {
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
		}
		b.mu.Unlock()
	}
	return s.ch, cancel
}

// Publish 发布一条流水事件，进入环形缓冲。
func (b *Bus) Publish(typ string, data any) {
	b.publish(typ, "", data, false)
}

// PublishState 发布状态事件：同一 (typ, key) 在快照里只保留最新一条。
func (b *Bus) PublishState(typ, key string, data any) {
	b.publish(typ, key, data, true)
}

// Dropped 返回因订阅者缓冲已满而丢弃的事件数。
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *Bus) publish(typ, key string, data any, isState bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	msg := Message{
		Seq:  b.seq,
		Type: typ,
		Key:  key,
		Time: b.now().UnixMilli(),
		Data: data,
	}
	if isState {
		b.state[typ+"\x00"+key] = msg
	} else if len(b.logs) < b.cap {
		b.logs = append(b.logs, msg)
	} else {
		copy(b.logs, b.logs[1:])
		b.logs[b.cap-1] = msg
	}
	for s := range b.subs {
		if !s.wants(typ) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			b.dropped++
		}
	}
}

// Log 可以在 nil Bus 上调用，方便各组件把 bus 当成可选依赖。
func (b *Bus) Log(level, message string, fields map[string]any) {
	b.Publish(TypeLog, LogData{Level: level, Msg: message, Fields: fields})
}

func typeSet(types []string) map[string]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		if t != "" {
			set[t] = true
		}
	}
	return set
}
