// Package jobs 负责启动后端的批量任务并定时轮询其状态，直到任务结束。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"token_console/internal/backend"
	"token_console/internal/config"
	"token_console/internal/logbus"
	"token_console/internal/model"
	"token_console/internal/notify"
)

const DefaultThreads = 5

var (
	ErrJobInFlight = errors.New("jobs: a job of this kind is already running")
	ErrEmptyData   = errors.New("jobs: registration data is empty")
	ErrUnknownKind = errors.New("jobs: unknown job kind")
	ErrClosed      = errors.New("jobs: manager closed")
)

type API interface {
	StartBulkRegister(ctx context.Context, cred backend.Credential, data string, threads int) (model.JobStart, error)
	StartBatchRefresh(ctx context.Context, cred backend.Credential, includeDisabled bool, threads int) (model.JobStart, error)
	JobStatus(ctx context.Context, cred backend.Credential, kind model.JobKind, taskID string) (model.JobStatus, error)
}

type Credentials interface {
	Current(ctx context.Context) (backend.Credential, error)
}

type Notifier interface {
	Success(message string) model.Toast
	Error(message string) model.Toast
	Info(message string) model.Toast
}

// Reloader 任务结束后刷新 token 列表。
type Reloader interface {
	Load(ctx context.Context) error
}

type Options struct {
	API         API
	Credentials Credentials
	Toast       Notifier
	Registry    Reloader
	Notifier    notify.Notifier
	Bus         *logbus.Bus
	Jobs        config.JobsConfig
}

// Params 启动参数；Data 只用于批量注册，IncludeDisabled 只用于批量刷新。
type Params struct {
	Data            string `json:"data,omitempty"`
	IncludeDisabled bool   `json:"includeDisabled,omitempty"`
	Threads         int    `json:"threads,omitempty"`
}

type Manager struct {
	api      API
	creds    Credentials
	toast    Notifier
	reload   Reloader
	notifier notify.Notifier
	bus      *logbus.Bus

	interval   time.Duration
	maxThreads int
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pollers map[model.JobKind]*poller
}

type poller struct {
	kind model.JobKind

	mu        sync.Mutex
	state     model.JobState
	launching bool
	// gen 在每次启动和关闭任务时递增，旧任务的轮询结果据此丢弃
	gen     uint64
	seq     uint64
	applied uint64
	stop    context.CancelFunc
	done    chan struct{}
}

func New(opts Options) *Manager {
	interval := opts.Jobs.PollInterval()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	maxThreads := opts.Jobs.MaxThreads
	if maxThreads <= 0 {
		maxThreads = 20
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		api:        opts.API,
		creds:      opts.Credentials,
		toast:      opts.Toast,
		reload:     opts.Registry,
		notifier:   n,
		bus:        opts.Bus,
		interval:   interval,
		maxThreads: maxThreads,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		pollers:    make(map[model.JobKind]*poller),
	}
	for _, kind := range []model.JobKind{model.JobRegistration, model.JobBatchRefresh} {
		m.pollers[kind] = &poller{kind: kind, state: model.JobState{Kind: kind, Phase: model.JobIdle}}
	}
	return m
}

// ClampThreads 把线程数限制在 1..maxThreads，未指定时使用默认值。
func (m *Manager) ClampThreads(n int) int {
	if n == 0 {
		n = DefaultThreads
	}
	if n < 1 {
		n = 1
	}
	if n > m.maxThreads {
		n = m.maxThreads
	}
	return n
}

func (m *Manager) State(kind model.JobKind) (model.JobState, error) {
	p, ok := m.pollers[kind]
	if !ok {
		return model.JobState{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(), nil
}

func (m *Manager) States() []model.JobState {
	out := make([]model.JobState, 0, len(m.pollers))
	for _, kind := range []model.JobKind{model.JobRegistration, model.JobBatchRefresh} {
		st, _ := m.State(kind)
		out = append(out, st)
	}
	return out
}

func (m *Manager) Start(ctx context.Context, kind model.JobKind, params Params) (model.JobState, error) {
	p, ok := m.pollers[kind]
	if !ok {
		return model.JobState{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if m.ctx.Err() != nil {
		return model.JobState{}, ErrClosed
	}
	if kind == model.JobRegistration && strings.TrimSpace(params.Data) == "" {
		m.toast.Error("请输入数据")
		return model.JobState{}, ErrEmptyData
	}
	threads := m.ClampThreads(params.Threads)

	p.mu.Lock()
	if p.launching || p.activeLocked() {
		p.mu.Unlock()
		return model.JobState{}, ErrJobInFlight
	}
	p.launching = true
	p.mu.Unlock()

	start, err := m.launch(ctx, kind, params, threads)

	p.mu.Lock()
	p.launching = false
	if err != nil {
		p.mu.Unlock()
		m.bus.Log("warn", kind.Label()+"任务启动失败", map[string]any{"error": err.Error()})
		if kind == model.JobRegistration {
			m.toast.Error("启动失败")
		} else {
			m.toast.Error("启动批量刷新失败")
		}
		return model.JobState{}, err
	}
	p.gen++
	p.seq = 0
	p.applied = 0
	p.state = model.JobState{
		Kind:        kind,
		Phase:       model.JobStarted,
		TaskID:      start.TaskID,
		Status:      &model.JobStatus{Status: model.StatusProcessing, Total: start.Count},
		StartedAtMs: m.now().UnixMilli(),
	}
	loopCtx, stop := context.WithCancel(m.ctx)
	p.stop = stop
	p.done = make(chan struct{})
	gen := p.gen
	snap := p.snapshotLocked()
	m.wg.Add(1)
	p.mu.Unlock()

	go m.run(loopCtx, p, gen, start.TaskID)

	m.bus.Log("info", kind.Label()+"任务已开始", map[string]any{
		"taskId":  start.TaskID,
		"count":   start.Count,
		"threads": threads,
	})
	m.publish(snap)
	m.toast.Info(kind.Label() + "任务已开始")
	return snap, nil
}

func (m *Manager) launch(ctx context.Context, kind model.JobKind, params Params, threads int) (model.JobStart, error) {
	cred, err := m.creds.Current(ctx)
	if err != nil {
		return model.JobStart{}, err
	}
	if kind == model.JobRegistration {
		return m.api.StartBulkRegister(ctx, cred, params.Data, threads)
	}
	return m.api.StartBatchRefresh(ctx, cred, params.IncludeDisabled, threads)
}

func (m *Manager) run(ctx context.Context, p *poller, gen uint64, taskID string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			p.seq++
			seq := p.seq
			p.mu.Unlock()
			// 每次轮询独立发出，慢响应不阻塞下一次 tick
			m.wg.Add(1)
			go m.poll(ctx, p, gen, seq, taskID)
		}
	}
}

func (m *Manager) poll(ctx context.Context, p *poller, gen, seq uint64, taskID string) {
	defer m.wg.Done()

	cred, err := m.creds.Current(ctx)
	var st model.JobStatus
	if err == nil {
		st, err = m.api.JobStatus(ctx, cred, p.kind, taskID)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.bus.Log("warn", "获取任务状态失败", map[string]any{
			"kind":   p.kind,
			"taskId": taskID,
			"error":  err.Error(),
		})
		p.mu.Lock()
		if p.gen == gen && p.activeLocked() {
			p.state.LastError = err.Error()
		}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	if p.gen != gen || seq <= p.applied || !p.activeLocked() {
		p.mu.Unlock()
		return
	}
	p.applied = seq
	p.state.Status = &st
	p.state.LastPollMs = m.now().UnixMilli()
	p.state.LastError = ""
	terminal := st.Terminal()
	if terminal {
		p.state.Phase = model.JobTerminal
		p.cancelLocked()
	} else {
		p.state.Phase = model.JobProcessing
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()

	m.publish(snap)
	if !terminal {
		return
	}
	m.finish(snap)

	p.mu.Lock()
	if p.gen == gen {
		p.releaseLocked()
	}
	p.mu.Unlock()
}

func (m *Manager) finish(snap model.JobState) {
	summary := snap.Summary()
	m.bus.Log("info", summary, map[string]any{"kind": snap.Kind, "taskId": snap.TaskID, "status": snap.Status.Status})
	if snap.Status.Status == model.StatusCompleted {
		m.toast.Success(summary)
	} else {
		m.toast.Error(summary)
	}
	if m.reload != nil {
		_ = m.reload.Load(m.ctx)
	}
	m.notifier.NotifyJobFinished(m.ctx, notify.JobFinishedEvent{
		At:      m.now().UnixMilli(),
		Kind:    snap.Kind,
		TaskID:  snap.TaskID,
		Status:  *snap.Status,
		Summary: summary,
		Started: snap.StartedAtMs,
	})
}

// Dismiss 清空任务并回到空闲状态，正在进行的轮询随之停止。
func (m *Manager) Dismiss(kind model.JobKind) (model.JobState, error) {
	p, ok := m.pollers[kind]
	if !ok {
		return model.JobState{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	p.mu.Lock()
	p.stopLocked()
	p.gen++
	p.state = model.JobState{Kind: kind, Phase: model.JobIdle}
	snap := p.snapshotLocked()
	p.mu.Unlock()

	m.publish(snap)
	return snap, nil
}

// Wait 阻塞到当前任务结束或被关闭，返回最终状态。
func (m *Manager) Wait(ctx context.Context, kind model.JobKind) (model.JobState, error) {
	p, ok := m.pollers[kind]
	if !ok {
		return model.JobState{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return model.JobState{}, ctx.Err()
		}
	}
	return m.State(kind)
}

// Close 停止所有轮询，不再访问后端。
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	for _, p := range m.pollers {
		p.mu.Lock()
		p.stopLocked()
		p.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publish(st model.JobState) {
	m.bus.PublishState(logbus.TypeJob, string(st.Kind), st)
}

func (p *poller) activeLocked() bool {
	return p.state.Phase == model.JobStarted || p.state.Phase == model.JobProcessing
}

func (p *poller) stopLocked() {
	p.cancelLocked()
	p.releaseLocked()
}

func (p *poller) cancelLocked() {
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
}

// releaseLocked 唤醒 Wait。
func (p *poller) releaseLocked() {
	if p.done != nil {
		close(p.done)
		p.done = nil
	}
}

func (p *poller) snapshotLocked() model.JobState {
	out := p.state
	if p.state.Status != nil {
		st := *p.state.Status
		if st.Details != nil {
			st.Details = make(map[string]string, len(p.state.Status.Details))
			for k, v := range p.state.Status.Details {
				st.Details[k] = v
			}
		}
		out.Status = &st
	}
	return out
}
