package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token_console/internal/model"
)

type memSettings struct {
	v  model.EmailSettings
	ok bool
}

func (m memSettings) GetEmailSettings(context.Context) (model.EmailSettings, bool, error) {
	return m.v, m.ok, nil
}

type recorder struct {
	mu      sync.Mutex
	batches [][]JobFinishedEvent
}

func (r *recorder) send(_ context.Context, _ model.EmailSettings, events []JobFinishedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

var enabled = memSettings{ok: true, v: model.EmailSettings{Enabled: true, Email: "ops@qq.com", AuthCode: "code"}}

func TestEmailNotifier_Immediate(t *testing.T) {
	rec := &recorder{}
	n := NewEmailNotifier(enabled, nil, EmailOptions{Send: rec.send})
	defer n.Close(context.Background())

	n.NotifyJobFinished(context.Background(), JobFinishedEvent{Kind: model.JobBatchRefresh, TaskID: "t1"})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEmailNotifier_BatchesWithinWindow(t *testing.T) {
	rec := &recorder{}
	n := NewEmailNotifier(enabled, nil, EmailOptions{Send: rec.send, SummaryWindow: 50 * time.Millisecond})

	n.NotifyJobFinished(context.Background(), JobFinishedEvent{TaskID: "a"})
	n.NotifyJobFinished(context.Background(), JobFinishedEvent{TaskID: "b"})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, n.Close(context.Background()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.batches[0], 2)
}

func TestEmailNotifier_DisabledSkipsSend(t *testing.T) {
	rec := &recorder{}
	n := NewEmailNotifier(memSettings{ok: true}, nil, EmailOptions{Send: rec.send})
	n.NotifyJobFinished(context.Background(), JobFinishedEvent{TaskID: "x"})
	require.NoError(t, n.Close(context.Background()))
	assert.Zero(t, rec.count())
}

func TestValidateEmailSettings(t *testing.T) {
	assert.Error(t, ValidateEmailSettings(model.EmailSettings{}))
	assert.Error(t, ValidateEmailSettings(model.EmailSettings{Email: "not-an-email", AuthCode: "x"}))
	assert.Error(t, ValidateEmailSettings(model.EmailSettings{Email: "a@b.com"}))
	assert.NoError(t, ValidateEmailSettings(model.EmailSettings{Email: "a@b.com", AuthCode: "x"}))
}

func TestSMTPConfigForEmail(t *testing.T) {
	host, port, ssl, err := smtpConfigForEmail("me@foxmail.com")
	require.NoError(t, err)
	assert.Equal(t, "smtp.qq.com", host)
	assert.Equal(t, 465, port)
	assert.True(t, ssl)

	host, port, ssl, err = smtpConfigForEmail("me@gmail.com")
	require.NoError(t, err)
	assert.Equal(t, "smtp.gmail.com", host)
	assert.Equal(t, 587, port)
	assert.False(t, ssl)

	host, _, _, err = smtpConfigForEmail("me@corp.example")
	require.NoError(t, err)
	assert.Equal(t, "smtp.corp.example", host)

	_, _, _, err = smtpConfigForEmail("broken")
	assert.Error(t, err)
}

func TestBuildSummaryEmailBody(t *testing.T) {
	evt := JobFinishedEvent{
		At:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local).UnixMilli(),
		Kind:   model.JobRegistration,
		TaskID: "r1",
		Status: model.JobStatus{Status: model.StatusCompleted, Total: 3, Success: 2, Failed: 1},
	}
	html, text, err := buildSummaryEmailBody([]JobFinishedEvent{evt})
	require.NoError(t, err)
	assert.Contains(t, html, "批量注册")
	assert.Contains(t, text, "2026-01-02 03:04:05 | 批量注册 | 任务 r1 | 总数 3 | 成功 2 | 失败 1")

	_, _, err = buildSummaryEmailBody(nil)
	assert.Error(t, err)
}
