package logbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_LogRingKeepsNewest(t *testing.T) {
	b := New(2)
	b.Log("info", "one", nil)
	b.Log("info", "two", nil)
	b.Log("info", "three", nil)

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "two", snap[0].Data.(LogData).Msg)
	assert.Equal(t, "three", snap[1].Data.(LogData).Msg)
	assert.Less(t, snap[0].Seq, snap[1].Seq)
}

func TestBus_StateKeepsLatestPerKey(t *testing.T) {
	b := New(1)
	b.PublishState(TypeJob, "registration", "reg-started")
	b.PublishState(TypeToast, "", "toast-1")
	b.Log("info", "noise", nil)
	b.PublishState(TypeJob, "batch_refresh", "refresh-started")
	b.PublishState(TypeJob, "registration", "reg-terminal")
	b.PublishState(TypeToast, "", "toast-2")

	snap := b.Snapshot()
	var data []any
	for _, m := range snap {
		data = append(data, m.Data)
	}
	// 状态事件不受日志缓冲容量影响，按发布顺序排列
	assert.Equal(t, []any{LogData{Level: "info", Msg: "noise"}, "refresh-started", "reg-terminal", "toast-2"}, data)

	jobs := b.Snapshot(TypeJob)
	require.Len(t, jobs, 2)
	assert.Equal(t, "batch_refresh", jobs[0].Key)
	assert.Equal(t, "registration", jobs[1].Key)
}

func TestBus_SubscribeFilterAndCancel(t *testing.T) {
	b := New(10)
	all, cancelAll := b.Subscribe(4)
	jobs, cancelJobs := b.Subscribe(4, TypeJob)

	b.Log("info", "hello", nil)
	b.PublishState(TypeJob, "registration", "started")

	assert.Equal(t, TypeLog, (<-all).Type)
	assert.Equal(t, TypeJob, (<-all).Type)
	msg := <-jobs
	assert.Equal(t, TypeJob, msg.Type)
	assert.Equal(t, "started", msg.Data)
	assert.Empty(t, jobs)

	cancelAll()
	cancelJobs()
	_, ok := <-all
	assert.False(t, ok)

	// 取消后继续发布不会 panic
	b.Publish(TypeJob, "after")
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	b := New(10)
	_, cancel := b.Subscribe(1)
	defer cancel()

	b.Log("info", "a", nil)
	b.Log("info", "b", nil)
	b.Log("info", "c", nil)
	assert.EqualValues(t, 2, b.Dropped())
}

func TestBus_NilSafeAndClosed(t *testing.T) {
	var nilBus *Bus
	nilBus.Log("info", "ignored", nil)
	nilBus.PublishState(TypeToast, "", "ignored")
	assert.Empty(t, nilBus.Snapshot())

	b := New(1)
	b.Close()
	b.Log("info", "ignored", nil)
	require.Empty(t, b.Snapshot())

	ch, cancel := b.Subscribe(1)
	defer cancel()
	_, ok := <-ch
	require.False(t, ok)
}
