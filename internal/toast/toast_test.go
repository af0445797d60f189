package toast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token_console/internal/logbus"
	"token_console/internal/model"
)

func TestShow_ReplacesCurrent(t *testing.T) {
	n := New(nil, time.Minute)

	first := n.Success("添加成功")
	second := n.Error("保存失败")

	cur, ok := n.Current()
	require.True(t, ok)
	assert.Equal(t, second.ID, cur.ID)
	assert.Equal(t, model.ToastError, cur.Type)
	assert.Equal(t, "保存失败", cur.Message)

	// 旧消息已被替换，关闭它不影响当前消息
	assert.False(t, n.Close(first.ID))
	_, ok = n.Current()
	assert.True(t, ok)

	assert.True(t, n.Close(second.ID))
	_, ok = n.Current()
	assert.False(t, ok)
}

func TestShow_AutoDismiss(t *testing.T) {
	n := New(nil, 30*time.Millisecond)
	n.Info("批量刷新任务已开始")

	require.Eventually(t, func() bool {
		_, ok := n.Current()
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestShow_StaleTimerDoesNotCloseNewer(t *testing.T) {
	n := New(nil, 60*time.Millisecond)
	n.Info("first")
	time.Sleep(40 * time.Millisecond)
	second := n.Info("second")
	time.Sleep(40 * time.Millisecond)

	// 第一条的定时器已经到点，但第二条还在有效期内
	cur, ok := n.Current()
	require.True(t, ok)
	assert.Equal(t, second.ID, cur.ID)
}

func TestShow_PublishesEvents(t *testing.T) {
	bus := logbus.New(10)
	ch, cancel := bus.Subscribe(4, logbus.TypeToast)
	defer cancel()
	n := New(bus, time.Minute)

	shown := n.Success("ok")
	n.Close("")

	assert.Equal(t, shown, (<-ch).Data)
	assert.Equal(t, closedEvent{ID: shown.ID, Closed: true}, (<-ch).Data)

	// 快照只保留当前状态：已关闭
	snap := bus.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, logbus.TypeToast, snap[0].Type)
	assert.Equal(t, closedEvent{ID: shown.ID, Closed: true}, snap[0].Data)
}
