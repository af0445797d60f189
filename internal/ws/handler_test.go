package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token_console/internal/logbus"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandler_ReplaysThenStreams(t *testing.T) {
	bus := logbus.New(10)
	bus.Log("info", "before", nil)
	srv := httptest.NewServer(NewHandler(bus, nil))
	defer srv.Close()

	conn := dial(t, srv, "")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg logbus.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, logbus.TypeLog, msg.Type)

	// 订阅建立的时机不确定，持续发布直到收到
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				bus.Publish(logbus.TypeToast, map[string]any{"message": "hi"})
			}
		}
	}()
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, logbus.TypeToast, msg.Type)
}

func TestHandler_TypeFilter(t *testing.T) {
	bus := logbus.New(10)
	bus.Log("info", "noise", nil)
	bus.PublishState(logbus.TypeJob, "registration", map[string]any{"phase": "started"})
	srv := httptest.NewServer(NewHandler(bus, nil))
	defer srv.Close()

	conn := dial(t, srv, "?types=job")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg logbus.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, logbus.TypeJob, msg.Type)
}

func TestHandler_ReplaysCurrentStateOnly(t *testing.T) {
	bus := logbus.New(10)
	bus.PublishState(logbus.TypeJob, "registration", map[string]any{"phase": "started"})
	bus.PublishState(logbus.TypeJob, "registration", map[string]any{"phase": "terminal"})
	bus.PublishState(logbus.TypeToast, "", map[string]any{"message": "done"})
	srv := httptest.NewServer(NewHandler(bus, nil))
	defer srv.Close()

	conn := dial(t, srv, "?types=job,toast")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first, second logbus.Message
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, logbus.TypeJob, first.Type)
	assert.Equal(t, "terminal", first.Data.(map[string]any)["phase"])
	assert.Equal(t, logbus.TypeToast, second.Type)
	assert.Less(t, first.Seq, second.Seq)
}

func TestParseTypes(t *testing.T) {
	assert.Nil(t, parseTypes(""))
	assert.Equal(t, []string{"job", "toast"}, parseTypes(" job, ,toast"))
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(nil, []string{"http://localhost:5173"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "http://LOCALHOST:5173")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, h.checkOrigin(req))

	assert.True(t, NewHandler(nil, []string{"*"}).checkOrigin(req))
}
