package registry

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token_console/internal/backend"
	"token_console/internal/config"
	"token_console/internal/mockbackend"
	"token_console/internal/model"
	"token_console/internal/toast"
)

const testPassword = "pw"

type staticCreds struct{ value string }

func (s staticCreds) Current(context.Context) (backend.Credential, error) {
	if s.value == "" {
		return backend.Credential{}, errors.New("no session")
	}
	return backend.NewCredential(s.value), nil
}

type fixture struct {
	view  *View
	mock  *mockbackend.Server
	toast *toast.Notifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := mockbackend.New(mockbackend.Options{Password: testPassword})
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(func() {
		srv.Close()
		mock.Close()
	})
	cfg := config.Default()
	cfg.Backend.BaseURL = srv.URL + "/api"
	n := toast.New(nil, time.Minute)
	v := New(Options{
		API:             backend.New(cfg.Backend, cfg.Limits, nil),
		Credentials:     staticCreds{value: testPassword},
		Notifier:        n,
		PageSizes:       cfg.Registry.PageSizes,
		DefaultPageSize: cfg.Registry.DefaultPageSize,
	})
	return &fixture{view: v, mock: mock, toast: n}
}

func (f *fixture) lastToast(t *testing.T) model.Toast {
	t.Helper()
	cur, ok := f.toast.Current()
	require.True(t, ok, "expected a visible toast")
	return cur
}

func (f *fixture) lastQuery(t *testing.T) url.Values {
	t.Helper()
	reqs := f.mock.Requests()
	require.NotEmpty(t, reqs)
	q, err := url.ParseQuery(reqs[len(reqs)-1].Query)
	require.NoError(t, err)
	return q
}

func TestQuery_Defaults(t *testing.T) {
	v := New(Options{})
	q := v.Query()
	assert.Equal(t, model.ListQuery{Skip: 0, Limit: 15}, q)
}

func TestPagination(t *testing.T) {
	v := New(Options{})
	require.NoError(t, v.SetPage(3))
	assert.Equal(t, 30, v.Query().Skip)

	require.NoError(t, v.SetPageSize(50))
	q := v.Query()
	assert.Equal(t, 0, q.Skip)
	assert.Equal(t, 50, q.Limit)

	assert.ErrorIs(t, v.SetPageSize(25), ErrInvalidPageSize)
	assert.Equal(t, 50, v.Query().Limit)
	assert.ErrorIs(t, v.SetPage(0), ErrInvalidPage)
}

func TestSearch_ResetsPage(t *testing.T) {
	v := New(Options{})
	require.NoError(t, v.SetPage(4))
	v.Search("bob")
	q := v.Query()
	assert.Equal(t, 0, q.Skip)
	assert.Equal(t, "bob", q.Account)
}

func TestSortBy_HeaderClicks(t *testing.T) {
	v := New(Options{})

	require.NoError(t, v.SortBy("count"))
	q := v.Query()
	assert.Equal(t, "count", q.SortBy)
	assert.False(t, q.SortDesc)

	require.NoError(t, v.SortBy("count"))
	assert.True(t, v.Query().SortDesc)

	require.NoError(t, v.SortBy("count"))
	assert.False(t, v.Query().SortDesc)

	require.NoError(t, v.SortBy("count"))
	require.NoError(t, v.SortBy("account"))
	q = v.Query()
	assert.Equal(t, "account", q.SortBy)
	assert.False(t, q.SortDesc)

	assert.ErrorIs(t, v.SortBy("password"), ErrInvalidSortKey)
	assert.Equal(t, "account", v.Query().SortBy)

	require.NoError(t, v.SortBy("account_type"))
	q = v.Query()
	assert.Equal(t, "account_type", q.SortBy)
	assert.False(t, q.SortDesc)

	v.ClearSort()
	assert.Empty(t, v.Query().SortBy)
}

func TestSetSort_RepeatableNoToggle(t *testing.T) {
	v := New(Options{})

	for range 3 {
		require.NoError(t, v.SetSort("account", true))
		q := v.Query()
		assert.Equal(t, "account", q.SortBy)
		assert.True(t, q.SortDesc)
	}

	require.NoError(t, v.SetSort("account_type", false))
	assert.False(t, v.Query().SortDesc)

	assert.ErrorIs(t, v.SetSort("password", false), ErrInvalidSortKey)
	assert.Equal(t, "account_type", v.Query().SortBy)
}

func TestLoad_ReplacesItems(t *testing.T) {
	f := newFixture(t)
	for _, acc := range []string{"a", "b", "c"} {
		f.mock.Seed(model.TokenRecord{Account: acc, Enable: 1})
	}
	ctx := context.Background()

	require.NoError(t, f.view.SetPageSize(20))
	require.NoError(t, f.view.SortBy("id"))
	require.NoError(t, f.view.SortBy("id"))
	require.NoError(t, f.view.Load(ctx))

	st := f.view.Snapshot()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Pages)
	require.Len(t, st.Items, 3)
	assert.Equal(t, "c", st.Items[0].Account)

	q := f.lastQuery(t)
	assert.Equal(t, "0", q.Get("skip"))
	assert.Equal(t, "20", q.Get("limit"))
	assert.Equal(t, "id", q.Get("sort_by"))
	assert.Equal(t, "true", q.Get("sort_desc"))
	assert.False(t, q.Has("account"))
}

func TestLoad_FailureKeepsItems(t *testing.T) {
	f := newFixture(t)
	f.mock.Seed(model.TokenRecord{Account: "a", Enable: 1})
	ctx := context.Background()
	require.NoError(t, f.view.Load(ctx))

	f.view.creds = staticCreds{value: "wrong"}
	require.Error(t, f.view.Load(ctx))

	assert.Len(t, f.view.Snapshot().Items, 1)
	cur := f.lastToast(t)
	assert.Equal(t, model.ToastError, cur.Type)
	assert.Equal(t, "获取Token列表失败", cur.Message)
}

func TestLoad_NoSessionSkipsBackend(t *testing.T) {
	f := newFixture(t)
	f.view.creds = staticCreds{}
	require.Error(t, f.view.Load(context.Background()))
	assert.Empty(t, f.mock.Requests())
}

func TestSave_CreateThenUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := "dave"

	rec, err := f.view.Save(ctx, model.TokenPatch{Account: &acc})
	require.NoError(t, err)
	assert.Equal(t, "添加成功", f.lastToast(t).Message)
	require.Len(t, f.view.Snapshot().Items, 1)

	tok := "new-token"
	_, err = f.view.Save(ctx, model.TokenPatch{ID: rec.ID, Token: &tok})
	require.NoError(t, err)
	assert.Equal(t, "更新成功", f.lastToast(t).Message)

	stored, ok := f.mock.Token(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "new-token", stored.Token)
}

func TestSave_Failure(t *testing.T) {
	f := newFixture(t)
	bad := 5
	_, err := f.view.Save(context.Background(), model.TokenPatch{ID: f.mock.Seed(model.TokenRecord{Account: "x"}), Enable: &bad})
	require.Error(t, err)
	assert.Equal(t, "保存失败", f.lastToast(t).Message)
}

func TestDelete_RequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	id := f.mock.Seed(model.TokenRecord{Account: "erin", Enable: 1})
	ctx := context.Background()
	require.NoError(t, f.view.Load(ctx))
	before := len(f.mock.Requests())

	var prompt string
	deleted, err := f.view.Delete(ctx, id, ConfirmFunc(func(_ context.Context, p string) bool {
		prompt = p
		return false
	}))
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Contains(t, prompt, "erin")
	assert.Len(t, f.mock.Requests(), before, "cancelled delete must not reach the backend")

	deleted, err = f.view.Delete(ctx, id, nil)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = f.view.Delete(ctx, id, ConfirmFunc(func(context.Context, string) bool { return true }))
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, "删除成功", f.lastToast(t).Message)
	assert.Empty(t, f.view.Snapshot().Items)
}

func TestDelete_Failure(t *testing.T) {
	f := newFixture(t)
	_, err := f.view.Delete(context.Background(), 999, ConfirmFunc(func(context.Context, string) bool { return true }))
	require.Error(t, err)
	assert.Equal(t, "删除失败", f.lastToast(t).Message)
}

func TestSetEnabled_PatchesInPlace(t *testing.T) {
	f := newFixture(t)
	id := f.mock.Seed(model.TokenRecord{Account: "a", Enable: 1})
	other := f.mock.Seed(model.TokenRecord{Account: "b", Enable: 1})
	ctx := context.Background()
	require.NoError(t, f.view.Load(ctx))
	before := len(f.mock.Requests())

	require.NoError(t, f.view.SetEnabled(ctx, id, false))
	assert.Equal(t, "状态更新成功", f.lastToast(t).Message)
	// 只发出一次 PUT，不重新拉列表
	assert.Len(t, f.mock.Requests(), before+1)

	for _, rec := range f.view.Snapshot().Items {
		switch rec.ID {
		case id:
			assert.Equal(t, 0, rec.Enable)
		case other:
			assert.Equal(t, 1, rec.Enable)
		}
	}
}

func TestSetEnabled_FailureLeavesLocal(t *testing.T) {
	f := newFixture(t)
	id := f.mock.Seed(model.TokenRecord{Account: "a", Enable: 1})
	ctx := context.Background()
	require.NoError(t, f.view.Load(ctx))

	f.view.creds = staticCreds{value: "wrong"}
	require.Error(t, f.view.SetEnabled(ctx, id, false))
	assert.Equal(t, "状态更新失败", f.lastToast(t).Message)
	assert.Equal(t, 1, f.view.Snapshot().Items[0].Enable)
}

func TestUpgrade_Clipboard(t *testing.T) {
	f := newFixture(t)
	id := f.mock.Seed(model.TokenRecord{Account: "a", Token: "t", AccessToken: "at", Enable: 1})
	ctx := context.Background()

	var copied string
	u, ok, err := f.view.Upgrade(ctx, id, ClipboardFunc(func(s string) error {
		copied = s
		return nil
	}))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, u, copied)
	assert.Equal(t, "升级链接已复制到剪贴板", f.lastToast(t).Message)

	u, ok, err = f.view.Upgrade(ctx, id, ClipboardFunc(func(string) error { return errors.New("no display") }))
	require.NoError(t, err)
	assert.False(t, ok)
	cur := f.lastToast(t)
	assert.Equal(t, model.ToastInfo, cur.Type)
	assert.Equal(t, "复制失败，请手动复制: "+u, cur.Message)
}

func TestUpgradeLink_CopyReportedSeparately(t *testing.T) {
	f := newFixture(t)
	id := f.mock.Seed(model.TokenRecord{Account: "a", Token: "t", AccessToken: "at", Enable: 1})

	u, err := f.view.UpgradeLink(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, u)
	_, shown := f.toast.Current()
	assert.False(t, shown)

	assert.False(t, f.view.ReportCopy(u, errors.New("denied")))
	assert.Equal(t, "复制失败，请手动复制: "+u, f.lastToast(t).Message)
	assert.True(t, f.view.ReportCopy(u, nil))
	assert.Equal(t, "升级链接已复制到剪贴板", f.lastToast(t).Message)
}

func TestUpgrade_Failure(t *testing.T) {
	f := newFixture(t)
	id := f.mock.Seed(model.TokenRecord{Account: "a", Enable: 1})
	_, _, err := f.view.Upgrade(context.Background(), id, nil)
	require.Error(t, err)
	assert.Equal(t, "获取升级链接失败", f.lastToast(t).Message)
}

func TestRefreshCookie(t *testing.T) {
	f := newFixture(t)
	good := f.mock.Seed(model.TokenRecord{Account: "frank", SilentCookies: "{}", Enable: 1})
	bad := f.mock.Seed(model.TokenRecord{Account: "gina", Enable: 1})
	ctx := context.Background()
	require.NoError(t, f.view.Load(ctx))

	require.NoError(t, f.view.RefreshCookie(ctx, good))
	assert.Equal(t, `账号 "frank" 的Cookie刷新成功`, f.lastToast(t).Message)

	require.Error(t, f.view.RefreshCookie(ctx, bad))
	assert.Equal(t, "刷新失败", f.lastToast(t).Message)
}

func TestRefreshModels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.view.RefreshModels(ctx)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, "模型数据刷新失败", f.lastToast(t).Message)

	f.mock.Seed(model.TokenRecord{Account: "a", Enable: 1})
	ok, err = f.view.RefreshModels(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "模型列表刷新成功", f.lastToast(t).Message)
}
