package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"token_console/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "console.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_SaveGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.GetSession(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// 凭据原样保存，包括首尾空格
	require.NoError(t, s.SaveSession(ctx, " abc123 "))
	got, ok, err := s.GetSession(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, " abc123 ", got)

	require.NoError(t, s.SaveSession(ctx, "next"))
	got, _, err = s.GetSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "next", got)

	require.NoError(t, s.DeleteSession(ctx))
	_, ok, err = s.GetSession(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEmailSettings_Upsert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.GetEmailSettings(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	in := model.EmailSettings{Enabled: true, Email: "ops@qq.com", AuthCode: "code"}
	_, err = s.UpsertEmailSettings(ctx, in)
	require.NoError(t, err)

	got, ok, err := s.GetEmailSettings(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, got)
}
