package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	require.Equal(t, ":8090", cfg.Server.Addr)
	require.Equal(t, "/admin/", cfg.Server.BasePath)
	require.Equal(t, "http://127.0.0.1:8055/api", cfg.Backend.BaseURL)
	require.Equal(t, 10*time.Second, cfg.Backend.Timeout())
	require.Equal(t, 2*time.Second, cfg.Jobs.PollInterval())
	require.Equal(t, 3*time.Second, cfg.Toast.Duration())
	require.Equal(t, []int{15, 20, 30, 50, 100}, cfg.Registry.PageSizes)
	require.Equal(t, 15, cfg.Registry.DefaultPageSize)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
server:
  addr: ":9000"
  basePath: "/console"
backend:
  baseURL: "http://file.example/api/"
  timeoutMs: 2500
jobs:
  pollIntervalMs: 500
registry:
  defaultPageSize: 20
`)
	t.Setenv("CONSOLE_API_BASE_URL", "http://env.example/api")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, "/console/", cfg.Server.BasePath)
	require.Equal(t, "http://env.example/api", cfg.Backend.BaseURL)
	require.Equal(t, 2500*time.Millisecond, cfg.Backend.Timeout())
	require.Equal(t, 500*time.Millisecond, cfg.Jobs.PollInterval())
	require.Equal(t, 20, cfg.Registry.DefaultPageSize)
}

func TestLoad_InvalidDefaultPageSize(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
registry:
  pageSizes: [10, 25]
  defaultPageSize: 15
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "server: [")
	_, err := Load(path)
	require.Error(t, err)
}
