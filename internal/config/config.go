package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Backend  BackendConfig  `yaml:"backend"`
	Limits   LimitsConfig   `yaml:"limits"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Toast    ToastConfig    `yaml:"toast"`
	Registry RegistryConfig `yaml:"registry"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ServerConfig struct {
	Addr     string     `yaml:"addr" env:"CONSOLE_ADDR"`
	BasePath string     `yaml:"basePath" env:"CONSOLE_BASE_PATH"`
	Cors     CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins" env:"CONSOLE_CORS_ORIGINS" env-separator:","`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath" env:"CONSOLE_SQLITE_PATH"`
}

type BackendConfig struct {
	BaseURL   string          `yaml:"baseURL" env:"CONSOLE_API_BASE_URL"`
	TimeoutMs int             `yaml:"timeoutMs" env:"CONSOLE_API_TIMEOUT_MS"`
	Retry     BackendRetryCfg `yaml:"retry"`
	UserAgent string          `yaml:"userAgent"`
}

type BackendRetryCfg struct {
	Count     int `yaml:"count"`
	WaitMs    int `yaml:"waitMs"`
	MaxWaitMs int `yaml:"maxWaitMs"`
}

func (c BackendConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c BackendRetryCfg) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c BackendRetryCfg) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 1200 * time.Millisecond
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

// LimitsConfig 限制控制台对后端发起请求的速率，QPS<=0 表示不限速。
type LimitsConfig struct {
	QPS   float64 `yaml:"qps"`
	Burst int     `yaml:"burst"`
}

type JobsConfig struct {
	PollIntervalMs int `yaml:"pollIntervalMs"`
	// MaxThreads 并发数上限，只做裁剪后原样转发给后端。
	MaxThreads int `yaml:"maxThreads"`
}

func (c JobsConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

type ToastConfig struct {
	DurationMs int `yaml:"durationMs"`
}

func (c ToastConfig) Duration() time.Duration {
	if c.DurationMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.DurationMs) * time.Millisecond
}

type RegistryConfig struct {
	DefaultPageSize int   `yaml:"defaultPageSize"`
	PageSizes       []int `yaml:"pageSizes"`
}

// NotifyConfig 任务结束的邮件通知；窗口内结束的任务合并成一封邮件。
type NotifyConfig struct {
	EmailSummaryMs int `yaml:"emailSummaryMs" env:"CONSOLE_EMAIL_SUMMARY_MS"`
}

func (c NotifyConfig) SummaryWindow() time.Duration {
	if c.EmailSummaryMs <= 0 {
		return 0
	}
	return time.Duration(c.EmailSummaryMs) * time.Millisecond
}

// Load 读取 yaml 配置；path 为空或文件不存在时只使用默认值和环境变量。
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, err
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default 返回只应用了默认值的配置，测试和命令行工具使用。
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/admin/"
	}
	if !strings.HasSuffix(c.Server.BasePath, "/") {
		c.Server.BasePath += "/"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/token_console.db"
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://127.0.0.1:8055/api"
	}
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	if c.Backend.UserAgent == "" {
		c.Backend.UserAgent = "token-console/1.0"
	}
	if c.Backend.Retry.Count < 0 {
		c.Backend.Retry.Count = 0
	}
	if c.Limits.Burst <= 0 {
		c.Limits.Burst = 10
	}
	if c.Jobs.MaxThreads <= 0 {
		c.Jobs.MaxThreads = 20
	}
	if len(c.Registry.PageSizes) == 0 {
		c.Registry.PageSizes = []int{15, 20, 30, 50, 100}
	}
	if c.Registry.DefaultPageSize <= 0 {
		c.Registry.DefaultPageSize = c.Registry.PageSizes[0]
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Backend.BaseURL == "" {
		return errors.New("backend.baseURL is required")
	}
	for _, n := range c.Registry.PageSizes {
		if n <= 0 {
			return fmt.Errorf("registry.pageSizes: invalid size %d", n)
		}
	}
	found := false
	for _, n := range c.Registry.PageSizes {
		if n == c.Registry.DefaultPageSize {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("registry.defaultPageSize %d is not in pageSizes", c.Registry.DefaultPageSize)
	}
	return nil
}
