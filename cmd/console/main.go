package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"token_console/internal/backend"
	"token_console/internal/config"
	"token_console/internal/jobs"
	"token_console/internal/logbus"
	"token_console/internal/registry"
	"token_console/internal/session"
	"token_console/internal/store/sqlite"
)

const usage = `usage: console [-config path] [-v] <command> [flags]

commands:
  login           保存管理员密码（-password 或从标准输入读取）
  logout          清除已保存的密码
  list            列出 token（-page -size -account -sort -desc）
  save            新增或更新记录（带 -id 为更新）
  delete          删除记录（-id，-yes 跳过确认）
  enable|disable  启用或禁用记录（-id）
  upgrade         获取升级链接并复制到剪贴板（-id）
  refresh         刷新单个账号的 Cookie（-id）
  refresh-models  刷新模型列表
  register        批量注册（-file 路径，- 表示标准输入；-threads）
  batch-refresh   批量刷新 Cookie（-include-disabled，-threads）
`

type app struct {
	cfg    config.Config
	bus    *logbus.Bus
	store  *sqlite.Store
	gate   *session.Gate
	view   *registry.View
	jobs   *jobs.Manager
	out    io.Writer
	errOut io.Writer
	in     io.Reader
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("console", flag.ContinueOnError)
	configPath := global.String("config", "./config.yaml", "path to config.yaml")
	verbose := global.Bool("v", false, "print backend logs")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return flag.ErrHelp
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if *verbose {
		go a.printLogs()
	}
	return a.dispatch(ctx, global.Arg(0), global.Args()[1:])
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	bus := logbus.New(200)
	client := backend.New(cfg.Backend, cfg.Limits, bus)
	gate := session.NewGate(store, client, bus)
	p := &printer{out: os.Stderr}

	view := registry.New(registry.Options{
		API:             client,
		Credentials:     gate,
		Notifier:        p,
		Bus:             bus,
		PageSizes:       cfg.Registry.PageSizes,
		DefaultPageSize: cfg.Registry.DefaultPageSize,
	})
	manager := jobs.New(jobs.Options{
		API:         client,
		Credentials: gate,
		Toast:       p,
		Bus:         bus,
		Jobs:        cfg.Jobs,
	})

	return &app{
		cfg:    cfg,
		bus:    bus,
		store:  store,
		gate:   gate,
		view:   view,
		jobs:   manager,
		out:    os.Stdout,
		errOut: os.Stderr,
		in:     os.Stdin,
	}, nil
}

func (a *app) close() {
	_ = a.jobs.Close(context.Background())
	a.bus.Close()
	_ = a.store.Close()
}

func (a *app) printLogs() {
	ch, cancel := a.bus.Subscribe(256, logbus.TypeLog)
	defer cancel()
	for msg := range ch {
		if d, ok := msg.Data.(logbus.LogData); ok {
			fmt.Fprintf(a.errOut, "[%s] %s %v\n", d.Level, d.Msg, d.Fields)
		}
	}
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "login":
		return a.cmdLogin(ctx, args)
	case "logout":
		return a.cmdLogout(ctx)
	case "list":
		return a.cmdList(ctx, args)
	case "save":
		return a.cmdSave(ctx, args)
	case "delete":
		return a.cmdDelete(ctx, args)
	case "enable":
		return a.cmdSetEnabled(ctx, args, true)
	case "disable":
		return a.cmdSetEnabled(ctx, args, false)
	case "upgrade":
		return a.cmdUpgrade(ctx, args)
	case "refresh":
		return a.cmdRefresh(ctx, args)
	case "refresh-models":
		return a.cmdRefreshModels(ctx)
	case "register":
		return a.cmdRegister(ctx, args)
	case "batch-refresh":
		return a.cmdBatchRefresh(ctx, args)
	case "help", "-h", "--help":
		fmt.Fprint(a.out, usage)
		return nil
	default:
		fmt.Fprint(a.errOut, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// requireLogin 对应网页端的登录拦截：没有保存的密码时提示先登录。
func (a *app) requireLogin(ctx context.Context) error {
	if a.gate.LoggedIn(ctx) {
		return nil
	}
	return errors.New("not logged in, run `console login` first")
}
