package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/atotto/clipboard"

	"token_console/internal/jobs"
	"token_console/internal/logbus"
	"token_console/internal/model"
	"token_console/internal/registry"
	"token_console/internal/session"
)

func newFlags(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func (a *app) cmdLogin(ctx context.Context, args []string) error {
	fs := newFlags("login")
	password := fs.String("password", "", "admin password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cred := *password
	if cred == "" {
		fmt.Fprint(a.errOut, "管理员密码: ")
		line, err := bufio.NewReader(a.in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		cred = strings.TrimRight(line, "\r\n")
	}
	if err := a.gate.Login(ctx, cred); err != nil {
		return errors.New(session.LoginMessage(err))
	}
	fmt.Fprintln(a.out, "登录成功")
	return nil
}

func (a *app) cmdLogout(ctx context.Context) error {
	if err := a.gate.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "已退出登录")
	return nil
}

func (a *app) cmdList(ctx context.Context, args []string) error {
	fs := newFlags("list")
	page := fs.Int("page", 1, "page number")
	size := fs.Int("size", a.cfg.Registry.DefaultPageSize, "page size")
	account := fs.String("account", "", "account filter")
	sortBy := fs.String("sort", "", "sort column: "+strings.Join(registry.SortColumns, ","))
	desc := fs.Bool("desc", false, "sort descending")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireLogin(ctx); err != nil {
		return err
	}

	if err := a.view.SetPageSize(*size); err != nil {
		return err
	}
	a.view.Search(strings.TrimSpace(*account))
	if *sortBy != "" {
		if err := a.view.SetSort(*sortBy, *desc); err != nil {
			return err
		}
	}
	if err := a.view.SetPage(*page); err != nil {
		return err
	}
	if err := a.view.Load(ctx); err != nil {
		return err
	}
	printTable(a.out, a.view.Snapshot())
	return nil
}

func printTable(w io.Writer, st registry.State) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\t账号\t状态\t次数\t类型\tCookie过期\tToken过期\t更新时间")
	for _, rec := range st.Items {
		status := "禁用"
		if rec.Enabled() {
			status = "启用"
		}
		accountType := rec.AccountType
		if accountType == "" {
			accountType = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Account, status, rec.Count, accountType,
			rec.CookiesExpires.Display(), rec.TokenExpires.Display(), rec.UpdatedAt.Display())
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "共 %d 条，第 %d/%d 页，每页 %d 条\n", st.Total, st.Page, max(st.Pages, 1), st.PageSize)
}

func (a *app) cmdSave(ctx context.Context, args []string) error {
	fs := newFlags("save")
	id := fs.Int64("id", 0, "record id, omit to create")
	account := fs.String("account", "", "account")
	token := fs.String("token", "", "token")
	accessToken := fs.String("access-token", "", "access token")
	silentCookies := fs.String("silent-cookies", "", "silent cookies")
	auth := fs.String("auth", "", "auth")
	accountType := fs.String("type", "", "account type")
	enable := fs.Int("enable", 1, "1 enabled, 0 disabled")
	count := fs.Int("count", 0, "usage count")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireLogin(ctx); err != nil {
		return err
	}

	// 只提交命令行上显式给出的字段
	p := model.TokenPatch{ID: *id}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "account":
			p.Account = account
		case "token":
			p.Token = token
		case "access-token":
			p.AccessToken = accessToken
		case "silent-cookies":
			p.SilentCookies = silentCookies
		case "auth":
			p.Auth = auth
		case "type":
			p.AccountType = accountType
		case "enable":
			p.Enable = enable
		case "count":
			p.Count = count
		}
	})
	if p.ID == 0 && (p.Account == nil || strings.TrimSpace(*p.Account) == "") {
		return errors.New("-account is required when creating a record")
	}

	rec, err := a.view.Save(ctx, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "id=%d account=%s\n", rec.ID, rec.Account)
	return nil
}

func (a *app) idFlag(name string, args []string, extra func(fs *flag.FlagSet)) (int64, error) {
	fs := newFlags(name)
	id := fs.Int64("id", 0, "record id")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return 0, err
	}
	if *id <= 0 {
		return 0, errors.New("-id is required")
	}
	return *id, nil
}

func (a *app) cmdDelete(ctx context.Context, args []string) error {
	var yes bool
	id, err := a.idFlag("delete", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&yes, "yes", false, "skip confirmation")
	})
	if err != nil {
		return err
	}
	if err := a.requireLogin(ctx); err != nil {
		return err
	}

	confirm := registry.ConfirmFunc(func(_ context.Context, prompt string) bool {
		if yes {
			return true
		}
		fmt.Fprintf(a.errOut, "%s [y/N] ", prompt)
		line, _ := bufio.NewReader(a.in).ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	})
	deleted, err := a.view.Delete(ctx, id, confirm)
	if err != nil {
		return err
	}
	if !deleted {
		fmt.Fprintln(a.out, "已取消")
	}
	return nil
}

func (a *app) cmdSetEnabled(ctx context.Context, args []string, on bool) error {
	id, err := a.idFlag("enable", args, nil)
	if err != nil {
		return err
	}
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	return a.view.SetEnabled(ctx, id, on)
}

func (a *app) cmdUpgrade(ctx context.Context, args []string) error {
	id, err := a.idFlag("upgrade", args, nil)
	if err != nil {
		return err
	}
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	url, _, err := a.view.Upgrade(ctx, id, registry.ClipboardFunc(clipboard.WriteAll))
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, url)
	return nil
}

func (a *app) cmdRefresh(ctx context.Context, args []string) error {
	id, err := a.idFlag("refresh", args, nil)
	if err != nil {
		return err
	}
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	return a.view.RefreshCookie(ctx, id)
}

func (a *app) cmdRefreshModels(ctx context.Context) error {
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	ok, err := a.view.RefreshModels(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("模型列表刷新失败")
	}
	return nil
}

func (a *app) cmdRegister(ctx context.Context, args []string) error {
	fs := newFlags("register")
	file := fs.String("file", "-", "data file, one account per line (account----password[----token[----uuid]]), - for stdin")
	threads := fs.Int("threads", jobs.DefaultThreads, "worker threads (1-20)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireLogin(ctx); err != nil {
		return err
	}

	var r io.Reader = a.in
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return a.runJob(ctx, model.JobRegistration, jobs.Params{Data: string(b), Threads: *threads})
}

func (a *app) cmdBatchRefresh(ctx context.Context, args []string) error {
	fs := newFlags("batch-refresh")
	includeDisabled := fs.Bool("include-disabled", false, "also refresh disabled accounts")
	threads := fs.Int("threads", jobs.DefaultThreads, "worker threads (1-20)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	return a.runJob(ctx, model.JobBatchRefresh, jobs.Params{IncludeDisabled: *includeDisabled, Threads: *threads})
}

// runJob 启动任务并在每次轮询后打印进度，直到任务结束或被中断。
func (a *app) runJob(ctx context.Context, kind model.JobKind, params jobs.Params) error {
	ch, cancel := a.bus.Subscribe(64, logbus.TypeJob)
	defer cancel()

	go func() {
		for msg := range ch {
			st, ok := msg.Data.(model.JobState)
			if !ok || st.Kind != kind || st.Status == nil {
				continue
			}
			fmt.Fprintf(a.out, "[%s] %s 进度 %d/%d 成功 %d 失败 %d\n",
				st.Phase, kind.Label(), st.Status.Processed, st.Status.Total, st.Status.Success, st.Status.Failed)
		}
	}()

	if _, err := a.jobs.Start(ctx, kind, params); err != nil {
		return err
	}
	st, err := a.jobs.Wait(ctx, kind)
	if err != nil {
		return err
	}
	if st.Status != nil && st.Status.Status != model.StatusCompleted {
		return fmt.Errorf("任务结束，状态 %s", st.Status.Status)
	}
	return nil
}

// printer 把提示消息直接打印到终端，代替网页端的浮层提示。
type printer struct {
	out io.Writer
}

func (p *printer) show(typ model.ToastType, msg string) model.Toast {
	mark := map[model.ToastType]string{
		model.ToastSuccess: "✓",
		model.ToastError:   "✗",
		model.ToastInfo:    "i",
	}[typ]
	fmt.Fprintf(p.out, "%s %s\n", mark, msg)
	return model.Toast{Type: typ, Message: msg}
}

func (p *printer) Success(msg string) model.Toast { return p.show(model.ToastSuccess, msg) }
func (p *printer) Error(msg string) model.Toast   { return p.show(model.ToastError, msg) }
func (p *printer) Info(msg string) model.Toast    { return p.show(model.ToastInfo, msg) }
