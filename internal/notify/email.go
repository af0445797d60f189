package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"token_console/internal/logbus"
	"token_console/internal/model"
)

type SettingsStore interface {
	GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error)
}

// SendFunc 负责真正投递一批事件，测试里可以替换。
type SendFunc func(ctx context.Context, settings model.EmailSettings, events []JobFinishedEvent) error

type EmailNotifier struct {
	store SettingsStore
	bus   *logbus.Bus
	send  SendFunc

	mu     sync.Mutex
	queue  chan JobFinishedEvent
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	summaryWindow time.Duration
	maxBatch      int
}

type EmailOptions struct {
	// SummaryWindow 为 0 时每个事件立即单独发送。
	SummaryWindow time.Duration
	MaxBatch      int
	Send          SendFunc
}

func NewEmailNotifier(store SettingsStore, bus *logbus.Bus, opts EmailOptions) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 20
	}
	if opts.Send == nil {
		opts.Send = SendJobSummaryEmail
	}
	n := &EmailNotifier{
		store:         store,
		bus:           bus,
		send:          opts.Send,
		queue:         make(chan JobFinishedEvent, 64),
		ctx:           ctx,
		cancel:        cancel,
		summaryWindow: opts.SummaryWindow,
		maxBatch:      opts.MaxBatch,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *EmailNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) NotifyJobFinished(_ context.Context, evt JobFinishedEvent) {
	select {
	case n.queue <- evt:
	default:
		n.bus.Log("warn", "邮件通知丢弃：队列已满", map[string]any{
			"kind":   evt.Kind,
			"taskId": evt.TaskID,
		})
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()

	var (
		pending []JobFinishedEvent
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	resetTimer := func() {
		if timer == nil {
			timer = time.NewTimer(n.summaryWindow)
			timerCh = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(n.summaryWindow)
	}

	flush := func(reason string) {
		stopTimer()
		if len(pending) == 0 {
			return
		}
		events := append([]JobFinishedEvent(nil), pending...)
		pending = pending[:0]
		n.handleBatch(reason, events)
	}

	for {
		select {
		case <-n.ctx.Done():
			flush("shutdown")
			return
		case evt := <-n.queue:
			pending = append(pending, evt)
			if len(pending) >= n.maxBatch {
				flush("max")
				continue
			}
			if n.summaryWindow <= 0 {
				flush("immediate")
				continue
			}
			resetTimer()
		case <-timerCh:
			flush("idle")
		}
	}
}

func (n *EmailNotifier) handleBatch(reason string, events []JobFinishedEvent) {
	if n.store == nil {
		return
	}

	// 关闭时 n.ctx 已取消，读取配置和发送用独立的超时
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	settings, ok, err := n.store.GetEmailSettings(ctx)
	if err != nil {
		n.bus.Log("warn", "读取邮件配置失败", map[string]any{"error": err.Error()})
		return
	}
	if !ok || !settings.Enabled {
		n.bus.Log("info", "邮件通知未启用", map[string]any{
			"count":  len(events),
			"reason": reason,
		})
		return
	}
	if err := ValidateEmailSettings(settings); err != nil {
		n.bus.Log("warn", "邮件配置无效", map[string]any{"error": err.Error()})
		return
	}

	if err := n.send(ctx, settings, events); err != nil {
		n.bus.Log("warn", "邮件发送失败", map[string]any{
			"error":  err.Error(),
			"count":  len(events),
			"reason": reason,
		})
		return
	}

	n.bus.Log("info", "通知邮件已发送", map[string]any{
		"count":  len(events),
		"reason": reason,
		"to":     strings.TrimSpace(settings.Email),
	})
}

func ValidateEmailSettings(s model.EmailSettings) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

func SendJobSummaryEmail(ctx context.Context, settings model.EmailSettings, events []JobFinishedEvent) error {
	if err := ValidateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.New("no events")
	}

	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfigForEmail(email)
	if err != nil {
		return err
	}
	htmlBody, textBody, err := buildSummaryEmailBody(events)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "Token 管理控制台"))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", buildSubject(events))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	parts := strings.Split(strings.TrimSpace(email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))

	is := func(names ...string) bool {
		for _, name := range names {
			if domain == name || strings.HasSuffix(domain, "."+name) {
				return true
			}
		}
		return false
	}

	switch {
	case is("qq.com", "foxmail.com"):
		return "smtp.qq.com", 465, true, nil
	case is("163.com", "126.com", "yeah.net"):
		return "smtp.163.com", 465, true, nil
	case is("gmail.com"):
		return "smtp.gmail.com", 587, false, nil
	case is("outlook.com", "hotmail.com", "live.com"):
		return "smtp.office365.com", 587, false, nil
	case is("sina.com"):
		return "smtp.sina.com", 465, true, nil
	case is("aliyun.com"):
		return "smtp.aliyun.com", 465, true, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

func buildSubject(events []JobFinishedEvent) string {
	if len(events) == 1 {
		return events[0].Summary
	}
	return fmt.Sprintf("批量任务结果汇总（%d个任务）", len(events))
}

var summaryHTMLTpl = template.Must(template.New("job-summary").Parse(`
<!doctype html>
<html lang="zh-CN">
  <head>
    <meta charset="utf-8" />
    <title>批量任务结果</title>
  </head>
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,'PingFang SC','Microsoft YaHei',sans-serif;">
    <div style="max-width:720px;margin:0 auto;padding:24px;">
      <div style="background:#ffffff;border:1px solid #e6e8ef;border-radius:14px;overflow:hidden;">
        <div style="padding:18px 22px;background:linear-gradient(135deg,#0ea5e9,#6366f1);color:#ffffff;">
          <div style="font-size:16px;font-weight:700;">批量任务结果</div>
        </div>
        <div style="padding:22px;">
          <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;border-collapse:collapse;">
            <thead>
              <tr style="background:#fafbff;">
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">完成时间</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">任务</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">总数</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">成功</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">失败</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">状态</th>
              </tr>
            </thead>
            <tbody>
              {{ range .Rows }}
              <tr>
                <td style="padding:10px 12px;font-size:12px;color:#111827;border-top:1px solid #eef0f6;">{{ .At }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;border-top:1px solid #eef0f6;">{{ .Label }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;border-top:1px solid #eef0f6;">{{ .Total }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;border-top:1px solid #eef0f6;">{{ .Success }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;border-top:1px solid #eef0f6;">{{ .Failed }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;border-top:1px solid #eef0f6;">{{ .Status }}</td>
              </tr>
              {{ end }}
            </tbody>
          </table>
          <div style="margin-top:14px;color:#9ca3af;font-size:12px;">此邮件由系统自动发送</div>
        </div>
      </div>
    </div>
  </body>
</html>
`))

type summaryRow struct {
	At      string
	Label   string
	Total   string
	Success string
	Failed  string
	Status  string
}

func buildSummaryEmailBody(events []JobFinishedEvent) (htmlBody string, textBody string, err error) {
	if len(events) == 0 {
		return "", "", errors.New("no events")
	}

	rows := make([]summaryRow, 0, len(events))
	for _, evt := range events {
		at := time.Now()
		if evt.At > 0 {
			at = time.UnixMilli(evt.At)
		}
		rows = append(rows, summaryRow{
			At:      at.Format("2006-01-02 15:04:05"),
			Label:   evt.Kind.Label(),
			Total:   strconv.Itoa(evt.Status.Total),
			Success: strconv.Itoa(evt.Status.Success),
			Failed:  strconv.Itoa(evt.Status.Failed),
			Status:  evt.Status.Status,
		})
	}

	var buf bytes.Buffer
	if err := summaryHTMLTpl.Execute(&buf, struct{ Rows []summaryRow }{Rows: rows}); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	text.WriteString("批量任务结果\n")
	for i, evt := range events {
		row := rows[i]
		fmt.Fprintf(text, "- %s | %s | 任务 %s | 总数 %s | 成功 %s | 失败 %s\n",
			row.At, row.Label, evt.TaskID, row.Total, row.Success, row.Failed)
	}
	return buf.String(), text.String(), nil
}
