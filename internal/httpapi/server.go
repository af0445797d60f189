package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"token_console/internal/backend"
	"token_console/internal/config"
	"token_console/internal/jobs"
	"token_console/internal/logbus"
	"token_console/internal/model"
	"token_console/internal/notify"
	"token_console/internal/registry"
	"token_console/internal/session"
	"token_console/internal/store/sqlite"
	"token_console/internal/toast"
	"token_console/internal/ws"
)

const maskedAuthCode = "******"

type Options struct {
	Cfg      config.Config
	Bus      *logbus.Bus
	Store    *sqlite.Store
	Session  *session.Gate
	Registry *registry.View
	Jobs     *jobs.Manager
	Toast    *toast.Notifier
}

type Server struct {
	cfg      config.Config
	bus      *logbus.Bus
	store    *sqlite.Store
	gate     *session.Gate
	registry *registry.View
	jobs     *jobs.Manager
	toast    *toast.Notifier
	ws       *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:      opts.Cfg,
		bus:      opts.Bus,
		store:    opts.Store,
		gate:     opts.Session,
		registry: opts.Registry,
		jobs:     opts.Jobs,
		toast:    opts.Toast,
		ws:       ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/session", s.handleSession)
	api.HandleFunc("/api/v1/session/login", s.handleLogin)
	api.HandleFunc("/api/v1/session/logout", s.handleLogout)
	api.HandleFunc("/api/v1/toast", s.handleToast)
	api.HandleFunc("/api/v1/toast/close", s.handleToastClose)

	api.Handle("/api/v1/tokens", s.requireSession(s.handleTokens))
	api.Handle("/api/v1/tokens/sort", s.requireSession(s.handleTokenSort))
	api.Handle("/api/v1/tokens/enable", s.requireSession(s.handleTokenEnable))
	api.Handle("/api/v1/tokens/upgrade", s.requireSession(s.handleTokenUpgrade))
	api.Handle("/api/v1/tokens/upgrade/copied", s.requireSession(s.handleUpgradeCopied))
	api.Handle("/api/v1/tokens/refresh", s.requireSession(s.handleTokenRefresh))
	api.Handle("/api/v1/models/refresh", s.requireSession(s.handleModelsRefresh))
	api.Handle("/api/v1/jobs/{kind}", s.requireSession(s.handleJobState))
	api.Handle("/api/v1/jobs/{kind}/start", s.requireSession(s.handleJobStart))
	api.Handle("/api/v1/jobs/{kind}/dismiss", s.requireSession(s.handleJobDismiss))
	api.Handle("/api/v1/settings/email", s.requireSession(s.handleEmailSettings))
	api.Handle("/api/v1/settings/email/test", s.requireSession(s.handleEmailTest))
	api.HandleFunc("/api/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// requireSession 未登录时返回 401，并告诉前端跳转到登录页。
func (s *Server) requireSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.gate.LoggedIn(r.Context()) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":    "login required",
				"redirect": s.cfg.Server.BasePath + "login",
			})
			return
		}
		next(w, r)
	})
}

// writeFailure 按错误类别选择状态码，文案优先使用后端返回的 detail。
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, backend.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, backend.ErrNotFound), errors.Is(err, jobs.ErrUnknownKind):
		status = http.StatusNotFound
	case errors.Is(err, backend.ErrRejected),
		errors.Is(err, registry.ErrInvalidPage),
		errors.Is(err, registry.ErrInvalidPageSize),
		errors.Is(err, registry.ErrInvalidSortKey),
		errors.Is(err, jobs.ErrEmptyData):
		status = http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobInFlight):
		status = http.StatusConflict
	case errors.Is(err, backend.ErrUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, jobs.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, backend.Message(err, err.Error()))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"loggedIn": s.gate.LoggedIn(r.Context()),
		"basePath": s.cfg.Server.BasePath,
	}})
}

type loginPayload struct {
	Credential string `json:"credential"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body loginPayload
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.gate.Login(r.Context(), body.Credential); err != nil {
		msg := session.LoginMessage(err)
		s.toast.Error(msg)
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, session.ErrEmptyCredential):
			status = http.StatusBadRequest
		case errors.Is(err, backend.ErrUnavailable):
			status = http.StatusBadGateway
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "redirect": s.cfg.Server.BasePath})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.gate.Logout(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_, _ = s.jobs.Dismiss(model.JobRegistration)
	_, _ = s.jobs.Dismiss(model.JobBatchRefresh)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "redirect": s.cfg.Server.BasePath + "login"})
}

func (s *Server) handleToast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cur, ok := s.toast.Current()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"data": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": cur})
}

func (s *Server) handleToastClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	closed := s.toast.Close(r.URL.Query().Get("id"))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "closed": closed})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTokens(w, r)
	case http.MethodPost:
		s.saveToken(w, r)
	case http.MethodDelete:
		s.deleteToken(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// listTokens 先把查询参数应用到视图状态再加载。sortBy/sortDesc 按给定值设置，相同参数重复请求结果不变。
func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cur := s.registry.Snapshot()

	if q.Has("pageSize") {
		size, err := parseInt(q.Get("pageSize"), cur.PageSize)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pageSize")
			return
		}
		if size != cur.PageSize {
			if err := s.registry.SetPageSize(size); err != nil {
				s.writeFailure(w, err)
				return
			}
		}
	}
	if q.Has("account") {
		if account := strings.TrimSpace(q.Get("account")); account != cur.Account {
			s.registry.Search(account)
		}
	}
	desc, err := parseBool(q.Get("sortDesc"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sortDesc")
		return
	}
	if col := strings.TrimSpace(q.Get("sortBy")); col != "" {
		if err := s.registry.SetSort(col, desc); err != nil {
			s.writeFailure(w, err)
			return
		}
	} else if q.Has("sortDesc") {
		s.registry.SetSortDesc(desc)
	}
	if q.Has("page") {
		page, err := parseInt(q.Get("page"), 1)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		if err := s.registry.SetPage(page); err != nil {
			s.writeFailure(w, err)
			return
		}
	}

	if err := s.registry.Load(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.registry.Snapshot()})
}

// handleTokenSort 对应点击列头：换列升序，同一列切换方向，然后重新加载。
func (s *Server) handleTokenSort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	col := strings.TrimSpace(r.URL.Query().Get("column"))
	if col == "" {
		writeError(w, http.StatusBadRequest, "column is required")
		return
	}
	if err := s.registry.SortBy(col); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.registry.Load(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.registry.Snapshot()})
}

func (s *Server) saveToken(w http.ResponseWriter, r *http.Request) {
	var body model.TokenPatch
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.registry.Save(r.Context(), body)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rec})
}

func (s *Server) deleteToken(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(r.URL.Query().Get("id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	confirmed, err := parseBool(r.URL.Query().Get("confirm"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid confirm")
		return
	}

	var prompt string
	deleted, err := s.registry.Delete(r.Context(), id, registry.ConfirmFunc(func(_ context.Context, p string) bool {
		prompt = p
		return confirmed
	}))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "confirmation required",
			"prompt": prompt,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type enablePayload struct {
	ID     int64 `json:"id"`
	Enable bool  `json:"enable"`
}

func (s *Server) handleTokenEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body enablePayload
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ID <= 0 {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.registry.SetEnabled(r.Context(), body.ID, body.Enable); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enable": model.EnableFlag(body.Enable)})
}

// handleTokenUpgrade 浏览器端自行写剪贴板，这里只返回链接，复制结果走 /tokens/upgrade/copied。
func (s *Server) handleTokenUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := parseInt64(r.URL.Query().Get("id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	url, err := s.registry.UpgradeLink(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"url": url}})
}

// handleUpgradeCopied 浏览器写完剪贴板后回报结果，失败时提示里带上链接供手动复制。
func (s *Server) handleUpgradeCopied(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		URL   string `json:"url"`
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	var copyErr error
	if !body.OK {
		msg := body.Error
		if msg == "" {
			msg = "clipboard write failed"
		}
		copyErr = errors.New(msg)
	}
	copied := s.registry.ReportCopy(body.URL, copyErr)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"copied": copied}})
}

func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := parseInt64(r.URL.Query().Get("id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.registry.RefreshCookie(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleModelsRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ok, err := s.registry.RefreshModels(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

func jobKind(r *http.Request) model.JobKind {
	return model.JobKind(strings.ReplaceAll(r.PathValue("kind"), "-", "_"))
}

func (s *Server) handleJobState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st, err := s.jobs.State(jobKind(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": st})
}

func (s *Server) handleJobStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body jobs.Params
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.jobs.Start(r.Context(), jobKind(r), body)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": st})
}

func (s *Server) handleJobDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st, err := s.jobs.Dismiss(jobKind(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": st})
}

type emailSettingsPayload struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Email    *string `json:"email,omitempty"`
	AuthCode *string `json:"authCode,omitempty"`
}

func maskEmailSettings(v model.EmailSettings) model.EmailSettings {
	if v.AuthCode != "" {
		v.AuthCode = maskedAuthCode
	}
	return v
}

func (s *Server) handleEmailSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		val, _, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": maskEmailSettings(val)})
	case http.MethodPost:
		var body emailSettingsPayload
		if err := readJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		current, _, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		next := current
		if body.Enabled != nil {
			next.Enabled = *body.Enabled
		}
		if body.Email != nil {
			next.Email = strings.TrimSpace(*body.Email)
		}
		if body.AuthCode != nil {
			if ac := strings.TrimSpace(*body.AuthCode); ac != maskedAuthCode {
				next.AuthCode = ac
			}
		}
		if next.Enabled {
			if err := notify.ValidateEmailSettings(next); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		saved, err := s.store.UpsertEmailSettings(r.Context(), next)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": maskEmailSettings(saved)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleEmailTest 用当前配置发送一封示例任务汇总邮件。
func (s *Server) handleEmailTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	val, _, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	evt := notify.JobFinishedEvent{
		At:     time.Now().UnixMilli(),
		Kind:   model.JobBatchRefresh,
		TaskID: "test",
		Status: model.JobStatus{Status: model.StatusCompleted, Total: 1, Processed: 1, Success: 1},
	}
	evt.Summary = "邮件测试：" + model.JobState{Kind: evt.Kind, Status: &evt.Status}.Summary()
	if err := notify.SendJobSummaryEmail(ctx, val, []notify.JobFinishedEvent{evt}); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
