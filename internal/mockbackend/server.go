// Package mockbackend 在内存里实现 token 后端的 REST 接口，
// 供 cmd/mock 本地联调和各包测试使用。
package mockbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"token_console/internal/model"
)

type Options struct {
	Password string
	// StepDelay 后台任务处理每一条数据的耗时，模拟真实任务的进度变化。
	StepDelay time.Duration
}

// RequestLog 记录收到的请求，测试用来断言发出了哪些调用。
type RequestLog struct {
	Method        string
	Path          string
	Query         string
	Authorization string
	Body          string
}

type Server struct {
	opts Options

	mu       sync.Mutex
	nextID   int64
	tokens   map[int64]*model.TokenRecord
	jobs     map[string]*job
	requests []RequestLog

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(opts Options) *Server {
	if opts.Password == "" {
		opts.Password = "admin"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   opts,
		nextID: 1,
		tokens: make(map[int64]*model.TokenRecord),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Close 停止所有后台任务。
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) Requests() []RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RequestLog, len(s.requests))
	copy(out, s.requests)
	return out
}

// Seed 直接写入一条记录并返回分配的 id。
func (s *Server) Seed(rec model.TokenRecord) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.nextID
	s.nextID++
	now := model.Timestamp{Time: s.now()}
	if rec.CreatedAt == nil {
		rec.CreatedAt = &now
	}
	if rec.UpdatedAt == nil {
		rec.UpdatedAt = &now
	}
	cp := rec
	s.tokens[rec.ID] = &cp
	return rec.ID
}

// Token 返回当前记录（包括已软删除的）。
func (s *Server) Token(id int64) (model.TokenRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[id]
	if !ok {
		return model.TokenRecord{}, false
	}
	return *rec, true
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /api/tokens/login", s.auth(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
	}))
	mux.HandleFunc("GET /api/tokens/{$}", s.auth(s.handleList))
	mux.HandleFunc("POST /api/tokens/{$}", s.auth(s.handleCreate))
	mux.HandleFunc("GET /api/tokens/refresh-models", s.auth(s.handleRefreshModels))
	mux.HandleFunc("GET /api/tokens/{id}", s.auth(s.handleGet))
	mux.HandleFunc("PUT /api/tokens/{id}", s.auth(s.handleUpdate))
	mux.HandleFunc("DELETE /api/tokens/{id}", s.auth(s.handleDelete))
	mux.HandleFunc("GET /api/tokens/{id}/upgrade", s.auth(s.handleUpgrade))
	mux.HandleFunc("POST /api/register/bulk-register", s.auth(s.handleBulkRegister))
	mux.HandleFunc("GET /api/register/status/{task}", s.auth(s.jobStatusHandler(model.JobRegistration)))
	mux.HandleFunc("POST /api/register/batch-refresh", s.auth(s.handleBatchRefresh))
	mux.HandleFunc("GET /api/register/refresh-status/{task}", s.auth(s.jobStatusHandler(model.JobBatchRefresh)))
	mux.HandleFunc("POST /api/register/refresh/{id}", s.auth(s.handleRefreshOne))
	return s.record(mux)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = readAll(r)
		}
		s.mu.Lock()
		s.requests = append(s.requests, RequestLog{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
			Body:          string(body),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

var bearerRe = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)

// auth 接受 "Bearer <密码>" 或直接传密码两种格式。
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeDetail(w, http.StatusUnauthorized, "未提供身份验证凭据")
			return
		}
		password := header
		if m := bearerRe.FindStringSubmatch(header); m != nil {
			password = m[1]
		}
		if password != s.opts.Password {
			writeDetail(w, http.StatusUnauthorized, "无效的身份验证凭据")
			return
		}
		next(w, r)
	}
}

var sortColumns = map[string]func(a, b *model.TokenRecord) int{
	"id":      func(a, b *model.TokenRecord) int { return cmpInt64(a.ID, b.ID) },
	"account": func(a, b *model.TokenRecord) int { return strings.Compare(a.Account, b.Account) },
	"count":   func(a, b *model.TokenRecord) int { return cmpInt64(int64(a.Count), int64(b.Count)) },
	"enable":  func(a, b *model.TokenRecord) int { return cmpInt64(int64(a.Enable), int64(b.Enable)) },
	"account_type": func(a, b *model.TokenRecord) int {
		return strings.Compare(a.AccountType, b.AccountType)
	},
	"created_at": func(a, b *model.TokenRecord) int {
		return cmpTime(a.CreatedAt, b.CreatedAt)
	},
	"updated_at": func(a, b *model.TokenRecord) int {
		return cmpTime(a.UpdatedAt, b.UpdatedAt)
	},
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, err := parseInt(q.Get("skip"), 0)
	if err != nil || skip < 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid skip")
		return
	}
	limit, err := parseInt(q.Get("limit"), 10)
	if err != nil || limit < 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid limit")
		return
	}
	account := q.Get("account")
	sortBy := q.Get("sort_by")
	sortDesc, _ := strconv.ParseBool(q.Get("sort_desc"))

	s.mu.Lock()
	var rows []*model.TokenRecord
	for _, rec := range s.tokens {
		if rec.DeletedAt != nil {
			continue
		}
		if account != "" && !strings.Contains(rec.Account, account) {
			continue
		}
		rows = append(rows, rec)
	}
	cmp, ok := sortColumns[sortBy]
	if !ok {
		cmp = sortColumns["id"]
		sortDesc = false
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := cmp(rows[i], rows[j])
		if c == 0 {
			return rows[i].ID < rows[j].ID
		}
		if sortDesc {
			return c > 0
		}
		return c < 0
	})
	total := len(rows)
	if skip > len(rows) {
		skip = len(rows)
	}
	end := skip + limit
	if end > len(rows) {
		end = len(rows)
	}
	items := make([]model.TokenRecord, 0, end-skip)
	for _, rec := range rows[skip:end] {
		items = append(items, *rec)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, model.TokenPage{Items: items, Total: total})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	rec, found := s.liveLocked(id)
	var out model.TokenRecord
	if found {
		out = *rec
	}
	s.mu.Unlock()
	if !found {
		writeDetail(w, http.StatusNotFound, "Token not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreate 按账号做 upsert：同账号已存在时只覆盖非空字段。
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body model.TokenPatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := model.Timestamp{Time: s.now()}
	if body.Account != nil && *body.Account != "" {
		for _, rec := range s.tokens {
			if rec.DeletedAt == nil && rec.Account == *body.Account {
				applyPatch(rec, body)
				if body.Token != nil && *body.Token != "" {
					rec.Enable = 1
				}
				rec.UpdatedAt = &now
				writeJSON(w, http.StatusOK, *rec)
				return
			}
		}
	}

	rec := &model.TokenRecord{ID: s.nextID, Enable: 1, CreatedAt: &now, UpdatedAt: &now}
	s.nextID++
	applyPatch(rec, body)
	s.tokens[rec.ID] = rec
	writeJSON(w, http.StatusOK, *rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body model.TokenPatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if body.Enable != nil && *body.Enable != 0 && *body.Enable != 1 {
		writeDetail(w, http.StatusUnprocessableEntity, "enable must be 0 or 1")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.liveLocked(id)
	if !found {
		writeDetail(w, http.StatusNotFound, "Token not found")
		return
	}
	applyPatch(rec, body)
	now := model.Timestamp{Time: s.now()}
	rec.UpdatedAt = &now
	writeJSON(w, http.StatusOK, *rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.liveLocked(id)
	if !found {
		writeDetail(w, http.StatusNotFound, "Token not found")
		return
	}
	now := model.Timestamp{Time: s.now()}
	rec.DeletedAt = &now
	rec.UpdatedAt = &now
	writeJSON(w, http.StatusOK, true)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	rec, found := s.liveLocked(id)
	var token, access string
	if found {
		token, access = rec.Token, rec.AccessToken
	}
	s.mu.Unlock()
	if !found {
		writeDetail(w, http.StatusNotFound, "Token not found")
		return
	}
	if token == "" || access == "" {
		writeDetail(w, http.StatusBadRequest, "Missing token or access_token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url": "https://checkout.mock.local/session/" + strconv.FormatInt(id, 10),
	})
}

func (s *Server) handleRefreshModels(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	found := false
	for _, rec := range s.tokens {
		if rec.DeletedAt == nil && rec.Enable == 1 {
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		writeDetail(w, http.StatusNotFound, "No available account found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "Models refreshed successfully"})
}

func (s *Server) handleRefreshOne(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.liveLocked(id)
	if !found {
		writeDetail(w, http.StatusNotFound, "Account not found")
		return
	}
	if !s.refreshLocked(rec) {
		writeDetail(w, http.StatusInternalServerError, "Refresh failed and account disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "cookies refreshed"})
}

// refreshLocked 模拟 cookie 刷新：没有 silent_cookies 的账号刷新失败并被禁用。
func (s *Server) refreshLocked(rec *model.TokenRecord) bool {
	now := s.now()
	updated := model.Timestamp{Time: now}
	rec.UpdatedAt = &updated
	if strings.TrimSpace(rec.SilentCookies) == "" {
		rec.Enable = 0
		return false
	}
	expires := model.Timestamp{Time: now.Add(30 * 24 * time.Hour)}
	tokenExpires := model.Timestamp{Time: now.Add(15 * time.Minute)}
	rec.CookiesExpires = &expires
	rec.TokenExpires = &tokenExpires
	rec.Enable = 1
	return true
}

func (s *Server) liveLocked(id int64) (*model.TokenRecord, bool) {
	rec, ok := s.tokens[id]
	if !ok || rec.DeletedAt != nil {
		return nil, false
	}
	return rec, true
}

func applyPatch(rec *model.TokenRecord, p model.TokenPatch) {
	if p.Account != nil {
		rec.Account = *p.Account
	}
	if p.Token != nil {
		rec.Token = *p.Token
	}
	if p.SilentCookies != nil {
		rec.SilentCookies = *p.SilentCookies
	}
	if p.Auth != nil {
		rec.Auth = *p.Auth
	}
	if p.AccessToken != nil {
		rec.AccessToken = *p.AccessToken
	}
	if p.Enable != nil {
		rec.Enable = *p.Enable
	}
	if p.Count != nil {
		rec.Count = *p.Count
	}
	if p.AccountType != nil {
		rec.AccountType = *p.AccountType
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid id")
		return 0, false
	}
	return id, true
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpTime(a, b *model.Timestamp) int {
	var ta, tb int64
	if a != nil {
		ta = a.UnixNano()
	}
	if b != nil {
		tb = b.UnixNano()
	}
	return cmpInt64(ta, tb)
}

func parseInt(v string, def int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(v))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail 使用与 FastAPI 相同的 {"detail": "..."} 错误格式。
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}
