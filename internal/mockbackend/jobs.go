package mockbackend

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"token_console/internal/model"
)

type job struct {
	kind   model.JobKind
	status model.JobStatus
}

type RegisterItem struct {
	Account  string  `json:"account"`
	Password string  `json:"password"`
	Token    *string `json:"token"`
	UUID     *string `json:"uuid"`
}

// ParseBulkData 解析 "账号----密码[----token[----uuid]]" 格式的多行文本，
// 少于两段的行被忽略；第三段像 uuid 而第四段不像时两者互换。
func ParseBulkData(data string) []RegisterItem {
	var out []RegisterItem
	for _, line := range strings.Split(strings.TrimSpace(data), "\n") {
		parts := strings.Split(strings.TrimRight(line, "\r"), "----")
		if len(parts) < 2 {
			continue
		}
		item := RegisterItem{Account: parts[0], Password: parts[1]}
		if len(parts) >= 3 {
			v := parts[2]
			item.Token = &v
		}
		if len(parts) >= 4 {
			v := parts[3]
			item.UUID = &v
			if isUUID(*item.Token) && !isUUID(v) {
				item.Token, item.UUID = item.UUID, item.Token
			}
		}
		out = append(out, item)
	}
	return out
}

func isUUID(s string) bool {
	u, err := uuid.Parse(s)
	return err == nil && u.String() == s
}

func (s *Server) handleBulkRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data        string `json:"data"`
		ThreadCount int    `json:"thread_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	items := ParseBulkData(body.Data)
	taskID := s.newJob(model.JobRegistration, len(items))

	work := make([]func() (string, bool), 0, len(items))
	for _, it := range items {
		it := it
		work = append(work, func() (string, bool) { return it.Account, s.registerOne(it) })
	}
	s.runJob(taskID, body.ThreadCount, work)

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":     taskID,
		"count":       len(items),
		"parsed_data": items,
	})
}

func (s *Server) registerOne(it RegisterItem) bool {
	if it.Account == "" || it.Password == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := model.Timestamp{Time: s.now()}
	for _, rec := range s.tokens {
		if rec.DeletedAt == nil && rec.Account == it.Account {
			rec.UpdatedAt = &now
			if it.Token != nil && *it.Token != "" {
				rec.Token = *it.Token
				rec.Enable = 1
			}
			return true
		}
	}
	rec := &model.TokenRecord{
		ID:            s.nextID,
		Account:       it.Account,
		SilentCookies: `{"session":"mock"}`,
		Enable:        1,
		CreatedAt:     &now,
		UpdatedAt:     &now,
	}
	if it.Token != nil {
		rec.Token = *it.Token
	}
	s.nextID++
	s.tokens[rec.ID] = rec
	return true
}

func (s *Server) handleBatchRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IncludeDisabled bool `json:"include_disabled"`
		ThreadCount     int  `json:"thread_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	var ids []int64
	for id, rec := range s.tokens {
		if rec.DeletedAt != nil {
			continue
		}
		if !body.IncludeDisabled && rec.Enable != 1 {
			continue
		}
		ids = append(ids, id)
	}
	s.mu.Unlock()

	taskID := s.newJob(model.JobBatchRefresh, len(ids))
	work := make([]func() (string, bool), 0, len(ids))
	for _, id := range ids {
		id := id
		work = append(work, func() (string, bool) {
			s.mu.Lock()
			defer s.mu.Unlock()
			rec, ok := s.liveLocked(id)
			if !ok {
				return "", false
			}
			return rec.Account, s.refreshLocked(rec)
		})
	}
	s.runJob(taskID, body.ThreadCount, work)

	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "count": len(ids)})
}

func (s *Server) jobStatusHandler(kind model.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := r.PathValue("task")
		s.mu.Lock()
		j, ok := s.jobs[taskID]
		var st model.JobStatus
		if ok && j.kind == kind {
			st = j.status
			st.Details = make(map[string]string, len(j.status.Details))
			for k, v := range j.status.Details {
				st.Details[k] = v
			}
		}
		s.mu.Unlock()
		if !ok || j.kind != kind {
			writeDetail(w, http.StatusNotFound, "Task not found")
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func (s *Server) newJob(kind model.JobKind, total int) string {
	taskID := uuid.NewString()
	s.mu.Lock()
	s.jobs[taskID] = &job{
		kind: kind,
		status: model.JobStatus{
			Status:  model.StatusProcessing,
			Total:   total,
			Details: make(map[string]string),
		},
	}
	s.mu.Unlock()
	return taskID
}

// runJob 用 threads 个 worker 处理任务，全部结束后状态置为 completed。
func (s *Server) runJob(taskID string, threads int, work []func() (string, bool)) {
	if threads < 1 {
		threads = 1
	}
	if threads > 20 {
		threads = 20
	}
	queue := make(chan func() (string, bool))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var wg sync.WaitGroup
		for i := 0; i < threads; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for fn := range queue {
					if !sleepCtx(s, s.opts.StepDelay) {
						continue
					}
					name, ok := fn()
					s.mu.Lock()
					st := &s.jobs[taskID].status
					st.Processed++
					if ok {
						st.Success++
						st.Details[name] = "成功"
					} else {
						st.Failed++
						st.Details[name] = "失败"
					}
					s.mu.Unlock()
				}
			}()
		}
	feed:
		for _, fn := range work {
			select {
			case queue <- fn:
			case <-s.ctx.Done():
				break feed
			}
		}
		close(queue)
		wg.Wait()

		s.mu.Lock()
		s.jobs[taskID].status.Status = model.StatusCompleted
		s.mu.Unlock()
	}()
}

func sleepCtx(s *Server, d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func readAll(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(b))
	return b, err
}
