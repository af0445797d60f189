package backend

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"token_console/internal/config"
	"token_console/internal/logbus"
	"token_console/internal/model"
)

// Client 是对 token 后端 REST 接口的薄封装，所有方法都要求显式传入凭据。
type Client struct {
	cfg     config.BackendConfig
	bus     *logbus.Bus
	limiter *rate.Limiter
	http    *resty.Client
}

func New(cfg config.BackendConfig, limits config.LimitsConfig, bus *logbus.Bus) *Client {
	c := &Client{cfg: cfg, bus: bus}
	if limits.QPS > 0 {
		burst := limits.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(limits.QPS), burst)
	}

	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout()).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.Retry.Count).
		SetRetryWaitTime(cfg.Retry.Wait()).
		SetRetryMaxWaitTime(cfg.Retry.MaxWait()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// 只重试幂等的 GET；写操作失败直接交给调用方展示
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			// 任务状态查询由轮询的下一拍重试，单次轮询只发一个请求
			if noRetry, _ := r.Request.Context().Value(noRetryKey{}).(bool); noRetry {
				return false
			}
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	c.http.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(req.Context()); err != nil {
				return err
			}
		}
		reqID := uuid.NewString()
		req.SetHeader("X-Request-ID", reqID)
		c.bus.Log("debug", "backend request", map[string]any{
			"method":    req.Method,
			"url":       req.URL,
			"requestId": reqID,
		})
		return nil
	})
	return c
}

type noRetryKey struct{}

func (c *Client) request(ctx context.Context, cred Credential) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetAuthToken(cred.Value()).
		SetError(&errorBody{})
}

func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode()}
		if body, ok := resp.Error().(*errorBody); ok && body != nil {
			apiErr.Detail = detailText(body.Detail)
		}
		c.bus.Log("warn", "backend error", map[string]any{
			"op":     op,
			"status": apiErr.Status,
			"detail": apiErr.Detail,
		})
		return apiErr
	}
	return nil
}

// Login 校验凭据，请求体为空，凭据只放在 Authorization 头里。
func (c *Client) Login(ctx context.Context, cred Credential) error {
	resp, err := c.request(ctx, cred).Post("/tokens/login")
	return c.check("login", resp, err)
}

// ListParams 把查询条件转换成后端的查询参数：account 和排序参数只在有值时携带。
func ListParams(q model.ListQuery) map[string]string {
	params := map[string]string{
		"skip":  strconv.Itoa(q.Skip),
		"limit": strconv.Itoa(q.Limit),
	}
	if q.Account != "" {
		params["account"] = q.Account
	}
	if q.SortBy != "" {
		params["sort_by"] = q.SortBy
		params["sort_desc"] = strconv.FormatBool(q.SortDesc)
	}
	return params
}

func (c *Client) ListTokens(ctx context.Context, cred Credential, q model.ListQuery) (model.TokenPage, error) {
	var page model.TokenPage
	resp, err := c.request(ctx, cred).
		SetQueryParams(ListParams(q)).
		SetResult(&page).
		Get("/tokens/")
	if err := c.check("list tokens", resp, err); err != nil {
		return model.TokenPage{}, err
	}
	if page.Items == nil {
		page.Items = []model.TokenRecord{}
	}
	return page, nil
}

func (c *Client) CreateToken(ctx context.Context, cred Credential, p model.TokenPatch) (model.TokenRecord, error) {
	p.ID = 0
	var out model.TokenRecord
	resp, err := c.request(ctx, cred).
		SetBody(p).
		SetResult(&out).
		Post("/tokens/")
	if err := c.check("create token", resp, err); err != nil {
		return model.TokenRecord{}, err
	}
	return out, nil
}

func (c *Client) UpdateToken(ctx context.Context, cred Credential, id int64, p model.TokenPatch) (model.TokenRecord, error) {
	p.ID = 0
	var out model.TokenRecord
	resp, err := c.request(ctx, cred).
		SetBody(p).
		SetResult(&out).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		Put("/tokens/{id}")
	if err := c.check("update token", resp, err); err != nil {
		return model.TokenRecord{}, err
	}
	return out, nil
}

func (c *Client) DeleteToken(ctx context.Context, cred Credential, id int64) error {
	resp, err := c.request(ctx, cred).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		Delete("/tokens/{id}")
	return c.check("delete token", resp, err)
}

func (c *Client) UpgradeURL(ctx context.Context, cred Credential, id int64) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	resp, err := c.request(ctx, cred).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		SetResult(&out).
		Get("/tokens/{id}/upgrade")
	if err := c.check("upgrade url", resp, err); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("upgrade url: %w: empty url", ErrRejected)
	}
	return out.URL, nil
}

// RefreshModels 返回后端给出的 status 字段，"success" 表示刷新成功。
func (c *Client) RefreshModels(ctx context.Context, cred Credential) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	resp, err := c.request(ctx, cred).
		SetResult(&out).
		Get("/tokens/refresh-models")
	if err := c.check("refresh models", resp, err); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) RefreshCookie(ctx context.Context, cred Credential, id int64) error {
	resp, err := c.request(ctx, cred).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		SetBody(map[string]any{}).
		Post("/register/refresh/{id}")
	return c.check("refresh cookie", resp, err)
}

type bulkRegisterReq struct {
	Data        string `json:"data"`
	ThreadCount int    `json:"thread_count"`
}

type batchRefreshReq struct {
	IncludeDisabled bool `json:"include_disabled"`
	ThreadCount     int  `json:"thread_count"`
}

func (c *Client) StartBulkRegister(ctx context.Context, cred Credential, data string, threads int) (model.JobStart, error) {
	var out model.JobStart
	resp, err := c.request(ctx, cred).
		SetBody(bulkRegisterReq{Data: data, ThreadCount: threads}).
		SetResult(&out).
		Post("/register/bulk-register")
	if err := c.check("bulk register", resp, err); err != nil {
		return model.JobStart{}, err
	}
	return out, nil
}

func (c *Client) StartBatchRefresh(ctx context.Context, cred Credential, includeDisabled bool, threads int) (model.JobStart, error) {
	var out model.JobStart
	resp, err := c.request(ctx, cred).
		SetBody(batchRefreshReq{IncludeDisabled: includeDisabled, ThreadCount: threads}).
		SetResult(&out).
		Post("/register/batch-refresh")
	if err := c.check("batch refresh", resp, err); err != nil {
		return model.JobStart{}, err
	}
	return out, nil
}

func statusPath(kind model.JobKind) (string, error) {
	switch kind {
	case model.JobRegistration:
		return "/register/status/{task}", nil
	case model.JobBatchRefresh:
		return "/register/refresh-status/{task}", nil
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
}

func (c *Client) JobStatus(ctx context.Context, cred Credential, kind model.JobKind, taskID string) (model.JobStatus, error) {
	path, err := statusPath(kind)
	if err != nil {
		return model.JobStatus{}, err
	}
	var out model.JobStatus
	resp, err := c.request(context.WithValue(ctx, noRetryKey{}, true), cred).
		SetPathParam("task", taskID).
		SetResult(&out).
		Get(path)
	if err := c.check("job status", resp, err); err != nil {
		return model.JobStatus{}, err
	}
	return out, nil
}
