// Package registry 维护 token 列表页的视图状态：分页、筛选、排序和当前页数据。
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"token_console/internal/backend"
	"token_console/internal/logbus"
	"token_console/internal/model"
)

var (
	ErrInvalidPageSize = errors.New("registry: page size not allowed")
	ErrInvalidSortKey  = errors.New("registry: unknown sort column")
	ErrInvalidPage     = errors.New("registry: page must be >= 1")
)

// SortColumns 列表允许排序的列。
var SortColumns = []string{"id", "account", "account_type", "created_at", "updated_at", "count", "enable"}

type API interface {
	ListTokens(ctx context.Context, cred backend.Credential, q model.ListQuery) (model.TokenPage, error)
	CreateToken(ctx context.Context, cred backend.Credential, p model.TokenPatch) (model.TokenRecord, error)
	UpdateToken(ctx context.Context, cred backend.Credential, id int64, p model.TokenPatch) (model.TokenRecord, error)
	DeleteToken(ctx context.Context, cred backend.Credential, id int64) error
	UpgradeURL(ctx context.Context, cred backend.Credential, id int64) (string, error)
	RefreshCookie(ctx context.Context, cred backend.Credential, id int64) error
	RefreshModels(ctx context.Context, cred backend.Credential) (string, error)
}

type Credentials interface {
	Current(ctx context.Context) (backend.Credential, error)
}

type Notifier interface {
	Success(message string) model.Toast
	Error(message string) model.Toast
	Info(message string) model.Toast
}

// Confirmer 在执行破坏性操作前向用户确认。
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

type ConfirmFunc func(ctx context.Context, prompt string) bool

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) bool { return f(ctx, prompt) }

// Clipboard 与 github.com/atotto/clipboard.WriteAll 的签名一致。
type Clipboard interface {
	WriteAll(text string) error
}

type ClipboardFunc func(text string) error

func (f ClipboardFunc) WriteAll(text string) error { return f(text) }

type Options struct {
	API             API
	Credentials     Credentials
	Notifier        Notifier
	Bus             *logbus.Bus
	PageSizes       []int
	DefaultPageSize int
}

// State 是视图状态的只读快照。
type State struct {
	Page      int                 `json:"page"`
	PageSize  int                 `json:"pageSize"`
	PageSizes []int               `json:"pageSizes"`
	Pages     int                 `json:"pages"`
	Account   string              `json:"account,omitempty"`
	SortBy    string              `json:"sortBy,omitempty"`
	SortDesc  bool                `json:"sortDesc"`
	Items     []model.TokenRecord `json:"items"`
	Total     int                 `json:"total"`
	Loading   bool                `json:"loading"`
}

type View struct {
	api   API
	creds Credentials
	toast Notifier
	bus   *logbus.Bus

	mu        sync.Mutex
	pageSizes []int
	page      int
	pageSize  int
	account   string
	sortBy    string
	sortDesc  bool
	items     []model.TokenRecord
	total     int
	loading   int

	// 列表请求序号，防止慢的旧响应覆盖新的结果
	loadSeq    uint64
	appliedSeq uint64
}

func New(opts Options) *View {
	sizes := opts.PageSizes
	if len(sizes) == 0 {
		sizes = []int{15, 20, 30, 50, 100}
	}
	size := opts.DefaultPageSize
	if size <= 0 {
		size = sizes[0]
	}
	return &View{
		api:       opts.API,
		creds:     opts.Credentials,
		toast:     opts.Notifier,
		bus:       opts.Bus,
		pageSizes: append([]int(nil), sizes...),
		page:      1,
		pageSize:  size,
	}
}

// Query 根据当前状态计算列表请求参数。
func (v *View) Query() model.ListQuery {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.queryLocked()
}

func (v *View) queryLocked() model.ListQuery {
	q := model.ListQuery{
		Skip:    (v.page - 1) * v.pageSize,
		Limit:   v.pageSize,
		Account: v.account,
	}
	if v.sortBy != "" {
		q.SortBy = v.sortBy
		q.SortDesc = v.sortDesc
	}
	return q
}

func (v *View) Snapshot() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	pages := 0
	if v.pageSize > 0 {
		pages = (v.total + v.pageSize - 1) / v.pageSize
	}
	return State{
		Page:      v.page,
		PageSize:  v.pageSize,
		PageSizes: append([]int(nil), v.pageSizes...),
		Pages:     pages,
		Account:   v.account,
		SortBy:    v.sortBy,
		SortDesc:  v.sortDesc,
		Items:     append([]model.TokenRecord{}, v.items...),
		Total:     v.total,
		Loading:   v.loading > 0,
	}
}

func (v *View) SetPage(page int) error {
	if page < 1 {
		return ErrInvalidPage
	}
	v.mu.Lock()
	v.page = page
	v.mu.Unlock()
	return nil
}

// SetPageSize 只接受预设的每页条数，修改后回到第一页。
func (v *View) SetPageSize(size int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, n := range v.pageSizes {
		if n == size {
			v.pageSize = size
			v.page = 1
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrInvalidPageSize, size)
}

// Search 设置账号模糊筛选条件，回到第一页。
func (v *View) Search(account string) {
	v.mu.Lock()
	v.account = account
	v.page = 1
	v.mu.Unlock()
}

// SortBy 对应点击列头：换列时按新列升序，点击当前列时切换升降序。
func (v *View) SortBy(column string) error {
	if err := checkSortColumn(column); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sortBy == column {
		v.sortDesc = !v.sortDesc
		return nil
	}
	v.sortBy = column
	v.sortDesc = false
	return nil
}

// SetSort 直接设定排序列和方向，不走表头点击的切换规则，重复调用结果不变。
func (v *View) SetSort(column string, desc bool) error {
	if err := checkSortColumn(column); err != nil {
		return err
	}
	v.mu.Lock()
	v.sortBy = column
	v.sortDesc = desc
	v.mu.Unlock()
	return nil
}

func checkSortColumn(column string) error {
	for _, c := range SortColumns {
		if c == column {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidSortKey, column)
}

// SetSortDesc 单独切换方向，移动端的排序选择器使用。
func (v *View) SetSortDesc(desc bool) {
	v.mu.Lock()
	v.sortDesc = desc
	v.mu.Unlock()
}

func (v *View) ClearSort() {
	v.mu.Lock()
	v.sortBy = ""
	v.sortDesc = false
	v.mu.Unlock()
}

// Load 按当前状态拉取一页数据并整体替换本地列表。
func (v *View) Load(ctx context.Context) error {
	cred, err := v.creds.Current(ctx)
	if err != nil {
		return err
	}

	v.mu.Lock()
	q := v.queryLocked()
	v.loadSeq++
	seq := v.loadSeq
	v.loading++
	v.mu.Unlock()

	page, err := v.api.ListTokens(ctx, cred, q)

	v.mu.Lock()
	v.loading--
	if err == nil && seq > v.appliedSeq {
		v.appliedSeq = seq
		v.items = page.Items
		v.total = page.Total
	}
	v.mu.Unlock()

	if err != nil {
		v.bus.Log("warn", "获取Token列表失败", map[string]any{"error": err.Error()})
		v.toast.Error("获取Token列表失败")
		return err
	}
	return nil
}

// Save 有 id 时更新，否则新建；成功后重新加载当前页。
func (v *View) Save(ctx context.Context, p model.TokenPatch) (model.TokenRecord, error) {
	cred, err := v.creds.Current(ctx)
	if err != nil {
		return model.TokenRecord{}, err
	}
	var (
		rec model.TokenRecord
		msg string
	)
	if p.ID > 0 {
		rec, err = v.api.UpdateToken(ctx, cred, p.ID, p)
		msg = "更新成功"
	} else {
		rec, err = v.api.CreateToken(ctx, cred, p)
		msg = "添加成功"
	}
	if err != nil {
		v.toast.Error("保存失败")
		return model.TokenRecord{}, err
	}
	v.toast.Success(msg)
	_ = v.Load(ctx)
	return rec, nil
}

// Delete 只有在 confirm 明确同意后才会调用后端删除接口。
func (v *View) Delete(ctx context.Context, id int64, confirm Confirmer) (bool, error) {
	cred, err := v.creds.Current(ctx)
	if err != nil {
		return false, err
	}
	if confirm == nil || !confirm.Confirm(ctx, v.deletePrompt(id)) {
		return false, nil
	}
	if err := v.api.DeleteToken(ctx, cred, id); err != nil {
		v.toast.Error("删除失败")
		return false, err
	}
	v.toast.Success("删除成功")
	_ = v.Load(ctx)
	return true, nil
}

func (v *View) deletePrompt(id int64) string {
	if rec, ok := v.find(id); ok && rec.Account != "" {
		return fmt.Sprintf("确定要删除账号 \"%s\" 吗？此操作不可撤销。", rec.Account)
	}
	return fmt.Sprintf("确定要删除 ID 为 %d 的记录吗？此操作不可撤销。", id)
}

// SetEnabled 后端确认成功后才修改本地对应记录的 enable，失败时本地保持不变。
func (v *View) SetEnabled(ctx context.Context, id int64, on bool) error {
	cred, err := v.creds.Current(ctx)
	if err != nil {
		return err
	}
	flag := model.EnableFlag(on)
	if _, err := v.api.UpdateToken(ctx, cred, id, model.TokenPatch{Enable: &flag}); err != nil {
		v.toast.Error("状态更新失败")
		return err
	}
	v.mu.Lock()
	for i := range v.items {
		if v.items[i].ID == id {
			v.items[i].Enable = flag
			break
		}
	}
	v.mu.Unlock()
	v.toast.Success("状态更新成功")
	return nil
}

// Upgrade 获取升级链接并复制到剪贴板，复制失败时把链接放进提示里。
func (v *View) Upgrade(ctx context.Context, id int64, cb Clipboard) (string, bool, error) {
	url, err := v.UpgradeLink(ctx, id)
	if err != nil {
		return "", false, err
	}
	if cb == nil {
		return url, v.ReportCopy(url, errors.New("no clipboard")), nil
	}
	return url, v.ReportCopy(url, cb.WriteAll(url)), nil
}

// UpgradeLink 只获取升级链接，复制由调用方完成后通过 ReportCopy 回报。
func (v *View) UpgradeLink(ctx context.Context, id int64) (string, error) {
	cred, err := v.creds.Current(ctx)
	if err != nil {
		return "", err
	}
	url, err := v.api.UpgradeURL(ctx, cred, id)
	if err != nil {
		v.toast.Error("获取升级链接失败")
		return "", err
	}
	return url, nil
}

// ReportCopy 按复制结果给出提示，返回是否复制成功。
func (v *View) ReportCopy(url string, copyErr error) bool {
	if copyErr != nil {
		v.bus.Log("warn", "复制升级链接失败", map[string]any{"error": copyErr.Error()})
		v.toast.Info("复制失败，请手动复制: " + url)
		return false
	}
	v.toast.Success("升级链接已复制到剪贴板")
	return true
}

func (v *View) RefreshCookie(ctx context.Context, id int64) error {
	cred, err := v.creds.Current(ctx)
	if err != nil {
		return err
	}
	name := strconv.FormatInt(id, 10)
	if rec, ok := v.find(id); ok && rec.Account != "" {
		name = rec.Account
	}
	if err := v.api.RefreshCookie(ctx, cred, id); err != nil {
		v.toast.Error("刷新失败")
		return err
	}
	_ = v.Load(ctx)
	v.toast.Success(fmt.Sprintf("账号 \"%s\" 的Cookie刷新成功", name))
	return nil
}

// RefreshModels 返回后端是否报告刷新成功。
func (v *View) RefreshModels(ctx context.Context) (bool, error) {
	cred, err := v.creds.Current(ctx)
	if err != nil {
		return false, err
	}
	status, err := v.api.RefreshModels(ctx, cred)
	if err != nil {
		v.bus.Log("warn", "模型数据刷新失败", map[string]any{"error": err.Error()})
		v.toast.Error("模型数据刷新失败")
		return false, err
	}
	if status != "success" {
		v.toast.Error("模型列表刷新失败，可能因为没有可用的access_token")
		return false, nil
	}
	v.toast.Success("模型列表刷新成功")
	return true, nil
}

func (v *View) find(id int64) (model.TokenRecord, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, rec := range v.items {
		if rec.ID == id {
			return rec, true
		}
	}
	return model.TokenRecord{}, false
}
