package pocketbase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// QueryOptions は単一レコード取得・作成・更新時のオプション。
type QueryOptions struct {
	Expand string // リレーション展開（例: "relField1,relField2.subRelField"）
	Fields string // 返却フィールドの絞り込み
}

func (o QueryOptions) values() url.Values {
	q := url.Values{}
	if o.Expand != "" {
		q.Set("expand", o.Expand)
	}
	if o.Fields != "" {
		q.Set("fields", o.Fields)
	}
	return q
}

// ListOptions は一覧取得のオプション。
type ListOptions struct {
	Page    int
	PerPage int
	Filter  string // フィルタ式（Filterで生成する）
	Sort    string // 例: "-created"
	Expand  string
	Fields  string
}

func (o ListOptions) values() url.Values {
	q := QueryOptions{Expand: o.Expand, Fields: o.Fields}.values()
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.PerPage > 0 {
		q.Set("perPage", strconv.Itoa(o.PerPage))
	}
	if o.Filter != "" {
		q.Set("filter", o.Filter)
	}
	if o.Sort != "" {
		q.Set("sort", o.Sort)
	}
	return q
}

// ListResult は一覧取得のレスポンス。
// Itemsは未解析のレコードJSONで、スキーマ検証は呼び出し側で行う。
type ListResult struct {
	Page       int               `json:"page"`
	PerPage    int               `json:"perPage"`
	TotalItems int               `json:"totalItems"`
	TotalPages int               `json:"totalPages"`
	Items      []json.RawMessage `json:"items"`
}

// RecordService は1コレクションに対するレコード操作を提供する。
type RecordService struct {
	client     *Client
	collection string
}

// Name はコレクション名を返す。
func (s *RecordService) Name() string {
	return s.collection
}

func (s *RecordService) recordsPath() string {
	return "/api/collections/" + url.PathEscape(s.collection) + "/records"
}

func (s *RecordService) recordPath(id string) string {
	return s.recordsPath() + "/" + url.PathEscape(id)
}

// GetOne は指定IDのレコードを取得する。
func (s *RecordService) GetOne(ctx context.Context, token, id string, opts QueryOptions) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("レコードIDが指定されていません")
	}
	return s.client.send(ctx, http.MethodGet, s.recordPath(id), opts.values(), token, nil)
}

// GetList はフィルタ・ソート条件に一致するレコードの1ページ分を取得する。
func (s *RecordService) GetList(ctx context.Context, token string, opts ListOptions) (*ListResult, error) {
	data, err := s.client.send(ctx, http.MethodGet, s.recordsPath(), opts.values(), token, nil)
	if err != nil {
		return nil, err
	}
	var result ListResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("一覧レスポンスのパースに失敗しました: %w", err)
	}
	return &result, nil
}

// Create はレコードを作成し、作成されたレコードを返す。
func (s *RecordService) Create(ctx context.Context, token string, body any, opts QueryOptions) (json.RawMessage, error) {
	return s.client.send(ctx, http.MethodPost, s.recordsPath(), opts.values(), token, body)
}

// Update は指定IDのレコードを部分更新し、更新後のレコードを返す。
func (s *RecordService) Update(ctx context.Context, token, id string, body any, opts QueryOptions) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("レコードIDが指定されていません")
	}
	return s.client.send(ctx, http.MethodPatch, s.recordPath(id), opts.values(), token, body)
}

// Delete は指定IDのレコードを削除する。
func (s *RecordService) Delete(ctx context.Context, token, id string) error {
	if id == "" {
		return fmt.Errorf("レコードIDが指定されていません")
	}
	_, err := s.client.send(ctx, http.MethodDelete, s.recordPath(id), nil, token, nil)
	return err
}

// Filter はプレースホルダ {:name} をエスケープ済みの値で置換したフィルタ式を生成する。
// 文字列はダブルクォートで囲み、内部のダブルクォートはエスケープする。
func Filter(expr string, params map[string]any) string {
	if len(params) == 0 {
		return expr
	}

	// 長い名前から置換して部分一致による誤置換を避ける
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	pairs := make([]string, 0, len(names)*2)
	for _, name := range names {
		pairs = append(pairs, "{:"+name+"}", formatFilterValue(params[name]))
	}
	return strings.NewReplacer(pairs...).Replace(expr)
}

func formatFilterValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return `"` + val.UTC().Format(DateTimeLayout) + `"`
	case string:
		return `"` + strings.ReplaceAll(strings.ReplaceAll(val, `\`, `\\`), `"`, `\"`) + `"`
	default:
		return `"` + strings.ReplaceAll(fmt.Sprint(val), `"`, `\"`) + `"`
	}
}

// DateTimeLayout はリモートストアの日時フォーマット。
const DateTimeLayout = "2006-01-02 15:04:05.000Z"
