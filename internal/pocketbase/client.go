// Package pocketbase はリモートレコードストア（PocketBase互換API）のクライアントを提供する。
// コレクション単位のレコードCRUD、一覧取得（filter/sort/expand）、パスワード認証を扱う。
// クライアントはグローバルに保持せず、NewClientで生成したものを各コンポーネントへ渡す。
package pocketbase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// defaultTimeout はHTTPクライアント未指定時のタイムアウト。
	defaultTimeout = 10 * time.Second
	// maxResponseSize はレスポンスボディの最大読み取りサイズ（5MB）。
	maxResponseSize = 5 << 20
	// userAgent はリクエストに付与するUser-Agent。
	userAgent = "TaskAgency/1.0 BFF"
)

// Observer はリモート呼び出しの計測を受け取るインターフェース。
// metrics.Collectorが実装する。
type Observer interface {
	RecordRemoteStatus(statusCode int)
	RecordRemoteLatency(duration time.Duration)
}

// Config はクライアントの設定。
type Config struct {
	URL        string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Observer   Observer
}

// Client はリモートレコードストアのAPIクライアント。
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	observer   Observer
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("リモートストアのURLが指定されていません")
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("リモートストアのURLが不正です: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		httpClient: httpClient,
		logger:     logger,
		observer:   cfg.Observer,
	}, nil
}

// AuthResponse はパスワード認証・トークン更新のレスポンス。
type AuthResponse struct {
	Token  string          `json:"token"`
	Record json.RawMessage `json:"record"`
}

// AuthWithPassword はusersコレクションに対してパスワード認証を行う。
// identityにはユーザー名またはメールアドレスを指定する。
func (c *Client) AuthWithPassword(ctx context.Context, identity, password string) (*AuthResponse, error) {
	body := map[string]string{
		"identity": identity,
		"password": password,
	}
	data, err := c.send(ctx, http.MethodPost, "/api/collections/users/auth-with-password", nil, "", body)
	if err != nil {
		return nil, err
	}
	return decodeAuthResponse(data)
}

// AuthRefresh は有効なトークンを使って新しいトークンを取得する。
func (c *Client) AuthRefresh(ctx context.Context, token string) (*AuthResponse, error) {
	data, err := c.send(ctx, http.MethodPost, "/api/collections/users/auth-refresh", nil, token, nil)
	if err != nil {
		return nil, err
	}
	return decodeAuthResponse(data)
}

// Health はリモートストアのヘルスチェックを行う。
func (c *Client) Health(ctx context.Context) error {
	_, err := c.send(ctx, http.MethodGet, "/api/health", nil, "", nil)
	return err
}

// Collection は指定コレクションのレコード操作を返す。
func (c *Client) Collection(name string) *RecordService {
	return &RecordService{client: c, collection: name}
}

func decodeAuthResponse(data []byte) (*AuthResponse, error) {
	var resp AuthResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("認証レスポンスのパースに失敗しました: %w", err)
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("認証レスポンスにトークンが含まれていません")
	}
	return &resp, nil
}

// send はHTTPリクエストを送信し、2xxの場合はレスポンスボディを返す。
// 2xx以外は*ResponseErrorを返す。コンテキストのキャンセルはそのまま返す。
func (c *Client) send(ctx context.Context, method, path string, query url.Values, token string, body any) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.observer != nil {
		c.observer.RecordRemoteLatency(time.Since(start))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Error("リモートストアの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if c.observer != nil {
		c.observer.RecordRemoteStatus(resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{Err: fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respErr := parseResponseError(resp.StatusCode, data)
		level := slog.LevelWarn
		if resp.StatusCode >= 500 {
			level = slog.LevelError
		}
		c.logger.Log(ctx, level, "リモートストアがエラーステータスを返しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
			slog.String("message", respErr.Message),
		)
		return nil, respErr
	}

	return data, nil
}

// NetworkError は通信レベルの失敗（接続不可、切断など）を表す。
type NetworkError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

// Unwrap は原因エラーを返す。
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ResponseError はリモートストアが返した2xx以外のレスポンスを表す。
type ResponseError struct {
	Status  int
	Message string
	Data    map[string]FieldError
}

// FieldError はフィールド単位の検証エラー。
type FieldError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error はerrorインターフェースを実装する。
func (e *ResponseError) Error() string {
	return fmt.Sprintf("remote status %d: %s", e.Status, e.Message)
}

// FieldMessages はフィールド名からメッセージへのマップを返す。
func (e *ResponseError) FieldMessages() map[string]string {
	if len(e.Data) == 0 {
		return nil
	}
	m := make(map[string]string, len(e.Data))
	for field, fe := range e.Data {
		m[field] = fe.Message
	}
	return m
}

// parseResponseError はエラーレスポンスのボディを解析する。
// 形式: {"code":400,"message":"...","data":{"field":{"code":"...","message":"..."}}}
func parseResponseError(status int, body []byte) *ResponseError {
	respErr := &ResponseError{Status: status}

	var payload struct {
		Message string                     `json:"message"`
		Data    map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		respErr.Message = payload.Message
		for field, raw := range payload.Data {
			var fe FieldError
			if err := json.Unmarshal(raw, &fe); err == nil && fe.Message != "" {
				if respErr.Data == nil {
					respErr.Data = make(map[string]FieldError)
				}
				respErr.Data[field] = fe
			}
		}
	}
	if respErr.Message == "" {
		respErr.Message = http.StatusText(status)
	}
	return respErr
}

// AsResponseError はerrがResponseErrorを含む場合にそれを返す。
func AsResponseError(err error) (*ResponseError, bool) {
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr, true
	}
	return nil, false
}
