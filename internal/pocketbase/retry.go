package pocketbase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StatusClass はHTTPステータスコードに基づくリモート応答の分類。
type StatusClass int

const (
	// ClassOK は成功（2xx）。
	ClassOK StatusClass = iota
	// ClassAuth は認証が必要・権限不足（401/403）。
	ClassAuth
	// ClassNotFound はレコードが存在しない、または参照権限がない（404）。
	ClassNotFound
	// ClassRejected はリクエスト内容による拒否（400/409/422など）。
	ClassRejected
	// ClassRetryable は一時的な失敗でリトライ対象（408/429/5xx）。
	ClassRetryable
)

// ClassifyStatus はHTTPステータスコードを応答分類に変換する。
func ClassifyStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ClassOK
	case statusCode == 401 || statusCode == 403:
		return ClassAuth
	case statusCode == 404:
		return ClassNotFound
	case statusCode == 408 || statusCode == 429:
		return ClassRetryable
	case statusCode >= 500:
		return ClassRetryable
	default:
		return ClassRejected
	}
}

// Classify はクライアントが返したエラーを応答分類に変換する。
// 通信エラーはClassRetryable、それ以外の未知のエラーはClassRejectedとして扱う。
func Classify(err error) StatusClass {
	if err == nil {
		return ClassOK
	}
	if respErr, ok := AsResponseError(err); ok {
		return ClassifyStatus(respErr.Status)
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return ClassRetryable
	}
	return ClassRejected
}

// IsCancellation はエラーがコンテキストのキャンセルによるものかを判定する。
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// RetryPolicy は読み取り失敗時の自動リトライ間隔を表す。
// Delays[i] は i+1 回目のリトライ前に待つ時間。
type RetryPolicy struct {
	Delays []time.Duration
}

// DefaultRetryPolicy はデフォルトのリトライポリシーを返す。
// 最大3回、1秒・3秒・5秒と待機時間を増やす。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}
}

// MaxRetries はリトライの最大回数を返す。
func (p RetryPolicy) MaxRetries() int {
	return len(p.Delays)
}

// Delay は retry 回目（1始まり）のリトライ前の待機時間を返す。
// 上限を超えた場合はfalseを返す。
func (p RetryPolicy) Delay(retry int) (time.Duration, bool) {
	if retry < 1 || retry > len(p.Delays) {
		return 0, false
	}
	return p.Delays[retry-1], true
}

// ParseRetryDelays は "1s,3s,5s" 形式の文字列をリトライポリシーに変換する。
// 空文字列の場合はリトライなしのポリシーを返す。
func ParseRetryDelays(s string) (RetryPolicy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RetryPolicy{}, nil
	}
	parts := strings.Split(s, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return RetryPolicy{}, fmt.Errorf("リトライ間隔の形式が不正です: %q: %w", part, err)
		}
		if d < 0 {
			return RetryPolicy{}, fmt.Errorf("リトライ間隔に負の値は指定できません: %q", part)
		}
		delays = append(delays, d)
	}
	return RetryPolicy{Delays: delays}, nil
}
