package record

import (
	"errors"
	"fmt"

	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/pocketbase"
)

// WriteError はリモートへの書き込み失敗をエラー分類に変換する。
// 書き込みはリトライしないため、一時的な失敗もAttempts=1のRemoteFailureになる。
// 拒否された場合はリモートのメッセージをそのまま保持する。
func WriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if pocketbase.IsCancellation(err) {
		return err
	}
	switch pocketbase.Classify(err) {
	case pocketbase.ClassAuth:
		return fmt.Errorf("%s: %w", op, model.ErrAuthRequired)
	case pocketbase.ClassRetryable:
		return &model.RemoteFailure{Op: op, Attempts: 1, Err: err}
	}
	if respErr, ok := pocketbase.AsResponseError(err); ok {
		return &model.RemoteRejection{
			Op:      op,
			Status:  respErr.Status,
			Message: respErr.Message,
			Fields:  respErr.FieldMessages(),
		}
	}
	return &model.RemoteFailure{Op: op, Attempts: 1, Err: err}
}

// ReadError はリモートからの読み取り失敗をエラー分類に変換する。
// 分類済みのエラーとキャンセルはそのまま返す。
// 認証エラーはmodel.ErrAuthRequired、それ以外はAttempts=1のRemoteFailureになる。
func ReadError(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		mismatch *model.SchemaMismatch
		failure  *model.RemoteFailure
	)
	if pocketbase.IsCancellation(err) || errors.Is(err, model.ErrAuthRequired) ||
		errors.As(err, &mismatch) || errors.As(err, &failure) {
		return err
	}
	if pocketbase.Classify(err) == pocketbase.ClassAuth {
		return fmt.Errorf("%s: %w", op, model.ErrAuthRequired)
	}
	return &model.RemoteFailure{Op: op, Attempts: 1, Err: err}
}

// IsUnclassified はerrがエラー分類を経ていないリモートのエラーを含むかを判定する。
func IsUnclassified(err error) bool {
	var (
		netErr   *pocketbase.NetworkError
		mismatch *model.SchemaMismatch
		failure  *model.RemoteFailure
	)
	if errors.As(err, &failure) || errors.As(err, &mismatch) || errors.Is(err, model.ErrAuthRequired) {
		return false
	}
	_, isResp := pocketbase.AsResponseError(err)
	return isResp || errors.As(err, &netErr)
}
