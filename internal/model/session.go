// Package model はドメインモデルを定義する。
package model

import "time"

// Session はブラウザとBFF間のログインセッションを表す。
// リモートストアが発行した認証トークンと認証レコードを保持する。
type Session struct {
	ID        string
	UserID    string
	Token     string
	Record    AuthRecord
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
