// Package model はドメインモデルを定義する。
package model

import "time"

// Profile はリモートストアのusersコレクションの1レコードを表す。
// クライアント側は読み取りコピーのみを保持し、権限は持たない。
type Profile struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"` // 表示用。emailが空の場合はmailの値
	Mail       string    `json:"mail"`  // プロフィール編集で読み書きする連絡先メール
	Phone      string    `json:"phone"`
	Level      int       `json:"level"`
	Investment float64   `json:"investment"`
	Income     float64   `json:"income"`
	Balance    float64   `json:"balance"`
	Referrals  int       `json:"referals"`   // usersコレクション上の referals フィールド
	TasksDone  int       `json:"tasksDone"`  // 累計完了タスク数
	TasksToday int       `json:"tasksToday"` // LastTaskAt の日に完了したタスク数
	LastTaskAt time.Time `json:"lastTaskAt"`
	InvitedBy  string    `json:"invitedBy,omitempty"`
	Created    time.Time `json:"created"`
	Updated    time.Time `json:"updated"`
}

// LevelConfig はレベル表の1行を表す。
type LevelConfig struct {
	Level       int     `json:"level"`
	Investment  float64 `json:"investment"`
	TasksPerDay int     `json:"tasksPerDay"`
	PayPerTask  float64 `json:"payPerTask"`
}

// AuthRecord は認証済みユーザーの最小限の識別情報を表す。
type AuthRecord struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
