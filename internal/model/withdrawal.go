// Package model はドメインモデルを定義する。
package model

import "time"

// WithdrawalStatus は出金リクエストの処理状態を表す。
// 状態はリモートストア側で更新され、クライアントは読み取りのみ行う。
type WithdrawalStatus string

const (
	// WithdrawalStatusPending は受付済み・未処理の状態。
	WithdrawalStatusPending WithdrawalStatus = "pending"
	// WithdrawalStatusProcessing は処理中の状態。
	WithdrawalStatusProcessing WithdrawalStatus = "processing"
	// WithdrawalStatusDeclined は却下された状態。
	WithdrawalStatusDeclined WithdrawalStatus = "declined"
	// WithdrawalStatusDisbursed は送金済みの状態。
	WithdrawalStatusDisbursed WithdrawalStatus = "disbursed"
)

// Valid は既知の状態かどうかを返す。
func (s WithdrawalStatus) Valid() bool {
	switch s {
	case WithdrawalStatusPending, WithdrawalStatusProcessing, WithdrawalStatusDeclined, WithdrawalStatusDisbursed:
		return true
	default:
		return false
	}
}

// Withdrawal はwithdrawalsコレクションの出金リクエストを表す。
type Withdrawal struct {
	ID      string           `json:"id"`
	UserID  string           `json:"user"`
	Amount  float64          `json:"amount"`
	Phone   string           `json:"phone"` // 送金先の携帯番号
	Name    string           `json:"name"`  // 申請者名
	Status  WithdrawalStatus `json:"status"`
	Created time.Time        `json:"created"`
	Updated time.Time        `json:"updated"`
}

// WithdrawalDetails は「入力内容を記憶する」で保存するフォーム値。
type WithdrawalDetails struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}
