// Package withdrawal は出金リクエストの検証・作成・一覧取得と、
// 出金フォームの入力内容の記憶を提供する。
// 出金の承認・送金はリモートストア側で行われ、ここでは状態を読み取るだけである。
package withdrawal

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/taskagency/internal/model"
)

// DefaultMinAmount は最低出金額（KES）。
const DefaultMinAmount = 1000

// minNameLength は申請者名の最小文字数（前後の空白を除く）。
const minNameLength = 3

// フィールド名
const (
	FieldAmount = "amount"
	FieldPhone  = "phone"
	FieldName   = "name"
)

// 検証エラーメッセージ
const (
	MsgAmountRequired      = "出金額を入力してください。"
	MsgAmountNotNumeric    = "出金額は数値で入力してください。"
	MsgAmountBelowMinimum  = "出金額が最低出金額を下回っています。"
	MsgInsufficientBalance = "出金額が利用可能残高を超えています。"
	MsgPhoneInvalid        = "有効なM-Pesa番号を入力してください（例: 0712345678）。"
	MsgNameTooShort        = "氏名は3文字以上で入力してください。"
)

// Input は出金フォームの入力値。Amountは数値文字列。
type Input struct {
	Amount   string
	Phone    string
	Name     string
	Remember bool // 入力内容を記憶する
}

// Request は検証済みの出金リクエスト。
type Request struct {
	Amount float64
	Phone  string
	Name   string
}

// Validate は出金フォームの入力を検証する。
// 出金額は数値で、minAmount以上かつbalance以下でなければならない。
// 全フィールドを検証し、エラーはフィールドごとに*model.ValidationErrorにまとめて返す。
func Validate(in Input, balance, minAmount float64) (Request, error) {
	var verr model.ValidationError
	req := Request{
		Phone: strings.TrimSpace(in.Phone),
		Name:  strings.TrimSpace(in.Name),
	}

	amountText := strings.TrimSpace(in.Amount)
	if amountText == "" {
		verr.Add(FieldAmount, MsgAmountRequired)
	} else if amount, err := strconv.ParseFloat(amountText, 64); err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		verr.Add(FieldAmount, MsgAmountNotNumeric)
	} else {
		switch {
		case amount < minAmount || amount <= 0:
			verr.Add(FieldAmount, MsgAmountBelowMinimum)
		case amount > balance:
			verr.Add(FieldAmount, MsgInsufficientBalance)
		}
		req.Amount = amount
	}

	if !model.IsValidPhone(req.Phone) {
		verr.Add(FieldPhone, MsgPhoneInvalid)
	}
	if utf8.RuneCountInString(req.Name) < minNameLength {
		verr.Add(FieldName, MsgNameTooShort)
	}

	if err := verr.OrNil(); err != nil {
		return Request{}, err
	}
	return req, nil
}
