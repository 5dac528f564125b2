// Package record はリモートストアから受信したレコードJSONの検証とデコードを提供する。
// 想定スキーマと一致しないフィールドは暗黙にゼロ値へ変換せず、model.SchemaMismatchとして返す。
package record

import (
	"encoding/json"
	"math"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hitoshi/taskagency/internal/model"
	"github.com/hitoshi/taskagency/internal/pocketbase"
)

// コレクション名
const (
	CollectionUsers       = "users"
	CollectionWithdrawals = "withdrawals"
	CollectionLevels      = "levels"
	CollectionAuditLogs   = "audit_logs"
)

// DecodeProfile はusersレコードをProfileにデコードする。
func DecodeProfile(raw []byte) (*model.Profile, error) {
	d, err := newDecoder(CollectionUsers, raw)
	if err != nil {
		return nil, err
	}

	p := &model.Profile{}
	p.ID = d.requiredStr("id")
	p.Username = d.str("username")
	p.Mail = d.str("mail")
	p.Email = d.str("email")
	if p.Email == "" {
		p.Email = p.Mail
	}
	p.Phone = d.str("phone")
	p.InvitedBy = d.str("invited_by")
	p.Level = d.integer("level")
	p.Investment = d.num("investment")
	p.Income = d.num("income")
	p.Balance = d.num("balance")
	p.Referrals = d.integer("referals")
	p.TasksDone = d.integer("tasks_done")
	p.TasksToday = d.integer("tasks_today")
	p.LastTaskAt = d.timestamp("last_task")
	p.Created = d.timestamp("created")
	p.Updated = d.timestamp("updated")

	if d.err != nil {
		return nil, d.err
	}
	return p, nil
}

// DecodeAuthRecord は認証レスポンスのrecordを最小限の識別情報にデコードする。
func DecodeAuthRecord(raw []byte) (model.AuthRecord, error) {
	d, err := newDecoder(CollectionUsers, raw)
	if err != nil {
		return model.AuthRecord{}, err
	}
	rec := model.AuthRecord{
		ID:       d.requiredStr("id"),
		Username: d.str("username"),
	}
	if d.err != nil {
		return model.AuthRecord{}, d.err
	}
	return rec, nil
}

// DecodeWithdrawal はwithdrawalsレコードをWithdrawalにデコードする。
func DecodeWithdrawal(raw []byte) (*model.Withdrawal, error) {
	d, err := newDecoder(CollectionWithdrawals, raw)
	if err != nil {
		return nil, err
	}

	w := &model.Withdrawal{}
	w.ID = d.requiredStr("id")
	w.UserID = d.str("user")
	w.Amount = d.num("amount")
	w.Phone = d.str("phone")
	w.Name = d.str("name")
	w.Status = model.WithdrawalStatus(d.str("status"))
	w.Created = d.timestamp("created")
	w.Updated = d.timestamp("updated")

	if d.err != nil {
		return nil, d.err
	}
	if !w.Status.Valid() {
		return nil, &model.SchemaMismatch{
			Collection: CollectionWithdrawals,
			Field:      "status",
			Expected:   "pending|processing|declined|disbursed",
			Got:        string(w.Status),
		}
	}
	return w, nil
}

// DecodeWithdrawals は一覧取得結果のitemsをデコードする。
func DecodeWithdrawals(items []json.RawMessage) ([]model.Withdrawal, error) {
	result := make([]model.Withdrawal, 0, len(items))
	for _, item := range items {
		w, err := DecodeWithdrawal(item)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, nil
}

// DecodeLevels はlevelsコレクションのitemsをレベル表の行にデコードする。
func DecodeLevels(items []json.RawMessage) ([]model.LevelConfig, error) {
	result := make([]model.LevelConfig, 0, len(items))
	for _, item := range items {
		d, err := newDecoder(CollectionLevels, item)
		if err != nil {
			return nil, err
		}
		lc := model.LevelConfig{
			Level:       d.requiredInteger("level"),
			Investment:  d.num("investment"),
			TasksPerDay: d.integer("tasks_per_day"),
			PayPerTask:  d.num("pay_per_task"),
		}
		if d.err != nil {
			return nil, d.err
		}
		result = append(result, lc)
	}
	return result, nil
}

// decoder はgjsonでフィールドの型を検査しながら値を取り出す。
// 最初の不一致だけを保持し、以降の取り出しはゼロ値を返す。
type decoder struct {
	collection string
	root       gjson.Result
	err        error
}

func newDecoder(collection string, raw []byte) (*decoder, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &model.SchemaMismatch{Collection: collection, Field: "$", Expected: "object", Got: "invalid json"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, &model.SchemaMismatch{Collection: collection, Field: "$", Expected: "object", Got: typeName(root)}
	}
	return &decoder{collection: collection, root: root}, nil
}

func (d *decoder) fail(field, expected string, got gjson.Result) {
	if d.err == nil {
		d.err = &model.SchemaMismatch{Collection: d.collection, Field: field, Expected: expected, Got: typeName(got)}
	}
}

// lookup はフィールドを取得する。存在しない、またはnullの場合はfalseを返す。
func (d *decoder) lookup(field string) (gjson.Result, bool) {
	if d.err != nil {
		return gjson.Result{}, false
	}
	v := d.root.Get(field)
	if !v.Exists() || v.Type == gjson.Null {
		return v, false
	}
	return v, true
}

func (d *decoder) str(field string) string {
	v, ok := d.lookup(field)
	if !ok {
		return ""
	}
	if v.Type != gjson.String {
		d.fail(field, "string", v)
		return ""
	}
	return v.Str
}

func (d *decoder) requiredStr(field string) string {
	s := d.str(field)
	if d.err == nil && s == "" {
		d.fail(field, "non-empty string", d.root.Get(field))
	}
	return s
}

func (d *decoder) num(field string) float64 {
	v, ok := d.lookup(field)
	if !ok {
		return 0
	}
	if v.Type != gjson.Number {
		d.fail(field, "number", v)
		return 0
	}
	return v.Num
}

func (d *decoder) integer(field string) int {
	v, ok := d.lookup(field)
	if !ok {
		return 0
	}
	if v.Type != gjson.Number || v.Num != math.Trunc(v.Num) {
		d.fail(field, "integer", v)
		return 0
	}
	return int(v.Num)
}

func (d *decoder) requiredInteger(field string) int {
	if _, ok := d.lookup(field); !ok && d.err == nil {
		d.fail(field, "integer", d.root.Get(field))
		return 0
	}
	return d.integer(field)
}

func (d *decoder) timestamp(field string) time.Time {
	s := d.str(field)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{pocketbase.DateTimeLayout, "2006-01-02 15:04:05Z", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if d.err == nil {
		d.err = &model.SchemaMismatch{Collection: d.collection, Field: field, Expected: "datetime", Got: s}
	}
	return time.Time{}
}

func typeName(v gjson.Result) string {
	if !v.Exists() {
		return "missing"
	}
	switch v.Type {
	case gjson.Null:
		return "null"
	case gjson.False, gjson.True:
		return "bool"
	case gjson.Number:
		return "number"
	case gjson.String:
		return "string"
	case gjson.JSON:
		if v.IsArray() {
			return "array"
		}
		return "object"
	default:
		return "unknown"
	}
}
