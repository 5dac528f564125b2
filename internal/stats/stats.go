// Package stats はプロフィールとレベル表から画面表示用の集計値を計算する。
// すべての関数は純粋関数で、I/Oや隠れた状態を持たない。
package stats

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hitoshi/taskagency/internal/level"
	"github.com/hitoshi/taskagency/internal/model"
)

// EarningsSplit は累計収入の内訳。紹介報酬とタスク報酬はどちらも0以上に丸める。
type EarningsSplit struct {
	Referrals float64 `json:"referrals"`
	Tasks     float64 `json:"tasks"`
	Total     float64 `json:"total"`
}

// Stats は表示用の集計値。
type Stats struct {
	CurrentLevel          model.LevelConfig   `json:"currentLevel"`
	ConfigurationGap      bool                `json:"configurationGap"`
	TasksPerDay           int                 `json:"tasksPerDay"`
	TasksCompletedToday   int                 `json:"tasksCompletedToday"`
	TasksRemainingToday   int                 `json:"tasksRemainingToday"`
	NextLevel             *model.LevelConfig  `json:"nextLevel,omitempty"`
	ProgressToNextLevel   int                 `json:"progressToNextLevel"`
	InvestmentToNextLevel float64             `json:"investmentToNextLevel"`
	ProfileCompleteness   int                 `json:"profileCompleteness"`
	EarningsSplit         EarningsSplit       `json:"earningsSplit"`
	DailyEarnings         float64             `json:"dailyEarnings"`
	UpgradeOptions        []model.LevelConfig `json:"upgradeOptions"`
	Initials              string              `json:"initials"`
}

// CurrentLevelConfig はレベル表から指定レベルの設定を返す。
// 見つからない場合はタスク数・報酬が0の設定とmodel.ErrConfigurationGapを返す。
func CurrentLevelConfig(lv int, t level.Table) (model.LevelConfig, error) {
	if cfg, ok := t.Lookup(lv); ok {
		return cfg, nil
	}
	return model.LevelConfig{Level: lv}, fmt.Errorf("level %d: %w", lv, model.ErrConfigurationGap)
}

// Compute はプロフィールの集計値を計算する。
// プロフィールのレベルがレベル表にない場合はConfigurationGapをtrueにし、
// タスク数・日次収益を0とした安全な既定値を返す。
// locは「今日」を判定するタイムゾーンで、nilの場合はUTCを使う。
func Compute(p model.Profile, t level.Table, now time.Time, loc *time.Location) Stats {
	if loc == nil {
		loc = time.UTC
	}

	s := Stats{
		ProfileCompleteness: Completeness(p),
		EarningsSplit:       SplitEarnings(p.Income, float64(p.Referrals)),
		Initials:            Initials(p.Username),
		UpgradeOptions:      t.Above(p.Level),
	}

	current, err := CurrentLevelConfig(p.Level, t)
	s.ConfigurationGap = errors.Is(err, model.ErrConfigurationGap)
	s.CurrentLevel = current
	s.TasksPerDay = current.TasksPerDay
	s.DailyEarnings = level.DailyEarnings(current)

	s.TasksCompletedToday = TasksCompletedToday(p, now, loc)
	s.TasksRemainingToday = max(0, current.TasksPerDay-s.TasksCompletedToday)

	if next, ok := t.Next(p.Level); ok {
		s.NextLevel = &next
		s.ProgressToNextLevel = Progress(p.Investment, next.Investment)
		s.InvestmentToNextLevel = math.Max(0, next.Investment-p.Investment)
	} else {
		s.ProgressToNextLevel = 100
	}
	return s
}

// Progress は次のレベルの投資額に対する現在の投資額の割合（0〜100）を返す。
// 次のレベルの投資額が0以下の場合は100を返す。
func Progress(investment, nextInvestment float64) int {
	if nextInvestment <= 0 {
		return 100
	}
	pct := math.Round(investment / nextInvestment * 100)
	return int(math.Min(100, math.Max(0, pct)))
}

// TasksCompletedToday は今日完了したタスク数を返す。
// 最後のタスク完了日がloc上の今日でない場合は0を返す。
func TasksCompletedToday(p model.Profile, now time.Time, loc *time.Location) int {
	if p.LastTaskAt.IsZero() || p.TasksToday <= 0 {
		return 0
	}
	if !sameDay(p.LastTaskAt.In(loc), now.In(loc)) {
		return 0
	}
	return p.TasksToday
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Completeness はユーザー名・電話番号・メールアドレスのうち入力済みの割合（0〜100）を返す。
func Completeness(p model.Profile) int {
	fields := []string{p.Username, p.Phone, p.Email}
	filled := 0
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			filled++
		}
	}
	return int(math.Round(float64(filled) / float64(len(fields)) * 100))
}

// SplitEarnings は累計収入を紹介報酬とタスク報酬に分割する。
// 紹介報酬は0〜収入の範囲に丸め、残りをタスク報酬とする。負の収入は0として扱う。
func SplitEarnings(income, referrals float64) EarningsSplit {
	total := math.Max(0, income)
	ref := math.Min(math.Max(0, referrals), total)
	return EarningsSplit{
		Referrals: ref,
		Tasks:     total - ref,
		Total:     total,
	}
}

// Initials はユーザー名の先頭1文字を大文字で返す。空の場合は"U"を返す。
func Initials(username string) string {
	username = strings.TrimSpace(username)
	if username == "" {
		return "U"
	}
	r, _ := utf8.DecodeRuneInString(username)
	return string(unicode.ToUpper(r))
}

// ReferralLink は紹介リンクを生成する。
// ユーザー名は小文字化し、空白の連続はハイフン1つに置き換える。
func ReferralLink(base, username string) string {
	slug := strings.Join(strings.Fields(strings.ToLower(username)), "-")
	return base + slug
}
