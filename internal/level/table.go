// Package level はレベル表（投資額の閾値、1日のタスク数、タスク単価）を扱う。
package level

import (
	"fmt"
	"sort"

	"github.com/hitoshi/taskagency/internal/model"
)

// Table はレベル昇順に並んだ検証済みのレベル表。
// levelは重複せず、investmentはlevelの昇順に対して単調非減少である。
type Table struct {
	levels []model.LevelConfig
}

// NewTable はレベル表を検証してTableを生成する。入力の順序は問わない。
func NewTable(levels []model.LevelConfig) (Table, error) {
	if len(levels) == 0 {
		return Table{}, fmt.Errorf("レベル表が空です")
	}

	sorted := make([]model.LevelConfig, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })

	for i, lc := range sorted {
		if lc.TasksPerDay < 0 || lc.PayPerTask < 0 || lc.Investment < 0 {
			return Table{}, fmt.Errorf("レベル%dに負の値が含まれています", lc.Level)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if lc.Level == prev.Level {
			return Table{}, fmt.Errorf("レベル%dが重複しています", lc.Level)
		}
		if lc.Investment < prev.Investment {
			return Table{}, fmt.Errorf("レベル%dの投資額（%.0f）がレベル%dの投資額（%.0f）を下回っています",
				lc.Level, lc.Investment, prev.Level, prev.Investment)
		}
	}
	return Table{levels: sorted}, nil
}

// MustTable はNewTableと同じだが、検証エラーの場合はpanicする。
func MustTable(levels []model.LevelConfig) Table {
	t, err := NewTable(levels)
	if err != nil {
		panic(err)
	}
	return t
}

// Levels はレベル表のコピーを返す。
func (t Table) Levels() []model.LevelConfig {
	out := make([]model.LevelConfig, len(t.levels))
	copy(out, t.levels)
	return out
}

// Len はレベル数を返す。
func (t Table) Len() int {
	return len(t.levels)
}

// Lookup は指定レベルの設定を返す。
func (t Table) Lookup(level int) (model.LevelConfig, bool) {
	i := sort.Search(len(t.levels), func(i int) bool { return t.levels[i].Level >= level })
	if i < len(t.levels) && t.levels[i].Level == level {
		return t.levels[i], true
	}
	return model.LevelConfig{}, false
}

// Next は指定レベルより大きい最小のレベルを返す。最大レベル以上の場合はfalseを返す。
func (t Table) Next(level int) (model.LevelConfig, bool) {
	i := sort.Search(len(t.levels), func(i int) bool { return t.levels[i].Level > level })
	if i < len(t.levels) {
		return t.levels[i], true
	}
	return model.LevelConfig{}, false
}

// Above は指定レベルより上のレベルを昇順で返す（アップグレード候補）。
func (t Table) Above(level int) []model.LevelConfig {
	i := sort.Search(len(t.levels), func(i int) bool { return t.levels[i].Level > level })
	out := make([]model.LevelConfig, len(t.levels)-i)
	copy(out, t.levels[i:])
	return out
}

// DailyEarnings は指定レベルの1日あたりの最大収益を返す。
func (t Table) DailyEarnings(level int) (float64, bool) {
	lc, ok := t.Lookup(level)
	if !ok {
		return 0, false
	}
	return DailyEarnings(lc), true
}

// DailyEarnings は1日のタスク数とタスク単価から1日あたりの最大収益を計算する。
func DailyEarnings(lc model.LevelConfig) float64 {
	return float64(lc.TasksPerDay) * lc.PayPerTask
}
