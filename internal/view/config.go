// Package view は画面ごとの状態機械（loading → ready | authRequired | error、
// ready → editing → saving）と、BFFセッションごとのワークスペースを提供する。
// 画面の違いはPageConfigで表現し、状態遷移は全画面で共通とする。
package view

// PageName は画面名。
type PageName string

const (
	PageHome      PageName = "home"
	PageDashboard PageName = "dashboard"
	PageAccount   PageName = "account"
	PageProfit    PageName = "profit"
)

// Section は画面に含める集計値の区分。
type Section string

const (
	SectionStats       Section = "stats"       // レベル・進捗・タスク・収益内訳
	SectionReferral    Section = "referral"    // 紹介リンク
	SectionWithdrawals Section = "withdrawals" // 出金履歴
	SectionLevels      Section = "levels"      // レベル表と日次収益
)

// PageConfig は画面ごとの構成。
type PageConfig struct {
	Name           PageName
	Sections       []Section
	Editable       bool // プロフィール編集フォームを持つ
	WithdrawalForm bool // 出金申請フォームを持つ
}

// Has は指定区分を含むかどうかを返す。
func (c PageConfig) Has(s Section) bool {
	for _, sec := range c.Sections {
		if sec == s {
			return true
		}
	}
	return false
}

var pageConfigs = map[PageName]PageConfig{
	PageHome: {
		Name:     PageHome,
		Sections: []Section{SectionStats, SectionReferral, SectionLevels},
	},
	PageDashboard: {
		Name:     PageDashboard,
		Sections: []Section{SectionStats, SectionReferral, SectionWithdrawals, SectionLevels},
	},
	PageAccount: {
		Name:     PageAccount,
		Sections: []Section{SectionStats},
		Editable: true,
	},
	PageProfit: {
		Name:           PageProfit,
		Sections:       []Section{SectionStats, SectionWithdrawals},
		WithdrawalForm: true,
	},
}

// LookupPage は画面名から構成を返す。
func LookupPage(name string) (PageConfig, bool) {
	cfg, ok := pageConfigs[PageName(name)]
	return cfg, ok
}

// PageNames は定義済みの画面名を返す。
func PageNames() []PageName {
	return []PageName{PageHome, PageDashboard, PageAccount, PageProfit}
}
