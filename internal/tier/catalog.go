// Package tier はプランごとのクォータと機能制限の定義を提供する。
//
// 制限値はこのパッケージの単一テーブルに集約されており、
// 呼び出し側でswitch文を複製してはならない。
package tier

import (
	"strings"

	"github.com/hitoshi/chatcore/internal/model"
)

// Unlimited は無制限を表す番兵値。WeeklyAnonymousLimitでのみ使用する。
const Unlimited = -1

// Limits はプランごとのクォータ制限を表すイミュータブルなレコード。
type Limits struct {
	// DailyMessageLimit は1日あたりのメッセージ送信上限。
	DailyMessageLimit int
	// WeeklyAnonymousLimit は1週間あたりの匿名投稿上限。Unlimited(-1)で無制限。
	WeeklyAnonymousLimit int
	// AnonymousMaxChars は匿名投稿1件あたりの最大文字数。
	AnonymousMaxChars int
	// MaxGroups は作成できるグループ数の上限。
	MaxGroups int
	// SmartNotificationsEnabledByDefault はスマート通知のデフォルト設定。
	SmartNotificationsEnabledByDefault bool
}

// catalog はプランごとの制限テーブル。
var catalog = map[model.Tier]Limits{
	model.TierFree: {
		DailyMessageLimit:                  50,
		WeeklyAnonymousLimit:               3,
		AnonymousMaxChars:                  280,
		MaxGroups:                          2,
		SmartNotificationsEnabledByDefault: false,
	},
	model.TierPlus: {
		DailyMessageLimit:                  500,
		WeeklyAnonymousLimit:               20,
		AnonymousMaxChars:                  1000,
		MaxGroups:                          10,
		SmartNotificationsEnabledByDefault: true,
	},
	model.TierPro: {
		DailyMessageLimit:                  5000,
		WeeklyAnonymousLimit:               Unlimited,
		AnonymousMaxChars:                  4000,
		MaxGroups:                          50,
		SmartNotificationsEnabledByDefault: true,
	},
}

// Normalize はプラン文字列を正規化する。
// 大文字小文字を区別せず、未知の値はfreeに正規化する。
func Normalize(t model.Tier) model.Tier {
	switch model.Tier(strings.ToLower(string(t))) {
	case model.TierPlus:
		return model.TierPlus
	case model.TierPro:
		return model.TierPro
	default:
		return model.TierFree
	}
}

// LimitsFor は指定プランの制限を返す。
// 閉じたプラン集合に対する全域関数であり、エラーを返さない。
// 未知のプラン文字列はfreeの制限にフォールバックする。
func LimitsFor(t model.Tier) Limits {
	return catalog[Normalize(t)]
}
