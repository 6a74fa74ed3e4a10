// Package quota はプラン制限に対するリソース消費の評価と記録を提供する。
//
// 全ての評価関数は副作用を持たず、全ての記録関数は更新後のProfileを
// 値として返す。永続化の順序は呼び出し側が制御し、楽観的排他制御
// （Profile.Versionに対するcompare-and-swap）で同一アカウントの
// 複数端末からの同時送信による加算の取りこぼしを防ぐ。
package quota

import (
	"github.com/hitoshi/chatcore/internal/model"
	"github.com/hitoshi/chatcore/internal/tier"
)

// clampNonNegative は負のカウンター値を0として扱う。
// 永続層の異常値や未初期化値に対する防御。
func clampNonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// CanSendMessage は本日のメッセージ送信が可能かを返す。
// 上限ちょうどに達している場合は送信不可。
func CanSendMessage(p model.Profile) bool {
	limits := tier.LimitsFor(p.Tier)
	return clampNonNegative(p.Counters.MessagesToday) < limits.DailyMessageLimit
}

// RecordMessageSent は本日のメッセージ送信数をインクリメントした
// 新しいProfileを返す。永続化は呼び出し側の責務。
func RecordMessageSent(p model.Profile) model.Profile {
	p.Counters.MessagesToday = clampNonNegative(p.Counters.MessagesToday) + 1
	return p
}

// ResetDailyCounters は日次カウンターをゼロにした新しいProfileを返す。
// 冪等: 2回適用しても1回と同じ結果になる。
// 日付境界（深夜0時）の検出と起動は外部のスケジューラの責務。
func ResetDailyCounters(p model.Profile) model.Profile {
	p.Counters.MessagesToday = 0
	return p
}

// ResetWeeklyCounters は週次カウンターをゼロにした新しいProfileを返す。冪等。
func ResetWeeklyCounters(p model.Profile) model.Profile {
	p.Counters.AnonymousThisWeek = 0
	return p
}

// CanPostAnonymous は匿名投稿が可能かを評価する。
// 投稿不可の場合は理由を*model.APIErrorとして返す。可能な場合はnil。
// WeeklyAnonymousLimitがUnlimited(-1)の場合は件数比較を行わないが、
// 文字数制限は引き続き適用される。
func CanPostAnonymous(p model.Profile, charCount int) *model.APIError {
	limits := tier.LimitsFor(p.Tier)

	if limits.WeeklyAnonymousLimit != tier.Unlimited &&
		clampNonNegative(p.Counters.AnonymousThisWeek) >= limits.WeeklyAnonymousLimit {
		return model.NewWeeklyLimitExceededError(limits.WeeklyAnonymousLimit)
	}

	if charCount > limits.AnonymousMaxChars {
		return model.NewCharLimitExceededError(limits.AnonymousMaxChars)
	}

	return nil
}

// RecordAnonymousPost は今週の匿名投稿数をインクリメントした
// 新しいProfileを返す。
func RecordAnonymousPost(p model.Profile) model.Profile {
	p.Counters.AnonymousThisWeek = clampNonNegative(p.Counters.AnonymousThisWeek) + 1
	return p
}

// CanCreateGroup はグループ作成が可能かを返す。
// MaxGroupsが0のプランではカウンター値に関わらず常にfalse。
func CanCreateGroup(p model.Profile) bool {
	limits := tier.LimitsFor(p.Tier)
	return clampNonNegative(p.Counters.GroupsCreated) < limits.MaxGroups
}

// RecordGroupCreated はグループ作成数をインクリメントした新しいProfileを返す。
func RecordGroupCreated(p model.Profile) model.Profile {
	p.Counters.GroupsCreated = clampNonNegative(p.Counters.GroupsCreated) + 1
	return p
}
