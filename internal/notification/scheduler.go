// Package notification は通知のスマートタイミング判定と配信キューを提供する。
//
// 判定（Decide）は状態を持たない純粋な関数で、配信キュー（Queue）が
// 遅延配信のタイマー管理と実際のディスパッチを担う。
package notification

import (
	"time"

	"github.com/hitoshi/chatcore/internal/model"
	"github.com/hitoshi/chatcore/internal/tier"
)

// DeliveryKind は配信判定の種別を表す。
type DeliveryKind string

const (
	// DeliveryImmediate は即時配信。
	DeliveryImmediate DeliveryKind = "immediate"
	// DeliveryDeferred は指定時刻への遅延配信。
	DeliveryDeferred DeliveryKind = "deferred"
	// DeliverySuppressed は配信の抑制。
	DeliverySuppressed DeliveryKind = "suppressed"
)

// Delivery は1件の通知に対する配信判定の結果を表す。
type Delivery struct {
	Kind DeliveryKind
	At   time.Time // Kind == DeliveryDeferred の場合の配信予定時刻
}

const (
	// nightStartHour以降とnightEndHour未満は夜間ウィンドウ。
	nightStartHour = 22
	nightEndHour   = 6
	// morningHour は夜間ウィンドウの通知を繰り延べる配信時刻。
	morningHour = 9

	// lowBatteryThreshold を下回るバッテリー残量では配信をまとめて遅延する。
	lowBatteryThreshold = 0.20
	// lowBatteryDelay は低バッテリー時の遅延幅。ウェイクアップ回数を減らすため
	// 30分単位でバッチングする。
	lowBatteryDelay = 30 * time.Minute

	// collapseWindow より近い将来への遅延は即時配信に繰り上げる。
	collapseWindow = time.Minute
)

// inNightWindow は時刻が夜間ウィンドウ（22:00〜翌05:59）内かを返す。
func inNightWindow(t time.Time) bool {
	h := t.Hour()
	return h >= nightStartHour || h < nightEndHour
}

// nextMorning はnow以降で最も近い09:00（ローカル時刻）を返す。
func nextMorning(now time.Time) time.Time {
	morning := time.Date(now.Year(), now.Month(), now.Day(), morningHour, 0, 0, 0, now.Location())
	if !morning.After(now) {
		morning = morning.AddDate(0, 0, 1)
	}
	return morning
}

// Decide は1件の通知リクエストに対する配信判定を行う。
//
// 判定規則（優先順位順）:
//  1. スマート通知が無効の場合、高優先度を除きSuppressed。
//     高優先度は設定に関わらず常にImmediate。
//  2. 高優先度は常にImmediate。
//  3. 夜間ウィンドウ（22時台〜5時台）は次の09:00ローカル時刻へ遅延。
//  4. バッテリー残量が20%未満なら30分後へ遅延（バッチング）。
//  5. それ以外はImmediate。
//
// いずれの場合も、算出した遅延先が1分未満の将来なら即時配信に繰り上げる。
// 判定は決して失敗しない（スケジューリングはエラーではなく劣化で応答する）。
func Decide(job model.NotificationJob, now time.Time, batteryLevel float64, smartEnabled bool) Delivery {
	if job.Priority == model.PriorityHigh {
		return Delivery{Kind: DeliveryImmediate}
	}
	if !smartEnabled {
		return Delivery{Kind: DeliverySuppressed}
	}

	var at time.Time
	switch {
	case inNightWindow(now):
		at = nextMorning(now)
	case batteryLevel < lowBatteryThreshold:
		at = now.Add(lowBatteryDelay)
	default:
		return Delivery{Kind: DeliveryImmediate}
	}

	if at.Sub(now) < collapseWindow {
		return Delivery{Kind: DeliveryImmediate}
	}
	return Delivery{Kind: DeliveryDeferred, At: at}
}

// DefaultSmartEnabled はプランごとのスマート通知のデフォルト設定を返す。
// freeは無効、plus/proは有効。これはデフォルト値であり、ユーザーによる
// 上書きは外部の設定ストアが永続化する。
func DefaultSmartEnabled(t model.Tier) bool {
	return tier.LimitsFor(t).SmartNotificationsEnabledByDefault
}
