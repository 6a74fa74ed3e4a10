// Package model はドメインモデルを定義する。
package model

import "time"

// Tier はユーザーの加入プランを表す。
type Tier string

const (
	// TierFree は無料プラン。
	TierFree Tier = "free"
	// TierPlus は有料プラン（Plus）。
	TierPlus Tier = "plus"
	// TierPro は有料プラン（Pro）。
	TierPro Tier = "pro"
)

// Counters はユーザーごとの期間別リソース消費カウンター。
// 文字列キーのmapではなく型付きフィールドで保持し、キーのタイポによる
// 読み落としを防ぐ。欠損値は0として扱う。
type Counters struct {
	MessagesToday     int
	AnonymousThisWeek int
	GroupsCreated     int
}

// Settings はユーザー設定を表す。
type Settings struct {
	Theme              string
	SmartNotifications bool
	OnboardingComplete bool
}

// Profile はサービス利用ユーザーのプロフィールを表す。
// Versionは楽観的排他制御用のバージョン番号で、更新のたびに
// リポジトリ側でインクリメントされる。
type Profile struct {
	ID                  string
	Username            string
	Email               string
	Tier                Tier
	Counters            Counters
	Settings            Settings
	Version             int64
	CreatedAt           time.Time
	LastSeenAt          time.Time
	UpdatedAt           time.Time
	DeletionRequestedAt *time.Time
}

// Identity は外部IdPが発行した認証済みアイデンティティを表す。
// 認証成功時に外部プロバイダーが生成し、セッションの生存期間中は不変。
type Identity struct {
	SubjectID string
	Email     string
	Phone     string
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// NotificationPriority は通知の優先度を表す。
type NotificationPriority string

const (
	// PriorityNormal は通常優先度。スマート通知のタイミング調整対象。
	PriorityNormal NotificationPriority = "normal"
	// PriorityHigh は高優先度。ユーザー設定に関わらず即時配信される。
	PriorityHigh NotificationPriority = "high"
)

// NotificationJob は1件の通知リクエストを表す。
// スケジューラが配信可否と配信時刻を決定した後は保持されない。
type NotificationJob struct {
	Title       string
	Body        string
	Payload     map[string]string
	Priority    NotificationPriority
	RequestedAt time.Time
}
