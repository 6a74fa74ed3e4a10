// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/chatcore/internal/model"
)

// ErrVersionConflict は楽観的排他制御のバージョン不一致を表す。
// UpdateWithVersionの呼び出し側はプロフィールを再取得し、
// 変更を適用し直してリトライする。
var ErrVersionConflict = errors.New("profile version conflict")

// ProfileRepository はプロフィールデータの永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// UsernameExists は指定ユーザー名が既に使用されているかを返す。
	UsernameExists(ctx context.Context, username string) (bool, error)

	// Create はプロフィールを新規作成する。
	Create(ctx context.Context, profile *model.Profile) error

	// UpdateWithVersion はprofile.Versionが永続化済みの値と一致する場合のみ
	// 更新を適用し、バージョンをインクリメントする。
	// 不一致の場合はErrVersionConflictを返す。
	// 成功時は更新後のバージョンを持つプロフィールを返す。
	UpdateWithVersion(ctx context.Context, profile *model.Profile) (*model.Profile, error)

	// TouchLastSeen は最終アクセス日時のみを更新する。バージョンは変更しない。
	TouchLastSeen(ctx context.Context, id string, at time.Time) error

	// SetDeletionRequested は退会リクエスト日時を設定・解除する。
	// atがnilの場合はリクエストを取り消す。
	SetDeletionRequested(ctx context.Context, id string, at *time.Time) error

	// ListDeletionDue は退会リクエストから猶予期間が経過したプロフィールを返す。
	ListDeletionDue(ctx context.Context, before time.Time, limit int) ([]*model.Profile, error)

	// ListAll は全プロフィールをバッチで列挙する。カウンターリセットジョブ用。
	// afterIDより大きいIDのプロフィールをID昇順で最大limit件返す。
	ListAll(ctx context.Context, afterID string, limit int) ([]*model.Profile, error)

	// DeleteByID は指定IDのプロフィールを削除する。
	// 関連するpreferencesはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository はセッションマーカーの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// PreferenceRepository はユーザー設定（key/value）の永続化インターフェース。
// テーマ、通知有効フラグ、オンボーディング完了フラグ等の
// スキーマレスな設定値を保持する。
type PreferenceRepository interface {
	// Get は指定キーの設定値を取得する。未設定の場合は空文字列を返す。
	Get(ctx context.Context, userID, key string) (string, error)
	// Set は設定値を冪等にUPSERTする。
	Set(ctx context.Context, userID, key, value string) error
	// DeleteByUserID はユーザーの全設定を削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}
