// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, quota, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 認証エラーコード。外部IdPの生のエラーコードはこの閉じた集合に
// マッピングした上で呼び出し側に公開する。
const (
	ErrCodeInvalidCredential     = "INVALID_CREDENTIAL"
	ErrCodeAccountDisabled       = "ACCOUNT_DISABLED"
	ErrCodeAlreadyInUse          = "ALREADY_IN_USE"
	ErrCodeWeakCredential        = "WEAK_CREDENTIAL"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeVerificationExpired   = "VERIFICATION_EXPIRED"
	ErrCodeOperationNotPermitted = "OPERATION_NOT_PERMITTED"
	ErrCodeAuthUnknown           = "AUTH_UNKNOWN"
)

// クォータエラーコード。
const (
	ErrCodeWeeklyLimitExceeded = "WEEKLY_LIMIT_EXCEEDED"
	ErrCodeCharLimitExceeded   = "CHAR_LIMIT_EXCEEDED"
	ErrCodeDailyLimitExceeded  = "DAILY_LIMIT_EXCEEDED"
	ErrCodeGroupLimitExceeded  = "GROUP_LIMIT_EXCEEDED"
)

// その他のエラーコード。
const (
	ErrCodeUserNotFound = "USER_NOT_FOUND"
)

// NewInvalidCredentialError は認証情報不正エラーを生成する。
func NewInvalidCredentialError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredential,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewAccountDisabledError はアカウント無効化エラーを生成する。
func NewAccountDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountDisabled,
		Message:  "このアカウントは無効化されています。",
		Category: "auth",
		Action:   "サポートにお問い合わせください。",
	}
}

// NewAlreadyInUseError は登録済みエラーを生成する。
// メールアドレス・電話番号・ユーザー名の重複に使用する。
func NewAlreadyInUseError(what string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyInUse,
		Message:  fmt.Sprintf("%s は既に使用されています。", what),
		Category: "auth",
		Action:   "別の値を指定するか、ログインをお試しください。",
	}
}

// NewWeakCredentialError は脆弱な認証情報エラーを生成する。
func NewWeakCredentialError() *APIError {
	return &APIError{
		Code:     ErrCodeWeakCredential,
		Message:  "パスワードが脆弱です。",
		Category: "auth",
		Action:   "8文字以上で英数字を組み合わせたパスワードを設定してください。",
	}
}

// NewRateLimitedError は認証試行回数超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "試行回数が多すぎます。",
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewVerificationExpiredError は認証コード期限切れエラーを生成する。
// 検証ハンドルが存在しない状態でのOTP検証にも使用する。
func NewVerificationExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeVerificationExpired,
		Message:  "認証コードの有効期限が切れています。",
		Category: "auth",
		Action:   "電話番号認証を最初からやり直してください。",
	}
}

// NewOperationNotPermittedError は許可されていない操作エラーを生成する。
func NewOperationNotPermittedError() *APIError {
	return &APIError{
		Code:     ErrCodeOperationNotPermitted,
		Message:  "この操作は許可されていません。",
		Category: "auth",
		Action:   "ログイン方法を確認してください。",
	}
}

// NewAuthUnknownError は分類不能な認証エラーを生成する。
// プロバイダーの未知のエラーコードやサインイン中の永続化失敗に使用する。
func NewAuthUnknownError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthUnknown,
		Message:  "認証処理に失敗しました。",
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewWeeklyLimitExceededError は匿名投稿の週次上限超過エラーを生成する。
func NewWeeklyLimitExceededError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeWeeklyLimitExceeded,
		Message:  fmt.Sprintf("匿名投稿の週間上限（%d件）に達しています。", limit),
		Category: "quota",
		Action:   "来週まで待つか、プランをアップグレードしてください。",
	}
}

// NewCharLimitExceededError は匿名投稿の文字数超過エラーを生成する。
func NewCharLimitExceededError(maxChars int) *APIError {
	return &APIError{
		Code:     ErrCodeCharLimitExceeded,
		Message:  fmt.Sprintf("匿名投稿は%d文字以内で入力してください。", maxChars),
		Category: "quota",
		Action:   "本文を短くするか、プランをアップグレードしてください。",
	}
}

// NewDailyLimitExceededError はメッセージ送信の日次上限超過エラーを生成する。
func NewDailyLimitExceededError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeDailyLimitExceeded,
		Message:  fmt.Sprintf("本日のメッセージ送信上限（%d件）に達しています。", limit),
		Category: "quota",
		Action:   "明日まで待つか、プランをアップグレードしてください。",
	}
}

// NewGroupLimitExceededError はグループ作成上限超過エラーを生成する。
func NewGroupLimitExceededError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeGroupLimitExceeded,
		Message:  fmt.Sprintf("作成できるグループ数の上限（%d件）に達しています。", limit),
		Category: "quota",
		Action:   "不要なグループを削除するか、プランをアップグレードしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
