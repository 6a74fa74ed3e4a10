// Package auth は認証セッションの状態機械とプロフィールのブートストラップを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/chatcore/internal/model"
)

// Credential は外部IdPに渡す認証情報を表す。
// メール/パスワード認証ではEmailとPasswordを使用する。
type Credential struct {
	Email    string
	Password string
}

// VerificationHandle は電話番号認証の途中状態を表す不透明なハンドル。
// StartVerificationで取得し、ConfirmVerificationに渡す。
type VerificationHandle string

// ProviderError は外部IdPが返す生のエラーを表す。
// このエラーコードはauthパッケージの境界でmodel.APIErrorの閉じた集合に
// マッピングされ、そのまま外部に漏れることはない。
type ProviderError struct {
	Code string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: %s", e.Code)
}

// 外部IdPのエラーコード。マッピング対象の既知の値のみを列挙する。
const (
	providerCodeInvalidCredential   = "invalid-credential"
	providerCodeUserNotFound        = "user-not-found"
	providerCodeWrongPassword       = "wrong-password"
	providerCodeUserDisabled        = "user-disabled"
	providerCodeEmailInUse          = "email-already-in-use"
	providerCodePhoneInUse          = "phone-already-in-use"
	providerCodeWeakPassword        = "weak-password"
	providerCodeTooManyRequests     = "too-many-requests"
	providerCodeSessionExpired      = "session-expired"
	providerCodeCodeExpired         = "code-expired"
	providerCodeInvalidCode         = "invalid-verification-code"
	providerCodeOperationNotAllowed = "operation-not-allowed"
)

// IdentityProvider は外部IdPとのネットワーク境界を表すインターフェース。
// 実装はネットワーク呼び出しを行うため、全メソッドがcontextを受け取る。
type IdentityProvider interface {
	// Authenticate は認証情報でサインインし、認証済みIdentityを返す。
	Authenticate(ctx context.Context, cred Credential) (*model.Identity, error)

	// Register は新規アカウントを作成し、認証済みIdentityを返す。
	Register(ctx context.Context, cred Credential) (*model.Identity, error)

	// StartVerification は電話番号認証を開始し、検証ハンドルを返す。
	StartVerification(ctx context.Context, phoneNumber string) (VerificationHandle, error)

	// ConfirmVerification は検証ハンドルとOTPコードで認証を完了する。
	ConfirmVerification(ctx context.Context, handle VerificationHandle, code string) (*model.Identity, error)

	// SignOutIdentity はIdP側のセッションを破棄する。
	SignOutIdentity(ctx context.Context, subjectID string) error
}

// mapProviderError は外部IdPの生のエラーを閉じたAPIError集合にマッピングする。
// ラップされたProviderErrorも展開してマッピングする。未知のコードと
// ProviderError以外のエラー（ネットワーク障害等）はAUTH_UNKNOWNになる。
func mapProviderError(err error) *model.APIError {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return model.NewAuthUnknownError()
	}

	switch pe.Code {
	case providerCodeInvalidCredential, providerCodeUserNotFound, providerCodeWrongPassword, providerCodeInvalidCode:
		return model.NewInvalidCredentialError()
	case providerCodeUserDisabled:
		return model.NewAccountDisabledError()
	case providerCodeEmailInUse:
		return model.NewAlreadyInUseError("メールアドレス")
	case providerCodePhoneInUse:
		return model.NewAlreadyInUseError("電話番号")
	case providerCodeWeakPassword:
		return model.NewWeakCredentialError()
	case providerCodeTooManyRequests:
		return model.NewRateLimitedError()
	case providerCodeSessionExpired, providerCodeCodeExpired:
		return model.NewVerificationExpiredError()
	case providerCodeOperationNotAllowed:
		return model.NewOperationNotPermittedError()
	default:
		return model.NewAuthUnknownError()
	}
}
