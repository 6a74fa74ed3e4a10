package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/chatcore/internal/model"
)

const defaultProviderTimeout = 10 * time.Second

// HTTPProviderConfig はHTTPIdentityProviderの設定。
type HTTPProviderConfig struct {
	// Endpoint は外部IdPのベースURL。
	Endpoint string
	// APIKey はIdPへのリクエストに付与するAPIキー。
	APIKey string

	// テスト用にオーバーライド可能なHTTPクライアント
	Client *http.Client
}

// HTTPIdentityProvider は外部IdPのREST APIを呼び出すIdentityProvider実装。
type HTTPIdentityProvider struct {
	config HTTPProviderConfig
	client *http.Client
}

// NewHTTPIdentityProvider はHTTPIdentityProviderを生成する。
func NewHTTPIdentityProvider(config HTTPProviderConfig) *HTTPIdentityProvider {
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: defaultProviderTimeout}
	}
	return &HTTPIdentityProvider{config: config, client: client}
}

// identityResponse はIdPが認証成功時に返すレスポンス。
type identityResponse struct {
	SubjectID string `json:"subject_id"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// providerErrorResponse はIdPがエラー時に返すレスポンス。
type providerErrorResponse struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

// verificationResponse はStartVerificationのレスポンス。
type verificationResponse struct {
	VerificationID string `json:"verification_id"`
}

// Authenticate は認証情報でサインインし、認証済みIdentityを返す。
func (p *HTTPIdentityProvider) Authenticate(ctx context.Context, cred Credential) (*model.Identity, error) {
	body := map[string]string{
		"email":    cred.Email,
		"password": cred.Password,
	}

	var resp identityResponse
	if err := p.post(ctx, "/v1/accounts:signIn", body, &resp); err != nil {
		return nil, err
	}
	if resp.SubjectID == "" {
		return nil, fmt.Errorf("empty subject_id in sign-in response")
	}

	return &model.Identity{SubjectID: resp.SubjectID, Email: resp.Email, Phone: resp.Phone}, nil
}

// Register は新規アカウントを作成し、認証済みIdentityを返す。
func (p *HTTPIdentityProvider) Register(ctx context.Context, cred Credential) (*model.Identity, error) {
	body := map[string]string{
		"email":    cred.Email,
		"password": cred.Password,
	}

	var resp identityResponse
	if err := p.post(ctx, "/v1/accounts:signUp", body, &resp); err != nil {
		return nil, err
	}
	if resp.SubjectID == "" {
		return nil, fmt.Errorf("empty subject_id in sign-up response")
	}

	return &model.Identity{SubjectID: resp.SubjectID, Email: resp.Email, Phone: resp.Phone}, nil
}

// StartVerification は電話番号認証を開始し、検証ハンドルを返す。
func (p *HTTPIdentityProvider) StartVerification(ctx context.Context, phoneNumber string) (VerificationHandle, error) {
	body := map[string]string{"phone_number": phoneNumber}

	var resp verificationResponse
	if err := p.post(ctx, "/v1/accounts:sendVerificationCode", body, &resp); err != nil {
		return "", err
	}
	if resp.VerificationID == "" {
		return "", fmt.Errorf("empty verification_id in response")
	}

	return VerificationHandle(resp.VerificationID), nil
}

// ConfirmVerification は検証ハンドルとOTPコードで認証を完了する。
func (p *HTTPIdentityProvider) ConfirmVerification(ctx context.Context, handle VerificationHandle, code string) (*model.Identity, error) {
	body := map[string]string{
		"verification_id": string(handle),
		"code":            code,
	}

	var resp identityResponse
	if err := p.post(ctx, "/v1/accounts:verifyCode", body, &resp); err != nil {
		return nil, err
	}
	if resp.SubjectID == "" {
		return nil, fmt.Errorf("empty subject_id in verification response")
	}

	return &model.Identity{SubjectID: resp.SubjectID, Email: resp.Email, Phone: resp.Phone}, nil
}

// SignOutIdentity はIdP側のセッションを破棄する。
func (p *HTTPIdentityProvider) SignOutIdentity(ctx context.Context, subjectID string) error {
	body := map[string]string{"subject_id": subjectID}
	return p.post(ctx, "/v1/accounts:signOut", body, nil)
}

// post はIdPのエンドポイントにJSONをPOSTし、レスポンスをoutにデコードする。
// IdPがエラーコードを返した場合は*ProviderErrorを返す。
func (p *HTTPIdentityProvider) post(ctx context.Context, path string, reqBody any, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp providerErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Code != "" {
			return &ProviderError{Code: errResp.Error.Code}
		}
		return fmt.Errorf("identity provider returned status %d: %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// compile-time interface check
var _ IdentityProvider = (*HTTPIdentityProvider)(nil)
