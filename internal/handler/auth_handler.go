// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/chatcore/internal/auth"
	"github.com/hitoshi/chatcore/internal/metrics"
	"github.com/hitoshi/chatcore/internal/model"
)

const (
	sessionCookieName      = "session_id"
	verificationCookieName = "phone_verification"

	// verificationTTL は電話番号認証の途中状態の保持期間。
	verificationTTL = 10 * time.Minute
)

// AuthSessionInterface は認証ハンドラーが必要とするセッション状態機械のインターフェース。
type AuthSessionInterface interface {
	Initialize(ctx context.Context, sessionID string)
	SignInWithCredential(ctx context.Context, cred auth.Credential) *model.APIError
	SignUpWithCredential(ctx context.Context, cred auth.Credential, username string) *model.APIError
	StartPhoneVerification(ctx context.Context, phoneNumber string) *model.APIError
	VerifyOTP(ctx context.Context, code string) *model.APIError
	SignOut(ctx context.Context)
	Profile() *model.Profile
	Marker() *model.Session
	IsUsernameAvailable(ctx context.Context, name string) (bool, error)
}

// SessionFactory はリクエストごとに新しい認証セッションを生成する。
type SessionFactory func() AuthSessionInterface

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// pendingVerification は電話番号認証の途中状態。
// StartPhoneVerificationを実行したセッションが検証ハンドルを保持しているため、
// VerifyOTPまで同じセッションを保持する必要がある。
type pendingVerification struct {
	session   AuthSessionInterface
	expiresAt time.Time
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	sessions  SessionFactory
	config    AuthHandlerConfig
	collector metrics.MetricsCollector

	mu      sync.Mutex
	pending map[string]pendingVerification
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(sessions SessionFactory, config AuthHandlerConfig, collector metrics.MetricsCollector) *AuthHandler {
	return &AuthHandler{
		sessions:  sessions,
		config:    config,
		collector: collector,
		pending:   make(map[string]pendingVerification),
	}
}

// signInRequest はサインインリクエストのボディ。
type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// signUpRequest はサインアップリクエストのボディ。
// Usernameが空の場合は一時ユーザー名が自動生成される。
type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// phoneStartRequest は電話番号認証開始リクエストのボディ。
type phoneStartRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// phoneVerifyRequest はOTP検証リクエストのボディ。
type phoneVerifyRequest struct {
	Code string `json:"code"`
}

// SignIn はメール/パスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	session := h.sessions()
	if apiErr := session.SignInWithCredential(r.Context(), auth.Credential{
		Email:    req.Email,
		Password: req.Password,
	}); apiErr != nil {
		h.collector.RecordSignIn("failure")
		handleServiceError(w, apiErr)
		return
	}

	h.collector.RecordSignIn("success")
	h.completeAuth(w, session, http.StatusOK)
}

// SignUp は新規アカウントを作成してサインインする。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	session := h.sessions()
	if apiErr := session.SignUpWithCredential(r.Context(), auth.Credential{
		Email:    req.Email,
		Password: req.Password,
	}, req.Username); apiErr != nil {
		h.collector.RecordSignIn("failure")
		handleServiceError(w, apiErr)
		return
	}

	h.collector.RecordSignIn("success")
	h.completeAuth(w, session, http.StatusCreated)
}

// PhoneStart は電話番号認証を開始する。
// POST /auth/phone/start
//
// 検証ハンドルを保持したセッションを検証トークンに紐付けて保持し、
// トークンを短命Cookieとしてクライアントに渡す。
func (h *AuthHandler) PhoneStart(w http.ResponseWriter, r *http.Request) {
	var req phoneStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}
	if req.PhoneNumber == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "電話番号が空です。",
			Category: "validation",
			Action:   "電話番号を指定してください。",
		})
		return
	}

	session := h.sessions()
	if apiErr := session.StartPhoneVerification(r.Context(), req.PhoneNumber); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	token, err := generateToken()
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.storePending(token, session)

	http.SetCookie(w, &http.Cookie{
		Name:     verificationCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(verificationTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "code_sent"})
}

// PhoneVerify はOTPコードで電話番号認証を完了し、サインインする。
// POST /auth/phone/verify
func (h *AuthHandler) PhoneVerify(w http.ResponseWriter, r *http.Request) {
	var req phoneVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	cookie, err := r.Cookie(verificationCookieName)
	if err != nil || cookie.Value == "" {
		handleServiceError(w, model.NewVerificationExpiredError())
		return
	}

	session, ok := h.takePending(cookie.Value)
	if !ok {
		handleServiceError(w, model.NewVerificationExpiredError())
		return
	}

	if apiErr := session.VerifyOTP(r.Context(), req.Code); apiErr != nil {
		h.collector.RecordSignIn("failure")
		handleServiceError(w, apiErr)
		return
	}

	// 検証Cookieは1回限り
	h.clearCookie(w, verificationCookieName)

	h.collector.RecordSignIn("success")
	h.completeAuth(w, session, http.StatusOK)
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		session := h.sessions()
		session.Initialize(r.Context(), cookie.Value)
		// SignOutは常に成功する（永続化エラーはログに記録される）
		session.SignOut(r.Context())
	}

	// サインアウトの成否に関わらずCookieはクリアする
	h.clearCookie(w, sessionCookieName)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザーのプロフィールを返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		writeUnauthorized(w)
		return
	}

	session := h.sessions()
	session.Initialize(r.Context(), cookie.Value)

	profile := session.Profile()
	if profile == nil {
		writeUnauthorized(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toProfileResponse(profile))
}

// UsernameAvailable はユーザー名が使用可能かを返す。
// GET /api/username/available?name=xxx
func (h *AuthHandler) UsernameAvailable(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "ユーザー名が空です。",
			Category: "validation",
			Action:   "nameパラメータを指定してください。",
		})
		return
	}

	available, err := h.sessions().IsUsernameAvailable(r.Context(), name)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":      name,
		"available": available,
	})
}

// --- 内部ヘルパー ---

// completeAuth はサインイン成功後のセッションCookie設定とレスポンス書き込みを行う。
func (h *AuthHandler) completeAuth(w http.ResponseWriter, session AuthSessionInterface, statusCode int) {
	marker := session.Marker()
	if marker != nil {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    marker.ID,
			Path:     "/",
			Domain:   h.config.CookieDomain,
			MaxAge:   h.config.SessionMaxAge,
			HttpOnly: true,
			Secure:   h.config.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(toProfileResponse(session.Profile()))
}

// storePending は検証途中のセッションをトークンに紐付けて保持する。
// 期限切れのエントリはこのタイミングで掃除する。
func (h *AuthHandler) storePending(token string, session AuthSessionInterface) {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	for key, p := range h.pending {
		if now.After(p.expiresAt) {
			delete(h.pending, key)
		}
	}

	h.pending[token] = pendingVerification{
		session:   session,
		expiresAt: now.Add(verificationTTL),
	}
}

// takePending はトークンに紐付いたセッションを取り出す。取り出しは1回限り。
func (h *AuthHandler) takePending(token string) (AuthSessionInterface, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.pending[token]
	if !ok {
		return nil, false
	}
	delete(h.pending, token)

	if time.Now().After(p.expiresAt) {
		return nil, false
	}
	return p.session, true
}

// clearCookie は指定した名前のCookieを削除する。
func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateToken は暗号的に安全なランダムトークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
