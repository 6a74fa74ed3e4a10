package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chatcore/internal/model"
	"github.com/hitoshi/chatcore/internal/repository"
	"github.com/hitoshi/chatcore/internal/tier"
)

// State は認証セッションの状態を表す。
type State string

const (
	// StateUninitialized は初期化前の状態。プロセス起動直後のみ。
	StateUninitialized State = "uninitialized"
	// StateInitializing は既存セッションの復元中。プロセス起動時に1回だけ入る。
	StateInitializing State = "initializing"
	// StateAuthenticating はサインイン・サインアップ・OTP検証の実行中。
	StateAuthenticating State = "authenticating"
	// StateAuthenticated は認証済み。IdentityとProfileを保持する。
	StateAuthenticated State = "authenticated"
	// StateUnauthenticated は未認証。直近の失敗理由をlastErrorに保持する。
	StateUnauthenticated State = "unauthenticated"
)

// Config は認証セッションの設定。
type Config struct {
	SessionMaxAge int // セッションマーカーの有効期間（秒）
}

// Session は1クライアント分の認証セッション状態機械。
// 現在のIdentityとProfileを所有し、外部IdPへのネットワーク呼び出しと
// ProfileStoreへの永続化を委譲する。Session自体は永続化されない
// （Profileとセッションマーカーのみが永続化される）。
//
// ネットワーク呼び出しの途中で失敗した場合は直前の確定状態
// （UnauthenticatedまたはAuthenticated+旧Profile）にロールバックし、
// 未定義状態には決して陥らない。
type Session struct {
	mu sync.Mutex

	state        State
	identity     *model.Identity
	profile      *model.Profile
	marker       *model.Session
	lastError    *model.APIError
	verification VerificationHandle
	hasHandle    bool

	provider    IdentityProvider
	profileRepo repository.ProfileRepository
	sessionRepo repository.SessionRepository
	config      Config
}

// NewSession は未初期化状態のSessionを生成する。
func NewSession(
	provider IdentityProvider,
	profileRepo repository.ProfileRepository,
	sessionRepo repository.SessionRepository,
	config Config,
) *Session {
	return &Session{
		state:       StateUninitialized,
		provider:    provider,
		profileRepo: profileRepo,
		sessionRepo: sessionRepo,
		config:      config,
	}
}

// State は現在の状態を返す。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Profile は現在のプロフィールのコピーを返す。未認証の場合はnil。
func (s *Session) Profile() *model.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

// Identity は現在のIdentityを返す。未認証の場合はnil。
func (s *Session) Identity() *model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Marker は発行済みのセッションマーカーを返す。未認証の場合はnil。
func (s *Session) Marker() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marker
}

// LastError は直近の認証エラーを返す。
func (s *Session) LastError() *model.APIError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Initialize は既存セッションの復元を試みる。
// sessionIDが有効ならProfileを読み込んでAuthenticatedに遷移する。
// いかなる失敗もログに記録した上でUnauthenticatedにフォールバックし、
// エラーを返さない（起動を致命的に妨げない）。
// Uninitialized以外の状態から呼ばれた場合は何もしない。
func (s *Session) Initialize(ctx context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return
	}
	s.state = StateInitializing

	if sessionID == "" {
		s.state = StateUnauthenticated
		return
	}

	marker, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		slog.Warn("セッションの復元に失敗しました",
			slog.String("error", err.Error()),
		)
		s.state = StateUnauthenticated
		return
	}
	if marker == nil {
		s.state = StateUnauthenticated
		return
	}

	profile, err := s.profileRepo.FindByID(ctx, marker.UserID)
	if err != nil || profile == nil {
		if err != nil {
			slog.Warn("プロフィールの読み込みに失敗しました",
				slog.String("user_id", marker.UserID),
				slog.String("error", err.Error()),
			)
		}
		s.state = StateUnauthenticated
		return
	}

	s.identity = &model.Identity{SubjectID: profile.ID, Email: profile.Email}
	s.profile = profile
	s.marker = marker
	s.lastError = nil
	s.state = StateAuthenticated

	slog.Info("セッションを復元しました",
		slog.String("user_id", profile.ID),
	)
}

// SignInWithCredential は認証情報でサインインする。
// 失敗時はプロバイダーエラーを閉じたAPIError集合にマッピングして返し、
// 直前の確定状態に戻る。自動リトライは行わない。
func (s *Session) SignInWithCredential(ctx context.Context, cred Credential) *model.APIError {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snapshot()
	s.state = StateAuthenticating

	identity, err := s.provider.Authenticate(ctx, cred)
	if err != nil {
		return s.failAuth(prev, mapProviderError(err))
	}

	return s.completeSignIn(ctx, identity, "", prev)
}

// SignUpWithCredential は新規アカウントを作成してサインインする。
// usernameはプロフィールブートストラップ前に新規Identityに紐付けられる。
// 空のusernameは一時ユーザー名の自動生成にフォールバックする。
func (s *Session) SignUpWithCredential(ctx context.Context, cred Credential, username string) *model.APIError {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snapshot()
	s.state = StateAuthenticating

	if username != "" {
		exists, err := s.profileRepo.UsernameExists(ctx, username)
		if err != nil {
			slog.Error("ユーザー名の重複確認に失敗しました",
				slog.String("error", err.Error()),
			)
			return s.failAuth(prev, model.NewAuthUnknownError())
		}
		if exists {
			return s.failAuth(prev, model.NewAlreadyInUseError("ユーザー名"))
		}
	}

	identity, err := s.provider.Register(ctx, cred)
	if err != nil {
		return s.failAuth(prev, mapProviderError(err))
	}

	return s.completeSignIn(ctx, identity, username, prev)
}

// StartPhoneVerification は電話番号認証を開始し、検証ハンドルを保持する。
// 状態遷移は行わない（VerifyOTPの成功時にまとめて遷移する）。
func (s *Session) StartPhoneVerification(ctx context.Context, phoneNumber string) *model.APIError {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, err := s.provider.StartVerification(ctx, phoneNumber)
	if err != nil {
		apiErr := mapProviderError(err)
		s.lastError = apiErr
		return apiErr
	}

	s.verification = handle
	s.hasHandle = true
	return nil
}

// VerifyOTP はOTPコードで電話番号認証を完了し、サインインする。
// 検証ハンドルが存在しない場合はVERIFICATION_EXPIREDを返す。
func (s *Session) VerifyOTP(ctx context.Context, code string) *model.APIError {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snapshot()

	if !s.hasHandle {
		return s.failAuth(prev, model.NewVerificationExpiredError())
	}

	s.state = StateAuthenticating

	identity, err := s.provider.ConfirmVerification(ctx, s.verification, code)
	if err != nil {
		return s.failAuth(prev, mapProviderError(err))
	}

	// ハンドルは1回限り
	s.verification = ""
	s.hasHandle = false

	return s.completeSignIn(ctx, identity, "", prev)
}

// SignOut はIdentityとProfileをメモリから消去し、永続化済みの
// セッションマーカーを削除してUnauthenticatedに遷移する。
// 永続化エラーはログに記録するのみで呼び出し側には返さない（常に成功する）。
func (s *Session) SignOut(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.marker != nil {
		if err := s.sessionRepo.DeleteByID(ctx, s.marker.ID); err != nil {
			slog.Error("セッションマーカーの削除に失敗しました",
				slog.String("session_id", s.marker.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.identity != nil {
		if err := s.provider.SignOutIdentity(ctx, s.identity.SubjectID); err != nil {
			slog.Error("IdP側セッションの破棄に失敗しました",
				slog.String("error", err.Error()),
			)
		}
		slog.Info("サインアウトしました",
			slog.String("user_id", s.identity.SubjectID),
		)
	}

	s.identity = nil
	s.profile = nil
	s.marker = nil
	s.lastError = nil
	s.verification = ""
	s.hasHandle = false
	s.state = StateUnauthenticated
}

// UpdateProfile はプロフィールの更新を検証して永続化する。
// プラン値は閉じた集合に正規化される。プランの正当性（課金の検証）は
// 呼び出し側が事前に確認していることを前提とする。
// バージョン競合時はrepository.ErrVersionConflictを返す。
func (s *Session) UpdateProfile(ctx context.Context, profile model.Profile) (*model.Profile, error) {
	profile.Tier = tier.Normalize(profile.Tier)

	updated, err := s.profileRepo.UpdateWithVersion(ctx, &profile)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}

	s.mu.Lock()
	if s.state == StateAuthenticated && s.profile != nil && s.profile.ID == updated.ID {
		s.profile = updated
	}
	s.mu.Unlock()

	return updated, nil
}

// IsUsernameAvailable はユーザー名が使用可能かを返す。読み取り専用で
// 状態遷移を伴わない。
func (s *Session) IsUsernameAvailable(ctx context.Context, name string) (bool, error) {
	exists, err := s.profileRepo.UsernameExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("ユーザー名の確認に失敗しました: %w", err)
	}
	return !exists, nil
}

// --- 内部ヘルパー（呼び出し側でmuを保持していること） ---

// sessionSnapshot はロールバック用の確定状態のスナップショット。
type sessionSnapshot struct {
	state    State
	identity *model.Identity
	profile  *model.Profile
	marker   *model.Session
}

func (s *Session) snapshot() sessionSnapshot {
	return sessionSnapshot{
		state:    s.state,
		identity: s.identity,
		profile:  s.profile,
		marker:   s.marker,
	}
}

func (s *Session) restore(snap sessionSnapshot) {
	s.state = snap.state
	s.identity = snap.identity
	s.profile = snap.profile
	s.marker = snap.marker
}

// failAuth はエラーを記録して直前の確定状態に戻す。
// 失敗前がAuthenticatedだった場合は元のIdentityとProfileを保持したまま
// Authenticatedに復帰する。それ以外はポインタを全て消して
// Unauthenticatedに落とす（半端な状態を残さない）。
func (s *Session) failAuth(prev sessionSnapshot, apiErr *model.APIError) *model.APIError {
	s.lastError = apiErr
	if prev.state == StateAuthenticated {
		s.restore(prev)
		return apiErr
	}
	s.identity = nil
	s.profile = nil
	s.marker = nil
	s.state = StateUnauthenticated
	return apiErr
}

// completeSignIn は全てのサインイン経路で共有する成功時処理。
// Identity IDでProfileを読み込み、存在しない場合はデフォルトProfileを
// 合成して1回だけ永続化する。続けてセッションマーカーを永続化し、
// Authenticatedに遷移する。
// サインイン中の永続化失敗はAUTH_UNKNOWNとして返し、直前の状態に戻す。
func (s *Session) completeSignIn(ctx context.Context, identity *model.Identity, username string, prev sessionSnapshot) *model.APIError {
	profile, err := s.profileRepo.FindByID(ctx, identity.SubjectID)
	if err != nil {
		slog.Error("プロフィールの取得に失敗しました",
			slog.String("subject_id", identity.SubjectID),
			slog.String("error", err.Error()),
		)
		return s.failAuth(prev, model.NewAuthUnknownError())
	}

	if profile == nil {
		profile, err = s.bootstrapProfile(ctx, identity, username)
		if err != nil {
			slog.Error("プロフィールの作成に失敗しました",
				slog.String("subject_id", identity.SubjectID),
				slog.String("error", err.Error()),
			)
			return s.failAuth(prev, model.NewAuthUnknownError())
		}
		slog.Info("新規プロフィールを作成しました",
			slog.String("user_id", profile.ID),
			slog.String("username", profile.Username),
		)
	} else {
		// 最終アクセス日時の更新は非クリティカル。失敗してもサインインは続行する。
		if err := s.profileRepo.TouchLastSeen(ctx, profile.ID, time.Now()); err != nil {
			slog.Warn("最終アクセス日時の更新に失敗しました",
				slog.String("user_id", profile.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	marker, err := s.createMarker(ctx, profile.ID)
	if err != nil {
		slog.Error("セッションマーカーの作成に失敗しました",
			slog.String("user_id", profile.ID),
			slog.String("error", err.Error()),
		)
		return s.failAuth(prev, model.NewAuthUnknownError())
	}

	s.identity = identity
	s.profile = profile
	s.marker = marker
	s.lastError = nil
	s.state = StateAuthenticated

	slog.Info("サインインしました",
		slog.String("user_id", profile.ID),
	)

	return nil
}

// bootstrapProfile はデフォルトのプロフィールを合成して永続化する。
// プランはfree、カウンターは全てゼロ、設定はプランのデフォルト値。
func (s *Session) bootstrapProfile(ctx context.Context, identity *model.Identity, username string) (*model.Profile, error) {
	if username == "" {
		generated, err := s.generateTempUsername(ctx)
		if err != nil {
			return nil, err
		}
		username = generated
	}

	limits := tier.LimitsFor(model.TierFree)
	now := time.Now()

	profile := &model.Profile{
		ID:       identity.SubjectID,
		Username: username,
		Email:    identity.Email,
		Tier:     model.TierFree,
		Settings: model.Settings{
			Theme:              "system",
			SmartNotifications: limits.SmartNotificationsEnabledByDefault,
		},
		Version:    1,
		CreatedAt:  now,
		LastSeenAt: now,
		UpdatedAt:  now,
	}

	if err := s.profileRepo.Create(ctx, profile); err != nil {
		return nil, err
	}

	return profile, nil
}

// generateTempUsername は一時ユーザー名を生成する。
// タイムスタンプ由来の暗黙的な一意性には頼らず、ストアに対して
// 明示的に衝突確認を行い、衝突時はランダムなサフィックスで再試行する。
func (s *Session) generateTempUsername(ctx context.Context) (string, error) {
	base := "user" + time.Now().UTC().Format("20060102150405")

	candidate := base
	for attempt := 0; attempt < 5; attempt++ {
		exists, err := s.profileRepo.UsernameExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = base + "-" + strings.Split(uuid.New().String(), "-")[0]
	}

	return "", fmt.Errorf("一時ユーザー名の生成に失敗しました: 衝突が解消されません")
}

// createMarker はセッションマーカーを作成して永続化する。
func (s *Session) createMarker(ctx context.Context, userID string) (*model.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	marker := &model.Session{
		ID:        id,
		UserID:    userID,
		ExpiresAt: time.Now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: time.Now(),
	}

	if err := s.sessionRepo.Create(ctx, marker); err != nil {
		return nil, err
	}

	return marker, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
