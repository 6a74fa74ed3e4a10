package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/chatcore/internal/model"
	"github.com/hitoshi/chatcore/internal/repository"
	"github.com/hitoshi/chatcore/internal/tier"
)

// defaultMaxRetries はバージョン競合時のリトライ上限。
const defaultMaxRetries = 3

// Meter は利用上限の判定と消費を永続化込みで行うサービス。
// 判定と記録は純粋関数（CanSendMessage等）に委譲し、保存は
// UpdateWithVersionの楽観的排他制御で行う。同一アカウントの
// 複数端末からの同時送信では競合した側が再取得してリトライするため、
// カウンターの加算が失われることはない。
type Meter struct {
	profiles   repository.ProfileRepository
	maxRetries int
}

// NewMeter はMeterを生成する。maxRetriesが0以下の場合はデフォルト値を使う。
func NewMeter(profiles repository.ProfileRepository, maxRetries int) *Meter {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Meter{profiles: profiles, maxRetries: maxRetries}
}

// ConsumeMessage はメッセージ送信1件分の利用枠を消費する。
// 上限到達時は*model.APIError（DailyLimitExceeded）を返す。
func (m *Meter) ConsumeMessage(ctx context.Context, userID string) (*model.Profile, error) {
	return m.consume(ctx, userID, func(p model.Profile) (model.Profile, *model.APIError) {
		if !CanSendMessage(p) {
			limits := tier.LimitsFor(p.Tier)
			return p, model.NewDailyLimitExceededError(limits.DailyMessageLimit)
		}
		return RecordMessageSent(p), nil
	})
}

// ConsumeAnonymous は匿名投稿1件分の利用枠を消費する。
// 週次上限・文字数上限のいずれかに達している場合は*model.APIErrorを返す。
func (m *Meter) ConsumeAnonymous(ctx context.Context, userID string, charCount int) (*model.Profile, error) {
	return m.consume(ctx, userID, func(p model.Profile) (model.Profile, *model.APIError) {
		if apiErr := CanPostAnonymous(p, charCount); apiErr != nil {
			return p, apiErr
		}
		return RecordAnonymousPost(p), nil
	})
}

// ConsumeGroup はグループ作成1件分の利用枠を消費する。
// 上限到達時は*model.APIError（GroupLimitExceeded）を返す。
func (m *Meter) ConsumeGroup(ctx context.Context, userID string) (*model.Profile, error) {
	return m.consume(ctx, userID, func(p model.Profile) (model.Profile, *model.APIError) {
		if !CanCreateGroup(p) {
			limits := tier.LimitsFor(p.Tier)
			return p, model.NewGroupLimitExceededError(limits.MaxGroups)
		}
		return RecordGroupCreated(p), nil
	})
}

// consume はプロフィールの取得・判定・CAS保存をリトライ付きで行う。
// mutateは純粋でなければならない（リトライで再実行されるため）。
func (m *Meter) consume(
	ctx context.Context,
	userID string,
	mutate func(model.Profile) (model.Profile, *model.APIError),
) (*model.Profile, error) {
	var lastErr error

	for attempt := 0; attempt < m.maxRetries; attempt++ {
		profile, err := m.profiles.FindByID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile: %w", err)
		}
		if profile == nil {
			return nil, model.NewUserNotFoundError()
		}

		next, apiErr := mutate(*profile)
		if apiErr != nil {
			return nil, apiErr
		}

		updated, err := m.profiles.UpdateWithVersion(ctx, &next)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, fmt.Errorf("failed to persist counters: %w", err)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("quota update retries exhausted: %w", lastErr)
}
