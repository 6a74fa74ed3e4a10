package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/chatcore/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

const profileColumns = `id, username, email, tier,
	messages_today, anonymous_this_week, groups_created,
	theme, smart_notifications, onboarding_complete,
	version, created_at, last_seen_at, updated_at, deletion_requested_at`

// scanProfile は1行をProfileに読み込む。
func scanProfile(row *sql.Row) (*model.Profile, error) {
	p := &model.Profile{}
	err := row.Scan(
		&p.ID, &p.Username, &p.Email, &p.Tier,
		&p.Counters.MessagesToday, &p.Counters.AnonymousThisWeek, &p.Counters.GroupsCreated,
		&p.Settings.Theme, &p.Settings.SmartNotifications, &p.Settings.OnboardingComplete,
		&p.Version, &p.CreatedAt, &p.LastSeenAt, &p.UpdatedAt, &p.DeletionRequestedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`,
		id,
	)

	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}
	return p, nil
}

// UsernameExists は指定ユーザー名が既に使用されているかを返す。
// 大文字小文字を区別せずに照合する。
func (r *PostgresProfileRepo) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM profiles WHERE lower(username) = lower($1))`,
		username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return exists, nil
}

// Create はプロフィールを新規作成する。
func (r *PostgresProfileRepo) Create(ctx context.Context, profile *model.Profile) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (
			id, username, email, tier,
			messages_today, anonymous_this_week, groups_created,
			theme, smart_notifications, onboarding_complete,
			version, created_at, last_seen_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		profile.ID, profile.Username, profile.Email, profile.Tier,
		profile.Counters.MessagesToday, profile.Counters.AnonymousThisWeek, profile.Counters.GroupsCreated,
		profile.Settings.Theme, profile.Settings.SmartNotifications, profile.Settings.OnboardingComplete,
		profile.Version, profile.CreatedAt, profile.LastSeenAt, profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

// UpdateWithVersion はバージョンが一致する場合のみ更新を適用する。
// WHERE句のバージョン照合により、同一アカウントの複数端末からの
// 同時更新でカウンターの加算が失われることを防ぐ。
// 不一致の場合はErrVersionConflictを返す。
func (r *PostgresProfileRepo) UpdateWithVersion(ctx context.Context, profile *model.Profile) (*model.Profile, error) {
	updated := *profile

	err := r.db.QueryRowContext(ctx,
		`UPDATE profiles SET
			username = $2, email = $3, tier = $4,
			messages_today = $5, anonymous_this_week = $6, groups_created = $7,
			theme = $8, smart_notifications = $9, onboarding_complete = $10,
			updated_at = now(), version = version + 1
		 WHERE id = $1 AND version = $11
		 RETURNING version, updated_at`,
		profile.ID, profile.Username, profile.Email, profile.Tier,
		profile.Counters.MessagesToday, profile.Counters.AnonymousThisWeek, profile.Counters.GroupsCreated,
		profile.Settings.Theme, profile.Settings.SmartNotifications, profile.Settings.OnboardingComplete,
		profile.Version,
	).Scan(&updated.Version, &updated.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	return &updated, nil
}

// TouchLastSeen は最終アクセス日時のみを更新する。バージョンは変更しない。
func (r *PostgresProfileRepo) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET last_seen_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to touch last seen: %w", err)
	}
	return nil
}

// SetDeletionRequested は退会リクエスト日時を設定・解除する。
func (r *PostgresProfileRepo) SetDeletionRequested(ctx context.Context, id string, at *time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET deletion_requested_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to set deletion request: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return model.NewUserNotFoundError()
	}
	return nil
}

// ListDeletionDue は退会リクエストから猶予期間が経過したプロフィールを返す。
func (r *PostgresProfileRepo) ListDeletionDue(ctx context.Context, before time.Time, limit int) ([]*model.Profile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles
		 WHERE deletion_requested_at IS NOT NULL AND deletion_requested_at <= $1
		 ORDER BY deletion_requested_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list deletion due profiles: %w", err)
	}
	defer rows.Close()

	return collectProfiles(rows)
}

// ListAll は全プロフィールをID昇順でバッチ列挙する。
// カウンターリセットジョブがページングに使用する。
func (r *PostgresProfileRepo) ListAll(ctx context.Context, afterID string, limit int) ([]*model.Profile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles
		 WHERE id > $1
		 ORDER BY id
		 LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	return collectProfiles(rows)
}

// DeleteByID は指定IDのプロフィールを削除する。
// 関連するsessions、preferencesはCASCADE削除される。
func (r *PostgresProfileRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM profiles WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	return nil
}

// collectProfiles は複数行をProfileスライスに読み込む。
func collectProfiles(rows *sql.Rows) ([]*model.Profile, error) {
	var profiles []*model.Profile
	for rows.Next() {
		p := &model.Profile{}
		err := rows.Scan(
			&p.ID, &p.Username, &p.Email, &p.Tier,
			&p.Counters.MessagesToday, &p.Counters.AnonymousThisWeek, &p.Counters.GroupsCreated,
			&p.Settings.Theme, &p.Settings.SmartNotifications, &p.Settings.OnboardingComplete,
			&p.Version, &p.CreatedAt, &p.LastSeenAt, &p.UpdatedAt, &p.DeletionRequestedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}
	return profiles, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
