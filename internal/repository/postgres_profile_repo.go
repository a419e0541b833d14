package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/linkpay/internal/model"
)

const profileColumns = `id, auth_user_id, username, handle, wallet_address, email, image_url, created_at, updated_at`

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*model.Profile, error) {
	p := &model.Profile{}
	err := row.Scan(&p.ID, &p.AuthUserID, &p.Username, &p.Handle,
		&p.WalletAddress, &p.Email, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PostgresProfileRepo) findOne(ctx context.Context, by, query string, arg any) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by %s: %w", by, err)
	}
	return p, nil
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	return r.findOne(ctx, "ID",
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
}

// FindByIdentityID はIdPユーザーIDでプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByIdentityID(ctx context.Context, identityID string) (*model.Profile, error) {
	return r.findOne(ctx, "identity ID",
		`SELECT `+profileColumns+` FROM profiles WHERE auth_user_id = $1`, identityID)
}

// FindByEmail はメールアドレスでプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByEmail(ctx context.Context, email string) (*model.Profile, error) {
	return r.findOne(ctx, "email",
		`SELECT `+profileColumns+` FROM profiles
		 WHERE email <> '' AND lower(email) = lower($1)
		 ORDER BY created_at ASC
		 LIMIT 1`, email)
}

// FindByUsername はユーザー名でプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUsername(ctx context.Context, username string) (*model.Profile, error) {
	return r.findOne(ctx, "username",
		`SELECT `+profileColumns+` FROM profiles WHERE lower(username) = lower($1)`, username)
}

// IsUsernameTaken はユーザー名が使用済みかどうかを返す。
func (r *PostgresProfileRepo) IsUsernameTaken(ctx context.Context, username string) (bool, error) {
	var taken bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM profiles WHERE lower(username) = lower($1))`,
		username,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return taken, nil
}

// Create はプロフィールを作成する。
// 一意制約に違反する場合は挿入せず、原因に応じて model.ErrUsernameTaken か ErrIdentityExists を返す。
func (r *PostgresProfileRepo) Create(ctx context.Context, profile *model.Profile) error {
	now := time.Now()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = now
	}

	var id string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO profiles (id, auth_user_id, username, handle, wallet_address, email, image_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT DO NOTHING
		 RETURNING id`,
		profile.ID, profile.AuthUserID, profile.Username, profile.Handle,
		profile.WalletAddress, profile.Email, profile.ImageURL,
		profile.CreatedAt, profile.UpdatedAt,
	).Scan(&id)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to insert profile: %w", err)
	}

	// 競合した制約を判定する
	taken, err := r.IsUsernameTaken(ctx, profile.Username)
	if err != nil {
		return err
	}
	if taken {
		return model.NewUsernameTakenError(profile.Username)
	}
	return fmt.Errorf("%w: %s", ErrIdentityExists, profile.AuthUserID)
}

// UpdateIdentityID はプロフィールのIdPユーザーIDを付け替える。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) UpdateIdentityID(ctx context.Context, id, newIdentityID string) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`UPDATE profiles SET auth_user_id = $2, updated_at = $3
		 WHERE id = $1
		 RETURNING `+profileColumns,
		id, newIdentityID, time.Now(),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update identity ID: %w", err)
	}
	return p, nil
}

// UpdateByIdentityID はnilでないフィールドだけを更新する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) UpdateByIdentityID(ctx context.Context, identityID string, update model.ProfileUpdate) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`UPDATE profiles SET
		   email = COALESCE($2, email),
		   image_url = COALESCE($3, image_url),
		   wallet_address = COALESCE($4, wallet_address),
		   updated_at = $5
		 WHERE auth_user_id = $1
		 RETURNING `+profileColumns,
		identityID, nullString(update.Email), nullString(update.ImageURL), nullString(update.WalletAddress), time.Now(),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return p, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
