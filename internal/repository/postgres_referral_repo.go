package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/linkpay/internal/model"
)

// PostgresReferralRepo はPostgreSQLを使用した紹介コード利用記録リポジトリ。
type PostgresReferralRepo struct {
	db *sql.DB
}

// NewPostgresReferralRepo はPostgresReferralRepoを生成する。
func NewPostgresReferralRepo(db *sql.DB) *PostgresReferralRepo {
	return &PostgresReferralRepo{db: db}
}

// Redeem は紹介コードの利用を記録する。被紹介者が利用済みの場合はfalseを返す。
func (r *PostgresReferralRepo) Redeem(ctx context.Context, redemption *model.ReferralRedemption) (bool, error) {
	if redemption.CreatedAt.IsZero() {
		redemption.CreatedAt = time.Now()
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO referral_redemptions (id, code, referrer_profile_id, referee_profile_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (referee_profile_id) DO NOTHING`,
		redemption.ID, redemption.Code, redemption.ReferrerProfileID, redemption.RefereeProfileID, redemption.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert referral redemption: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// FindByReferee は被紹介者の利用記録を取得する。見つからない場合はnilを返す。
func (r *PostgresReferralRepo) FindByReferee(ctx context.Context, refereeProfileID string) (*model.ReferralRedemption, error) {
	rr := &model.ReferralRedemption{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, code, referrer_profile_id, referee_profile_id, created_at
		 FROM referral_redemptions WHERE referee_profile_id = $1`,
		refereeProfileID,
	).Scan(&rr.ID, &rr.Code, &rr.ReferrerProfileID, &rr.RefereeProfileID, &rr.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find referral redemption: %w", err)
	}
	return rr, nil
}

// compile-time interface check
var _ ReferralRepository = (*PostgresReferralRepo)(nil)
