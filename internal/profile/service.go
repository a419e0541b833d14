// Package profile はプロフィールストアのドメインロジックを提供する。
// ユーザー名の一意性（大文字小文字を区別しない）、IdPユーザーIDの付け替え、
// メールアドレスと画像URLの差分更新、紹介コードの適用を扱う。
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/linkpay/internal/model"
	"github.com/hitoshi/linkpay/internal/repository"
	"github.com/hitoshi/linkpay/internal/security"
)

// Service はプロフィールストアのサービス層。
type Service struct {
	profileRepo  repository.ProfileRepository
	referralRepo repository.ReferralRepository
	images       security.ImageURLGuard
	verifyImages bool
	logger       *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// verifyImagesがtrueの場合、画像URLを保存する前に実際に取得できるか確認する。
func NewService(
	profileRepo repository.ProfileRepository,
	referralRepo repository.ReferralRepository,
	images security.ImageURLGuard,
	verifyImages bool,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		profileRepo:  profileRepo,
		referralRepo: referralRepo,
		images:       images,
		verifyImages: verifyImages,
		logger:       logger,
	}
}

// GetProfileByIdentityID はIdPユーザーIDでプロフィールを取得する。見つからない場合はnilを返す。
func (s *Service) GetProfileByIdentityID(ctx context.Context, identityID string) (*model.Profile, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, model.NewInvalidIdentityIDError()
	}
	p, err := s.profileRepo.FindByIdentityID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	return p, nil
}

// GetProfileByEmail はメールアドレスでプロフィールを取得する。見つからない場合はnilを返す。
func (s *Service) GetProfileByEmail(ctx context.Context, email string) (*model.Profile, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	p, err := s.profileRepo.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	return p, nil
}

// GetProfileByUsername はユーザー名でプロフィールを取得する。
// 形式が不正なユーザー名は存在し得ないためnilを返す。
func (s *Service) GetProfileByUsername(ctx context.Context, username string) (*model.Profile, error) {
	username = NormalizeUsername(username)
	if ValidateUsername(username) != nil {
		return nil, nil
	}
	p, err := s.profileRepo.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	return p, nil
}

// IsUsernameTaken はユーザー名が使用済みかどうかを返す。
func (s *Service) IsUsernameTaken(ctx context.Context, username string) (bool, error) {
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return false, err
	}
	taken, err := s.profileRepo.IsUsernameTaken(ctx, username)
	if err != nil {
		return false, fmt.Errorf("ユーザー名の確認に失敗しました: %w", err)
	}
	return taken, nil
}

// CreateProfile はプロフィールを作成する。
// ハンドルはユーザー名から導出し、入力のハンドルは使わない。
// ユーザー名が使用済みの場合は model.ErrUsernameTaken を返す。
func (s *Service) CreateProfile(ctx context.Context, in model.NewProfile) (*model.Profile, error) {
	identityID := strings.TrimSpace(in.IdentityID)
	if identityID == "" {
		return nil, model.NewInvalidIdentityIDError()
	}
	username := NormalizeUsername(in.Username)
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}

	email := ""
	if strings.TrimSpace(in.Email) != "" {
		normalized, err := NormalizeEmail(in.Email)
		if err != nil {
			return nil, err
		}
		email = normalized
	}
	if err := s.checkImageURL(ctx, in.ImageURL); err != nil {
		return nil, err
	}

	p := &model.Profile{
		ID:            uuid.New().String(),
		AuthUserID:    identityID,
		Username:      username,
		Handle:        model.HandleFor(username),
		WalletAddress: strings.TrimSpace(in.WalletAddress),
		Email:         email,
		ImageURL:      strings.TrimSpace(in.ImageURL),
	}
	if err := s.profileRepo.Create(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info("プロフィールを作成しました",
		slog.String("profile_id", p.ID),
		slog.String("identity_id", p.AuthUserID),
		slog.String("username", p.Username),
	)
	return p, nil
}

// MigrateIdentityID は既存プロフィールのIdPユーザーIDを付け替える。
// プロフィールが存在しなくなっていた場合はnilを返す。
func (s *Service) MigrateIdentityID(ctx context.Context, existing *model.Profile, newIdentityID string) (*model.Profile, error) {
	if existing == nil || existing.ID == "" {
		return nil, model.NewProfileNotFoundError("")
	}
	newIdentityID = strings.TrimSpace(newIdentityID)
	if newIdentityID == "" {
		return nil, model.NewInvalidIdentityIDError()
	}
	if existing.AuthUserID == newIdentityID {
		return existing, nil
	}

	p, err := s.profileRepo.UpdateIdentityID(ctx, existing.ID, newIdentityID)
	if err != nil {
		return nil, fmt.Errorf("IdPユーザーIDの付け替えに失敗しました: %w", err)
	}
	if p != nil {
		s.logger.Info("IdPユーザーIDを付け替えました",
			slog.String("profile_id", p.ID),
			slog.String("from", existing.AuthUserID),
			slog.String("to", newIdentityID),
		)
	}
	return p, nil
}

// UpdateProfile はIdPユーザーIDで特定したプロフィールを部分更新する。
// 見つからない場合はnilを返す。
func (s *Service) UpdateProfile(ctx context.Context, identityID string, update model.ProfileUpdate) (*model.Profile, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, model.NewInvalidIdentityIDError()
	}
	if update.IsEmpty() {
		return s.GetProfileByIdentityID(ctx, identityID)
	}

	if update.Email != nil {
		normalized, err := NormalizeEmail(*update.Email)
		if err != nil {
			return nil, err
		}
		update.Email = &normalized
	}
	if update.ImageURL != nil {
		image := strings.TrimSpace(*update.ImageURL)
		if err := s.checkImageURL(ctx, image); err != nil {
			return nil, err
		}
		update.ImageURL = &image
	}
	if update.WalletAddress != nil {
		wallet := strings.TrimSpace(*update.WalletAddress)
		update.WalletAddress = &wallet
	}

	p, err := s.profileRepo.UpdateByIdentityID(ctx, identityID, update)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}
	return p, nil
}

// ApplyReferralCode は紹介コードを被紹介者のプロフィールに適用する。
// 紹介コードは紹介者のユーザー名。
func (s *Service) ApplyReferralCode(ctx context.Context, code, identityID string) error {
	referee, err := s.GetProfileByIdentityID(ctx, identityID)
	if err != nil {
		return err
	}
	if referee == nil {
		return model.NewProfileNotFoundError(identityID)
	}

	code = NormalizeUsername(code)
	referrer, err := s.GetProfileByUsername(ctx, code)
	if err != nil {
		return err
	}
	if referrer == nil {
		return model.NewReferralNotFoundError(code)
	}
	if referrer.ID == referee.ID {
		return model.NewSelfReferralError()
	}

	ok, err := s.referralRepo.Redeem(ctx, &model.ReferralRedemption{
		ID:                uuid.New().String(),
		Code:              referrer.Username,
		ReferrerProfileID: referrer.ID,
		RefereeProfileID:  referee.ID,
	})
	if err != nil {
		return fmt.Errorf("紹介コードの適用に失敗しました: %w", err)
	}
	if !ok {
		return model.NewAlreadyReferredError()
	}

	s.logger.Info("紹介コードを適用しました",
		slog.String("referrer_profile_id", referrer.ID),
		slog.String("referee_profile_id", referee.ID),
	)
	return nil
}

// checkImageURL は空でない画像URLを検証する。
func (s *Service) checkImageURL(ctx context.Context, imageURL string) error {
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" || s.images == nil {
		return nil
	}
	var err error
	if s.verifyImages {
		err = s.images.ProbeImage(ctx, imageURL)
	} else {
		err = s.images.ValidateImageURL(imageURL)
	}
	if err != nil {
		return model.NewInvalidImageURLError(err.Error())
	}
	return nil
}
