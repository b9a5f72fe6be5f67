// Package service contains the business flows of the API. Services never
// touch gin, they take plain values and return *apierr.Error failures.
package service

import (
	"bitwise74/channel-api/internal/cache"
	"bitwise74/channel-api/internal/model"
	"bitwise74/channel-api/internal/repository"
	"bitwise74/channel-api/pkg/apierr"
	"bitwise74/channel-api/pkg/security"
	"bitwise74/channel-api/pkg/validators"
	"context"
	"errors"
	"os"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

const idCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

type RegisterInput struct {
	FullName string
	Username string
	Email    string
	Password string
	// Paths to temporary files received with the request
	AvatarPath     string
	CoverImagePath string
}

type LoginInput struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type UpdateAccountInput struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type LoginResult struct {
	User *model.PublicUser `json:"user"`
	TokenPair
}

// SessionController runs the account and session flows: registration, login,
// logout, refresh token rotation and profile changes.
type SessionController struct {
	users    repository.UserRepository
	hasher   *security.ArgonHash
	tokens   *security.TokenIssuer
	uploader AssetUploader
	cache    *cache.UserCache
}

func NewSessionController(
	users repository.UserRepository,
	hasher *security.ArgonHash,
	tokens *security.TokenIssuer,
	uploader AssetUploader,
	userCache *cache.UserCache,
) *SessionController {
	return &SessionController{
		users:    users,
		hasher:   hasher,
		tokens:   tokens,
		uploader: uploader,
		cache:    userCache,
	}
}

func (s *SessionController) Register(ctx context.Context, in RegisterInput) (_ *model.PublicUser, err error) {
	// Anything that wasn't handed to the uploader still has to go
	defer discard(in.AvatarPath, in.CoverImagePath)

	// Objects already in the bucket belong to nobody until the user row exists
	var uploaded []string
	defer func() {
		if err != nil {
			s.dropAssets(ctx, uploaded...)
		}
	}()

	fullName := strings.TrimSpace(in.FullName)
	username := strings.ToLower(strings.TrimSpace(in.Username))
	email := strings.TrimSpace(in.Email)

	if apierr.Blank(fullName, username, email, in.Password) {
		return nil, apierr.Validation("All fields are required", missing(map[string]string{
			"fullName": fullName,
			"username": username,
			"email":    email,
			"password": in.Password,
		})...)
	}

	if err := validators.EmailValidator(email); err != nil {
		return nil, apierr.Validation("Invalid email address", err.Error())
	}

	if err := validators.PasswordValidator(in.Password); err != nil {
		return nil, apierr.Validation("Invalid password", err.Error())
	}

	exists, err := s.users.ExistsByUsernameOrEmail(ctx, username, email)
	if err != nil {
		return nil, apierr.Internal("Internal server error", err)
	}

	if exists {
		return nil, apierr.Conflict("Username or email already exists")
	}

	if in.AvatarPath == "" {
		return nil, apierr.Validation("Avatar is required")
	}

	avatarURL, err := s.upload(ctx, in.AvatarPath, "Avatar upload failed")
	if err != nil {
		return nil, err
	}
	uploaded = append(uploaded, avatarURL)

	var coverURL *string
	if in.CoverImagePath != "" {
		url, err := s.upload(ctx, in.CoverImagePath, "Cover image upload failed")
		if err != nil {
			return nil, err
		}
		uploaded = append(uploaded, url)

		coverURL = &url
	}

	hash, err := s.hasher.GenerateFromPassword(in.Password)
	if err != nil {
		return nil, apierr.Internal("User creation failed", err)
	}

	userID, err := gonanoid.Generate(idCharset, 16)
	if err != nil {
		return nil, apierr.Internal("User creation failed", err)
	}

	err = s.users.Create(ctx, &model.User{
		ID:           userID,
		Username:     username,
		Email:        email,
		FullName:     fullName,
		PasswordHash: hash,
		Avatar:       avatarURL,
		CoverImage:   coverURL,
	})
	if err != nil {
		// Lost the race against another registration with the same
		// username or email
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apierr.Conflict("Username or email already exists")
		}

		return nil, apierr.Internal("User creation failed", err)
	}
	uploaded = nil

	created, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, apierr.Internal("User creation failed", err)
	}

	zap.L().Info("Registered new user", zap.String("userID", userID))

	return created.Public(), nil
}

// Login checks the credentials and starts a new session. Any refresh token
// issued before is no longer accepted afterwards.
func (s *SessionController) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := strings.TrimSpace(in.Email)
	username := strings.ToLower(strings.TrimSpace(in.Username))

	if in.Password == "" || (email == "" && username == "") {
		return nil, apierr.Validation("Email or username and password are required")
	}

	var (
		user *model.User
		err  error
	)

	if email != "" {
		user, err = s.users.FindByEmail(ctx, email)
	} else {
		user, err = s.users.FindByUsername(ctx, username)
	}
	if err != nil {
		return nil, notFoundOrInternal(err)
	}

	ok, err := s.hasher.VerifyPasswd(in.Password, user.PasswordHash)
	if err != nil {
		return nil, apierr.Internal("Failed to verify password", err)
	}

	if !ok {
		return nil, apierr.Unauthorized("Invalid password", nil)
	}

	pair, err := s.issuePair(user.ID)
	if err != nil {
		return nil, apierr.Internal("Token generation failed", err)
	}

	if err := s.users.SetRefreshToken(ctx, user.ID, &pair.RefreshToken); err != nil {
		return nil, apierr.Internal("Token generation failed", err)
	}

	s.evict(ctx, user.ID)

	return &LoginResult{
		User:      user.Public(),
		TokenPair: *pair,
	}, nil
}

func (s *SessionController) Logout(ctx context.Context, userID string) error {
	if err := s.users.SetRefreshToken(ctx, userID, nil); err != nil {
		return notFoundOrInternal(err)
	}

	s.evict(ctx, userID)

	return nil
}

// Refresh exchanges the presented refresh token for a new pair. The stored
// token is swapped atomically, so when the same token is presented twice at
// once only one of the requests gets a new pair.
func (s *SessionController) Refresh(ctx context.Context, presented string) (*TokenPair, error) {
	if presented == "" {
		return nil, apierr.Unauthorized("Unauthorized request", nil)
	}

	claims, err := s.tokens.Verify(presented, security.RefreshToken)
	if err != nil {
		if errors.Is(err, security.ErrExpiredToken) {
			return nil, apierr.Unauthorized("Refresh token is expired", err)
		}

		return nil, apierr.Unauthorized("Invalid refresh token", err)
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.Unauthorized("Invalid refresh token", err)
		}

		return nil, apierr.Internal("Internal server error", err)
	}

	if user.RefreshToken == nil || *user.RefreshToken != presented {
		return nil, apierr.Unauthorized("Refresh token is expired or used", nil)
	}

	pair, err := s.issuePair(user.ID)
	if err != nil {
		return nil, apierr.Internal("Token generation failed", err)
	}

	swapped, err := s.users.SwapRefreshToken(ctx, user.ID, presented, pair.RefreshToken)
	if err != nil {
		return nil, apierr.Internal("Token generation failed", err)
	}

	if !swapped {
		zap.L().Warn("Refresh token was rotated concurrently", zap.String("userID", user.ID))
		return nil, apierr.Unauthorized("Refresh token is expired or used", nil)
	}

	s.evict(ctx, user.ID)

	return pair, nil
}

// ChangePassword leaves the current refresh token in place, existing sessions
// keep working until they log out or the token expires.
func (s *SessionController) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if oldPassword == "" || newPassword == "" {
		return apierr.Validation("Old and new password are required")
	}

	if err := validators.PasswordValidator(newPassword); err != nil {
		return apierr.Validation("Invalid password", err.Error())
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return notFoundOrInternal(err)
	}

	ok, err := s.hasher.VerifyPasswd(oldPassword, user.PasswordHash)
	if err != nil {
		return apierr.Internal("Failed to verify password", err)
	}

	if !ok {
		return apierr.Unauthorized("Invalid old password", nil)
	}

	hash, err := s.hasher.GenerateFromPassword(newPassword)
	if err != nil {
		return apierr.Internal("Failed to change password", err)
	}

	if err := s.users.UpdateFields(ctx, userID, map[string]any{"password_hash": hash}); err != nil {
		return apierr.Internal("Failed to change password", err)
	}

	s.evict(ctx, userID)

	return nil
}

func (s *SessionController) CurrentUser(ctx context.Context, userID string) (*model.PublicUser, error) {
	cached, err := s.cache.Get(ctx, userID)
	if err != nil {
		zap.L().Warn("Failed to read user from cache", zap.String("userID", userID), zap.Error(err))
	}

	if cached != nil {
		return cached, nil
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, notFoundOrInternal(err)
	}

	public := user.Public()

	if _, err := s.cache.Fill(ctx, public); err != nil {
		zap.L().Warn("Failed to cache user", zap.String("userID", userID), zap.Error(err))
	}

	return public, nil
}

func (s *SessionController) UpdateAccount(ctx context.Context, userID string, in UpdateAccountInput) (*model.PublicUser, error) {
	fields := map[string]any{}

	if fullName := strings.TrimSpace(in.FullName); fullName != "" {
		fields["full_name"] = fullName
	}

	if email := strings.TrimSpace(in.Email); email != "" {
		if err := validators.EmailValidator(email); err != nil {
			return nil, apierr.Validation("Invalid email address", err.Error())
		}

		fields["email"] = email
	}

	if len(fields) == 0 {
		return nil, apierr.Validation("At least one field is required")
	}

	if err := s.users.UpdateFields(ctx, userID, fields); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apierr.Conflict("Email is already in use")
		}

		return nil, notFoundOrInternal(err)
	}

	return s.reload(ctx, userID)
}

func (s *SessionController) UpdateAvatar(ctx context.Context, userID, localPath string) (*model.PublicUser, error) {
	if localPath == "" {
		return nil, apierr.Validation("Avatar file is missing")
	}

	url, err := s.upload(ctx, localPath, "Avatar upload failed")
	if err != nil {
		return nil, err
	}

	return s.setAsset(ctx, userID, "avatar", url)
}

func (s *SessionController) UpdateCoverImage(ctx context.Context, userID, localPath string) (*model.PublicUser, error) {
	if localPath == "" {
		return nil, apierr.Validation("Cover image file is missing")
	}

	url, err := s.upload(ctx, localPath, "Cover image upload failed")
	if err != nil {
		return nil, err
	}

	return s.setAsset(ctx, userID, "cover_image", url)
}

func (s *SessionController) setAsset(ctx context.Context, userID, column, url string) (*model.PublicUser, error) {
	if err := s.users.UpdateFields(ctx, userID, map[string]any{column: url}); err != nil {
		s.dropAssets(ctx, url)
		return nil, notFoundOrInternal(err)
	}

	return s.reload(ctx, userID)
}

// reload reads the user back from the database after a change and replaces
// the cached copy with it
func (s *SessionController) reload(ctx context.Context, userID string) (*model.PublicUser, error) {
	s.evict(ctx, userID)

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, notFoundOrInternal(err)
	}

	public := user.Public()

	if err := s.cache.Set(ctx, public); err != nil {
		zap.L().Warn("Failed to cache user", zap.String("userID", userID), zap.Error(err))
		s.evict(ctx, userID)
	}

	return public, nil
}

func (s *SessionController) upload(ctx context.Context, localPath, failMsg string) (string, error) {
	url, err := s.uploader.Upload(ctx, localPath)
	if err != nil {
		if errors.Is(err, ErrUnsupportedAsset) {
			return "", apierr.Validation("Only image files are accepted", err.Error())
		}

		return "", apierr.Internal(failMsg, err)
	}

	return url, nil
}

// dropAssets deletes uploaded objects that ended up unreferenced. Failures are
// only logged, the request has already failed for another reason.
func (s *SessionController) dropAssets(ctx context.Context, urls ...string) {
	ctx = context.WithoutCancel(ctx)

	for _, url := range urls {
		if err := s.uploader.Delete(ctx, url); err != nil {
			zap.L().Warn("Failed to delete orphaned asset", zap.String("url", url), zap.Error(err))
		}
	}
}

func (s *SessionController) issuePair(userID string) (*TokenPair, error) {
	access, accessExp, err := s.tokens.IssueAccess(userID)
	if err != nil {
		return nil, err
	}

	refresh, refreshExp, err := s.tokens.IssueRefresh(userID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *SessionController) evict(ctx context.Context, userID string) {
	if err := s.cache.Delete(ctx, userID); err != nil {
		zap.L().Warn("Failed to evict cached user", zap.String("userID", userID), zap.Error(err))
	}
}

func notFoundOrInternal(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apierr.NotFound("User not found")
	}

	return apierr.Internal("Internal server error", err)
}

func missing(fields map[string]string) []string {
	details := []string{}
	for _, name := range []string{"fullName", "username", "email", "password"} {
		if strings.TrimSpace(fields[name]) == "" {
			details = append(details, name+" is required")
		}
	}

	return details
}

func discard(paths ...string) {
	for _, p := range paths {
		if p != "" {
			os.Remove(p)
		}
	}
}
