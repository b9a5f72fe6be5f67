package service

import (
	"bitwise74/channel-api/db"
	"bitwise74/channel-api/internal/cache"
	"bitwise74/channel-api/internal/model"
	"bitwise74/channel-api/internal/repository"
	"bitwise74/channel-api/pkg/apierr"
	"bitwise74/channel-api/pkg/security"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeUploader behaves like the S3 uploader without the network: it removes
// the local file and returns a URL, or fails with err. Files named reject
// fail on their own.
type fakeUploader struct {
	mu      sync.Mutex
	calls   int
	err     error
	reject  string
	deleted []string
}

func (f *fakeUploader) Upload(_ context.Context, localPath string) (string, error) {
	defer os.Remove(localPath)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return "", f.err
	}

	name := filepath.Base(localPath)
	if f.reject != "" && name == f.reject {
		return "", errors.New("bucket unreachable")
	}

	return "https://cdn.example.com/" + name, nil
}

func (f *fakeUploader) Delete(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, url)
	return nil
}

// blindUsers never sees existing users, so a duplicate is only caught by the
// unique index on insert
type blindUsers struct {
	repository.UserRepository
}

func (blindUsers) ExistsByUsernameOrEmail(context.Context, string, string) (bool, error) {
	return false, nil
}

// racingUsers runs hook once, right after the first FindByID returns, so a
// write can land between a read and whatever the caller does with the result.
type racingUsers struct {
	repository.UserRepository
	once sync.Once
	hook func()
}

func (r *racingUsers) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := r.UserRepository.FindByID(ctx, id)
	if r.hook != nil {
		r.once.Do(r.hook)
	}

	return user, err
}

// =============================================================================
// Test Helpers
// =============================================================================

type testEnv struct {
	db       *gorm.DB
	sessions *SessionController
	channels *GraphAggregator
	users    repository.UserRepository
	subs     repository.SubscriptionRepository
	tokens   *security.TokenIssuer
	uploader *fakeUploader
	mr       *miniredis.Miniredis
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	d, err := db.Open("sqlite", ":memory:")
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := d.DB(); err == nil {
			sqlDB.Close()
		}
	})

	tokens, err := security.NewTokenIssuer(security.TokenConfig{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    240 * time.Hour,
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	// Hashes carry their own parameters, so cheap ones are fine here
	hasher := &security.ArgonHash{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

	users := repository.NewUserRepository(d)
	subs := repository.NewSubscriptionRepository(d)
	uploader := &fakeUploader{}

	return &testEnv{
		db:       d,
		sessions: NewSessionController(users, hasher, tokens, uploader, cache.NewUserCache(rdb, time.Minute)),
		channels: NewGraphAggregator(subs),
		users:    users,
		subs:     subs,
		tokens:   tokens,
		uploader: uploader,
		mr:       mr,
	}
}

func tempAsset(t *testing.T, name string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("image"), 0o600))

	return p
}

func validRegistration(t *testing.T, username, email, password string) RegisterInput {
	return RegisterInput{
		FullName:   "User " + username,
		Username:   username,
		Email:      email,
		Password:   password,
		AvatarPath: tempAsset(t, username+"-avatar.png"),
	}
}

func assertKind(t *testing.T, err error, kind apierr.Kind) {
	t.Helper()

	require.Error(t, err)
	assert.True(t, apierr.Is(err, kind), "unexpected error %v", err)
}

// =============================================================================
// Register
// =============================================================================

func TestRegister_Success(t *testing.T) {
	env := setupTestEnv(t)

	in := validRegistration(t, "  U1 ", "u1@x.com", "pw123")
	in.CoverImagePath = tempAsset(t, "cover.png")

	user, err := env.sessions.Register(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "u1", user.Username)
	assert.Equal(t, "u1@x.com", user.Email)
	assert.Len(t, user.ID, 16)
	assert.NotEmpty(t, user.Avatar)
	require.NotNil(t, user.CoverImage)
	assert.Equal(t, 2, env.uploader.calls)

	stored, err := env.users.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "pw123", stored.PasswordHash)
	assert.Nil(t, stored.RefreshToken)

	_, err = os.Stat(in.AvatarPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRegister_MissingFields(t *testing.T) {
	env := setupTestEnv(t)

	in := validRegistration(t, "u1", "u1@x.com", "pw123")
	in.FullName = "   "

	_, err := env.sessions.Register(context.Background(), in)
	assertKind(t, err, apierr.KindValidation)

	var e *apierr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, []string{"fullName is required"}, e.Details)
	assert.Zero(t, env.uploader.calls)

	_, statErr := os.Stat(in.AvatarPath)
	assert.True(t, os.IsNotExist(statErr), "temp files are removed on early failures too")
}

func TestRegister_Duplicate(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)

	_, err = env.sessions.Register(ctx, validRegistration(t, "U1", "other@x.com", "pw123"))
	assertKind(t, err, apierr.KindConflict)

	_, err = env.sessions.Register(ctx, validRegistration(t, "u2", "u1@x.com", "pw123"))
	assertKind(t, err, apierr.KindConflict)
}

func TestRegister_MissingAvatar(t *testing.T) {
	env := setupTestEnv(t)

	in := validRegistration(t, "u1", "u1@x.com", "pw123")
	in.AvatarPath = ""

	_, err := env.sessions.Register(context.Background(), in)
	assertKind(t, err, apierr.KindValidation)
}

func TestRegister_AvatarUploadFails(t *testing.T) {
	env := setupTestEnv(t)
	env.uploader.err = errors.New("bucket unreachable")

	_, err := env.sessions.Register(context.Background(), validRegistration(t, "u1", "u1@x.com", "pw123"))
	assertKind(t, err, apierr.KindInternal)

	var e *apierr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "Avatar upload failed", e.Message)

	exists, err := env.users.ExistsByUsernameOrEmail(context.Background(), "u1", "u1@x.com")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRegister_CoverUploadFailsDropsAvatar(t *testing.T) {
	env := setupTestEnv(t)
	env.uploader.reject = "u1-cover.png"

	in := validRegistration(t, "u1", "u1@x.com", "pw123")
	in.CoverImagePath = tempAsset(t, "u1-cover.png")

	_, err := env.sessions.Register(context.Background(), in)
	assertKind(t, err, apierr.KindInternal)
	assert.Equal(t, []string{"https://cdn.example.com/u1-avatar.png"}, env.uploader.deleted)

	exists, err := env.users.ExistsByUsernameOrEmail(context.Background(), "u1", "u1@x.com")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRegister_LostInsertRaceDropsAssets(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)
	assert.Empty(t, env.uploader.deleted)

	racer := NewSessionController(blindUsers{env.users}, env.sessions.hasher, env.tokens, env.uploader, nil)

	in := validRegistration(t, "u1", "other@x.com", "pw123")
	in.AvatarPath = tempAsset(t, "racer-avatar.png")
	in.CoverImagePath = tempAsset(t, "racer-cover.png")

	_, err = racer.Register(ctx, in)
	assertKind(t, err, apierr.KindConflict)
	assert.ElementsMatch(t, []string{
		"https://cdn.example.com/racer-avatar.png",
		"https://cdn.example.com/racer-cover.png",
	}, env.uploader.deleted)
}

func TestRegister_NonImageAvatar(t *testing.T) {
	env := setupTestEnv(t)
	env.uploader.err = ErrUnsupportedAsset

	_, err := env.sessions.Register(context.Background(), validRegistration(t, "u1", "u1@x.com", "pw123"))
	assertKind(t, err, apierr.KindValidation)
}

func TestRegister_InvalidEmail(t *testing.T) {
	env := setupTestEnv(t)

	_, err := env.sessions.Register(context.Background(), validRegistration(t, "u1", "not-an-email", "pw123"))
	assertKind(t, err, apierr.KindValidation)
}

// =============================================================================
// Login / Logout
// =============================================================================

func TestLogin(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	registered, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)

	tests := []struct {
		name string
		in   LoginInput
		kind apierr.Kind
		ok   bool
	}{
		{"by email", LoginInput{Email: "u1@x.com", Password: "pw123"}, 0, true},
		{"by username", LoginInput{Username: "U1", Password: "pw123"}, 0, true},
		{"no password", LoginInput{Email: "u1@x.com"}, apierr.KindValidation, false},
		{"no identifier", LoginInput{Password: "pw123"}, apierr.KindValidation, false},
		{"unknown user", LoginInput{Username: "ghost", Password: "pw123"}, apierr.KindNotFound, false},
		{"wrong password", LoginInput{Email: "u1@x.com", Password: "nope"}, apierr.KindUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.sessions.Login(ctx, tt.in)
			if !tt.ok {
				assertKind(t, err, tt.kind)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, registered.ID, res.User.ID)

			access, err := env.tokens.Verify(res.AccessToken, security.AccessToken)
			require.NoError(t, err)
			assert.Equal(t, registered.ID, access.Subject)

			refresh, err := env.tokens.Verify(res.RefreshToken, security.RefreshToken)
			require.NoError(t, err)
			assert.Equal(t, registered.ID, refresh.Subject)

			stored, err := env.users.FindByID(ctx, registered.ID)
			require.NoError(t, err)
			require.NotNil(t, stored.RefreshToken)
			assert.Equal(t, res.RefreshToken, *stored.RefreshToken)
		})
	}
}

func TestLogin_InvalidatesPreviousRefreshToken(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)

	first, err := env.sessions.Login(ctx, LoginInput{Username: "u1", Password: "pw123"})
	require.NoError(t, err)

	_, err = env.sessions.Login(ctx, LoginInput{Username: "u1", Password: "pw123"})
	require.NoError(t, err)

	_, err = env.sessions.Refresh(ctx, first.RefreshToken)
	assertKind(t, err, apierr.KindUnauthorized)
}

func TestLogout(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	user, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)

	res, err := env.sessions.Login(ctx, LoginInput{Username: "u1", Password: "pw123"})
	require.NoError(t, err)

	require.NoError(t, env.sessions.Logout(ctx, user.ID))

	stored, err := env.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.RefreshToken)

	_, err = env.sessions.Refresh(ctx, res.RefreshToken)
	assertKind(t, err, apierr.KindUnauthorized)

	assertKind(t, env.sessions.Logout(ctx, "ghost"), apierr.KindNotFound)
}

// =============================================================================
// Refresh
// =============================================================================

func TestRefresh_Rotates(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)

	res, err := env.sessions.Login(ctx, LoginInput{Username: "u1", Password: "pw123"})
	require.NoError(t, err)

	pair, err := env.sessions.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, res.RefreshToken, pair.RefreshToken)
	assert.NotEqual(t, res.AccessToken, pair.AccessToken)

	_, err = env.sessions.Refresh(ctx, res.RefreshToken)
	assertKind(t, err, apierr.KindUnauthorized)

	_, err = env.sessions.Refresh(ctx, pair.RefreshToken)
	assert.NoError(t, err)
}

func TestRefresh_Rejects(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	user, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)

	res, err := env.sessions.Login(ctx, LoginInput{Username: "u1", Password: "pw123"})
	require.NoError(t, err)

	ghostToken, _, err := env.tokens.IssueRefresh("ghost")
	require.NoError(t, err)

	// Validly signed but never stored for the user
	unstored, _, err := env.tokens.IssueRefresh(user.ID)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"access token", res.AccessToken},
		{"unknown user", ghostToken},
		{"not the stored token", unstored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.sessions.Refresh(ctx, tt.token)
			assertKind(t, err, apierr.KindUnauthorized)
		})
	}
}

func TestRefresh_ConcurrentRotationHasOneWinner(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)

	res, err := env.sessions.Login(ctx, LoginInput{Username: "u1", Password: "pw123"})
	require.NoError(t, err)

	const workers = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := env.sessions.Refresh(ctx, res.RefreshToken)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				wins++
			case apierr.Is(err, apierr.KindUnauthorized):
				rejected++
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, rejected)
}

// =============================================================================
// Password and profile
// =============================================================================

func TestChangePassword_EndToEnd(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	user, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)

	_, err = env.sessions.Login(ctx, LoginInput{Username: "u1", Password: "pw123"})
	require.NoError(t, err)

	require.NoError(t, env.sessions.ChangePassword(ctx, user.ID, "pw123", "pw456"))
	require.NoError(t, env.sessions.Logout(ctx, user.ID))

	_, err = env.sessions.Login(ctx, LoginInput{Username: "u1", Password: "pw123"})
	assertKind(t, err, apierr.KindUnauthorized)

	_, err = env.sessions.Login(ctx, LoginInput{Username: "u1", Password: "pw456"})
	assert.NoError(t, err)
}

func TestChangePassword_KeepsRefreshToken(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	user, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)

	res, err := env.sessions.Login(ctx, LoginInput{Username: "u1", Password: "pw123"})
	require.NoError(t, err)

	require.NoError(t, env.sessions.ChangePassword(ctx, user.ID, "pw123", "pw456"))

	_, err = env.sessions.Refresh(ctx, res.RefreshToken)
	assert.NoError(t, err)
}

func TestChangePassword_Failures(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	user, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)

	assertKind(t, env.sessions.ChangePassword(ctx, user.ID, "", "pw456"), apierr.KindValidation)
	assertKind(t, env.sessions.ChangePassword(ctx, user.ID, "pw123", ""), apierr.KindValidation)
	assertKind(t, env.sessions.ChangePassword(ctx, "ghost", "pw123", "pw456"), apierr.KindNotFound)
	assertKind(t, env.sessions.ChangePassword(ctx, user.ID, "wrong", "pw456"), apierr.KindUnauthorized)
}

func TestCurrentUser_UsesCache(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	user, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)

	got, err := env.sessions.CurrentUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.Username)
	assert.True(t, env.mr.Exists("user:"+user.ID))

	// Served from redis even though the row changed behind the service's back
	require.NoError(t, env.db.Exec("UPDATE users SET full_name = ? WHERE id = ?", "Changed", user.ID).Error)

	got, err = env.sessions.CurrentUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "User u1", got.FullName)

	_, err = env.sessions.CurrentUser(ctx, "ghost")
	assertKind(t, err, apierr.KindNotFound)
}

func TestCurrentUser_DoesNotCacheStaleRead(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	user, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)
	env.mr.Del("user:" + user.ID)

	// Same redis and database, but the update lands between the reader's
	// database read and its cache write
	racing := &racingUsers{UserRepository: env.users}
	reader := NewSessionController(racing, nil, env.tokens, env.uploader, env.sessions.cache)
	racing.hook = func() {
		_, err := env.sessions.UpdateAccount(ctx, user.ID, UpdateAccountInput{FullName: "New Name"})
		require.NoError(t, err)
	}

	got, err := reader.CurrentUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "User u1", got.FullName)

	got, err = reader.CurrentUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "New Name", got.FullName)

	got, err = env.sessions.CurrentUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "New Name", got.FullName)
}

func TestUpdateAccount(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	user, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)
	_, err = env.sessions.Register(ctx, validRegistration(t, "u2", "u2@x.com", "pw123"))
	require.NoError(t, err)

	// Warm the cache so the update has something to invalidate
	_, err = env.sessions.CurrentUser(ctx, user.ID)
	require.NoError(t, err)

	updated, err := env.sessions.UpdateAccount(ctx, user.ID, UpdateAccountInput{FullName: "New Name"})
	require.NoError(t, err)
	assert.Equal(t, "New Name", updated.FullName)
	assert.Equal(t, "u1@x.com", updated.Email)

	current, err := env.sessions.CurrentUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "New Name", current.FullName)

	_, err = env.sessions.UpdateAccount(ctx, user.ID, UpdateAccountInput{FullName: "  "})
	assertKind(t, err, apierr.KindValidation)

	_, err = env.sessions.UpdateAccount(ctx, user.ID, UpdateAccountInput{Email: "u2@x.com"})
	assertKind(t, err, apierr.KindConflict)

	_, err = env.sessions.UpdateAccount(ctx, "ghost", UpdateAccountInput{FullName: "x"})
	assertKind(t, err, apierr.KindNotFound)
}

func TestUpdateAvatarAndCover(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	user, err := env.sessions.Register(ctx, validRegistration(t, "u1", "u1@x.com", "pw123"))
	require.NoError(t, err)

	updated, err := env.sessions.UpdateAvatar(ctx, user.ID, tempAsset(t, "new-avatar.png"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/new-avatar.png", updated.Avatar)

	updated, err = env.sessions.UpdateCoverImage(ctx, user.ID, tempAsset(t, "new-cover.png"))
	require.NoError(t, err)
	require.NotNil(t, updated.CoverImage)
	assert.Equal(t, "https://cdn.example.com/new-cover.png", *updated.CoverImage)

	_, err = env.sessions.UpdateAvatar(ctx, user.ID, "")
	assertKind(t, err, apierr.KindValidation)

	_, err = env.sessions.UpdateCoverImage(ctx, user.ID, "")
	assertKind(t, err, apierr.KindValidation)

	// The upload of a user that doesn't exist anymore is removed again
	_, err = env.sessions.UpdateAvatar(ctx, "ghost", tempAsset(t, "ghost-avatar.png"))
	assertKind(t, err, apierr.KindNotFound)
	assert.Equal(t, []string{"https://cdn.example.com/ghost-avatar.png"}, env.uploader.deleted)

	env.uploader.err = errors.New("bucket unreachable")

	_, err = env.sessions.UpdateAvatar(ctx, user.ID, tempAsset(t, "broken.png"))
	assertKind(t, err, apierr.KindInternal)
}
