package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/smallbiznis/bookstore-auth/internal/config"
	"github.com/smallbiznis/bookstore-auth/internal/domain"
	"github.com/smallbiznis/bookstore-auth/internal/jwt"
	"github.com/smallbiznis/bookstore-auth/internal/password"
	"github.com/smallbiznis/bookstore-auth/internal/repository"
	"github.com/smallbiznis/bookstore-auth/internal/service"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeVerifier struct {
	identity domain.FederatedIdentity
	err      error
}

func (f *fakeVerifier) Verify(context.Context, string) (domain.FederatedIdentity, error) {
	return f.identity, f.err
}

type harness struct {
	svc      *service.AuthService
	users    *repository.MemoryUserRepo
	tokens   *repository.MemoryRefreshTokenRepo
	clock    *testClock
	verifier *fakeVerifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Config{
		AccessTokenTTL:    time.Hour,
		RefreshTokenTTL:   7 * 24 * time.Hour,
		PasswordMinLength: 8,
		RequestTimeout:    time.Second,
	}
	clk := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	manager, err := jwt.NewStaticKeyManager([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	generator := jwt.NewGenerator(manager, jwt.Options{
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		Issuer:     "bookstore-auth",
		Clock:      clk,
	})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	users := repository.NewMemoryUserRepo()
	tokens := repository.NewMemoryRefreshTokenRepo()
	verifier := &fakeVerifier{}
	svc := service.NewAuthService(users, tokens, verifier, node, generator, clk, cfg, zap.NewNop(), nil)
	return &harness{svc: svc, users: users, tokens: tokens, clock: clk, verifier: verifier}
}

func (h *harness) signUp(t *testing.T, email, pass string) int64 {
	t.Helper()
	id, err := h.svc.SignUp(context.Background(), service.SignUpInput{Email: email, Password: pass, Name: "Reader"})
	require.NoError(t, err)
	return id
}

func (h *harness) activeCount(t *testing.T, userID int64) int {
	t.Helper()
	n, err := h.tokens.ActiveCount(context.Background(), userID, h.clock.Now())
	require.NoError(t, err)
	return n
}

func TestSignUpNormalizesAndHashes(t *testing.T) {
	h := newHarness(t)
	id := h.signUp(t, "  Reader@Example.COM ", "correct-horse")

	user, err := h.users.GetByEmail(context.Background(), "reader@example.com")
	require.NoError(t, err)
	require.Equal(t, id, user.ID)
	require.Equal(t, domain.RoleUser, user.Role)
	require.NotEqual(t, "correct-horse", user.PasswordHash)
	require.True(t, strings.HasPrefix(user.PasswordHash, "$argon2id$"))
}

func TestSignUpValidation(t *testing.T) {
	h := newHarness(t)
	cases := map[string]service.SignUpInput{
		"short password": {Email: "a@example.com", Password: "short"},
		"bad email":      {Email: "not-an-email", Password: "long-enough"},
		"bad gender":     {Email: "b@example.com", Password: "long-enough", Gender: "x"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.SignUp(context.Background(), in)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, "dup@example.com", "password-1")

	_, err := h.svc.SignUp(context.Background(), service.SignUpInput{Email: "DUP@example.com", Password: "password-2"})
	require.ErrorIs(t, err, domain.ErrDuplicateEmail)
}

func TestConcurrentSignUpCreatesOneAccount(t *testing.T) {
	h := newHarness(t)
	const workers = 6

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		created    int
		duplicates int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SignUp(context.Background(), service.SignUpInput{Email: "race@example.com", Password: "password-1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrDuplicateEmail):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, created)
	require.Equal(t, workers-1, duplicates)
	count, err := h.users.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestLoginIssuesSingleActiveSession(t *testing.T) {
	h := newHarness(t)
	id := h.signUp(t, "reader@example.com", "password-1")

	first, err := h.svc.Login(context.Background(), "reader@example.com", "password-1")
	require.NoError(t, err)
	require.Equal(t, "Bearer", first.TokenType)
	require.Equal(t, int64(3600), first.ExpiresIn)
	require.Equal(t, id, first.User.ID)
	require.Equal(t, service.TokenTypeUser, first.User.TokenType)
	require.Equal(t, 1, h.activeCount(t, id))

	second, err := h.svc.Login(context.Background(), "Reader@example.com", "password-1")
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.Equal(t, 1, h.activeCount(t, id))

	_, err = h.svc.Refresh(context.Background(), first.RefreshToken)
	require.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h := newHarness(t)
	id := h.signUp(t, "reader@example.com", "password-1")

	_, err := h.svc.Login(context.Background(), "reader@example.com", "wrong-password")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = h.svc.Login(context.Background(), "nobody@example.com", "password-1")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)

	require.Zero(t, h.activeCount(t, id))
}

func TestLoginUnknownEmailCostsAHashVerification(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, "reader@example.com", "password-1")

	started := time.Now()
	_, err := h.svc.Login(context.Background(), "reader@example.com", "wrong-password")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)
	mismatch := time.Since(started)

	started = time.Now()
	_, err = h.svc.Login(context.Background(), "nobody@example.com", "wrong-password")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)
	unknown := time.Since(started)

	require.Greater(t, unknown, mismatch/4)
}

func TestLoginUpgradesLegacyHash(t *testing.T) {
	h := newHarness(t)
	legacy, err := bcrypt.GenerateFromPassword([]byte("password-1"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = h.users.Create(context.Background(), domain.User{ID: 7, Email: "old@example.com", PasswordHash: string(legacy), Role: domain.RoleUser})
	require.NoError(t, err)

	_, err = h.svc.Login(context.Background(), "old@example.com", "password-1")
	require.NoError(t, err)

	user, err := h.users.GetByID(context.Background(), 7)
	require.NoError(t, err)
	require.False(t, password.NeedsRehash(user.PasswordHash))

	_, err = h.svc.Login(context.Background(), "old@example.com", "password-1")
	require.NoError(t, err)
}

func TestRefreshRotatesToken(t *testing.T) {
	h := newHarness(t)
	id := h.signUp(t, "reader@example.com", "password-1")
	login, err := h.svc.Login(context.Background(), "reader@example.com", "password-1")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	refreshed, err := h.svc.Refresh(context.Background(), login.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)
	require.NotEqual(t, login.AccessToken, refreshed.AccessToken)
	require.Equal(t, 1, h.activeCount(t, id))

	_, err = h.svc.Refresh(context.Background(), login.RefreshToken)
	require.ErrorIs(t, err, domain.ErrInvalidToken)

	_, err = h.svc.Refresh(context.Background(), refreshed.RefreshToken)
	require.NoError(t, err)
}

func TestConcurrentRefreshSucceedsOnce(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, "reader@example.com", "password-1")
	login, err := h.svc.Login(context.Background(), "reader@example.com", "password-1")
	require.NoError(t, err)

	const workers = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		oks int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Refresh(context.Background(), login.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				oks++
				return
			}
			if !errors.Is(err, domain.ErrInvalidToken) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, oks)
}

func TestRefreshExpiredToken(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, "reader@example.com", "password-1")
	login, err := h.svc.Login(context.Background(), "reader@example.com", "password-1")
	require.NoError(t, err)

	h.clock.Advance(7*24*time.Hour + time.Second)
	_, err = h.svc.Refresh(context.Background(), login.RefreshToken)
	require.ErrorIs(t, err, domain.ErrTokenExpired)

	_, err = h.svc.Refresh(context.Background(), "never-issued")
	require.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestLogoutRevokesRefreshTokens(t *testing.T) {
	h := newHarness(t)
	id := h.signUp(t, "reader@example.com", "password-1")
	login, err := h.svc.Login(context.Background(), "reader@example.com", "password-1")
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(context.Background(), id))
	require.Zero(t, h.activeCount(t, id))

	_, err = h.svc.Refresh(context.Background(), login.RefreshToken)
	require.ErrorIs(t, err, domain.ErrInvalidToken)

	// Access tokens are not revocable and stay valid until expiry.
	claims, err := h.svc.Authenticate(context.Background(), login.AccessToken)
	require.NoError(t, err)
	require.Equal(t, id, claims.UserID)
}

func TestAuthenticate(t *testing.T) {
	h := newHarness(t)
	id := h.signUp(t, "reader@example.com", "password-1")
	login, err := h.svc.Login(context.Background(), "reader@example.com", "password-1")
	require.NoError(t, err)

	claims, err := h.svc.Authenticate(context.Background(), login.AccessToken)
	require.NoError(t, err)
	require.Equal(t, id, claims.UserID)
	require.Equal(t, domain.RoleUser, claims.Role)

	_, err = h.svc.Authenticate(context.Background(), login.RefreshToken)
	require.ErrorIs(t, err, domain.ErrInvalidToken)

	h.clock.Advance(time.Hour + time.Second)
	_, err = h.svc.Authenticate(context.Background(), login.AccessToken)
	require.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestFirebaseLoginCreatesThenLinks(t *testing.T) {
	h := newHarness(t)
	h.verifier.identity = domain.FederatedIdentity{Provider: domain.ProviderFirebase, Subject: "fb-1", Email: "Fed@Example.com", Name: "Fed"}

	first, err := h.svc.FirebaseLogin(context.Background(), "id-token")
	require.NoError(t, err)
	require.Equal(t, service.TokenTypeFirebase, first.User.TokenType)
	require.Equal(t, "fed@example.com", first.User.Email)

	second, err := h.svc.FirebaseLogin(context.Background(), "id-token")
	require.NoError(t, err)
	require.Equal(t, first.User.ID, second.User.ID)
	require.Equal(t, 1, h.activeCount(t, first.User.ID))

	user, err := h.users.GetByID(context.Background(), first.User.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProviderFirebase, user.Provider)
	require.Equal(t, "fb-1", user.ProviderID)
	require.False(t, user.HasPassword())

	// No password yet, so password login must fail.
	_, err = h.svc.Login(context.Background(), "fed@example.com", "anything-1")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestFirebaseLoginAttachesToExistingAccount(t *testing.T) {
	h := newHarness(t)
	id := h.signUp(t, "reader@example.com", "password-1")
	h.verifier.identity = domain.FederatedIdentity{Provider: domain.ProviderFirebase, Subject: "fb-2", Email: "reader@example.com", EmailVerified: true}

	resp, err := h.svc.FirebaseLogin(context.Background(), "id-token")
	require.NoError(t, err)
	require.Equal(t, id, resp.User.ID)

	_, err = h.svc.Login(context.Background(), "reader@example.com", "password-1")
	require.NoError(t, err)

	// once bound, the same identity keeps working even without a verified email
	h.verifier.identity.EmailVerified = false
	_, err = h.svc.FirebaseLogin(context.Background(), "id-token")
	require.NoError(t, err)
}

func TestFirebaseLoginUnverifiedEmailCannotEnterPasswordAccount(t *testing.T) {
	h := newHarness(t)
	id := h.signUp(t, "reader@example.com", "password-1")
	h.verifier.identity = domain.FederatedIdentity{Provider: domain.ProviderFirebase, Subject: "fb-9", Email: "reader@example.com"}

	_, err := h.svc.FirebaseLogin(context.Background(), "id-token")
	require.ErrorIs(t, err, domain.ErrInvalidToken)
	require.Zero(t, h.activeCount(t, id))

	user, err := h.users.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.Empty(t, user.Provider)
}

func TestFirebaseLoginRejectsBadToken(t *testing.T) {
	h := newHarness(t)
	h.verifier.err = errors.New("signature mismatch")

	_, err := h.svc.FirebaseLogin(context.Background(), "id-token")
	require.ErrorIs(t, err, domain.ErrInvalidToken)

	_, err = h.svc.FirebaseLogin(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrInvalidToken)

	count, err := h.users.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestSetPassword(t *testing.T) {
	h := newHarness(t)
	h.verifier.identity = domain.FederatedIdentity{Provider: domain.ProviderFirebase, Subject: "fb-3", Email: "fed@example.com"}
	fed, err := h.svc.FirebaseLogin(context.Background(), "id-token")
	require.NoError(t, err)

	require.ErrorIs(t, h.svc.SetPassword(context.Background(), fed.User.ID, "", "short"), domain.ErrValidation)
	require.NoError(t, h.svc.SetPassword(context.Background(), fed.User.ID, "", "first-password"))

	_, err = h.svc.Login(context.Background(), "fed@example.com", "first-password")
	require.NoError(t, err)

	require.ErrorIs(t, h.svc.SetPassword(context.Background(), fed.User.ID, "wrong", "second-password"), domain.ErrInvalidCredentials)
	require.NoError(t, h.svc.SetPassword(context.Background(), fed.User.ID, "first-password", "second-password"))

	_, err = h.svc.Login(context.Background(), "fed@example.com", "first-password")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)

	require.ErrorIs(t, h.svc.SetPassword(context.Background(), 424242, "", "whatever-1"), domain.ErrUserNotFound)
}

func TestMe(t *testing.T) {
	h := newHarness(t)
	birth := time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC)
	id, err := h.svc.SignUp(context.Background(), service.SignUpInput{
		Email: "reader@example.com", Password: "password-1", Name: "Reader", Gender: "female", BirthDate: &birth,
	})
	require.NoError(t, err)

	profile, err := h.svc.Me(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "reader@example.com", profile.Email)
	require.Equal(t, "FEMALE", profile.Gender)
	require.NotNil(t, profile.BirthDate)
	require.Equal(t, "1990-05-17", *profile.BirthDate)
	require.True(t, profile.HasPassword)

	_, err = h.svc.Me(context.Background(), 99)
	require.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestRevokeSessions(t *testing.T) {
	h := newHarness(t)
	id := h.signUp(t, "reader@example.com", "password-1")
	_, err := h.svc.Login(context.Background(), "reader@example.com", "password-1")
	require.NoError(t, err)

	user := &jwt.Claims{UserID: id, Role: domain.RoleUser}
	require.ErrorIs(t, h.svc.RevokeSessions(context.Background(), user, id), domain.ErrForbidden)
	require.Equal(t, 1, h.activeCount(t, id))

	admin := &jwt.Claims{UserID: 1, Role: domain.RoleAdmin}
	require.ErrorIs(t, h.svc.RevokeSessions(context.Background(), admin, 999), domain.ErrUserNotFound)
	require.NoError(t, h.svc.RevokeSessions(context.Background(), admin, id))
	require.Zero(t, h.activeCount(t, id))
}
