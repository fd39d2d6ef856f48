package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/bookstore-auth/internal/clock"
	"github.com/smallbiznis/bookstore-auth/internal/config"
	"github.com/smallbiznis/bookstore-auth/internal/domain"
	"github.com/smallbiznis/bookstore-auth/internal/jwt"
	pw "github.com/smallbiznis/bookstore-auth/internal/password"
	"github.com/smallbiznis/bookstore-auth/internal/repository"
)

// FederationVerifier checks a third-party ID token server-side.
type FederationVerifier interface {
	Verify(ctx context.Context, rawToken string) (domain.FederatedIdentity, error)
}

// AuthService encapsulates authentication flows.
type AuthService struct {
	users     repository.UserRepository
	tokens    repository.RefreshTokenRepository
	firebase  FederationVerifier
	snowflake *snowflake.Node
	jwt       *jwt.Generator
	clock     clock.Clock
	cfg       config.Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewAuthService wires dependencies. A nil tracers falls back to the global
// OpenTelemetry provider.
func NewAuthService(users repository.UserRepository, tokens repository.RefreshTokenRepository, firebase FederationVerifier, node *snowflake.Node, generator *jwt.Generator, clk clock.Clock, cfg config.Config, logger *zap.Logger, tracers trace.TracerProvider) *AuthService {
	if tracers == nil {
		tracers = otel.GetTracerProvider()
	}
	return &AuthService{
		users:     users,
		tokens:    tokens,
		firebase:  firebase,
		snowflake: node,
		jwt:       generator,
		clock:     clock.Or(clk),
		cfg:       cfg,
		logger:    logger,
		tracer:    tracers.Tracer("github.com/smallbiznis/bookstore-auth/internal/service"),
	}
}

// SignUp registers a password account with the USER role and returns its id.
func (s *AuthService) SignUp(ctx context.Context, in SignUpInput) (int64, error) {
	ctx, span := s.startSpan(ctx, "AuthService.SignUp")
	defer span.End()

	email, err := normalizeEmail(in.Email)
	if err != nil {
		return 0, err
	}
	if err := s.checkPassword(in.Password); err != nil {
		return 0, err
	}
	gender, err := normalizeGender(in.Gender)
	if err != nil {
		return 0, err
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return 0, domain.ErrDuplicateEmail
	} else if !errors.Is(err, repository.ErrNotFound) {
		span.RecordError(err)
		return 0, fmt.Errorf("signup lookup: %w", err)
	}

	hash, err := pw.Hash(in.Password)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("signup hash password: %w", err)
	}

	created, err := s.users.Create(ctx, domain.User{
		ID:           s.snowflake.Generate().Int64(),
		Email:        email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(in.Name),
		Phone:        strings.TrimSpace(in.Phone),
		Address:      strings.TrimSpace(in.Address),
		Gender:       gender,
		BirthDate:    in.BirthDate,
		Role:         domain.RoleUser,
	})
	if err != nil {
		// The unique index decides between concurrent sign-ups.
		if errors.Is(err, repository.ErrDuplicate) {
			return 0, domain.ErrDuplicateEmail
		}
		span.RecordError(err)
		return 0, fmt.Errorf("signup create user: %w", err)
	}

	s.audit("user.signup", "user_id", created.ID)
	return created.ID, nil
}

// Login authenticates with email and password and starts a new session.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Login")
	defer span.End()

	normalized := strings.ToLower(strings.TrimSpace(email))
	user, err := s.users.GetByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			pw.VerifyAbsent(password)
			s.audit("password.login.failure", "reason", "unknown_email")
			return nil, domain.ErrInvalidCredentials
		}
		span.RecordError(err)
		return nil, fmt.Errorf("login lookup: %w", err)
	}
	if !user.HasPassword() {
		pw.VerifyAbsent(password)
		s.audit("password.login.failure", "user_id", user.ID, "reason", "no_password")
		return nil, domain.ErrInvalidCredentials
	}

	valid, err := pw.Verify(password, user.PasswordHash)
	if err != nil {
		s.log().Warn("stored password hash unreadable", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	if err != nil || !valid {
		s.audit("password.login.failure", "user_id", user.ID, "reason", "mismatch")
		return nil, domain.ErrInvalidCredentials
	}

	if pw.NeedsRehash(user.PasswordHash) {
		s.upgradeHash(ctx, user.ID, password)
	}

	resp, err := s.issueSession(ctx, user, TokenTypeUser)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.audit("password.login.success", "user_id", user.ID)
	return resp, nil
}

// FirebaseLogin verifies a Firebase ID token and signs the user in, creating
// the account on first sight.
func (s *AuthService) FirebaseLogin(ctx context.Context, idToken string) (*LoginResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.FirebaseLogin")
	defer span.End()

	if s.firebase == nil || strings.TrimSpace(idToken) == "" {
		return nil, domain.ErrInvalidToken
	}

	verifyCtx, cancel := s.withTimeout(ctx)
	identity, err := s.firebase.Verify(verifyCtx, idToken)
	cancel()
	if err != nil {
		span.RecordError(err)
		s.log().Info("firebase token rejected", zap.Error(err))
		return nil, domain.ErrInvalidToken
	}

	return s.FederatedLogin(ctx, identity, TokenTypeFirebase)
}

// FederatedLogin finds or creates the local account for a verified identity
// and starts a new session.
func (s *AuthService) FederatedLogin(ctx context.Context, identity domain.FederatedIdentity, tokenType string) (*LoginResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.FederatedLogin")
	defer span.End()

	identity.Email = strings.ToLower(strings.TrimSpace(identity.Email))
	if identity.Email == "" || identity.Subject == "" || identity.Provider == "" {
		return nil, domain.ErrInvalidToken
	}

	result, err := s.users.UpsertFederated(ctx, s.snowflake.Generate().Int64(), identity)
	if errors.Is(err, repository.ErrUnverifiedLink) {
		s.audit("federated.login.failure", "provider", identity.Provider, "reason", "unverified_email")
		return nil, domain.NewError(domain.CodeInvalidToken, "Email is not verified with the identity provider.")
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("federated upsert: %w", err)
	}
	if result.Created {
		s.audit("federated.user.created", "user_id", result.User.ID, "provider", identity.Provider)
	}

	resp, err := s.issueSession(ctx, result.User, tokenType)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.audit("federated.login.success", "user_id", result.User.ID, "provider", identity.Provider)
	return resp, nil
}

// Refresh exchanges an active refresh token for a new pair. The presented
// token is consumed.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*LoginResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Refresh")
	defer span.End()

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, domain.ErrInvalidToken
	}

	stored, err := s.tokens.FindActive(ctx, refreshToken, s.clock.Now())
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.audit("refresh.failure", "reason", "unknown_or_revoked")
		return nil, domain.ErrInvalidToken
	case errors.Is(err, repository.ErrExpired):
		s.audit("refresh.failure", "user_id", stored.UserID, "reason", "expired")
		return nil, domain.ErrTokenExpired
	case err != nil:
		span.RecordError(err)
		return nil, fmt.Errorf("refresh lookup: %w", err)
	}

	user, err := s.users.GetByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrInvalidToken
		}
		span.RecordError(err)
		return nil, fmt.Errorf("refresh load user: %w", err)
	}

	resp, next, err := s.newSession(ctx, user, TokenTypeUser)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.tokens.Rotate(ctx, refreshToken, next); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Lost a race with another refresh of the same token.
			s.audit("refresh.failure", "user_id", user.ID, "reason", "already_rotated")
			return nil, domain.ErrInvalidToken
		}
		span.RecordError(err)
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	s.audit("refresh.success", "user_id", user.ID)
	return resp, nil
}

// Logout revokes every refresh token of the user. Access tokens stay valid
// until they expire.
func (s *AuthService) Logout(ctx context.Context, userID int64) error {
	ctx, span := s.startSpan(ctx, "AuthService.Logout")
	defer span.End()

	if err := s.tokens.RevokeAll(ctx, userID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("logout: %w", err)
	}
	s.audit("logout", "user_id", userID)
	return nil
}

// Me returns the profile of the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID int64) (*UserProfile, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Me")
	defer span.End()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrUserNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("me: %w", err)
	}
	profile := newUserProfile(user)
	return &profile, nil
}

// SetPassword adds or changes the account password. Accounts that already
// have one must present it.
func (s *AuthService) SetPassword(ctx context.Context, userID int64, current, next string) error {
	ctx, span := s.startSpan(ctx, "AuthService.SetPassword")
	defer span.End()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrUserNotFound
		}
		span.RecordError(err)
		return fmt.Errorf("set password lookup: %w", err)
	}
	if user.HasPassword() {
		ok, verr := pw.Verify(current, user.PasswordHash)
		if verr != nil || !ok {
			return domain.ErrInvalidCredentials
		}
	}
	if err := s.checkPassword(next); err != nil {
		return err
	}

	hash, err := pw.Hash(next)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("set password hash: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		span.RecordError(err)
		return fmt.Errorf("set password: %w", err)
	}
	s.audit("password.set", "user_id", userID, "first_password", !user.HasPassword())
	return nil
}

// RevokeSessions revokes every refresh token of userID on behalf of an admin.
func (s *AuthService) RevokeSessions(ctx context.Context, actor *jwt.Claims, userID int64) error {
	ctx, span := s.startSpan(ctx, "AuthService.RevokeSessions")
	defer span.End()

	if actor == nil || actor.Role != domain.RoleAdmin {
		return domain.ErrForbidden
	}
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrUserNotFound
		}
		span.RecordError(err)
		return fmt.Errorf("revoke sessions lookup: %w", err)
	}
	if err := s.tokens.RevokeAll(ctx, userID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("revoke sessions: %w", err)
	}
	s.audit("admin.sessions.revoked", "actor_id", actor.UserID, "user_id", userID)
	return nil
}

// Authenticate validates a bearer access token.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*jwt.Claims, error) {
	claims, err := s.jwt.ValidateAccessToken(ctx, accessToken)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, domain.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalid):
		return nil, domain.ErrInvalidToken
	default:
		return nil, fmt.Errorf("authenticate: %w", err)
	}
}

// issueSession creates a token pair and makes its refresh token the only
// active one for the user.
func (s *AuthService) issueSession(ctx context.Context, user domain.User, tokenType string) (*LoginResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.issueSession")
	defer span.End()

	resp, row, err := s.newSession(ctx, user, tokenType)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.tokens.ReplaceAll(ctx, row); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}
	return resp, nil
}

func (s *AuthService) newSession(ctx context.Context, user domain.User, tokenType string) (*LoginResponse, domain.RefreshToken, error) {
	access, _, err := s.jwt.CreateAccessToken(ctx, user.ID, user.Email, user.Role)
	if err != nil {
		return nil, domain.RefreshToken{}, fmt.Errorf("generate access token: %w", err)
	}
	refresh, refreshExpiry, err := s.jwt.CreateRefreshToken(ctx, user.ID)
	if err != nil {
		return nil, domain.RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}

	row := domain.RefreshToken{
		ID:        s.snowflake.Generate().Int64(),
		Token:     refresh,
		UserID:    user.ID,
		ExpiresAt: refreshExpiry,
		CreatedAt: s.clock.Now().UTC(),
	}
	resp := &LoginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.jwt.AccessTTL().Seconds()),
		User: UserSummary{
			ID:        user.ID,
			Email:     user.Email,
			Name:      user.Name,
			Role:      user.Role,
			TokenType: tokenType,
		},
	}
	return resp, row, nil
}

func (s *AuthService) upgradeHash(ctx context.Context, userID int64, password string) {
	hash, err := pw.Hash(password)
	if err == nil {
		err = s.users.UpdatePassword(ctx, userID, hash)
	}
	if err != nil {
		s.log().Warn("password rehash failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	s.audit("password.rehashed", "user_id", userID)
}

func (s *AuthService) checkPassword(password string) error {
	minLen := s.cfg.PasswordMinLength
	if minLen <= 0 {
		minLen = 8
	}
	if len([]rune(password)) < minLen {
		return domain.NewError(domain.CodeValidationFailed, fmt.Sprintf("Password must be at least %d characters.", minLen))
	}
	return nil
}

func (s *AuthService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

func normalizeEmail(email string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(normalized)
	if err != nil || addr.Address != normalized {
		return "", domain.NewError(domain.CodeValidationFailed, "Email is not valid.")
	}
	return normalized, nil
}

func normalizeGender(gender string) (string, error) {
	g := strings.ToUpper(strings.TrimSpace(gender))
	switch g {
	case "", "MALE", "FEMALE":
		return g, nil
	default:
		return "", domain.NewError(domain.CodeValidationFailed, "Gender must be MALE or FEMALE.")
	}
}

func (s *AuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *AuthService) audit(event string, attrs ...any) {
	logger := s.log()
	if logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", s.clock.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}

func (s *AuthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
