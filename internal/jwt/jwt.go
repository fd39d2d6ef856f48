package jwt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/smallbiznis/bookstore-auth/internal/clock"
	"github.com/smallbiznis/bookstore-auth/internal/domain"
)

const (
	useAccess  = "access"
	useRefresh = "refresh"
)

var (
	// ErrTokenExpired is returned for a well-signed token past its expiry.
	ErrTokenExpired = errors.New("jwt: token expired")
	// ErrTokenInvalid covers malformed tokens, bad signatures and wrong token types.
	ErrTokenInvalid = errors.New("jwt: token invalid")
)

// Generator signs and validates the service's JWTs.
type Generator struct {
	keys       *KeyManager
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	clock      clock.Clock
}

// Options configures a Generator.
type Options struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
	Clock      clock.Clock
}

// NewGenerator constructs a JWT generator.
func NewGenerator(manager *KeyManager, opts Options) *Generator {
	return &Generator{
		keys:       manager,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		issuer:     opts.Issuer,
		clock:      clock.Or(opts.Clock),
	}
}

// AccessTTL is the lifetime of issued access tokens.
func (g *Generator) AccessTTL() time.Duration { return g.accessTTL }

// RefreshTTL is the lifetime of issued refresh tokens.
func (g *Generator) RefreshTTL() time.Duration { return g.refreshTTL }

// customClaims is the private part of the JWT payload.
type customClaims struct {
	TokenUse string      `json:"token_use"`
	Role     domain.Role `json:"role,omitempty"`
	Email    string      `json:"email,omitempty"`
}

// Claims is the validated content of an access token.
type Claims struct {
	UserID    int64
	Subject   string
	Email     string
	Role      domain.Role
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CreateAccessToken issues a short-lived token carrying the subject's role.
func (g *Generator) CreateAccessToken(ctx context.Context, userID int64, email string, role domain.Role) (string, time.Time, error) {
	return g.sign(ctx, userID, g.accessTTL, customClaims{TokenUse: useAccess, Role: role, Email: email})
}

// CreateRefreshToken issues a long-lived token. It is honoured only while its
// ledger row is active.
func (g *Generator) CreateRefreshToken(ctx context.Context, userID int64) (string, time.Time, error) {
	return g.sign(ctx, userID, g.refreshTTL, customClaims{TokenUse: useRefresh})
}

func (g *Generator) sign(ctx context.Context, userID int64, ttl time.Duration, custom customClaims) (string, time.Time, error) {
	key, err := g.keys.EnsureSigningKey(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("ensure signing key: %w", err)
	}

	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.SignatureAlgorithm(key.Algorithm), Key: key.Secret}, (&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KID))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("new signer: %w", err)
	}

	now := g.clock.Now().UTC()
	expires := now.Add(ttl)
	std := gojwt.Claims{
		ID:        uuid.NewString(),
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    g.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(expires),
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("serialize jwt: %w", err)
	}
	return token, expires, nil
}

// ValidateAccessToken verifies signature, issuer, expiry and token type.
func (g *Generator) ValidateAccessToken(ctx context.Context, token string) (*Claims, error) {
	key, err := g.keys.EnsureSigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}

	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.SignatureAlgorithm(key.Algorithm)})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", ErrTokenInvalid)
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID != key.KID {
		return nil, fmt.Errorf("unknown key id: %w", ErrTokenInvalid)
	}

	var std gojwt.Claims
	var custom customClaims
	if err := parsed.Claims(key.Secret, &std, &custom); err != nil {
		return nil, fmt.Errorf("verify token: %w", ErrTokenInvalid)
	}

	if err := std.ValidateWithLeeway(gojwt.Expected{Issuer: g.issuer, Time: g.clock.Now()}, 0); err != nil {
		if errors.Is(err, gojwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("validate claims: %w", ErrTokenInvalid)
	}
	if custom.TokenUse != useAccess {
		return nil, fmt.Errorf("token use %q: %w", custom.TokenUse, ErrTokenInvalid)
	}

	userID, err := strconv.ParseInt(std.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", ErrTokenInvalid)
	}

	claims := &Claims{
		UserID:  userID,
		Subject: std.Subject,
		Email:   custom.Email,
		Role:    custom.Role,
		TokenID: std.ID,
	}
	if std.IssuedAt != nil {
		claims.IssuedAt = std.IssuedAt.Time()
	}
	if std.Expiry != nil {
		claims.ExpiresAt = std.Expiry.Time()
	}
	return claims, nil
}
