package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	oauthadapter "github.com/smallbiznis/bookstore-auth/internal/adapter/oauth"
	"github.com/smallbiznis/bookstore-auth/internal/clock"
	"github.com/smallbiznis/bookstore-auth/internal/domain"
	domainoauth "github.com/smallbiznis/bookstore-auth/internal/domain/oauth"
	"github.com/smallbiznis/bookstore-auth/internal/repository"
	"github.com/smallbiznis/bookstore-auth/internal/service"
)

// OAuthService drives the browser redirect sign-in flow.
type OAuthService interface {
	StartAuthorization(ctx context.Context, in StartAuthorizationInput) (*StartAuthorizationOutput, error)
	HandleCallback(ctx context.Context, in OAuthCallbackInput) (*service.LoginResponse, error)
}

// SessionIssuer signs in a verified federated identity.
type SessionIssuer interface {
	FederatedLogin(ctx context.Context, identity domain.FederatedIdentity, tokenType string) (*service.LoginResponse, error)
}

// StartAuthorizationInput contains parameters for constructing authorization URLs.
type StartAuthorizationInput struct {
	Provider string
}

// StartAuthorizationOutput returns the prepared authorization URL.
type StartAuthorizationOutput struct {
	AuthorizationURL string
	State            string
}

// OAuthCallbackInput captures callback query parameters.
type OAuthCallbackInput struct {
	Provider string
	Code     string
	State    string
}

type oauthService struct {
	stateStore repository.OAuthStateStore
	providers  map[string]oauthadapter.ProviderClient
	sessions   SessionIssuer
	clock      clock.Clock
	logger     *zap.Logger
}

// NewOAuthService wires the OAuth service implementation. Providers missing
// from the list are reported as disabled.
func NewOAuthService(
	stateStore repository.OAuthStateStore,
	providers []oauthadapter.ProviderClient,
	sessions SessionIssuer,
	clk clock.Clock,
	logger *zap.Logger,
) OAuthService {
	byName := make(map[string]oauthadapter.ProviderClient, len(providers))
	for _, p := range providers {
		if p != nil {
			byName[strings.ToLower(p.Name())] = p
		}
	}
	return &oauthService{
		stateStore: stateStore,
		providers:  byName,
		sessions:   sessions,
		clock:      clock.Or(clk),
		logger:     logger,
	}
}

const (
	statePrefix = "oauth:state:"
	stateTTL    = 5 * time.Minute
)

func (s *oauthService) StartAuthorization(ctx context.Context, in StartAuthorizationInput) (*StartAuthorizationOutput, error) {
	client, err := s.provider(in.Provider)
	if err != nil {
		return nil, err
	}

	state, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	payload := domainoauth.OAuthState{
		State:        state,
		CodeVerifier: verifier,
		Provider:     client.Name(),
		CreatedAt:    s.clock.Now().UTC(),
	}
	if err := s.stateStore.SaveState(ctx, buildStateKey(state), payload, stateTTL); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}

	return &StartAuthorizationOutput{
		AuthorizationURL: client.AuthCodeURL(state, verifier),
		State:            state,
	}, nil
}

func (s *oauthService) HandleCallback(ctx context.Context, in OAuthCallbackInput) (*service.LoginResponse, error) {
	if err := validateCallbackInput(in); err != nil {
		return nil, err
	}
	client, err := s.provider(in.Provider)
	if err != nil {
		return nil, err
	}

	state, err := s.stateStore.ConsumeState(ctx, buildStateKey(in.State))
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state == nil || !strings.EqualFold(state.Provider, client.Name()) {
		return nil, domainoauth.ErrInvalidState
	}

	token, err := client.Exchange(ctx, in.Code, state.CodeVerifier)
	if err != nil {
		s.log().Info("oauth code exchange failed", zap.String("provider", client.Name()), zap.Error(err))
		return nil, domainoauth.ErrTokenInvalid
	}

	info, err := client.FetchUserInfo(ctx, token)
	if err != nil {
		s.log().Info("oauth userinfo failed", zap.String("provider", client.Name()), zap.Error(err))
		return nil, domainoauth.ErrTokenInvalid
	}
	// Accounts are linked by email, so only verified addresses are accepted.
	if strings.TrimSpace(info.Subject) == "" || strings.TrimSpace(info.Email) == "" || !info.EmailVerified {
		return nil, domainoauth.ErrTokenInvalid
	}

	return s.sessions.FederatedLogin(ctx, domain.FederatedIdentity{
		Provider:      client.Name(),
		Subject:       info.Subject,
		Email:         info.Email,
		EmailVerified: true,
		Name:          info.Name,
	}, service.TokenTypeGoogle)
}

func (s *oauthService) provider(name string) (oauthadapter.ProviderClient, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, domainoauth.ErrInvalidRequest
	}
	client, ok := s.providers[key]
	if !ok {
		return nil, domainoauth.ErrProviderDisabled
	}
	return client, nil
}

func validateCallbackInput(in OAuthCallbackInput) error {
	if strings.TrimSpace(in.State) == "" || strings.TrimSpace(in.Code) == "" {
		return domainoauth.ErrInvalidRequest
	}
	return nil
}

func buildStateKey(state string) string {
	return statePrefix + strings.TrimSpace(state)
}

func secureRandomString(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *oauthService) log() *zap.Logger {
	if s.logger != nil {
		return s.logger
	}
	return zap.L()
}
