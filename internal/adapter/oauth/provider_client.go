package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	domainoauth "github.com/smallbiznis/bookstore-auth/internal/domain/oauth"
)

const googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// ProviderClient encapsulates outbound calls to an OAuth2 identity provider.
type ProviderClient interface {
	Name() string
	AuthCodeURL(state, codeVerifier string) string
	Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)
	FetchUserInfo(ctx context.Context, token *oauth2.Token) (*domainoauth.OAuthUserInfo, error)
}

// GoogleOptions configures the Google client. Endpoint and UserInfoURL default
// to Google's production endpoints.
type GoogleOptions struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     *oauth2.Endpoint
	UserInfoURL  string
	HTTPClient   *http.Client
}

// GoogleClient implements ProviderClient with x/oauth2 and PKCE.
type GoogleClient struct {
	config      *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

var _ ProviderClient = (*GoogleClient)(nil)

// NewGoogleClient constructs the Google ProviderClient.
func NewGoogleClient(opts GoogleOptions) *GoogleClient {
	endpoint := google.Endpoint
	if opts.Endpoint != nil {
		endpoint = *opts.Endpoint
	}
	userInfo := opts.UserInfoURL
	if userInfo == "" {
		userInfo = googleUserInfoURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoogleClient{
		config: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfoURL: userInfo,
		httpClient:  client,
	}
}

func (c *GoogleClient) Name() string { return "google" }

// AuthCodeURL builds the consent URL with an S256 PKCE challenge.
func (c *GoogleClient) AuthCodeURL(state, codeVerifier string) string {
	return c.config.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(codeVerifier))
}

// Exchange performs the OAuth token exchange.
func (c *GoogleClient) Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	token, err := c.config.Exchange(c.withClient(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	return token, nil
}

// FetchUserInfo loads the userinfo endpoint profile.
func (c *GoogleClient) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*domainoauth.OAuthUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.config.Client(c.withClient(ctx), token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read userinfo: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("userinfo failed: status=%d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}

	verified, _ := raw["email_verified"].(bool)
	return &domainoauth.OAuthUserInfo{
		Subject:       stringValue(raw["sub"]),
		Email:         strings.ToLower(strings.TrimSpace(stringValue(raw["email"]))),
		EmailVerified: verified,
		Name:          stringValue(coalesce(raw["name"], raw["given_name"])),
		Picture:       stringValue(raw["picture"]),
	}, nil
}

func (c *GoogleClient) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

func coalesce(values ...any) any {
	for _, v := range values {
		if s := stringValue(v); strings.TrimSpace(s) != "" {
			return v
		}
	}
	return nil
}
