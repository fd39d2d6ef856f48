package oauth

import "time"

// OAuthState captures the state/pkce pair persisted between start and callback.
type OAuthState struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier"`
	Provider     string    `json:"provider"`
	CreatedAt    time.Time `json:"created_at"`
}

// OAuthUserInfo is the normalized profile returned by the provider userinfo endpoint.
type OAuthUserInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
}
