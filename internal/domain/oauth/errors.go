package oauth

import "errors"

var (
	// ErrProviderDisabled signals the provider has no client credentials configured.
	ErrProviderDisabled = errors.New("oauth: provider disabled")
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrInvalidState indicates the OAuth state is unknown, expired or already used.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrTokenInvalid indicates the provider returned an unusable token or profile.
	ErrTokenInvalid = errors.New("oauth: token invalid")
)
