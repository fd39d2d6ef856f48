package service

import (
	"time"

	"github.com/smallbiznis/bookstore-auth/internal/domain"
)

// Token types reported back to clients, by how the session was established.
const (
	TokenTypeUser     = "user_token"
	TokenTypeFirebase = "firebase_token"
	TokenTypeGoogle   = "google_token"
)

// SignUpInput carries a new account's profile.
type SignUpInput struct {
	Email     string
	Password  string
	Name      string
	Phone     string
	Address   string
	Gender    string
	BirthDate *time.Time
}

// LoginResponse bundles a fresh token pair with a minimal user summary.
type LoginResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	TokenType    string      `json:"tokenType"`
	ExpiresIn    int64       `json:"expiresIn"`
	User         UserSummary `json:"user"`
}

// UserSummary is the user part of a login response.
type UserSummary struct {
	ID        int64       `json:"id"`
	Email     string      `json:"email"`
	Name      string      `json:"name,omitempty"`
	Role      domain.Role `json:"role"`
	TokenType string      `json:"tokenType"`
}

// UserProfile is the authenticated user's own view of their account.
type UserProfile struct {
	ID          int64       `json:"id"`
	Email       string      `json:"email"`
	Name        string      `json:"name"`
	Phone       string      `json:"phoneNumber,omitempty"`
	Address     string      `json:"address,omitempty"`
	Gender      string      `json:"gender,omitempty"`
	BirthDate   *string     `json:"birthDate,omitempty"`
	Role        domain.Role `json:"role"`
	Provider    string      `json:"provider,omitempty"`
	HasPassword bool        `json:"hasPassword"`
	CreatedAt   time.Time   `json:"createdAt"`
}

func newUserProfile(u domain.User) UserProfile {
	p := UserProfile{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Phone:       u.Phone,
		Address:     u.Address,
		Gender:      u.Gender,
		Role:        u.Role,
		Provider:    u.Provider,
		HasPassword: u.HasPassword(),
		CreatedAt:   u.CreatedAt,
	}
	if u.BirthDate != nil {
		d := u.BirthDate.Format(time.DateOnly)
		p.BirthDate = &d
	}
	return p
}
