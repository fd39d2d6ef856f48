package domain

import "time"

// Role is the authorization level carried in access tokens.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Federation provider names stored on users.
const (
	ProviderFirebase = "firebase"
	ProviderGoogle   = "google"
)

// User is a bookstore account. PasswordHash is empty for federated-only accounts.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Name         string
	Phone        string
	Address      string
	Gender       string
	BirthDate    *time.Time
	Role         Role
	Provider     string
	ProviderID   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u User) HasPassword() bool {
	return u.PasswordHash != ""
}

func (u User) IsFederated() bool {
	return u.Provider != "" && u.ProviderID != ""
}

// HasAuthMethod reports whether the account can sign in at all.
func (u User) HasAuthMethod() bool {
	return u.HasPassword() || u.IsFederated()
}

// FederatedIdentity is a verified third-party identity.
type FederatedIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// UpsertResult tags the outcome of a federated find-or-create.
type UpsertResult struct {
	User    User
	Created bool
}
