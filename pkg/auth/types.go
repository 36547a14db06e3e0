package auth

import "time"

// User is a local account created on first federated login.
type User struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	BaseRole   string    `json:"base_role"`
	Department string    `json:"department,omitempty"`
	// ResourcePermissions grants extra permissions scoped to a resource name.
	ResourcePermissions map[string][]string `json:"resource_permissions,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Session is the credential pair returned after login or refresh.
type Session struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// RefreshRecord is the persisted form of a refresh token.
type RefreshRecord struct {
	TokenHash string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// AuthContext holds the authenticated principal for a request.
type AuthContext struct {
	UserID  string
	Email   string
	Role    string
	TokenID string
}
