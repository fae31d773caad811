package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppMetadata is provider-controlled user metadata
type AppMetadata map[string]any

// Provider returns the sign-in provider, if recorded
func (m AppMetadata) Provider() string {
	p, _ := m["provider"].(string)
	return p
}

// UserIdentity links a user to one sign-in provider
type UserIdentity struct {
	ID           string         `json:"id"`
	UserID       uuid.UUID      `json:"user_id"`
	IdentityData map[string]any `json:"identity_data,omitempty"`
	IdentityID   string         `json:"identity_id"`
	Provider     string         `json:"provider"`
	LastSignInAt string         `json:"last_sign_in_at,omitempty"`
	CreatedAt    *time.Time     `json:"created_at,omitempty"`
	UpdatedAt    *time.Time     `json:"updated_at,omitempty"`
}

// Factor is an enrolled multi-factor authentication method
type Factor struct {
	ID           string    `json:"id"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	FactorType   string    `json:"factor_type"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// User is an authenticated account
type User struct {
	ID                 uuid.UUID      `json:"id"`
	AppMetadata        AppMetadata    `json:"app_metadata"`
	UserMetadata       map[string]any `json:"user_metadata"`
	Aud                string         `json:"aud"`
	ConfirmationSentAt *time.Time     `json:"confirmation_sent_at,omitempty"`
	RecoverySentAt     *time.Time     `json:"recovery_sent_at,omitempty"`
	EmailChangeSentAt  *time.Time     `json:"email_change_sent_at,omitempty"`
	NewEmail           string         `json:"new_email,omitempty"`
	NewPhone           string         `json:"new_phone,omitempty"`
	InvitedAt          string         `json:"invited_at,omitempty"`
	ActionLink         string         `json:"action_link,omitempty"`
	Email              string         `json:"email,omitempty"`
	Phone              string         `json:"phone,omitempty"`
	ConfirmedAt        *time.Time     `json:"confirmed_at,omitempty"`
	EmailConfirmedAt   *time.Time     `json:"email_confirmed_at,omitempty"`
	PhoneConfirmedAt   string         `json:"phone_confirmed_at,omitempty"`
	LastSignInAt       *time.Time     `json:"last_sign_in_at,omitempty"`
	Role               string         `json:"role,omitempty"`
	Identities         []UserIdentity `json:"identities,omitempty"`
	Factors            []Factor       `json:"factors,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          *time.Time     `json:"updated_at,omitempty"`
}

// Validate checks the fields every user payload must carry
func (u *User) Validate() error {
	if u.ID == uuid.Nil {
		return errors.New("user: id is required")
	}
	if u.Aud == "" {
		return errors.New("user: aud is required")
	}
	if u.CreatedAt.IsZero() {
		return errors.New("user: created_at is required")
	}
	for i, f := range u.Factors {
		if f.Status != "verified" && f.Status != "unverified" {
			return fmt.Errorf("user: factors[%d]: invalid status %q", i, f.Status)
		}
	}
	return nil
}

// Session is a signed-in user's token set
type Session struct {
	ProviderToken        *string `json:"provider_token,omitempty"`
	ProviderRefreshToken *string `json:"provider_refresh_token,omitempty"`
	AccessToken          string  `json:"access_token"`
	RefreshToken         string  `json:"refresh_token"`
	ExpiresIn            int64   `json:"expires_in"`
	ExpiresAt            int64   `json:"expires_at,omitempty"`
	TokenType            string  `json:"token_type"`
	User                 User    `json:"user"`
}

// Validate checks the fields every session payload must carry
func (s *Session) Validate() error {
	if s.AccessToken == "" {
		return errors.New("session: access_token is required")
	}
	if s.RefreshToken == "" {
		return errors.New("session: refresh_token is required")
	}
	if s.TokenType == "" {
		return errors.New("session: token_type is required")
	}
	return s.User.Validate()
}

// Credentials identify a user by email or phone and password
type Credentials struct {
	Email    string         `json:"email,omitempty"`
	Phone    string         `json:"phone,omitempty"`
	Password string         `json:"password"`
	Data     map[string]any `json:"data,omitempty"`
}

// OAuthOptions configure a third-party sign-in redirect
type OAuthOptions struct {
	RedirectTo  string
	Scopes      string
	QueryParams map[string]string
}

// SignUpResult holds the created user, and the session when no
// confirmation step is pending
type SignUpResult struct {
	User    *User
	Session *Session
}

// EventKind names an auth state transition
type EventKind string

const (
	EventInitialSession   EventKind = "INITIAL_SESSION"
	EventSignedIn         EventKind = "SIGNED_IN"
	EventSignedOut        EventKind = "SIGNED_OUT"
	EventTokenRefreshed   EventKind = "TOKEN_REFRESHED"
	EventUserUpdated      EventKind = "USER_UPDATED"
	EventPasswordRecovery EventKind = "PASSWORD_RECOVERY"
)

// StateChange is one auth state event. Session is nil when signed out.
type StateChange struct {
	Event   EventKind
	Session *Session
}

// UserAttributes are the fields an update may change. Empty fields are left
// as they are.
type UserAttributes struct {
	Email    string         `json:"email,omitempty"`
	Phone    string         `json:"phone,omitempty"`
	Password string         `json:"password,omitempty"`
	Nonce    string         `json:"nonce,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}
