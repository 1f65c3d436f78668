// Package identity talks to the external identity provider that owns
// credentials and email verification.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrIdentityExists is returned by CreateIdentity when the email is
	// already registered with the provider.
	ErrIdentityExists = errors.New("identity: already exists for email")
	// ErrIdentityNotFound is returned when a lookup matches no account.
	ErrIdentityNotFound = errors.New("identity: not found")
)

// Identity is an account as the provider sees it.
type Identity struct {
	DurableID     string `json:"durable_id"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

// NewIdentity carries the fields needed to create an account. The password
// is passed through to the provider and never kept.
type NewIdentity struct {
	Email       string
	Password    string
	DisplayName string
}

// Provider is the subset of the identity provider the registration flow needs.
type Provider interface {
	CreateIdentity(ctx context.Context, in NewIdentity) (*Identity, error)
	FindIdentityByEmail(ctx context.Context, email string) (*Identity, error)
	GenerateVerificationLink(ctx context.Context, email string) (string, error)
}

// Page is one batch of accounts returned by a Lister.
type Page struct {
	Identities    []Identity
	NextPageToken string
}

// Lister pages through every account of the project.
type Lister interface {
	ListIdentities(ctx context.Context, pageToken string, max int) (*Page, error)
}
