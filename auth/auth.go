package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks a
// required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Advertisement describes the validation policy an authenticator is
// willing to publish, for transports that serve discovery documents such
// as OAuth protected resource metadata.
type Advertisement struct {
	// Issuer is the authorization server expected to mint tokens.
	Issuer string
	// JWKSURI is the key set used for signature validation, when known.
	JWKSURI string
	// ScopesSupported lists scopes clients may request.
	ScopesSupported []string
}

// Advertiser is implemented by authenticators that can describe their
// validation policy. Transports probe for it with a type assertion.
type Advertiser interface {
	Advertisement() Advertisement
}
