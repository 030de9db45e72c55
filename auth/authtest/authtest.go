// Package authtest provides trivial Authenticator implementations for
// tests and development environments.
package authtest

import (
	"context"
	"fmt"

	"github.com/wireline/linerpc-go/auth"
)

// Static authenticates exact token strings against a fixed table.
type Static struct {
	users map[string]string // token -> user id
}

var _ auth.Authenticator = (*Static)(nil)

// NewStatic builds a Static authenticator from a token to user id table.
func NewStatic(users map[string]string) *Static {
	cp := make(map[string]string, len(users))
	for tok, uid := range users {
		cp[tok] = uid
	}
	return &Static{users: cp}
}

func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := s.users[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return &staticUser{id: uid}, nil
}

// NoAuth accepts every non-empty token and reports a fixed user.
type NoAuth struct {
	UserID string
}

var _ auth.Authenticator = (*NoAuth)(nil)

// NewNoAuth creates a NoAuth authenticator. An empty userID defaults to
// "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return &staticUser{id: n.UserID}, nil
}

type staticUser struct {
	id string
}

func (u *staticUser) UserID() string       { return u.id }
func (u *staticUser) Claims(ref any) error { return nil }
