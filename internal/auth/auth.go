package auth

import (
	"context"
	"errors"
	"fmt"

	"tasksetu/internal/domain"
)

// Error is an authentication failure with a stable code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrNotSignedIn       = errors.New("not signed in")
)

// Listener receives the new identity, or nil after sign-out.
type Listener func(id *domain.Identity)

// Provider is the identity source the session controller subscribes to.
type Provider interface {
	SignIn(ctx context.Context, credential string) (domain.Identity, error)
	SignInAsGuest(ctx context.Context) (domain.Identity, error)
	SignOut(ctx context.Context) error
	// Current returns ErrNotSignedIn when nobody is signed in.
	Current(ctx context.Context) (domain.Identity, error)
	OnIdentityChange(fn Listener) (unsubscribe func())
}

// IdentityStore persists the last-known identity on the device.
type IdentityStore interface {
	SaveIdentity(ctx context.Context, id domain.Identity) error
	LoadIdentity(ctx context.Context) (domain.Identity, error)
	ClearIdentity(ctx context.Context) error
}
