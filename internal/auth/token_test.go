package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksetu/internal/auth"
	"tasksetu/internal/db"
	"tasksetu/internal/domain"
	"tasksetu/internal/migrate"
	"tasksetu/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestVerifyMapsClaims(t *testing.T) {
	p := auth.NewTokenProvider("s3cret", nil)
	token, err := p.IssueToken(domain.Identity{ID: "u1", Name: "Asha", Email: "a@x.in"}, time.Hour)
	require.NoError(t, err)

	id, err := p.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.ID)
	assert.Equal(t, "Asha", id.Name)
	assert.True(t, strings.HasSuffix(id.AvatarURL, "seed=u1"), "missing picture falls back to the seed avatar")
}

func TestVerifyRejectsWrongSecretAndAlgorithm(t *testing.T) {
	p := auth.NewTokenProvider("s3cret", nil)
	other := auth.NewTokenProvider("other", nil)
	token, err := other.IssueToken(domain.Identity{ID: "u1"}, time.Hour)
	require.NoError(t, err)
	_, err = p.Verify(token)
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = p.Verify(none)
	var authErr *auth.Error
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "invalid_credentials", authErr.Code)
}

func TestDemoModeSignIn(t *testing.T) {
	r := newRepo(t)
	p := auth.NewTokenProvider("", r)
	var seen []*domain.Identity
	unsubscribe := p.OnIdentityChange(func(id *domain.Identity) { seen = append(seen, id) })
	defer unsubscribe()

	id, err := p.SignIn(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "demo-user", id.ID)
	require.Len(t, seen, 1)
	assert.Equal(t, "demo-user", seen[0].ID)

	stored, err := r.LoadIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Arjun Mehta (Demo)", stored.Name)
}

func TestGuestAndSignOut(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	p := auth.NewTokenProvider("s3cret", r)

	guest, err := p.SignInAsGuest(ctx)
	require.NoError(t, err)
	assert.True(t, guest.Guest)
	assert.Regexp(t, `^guest-[0-9a-z]{5}$`, guest.ID)

	restored := auth.NewTokenProvider("s3cret", r)
	cur, err := restored.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, guest.ID, cur.ID)

	var gotNil bool
	restored.OnIdentityChange(func(id *domain.Identity) { gotNil = id == nil })
	require.NoError(t, restored.SignOut(ctx))
	assert.True(t, gotNil)
	_, err = restored.Current(ctx)
	assert.ErrorIs(t, err, auth.ErrNotSignedIn)
}
