package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tasksetu/internal/domain"
	"tasksetu/internal/repo"
)

const avatarSeedURL = "https://api.dicebear.com/7.x/avataaars/svg?seed="

// DemoIdentity is used when no signing secret is configured.
var DemoIdentity = domain.Identity{
	ID:        "demo-user",
	Name:      "Arjun Mehta (Demo)",
	Email:     "demo@tasksetu.in",
	AvatarURL: avatarSeedURL + "Arjun",
}

// Claims is the ID token payload.
type Claims struct {
	jwt.RegisteredClaims
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Picture     string `json:"picture,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// TokenProvider signs users in from HS256 ID tokens and remembers the last
// identity in the local mirror.
type TokenProvider struct {
	secret string
	store  IdentityStore
	now    func() time.Time

	mu      sync.Mutex
	current *domain.Identity
	loaded  bool
	subs    map[int]Listener
	nextSub int
}

func NewTokenProvider(secret string, store IdentityStore) *TokenProvider {
	return &TokenProvider{secret: strings.TrimSpace(secret), store: store, now: time.Now, subs: map[int]Listener{}}
}

// DemoMode reports whether sign-in bypasses token verification.
func (p *TokenProvider) DemoMode() bool {
	return p.secret == ""
}

// Verify checks an ID token and maps its claims to an identity.
func (p *TokenProvider) Verify(token string) (domain.Identity, error) {
	if p.secret == "" {
		return domain.Identity{}, &Error{Code: "auth_unconfigured", Message: "token verification is not configured"}
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(p.now))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(p.secret), nil
	})
	if err != nil {
		return domain.Identity{}, &Error{Code: "invalid_credentials", Message: "invalid credentials", Err: errors.Join(ErrInvalidCredential, err)}
	}
	if !parsed.Valid || claims.Subject == "" {
		return domain.Identity{}, &Error{Code: "invalid_credentials", Message: "subject claim required", Err: ErrInvalidCredential}
	}
	return identityFromClaims(claims), nil
}

func identityFromClaims(c *Claims) domain.Identity {
	id := domain.Identity{
		ID:          c.Subject,
		Name:        c.Name,
		Email:       c.Email,
		AvatarURL:   c.Picture,
		PhoneNumber: c.PhoneNumber,
	}
	if id.Name == "" {
		id.Name = "User"
	}
	if id.AvatarURL == "" {
		id.AvatarURL = avatarSeedURL + id.ID
	}
	return id
}

// IssueToken mints an ID token for id. Used by the CLI and tests.
func (p *TokenProvider) IssueToken(id domain.Identity, ttl time.Duration) (string, error) {
	if p.secret == "" {
		return "", &Error{Code: "auth_unconfigured", Message: "token signing is not configured"}
	}
	now := p.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Name:        id.Name,
		Email:       id.Email,
		Picture:     id.AvatarURL,
		PhoneNumber: id.PhoneNumber,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(p.secret))
}

func (p *TokenProvider) SignIn(ctx context.Context, credential string) (domain.Identity, error) {
	var (
		id  domain.Identity
		err error
	)
	if p.DemoMode() {
		id = DemoIdentity
	} else {
		id, err = p.Verify(strings.TrimSpace(credential))
		if err != nil {
			return domain.Identity{}, err
		}
	}
	if err := p.set(ctx, &id); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

func (p *TokenProvider) SignInAsGuest(ctx context.Context) (domain.Identity, error) {
	suffix, err := randomBase36(5)
	if err != nil {
		return domain.Identity{}, err
	}
	seed, err := randomBase36(8)
	if err != nil {
		return domain.Identity{}, err
	}
	id := domain.Identity{
		ID:        "guest-" + suffix,
		Name:      "Guest User",
		Email:     "guest@tasksetu.in",
		AvatarURL: avatarSeedURL + seed,
		Guest:     true,
	}
	if err := p.set(ctx, &id); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

func (p *TokenProvider) SignOut(ctx context.Context) error {
	return p.set(ctx, nil)
}

// Current restores the persisted identity on first use.
func (p *TokenProvider) Current(ctx context.Context) (domain.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded && p.store != nil {
		id, err := p.store.LoadIdentity(ctx)
		switch {
		case err == nil:
			p.current = &id
		case errors.Is(err, repo.ErrNotFound):
		default:
			return domain.Identity{}, err
		}
		p.loaded = true
	}
	if p.current == nil {
		return domain.Identity{}, ErrNotSignedIn
	}
	return *p.current, nil
}

func (p *TokenProvider) OnIdentityChange(fn Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := p.nextSub
	p.nextSub++
	p.subs[key] = fn
	return func() {
		p.mu.Lock()
		delete(p.subs, key)
		p.mu.Unlock()
	}
}

func (p *TokenProvider) set(ctx context.Context, id *domain.Identity) error {
	if p.store != nil {
		var err error
		if id == nil {
			err = p.store.ClearIdentity(ctx)
		} else {
			err = p.store.SaveIdentity(ctx, *id)
		}
		if err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.current = id
	p.loaded = true
	listeners := make([]Listener, 0, len(p.subs))
	for _, fn := range p.subs {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()
	for _, fn := range listeners {
		if id == nil {
			fn(nil)
			continue
		}
		cp := *id
		fn(&cp)
	}
	return nil
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(base36)))
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = base36[v.Int64()]
	}
	return string(b), nil
}
