package firelite

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Scope requested for Google default credentials.
const datastoreScope = "https://www.googleapis.com/auth/datastore"

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = 5 * time.Minute

// A Token is a short-lived bearer credential.
// A zero ExpiresAt means the token never expires.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// A TokenProvider returns a bearer credential for every
// request. Implementations must be safe for concurrent use.
type TokenProvider interface {
	Token(ctx context.Context) (Token, error)
}

// StaticToken is a TokenProvider that always returns the
// same non-expiring token (e.g. "owner" for the emulator).
type StaticToken string

// Token implements TokenProvider.
func (s StaticToken) Token(context.Context) (Token, error) {
	return Token{Value: string(s)}, nil
}

// TokenCache wraps an oauth2.TokenSource and caches its
// token until five minutes before it expires.
//
// It is safe for concurrent use.
type TokenCache struct {
	mu      sync.Mutex
	source  oauth2.TokenSource
	clock   clockwork.Clock
	current Token
}

// NewTokenCache returns a TokenCache over source. If clock is
// nil, the real clock is used.
func NewTokenCache(source oauth2.TokenSource, clock clockwork.Clock) *TokenCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &TokenCache{source: source, clock: clock}
}

// Token implements TokenProvider. Failures are marked
// ErrAuthenticationFailed.
func (tc *TokenCache) Token(ctx context.Context) (Token, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.valid() {
		return tc.current, nil
	}

	if err := ctx.Err(); err != nil {
		return Token{}, err
	}

	t, err := tc.source.Token()
	if err != nil {
		return Token{}, errors.Mark(errors.Wrap(err, "firelite: fetching access token"), ErrAuthenticationFailed)
	}

	if t.AccessToken == "" {
		return Token{}, errors.Wrap(ErrAuthenticationFailed, "firelite: token source returned an empty token")
	}

	tc.current = Token{Value: t.AccessToken, ExpiresAt: t.Expiry}
	return tc.current, nil
}

func (tc *TokenCache) valid() bool {
	if tc.current.Value == "" {
		return false
	}

	if tc.current.ExpiresAt.IsZero() {
		return true
	}

	return tc.clock.Now().Add(refreshMargin).Before(tc.current.ExpiresAt)
}

// the process-wide cache over Google default credentials,
// populated lazily by the first Connection that needs it
var defaultTokens struct {
	sync.Mutex
	cache *TokenCache
}

func defaultTokenCache(ctx context.Context, clock clockwork.Clock) (*TokenCache, error) {
	defaultTokens.Lock()
	defer defaultTokens.Unlock()

	if defaultTokens.cache != nil {
		return defaultTokens.cache, nil
	}

	// the source outlives the Connect call that created it
	source, err := google.DefaultTokenSource(context.WithoutCancel(ctx), datastoreScope)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "firelite: finding default credentials"), ErrAuthenticationFailed)
	}

	defaultTokens.cache = NewTokenCache(source, clock)
	return defaultTokens.cache, nil
}
