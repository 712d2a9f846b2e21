// Package auth resolves per-request auth tokens against the user
// repository, with a small cache in front so the hot announce path
// does not hit the repository on every request.
package auth

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trackd/internal/store"
)

// Failure reasons rendered to clients.
const (
	ErrMissingToken = store.ClientError("Missing auth_token")
	ErrInvalidToken = store.ClientError("Invalid auth_token")
	ErrBannedUser   = store.ClientError("Banned user")
)

const (
	cacheSize     = 4096
	cacheFreshFor = 60 * time.Second
)

// Config controls the authenticator.
type Config struct {
	// Required makes announces without a token fail. When false,
	// tokenless requests resolve to the anonymous user.
	Required bool
}

// Anonymous is the identity used for tokenless requests on public
// deployments.
var Anonymous = store.User{ID: 0, Class: "anonymous", UpMultiplier: 1, DownMultiplier: 1}

type cacheEntry struct {
	user store.User
	at   time.Time
}

// Authenticator validates tokens and yields the caller's identity.
type Authenticator struct {
	users store.UserRepo
	cfg   Config
	log   zerolog.Logger

	cache   *lru.Cache
	failLog *rate.Limiter
	now     func() time.Time
}

// New builds an Authenticator over the given user repository. users
// may be nil only when cfg.Required is false.
func New(users store.UserRepo, cfg Config, log zerolog.Logger) *Authenticator {
	cache, err := lru.New(cacheSize)
	if err != nil {
		panic(err)
	}
	return &Authenticator{
		users:   users,
		cfg:     cfg,
		log:     log.With().Str("component", "auth").Logger(),
		cache:   cache,
		failLog: rate.NewLimiter(rate.Every(time.Second), 5),
		now:     time.Now,
	}
}

// Authenticate resolves token to a user. Banned users and unknown
// tokens fail with a client-visible reason. Successful resolutions
// (including banned) are cached for a short window; lookup errors are
// never cached.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (store.User, error) {
	if token == "" {
		if a.cfg.Required {
			return store.User{}, ErrMissingToken
		}
		return Anonymous, nil
	}
	if a.users == nil {
		return Anonymous, nil
	}

	if v, ok := a.cache.Get(token); ok {
		e := v.(cacheEntry)
		if a.now().Sub(e.at) < cacheFreshFor {
			return a.admit(e.user, token)
		}
		a.cache.Remove(token)
	}

	user, err := a.users.ResolveToken(ctx, token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.logFailure(token, "unknown token")
		return store.User{}, ErrInvalidToken
	case err != nil:
		// Repository outage: callers decide whether to degrade; the
		// announce path treats this as a transient backend failure.
		return store.User{}, err
	}

	a.cache.Add(token, cacheEntry{user: user, at: a.now()})
	return a.admit(user, token)
}

func (a *Authenticator) admit(user store.User, token string) (store.User, error) {
	if user.Banned {
		a.logFailure(token, "banned user")
		return store.User{}, ErrBannedUser
	}
	return user, nil
}

// logFailure logs at most a handful of auth failures per second, and
// never the full token.
func (a *Authenticator) logFailure(token, reason string) {
	if !a.failLog.Allow() {
		return
	}
	a.log.Warn().
		Str("token_prefix", tokenPrefix(token)).
		Str("reason", reason).
		Msg("authentication failure")
}

func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
