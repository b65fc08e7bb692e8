package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/lildude/stravasync/internal/cache"
	"golang.org/x/oauth2"
)

// DefaultTokenKey is the cache key the token is kept under.
const DefaultTokenKey = "strava_auth_token"

// TokenStore persists the token between runs. Load returns nil, nil when
// nothing has been stored yet.
type TokenStore interface {
	Load(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, tok *oauth2.Token) error
}

// CacheStore keeps the token as JSON in a cache.Cache.
type CacheStore struct {
	cache cache.Cache
	key   string
}

// NewCacheStore returns a TokenStore backed by c. An empty key uses DefaultTokenKey.
func NewCacheStore(c cache.Cache, key string) *CacheStore {
	if key == "" {
		key = DefaultTokenKey
	}
	return &CacheStore{cache: c, key: key}
}

func (s *CacheStore) Load(ctx context.Context) (*oauth2.Token, error) {
	tok := &oauth2.Token{}
	err := s.cache.GetJSON(ctx, s.key, tok)
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *CacheStore) Save(ctx context.Context, tok *oauth2.Token) error {
	// Tokens never expire from the store; the refresh token outlives the access token.
	return s.cache.SetJSON(ctx, s.key, tok, time.Duration(0))
}
