package client

import (
	"sort"

	"github.com/patrickmn/go-cache"
)

// TokenStore keeps the admin tokens a user has collected, keyed by
// group name. Tokens never expire on their own; the store lives and
// dies with the session.
type TokenStore struct {
	c *cache.Cache
}

func NewTokenStore() *TokenStore {
	return &TokenStore{c: cache.New(cache.NoExpiration, 0)}
}

func (t *TokenStore) Set(group, token string) {
	t.c.Set(group, token, cache.NoExpiration)
}

func (t *TokenStore) Get(group string) (string, bool) {
	v, ok := t.c.Get(group)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Groups lists the group names with a stored token, sorted.
func (t *TokenStore) Groups() []string {
	items := t.c.Items()
	out := make([]string, 0, len(items))
	for k := range items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
