// Package selector hands out proxies for dispatch pairs. It is the only
// path through which dispatch obtains a proxy, so exclusion lists and
// rotation policy are enforced in one place.
package selector

import (
	"github.com/tmasuda/dropherd/internal/model"
	"github.com/tmasuda/dropherd/internal/store"
)

// ErrNoProxyAvailable mirrors the store sentinel so callers holding a
// Selector do not need to import the store package to match it.
var ErrNoProxyAvailable = store.ErrNoProxyAvailable

// Selector selects proxies for account/task pairs.
type Selector struct {
	proxies *store.ProxyStore
}

func New(proxies *store.ProxyStore) *Selector {
	return &Selector{proxies: proxies}
}

// SelectFor atomically picks a usable proxy for one dispatch pair and
// stamps it used. excludeIDs carries the proxies already burned on
// earlier attempts of the same task so retries rotate.
func (s *Selector) SelectFor(accountID string, excludeIDs []string) (*model.Proxy, error) {
	return s.proxies.Acquire(excludeIDs)
}
