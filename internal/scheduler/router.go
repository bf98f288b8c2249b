package scheduler

import (
	"sort"
	"strings"
	"sync"
)

// Router is the server's URL routing table: an ordered set of
// method+URL-prefix rules mapping to pools, grounded on the source's
// NsUrlSpecificGet per-URL lookup table (nsd/queue.c) and the teacher's
// gateway dispatch table. Longest matching prefix wins; unmatched
// requests fall back to the server's default pool.
type Router struct {
	mu    sync.RWMutex
	rules []routeRule
}

type routeRule struct {
	method string // empty matches any method
	prefix string
	pool   *ConnPool
}

// NewRouter creates an empty routing table.
func NewRouter() *Router {
	return &Router{}
}

// Register adds a routing rule. prefix may optionally be prefixed with a
// method and a space, e.g. "POST /upload"; without a method, the rule
// matches any method.
func (r *Router) Register(prefix string, pool *ConnPool) {
	method, path := "", prefix
	if i := strings.IndexByte(prefix, ' '); i >= 0 {
		method, path = strings.ToUpper(prefix[:i]), prefix[i+1:]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, routeRule{method: method, prefix: path, pool: pool})
	sort.SliceStable(r.rules, func(i, j int) bool {
		return len(r.rules[i].prefix) > len(r.rules[j].prefix)
	})
}

// Route returns the longest-prefix-matching pool for method+url, or
// defaultPool if nothing matches.
func (r *Router) Route(method, url string, defaultPool *ConnPool) *ConnPool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if rule.method != "" && rule.method != method {
			continue
		}
		if strings.HasPrefix(url, rule.prefix) {
			return rule.pool
		}
	}
	return defaultPool
}
