package policy

import (
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

const defaultGlobCacheSize = 1024

// globCache compiles anchored glob patterns once, keeping the most recently
// used ones.
type globCache struct {
	mu       sync.Mutex
	compiled *lru.Cache
	compile  func(pattern string) *regexp.Regexp
}

func newGlobCache(size int) *globCache {
	if size <= 0 {
		size = defaultGlobCacheSize
	}
	// lru.New only fails with non positive sizes.
	c, _ := lru.New(size)
	return &globCache{compiled: c, compile: compileGlob}
}

// match reports if value fully matches the glob pattern. `*` matches any run
// of characters, everything else is literal.
func (g *globCache) match(pattern, value string) bool {
	return g.regexp(pattern).MatchString(value)
}

func (g *globCache) regexp(pattern string) *regexp.Regexp {
	g.mu.Lock()
	defer g.mu.Unlock()

	if re, ok := g.compiled.Get(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re := g.compile(pattern)
	g.compiled.Add(pattern, re)

	return re
}

func compileGlob(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}

	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}
