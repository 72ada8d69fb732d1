package snapshot

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// Reserved keys hold engine-internal state and are never synchronized.
const (
	PendingQueueKey = "surveyfoundryLocalStoragePendingDiffs"
	SyncMetaKey     = "surveyfoundryLocalStorageSyncMeta"
)

// FilterConfig lists the key patterns excluded from synchronization.
// Patterns are globs where '*' does not cross a ':' separator, or regular
// expressions when prefixed with "re:".
type FilterConfig struct {
	// LocalOnly keys stay on the device that wrote them.
	LocalOnly []string
	// ServerOnly keys are owned by the server and never persisted by the sync store.
	ServerOnly []string
	// MergeKeys hold JSON objects of timestamps merged entry by entry on hydration.
	MergeKeys []string
}

// DefaultFilterConfig returns the stock exclusions.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		LocalOnly: []string{
			"surveyfoundryActiveProjectId",
			"surveyfoundryActiveProjectId:*",
		},
		ServerOnly: []string{
			`re:^project:ros:project-[^:]+:unlisted-\d+$`,
		},
		MergeKeys: []string{
			"surveyfoundryDeletedProjects",
		},
	}
}

// RegexpPrefix marks a filter pattern as a regular expression.
const RegexpPrefix = "re:"

type matcher interface {
	Match(key string) bool
}

type regexpMatcher struct{ re *regexp.Regexp }

func (m regexpMatcher) Match(key string) bool { return m.re.MatchString(key) }

func compilePattern(p string) (matcher, error) {
	if expr, ok := strings.CutPrefix(p, RegexpPrefix); ok {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		return regexpMatcher{re: re}, nil
	}
	return glob.Compile(p, ':')
}

// KeyFilter decides which keys participate in synchronization.
type KeyFilter struct {
	localOnly  []matcher
	serverOnly []matcher
	mergeKeys  map[string]bool
}

var defaultFilter = MustKeyFilter(DefaultFilterConfig())

// DefaultKeyFilter returns a filter built from DefaultFilterConfig.
func DefaultKeyFilter() *KeyFilter {
	return defaultFilter
}

// NewKeyFilter compiles cfg.
func NewKeyFilter(cfg FilterConfig) (*KeyFilter, error) {
	f := &KeyFilter{mergeKeys: make(map[string]bool, len(cfg.MergeKeys))}
	for _, p := range cfg.LocalOnly {
		m, err := compilePattern(p)
		if err != nil {
			return nil, fmt.Errorf("invalid local-only pattern %q: %w", p, err)
		}
		f.localOnly = append(f.localOnly, m)
	}
	for _, p := range cfg.ServerOnly {
		m, err := compilePattern(p)
		if err != nil {
			return nil, fmt.Errorf("invalid server-only pattern %q: %w", p, err)
		}
		f.serverOnly = append(f.serverOnly, m)
	}
	for _, k := range cfg.MergeKeys {
		f.mergeKeys[k] = true
	}
	return f, nil
}

// MustKeyFilter is like NewKeyFilter but panics on an invalid pattern.
func MustKeyFilter(cfg FilterConfig) *KeyFilter {
	f, err := NewKeyFilter(cfg)
	if err != nil {
		panic(err)
	}
	return f
}

// IsReserved reports whether key holds engine-internal state.
func IsReserved(key string) bool {
	return key == PendingQueueKey || key == SyncMetaKey
}

// ShouldSync reports whether a client replicates key.
func (f *KeyFilter) ShouldSync(key string) bool {
	if key == "" || IsReserved(key) {
		return false
	}
	for _, m := range f.localOnly {
		if m.Match(key) {
			return false
		}
	}
	return f.ShouldPersist(key)
}

// ShouldPersist reports whether the authoritative store keeps key.
func (f *KeyFilter) ShouldPersist(key string) bool {
	if key == "" {
		return false
	}
	for _, m := range f.serverOnly {
		if m.Match(key) {
			return false
		}
	}
	return true
}

// IsMergeKey reports whether key's value is merged rather than overwritten.
func (f *KeyFilter) IsMergeKey(key string) bool {
	return f.mergeKeys[key]
}
