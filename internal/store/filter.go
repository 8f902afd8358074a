package store

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// TypeFilter is the admission predicate over alert-type names. A nil or
// empty filter matches every type; a non-empty filter matches
// case-insensitively against its set.
type TypeFilter struct {
	set map[string]struct{}
}

// DefaultAlertTypes is the admission set used when the operator does not
// configure one.
var DefaultAlertTypes = []string{"flash", "urgent"}

// Match reports whether name passes the filter. The comparison is
// case-insensitive.
func (f *TypeFilter) Match(name string) bool {
	if f.Empty() {
		return true
	}
	_, ok := f.set[strings.ToLower(name)]
	return ok
}

// Empty reports whether the filter admits every type.
func (f *TypeFilter) Empty() bool {
	return f == nil || len(f.set) == 0
}

// Types returns the filter's sorted, lowercased member set.
func (f *TypeFilter) Types() []string {
	if f.Empty() {
		return nil
	}
	out := make([]string, 0, len(f.set))
	for t := range f.set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// filterCache memoizes TypeFilter instances by the stable key of their
// member set, so concurrent requests configured with case-insensitively
// equal sets share one predicate instance.
var filterCache sync.Map // key string → *TypeFilter

// NewTypeFilter returns the memoized filter for the given type names.
// Names are lowercased and deduplicated; empty names are discarded. Two
// calls with sets equal under case-insensitive set equality return the
// same instance.
func NewTypeFilter(names []string) *TypeFilter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		set[n] = struct{}{}
	}

	key := filterKey(set)
	if cached, ok := filterCache.Load(key); ok {
		return cached.(*TypeFilter)
	}
	f := &TypeFilter{set: set}
	actual, _ := filterCache.LoadOrStore(key, f)
	return actual.(*TypeFilter)
}

// filterKey builds the stable memoization key: the JSON encoding of the
// sorted, lowercased member list.
func filterKey(set map[string]struct{}) string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	key, _ := json.Marshal(names)
	return string(key)
}
