package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxItems bounds the number of cached alerts.
	DefaultMaxItems = 100

	// DefaultMaxAge bounds how old a cached alert may be.
	DefaultMaxAge = 72 * time.Hour
)

// Config holds the store bounds. The zero value selects the defaults.
type Config struct {
	// MaxItems is the maximum number of cached alerts. Defaults to
	// DefaultMaxItems when zero.
	MaxItems int

	// MaxAge is the maximum age of an admitted alert relative to its
	// AlertTimestamp. Defaults to DefaultMaxAge when zero.
	MaxAge time.Duration

	// Types is the admission filter set of lowercased alert-type names.
	// An empty set admits all types.
	Types *TypeFilter

	// Logger records admission drops at debug level. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger
}

// Store is the bounded, time-ordered alert cache. All methods are safe for
// concurrent use; mutations are totally ordered per instance.
type Store struct {
	maxItems int
	maxAge   time.Duration
	types    *TypeFilter
	logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	mu sync.Mutex
	// alerts is ordered newest-first by AlertTimestamp.
	alerts []Alert
	// byID indexes every sequence member with a non-empty AlertID.
	byID map[string]int // alertId → position in alerts
	// lists is the last known good lists catalog.
	lists []List
}

// New creates a Store with the given bounds.
func New(cfg Config) *Store {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		maxItems: cfg.MaxItems,
		maxAge:   cfg.MaxAge,
		types:    cfg.Types,
		logger:   cfg.Logger,
		now:      time.Now,
		byID:     make(map[string]int),
	}
}

// AddResult reports the outcome of an Add call.
type AddResult struct {
	// Added is the number of alerts that passed admission.
	Added int
	// Total is the cache size after insertion and eviction.
	Total int
}

// Add admits alerts into the cache. An alert is dropped when its type is
// outside the filter set (non-empty set only), when its AlertID is already
// indexed or appeared earlier in the same batch (first-write-wins), or when
// it is older than the age bound. Survivors are prepended as one block in
// their page order; if the sequence exceeds the item bound it is truncated
// oldest-first.
func (s *Store) Add(alerts []Alert) AddResult {
	now := s.now().UnixMilli()
	cutoff := now - s.maxAge.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	// batch keeps the vendor's newest-first page order so the block prepend
	// below normally leaves the sequence sorted.
	batch := make([]Alert, 0, len(alerts))
	seen := make(map[string]struct{}, len(alerts))
	for _, a := range alerts {
		if !s.types.Match(a.AlertType.Name) {
			s.logger.Debug("store: dropping alert outside type filter",
				slog.String("alert_id", a.AlertID),
				slog.String("type", a.AlertType.Name))
			continue
		}
		if a.AlertID != "" {
			if _, dup := s.byID[a.AlertID]; dup {
				continue
			}
			if _, dup := seen[a.AlertID]; dup {
				continue
			}
			seen[a.AlertID] = struct{}{}
		}
		if a.AlertTimestamp < cutoff {
			s.logger.Debug("store: dropping aged alert",
				slog.String("alert_id", a.AlertID),
				slog.Int64("alert_timestamp", a.AlertTimestamp))
			continue
		}
		batch = append(batch, a)
	}

	added := len(batch)
	if added > 0 {
		s.alerts = append(batch, s.alerts...)
		// Scan the prepended block and its boundary for an inversion
		// before paying for the sort.
		if !s.headSorted(added + 1) {
			sort.SliceStable(s.alerts, func(i, j int) bool {
				return s.alerts[i].AlertTimestamp > s.alerts[j].AlertTimestamp
			})
		}
		if len(s.alerts) > s.maxItems {
			s.alerts = s.alerts[:s.maxItems]
		}
		s.reindex()
	}

	return AddResult{Added: added, Total: len(s.alerts)}
}

// headSorted reports whether the first n entries are in descending
// timestamp order. The prior sequence is sorted, so checking the prepended
// block and its boundary covers the whole sequence. Callers must hold s.mu.
func (s *Store) headSorted(n int) bool {
	if n > len(s.alerts) {
		n = len(s.alerts)
	}
	for i := 1; i < n; i++ {
		if s.alerts[i-1].AlertTimestamp < s.alerts[i].AlertTimestamp {
			return false
		}
	}
	return true
}

// reindex rebuilds byID from the sequence. Callers must hold s.mu.
func (s *Store) reindex() {
	clear(s.byID)
	for i, a := range s.alerts {
		if a.AlertID != "" {
			s.byID[a.AlertID] = i
		}
	}
}

// All returns the cached alerts newer than since (Unix milliseconds).
// Pass since <= 0 for the whole sequence. Expired tail entries are trimmed
// opportunistically before the snapshot is taken.
func (s *Store) All(since int64) []Alert {
	cutoff := s.now().UnixMilli() - s.maxAge.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	// The sequence is sorted descending, so expired entries cluster at the
	// tail. Trim them before answering.
	for n := len(s.alerts); n > 0 && s.alerts[n-1].AlertTimestamp < cutoff; n = len(s.alerts) {
		s.alerts = s.alerts[:n-1]
	}
	s.reindex()

	out := make([]Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if since > 0 && a.AlertTimestamp <= since {
			// Sorted descending: everything after this is older still.
			break
		}
		out = append(out, a)
	}
	return out
}

// ByID returns the alert with the given id, or false when it is not cached.
// Explicit-fetch semantics: the age bound is not applied here.
func (s *Store) ByID(id string) (Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return Alert{}, false
	}
	return s.alerts[i], true
}

// LatestTimestamp returns the newest cached alert timestamp, or false when
// the cache is empty.
func (s *Store) LatestTimestamp() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.alerts) == 0 {
		return 0, false
	}
	return s.alerts[0].AlertTimestamp, true
}

// Len returns the current number of cached alerts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

// Lists returns the cached lists catalog.
func (s *Store) Lists() []List {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]List, len(s.lists))
	copy(out, s.lists)
	return out
}

// SetLists atomically replaces the lists catalog. An empty replacement is
// ignored so that a failed refresh never erases the last known good catalog.
func (s *Store) SetLists(lists []List) {
	if len(lists) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists = lists
}

// Clear drops the alert sequence and the id index atomically. The lists
// catalog is preserved.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = nil
	clear(s.byID)
}

// FilterRead applies the read-time filters to alerts without mutating the
// store: listIDs restricts to alerts whose ListsMatched contains one of the
// ids, and types restricts by lowercased type name. Either filter may be
// nil/empty to skip it.
func FilterRead(alerts []Alert, listIDs map[string]struct{}, types *TypeFilter) []Alert {
	if len(listIDs) == 0 && types.Empty() {
		return alerts
	}
	out := make([]Alert, 0, len(alerts))
	for _, a := range alerts {
		if !types.Match(a.AlertType.Name) {
			continue
		}
		if len(listIDs) > 0 && !matchesLists(a, listIDs) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func matchesLists(a Alert, listIDs map[string]struct{}) bool {
	for _, m := range a.ListsMatched {
		if _, ok := listIDs[m.ID]; ok {
			return true
		}
	}
	return false
}
