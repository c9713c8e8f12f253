// Package cache memoizes pipeline results at conversation and turn scope and
// collapses concurrent identical requests onto one computation.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/logging"
)

// Scope selects which table an entry lives in.
type Scope string

const (
	// ScopeConversation entries are reusable across turns for a short TTL.
	ScopeConversation Scope = "conversation"
	// ScopeTurn entries are reusable only within the originating turn.
	ScopeTurn Scope = "turn"
)

// Key addresses one cached result.
type Key struct {
	Conversation string
	Turn         string
	Fingerprint  string
	// Detail is folded into turn-scope keys only.
	Detail string
}

func (k Key) id(scope Scope) string {
	if scope == ScopeTurn {
		return k.Conversation + "\x00" + k.Turn + "\x00" + k.Fingerprint + "\x00" + k.Detail
	}
	return k.Conversation + "\x00" + k.Fingerprint
}

// Flight is the in-flight dedupe key used by Load.
func (k Key) Flight() string { return k.id(ScopeTurn) }

// Reuse says where a result may be served from.
type Reuse struct {
	// Conversation marks a stable result reusable across turns.
	Conversation bool
	// Turn marks a result reusable within its turn.
	Turn bool
	// Unstable entries are dropped when the dataset context changes.
	Unstable bool
}

// Cacheable reports whether the result is stored anywhere.
func (r Reuse) Cacheable() bool { return r.Conversation || r.Turn }

// Outcome reports how Load produced its value.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeShared   Outcome = "shared"
	OutcomeComputed Outcome = "computed"
)

type entry[V any] struct {
	value     V
	createdAt time.Time
	unstable  bool
	epoch     uint64
}

// Options configures a Service.
type Options struct {
	ConversationTTL time.Duration
	TurnTTL         time.Duration
	// Now is the clock; nil uses time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Service is a two-scope TTL cache with in-flight dedupe.
type Service[V any] struct {
	mu      sync.Mutex
	tables  map[Scope]map[string]*entry[V]
	epochs  map[string]uint64
	ttl     map[Scope]time.Duration
	now     func() time.Time
	group   singleflight.Group
	logger  *slog.Logger
	waiting map[string]int
}

// New builds a Service; zero TTLs take the configured defaults.
func New[V any](opts Options) *Service[V] {
	if opts.ConversationTTL <= 0 {
		opts.ConversationTTL = config.DefaultConversationTTL
	}
	if opts.TurnTTL <= 0 {
		opts.TurnTTL = config.DefaultTurnTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service[V]{
		tables: map[Scope]map[string]*entry[V]{
			ScopeConversation: {},
			ScopeTurn:         {},
		},
		epochs: make(map[string]uint64),
		ttl: map[Scope]time.Duration{
			ScopeConversation: opts.ConversationTTL,
			ScopeTurn:         opts.TurnTTL,
		},
		now:     opts.Now,
		logger:  logging.OrDiscard(opts.Logger, logging.CategoryCache),
		waiting: make(map[string]int),
	}
}

// Get returns a live entry from one scope. Expired entries and unstable
// entries from an older dataset-context epoch are purged on access.
func (s *Service[V]) Get(scope Scope, key Key) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(scope, key)
	result := "miss"
	if ok {
		result = "hit"
	}
	metricLookups.WithLabelValues(string(scope), result).Inc()
	return v, ok
}

func (s *Service[V]) getLocked(scope Scope, key Key) (V, bool) {
	var zero V
	table := s.tables[scope]
	id := key.id(scope)
	e, ok := table[id]
	if !ok {
		return zero, false
	}
	if s.now().Sub(e.createdAt) > s.ttl[scope] {
		delete(table, id)
		return zero, false
	}
	if e.unstable && e.epoch != s.epochs[key.Conversation] {
		delete(table, id)
		return zero, false
	}
	return e.value, true
}

// Set stores v in every scope reuse allows. Non-cacheable results are
// dropped.
func (s *Service[V]) Set(key Key, v V, reuse Reuse) {
	if !reuse.Cacheable() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry[V]{
		value:     v,
		createdAt: s.now(),
		unstable:  reuse.Unstable,
		epoch:     s.epochs[key.Conversation],
	}
	if reuse.Conversation {
		s.tables[ScopeConversation][key.id(ScopeConversation)] = e
	}
	if reuse.Turn && key.Turn != "" {
		s.tables[ScopeTurn][key.id(ScopeTurn)] = e
	}
}

// Invalidate removes key from one scope.
func (s *Service[V]) Invalidate(scope Scope, key Key) {
	s.mu.Lock()
	delete(s.tables[scope], key.id(scope))
	s.mu.Unlock()
}

// InvalidateUnstable advances the conversation's dataset-context epoch, so
// unstable entries written before it are no longer served. It returns the
// new epoch.
func (s *Service[V]) InvalidateUnstable(conversation string) uint64 {
	s.mu.Lock()
	s.epochs[conversation]++
	epoch := s.epochs[conversation]
	s.mu.Unlock()
	metricInvalidations.Inc()
	s.logger.Debug("dataset context changed", "conversation", conversation, "epoch", epoch)
	return epoch
}

// Epoch returns the conversation's current dataset-context epoch.
func (s *Service[V]) Epoch(conversation string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[conversation]
}

// Do runs fn once per flight key across concurrent callers. Every caller
// receives the same value; shared reports whether it was produced for
// another caller.
func (s *Service[V]) Do(flight string, fn func() (V, error)) (V, bool, error) {
	s.mu.Lock()
	s.waiting[flight]++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.waiting[flight]--; s.waiting[flight] <= 0 {
			delete(s.waiting, flight)
		}
		s.mu.Unlock()
	}()

	raw, err, shared := s.group.Do(flight, func() (any, error) {
		return fn()
	})
	if shared {
		metricShared.Inc()
	}
	v, _ := raw.(V)
	return v, shared, err
}

// Waiting returns how many callers are inside Do for flight.
func (s *Service[V]) Waiting(flight string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting[flight]
}

// Lookup checks the turn scope first, then the conversation scope.
func (s *Service[V]) Lookup(key Key) (V, bool) {
	if key.Turn != "" {
		if v, ok := s.Get(ScopeTurn, key); ok {
			return v, true
		}
	}
	return s.Get(ScopeConversation, key)
}

// Load serves key from the cache or computes it once across concurrent
// callers. The cache is checked again inside the flight so a caller that
// arrives just after a computation finished still reuses its result.
func (s *Service[V]) Load(key Key, fn func() (V, Reuse, error)) (V, Outcome, error) {
	if v, ok := s.Lookup(key); ok {
		return v, OutcomeHit, nil
	}
	hit := false
	v, shared, err := s.Do(key.Flight(), func() (V, error) {
		if v, ok := s.Lookup(key); ok {
			hit = true
			return v, nil
		}
		v, reuse, err := fn()
		if err != nil {
			return v, err
		}
		s.Set(key, v, reuse)
		return v, nil
	})
	switch {
	case err != nil:
		return v, OutcomeComputed, err
	case shared:
		return v, OutcomeShared, nil
	case hit:
		return v, OutcomeHit, nil
	default:
		return v, OutcomeComputed, nil
	}
}
