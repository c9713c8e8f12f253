package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type result struct {
	Decision string
}

func TestFingerprintNormalizes(t *testing.T) {
	a := Fingerprint("Rainfall  increases\tCrop yield", "plan")
	b := Fingerprint("rainfall increases crop yield ", "PLAN")
	assert.Equal(t, a, b)
	assert.Len(t, a, FingerprintLength)

	assert.NotEqual(t, a, Fingerprint("rainfall increases crop yield", "other plan"))
	// Boundaries between parts matter.
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
}

func TestConversationAndTurnTTL(t *testing.T) {
	clock := newFakeClock()
	svc := New[*result](Options{Now: clock.Now})
	key := Key{Conversation: "conv", Turn: "t1", Fingerprint: Fingerprint("h")}
	v := &result{Decision: "DEFINITIVE_PASS"}
	svc.Set(key, v, Reuse{Conversation: true, Turn: true})

	got, ok := svc.Get(ScopeConversation, key)
	require.True(t, ok)
	assert.Same(t, v, got)

	clock.Advance(11 * time.Minute)
	_, ok = svc.Get(ScopeConversation, key)
	assert.False(t, ok, "conversation entries expire after ten minutes")
	_, ok = svc.Get(ScopeTurn, key)
	assert.True(t, ok, "turn entries live for hours")

	clock.Advance(6 * time.Hour)
	_, ok = svc.Get(ScopeTurn, key)
	assert.False(t, ok)
}

func TestTurnScopeIsPerTurn(t *testing.T) {
	svc := New[*result](Options{})
	key := Key{Conversation: "conv", Turn: "t1", Fingerprint: "fp"}
	svc.Set(key, &result{Decision: "NEEDS_FIELD"}, Reuse{Turn: true})

	_, ok := svc.Lookup(key)
	assert.True(t, ok)
	other := key
	other.Turn = "t2"
	_, ok = svc.Lookup(other)
	assert.False(t, ok)
	_, ok = svc.Get(ScopeConversation, key)
	assert.False(t, ok)
}

func TestSetSkipsNonCacheable(t *testing.T) {
	svc := New[*result](Options{})
	key := Key{Conversation: "c", Turn: "t", Fingerprint: "fp"}
	svc.Set(key, &result{}, Reuse{})
	_, ok := svc.Lookup(key)
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	svc := New[*result](Options{})
	key := Key{Conversation: "c", Turn: "t", Fingerprint: "fp"}
	svc.Set(key, &result{}, Reuse{Conversation: true, Turn: true})
	svc.Invalidate(ScopeTurn, key)
	_, ok := svc.Get(ScopeTurn, key)
	assert.False(t, ok)
	_, ok = svc.Get(ScopeConversation, key)
	assert.True(t, ok)
}

func TestInvalidateUnstable(t *testing.T) {
	svc := New[*result](Options{})
	stable := Key{Conversation: "c", Turn: "t", Fingerprint: "stable"}
	unstable := Key{Conversation: "c", Turn: "t", Fingerprint: "unstable"}
	elsewhere := Key{Conversation: "other", Turn: "t", Fingerprint: "unstable"}
	svc.Set(stable, &result{Decision: "DEFINITIVE_PASS"}, Reuse{Conversation: true, Turn: true})
	svc.Set(unstable, &result{Decision: "NEEDS_FIELD"}, Reuse{Turn: true, Unstable: true})
	svc.Set(elsewhere, &result{Decision: "NEEDS_FIELD"}, Reuse{Turn: true, Unstable: true})

	assert.Equal(t, uint64(1), svc.InvalidateUnstable("c"))
	assert.Equal(t, uint64(1), svc.Epoch("c"))

	_, ok := svc.Lookup(stable)
	assert.True(t, ok)
	_, ok = svc.Lookup(unstable)
	assert.False(t, ok)
	_, ok = svc.Lookup(elsewhere)
	assert.True(t, ok)

	// Entries written after the bump are served again.
	svc.Set(unstable, &result{Decision: "PROVISIONAL_PASS"}, Reuse{Turn: true, Unstable: true})
	got, ok := svc.Lookup(unstable)
	require.True(t, ok)
	assert.Equal(t, "PROVISIONAL_PASS", got.Decision)
}

func TestConcurrentIdenticalRequestsShareOneExecution(t *testing.T) {
	svc := New[*result](Options{})
	key := Key{Conversation: "c", Turn: "t", Fingerprint: Fingerprint("same hypothesis")}

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func() (*result, Reuse, error) {
		calls.Add(1)
		close(started)
		<-release
		return &result{Decision: "NEEDS_FIELD"}, Reuse{Turn: true, Unstable: true}, nil
	}

	var wg sync.WaitGroup
	got := make([]*result, 2)
	outcomes := make([]Outcome, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		got[0], outcomes[0], _ = svc.Load(key, compute)
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		got[1], outcomes[1], _ = svc.Load(key, compute)
	}()
	require.Eventually(t, func() bool {
		return svc.Waiting(key.Flight()) == 2
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, got[0])
	assert.Same(t, got[0], got[1])
	assert.Contains(t, []Outcome{OutcomeShared, OutcomeComputed}, outcomes[0])
	assert.Contains(t, []Outcome{OutcomeShared, OutcomeHit}, outcomes[1])

	v, outcome, err := svc.Load(key, compute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Same(t, got[0], v)
}

func TestLoadPropagatesErrors(t *testing.T) {
	svc := New[*result](Options{})
	key := Key{Conversation: "c", Fingerprint: "fp"}
	boom := errors.New("boom")
	_, outcome, err := svc.Load(key, func() (*result, Reuse, error) {
		return nil, Reuse{Conversation: true}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, OutcomeComputed, outcome)

	_, ok := svc.Lookup(key)
	assert.False(t, ok)
}

func TestDoReportsShared(t *testing.T) {
	svc := New[int](Options{})
	v, shared, err := svc.Do("k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.False(t, shared)
	assert.Equal(t, 0, svc.Waiting("k"))
}
