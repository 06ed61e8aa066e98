package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedLookup struct {
	mu      sync.Mutex
	hits    map[string]string
	fail    map[string]bool
	queries []string
}

func (s *scriptedLookup) Lookup(_ context.Context, candidate string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, candidate)
	if s.fail[candidate] {
		return "", false, errors.New("lookup failed")
	}
	addr, ok := s.hits[candidate]
	return addr, ok, nil
}

func TestIdentityCache_TriesCandidatesInOrder(t *testing.T) {
	lk := &scriptedLookup{
		hits: map[string]string{"5215512345678": "5215512345678@s.whatsapp.net"},
		fail: map[string]bool{"+525512345678": true},
	}
	c := NewIdentityCache(discardLogger(), nil, 0)

	m := c.Observe(context.Background(), lk, "525512345678@lid", "Ana")

	if !m.Resolved || m.ResolvedAddress != "5215512345678@s.whatsapp.net" {
		t.Fatalf("mapping: %+v", m)
	}
	want := []string{"525512345678", "+525512345678", "5512345678", "521512345678", "5215512345678"}
	if len(lk.queries) != len(want) {
		t.Fatalf("queries: got %v want %v", lk.queries, want)
	}
	for i := range want {
		if lk.queries[i] != want[i] {
			t.Fatalf("queries: got %v want %v", lk.queries, want)
		}
	}
}

func TestIdentityCache_ResolvedIsStable(t *testing.T) {
	lk := &scriptedLookup{hits: map[string]string{"99887766": "5215512345678@s.whatsapp.net"}}
	c := NewIdentityCache(discardLogger(), nil, 0)
	ctx := context.Background()

	first := c.Observe(ctx, lk, "99887766@lid", "Ana")
	queries := len(lk.queries)

	second := c.Observe(ctx, lk, "99887766@lid", "")
	if len(lk.queries) != queries {
		t.Fatalf("resolved identity must not be looked up again")
	}
	if second.ResolvedAddress != first.ResolvedAddress || second.PushName != "Ana" {
		t.Fatalf("second: %+v", second)
	}

	for range 3 {
		if got := c.Resolve("99887766@lid"); got != "5215512345678@s.whatsapp.net" {
			t.Fatalf("Resolve: got %q", got)
		}
	}
	if got, ok := c.AddressFor("5215512345678"); !ok || got != "99887766@lid" {
		t.Fatalf("AddressFor(number): got %q %v", got, ok)
	}
}

func TestIdentityCache_UnresolvedRetriesLater(t *testing.T) {
	lk := &scriptedLookup{hits: map[string]string{}}
	c := NewIdentityCache(discardLogger(), nil, 0)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	m := c.Observe(ctx, lk, "99887766@lid", "")
	if m.Resolved || m.ResolvedAddress != "99887766@lid" {
		t.Fatalf("unresolved mapping: %+v", m)
	}
	if got := c.Resolve("99887766@lid"); got != "99887766@lid" {
		t.Fatalf("Resolve fallback: got %q", got)
	}

	lk.mu.Lock()
	lk.hits["99887766"] = "5215512345678@s.whatsapp.net"
	queries := len(lk.queries)
	lk.mu.Unlock()

	now = now.Add(defaultRetryAfter / 2)
	m = c.Observe(ctx, lk, "99887766@lid", "Ana")
	if m.Resolved || len(lk.queries) != queries {
		t.Fatalf("lookup repeated inside the retry window: %+v queries=%v", m, lk.queries)
	}
	if m.PushName != "Ana" || !m.LastSeenAt.Equal(now.UTC()) {
		t.Fatalf("observation inside the retry window must still refresh the mapping: %+v", m)
	}

	now = now.Add(defaultRetryAfter)
	m = c.Observe(ctx, lk, "99887766@lid", "")
	if !m.Resolved {
		t.Fatalf("expected resolution once the retry window passed")
	}
}

func TestIdentityCache_BurstFromUnresolvedSenderLooksUpOnce(t *testing.T) {
	lk := &scriptedLookup{hits: map[string]string{}}
	c := NewIdentityCache(discardLogger(), nil, 0)
	ctx := context.Background()

	c.Observe(ctx, lk, "99887766@lid", "")
	queries := len(lk.queries)
	for range 20 {
		c.Observe(ctx, lk, "99887766@lid", "")
	}
	if len(lk.queries) != queries {
		t.Fatalf("queries: got %d want %d", len(lk.queries), queries)
	}
}

func TestIdentityCache_DirectAndUnknown(t *testing.T) {
	c := NewIdentityCache(discardLogger(), nil, 0)

	m := c.Observe(context.Background(), nil, "5215512345678@s.whatsapp.net", "")
	if !m.Resolved || m.ResolvedAddress != "5215512345678@s.whatsapp.net" {
		t.Fatalf("direct: %+v", m)
	}
	if got := c.Resolve("never-seen@lid"); got != "never-seen@lid" {
		t.Fatalf("unknown Resolve: got %q", got)
	}
	if _, ok := c.AddressFor("14155550100"); ok {
		t.Fatalf("unknown AddressFor must miss")
	}

	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("Len after Purge: %d", c.Len())
	}
}
