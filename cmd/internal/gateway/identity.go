package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"wagate/cmd/internal/metrics"
)

const (
	defaultLookupTimeout = 5 * time.Second

	// defaultRetryAfter spaces network lookups for an identifier that did not resolve.
	defaultRetryAfter = 30 * time.Second
)

// IdentityMapping links a transport-issued stable identifier to a callable address.
type IdentityMapping struct {
	StableID        string
	ResolvedAddress string
	Resolved        bool
	PushName        string
	LastSeenAt      time.Time

	attemptedAt time.Time
}

// Lookuper queries the network for the direct address behind a candidate identifier.
type Lookuper interface {
	Lookup(ctx context.Context, candidate string) (address string, exists bool, err error)
}

type candidateTransform struct {
	name  string
	apply func(user string) string
}

// resolutionCandidates are tried in order; the first direct-form hit wins.
var resolutionCandidates = []candidateTransform{
	{name: "original", apply: func(u string) string { return u }},
	{name: "plus_prefixed", apply: func(u string) string { return "+" + u }},
	{name: "without_country_code", apply: func(u string) string {
		if len(u) <= 2 {
			return ""
		}
		return u[2:]
	}},
	{name: "mx_mobile_521", apply: func(u string) string {
		if len(u) <= 3 {
			return ""
		}
		return "521" + u[3:]
	}},
	{name: "mx_mobile_prefix", apply: func(u string) string {
		if !strings.HasPrefix(u, "52") {
			return ""
		}
		return "521" + u[2:]
	}},
}

// IdentityCache is the per-session identity resolution cache.
//
// Observe is called only from the session's event pump (single writer);
// Resolve and AddressFor are safe for concurrent readers and never block on the network.
type IdentityCache struct {
	log           *slog.Logger
	metrics       *metrics.Metrics
	lookupTimeout time.Duration
	retryAfter    time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	byStable map[string]IdentityMapping
	byNumber map[string]string
}

// NewIdentityCache constructs an empty cache.
func NewIdentityCache(log *slog.Logger, m *metrics.Metrics, lookupTimeout time.Duration) *IdentityCache {
	if log == nil {
		log = slog.Default()
	}
	if lookupTimeout <= 0 {
		lookupTimeout = defaultLookupTimeout
	}
	return &IdentityCache{
		log:           log,
		metrics:       m,
		lookupTimeout: lookupTimeout,
		retryAfter:    defaultRetryAfter,
		now:           time.Now,
		byStable:      make(map[string]IdentityMapping),
		byNumber:      make(map[string]string),
	}
}

// Observe records the sender of an inbound event, resolving opaque identifiers through lk.
// Unresolved identifiers are stored with their opaque form as fallback and retried on a
// later observation, at most once per retryAfter.
func (c *IdentityCache) Observe(ctx context.Context, lk Lookuper, address, pushName string) IdentityMapping {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return IdentityMapping{}
	}
	now := c.now().UTC()

	c.mu.RLock()
	existing, seen := c.byStable[addr]
	c.mu.RUnlock()

	if seen && existing.Resolved {
		existing.LastSeenAt = now
		if pushName != "" {
			existing.PushName = pushName
		}
		c.store(existing)
		c.metrics.Resolution("cached")
		return existing
	}
	if seen && now.Sub(existing.attemptedAt) < c.retryAfter {
		existing.LastSeenAt = now
		if pushName != "" {
			existing.PushName = pushName
		}
		c.store(existing)
		c.metrics.Resolution("unresolved")
		return existing
	}

	m := IdentityMapping{
		StableID:   addr,
		PushName:   pushName,
		LastSeenAt: now,
	}
	if m.PushName == "" && seen {
		m.PushName = existing.PushName
	}

	switch ClassifyAddress(addr) {
	case AddressDirect:
		m.ResolvedAddress = addr
		m.Resolved = true
		c.metrics.Resolution("direct")

	case AddressOpaque:
		if resolved, ok := c.lookupCandidates(ctx, lk, UserPart(addr)); ok {
			m.ResolvedAddress = resolved
			m.Resolved = true
			c.metrics.Resolution("resolved")
			c.log.Info("identity.resolve.ok", "stable_id", addr, "address", resolved)
		} else {
			m.ResolvedAddress = addr
			m.attemptedAt = now
			c.metrics.Resolution("unresolved")
			c.log.Info("identity.resolve.miss", "stable_id", addr)
		}

	default:
		m.ResolvedAddress = addr
		c.metrics.Resolution("unresolved")
	}

	c.store(m)
	return m
}

func (c *IdentityCache) lookupCandidates(ctx context.Context, lk Lookuper, user string) (string, bool) {
	if lk == nil || user == "" {
		return "", false
	}

	tried := make(map[string]struct{}, len(resolutionCandidates))
	for _, cand := range resolutionCandidates {
		v := cand.apply(user)
		if v == "" {
			continue
		}
		if _, dup := tried[v]; dup {
			continue
		}
		tried[v] = struct{}{}

		if err := ctx.Err(); err != nil {
			return "", false
		}

		lctx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
		addr, exists, err := lk.Lookup(lctx, v)
		cancel()

		if err != nil {
			c.log.Debug("identity.lookup.fail", "candidate", cand.name, "err", err)
			continue
		}
		if exists && ClassifyAddress(addr) == AddressDirect {
			return addr, true
		}
	}
	return "", false
}

func (c *IdentityCache) store(m IdentityMapping) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byStable[m.StableID] = m
	c.byNumber[UserPart(m.StableID)] = m.StableID
	if m.Resolved {
		c.byNumber[UserPart(m.ResolvedAddress)] = m.StableID
	}
}

// Resolve returns the best-known address for stableID: the resolved address, the
// opaque fallback, or stableID itself when it was never observed.
func (c *IdentityCache) Resolve(stableID string) string {
	c.mu.RLock()
	m, ok := c.byStable[stableID]
	c.mu.RUnlock()
	if !ok {
		return stableID
	}
	return m.ResolvedAddress
}

// Mapping returns the stored mapping for stableID.
func (c *IdentityCache) Mapping(stableID string) (IdentityMapping, bool) {
	c.mu.RLock()
	m, ok := c.byStable[stableID]
	c.mu.RUnlock()
	return m, ok
}

// AddressFor returns the address inbound traffic used for destination, a number as
// forwarded to the workflow engine.
func (c *IdentityCache) AddressFor(destination string) (string, bool) {
	d := strings.TrimSpace(destination)
	if d == "" {
		return "", false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.byStable[d]; ok {
		return d, true
	}
	if stable, ok := c.byNumber[UserPart(d)]; ok {
		return stable, true
	}
	return "", false
}

// Len returns the number of known identifiers.
func (c *IdentityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byStable)
}

// Purge forgets every mapping (terminal logout).
func (c *IdentityCache) Purge() {
	c.mu.Lock()
	c.byStable = make(map[string]IdentityMapping)
	c.byNumber = make(map[string]string)
	c.mu.Unlock()
}
