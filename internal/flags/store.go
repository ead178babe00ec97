package flags

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgekit/pluginhost/internal/bus"
	"github.com/forgekit/pluginhost/internal/clock"
	"github.com/forgekit/pluginhost/internal/pluginerr"
)

// Store holds flags, overrides, and the append-only audit log, and publishes
// featureFlags.<verb> on every mutation.
type Store struct {
	mu        sync.RWMutex
	flags     map[string]Flag
	overrides map[string][]Override
	audit     []AuditEntry

	bus    *bus.Bus
	cache  *Cache
	clock  clock.Clock
	logger zerolog.Logger
}

// NewStore builds an empty Store wired to bus for mutation events and cache
// for prefix invalidation.
func NewStore(b *bus.Bus, c *Cache, clk clock.Clock, logger zerolog.Logger) *Store {
	return &Store{
		flags:     make(map[string]Flag),
		overrides: make(map[string][]Override),
		bus:       b,
		cache:     c,
		clock:     clk,
		logger:    logger.With().Str("component", "flags-store").Logger(),
	}
}

// Get returns the flag by key.
func (s *Store) Get(key string) (Flag, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[key]
	return f, ok
}

func (s *Store) flagsGatingPlugin(pluginID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for _, f := range s.flags {
		for _, p := range f.Plugins {
			if p == pluginID {
				keys = append(keys, f.Key)
				break
			}
		}
	}
	return keys
}

// bestOverride finds the most specific non-expired override for key whose
// Context is a subset of ctx (every key/value pair present in the override's
// context must match ctx). Specificity is the attribute count; ties are
// broken by insertion order, earliest wins.
func (s *Store) bestOverride(key string, ctx Context) (Override, bool) {
	s.mu.RLock()
	candidates := s.overrides[key]
	s.mu.RUnlock()

	now := s.clock.Now()
	var best Override
	bestSpecificity := -1
	found := false

	for _, ov := range candidates {
		if ov.ExpiresAt != nil && now.After(*ov.ExpiresAt) {
			continue
		}
		if !isSubsetContext(ov.Context, ctx) {
			continue
		}
		specificity := len(ov.Context)
		if specificity > bestSpecificity {
			best = ov
			bestSpecificity = specificity
			found = true
		}
	}
	return best, found
}

func isSubsetContext(sub map[string]interface{}, ctx Context) bool {
	for k, v := range sub {
		actual, ok := ctx[k]
		if !ok || !equalValues(actual, v) {
			return false
		}
	}
	return true
}

func (s *Store) recordAudit(key, action string, previous, next interface{}, performedBy string) {
	entry := AuditEntry{
		ID:            uuid.NewString(),
		Key:           key,
		Action:        action,
		PreviousState: previous,
		NewState:      next,
		PerformedBy:   performedBy,
		Timestamp:     s.clock.Now(),
	}
	s.mu.Lock()
	s.audit = append(s.audit, entry)
	s.mu.Unlock()
}

func (s *Store) publish(verb string, payload interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish("featureFlags."+verb, payload, bus.Metadata{Source: "featureFlags"}); err != nil {
		s.logger.Warn().Err(err).Str("verb", verb).Msg("failed to publish feature flag event")
	}
}

func (s *Store) invalidate(key string) {
	if s.cache != nil {
		s.cache.InvalidatePrefix(context.Background(), key)
	}
}

// AuditLog returns a snapshot of the append-only mutation log.
func (s *Store) AuditLog() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// CreateFlag validates and stores a new flag, auditing and publishing
// featureFlags.created.
func (s *Store) CreateFlag(f Flag, performedBy string) error {
	s.mu.Lock()
	existing := make(map[string]Flag, len(s.flags))
	for k, v := range s.flags {
		existing[k] = v
	}
	s.mu.Unlock()

	if err := ValidateFlag(f, existing); err != nil {
		return err
	}

	now := s.clock.Now()
	f.CreatedAt = now
	f.UpdatedAt = now

	s.mu.Lock()
	s.flags[f.Key] = f
	s.mu.Unlock()

	s.recordAudit(f.Key, "created", nil, f, performedBy)
	s.invalidate(f.Key)
	s.publish("created", f)
	return nil
}

// UpdateFlag replaces the stored flag, re-validating against the rest of
// the store (the flag being updated substitutes its own prior definition).
func (s *Store) UpdateFlag(f Flag, performedBy string) error {
	s.mu.Lock()
	previous, ok := s.flags[f.Key]
	if !ok {
		s.mu.Unlock()
		return &pluginerr.FlagNotFoundError{Key: f.Key}
	}
	existing := make(map[string]Flag, len(s.flags))
	for k, v := range s.flags {
		if k != f.Key {
			existing[k] = v
		}
	}
	s.mu.Unlock()

	if err := ValidateFlag(f, existing); err != nil {
		return err
	}

	f.CreatedAt = previous.CreatedAt
	f.UpdatedAt = s.clock.Now()

	s.mu.Lock()
	s.flags[f.Key] = f
	s.mu.Unlock()

	s.recordAudit(f.Key, "updated", previous, f, performedBy)
	s.invalidate(f.Key)
	s.publish("updated", f)
	return nil
}

// DeleteFlag removes a non-permanent flag.
func (s *Store) DeleteFlag(key, performedBy string) error {
	s.mu.Lock()
	f, ok := s.flags[key]
	if !ok {
		s.mu.Unlock()
		return &pluginerr.FlagNotFoundError{Key: key}
	}
	if f.Permanent {
		s.mu.Unlock()
		return &pluginerr.FlagPermanentDeleteError{Key: key}
	}
	delete(s.flags, key)
	delete(s.overrides, key)
	s.mu.Unlock()

	s.recordAudit(key, "deleted", f, nil, performedBy)
	s.invalidate(key)
	s.publish("deleted", map[string]string{"key": key})
	return nil
}

// SetOverride appends an override for key, auditing and publishing
// featureFlags.overrideSet.
func (s *Store) SetOverride(ov Override, performedBy string) error {
	s.mu.RLock()
	_, ok := s.flags[ov.Key]
	s.mu.RUnlock()
	if !ok {
		return &pluginerr.FlagNotFoundError{Key: ov.Key}
	}

	ov.CreatedBy = performedBy
	ov.CreatedAt = s.clock.Now()

	s.mu.Lock()
	s.overrides[ov.Key] = append(s.overrides[ov.Key], ov)
	s.mu.Unlock()

	s.recordAudit(ov.Key, "overrideSet", nil, ov, performedBy)
	s.invalidate(ov.Key)
	s.publish("overrideSet", ov)
	return nil
}

// RemoveOverride removes the override matching key and context exactly.
func (s *Store) RemoveOverride(key string, ctx map[string]interface{}, performedBy string) error {
	s.mu.Lock()
	list := s.overrides[key]
	next := make([]Override, 0, len(list))
	var removed *Override
	for _, ov := range list {
		if removed == nil && contextsEqual(ov.Context, ctx) {
			o := ov
			removed = &o
			continue
		}
		next = append(next, ov)
	}
	s.overrides[key] = next
	s.mu.Unlock()

	s.recordAudit(key, "overrideRemoved", removed, nil, performedBy)
	s.invalidate(key)
	s.publish("overrideRemoved", map[string]interface{}{"key": key, "context": ctx})
	return nil
}

func contextsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !equalValues(v, bv) {
			return false
		}
	}
	return true
}
