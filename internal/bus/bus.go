// Package bus implements the process-wide pub/sub broker: exact-match and
// dot-segmented wildcard subscriptions, registration-order+priority dispatch,
// and a copy-on-write subscriber table so a handler that subscribes or
// unsubscribes mid-dispatch never perturbs the ongoing publication.
package bus

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgekit/pluginhost/internal/pluginerr"
)

// Handler processes a single published event. Errors are caught by the bus,
// logged with subscription metadata, and never abort dispatch to the
// remaining subscribers.
type Handler func(topic string, payload interface{}, meta Metadata) error

// Metadata is attached to a publication; source defaults to the publisher's
// tag and is force-overridden to "plugin:<id>" by the plugin context façade.
type Metadata struct {
	Source string
	Extra  map[string]interface{}
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Metadata map[string]interface{}
	Priority int
}

type subscription struct {
	id       string
	topic    string
	pattern  bool
	handler  Handler
	metadata map[string]interface{}
	priority int
	seq      uint64
}

// Bus is a single process-wide event broker. The zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscription
	seq    uint64
	logger zerolog.Logger
}

// New creates an empty Bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "bus").Logger()}
}

// Subscribe registers an exact-match handler for topic. Fails with
// InvalidTopicError if topic is empty.
func (b *Bus) Subscribe(topic string, handler Handler, opts SubscribeOptions) (string, error) {
	if topic == "" {
		return "", &pluginerr.InvalidTopicError{Topic: topic}
	}
	return b.add(topic, false, handler, opts), nil
}

// SubscribePattern registers a handler against a dot-segmented pattern where
// "*" matches exactly one segment (plugins.* matches plugins.installed but
// not plugins.lifecycle.activated).
func (b *Bus) SubscribePattern(pattern string, handler Handler, opts SubscribeOptions) (string, error) {
	if pattern == "" {
		return "", &pluginerr.InvalidTopicError{Topic: pattern}
	}
	return b.add(pattern, true, handler, opts), nil
}

func (b *Bus) add(topicOrPattern string, isPattern bool, handler Handler, opts SubscribeOptions) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	sub := &subscription{
		id:       uuid.NewString(),
		topic:    topicOrPattern,
		pattern:  isPattern,
		handler:  handler,
		metadata: opts.Metadata,
		priority: opts.Priority,
		seq:      b.seq,
	}
	// copy-on-write: never mutate the slice a live dispatch is iterating.
	next := make([]*subscription, len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, sub)
	return sub.id
}

// Unsubscribe removes a subscription by id. Idempotent.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != subscriptionID {
			next = append(next, s)
		}
	}
	b.subs = next
}

// UnsubscribeByMetadata removes every subscription whose metadata[key] ==
// value, used by the registry to unsubscribe everything tagged with a
// deactivating plugin's id.
func (b *Bus) UnsubscribeByMetadata(key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.metadata != nil {
			if v, ok := s.metadata[key]; ok && v == value {
				continue
			}
		}
		next = append(next, s)
	}
	b.subs = next
}

// Publish synchronously determines the matching subscriber set, then
// dispatches to each in priority order (descending), equal priorities in
// registration order. Each handler runs to completion before the next is
// invoked. Priority would be meaningless as a tiebreak on an already-total
// registration order, so it is deliberately the primary key here.
func (b *Bus) Publish(topic string, payload interface{}, meta Metadata) error {
	if topic == "" {
		return &pluginerr.InvalidTopicError{Topic: topic}
	}

	b.mu.Lock()
	snapshot := b.subs
	b.mu.Unlock()

	matched := make([]*subscription, 0, len(snapshot))
	for _, s := range snapshot {
		if s.pattern {
			if matchPattern(s.topic, topic) {
				matched = append(matched, s)
			}
		} else if s.topic == topic {
			matched = append(matched, s)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].seq < matched[j].seq
	})

	for _, s := range matched {
		func(s *subscription) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().
						Str("topic", topic).
						Str("subscriptionId", s.id).
						Interface("panic", r).
						Msg("bus handler panicked")
				}
			}()
			if err := s.handler(topic, payload, meta); err != nil {
				b.logger.Error().
					Err(err).
					Str("topic", topic).
					Str("subscriptionId", s.id).
					Interface("metadata", s.metadata).
					Msg("bus handler error")
			}
		}(s)
	}
	return nil
}

// GetSubscriberCount returns the number of subscriptions (exact or pattern)
// that would match topic right now.
func (b *Bus) GetSubscriberCount(topic string) int {
	b.mu.Lock()
	snapshot := b.subs
	b.mu.Unlock()

	count := 0
	for _, s := range snapshot {
		if s.pattern {
			if matchPattern(s.topic, topic) {
				count++
			}
		} else if s.topic == topic {
			count++
		}
	}
	return count
}

// GetActiveTopics returns the set of exact topics currently subscribed
// (patterns are reported as-is, unexpanded).
func (b *Bus) GetActiveTopics() []string {
	b.mu.Lock()
	snapshot := b.subs
	b.mu.Unlock()

	seen := make(map[string]bool, len(snapshot))
	topics := make([]string, 0, len(snapshot))
	for _, s := range snapshot {
		if !seen[s.topic] {
			seen[s.topic] = true
			topics = append(topics, s.topic)
		}
	}
	return topics
}

// ClearAllSubscriptions removes every subscription. The plugin context
// façade must refuse to expose this to plugin code (OperationNotPermittedError).
func (b *Bus) ClearAllSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}

// matchPattern implements single-segment "*" wildcard matching over
// dot-segmented topics. "*" requires a non-empty segment.
func matchPattern(pattern, topic string) bool {
	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(topic, ".")
	if len(pSegs) != len(tSegs) {
		return false
	}
	for i, p := range pSegs {
		if p == "*" {
			if tSegs[i] == "" {
				return false
			}
			continue
		}
		if p != tSegs[i] {
			return false
		}
	}
	return true
}
