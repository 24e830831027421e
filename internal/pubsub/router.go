// Package pubsub implements the topic router (C6): dot-separated token
// matching with "*" (single token) and "#" (trailing multi-token) wildcards,
// idempotent Subscribe/Unsubscribe, and a bounded per-subscriber outbound
// channel with a drop-oldest overflow policy.
//
// Grounded on pkg/cmap for the exact-pattern subscriber index (spec §3.7's
// "radix/prefix structure keyed by tokens" — patterns with no wildcard
// token are looked up in O(1) instead of scanned), the same sharded-map
// idiom the KV store uses elsewhere in the teacher codebase. No
// topic-router library appears anywhere in the retrieved corpus, so the
// wildcard matcher itself is hand-written.
package pubsub

import (
	"strings"
	"sync"

	"github.com/synap/synap/internal/core/domain"
	"github.com/synap/synap/pkg/cmap"
)

// Message is what a subscriber receives (spec §4.4).
type Message struct {
	Topic    string
	Payload  []byte
	Metadata map[string]string
}

// subscription is one subscriber's pattern set and outbound channel.
type subscription struct {
	id       string
	mu       sync.Mutex
	patterns map[string]bool // idempotent pattern set, keyed by raw pattern string
	outbox   chan Message
	overflow bool
}

// Router is the topic router (spec §4.4 Contract).
type Router struct {
	// exact indexes non-wildcard patterns -> (subscriber_id -> subscription)
	// for O(1) average lookup on Publish. Each value is replaced wholesale
	// (copy-on-write) under mu so Publish can read it via cmap without
	// taking mu at all.
	exact *cmap.Map[string, map[string]*subscription]

	mu       sync.RWMutex
	subs     map[string]*subscription // subscriber_id -> subscription, authoritative
	wildcard map[string][]string      // subscriber_id -> wildcard patterns, scanned linearly on publish

	outboxSize int
}

// NewRouter creates a Router. outboxSize bounds each subscriber's outbound
// channel; 0 uses a sane default.
func NewRouter(outboxSize int) *Router {
	if outboxSize <= 0 {
		outboxSize = 256
	}
	return &Router{
		exact:      cmap.New[string, map[string]*subscription](),
		subs:       make(map[string]*subscription),
		wildcard:   make(map[string][]string),
		outboxSize: outboxSize,
	}
}

func tokenize(topic string) ([]string, error) {
	if topic == "" {
		return nil, domain.Errorf(domain.KindInvalidArgument, "empty topic")
	}
	tokens := strings.Split(topic, ".")
	for _, tok := range tokens {
		if tok == "" {
			return nil, domain.Errorf(domain.KindInvalidArgument, "topic %q has an empty token", topic)
		}
	}
	return tokens, nil
}

func validatePattern(pattern string) ([]string, error) {
	tokens, err := tokenize(pattern)
	if err != nil {
		return nil, err
	}
	for i, tok := range tokens {
		if tok == "#" && i != len(tokens)-1 {
			return nil, domain.Errorf(domain.KindInvalidArgument, "pattern %q: '#' must be the last token", pattern)
		}
	}
	return tokens, nil
}

// Subscribe implements spec §4.4 Subscribe: idempotent, O(tokens*patterns).
func (r *Router) Subscribe(subscriberID string, patterns ...string) (<-chan Message, error) {
	for _, p := range patterns {
		if _, err := validatePattern(p); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[subscriberID]
	if !ok {
		sub = &subscription{
			id:       subscriberID,
			patterns: make(map[string]bool),
			outbox:   make(chan Message, r.outboxSize),
		}
		r.subs[subscriberID] = sub
	}

	sub.mu.Lock()
	for _, p := range patterns {
		sub.patterns[p] = true
	}
	sub.mu.Unlock()

	r.reindexLocked(sub)
	return sub.outbox, nil
}

// Unsubscribe implements spec §4.4 Unsubscribe: idempotent.
func (r *Router) Unsubscribe(subscriberID string, patterns ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[subscriberID]
	if !ok {
		return
	}

	sub.mu.Lock()
	if len(patterns) == 0 {
		sub.patterns = make(map[string]bool)
	} else {
		for _, p := range patterns {
			delete(sub.patterns, p)
		}
	}
	empty := len(sub.patterns) == 0
	sub.mu.Unlock()

	if empty {
		delete(r.subs, subscriberID)
		delete(r.wildcard, subscriberID)
		r.removeFromExactLocked(sub, nil) // drop every pattern this subscriber held
		close(sub.outbox)
		return
	}
	r.reindexLocked(sub)
}

// reindexLocked recomputes sub's wildcard list and exact-pattern index
// entries from its current pattern set. Caller must hold r.mu.
func (r *Router) reindexLocked(sub *subscription) {
	sub.mu.Lock()
	var wild, exactPatterns []string
	for p := range sub.patterns {
		if strings.ContainsAny(p, "*#") {
			wild = append(wild, p)
		} else {
			exactPatterns = append(exactPatterns, p)
		}
	}
	sub.mu.Unlock()

	if len(wild) == 0 {
		delete(r.wildcard, sub.id)
	} else {
		r.wildcard[sub.id] = wild
	}
	r.removeFromExactLocked(sub, exactPatterns)
	for _, p := range exactPatterns {
		entries, _ := r.exact.Get(p)
		next := make(map[string]*subscription, len(entries)+1)
		for id, s := range entries {
			next[id] = s
		}
		next[sub.id] = sub
		r.exact.Set(p, next)
	}
}

// removeFromExactLocked removes sub from every exact-pattern index entry not
// present in keep. Caller must hold r.mu.
func (r *Router) removeFromExactLocked(sub *subscription, keep []string) {
	keepSet := make(map[string]bool, len(keep))
	for _, p := range keep {
		keepSet[p] = true
	}
	r.exact.Range(func(pattern string, entries map[string]*subscription) bool {
		if keepSet[pattern] {
			return true
		}
		if _, ok := entries[sub.id]; !ok {
			return true
		}
		next := make(map[string]*subscription, len(entries))
		for id, s := range entries {
			if id != sub.id {
				next[id] = s
			}
		}
		if len(next) == 0 {
			r.exact.Delete(pattern)
		} else {
			r.exact.Set(pattern, next)
		}
		return true
	})
}

// matches reports whether pattern's token sequence matches topic's, per
// spec §4.4: exact tokens must equal, "*" matches exactly one token, "#"
// (tail-only) matches one or more trailing tokens.
func matches(patternTokens, topicTokens []string) bool {
	pi, ti := 0, 0
	for pi < len(patternTokens) {
		pt := patternTokens[pi]
		if pt == "#" {
			return ti < len(topicTokens) // "#" requires at least one trailing token
		}
		if ti >= len(topicTokens) {
			return false
		}
		if pt != "*" && pt != topicTokens[ti] {
			return false
		}
		pi++
		ti++
	}
	return ti == len(topicTokens)
}

// Publish implements spec §4.4 Publish: matches topic against exact
// subscribers and the wildcard pattern list, enqueues onto each matched
// subscriber's bounded outbox, and returns the count notified.
func (r *Router) Publish(topic string, payload []byte, metadata map[string]string) (int, error) {
	topicTokens, err := tokenize(topic)
	if err != nil {
		return 0, err
	}
	msg := Message{Topic: topic, Payload: payload, Metadata: metadata}

	notified := 0
	seen := make(map[string]bool)

	exactEntries, _ := r.exact.Get(topic)
	exactCandidates := make([]*subscription, 0, len(exactEntries))
	for id, sub := range exactEntries {
		exactCandidates = append(exactCandidates, sub)
		seen[id] = true
	}

	r.mu.RLock()
	wildcardCandidates := make([]struct {
		sub      *subscription
		patterns []string
	}, 0, len(r.wildcard))
	for id, patterns := range r.wildcard {
		if seen[id] {
			continue
		}
		wildcardCandidates = append(wildcardCandidates, struct {
			sub      *subscription
			patterns []string
		}{r.subs[id], patterns})
	}
	r.mu.RUnlock()

	for _, sub := range exactCandidates {
		r.deliver(sub, msg)
		notified++
	}
	for _, c := range wildcardCandidates {
		for _, p := range c.patterns {
			tokens, err := validatePattern(p)
			if err != nil {
				continue
			}
			if matches(tokens, topicTokens) {
				r.deliver(c.sub, msg)
				notified++
				break
			}
		}
	}
	return notified, nil
}

// deliver enqueues msg onto sub's outbox, applying drop-oldest-and-mark
// overflow back-pressure if the subscriber cannot keep up (spec §4.4).
func (r *Router) deliver(sub *subscription, msg Message) {
	select {
	case sub.outbox <- msg:
	default:
		select {
		case <-sub.outbox:
		default:
		}
		sub.mu.Lock()
		sub.overflow = true
		sub.mu.Unlock()
		select {
		case sub.outbox <- msg:
		default:
		}
	}
}

// Overflow reports and clears the overflow flag for subscriberID, surfaced
// in its next handshake per spec §4.4.
func (r *Router) Overflow(subscriberID string) bool {
	r.mu.RLock()
	sub, ok := r.subs[subscriberID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	overflowed := sub.overflow
	sub.overflow = false
	return overflowed
}
