package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Topics published by the pool and the configuration manager.
const (
	TopicConfigUpdated    = "config.updated"
	TopicTopologyChanged  = "topology.changed"
	TopicHostPoolAdded    = "hostpool.added"
	TopicHostPoolRemoved  = "hostpool.removed"
	TopicErrorRateTripped = "errorrate.tripped"
	TopicHealthFailed     = "health.failed"
	TopicHealthRecovered  = "health.recovered"

	// TopicAll matches every topic. A pattern ending in ".*" matches every
	// topic under that prefix, e.g. "hostpool.*".
	TopicAll = "*"
)

// Event is one notification. Seq increases by one per Publish on a hub.
type Event struct {
	Seq       uint64            `json:"seq"`
	Topic     string            `json:"topic"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Handler func(context.Context, Event)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, metadata map[string]string)
}

type Subscriber interface {
	Subscribe(pattern string, handler Handler) func()
}

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Hub delivers events synchronously, in subscription order, on the
// publisher's goroutine. A panicking handler is logged and skipped.
type Hub struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	seq    atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{}
}

// Match reports whether pattern selects topic.
func Match(pattern, topic string) bool {
	switch {
	case pattern == TopicAll:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	default:
		return pattern == topic
	}
}

// Subscribe registers handler for pattern and returns its cancel func.
func (h *Hub) Subscribe(pattern string, handler Handler) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscription{id: id, pattern: pattern, handler: handler})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s.id == id {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

// Subscribers reports how many handlers pattern-match topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.subs {
		if Match(s.pattern, topic) {
			n++
		}
	}
	return n
}

func (h *Hub) Publish(ctx context.Context, topic string, payload any, metadata map[string]string) {
	evt := Event{
		Seq:       h.seq.Add(1),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  metadata,
	}

	h.mu.RLock()
	targets := make([]subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if Match(s.pattern, topic) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.deliver(ctx, s, evt)
	}
}

func (h *Hub) deliver(ctx context.Context, s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"topic":   evt.Topic,
				"pattern": s.pattern,
				"panic":   fmt.Sprint(r),
			}).Error("event handler panicked")
		}
	}()
	s.handler(ctx, evt)
}
