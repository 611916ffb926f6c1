// Package cache holds the in-memory cache of derived dashboard views.
// Handlers invalidate a user's entry whenever they persist something the
// dashboard derives from (e.g. a new insight); the read side repopulates
// lazily. Entries also expire on TTL so a missed invalidation heals itself.
package cache

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Invalidator is the narrow surface handlers depend on.
type Invalidator interface {
	Invalidate(userID uuid.UUID)
}

// Views is a bounded, expiring per-user cache of rendered dashboard views.
type Views struct {
	lru *expirable.LRU[uuid.UUID, json.RawMessage]
}

// NewViews returns a Views cache holding at most size entries for at most ttl.
func NewViews(size int, ttl time.Duration) *Views {
	return &Views{lru: expirable.NewLRU[uuid.UUID, json.RawMessage](size, nil, ttl)}
}

// Get returns the cached view for userID, if present and unexpired.
func (v *Views) Get(userID uuid.UUID) (json.RawMessage, bool) {
	return v.lru.Get(userID)
}

// Put stores a rendered view for userID.
func (v *Views) Put(userID uuid.UUID, view json.RawMessage) {
	v.lru.Add(userID, view)
}

// Invalidate drops the cached view for userID.
func (v *Views) Invalidate(userID uuid.UUID) {
	v.lru.Remove(userID)
}
