package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestViews(t *testing.T) {
	t.Parallel()
	v := NewViews(8, time.Minute)
	userID := uuid.New()

	if _, ok := v.Get(userID); ok {
		t.Error("Get hit on empty cache")
	}

	view := json.RawMessage(`{"insights":1}`)
	v.Put(userID, view)
	got, ok := v.Get(userID)
	if !ok || string(got) != string(view) {
		t.Errorf("Get = %s, %v", got, ok)
	}

	v.Invalidate(userID)
	if _, ok := v.Get(userID); ok {
		t.Error("Get hit after Invalidate")
	}

	// Invalidating an absent key is a no-op.
	v.Invalidate(uuid.New())
}

func TestViews_TTLExpiry(t *testing.T) {
	t.Parallel()
	v := NewViews(8, 20*time.Millisecond)
	userID := uuid.New()

	v.Put(userID, json.RawMessage(`{}`))
	time.Sleep(60 * time.Millisecond)
	if _, ok := v.Get(userID); ok {
		t.Error("entry survived past TTL")
	}
}

func TestViews_Bounded(t *testing.T) {
	t.Parallel()
	v := NewViews(2, time.Minute)

	oldest := uuid.New()
	v.Put(oldest, json.RawMessage(`{}`))
	v.Put(uuid.New(), json.RawMessage(`{}`))
	v.Put(uuid.New(), json.RawMessage(`{}`))

	if _, ok := v.Get(oldest); ok {
		t.Error("oldest entry survived past capacity")
	}
}
