package typing

import (
	"slices"
	"time"
)

// DefaultTTL is how long a remote typing signal stays visible unless refreshed.
const DefaultTTL = 5 * time.Second

// Tracker holds the set of remote users currently typing, per conversation.
// Not safe for concurrent use; the engine loop owns it.
type Tracker struct {
	ttl   time.Duration
	convs map[string]map[string]time.Time
}

// NewTracker creates a tracker. A non-positive ttl uses DefaultTTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{ttl: ttl, convs: make(map[string]map[string]time.Time)}
}

// OnSignal upserts or removes a user. Returns true if the visible set changed.
func (t *Tracker) OnSignal(conversationID, userID string, isTyping bool, now time.Time) bool {
	users := t.convs[conversationID]
	if !isTyping {
		if _, ok := users[userID]; !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(t.convs, conversationID)
		}
		return true
	}

	if users == nil {
		users = make(map[string]time.Time)
		t.convs[conversationID] = users
	}
	exp, existed := users[userID]
	users[userID] = now.Add(t.ttl)
	return !existed || !exp.After(now)
}

// Users returns the unexpired typists of a conversation, sorted.
func (t *Tracker) Users(conversationID string, now time.Time) []string {
	var out []string
	for user, exp := range t.convs[conversationID] {
		if exp.After(now) {
			out = append(out, user)
		}
	}
	slices.Sort(out)
	return out
}

// Sweep drops expired entries and returns the conversations that changed.
func (t *Tracker) Sweep(now time.Time) []string {
	var changed []string
	for conv, users := range t.convs {
		n := len(users)
		for user, exp := range users {
			if !exp.After(now) {
				delete(users, user)
			}
		}
		if len(users) != n {
			changed = append(changed, conv)
		}
		if len(users) == 0 {
			delete(t.convs, conv)
		}
	}
	slices.Sort(changed)
	return changed
}

// Clear forgets a conversation.
func (t *Tracker) Clear(conversationID string) {
	delete(t.convs, conversationID)
}
