// Package identity maintains the anonymous-id → canonical-user-id
// resolution table. Merges are monotonic: an anonymous id, once linked,
// is never unlinked — re-pointing it at a different user is allowed
// (last-write-wins) but reverting to anonymous is not.
package identity

import "sync"

// MergeOutcome describes what a Merge call did.
type MergeOutcome struct {
	// Applied is false when the identical mapping already existed.
	Applied bool
	// Conflict is true when the anonymous id was previously linked to a
	// different user. The new mapping wins; callers log a warning.
	Conflict bool
	// Previous holds the displaced user id when Conflict is true.
	Previous string
}

// Resolver is the in-memory view of the resolution table. The sessionizer
// consults it on every write; the durable rows live in the identity store
// and are loaded at startup and after each sweep.
type Resolver struct {
	mu     sync.RWMutex
	byAnon map[string]string
}

func NewResolver() *Resolver {
	return &Resolver{byAnon: make(map[string]string)}
}

// Load replaces the in-memory table with durable links.
func (r *Resolver) Load(links map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAnon = make(map[string]string, len(links))
	for anon, user := range links {
		r.byAnon[anon] = user
	}
}

// Resolve returns the linked user id for an anonymous id, if any.
func (r *Resolver) Resolve(anonymousID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.byAnon[anonymousID]
	return user, ok
}

// Canonical returns the identity a session or profile should be keyed by:
// the resolved user id when a link exists, else the event's own user id,
// else the anonymous id.
func (r *Resolver) Canonical(anonymousID, eventUserID string) string {
	if user, ok := r.Resolve(anonymousID); ok {
		return user
	}
	if eventUserID != "" {
		return eventUserID
	}
	return anonymousID
}

// Merge links an anonymous id to a user id. Idempotent for identical
// mappings; last-write-wins with a conflict flag otherwise.
func (r *Resolver) Merge(anonymousID, userID string) MergeOutcome {
	if anonymousID == "" || userID == "" {
		return MergeOutcome{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous, exists := r.byAnon[anonymousID]
	if exists && previous == userID {
		return MergeOutcome{}
	}

	r.byAnon[anonymousID] = userID
	if exists {
		return MergeOutcome{Applied: true, Conflict: true, Previous: previous}
	}
	return MergeOutcome{Applied: true}
}

// Len reports the number of links (used by startup logging).
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAnon)
}
