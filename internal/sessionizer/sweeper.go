// Package sessionizer is the cursor-driven sweep that folds the event log
// into session aggregates and per-user profile deltas. Each sweep reads
// events past the durable checkpoint, folds them into stored aggregates,
// and flushes sessions, profiles, identity links, and the advanced cursor
// in one transaction.
package sessionizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/meridian-lab/project-meridian/internal/api/v1"
	"github.com/meridian-lab/project-meridian/internal/core/identity"
	"github.com/meridian-lab/project-meridian/internal/core/partition"
	"github.com/meridian-lab/project-meridian/internal/core/session"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
)

const (
	defaultBatchSize   = 10000
	defaultWorkerCount = 8
	defaultTimeout     = 30 * time.Minute

	// eventTypeIdentify is the in-stream identity merge signal.
	eventTypeIdentify = "identify"
)

// SweepParameter controls throughput and session-close behavior for a sweep.
type SweepParameter struct {
	BatchSize   int
	WorkerCount int
	// Timeout is the inactivity window after which a session without an
	// explicit session_end is finalized.
	Timeout time.Duration
}

// DefaultSweepOptions returns safe defaults for cron-based processing.
func DefaultSweepOptions() SweepParameter {
	return SweepParameter{
		BatchSize:   defaultBatchSize,
		WorkerCount: defaultWorkerCount,
		Timeout:     defaultTimeout,
	}
}

func (o SweepParameter) normalized() SweepParameter {
	n := o
	if n.BatchSize <= 0 {
		n.BatchSize = defaultBatchSize
	}
	if n.WorkerCount <= 0 {
		n.WorkerCount = defaultWorkerCount
	}
	if n.Timeout <= 0 {
		n.Timeout = defaultTimeout
	}
	return n
}

// RunSweep processes events since the last checkpoint with default options.
func RunSweep(
	ctx context.Context,
	eventStore storage.EventStore,
	sessionStore storage.SessionStore,
	resolver *identity.Resolver,
) error {
	_, err := RunSweepWithOptions(ctx, eventStore, sessionStore, resolver, DefaultSweepOptions())
	return err
}

// RunSweepWithOptions processes one batch of events since the last
// checkpoint and returns the number of events read. The scheduler uses the
// count to decide whether more backlog is pending.
func RunSweepWithOptions(
	ctx context.Context,
	eventStore storage.EventStore,
	sessionStore storage.SessionStore,
	resolver *identity.Resolver,
	opts SweepParameter,
) (int, error) {
	opts = opts.normalized()

	cursor, err := sessionStore.LoadCheckpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}

	events, err := eventStore.RetrieveEventsAfterCursor(ctx, cursor, opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query events: %w", err)
	}

	if len(events) == 0 {
		slog.Debug("[Sessionizer] No new events to process", "cursor", cursor)
		return 0, nil
	}

	links := mergeIdentities(events, resolver)
	groups := groupBySession(events)

	sessionIDs := make([]string, 0, len(groups))
	for id := range groups {
		sessionIDs = append(sessionIDs, id)
	}
	existing, err := sessionStore.GetSessionsByIDs(ctx, sessionIDs)
	if err != nil {
		return 0, fmt.Errorf("load stored sessions: %w", err)
	}

	folded := foldConcurrently(groups, existing, opts)

	now := time.Now().UTC()
	for _, s := range folded {
		s.UserID = resolver.Canonical(s.AnonymousID, s.UserID)
		if s.ClosedBy(now, opts.Timeout) {
			s.Ended = true
		}
		s.UpdatedAt = now
	}

	profiles := buildProfileDeltas(folded, existing)

	newCursor := events[len(events)-1].IngestSeq
	batch := storage.SweepBatch{
		Sessions: folded,
		Profiles: profiles,
		Links:    links,
		Cursor:   newCursor,
	}
	if err := sessionStore.FlushSweep(ctx, batch); err != nil {
		return 0, fmt.Errorf("flush sweep: %w", err)
	}

	slog.Info("[Sessionizer] Sweep complete",
		"events_read", len(events),
		"sessions_folded", len(folded),
		"profiles_updated", len(profiles),
		"links_merged", len(links),
		"cursor_advanced", fmt.Sprintf("%d -> %d", cursor, newCursor),
	)
	return len(events), nil
}

// mergeIdentities applies in-stream identify events to the resolver and
// returns the durable link rows for the flush.
func mergeIdentities(events []*v1.Event, resolver *identity.Resolver) []storage.IdentityLink {
	var links []storage.IdentityLink
	for _, evt := range events {
		if evt.Type != eventTypeIdentify || evt.UserID == "" || evt.AnonymousID == "" {
			continue
		}
		outcome := resolver.Merge(evt.AnonymousID, evt.UserID)
		if outcome.Conflict {
			slog.Warn("[Sessionizer] Identity link re-pointed",
				"anonymous_id", evt.AnonymousID,
				"user_id", evt.UserID,
				"previous_user_id", outcome.Previous)
		}
		if outcome.Applied {
			links = append(links, storage.IdentityLink{
				AnonymousID: evt.AnonymousID,
				UserID:      evt.UserID,
				LinkedAt:    evt.Timestamp,
			})
		}
	}
	return links
}

// groupBySession buckets valid events by session id. Invalid events are
// read past (the cursor must advance over them) but never folded.
func groupBySession(events []*v1.Event) map[string][]*v1.Event {
	groups := make(map[string][]*v1.Event)
	for _, evt := range events {
		if !evt.Valid || evt.SessionID == "" {
			continue
		}
		groups[evt.SessionID] = append(groups[evt.SessionID], evt)
	}
	return groups
}

// foldConcurrently folds each session group on a worker pool. Groups are
// striped by session-id partition so assignment is deterministic.
func foldConcurrently(
	groups map[string][]*v1.Event,
	existing map[string]*session.Session,
	opts SweepParameter,
) []*session.Session {
	if len(groups) == 0 {
		return nil
	}

	workerCount := minInt(opts.WorkerCount, len(groups))
	stripes := make([][]string, workerCount)
	for id := range groups {
		w := partition.For(id) % workerCount
		stripes[w] = append(stripes[w], id)
	}

	results := make(chan []*session.Session, workerCount)
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func(ids []string) {
			defer wg.Done()
			local := make([]*session.Session, 0, len(ids))
			for _, id := range ids {
				prior := cloneSession(existing[id])
				local = append(local, session.Fold(prior, groups[id]))
			}
			results <- local
		}(stripes[i])
	}

	wg.Wait()
	close(results)

	var folded []*session.Session
	for local := range results {
		folded = append(folded, local...)
	}
	return folded
}

// cloneSession copies a stored aggregate so the fold never mutates the
// caller's map values.
func cloneSession(s *session.Session) *session.Session {
	if s == nil {
		return nil
	}
	copied := *s
	return &copied
}

// buildProfileDeltas derives per-user increments by diffing each folded
// session against its stored prior. Deltas for the same canonical user are
// merged so the flush applies one row per user.
func buildProfileDeltas(folded []*session.Session, existing map[string]*session.Session) []storage.ProfileDelta {
	byUser := make(map[string]*storage.ProfileDelta)
	for _, s := range folded {
		if s.UserID == "" {
			continue
		}

		delta := byUser[s.UserID]
		if delta == nil {
			delta = &storage.ProfileDelta{
				UserID:    s.UserID,
				FirstSeen: s.StartedAt,
				LastSeen:  s.EndedAt,
			}
			byUser[s.UserID] = delta
		}
		if s.StartedAt.Before(delta.FirstSeen) {
			delta.FirstSeen = s.StartedAt
		}
		if s.EndedAt.After(delta.LastSeen) {
			delta.LastSeen = s.EndedAt
		}

		prior := existing[s.ID]
		if prior == nil {
			delta.SessionDelta++
			delta.EventDelta += s.EventCount
			delta.RevenueDelta = delta.RevenueDelta.Add(s.Revenue)
		} else {
			delta.EventDelta += s.EventCount - prior.EventCount
			delta.RevenueDelta = delta.RevenueDelta.Add(s.Revenue.Sub(prior.Revenue))
		}

		delta.AnonymousIDs = appendUnique(delta.AnonymousIDs, s.AnonymousID)
		delta.Fingerprints = appendUnique(delta.Fingerprints, s.DeviceFingerprint)
	}

	deltas := make([]storage.ProfileDelta, 0, len(byUser))
	for _, d := range byUser {
		deltas = append(deltas, *d)
	}
	return deltas
}

func appendUnique(values []string, v string) []string {
	if v == "" {
		return values
	}
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
