package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/meridian-lab/project-meridian/internal/core/session"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
)

// checkpointSessionizer names the sweep cursor row owned by the sessionizer.
const checkpointSessionizer = "sessionizer"

// SessionAdapter implements storage.SessionStore, storage.ProfileStore, and
// storage.IdentityStore on a shared connection. Sweep flushes and the
// checkpoint write are one transaction — the atomicity contract that makes
// crash recovery safe.
type SessionAdapter struct {
	db *sql.DB
}

// NewSessionAdapter creates a SessionAdapter sharing the given connection.
func NewSessionAdapter(db *sql.DB) *SessionAdapter {
	return &SessionAdapter{db: db}
}

// FlushSweep writes sessions, profile deltas, identity links, and the new
// cursor in one transaction. The checkpoint row is locked first and the
// write is monotonic: a cursor at or below the durable one means a stale or
// empty sweep, and nothing is written.
func (a *SessionAdapter) FlushSweep(ctx context.Context, batch storage.SweepBatch) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sweep flush: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	durableCursor, err := lockCheckpoint(ctx, tx, checkpointSessionizer)
	if err != nil {
		return fmt.Errorf("sweep flush: %w", err)
	}

	if batch.Cursor <= durableCursor {
		slog.Warn("[SessionAdapter] Skipping stale/no-op flush",
			"cursor", batch.Cursor,
			"durable_cursor", durableCursor,
			"sessions", len(batch.Sessions))
		return nil
	}

	sessionStmt, err := tx.PrepareContext(ctx, queryUpsertSession)
	if err != nil {
		return fmt.Errorf("sweep flush: prepare session upsert: %w", err)
	}
	defer sessionStmt.Close()

	for _, s := range batch.Sessions {
		if _, err := sessionStmt.ExecContext(ctx,
			s.ID,
			s.AnonymousID,
			nullString(s.UserID),
			s.StartedAt,
			s.EndedAt,
			s.DurationSeconds,
			s.EventCount,
			s.PageViews,
			s.IsBounce,
			s.IsConversion,
			s.Revenue,
			nullString(s.Currency),
			nullString(s.LandingPage),
			nullString(s.ExitPage),
			nullString(s.Referrer),
			nullString(s.UTMSource),
			nullString(s.UTMMedium),
			nullString(s.UTMCampaign),
			nullString(s.UTMContent),
			nullString(s.UTMTerm),
			nullString(s.GCLID),
			nullString(s.DeviceFingerprint),
			nullTime(s.FirstTouchAt),
			nullTime(s.FirstPageAt),
			nullTime(s.LastPageAt),
			s.Ended,
			s.UpdatedAt,
		); err != nil {
			return fmt.Errorf("sweep flush: upsert session %s: %w", s.ID, err)
		}
	}

	profileStmt, err := tx.PrepareContext(ctx, queryUpsertProfile)
	if err != nil {
		return fmt.Errorf("sweep flush: prepare profile upsert: %w", err)
	}
	defer profileStmt.Close()

	identityStmt, err := tx.PrepareContext(ctx, queryUpsertProfileIdentity)
	if err != nil {
		return fmt.Errorf("sweep flush: prepare profile identity upsert: %w", err)
	}
	defer identityStmt.Close()

	now := time.Now().UTC()
	for _, p := range batch.Profiles {
		if _, err := profileStmt.ExecContext(ctx,
			p.UserID,
			p.FirstSeen,
			p.LastSeen,
			p.SessionDelta,
			p.EventDelta,
			p.RevenueDelta,
			now,
		); err != nil {
			return fmt.Errorf("sweep flush: upsert profile %s: %w", p.UserID, err)
		}
		for _, anon := range p.AnonymousIDs {
			if _, err := identityStmt.ExecContext(ctx, p.UserID, "anonymous_id", anon); err != nil {
				return fmt.Errorf("sweep flush: link anonymous id for %s: %w", p.UserID, err)
			}
		}
		for _, fp := range p.Fingerprints {
			if _, err := identityStmt.ExecContext(ctx, p.UserID, "fingerprint", fp); err != nil {
				return fmt.Errorf("sweep flush: link fingerprint for %s: %w", p.UserID, err)
			}
		}
	}

	for _, link := range batch.Links {
		if _, err := tx.ExecContext(ctx, queryUpsertIdentityLink,
			link.AnonymousID, link.UserID, link.LinkedAt,
		); err != nil {
			return fmt.Errorf("sweep flush: upsert identity link %s: %w", link.AnonymousID, err)
		}
		if err := applyIdentityLink(ctx, tx, link, now); err != nil {
			return fmt.Errorf("sweep flush: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, queryUpdateCheckpoint, batch.Cursor, now, checkpointSessionizer)
	if err != nil {
		return fmt.Errorf("sweep flush: write checkpoint: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sweep flush: check checkpoint write: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("sweep flush: checkpoint row missing (name=%s)", checkpointSessionizer)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sweep flush: commit: %w", err)
	}

	slog.Info("[SessionAdapter] Flushed sweep",
		"sessions", len(batch.Sessions),
		"profiles", len(batch.Profiles),
		"links", len(batch.Links),
		"cursor", batch.Cursor)
	return nil
}

// lockCheckpoint reads the checkpoint row FOR UPDATE, creating it on first
// use.
func lockCheckpoint(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var cursor int64
	err := tx.QueryRowContext(ctx, querySelectCheckpointForUpdate, name).Scan(&cursor)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, queryInitCheckpointRow, name, time.Now().UTC()); err != nil {
			return 0, fmt.Errorf("init checkpoint row: %w", err)
		}
		if err := tx.QueryRowContext(ctx, querySelectCheckpointForUpdate, name).Scan(&cursor); err != nil {
			return 0, fmt.Errorf("read initialized checkpoint for update: %w", err)
		}
		return cursor, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint for update: %w", err)
	}
	return cursor, nil
}

// LoadCheckpoint returns the last flushed cursor, 0 when no sweep has run.
func (a *SessionAdapter) LoadCheckpoint(ctx context.Context) (int64, error) {
	var cursor int64
	err := a.db.QueryRowContext(ctx, queryReadCheckpoint, checkpointSessionizer).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sweep checkpoint: %w", err)
	}
	return cursor, nil
}

// GetSessionsByIDs loads stored aggregates for incremental folding.
func (a *SessionAdapter) GetSessionsByIDs(ctx context.Context, ids []string) (map[string]*session.Session, error) {
	if len(ids) == 0 {
		return map[string]*session.Session{}, nil
	}

	rows, err := a.db.QueryContext(ctx, querySelectSessionsByIDs, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query sessions by ids: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string]*session.Session, len(ids))
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions by ids: %w", err)
	}
	return sessions, nil
}

// ListSessionsByUser returns a user's sessions in start order.
func (a *SessionAdapter) ListSessionsByUser(ctx context.Context, userID string) ([]*session.Session, error) {
	return a.querySessions(ctx, querySelectSessionsByUser, userID)
}

// ListSessionsSince returns sessions starting at or after since.
func (a *SessionAdapter) ListSessionsSince(ctx context.Context, since time.Time) ([]*session.Session, error) {
	return a.querySessions(ctx, querySelectSessionsSince, since)
}

func (a *SessionAdapter) querySessions(ctx context.Context, query string, arg interface{}) ([]*session.Session, error) {
	rows, err := a.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// CountSessions returns total session and conversion counts.
func (a *SessionAdapter) CountSessions(ctx context.Context) (total, conversions int64, err error) {
	if err := a.db.QueryRowContext(ctx, queryCountSessions).Scan(&total, &conversions); err != nil {
		return 0, 0, fmt.Errorf("count sessions: %w", err)
	}
	return total, conversions, nil
}

// GetProfile returns one profile, storage.ErrNotFound when absent.
func (a *SessionAdapter) GetProfile(ctx context.Context, userID string) (*storage.Profile, error) {
	p, err := scanProfileRow(a.db.QueryRowContext(ctx, querySelectProfile, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, querySelectProfileIdentities, userID)
	if err != nil {
		return nil, fmt.Errorf("query profile identities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, value string
		if err := rows.Scan(&kind, &value); err != nil {
			return nil, fmt.Errorf("scan profile identity: %w", err)
		}
		switch kind {
		case "anonymous_id":
			p.AnonymousIDs = append(p.AnonymousIDs, value)
		case "fingerprint":
			p.Fingerprints = append(p.Fingerprints, value)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile identities: %w", err)
	}
	return p, nil
}

// ListProfiles returns all profiles ordered by user id. Identity sets are
// not loaded on the list path.
func (a *SessionAdapter) ListProfiles(ctx context.Context) ([]*storage.Profile, error) {
	rows, err := a.db.QueryContext(ctx, querySelectProfiles)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*storage.Profile
	for rows.Next() {
		p, err := scanProfileRow(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return profiles, nil
}

// UpdateSegments overwrites the RFM fields for the given profiles.
func (a *SessionAdapter) UpdateSegments(ctx context.Context, profiles []*storage.Profile) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update segments: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, queryUpdateProfileSegment)
	if err != nil {
		return fmt.Errorf("update segments: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, p := range profiles {
		if _, err := stmt.ExecContext(ctx,
			p.UserID,
			p.RecencyScore,
			p.FrequencyScore,
			p.MonetaryScore,
			p.Segment,
			p.PredictedLTV,
			now,
		); err != nil {
			return fmt.Errorf("update segments: profile %s: %w", p.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update segments: commit: %w", err)
	}
	return nil
}

// MergeTraits folds identify traits into the profile row, creating it when
// the sweep has not seen the user yet.
func (a *SessionAdapter) MergeTraits(ctx context.Context, userID string, traits map[string]interface{}) error {
	if len(traits) == 0 {
		return nil
	}
	traitsJSON, err := json.Marshal(traits)
	if err != nil {
		return fmt.Errorf("merge traits: marshal: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, queryMergeProfileTraits, userID, time.Now().UTC(), traitsJSON); err != nil {
		return fmt.Errorf("merge traits: profile %s: %w", userID, err)
	}
	return nil
}

// SaveLink upserts one identity link and re-points history written under the
// anonymous id, in one transaction. Serves the identify endpoint; sweep links
// take the same path inside FlushSweep.
func (a *SessionAdapter) SaveLink(ctx context.Context, link storage.IdentityLink) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save identity link: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, queryUpsertIdentityLink,
		link.AnonymousID, link.UserID, link.LinkedAt,
	); err != nil {
		return fmt.Errorf("upsert identity link %s: %w", link.AnonymousID, err)
	}
	if err := applyIdentityLink(ctx, tx, link, time.Now().UTC()); err != nil {
		return fmt.Errorf("save identity link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save identity link: commit: %w", err)
	}
	return nil
}

// applyIdentityLink rewrites history that predates the link: sessions stored
// under the anonymous id move to the canonical user, and the profile row
// accumulated under the anonymous id (with its identity set) folds into the
// canonical row. Runs inside the caller's transaction.
func applyIdentityLink(ctx context.Context, tx *sql.Tx, link storage.IdentityLink, now time.Time) error {
	if link.AnonymousID == "" || link.AnonymousID == link.UserID {
		return nil
	}
	if _, err := tx.ExecContext(ctx, queryReattributeSessions, link.AnonymousID, link.UserID, now); err != nil {
		return fmt.Errorf("re-attribute sessions of %s: %w", link.AnonymousID, err)
	}
	if _, err := tx.ExecContext(ctx, queryFoldProfileInto, link.AnonymousID, link.UserID, now); err != nil {
		return fmt.Errorf("fold profile %s into %s: %w", link.AnonymousID, link.UserID, err)
	}
	if _, err := tx.ExecContext(ctx, queryMoveProfileIdentities, link.AnonymousID, link.UserID); err != nil {
		return fmt.Errorf("move identities of %s: %w", link.AnonymousID, err)
	}
	if _, err := tx.ExecContext(ctx, queryDeleteProfileIdentities, link.AnonymousID); err != nil {
		return fmt.Errorf("clear identities of %s: %w", link.AnonymousID, err)
	}
	if _, err := tx.ExecContext(ctx, queryDeleteProfile, link.AnonymousID); err != nil {
		return fmt.Errorf("drop folded profile %s: %w", link.AnonymousID, err)
	}
	return nil
}

// LoadLinks returns the full identity-resolution table.
func (a *SessionAdapter) LoadLinks(ctx context.Context) (map[string]string, error) {
	rows, err := a.db.QueryContext(ctx, querySelectIdentityLinks)
	if err != nil {
		return nil, fmt.Errorf("query identity links: %w", err)
	}
	defer rows.Close()

	links := make(map[string]string)
	for rows.Next() {
		var anon, user string
		if err := rows.Scan(&anon, &user); err != nil {
			return nil, fmt.Errorf("scan identity link: %w", err)
		}
		links[anon] = user
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity links: %w", err)
	}
	return links, nil
}
