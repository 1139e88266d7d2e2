package postgres

// SQL for the event log and derived-state tables.

const (
	eventColumns = `
		id, event_time, event_type, anonymous_id, user_id, session_id, visit_seq,
		device_fingerprint, user_agent, ip_address,
		page_url, page_title, referrer_url,
		utm_source, utm_medium, utm_campaign, utm_content, utm_term,
		gclid, gbraid, wbraid,
		revenue, currency, order_id, product_id, product_category, quantity,
		properties, ingested_at, is_valid, issue
	`

	// querySaveEvent inserts one event. The event id is the idempotency key:
	// ON CONFLICT DO NOTHING returns no rows (sql.ErrNoRows) for duplicates,
	// so a re-delivered event never gets a new ingest_seq and is never
	// re-swept. RETURNING retrieves the auto-generated ingest_seq for
	// cursor tracking.
	querySaveEvent = `
		INSERT INTO events (` + eventColumns + `)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21,
			$22, $23, $24, $25, $26, $27,
			$28, $29, $30, $31
		)
		ON CONFLICT (id) DO NOTHING
		RETURNING ingest_seq
	`

	// queryRetrieveEventsAfterCursor fetches events after a cursor
	// (ingest_seq) in strict total order. Fetches valid and invalid events
	// alike so the sweep cursor always advances past bad data.
	queryRetrieveEventsAfterCursor = `
		SELECT ` + eventColumns + `, ingest_seq
		FROM events
		WHERE ingest_seq > $1
		ORDER BY ingest_seq ASC
		LIMIT $2
	`

	// queryRetrieveValidEventsSince feeds the analytical passes over the
	// lookback window. Invalid events never reach analytics.
	queryRetrieveValidEventsSince = `
		SELECT ` + eventColumns + `, ingest_seq
		FROM events
		WHERE is_valid AND event_time >= $1
		ORDER BY event_time ASC, ingest_seq ASC
	`

	queryCountEvents = `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE is_valid)
		FROM events
	`

	sessionColumns = `
		session_id, anonymous_id, user_id,
		started_at, ended_at, duration_seconds,
		event_count, page_views, is_bounce, is_conversion, revenue, currency,
		landing_page, exit_page, referrer,
		utm_source, utm_medium, utm_campaign, utm_content, utm_term, gclid,
		device_fingerprint,
		first_touch_at, first_page_at, last_page_at, ended, updated_at
	`

	// queryUpsertSession overwrites the whole aggregate: the sweep folded
	// the stored state into memory before producing it, so a full replace
	// is the correct merge.
	queryUpsertSession = `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15,
			$16, $17, $18, $19, $20, $21,
			$22,
			$23, $24, $25, $26, $27
		)
		ON CONFLICT (session_id) DO UPDATE SET
			anonymous_id       = EXCLUDED.anonymous_id,
			user_id            = EXCLUDED.user_id,
			started_at         = EXCLUDED.started_at,
			ended_at           = EXCLUDED.ended_at,
			duration_seconds   = EXCLUDED.duration_seconds,
			event_count        = EXCLUDED.event_count,
			page_views         = EXCLUDED.page_views,
			is_bounce          = EXCLUDED.is_bounce,
			is_conversion      = EXCLUDED.is_conversion,
			revenue            = EXCLUDED.revenue,
			currency           = EXCLUDED.currency,
			landing_page       = EXCLUDED.landing_page,
			exit_page          = EXCLUDED.exit_page,
			referrer           = EXCLUDED.referrer,
			utm_source         = EXCLUDED.utm_source,
			utm_medium         = EXCLUDED.utm_medium,
			utm_campaign       = EXCLUDED.utm_campaign,
			utm_content        = EXCLUDED.utm_content,
			utm_term           = EXCLUDED.utm_term,
			gclid              = EXCLUDED.gclid,
			device_fingerprint = EXCLUDED.device_fingerprint,
			first_touch_at     = EXCLUDED.first_touch_at,
			first_page_at      = EXCLUDED.first_page_at,
			last_page_at       = EXCLUDED.last_page_at,
			ended              = EXCLUDED.ended,
			updated_at         = EXCLUDED.updated_at
	`

	querySelectSessionsByIDs = `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE session_id = ANY($1)
	`

	querySelectSessionsByUser = `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1
		ORDER BY started_at ASC
	`

	querySelectSessionsSince = `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE started_at >= $1
		ORDER BY started_at ASC
	`

	queryCountSessions = `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE is_conversion)
		FROM sessions
	`

	// queryUpsertProfile applies a sweep delta additively. LEAST/GREATEST
	// keep first/last seen correct under out-of-order sweeps.
	queryUpsertProfile = `
		INSERT INTO user_profiles (
			user_id, first_seen, last_seen,
			total_sessions, total_events, total_revenue, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			first_seen     = LEAST(user_profiles.first_seen, EXCLUDED.first_seen),
			last_seen      = GREATEST(user_profiles.last_seen, EXCLUDED.last_seen),
			total_sessions = user_profiles.total_sessions + EXCLUDED.total_sessions,
			total_events   = user_profiles.total_events + EXCLUDED.total_events,
			total_revenue  = user_profiles.total_revenue + EXCLUDED.total_revenue,
			updated_at     = EXCLUDED.updated_at
	`

	queryUpsertProfileIdentity = `
		INSERT INTO profile_identities (user_id, kind, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, kind, value) DO NOTHING
	`

	queryUpsertIdentityLink = `
		INSERT INTO identity_links (anonymous_id, user_id, linked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (anonymous_id) DO UPDATE SET
			user_id   = EXCLUDED.user_id,
			linked_at = EXCLUDED.linked_at
	`

	querySelectIdentityLinks = `SELECT anonymous_id, user_id FROM identity_links`

	// queryReattributeSessions re-points sessions flushed before the identity
	// link existed. Without it a link only reaches sessions folded in later
	// sweeps.
	queryReattributeSessions = `
		UPDATE sessions
		SET user_id = $2, updated_at = $3
		WHERE anonymous_id = $1 AND user_id IS DISTINCT FROM $2
	`

	// queryFoldProfileInto merges the profile accumulated under the anonymous
	// id into the canonical row. Same additive/LEAST/GREATEST merge as the
	// sweep upsert.
	queryFoldProfileInto = `
		INSERT INTO user_profiles (
			user_id, first_seen, last_seen,
			total_sessions, total_events, total_revenue, traits, updated_at
		)
		SELECT $2, first_seen, last_seen,
			total_sessions, total_events, total_revenue, traits, $3
		FROM user_profiles
		WHERE user_id = $1
		ON CONFLICT (user_id) DO UPDATE SET
			first_seen     = LEAST(user_profiles.first_seen, EXCLUDED.first_seen),
			last_seen      = GREATEST(user_profiles.last_seen, EXCLUDED.last_seen),
			total_sessions = user_profiles.total_sessions + EXCLUDED.total_sessions,
			total_events   = user_profiles.total_events + EXCLUDED.total_events,
			total_revenue  = user_profiles.total_revenue + EXCLUDED.total_revenue,
			traits         = COALESCE(user_profiles.traits, '{}'::jsonb) || COALESCE(EXCLUDED.traits, '{}'::jsonb),
			updated_at     = EXCLUDED.updated_at
	`

	queryMoveProfileIdentities = `
		INSERT INTO profile_identities (user_id, kind, value)
		SELECT $2, kind, value FROM profile_identities WHERE user_id = $1
		ON CONFLICT (user_id, kind, value) DO NOTHING
	`

	queryDeleteProfileIdentities = `DELETE FROM profile_identities WHERE user_id = $1`

	queryDeleteProfile = `DELETE FROM user_profiles WHERE user_id = $1`

	profileColumns = `
		user_id, first_seen, last_seen,
		total_sessions, total_events, total_revenue,
		recency_score, frequency_score, monetary_score, segment, predicted_ltv,
		traits, updated_at
	`

	querySelectProfile = `
		SELECT ` + profileColumns + `
		FROM user_profiles
		WHERE user_id = $1
	`

	querySelectProfiles = `
		SELECT ` + profileColumns + `
		FROM user_profiles
		ORDER BY user_id ASC
	`

	querySelectProfileIdentities = `
		SELECT kind, value FROM profile_identities WHERE user_id = $1
	`

	// queryMergeProfileTraits folds identify traits into the profile. The
	// row may not exist yet when identify arrives before the first sweep,
	// so this is an upsert seeding the timestamps.
	queryMergeProfileTraits = `
		INSERT INTO user_profiles (user_id, first_seen, last_seen, traits, updated_at)
		VALUES ($1, $2, $2, $3, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			traits     = COALESCE(user_profiles.traits, '{}'::jsonb) || EXCLUDED.traits,
			updated_at = EXCLUDED.updated_at
	`

	queryUpdateProfileSegment = `
		UPDATE user_profiles
		SET recency_score = $2, frequency_score = $3, monetary_score = $4,
		    segment = $5, predicted_ltv = $6, updated_at = $7
		WHERE user_id = $1
	`

	// Checkpoint bookkeeping, one row per consumer name.
	querySelectCheckpointForUpdate = `
		SELECT checkpoint_cursor FROM sweep_checkpoints WHERE name = $1 FOR UPDATE
	`
	queryInitCheckpointRow = `
		INSERT INTO sweep_checkpoints (name, checkpoint_cursor, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (name) DO NOTHING
	`
	queryUpdateCheckpoint = `
		UPDATE sweep_checkpoints SET checkpoint_cursor = $1, updated_at = $2 WHERE name = $3
	`
	queryReadCheckpoint = `SELECT checkpoint_cursor FROM sweep_checkpoints WHERE name = $1`

	// Data quality log.
	queryAppendIssue = `
		INSERT INTO data_quality_log (event_id, issue, severity, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	queryIssueCountsSince = `
		SELECT issue, severity, COUNT(*)
		FROM data_quality_log
		WHERE recorded_at >= $1
		GROUP BY issue, severity
		ORDER BY COUNT(*) DESC
	`
	queryIssuesSince = `
		SELECT event_id, issue, severity, detail, recorded_at
		FROM data_quality_log
		WHERE recorded_at >= $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`
	queryExpireIssuesBefore = `DELETE FROM data_quality_log WHERE recorded_at < $1`

	// Ad spend feed, keyed by (date, campaign, source, medium).
	queryUpsertAdSpend = `
		INSERT INTO ad_spend (spend_date, campaign, source, medium, cost, impressions, clicks, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (spend_date, campaign, source, medium) DO UPDATE SET
			cost        = EXCLUDED.cost,
			impressions = EXCLUDED.impressions,
			clicks      = EXCLUDED.clicks,
			updated_at  = EXCLUDED.updated_at
	`
	querySelectAdSpendSince = `
		SELECT spend_date, campaign, source, medium, cost, impressions, clicks
		FROM ad_spend
		WHERE spend_date >= $1
		ORDER BY spend_date ASC, campaign ASC
	`
)
