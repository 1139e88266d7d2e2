package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/meridian-lab/project-meridian/internal/api/v1"
	"github.com/meridian-lab/project-meridian/internal/core/session"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
)

// marshalProperties marshals the free-form property map. Nil produces nil
// (SQL NULL) rather than the JSON "null" string.
func marshalProperties(event *v1.Event) ([]byte, error) {
	if len(event.Properties) == 0 {
		return nil, nil
	}
	propsJSON, err := json.Marshal(event.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal properties: %w", err)
	}
	return propsJSON, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEventRow scans a database row into an Event. Compatible with both
// sql.Row and sql.Rows.
func scanEventRow(row scanner) (*v1.Event, error) {
	var evt v1.Event
	var (
		userID, fingerprint, agent, ip                 sql.NullString
		pageURL, pageTitle, referrer                   sql.NullString
		utmSource, utmMedium, utmCampaign              sql.NullString
		utmContent, utmTerm                            sql.NullString
		gclid, gbraid, wbraid                          sql.NullString
		orderID, productID, productCategory, issue     sql.NullString
		propsJSON                                      []byte
	)

	err := row.Scan(
		&evt.ID,
		&evt.Timestamp,
		&evt.Type,
		&evt.AnonymousID,
		&userID,
		&evt.SessionID,
		&evt.VisitSeq,
		&fingerprint,
		&agent,
		&ip,
		&pageURL,
		&pageTitle,
		&referrer,
		&utmSource,
		&utmMedium,
		&utmCampaign,
		&utmContent,
		&utmTerm,
		&gclid,
		&gbraid,
		&wbraid,
		&evt.Revenue.Decimal,
		&evt.Currency,
		&orderID,
		&productID,
		&productCategory,
		&evt.Quantity,
		&propsJSON,
		&evt.IngestedAt,
		&evt.Valid,
		&issue,
		&evt.IngestSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	evt.UserID = userID.String
	evt.DeviceFingerprint = fingerprint.String
	evt.UserAgent = agent.String
	evt.IPAddress = ip.String
	evt.PageURL = pageURL.String
	evt.PageTitle = pageTitle.String
	evt.ReferrerURL = referrer.String
	evt.UTMSource = utmSource.String
	evt.UTMMedium = utmMedium.String
	evt.UTMCampaign = utmCampaign.String
	evt.UTMContent = utmContent.String
	evt.UTMTerm = utmTerm.String
	evt.GCLID = gclid.String
	evt.GBRAID = gbraid.String
	evt.WBRAID = wbraid.String
	evt.OrderID = orderID.String
	evt.ProductID = productID.String
	evt.ProductCategory = productCategory.String
	evt.Issue = issue.String

	if len(propsJSON) > 0 {
		if err := json.Unmarshal(propsJSON, &evt.Properties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
		}
	}

	return &evt, nil
}

// scanSessionRow scans one sessions row into the aggregate.
func scanSessionRow(row scanner) (*session.Session, error) {
	var s session.Session
	var (
		userID, currency                       sql.NullString
		landing, exit, referrer                sql.NullString
		utmSource, utmMedium, utmCampaign      sql.NullString
		utmContent, utmTerm, gclid             sql.NullString
		fingerprint                            sql.NullString
		firstTouchAt, firstPageAt, lastPageAt  sql.NullTime
	)

	err := row.Scan(
		&s.ID,
		&s.AnonymousID,
		&userID,
		&s.StartedAt,
		&s.EndedAt,
		&s.DurationSeconds,
		&s.EventCount,
		&s.PageViews,
		&s.IsBounce,
		&s.IsConversion,
		&s.Revenue,
		&currency,
		&landing,
		&exit,
		&referrer,
		&utmSource,
		&utmMedium,
		&utmCampaign,
		&utmContent,
		&utmTerm,
		&gclid,
		&fingerprint,
		&firstTouchAt,
		&firstPageAt,
		&lastPageAt,
		&s.Ended,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan session row: %w", err)
	}

	s.UserID = userID.String
	s.Currency = currency.String
	s.LandingPage = landing.String
	s.ExitPage = exit.String
	s.Referrer = referrer.String
	s.UTMSource = utmSource.String
	s.UTMMedium = utmMedium.String
	s.UTMCampaign = utmCampaign.String
	s.UTMContent = utmContent.String
	s.UTMTerm = utmTerm.String
	s.GCLID = gclid.String
	s.DeviceFingerprint = fingerprint.String
	s.FirstTouchAt = firstTouchAt.Time
	s.FirstPageAt = firstPageAt.Time
	s.LastPageAt = lastPageAt.Time

	return &s, nil
}

// scanProfileRow scans one user_profiles row.
func scanProfileRow(row scanner) (*storage.Profile, error) {
	var p storage.Profile
	var segment sql.NullString
	var recency, frequency, monetary sql.NullInt64
	var traitsJSON []byte

	err := row.Scan(
		&p.UserID,
		&p.FirstSeen,
		&p.LastSeen,
		&p.TotalSessions,
		&p.TotalEvents,
		&p.TotalRevenue,
		&recency,
		&frequency,
		&monetary,
		&segment,
		&p.PredictedLTV,
		&traitsJSON,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan profile row: %w", err)
	}

	p.RecencyScore = int(recency.Int64)
	p.FrequencyScore = int(frequency.Int64)
	p.MonetaryScore = int(monetary.Int64)
	p.Segment = segment.String

	if len(traitsJSON) > 0 {
		if err := json.Unmarshal(traitsJSON, &p.Traits); err != nil {
			return nil, fmt.Errorf("failed to unmarshal profile traits: %w", err)
		}
	}

	return &p, nil
}
