package v1

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is the atomic fact of the system: one user interaction as emitted
// by the browser-side producer. The envelope (identity, session, timing)
// is what the engine folds on; the marketing and commerce fields feed the
// analytical passes downstream.
type Event struct {
	// ID is the globally unique identifier assigned by the producer.
	// A re-delivered ID is a no-op upsert, never a second fact.
	ID string `json:"event_id"`

	// Timestamp is when the interaction happened (client-side clock).
	Timestamp time.Time `json:"event_time"`

	// Type is the open-ended event name, e.g. "page_view", "purchase",
	// "identify", "session_end".
	Type string `json:"event_type"`

	// AnonymousID is the device-scoped identity present on every event.
	AnonymousID string `json:"anonymous_id"`

	// UserID is the resolved identity, empty until the user is known.
	UserID string `json:"user_id,omitempty"`

	// SessionID groups events into one visit. Assigned by the producer,
	// confirmed by the session reconstructor.
	SessionID string `json:"session_id"`

	// VisitSeq is the producer's 1-based visit counter for this device.
	VisitSeq int `json:"visit_id,omitempty"`

	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	IPAddress         string `json:"ip_address,omitempty"`

	PageURL     string `json:"page_url,omitempty"`
	PageTitle   string `json:"page_title,omitempty"`
	ReferrerURL string `json:"referrer_url,omitempty"`

	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
	UTMTerm     string `json:"utm_term,omitempty"`

	// Ad-platform click identifiers.
	GCLID  string `json:"gclid,omitempty"`
	GBRAID string `json:"gbraid,omitempty"`
	WBRAID string `json:"wbraid,omitempty"`

	// Revenue is lenient on the wire: negative or non-numeric input is
	// coerced to zero by the cleaner rather than rejecting the event.
	Revenue         Money  `json:"revenue,omitempty"`
	Currency        string `json:"currency,omitempty"`
	OrderID         string `json:"order_id,omitempty"`
	ProductID       string `json:"product_id,omitempty"`
	ProductCategory string `json:"product_category,omitempty"`
	Quantity        int    `json:"quantity,omitempty"`

	// Properties is the free-form payload. Not validated beyond being JSON.
	Properties map[string]interface{} `json:"custom_properties,omitempty"`

	// Client-measured session context, advisory only. The session
	// reconstructor is the source of truth for these.
	ClientSessionDuration int  `json:"session_duration,omitempty"`
	ClientPageViews       int  `json:"page_views_in_session,omitempty"`
	ClientIsBounce        bool `json:"is_bounce,omitempty"`

	// --- Server-side fields, set on ingestion. ---

	// IngestedAt is when the engine received the event (server clock).
	IngestedAt time.Time `json:"ingested_at,omitempty"`

	// IngestSeq is a monotonic sequence assigned by the store. It is the
	// cursor unit for batch sweeps and is not exposed on the public API.
	IngestSeq int64 `json:"-"`

	// Valid and Issue are set by the validator. Invalid events are kept
	// for audit but excluded from every analytical pass.
	Valid bool   `json:"is_valid"`
	Issue string `json:"issue,omitempty"`
}

// EventBatch is the ingestion payload: up to MaxBatchEvents records.
// A bad record never fails the batch; it is flagged and logged instead.
type EventBatch struct {
	Events []*Event `json:"events"`
}

// MaxBatchEvents caps a single ingestion request.
const MaxBatchEvents = 1000

// HasAttribution reports whether the event carries marketing attribution,
// i.e. whether it is a touchpoint candidate.
func (e *Event) HasAttribution() bool {
	return e.UTMSource != "" || e.ReferrerURL != ""
}

// RevenueAmount returns the (already coerced) revenue as a decimal.
func (e *Event) RevenueAmount() decimal.Decimal {
	return e.Revenue.Decimal
}
