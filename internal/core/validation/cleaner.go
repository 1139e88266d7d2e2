package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	v1 "github.com/meridian-lab/project-meridian/internal/api/v1"
	"github.com/shopspring/decimal"
)

// Field length caps applied before storage.
const (
	MaxURLLength     = 2000
	MaxStringLength  = 255
	MaxTypeLength    = 100
	MaxTitleLength   = 500
	MaxAgentLength   = 1000
	MaxCurrencyChars = 3
)

// Clean normalizes an event in place: trims and length-caps every string
// field, strips control characters, coerces revenue to a nonnegative
// decimal, validates the IP, and derives a device fingerprint when the
// producer did not send one. Clean never rejects — classification is
// Classify's job.
func Clean(e *v1.Event) {
	e.ID = CleanString(e.ID, MaxStringLength)
	e.Type = CleanString(e.Type, MaxTypeLength)
	e.AnonymousID = CleanString(e.AnonymousID, MaxStringLength)
	e.UserID = CleanString(e.UserID, MaxStringLength)
	e.SessionID = CleanString(e.SessionID, MaxStringLength)

	e.UserAgent = CleanString(e.UserAgent, MaxAgentLength)
	e.IPAddress = CleanIP(e.IPAddress)
	e.DeviceFingerprint = CleanString(e.DeviceFingerprint, MaxStringLength)
	if e.DeviceFingerprint == "" {
		e.DeviceFingerprint = Fingerprint(e.UserAgent, e.IPAddress)
	}

	e.PageURL = CleanString(e.PageURL, MaxURLLength)
	e.PageTitle = CleanString(e.PageTitle, MaxTitleLength)
	e.ReferrerURL = CleanString(e.ReferrerURL, MaxURLLength)

	e.UTMSource = CleanString(e.UTMSource, MaxStringLength)
	e.UTMMedium = CleanString(e.UTMMedium, MaxStringLength)
	e.UTMCampaign = CleanString(e.UTMCampaign, MaxStringLength)
	e.UTMContent = CleanString(e.UTMContent, MaxStringLength)
	e.UTMTerm = CleanString(e.UTMTerm, MaxStringLength)

	e.GCLID = CleanString(e.GCLID, MaxStringLength)
	e.GBRAID = CleanString(e.GBRAID, MaxStringLength)
	e.WBRAID = CleanString(e.WBRAID, MaxStringLength)

	e.Currency = CleanString(e.Currency, MaxCurrencyChars)
	if e.Currency == "" {
		e.Currency = "USD"
	}
	e.OrderID = CleanString(e.OrderID, MaxStringLength)
	e.ProductID = CleanString(e.ProductID, MaxStringLength)
	e.ProductCategory = CleanString(e.ProductCategory, MaxStringLength)
	if e.Quantity < 0 {
		e.Quantity = 0
	}

	// Revenue: nonnegative, two decimal places.
	if e.Revenue.Decimal.IsNegative() {
		e.Revenue = v1.NewMoney(decimal.Zero)
	} else {
		e.Revenue = v1.NewMoney(e.Revenue.Decimal.Round(2))
	}

	if e.VisitSeq < 1 {
		e.VisitSeq = 1
	}
}

// CleanString strips null bytes and control characters, truncates to
// maxLen, and trims surrounding whitespace.
func CleanString(s string, maxLen int) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 || r == '\t' || r == '\n' || r == '\r' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if len(cleaned) > maxLen {
		cleaned = cleaned[:maxLen]
	}
	return strings.TrimSpace(cleaned)
}

// CleanIP validates a dotted-quad IPv4 address, falling back to 0.0.0.0.
func CleanIP(ip string) string {
	if ip == "" || ip == "0.0.0.0" {
		return "0.0.0.0"
	}
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return "0.0.0.0"
	}
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return "0.0.0.0"
		}
	}
	return ip
}

// Fingerprint derives a stable device fingerprint from the user agent and
// IP for cross-device linkage. Empty when both inputs are empty.
func Fingerprint(userAgent, ip string) string {
	if userAgent == "" && ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(userAgent + ":" + ip))
	return hex.EncodeToString(sum[:16])
}
