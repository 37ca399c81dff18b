package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"fidc-session-auth/backend/internal/platform/apperror"
)

// Geolocation is the optional device location reported at login.
type Geolocation struct {
	Latitude  *float64
	Longitude *float64
	Accuracy  *int
	Timestamp *time.Time
}

// Validate enforces that latitude and longitude come together and lie in range.
func (g Geolocation) Validate() error {
	if (g.Latitude == nil) != (g.Longitude == nil) {
		return apperror.Validation("latitude and longitude must be provided together")
	}
	if g.Latitude != nil && (*g.Latitude < -90 || *g.Latitude > 90) {
		return apperror.Validation("latitude must be between -90 and 90")
	}
	if g.Longitude != nil && (*g.Longitude < -180 || *g.Longitude > 180) {
		return apperror.Validation("longitude must be between -180 and 180")
	}
	if g.Accuracy != nil && *g.Accuracy < 0 {
		return apperror.Validation("location accuracy must not be negative")
	}
	return nil
}

// ParseGeolocation builds a Geolocation from raw header values. Empty values are absent.
// A malformed location timestamp is dropped rather than rejected.
func ParseGeolocation(latitude, longitude, accuracy, timestamp string) (Geolocation, error) {
	var g Geolocation
	if v := strings.TrimSpace(latitude); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return g, apperror.Validation("latitude must be a number")
		}
		g.Latitude = &f
	}
	if v := strings.TrimSpace(longitude); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return g, apperror.Validation("longitude must be a number")
		}
		g.Longitude = &f
	}
	if v := strings.TrimSpace(accuracy); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return g, apperror.Validation("location-accuracy must be an integer")
		}
		g.Accuracy = &n
	}
	if t, ok := ParseLocationTimestamp(timestamp); ok {
		g.Timestamp = &t
	}
	return g, g.Validate()
}

var locationTimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseLocationTimestamp accepts RFC 3339, ISO local date-times, or epoch milliseconds.
func ParseLocationTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	for _, layout := range locationTimestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// SessionAccessHistory is one append-only access record linked to a control row.
type SessionAccessHistory struct {
	ID                   int64
	ExternalID           string
	UserSessionControlID int64
	SessionID            string
	AccessedAt           time.Time
	IPAddress            string // empty when unknown
	UserAgent            string
	Location             Geolocation
}

// NewSessionAccessHistory validates and returns an unpersisted history row.
// controlID may be zero when the row is inserted in the same transaction as its control row.
func NewSessionAccessHistory(controlID int64, sessionID, ipAddress, userAgent string, loc Geolocation, now time.Time) (*SessionAccessHistory, error) {
	if controlID < 0 {
		return nil, apperror.Validation("user session control id must be greater than zero")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperror.Validation("session id is required")
	}
	if err := validateText("user-agent", userAgent, MaxUserAgentLength); err != nil {
		return nil, err
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	return &SessionAccessHistory{
		ExternalID:           uuid.New().String(),
		UserSessionControlID: controlID,
		SessionID:            sessionID,
		AccessedAt:           now,
		IPAddress:            strings.TrimSpace(ipAddress),
		UserAgent:            strings.TrimSpace(userAgent),
		Location:             loc,
	}, nil
}

// AttachTo links the history row to a persisted control row.
func (h *SessionAccessHistory) AttachTo(controlID int64) error {
	if controlID <= 0 {
		return apperror.Validation("user session control id must be greater than zero")
	}
	h.UserSessionControlID = controlID
	return nil
}
