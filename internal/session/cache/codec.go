package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fidc-session-auth/backend/internal/session/domain"
)

// ErrCorruptRecord is returned when a stored value cannot be decoded into a session.
var ErrCorruptRecord = errors.New("cache: corrupt session record")

// record is the stored JSON shape of a session.
type record struct {
	SessionID            string                `json:"sessionId"`
	CreatedAt            time.Time             `json:"createdAt"`
	UpdatedAt            time.Time             `json:"updatedAt"`
	Partner              string                `json:"partner"`
	UserAgent            string                `json:"userAgent"`
	Channel              string                `json:"channel"`
	Fingerprint          string                `json:"fingerprint"`
	SessionSecret        string                `json:"sessionSecret"`
	UserInfo             domain.UserInfo       `json:"userInfo"`
	Fund                 domain.Fund           `json:"fund"`
	RelationshipList     []domain.Relationship `json:"relationshipList"`
	RelationshipSelected *domain.Relationship  `json:"relationshipSelected"`
	Permissions          []string              `json:"permissions"`
	TTLMinutes           int                   `json:"ttlMinutes"`
}

func encode(s *domain.Session) ([]byte, error) {
	return json.Marshal(record{
		SessionID:            s.ID,
		CreatedAt:            s.CreatedAt.UTC(),
		UpdatedAt:            s.UpdatedAt.UTC(),
		Partner:              s.Partner,
		UserAgent:            s.UserAgent,
		Channel:              s.Channel.Code(),
		Fingerprint:          s.Fingerprint,
		SessionSecret:        s.Secret,
		UserInfo:             s.UserInfo,
		Fund:                 s.Fund,
		RelationshipList:     s.Relationships,
		RelationshipSelected: s.SelectedRelationship,
		Permissions:          s.Permissions,
		TTLMinutes:           s.TTLMinutes,
	})
}

// decode accepts the typed record first and falls back to a generic map, which tolerates
// records written by other clients (epoch-millis timestamps, numeric strings, channel names).
func decode(data []byte) (*domain.Session, error) {
	var r record
	if err := json.Unmarshal(data, &r); err == nil {
		return r.toDomain()
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return decodeMap(m)
}

// decodeHash rebuilds a session stored as a Redis hash, one field per top-level attribute.
// Nested values are JSON-encoded strings.
func decodeHash(h map[string]string) (*domain.Session, error) {
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: empty hash", ErrCorruptRecord)
	}
	m := make(map[string]any, len(h))
	for k, v := range h {
		var nested any
		if json.Unmarshal([]byte(v), &nested) == nil {
			switch nested.(type) {
			case map[string]any, []any:
				m[k] = nested
				continue
			}
		}
		m[k] = v
	}
	return decodeMap(m)
}

func decodeMap(m map[string]any) (*domain.Session, error) {
	var r record
	var err error
	r.SessionID = str(m["sessionId"])
	r.Partner = str(m["partner"])
	r.UserAgent = str(m["userAgent"])
	r.Channel = str(m["channel"])
	r.Fingerprint = str(m["fingerprint"])
	r.SessionSecret = str(m["sessionSecret"])
	if r.CreatedAt, err = timeValue(m["createdAt"]); err != nil {
		return nil, fmt.Errorf("%w: createdAt: %v", ErrCorruptRecord, err)
	}
	if r.UpdatedAt, err = timeValue(m["updatedAt"]); err != nil {
		return nil, fmt.Errorf("%w: updatedAt: %v", ErrCorruptRecord, err)
	}
	if r.TTLMinutes, err = intValue(m["ttlMinutes"]); err != nil {
		return nil, fmt.Errorf("%w: ttlMinutes: %v", ErrCorruptRecord, err)
	}
	if err := remarshal(m["userInfo"], &r.UserInfo); err != nil {
		return nil, err
	}
	if err := remarshal(m["fund"], &r.Fund); err != nil {
		return nil, err
	}
	if err := remarshal(m["relationshipList"], &r.RelationshipList); err != nil {
		return nil, err
	}
	if v, ok := m["relationshipSelected"]; ok && v != nil && v != "" {
		r.RelationshipSelected = &domain.Relationship{}
		if err := remarshal(v, r.RelationshipSelected); err != nil {
			return nil, err
		}
	}
	if err := remarshal(m["permissions"], &r.Permissions); err != nil {
		return nil, err
	}
	return r.toDomain()
}

func (r record) toDomain() (*domain.Session, error) {
	if r.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sessionId", ErrCorruptRecord)
	}
	ch, err := domain.ParseChannel(r.Channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &domain.Session{
		ID:                   r.SessionID,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
		Partner:              r.Partner,
		UserAgent:            r.UserAgent,
		Channel:              ch,
		Fingerprint:          r.Fingerprint,
		Secret:               r.SessionSecret,
		UserInfo:             r.UserInfo,
		Fund:                 r.Fund,
		Relationships:        r.RelationshipList,
		SelectedRelationship: r.RelationshipSelected,
		Permissions:          r.Permissions,
		TTLMinutes:           r.TTLMinutes,
	}, nil
}

func remarshal(v any, dst any) error {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return nil
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func intValue(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int(t), nil
	case string:
		if t == "" {
			return 0, nil
		}
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func timeValue(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, nil
		}
		return time.Parse("2006-01-02T15:04:05.999999999", t)
	default:
		return time.Time{}, fmt.Errorf("unexpected type %T", v)
	}
}
