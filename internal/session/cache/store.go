// Package cache is the Redis-backed live session store. Each session is stored under
// fidc:session:<partner>:<sessionId> with a secondary index fidc:cpf_index:<cpf>:<partner>
// holding the session id; both share the session TTL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fidc-session-auth/backend/internal/logging"
	"fidc-session-auth/backend/internal/platform/apperror"
	"fidc-session-auth/backend/internal/session/domain"
)

const (
	sessionPrefix = "fidc:session"
	indexPrefix   = "fidc:cpf_index"
	scanCount     = 200
)

// ErrSessionExpired is returned by Update when the record has no remaining TTL.
var ErrSessionExpired = apperror.NotFound("session not found or expired")

// updateScript overwrites KEYS[1] with ARGV[1] keeping its remaining TTL.
// Returns the remaining TTL in ms, or -1 when the key is absent or has no expiry.
const updateScript = `
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return -1
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
return ttl
`

// deleteScript removes the session key and the index key when the index still points at ARGV[1].
const deleteScript = `
local existed = redis.call("DEL", KEYS[1])
if redis.call("GET", KEYS[2]) == ARGV[1] then
  redis.call("DEL", KEYS[2])
end
return existed
`

var (
	updateLua = redis.NewScript(updateScript)
	deleteLua = redis.NewScript(deleteScript)
)

// Store is a Redis session store.
type Store struct {
	redis  redis.UniversalClient
	logger *slog.Logger
}

// NewStore returns a Store using client. logger may be nil.
func NewStore(client redis.UniversalClient, logger *slog.Logger) *Store {
	return &Store{redis: client, logger: logging.OrDiscard(logger)}
}

func sessionKey(partner, sessionID string) string {
	return sessionPrefix + ":" + strings.ToLower(strings.TrimSpace(partner)) + ":" + sessionID
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// partnerPattern matches every session key of partner. Glob characters in partner match literally.
func partnerPattern(partner string) string {
	return sessionPrefix + ":" + globEscaper.Replace(strings.ToLower(strings.TrimSpace(partner))) + ":*"
}

func indexKey(cpf, partner string) string {
	return indexPrefix + ":" + cpf + ":" + strings.ToLower(strings.TrimSpace(partner))
}

func unavailable(op string, err error) error {
	return apperror.Infrastructure(apperror.ComponentRedis, "session cache unavailable", fmt.Errorf("cache: %s: %w", op, err))
}

// Save writes the session with TTL = TTLMinutes, then the cpf index with the same TTL.
// An index write failure is logged and not returned.
func (s *Store) Save(ctx context.Context, sess *domain.Session) error {
	data, err := encode(sess)
	if err != nil {
		return apperror.Processing("failed to encode session", err)
	}
	ttl := sess.TTL()
	if err := s.redis.Set(ctx, sessionKey(sess.Partner, sess.ID), data, ttl).Err(); err != nil {
		return unavailable("save", err)
	}
	if err := s.redis.Set(ctx, indexKey(sess.UserInfo.CPF, sess.Partner), sess.ID, ttl).Err(); err != nil {
		s.logger.Warn("cache: cpf index write failed", "session_id", sess.ID, "partner", sess.Partner, "error", err)
	}
	return nil
}

// Update overwrites the session preserving its remaining TTL. It fails with ErrSessionExpired
// when the record is absent or has no TTL left, so an expired session is never resurrected.
func (s *Store) Update(ctx context.Context, sess *domain.Session) error {
	data, err := encode(sess)
	if err != nil {
		return apperror.Processing("failed to encode session", err)
	}
	ttl, err := updateLua.Run(ctx, s.redis, []string{sessionKey(sess.Partner, sess.ID)}, data).Int64()
	if err != nil {
		return unavailable("update", err)
	}
	if ttl <= 0 {
		s.logger.Warn("cache: update rejected, no remaining ttl", "session_id", sess.ID)
		return ErrSessionExpired
	}
	remaining := time.Duration(ttl) * time.Millisecond
	if err := s.redis.Set(ctx, indexKey(sess.UserInfo.CPF, sess.Partner), sess.ID, remaining).Err(); err != nil {
		s.logger.Warn("cache: cpf index refresh failed", "session_id", sess.ID, "error", err)
	}
	return nil
}

// RemainingTTL returns the remaining lifetime of the session key, or 0 when absent.
func (s *Store) RemainingTTL(ctx context.Context, partner, sessionID string) (time.Duration, error) {
	d, err := s.redis.PTTL(ctx, sessionKey(partner, sessionID)).Result()
	if err != nil {
		return 0, unavailable("pttl", err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// findKey locates the primary key for sessionID without knowing the partner.
func (s *Store) findKey(ctx context.Context, sessionID string) (string, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", nil
	}
	iter := s.redis.Scan(ctx, 0, sessionPrefix+":*:"+sessionID, scanCount).Iterator()
	for iter.Next(ctx) {
		return iter.Val(), nil
	}
	if err := iter.Err(); err != nil {
		return "", unavailable("scan", err)
	}
	return "", nil
}

func (s *Store) load(ctx context.Context, key string) (*domain.Session, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err == nil {
		return decode(data)
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		h, herr := s.redis.HGetAll(ctx, key).Result()
		if herr != nil {
			return nil, unavailable("hgetall", herr)
		}
		if len(h) == 0 {
			return nil, nil
		}
		return decodeHash(h)
	}
	return nil, unavailable("get", err)
}

// FindBySessionID returns the session, or nil when it does not exist.
func (s *Store) FindBySessionID(ctx context.Context, sessionID string) (*domain.Session, error) {
	key, err := s.findKey(ctx, sessionID)
	if err != nil || key == "" {
		return nil, err
	}
	sess, err := s.load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCorruptRecord) {
			s.logger.Error("cache: undecodable session record", "key", key, "error", err)
		}
		return nil, err
	}
	return sess, nil
}

// FindByCpfAndPartner looks the session up through the cpf index and falls back to a scan
// when the index is missing or stale.
func (s *Store) FindByCpfAndPartner(ctx context.Context, cpf, partner string) (*domain.Session, error) {
	id, err := s.redis.Get(ctx, indexKey(cpf, partner)).Result()
	switch {
	case err == nil:
		sess, lerr := s.load(ctx, sessionKey(partner, id))
		if lerr != nil {
			return nil, lerr
		}
		if sess != nil {
			return sess, nil
		}
	case errors.Is(err, redis.Nil):
	default:
		s.logger.Warn("cache: cpf index read failed, scanning", "partner", partner, "error", err)
	}

	var found *domain.Session
	err = s.each(ctx, partnerPattern(partner), func(sess *domain.Session) bool {
		if sess.UserInfo.CPF == cpf {
			found = sess
			return false
		}
		return true
	})
	return found, err
}

// ExistsBySessionID reports whether a live record exists for sessionID.
func (s *Store) ExistsBySessionID(ctx context.Context, sessionID string) (bool, error) {
	key, err := s.findKey(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return key != "", nil
}

// DeleteBySessionID removes the session and its cpf index entry. The index is only removed
// while it still points at sessionID. Deleting an absent session is not an error.
func (s *Store) DeleteBySessionID(ctx context.Context, sessionID string) error {
	key, err := s.findKey(ctx, sessionID)
	if err != nil || key == "" {
		return err
	}
	sess, err := s.load(ctx, key)
	if err != nil && !errors.Is(err, ErrCorruptRecord) {
		return err
	}
	if sess == nil {
		if err := s.redis.Del(ctx, key).Err(); err != nil {
			return unavailable("del", err)
		}
		return nil
	}
	if err := deleteLua.Run(ctx, s.redis, []string{key, indexKey(sess.UserInfo.CPF, sess.Partner)}, sessionID).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// FindByFilter returns sessions matching f, newest first.
func (s *Store) FindByFilter(ctx context.Context, f domain.SessionFilter) ([]*domain.Session, error) {
	pattern := sessionPrefix + ":*:*"
	if f.Partner != "" {
		pattern = partnerPattern(f.Partner)
	}
	var out []*domain.Session
	err := s.each(ctx, pattern, func(sess *domain.Session) bool {
		if f.Matches(sess) {
			out = append(out, sess)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

// FindActiveSessions returns every live session, newest first.
func (s *Store) FindActiveSessions(ctx context.Context) ([]*domain.Session, error) {
	return s.FindByFilter(ctx, domain.SessionFilter{})
}

// each scans keys matching pattern and calls fn for every decodable session until fn returns false.
// Undecodable records are logged and skipped.
func (s *Store) each(ctx context.Context, pattern string, fn func(*domain.Session) bool) error {
	iter := s.redis.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		sess, err := s.load(ctx, key)
		if err != nil {
			if errors.Is(err, ErrCorruptRecord) {
				s.logger.Warn("cache: skipping undecodable session", "key", key, "error", err)
				continue
			}
			return err
		}
		if sess == nil {
			continue
		}
		if !fn(sess) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return unavailable("scan", err)
	}
	return nil
}

func sortNewestFirst(list []*domain.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
