// Package service implements the session lifecycle: create, switch relationship and end,
// plus the reconciliation of the control ledger against the session cache.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"fidc-session-auth/backend/internal/external"
	"fidc-session-auth/backend/internal/logging"
	"fidc-session-auth/backend/internal/platform/apperror"
	"fidc-session-auth/backend/internal/policy/engine"
	"fidc-session-auth/backend/internal/security"
	"fidc-session-auth/backend/internal/server/interceptors"
	"fidc-session-auth/backend/internal/session/domain"
	"fidc-session-auth/backend/internal/telemetry"
	telemetrydomain "fidc-session-auth/backend/internal/telemetry/domain"
)

const instrumentationName = "fidc.session.service"

// Sentinel errors for the session service; the HTTP handler maps their kinds to status codes.
var (
	ErrSessionNotFound     = apperror.NotFound("session not found or expired")
	ErrInvalidRelationship = apperror.Validation("invalid relationship")
	// ErrPartnerMismatch is a ledger row owned by another partner.
	ErrPartnerMismatch = apperror.Forbidden("partner does not match the session owner")
	// ErrSessionPartner is a live session owned by another partner.
	ErrSessionPartner = apperror.Unauthorized("session does not belong to the partner")
	// ErrSwitchPartner is a relationship switch requested under another partner.
	ErrSwitchPartner = apperror.Validation("partner does not match the session")
)

// SessionCache is the live session store.
type SessionCache interface {
	Save(ctx context.Context, s *domain.Session) error
	Update(ctx context.Context, s *domain.Session) error
	FindBySessionID(ctx context.Context, sessionID string) (*domain.Session, error)
	FindByCpfAndPartner(ctx context.Context, cpf, partner string) (*domain.Session, error)
	ExistsBySessionID(ctx context.Context, sessionID string) (bool, error)
	DeleteBySessionID(ctx context.Context, sessionID string) error
	FindByFilter(ctx context.Context, f domain.SessionFilter) ([]*domain.Session, error)
}

// Ledger is the durable control ledger plus access history.
type Ledger interface {
	FindByCpfAndPartner(ctx context.Context, cpf, partner string) (*domain.UserSessionControl, error)
	FindByCurrentSessionID(ctx context.Context, sessionID string) (*domain.UserSessionControl, error)
	Save(ctx context.Context, c *domain.UserSessionControl) error
	ListActive(ctx context.Context, filter domain.ControlFilter, page domain.PageRequest) (domain.Page[*domain.UserSessionControl], error)
	RecordSessionStart(ctx context.Context, c *domain.UserSessionControl, h *domain.SessionAccessHistory) error
}

// RateLimiter rejects callers over their request budget.
type RateLimiter interface {
	Check(ctx context.Context, ip, userAgent string) error
}

// Credentials validates identity assertions and issues session tokens.
type Credentials interface {
	ResolveSigningKey(ctx context.Context) (string, error)
	ValidateIdentityAssertion(ctx context.Context, token string) (*security.IdentityClaims, error)
	IssueSessionToken(sessionID, sessionSecret string, ttl time.Duration) (string, error)
	ValidateSessionToken(token, sessionSecret string, allowExpired bool) (*security.SessionClaims, error)
	SessionIDFromToken(token string) (string, error)
}

// UserDirectory fetches profile, fund and relationships.
type UserDirectory interface {
	GetUser(ctx context.Context, partner, cpf string) (*external.UserProfile, error)
}

// PermissionDirectory fetches permission sets. An empty relationshipID asks for general permissions.
type PermissionDirectory interface {
	GetPermissions(ctx context.Context, partner, cpf, relationshipID string) ([]string, error)
}

// Dependencies are the collaborators of Service. Emitter and Logger may be nil.
type Dependencies struct {
	Cache       SessionCache
	Ledger      Ledger
	Limiter     RateLimiter
	Credentials Credentials
	Users       UserDirectory
	Permissions PermissionDirectory
	Policy      engine.Evaluator
	Emitter     telemetry.EventEmitter
	Logger      *slog.Logger
}

// Config holds the session settings.
type Config struct {
	TTLMinutes int
	// Source is stamped on emitted events.
	Source string
}

// CreateSessionRequest is the input of CreateSession.
type CreateSessionRequest struct {
	SignedData  string
	Partner     string
	UserAgent   string
	Channel     string
	Fingerprint string
	ClientIP    string
	Location    domain.Geolocation
}

// SwitchRelationshipRequest is the input of SwitchRelationship.
type SwitchRelationshipRequest struct {
	AccessToken    string
	Partner        string
	RelationshipID string
	UserAgent      string
	ClientIP       string
}

// EndSessionRequest is the input of EndSession.
type EndSessionRequest struct {
	AccessToken string
	Partner     string
	UserAgent   string
	ClientIP    string
}

// SessionResult is what callers see of a session. It never carries the session secret.
type SessionResult struct {
	SessionID            string
	UserInfo             domain.UserInfo
	Fund                 domain.Fund
	Relationships        []domain.Relationship
	SelectedRelationship *domain.Relationship
	Permissions          []string
	AccessToken          string
}

// Service orchestrates the session lifecycle across the cache, the ledger and the external services.
type Service struct {
	cache       SessionCache
	ledger      Ledger
	limiter     RateLimiter
	credentials Credentials
	users       UserDirectory
	permissions PermissionDirectory
	policy      engine.Evaluator
	emitter     telemetry.EventEmitter
	logger      *slog.Logger
	cfg         Config

	tracer   trace.Tracer
	created  metric.Int64Counter
	switched metric.Int64Counter
	ended    metric.Int64Counter

	now   func() time.Time
	newID func() string
}

// New returns a Service. Tracing and metrics use the global OTel providers.
func New(deps Dependencies, cfg Config) *Service {
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = domain.DefaultTTLMinutes
	}
	if cfg.Source == "" {
		cfg.Source = "session-service"
	}
	meter := otel.Meter(instrumentationName)
	created, _ := meter.Int64Counter("fidc.sessions.created", metric.WithDescription("Sessions created"))
	switched, _ := meter.Int64Counter("fidc.sessions.relationship_switched", metric.WithDescription("Relationship switches"))
	ended, _ := meter.Int64Counter("fidc.sessions.ended", metric.WithDescription("Sessions ended"))
	return &Service{
		cache:       deps.Cache,
		ledger:      deps.Ledger,
		limiter:     deps.Limiter,
		credentials: deps.Credentials,
		users:       deps.Users,
		permissions: deps.Permissions,
		policy:      deps.Policy,
		emitter:     deps.Emitter,
		logger:      logging.OrDiscard(deps.Logger),
		cfg:         cfg,
		tracer:      otel.Tracer(instrumentationName),
		created:     created,
		switched:    switched,
		ended:       ended,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.New().String() },
	}
}

// CreateSession validates the identity assertion, replaces any previous session for the
// same (cpf, partner) and opens a new one.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (res *SessionResult, err error) {
	ctx, span := s.tracer.Start(ctx, "session.CreateSession", trace.WithAttributes(attribute.String("partner", req.Partner)))
	defer func() { err = s.finish(ctx, span, "create session", err) }()

	if err := s.limiter.Check(ctx, req.ClientIP, req.UserAgent); err != nil {
		return nil, err
	}
	channel, err := validateCreate(req)
	if err != nil {
		return nil, err
	}
	claims, err := s.credentials.ValidateIdentityAssertion(ctx, req.SignedData)
	if err != nil {
		return nil, err
	}
	cpf := strings.TrimSpace(claims.CPF)
	if err := domain.ValidateCPF(cpf); err != nil {
		return nil, err
	}
	partner := strings.TrimSpace(req.Partner)

	if err := s.invalidatePrevious(ctx, cpf, partner); err != nil {
		return nil, err
	}

	profile, err := s.users.GetUser(ctx, partner, cpf)
	if err != nil {
		return nil, err
	}
	perms, err := s.permissions.GetPermissions(ctx, partner, cpf, "")
	if err != nil {
		return nil, err
	}

	secret, err := security.GenerateSessionSecret()
	if err != nil {
		return nil, err
	}
	now := s.now()
	info := profile.UserInfo
	info.CPF = cpf
	sess, err := domain.NewSession(domain.NewSessionParams{
		ID:            s.newID(),
		Partner:       partner,
		UserAgent:     req.UserAgent,
		Channel:       channel,
		Fingerprint:   req.Fingerprint,
		Secret:        secret,
		UserInfo:      info,
		Fund:          profile.Fund,
		Relationships: profile.Relationships,
		Permissions:   perms,
		TTLMinutes:    s.cfg.TTLMinutes,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))

	if err := s.persistNewSession(ctx, sess, req, now); err != nil {
		return nil, err
	}

	token, err := s.credentials.IssueSessionToken(sess.ID, sess.Secret, sess.TTL())
	if err != nil {
		return nil, err
	}

	s.created.Add(ctx, 1, metric.WithAttributes(attribute.String("partner", strings.ToLower(partner)), attribute.String("channel", string(channel))))
	s.logger.Info("session created", "session_id", sess.ID, "partner", partner, "cpf", domain.MaskCPF(cpf), "channel", channel)
	s.emit(ctx, telemetrydomain.EventSessionCreated, sess, nil)
	return toResult(sess, token), nil
}

// persistNewSession upserts the ledger row and appends history in one transaction, then writes the cache.
// A failure after the ledger commit leaves an active row without a cache session; EndSession and the
// Reconciler heal that state.
func (s *Service) persistNewSession(ctx context.Context, sess *domain.Session, req CreateSessionRequest, now time.Time) error {
	control, err := s.ledger.FindByCpfAndPartner(ctx, sess.UserInfo.CPF, sess.Partner)
	if err != nil {
		return err
	}
	if control == nil {
		control, err = domain.NewUserSessionControl(sess.UserInfo.CPF, sess.Partner, now)
		if err != nil {
			return err
		}
	}
	control.StartNewSession(sess.ID, now)

	history, err := domain.NewSessionAccessHistory(control.ID, sess.ID, req.ClientIP, sess.UserAgent, req.Location, now)
	if err != nil {
		return err
	}
	if err := s.ledger.RecordSessionStart(ctx, control, history); err != nil {
		return err
	}
	return s.cache.Save(ctx, sess)
}

// invalidatePrevious removes the live session for (cpf, partner), if any, and deactivates its
// ledger row when that row still points at it.
func (s *Service) invalidatePrevious(ctx context.Context, cpf, partner string) error {
	prev, err := s.cache.FindByCpfAndPartner(ctx, cpf, partner)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	if err := s.cache.DeleteBySessionID(ctx, prev.ID); err != nil {
		return err
	}
	control, err := s.ledger.FindByCpfAndPartner(ctx, cpf, partner)
	if err != nil {
		return err
	}
	if control != nil && control.Active && control.IsCurrent(prev.ID) {
		if err := control.DeactivateSession(s.now()); err != nil {
			return err
		}
		if err := s.ledger.Save(ctx, control); err != nil {
			return err
		}
	}
	s.logger.Info("previous session invalidated", "session_id", prev.ID, "partner", partner, "cpf", domain.MaskCPF(cpf))
	s.emit(ctx, telemetrydomain.EventSessionEnded, prev, map[string]string{"reason": "replaced"})
	return nil
}

// SwitchRelationship selects a relationship in the caller's session and replaces its permissions.
// The session keeps its expiry and the same token is returned.
func (s *Service) SwitchRelationship(ctx context.Context, req SwitchRelationshipRequest) (res *SessionResult, err error) {
	ctx, span := s.tracer.Start(ctx, "session.SwitchRelationship", trace.WithAttributes(attribute.String("partner", req.Partner)))
	defer func() { err = s.finish(ctx, span, "switch relationship", err) }()

	if err := s.limiter.Check(ctx, req.ClientIP, req.UserAgent); err != nil {
		return nil, err
	}
	if err := requireHeaders(map[string]string{
		"authorization":  req.AccessToken,
		"partner":        req.Partner,
		"relationshipId": req.RelationshipID,
	}); err != nil {
		return nil, err
	}
	sessionID, err := s.credentials.SessionIDFromToken(req.AccessToken)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session_id", sessionID))

	sess, err := s.cache.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if _, err := s.credentials.ValidateSessionToken(req.AccessToken, sess.Secret, false); err != nil {
		return nil, err
	}
	if !sess.PartnerMatches(req.Partner) {
		return nil, ErrSwitchPartner
	}

	rel := sess.FindRelationship(req.RelationshipID)
	if rel == nil {
		return nil, ErrInvalidRelationship
	}
	eligible, err := s.policy.CanSelect(ctx, sess.Partner, *rel)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, apperror.Wrap(ErrInvalidRelationship, fmt.Errorf("relationship %s has status %s", rel.ID, rel.Status))
	}

	perms, err := s.permissions.GetPermissions(ctx, sess.Partner, sess.UserInfo.CPF, rel.ID)
	if err != nil {
		return nil, err
	}
	previous := ""
	if sess.SelectedRelationship != nil {
		previous = sess.SelectedRelationship.ID
	}
	if err := sess.SelectRelationship(rel.ID, perms, s.now()); err != nil {
		return nil, err
	}
	if err := s.cache.Update(ctx, sess); err != nil {
		return nil, err
	}

	s.switched.Add(ctx, 1, metric.WithAttributes(attribute.String("partner", strings.ToLower(sess.Partner))))
	s.logger.Info("relationship switched", "session_id", sess.ID, "partner", sess.Partner, "relationship_id", rel.ID)
	s.emit(ctx, telemetrydomain.EventRelationshipSwitched, sess, map[string]string{"previous_relationship_id": previous})
	return toResult(sess, security.StripBearer(req.AccessToken)), nil
}

// EndSession terminates the caller's session. It is idempotent: a session that is already gone
// is a success, after the ledger has been brought in line.
func (s *Service) EndSession(ctx context.Context, req EndSessionRequest) (err error) {
	ctx, span := s.tracer.Start(ctx, "session.EndSession", trace.WithAttributes(attribute.String("partner", req.Partner)))
	defer func() { err = s.finish(ctx, span, "end session", err) }()

	if err := requireHeaders(map[string]string{
		"authorization": req.AccessToken,
		"partner":       req.Partner,
	}); err != nil {
		return err
	}
	if err := s.limiter.Check(ctx, req.ClientIP, req.UserAgent); err != nil {
		return err
	}
	sessionID, err := s.credentials.SessionIDFromToken(req.AccessToken)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("session_id", sessionID))

	sess, err := s.cache.FindBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return s.endLedgerOnly(ctx, sessionID, req.Partner)
	}

	if _, err := s.credentials.ValidateSessionToken(req.AccessToken, sess.Secret, true); err != nil {
		return err
	}
	if !sess.PartnerMatches(req.Partner) {
		return ErrSessionPartner
	}
	if err := s.cache.DeleteBySessionID(ctx, sessionID); err != nil {
		return err
	}
	if _, err := s.deactivateCurrent(ctx, sessionID, ""); err != nil {
		return err
	}

	s.ended.Add(ctx, 1, metric.WithAttributes(attribute.String("partner", strings.ToLower(sess.Partner))))
	s.logger.Info("session ended", "session_id", sessionID, "partner", sess.Partner)
	s.emit(ctx, telemetrydomain.EventSessionEnded, sess, map[string]string{"reason": "logout"})
	return nil
}

// endLedgerOnly handles EndSession on a cache miss: the session already expired or was never cached.
func (s *Service) endLedgerOnly(ctx context.Context, sessionID, partner string) error {
	deactivated, err := s.deactivateCurrent(ctx, sessionID, partner)
	if err != nil {
		return err
	}
	if deactivated != nil {
		s.logger.Info("session ended from ledger", "session_id", sessionID, "partner", deactivated.Partner)
		s.emitControl(ctx, telemetrydomain.EventSessionEnded, deactivated, map[string]string{"reason": "ledger_only"})
	}
	return nil
}

// deactivateCurrent deactivates the active ledger row whose current session is sessionID.
// When partner is set it must match the row's owner. It returns the row it deactivated, or nil.
func (s *Service) deactivateCurrent(ctx context.Context, sessionID, partner string) (*domain.UserSessionControl, error) {
	control, err := s.ledger.FindByCurrentSessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if control == nil || !control.Active || !control.IsCurrent(sessionID) {
		return nil, nil
	}
	if partner != "" && !strings.EqualFold(control.Partner, strings.TrimSpace(partner)) {
		s.logger.Warn("end session partner mismatch", "session_id", sessionID, "partner", partner)
		return nil, ErrPartnerMismatch
	}
	if err := control.DeactivateSession(s.now()); err != nil {
		return nil, err
	}
	if err := s.ledger.Save(ctx, control); err != nil {
		return nil, err
	}
	return control, nil
}

// SigningKeyHash returns the hex SHA-256 of the identity-assertion signing key resolved
// through the key chain. Partners compare it against their own key; the key itself never leaves.
func (s *Service) SigningKeyHash(ctx context.Context) (hash string, err error) {
	ctx, span := s.tracer.Start(ctx, "session.SigningKeyHash")
	defer func() { err = s.finish(ctx, span, "signing key hash", err) }()
	key, err := s.credentials.ResolveSigningKey(ctx)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]), nil
}

// ListSessions returns the live sessions matching f, newest first.
func (s *Service) ListSessions(ctx context.Context, f domain.SessionFilter) ([]*domain.Session, error) {
	return s.cache.FindByFilter(ctx, f)
}

// ListControls returns one page of control ledger rows. Active defaults to true.
func (s *Service) ListControls(ctx context.Context, f domain.ControlFilter, page domain.PageRequest) (domain.Page[*domain.UserSessionControl], error) {
	return s.ledger.ListActive(ctx, f, page)
}

// finish records err on span and converts unclassified errors into a Processing error.
func (s *Service) finish(ctx context.Context, span trace.Span, op string, err error) error {
	defer span.End()
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	if _, ok := apperror.As(err); ok {
		return err
	}
	s.logger.ErrorContext(ctx, "session: unexpected error", "op", op, "error", err)
	return apperror.Processing("unexpected error while processing the session request", err)
}

func (s *Service) emit(ctx context.Context, eventType string, sess *domain.Session, meta map[string]string) {
	if s.emitter == nil {
		return
	}
	ev := s.newEvent(ctx, eventType, meta)
	ev.SessionID = sess.ID
	ev.Partner = sess.Partner
	ev.CPF = domain.MaskCPF(sess.UserInfo.CPF)
	ev.Channel = string(sess.Channel)
	if sess.SelectedRelationship != nil {
		ev.RelationshipID = sess.SelectedRelationship.ID
	}
	telemetry.EmitAsync(s.emitter, ctx, ev)
}

func (s *Service) emitControl(ctx context.Context, eventType string, c *domain.UserSessionControl, meta map[string]string) {
	if s.emitter == nil {
		return
	}
	ev := s.newEvent(ctx, eventType, meta)
	if c.CurrentSessionID != nil {
		ev.SessionID = *c.CurrentSessionID
	}
	ev.Partner = c.Partner
	ev.CPF = domain.MaskCPF(c.CPF)
	telemetry.EmitAsync(s.emitter, ctx, ev)
}

func (s *Service) newEvent(ctx context.Context, eventType string, meta map[string]string) *telemetrydomain.SessionEvent {
	correlationID, _ := interceptors.GetCorrelationID(ctx)
	for k, v := range meta {
		if v == "" {
			delete(meta, k)
		}
	}
	return &telemetrydomain.SessionEvent{
		ID:            uuid.New().String(),
		EventType:     eventType,
		Source:        s.cfg.Source,
		CorrelationID: correlationID,
		Metadata:      meta,
		CreatedAt:     s.now(),
	}
}

func toResult(sess *domain.Session, token string) *SessionResult {
	var selected *domain.Relationship
	if sess.SelectedRelationship != nil {
		r := *sess.SelectedRelationship
		selected = &r
	}
	return &SessionResult{
		SessionID:            sess.ID,
		UserInfo:             sess.UserInfo,
		Fund:                 sess.Fund,
		Relationships:        append([]domain.Relationship{}, sess.Relationships...),
		SelectedRelationship: selected,
		Permissions:          append([]string{}, sess.Permissions...),
		AccessToken:          token,
	}
}
