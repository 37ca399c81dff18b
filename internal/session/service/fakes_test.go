package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"fidc-session-auth/backend/internal/external"
	"fidc-session-auth/backend/internal/ratelimit"
	"fidc-session-auth/backend/internal/security"
	"fidc-session-auth/backend/internal/session/cache"
	"fidc-session-auth/backend/internal/session/domain"
	telemetrydomain "fidc-session-auth/backend/internal/telemetry/domain"
)

const testSigningKey = "identity-assertion-key-for-tests"

// memLedger is an in-memory Ledger. Reads return copies, like rows read from a database.
type memLedger struct {
	mu        sync.Mutex
	rows      map[string]*domain.UserSessionControl
	history   []*domain.SessionAccessHistory
	nextID    int64
	recordErr error
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]*domain.UserSessionControl)}
}

func ledgerKey(cpf, partner string) string {
	return cpf + "|" + strings.ToLower(strings.TrimSpace(partner))
}

func copyControl(c *domain.UserSessionControl) *domain.UserSessionControl {
	cp := *c
	if c.CurrentSessionID != nil {
		id := *c.CurrentSessionID
		cp.CurrentSessionID = &id
	}
	return &cp
}

func (m *memLedger) FindByCpfAndPartner(ctx context.Context, cpf, partner string) (*domain.UserSessionControl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.rows[ledgerKey(cpf, partner)]; ok {
		return copyControl(c), nil
	}
	return nil, nil
}

func (m *memLedger) FindByCurrentSessionID(ctx context.Context, sessionID string) (*domain.UserSessionControl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if c.IsCurrent(sessionID) {
			return copyControl(c), nil
		}
	}
	return nil, nil
}

func (m *memLedger) save(c *domain.UserSessionControl) {
	key := ledgerKey(c.CPF, c.Partner)
	if existing, ok := m.rows[key]; ok {
		c.ID = existing.ID
		if existing.FirstAccessAt != nil {
			c.FirstAccessAt = existing.FirstAccessAt
		}
	} else {
		m.nextID++
		c.ID = m.nextID
	}
	stored := copyControl(c)
	stored.Partner = strings.ToLower(stored.Partner)
	m.rows[key] = stored
}

func (m *memLedger) Save(ctx context.Context, c *domain.UserSessionControl) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.save(c)
	return nil
}

func (m *memLedger) RecordSessionStart(ctx context.Context, c *domain.UserSessionControl, h *domain.SessionAccessHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.save(c)
	if err := h.AttachTo(c.ID); err != nil {
		return err
	}
	m.history = append(m.history, h)
	return nil
}

func (m *memLedger) ListActive(ctx context.Context, f domain.ControlFilter, page domain.PageRequest) (domain.Page[*domain.UserSessionControl], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := true
	if f.Active != nil {
		active = *f.Active
	}
	var all []*domain.UserSessionControl
	for _, c := range m.rows {
		if c.Active == active {
			all = append(all, copyControl(c))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	page = page.Normalize()
	start := page.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + page.Size
	if end > len(all) {
		end = len(all)
	}
	return domain.NewPage(all[start:end], int64(len(all)), page), nil
}

func (m *memLedger) row(cpf, partner string) *domain.UserSessionControl {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.rows[ledgerKey(cpf, partner)]; ok {
		return copyControl(c)
	}
	return nil
}

func (m *memLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memLedger) historyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// seed stores an active row for (cpf, partner) pointing at sessionID.
func (m *memLedger) seed(t *testing.T, cpf, partner, sessionID string, lastAccess time.Time) {
	t.Helper()
	c, err := domain.NewUserSessionControl(cpf, partner, lastAccess)
	if err != nil {
		t.Fatalf("NewUserSessionControl: %v", err)
	}
	c.StartNewSession(sessionID, lastAccess)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.save(c)
}

type fakeUsers struct {
	mu       sync.Mutex
	profiles map[string]*external.UserProfile
	err      error
	calls    int
}

func (f *fakeUsers) GetUser(ctx context.Context, partner, cpf string) (*external.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[cpf]
	if !ok {
		return nil, external.ErrUserNotFound
	}
	cp := *p
	cp.Relationships = append([]domain.Relationship(nil), p.Relationships...)
	return &cp, nil
}

type fakePermissions struct {
	mu             sync.Mutex
	general        []string
	byRelationship map[string][]string
	err            error
	requested      []string
}

func (f *fakePermissions) GetPermissions(ctx context.Context, partner, cpf, relationshipID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, relationshipID)
	if f.err != nil {
		return nil, f.err
	}
	if relationshipID == "" {
		return append([]string(nil), f.general...), nil
	}
	return append([]string(nil), f.byRelationship[relationshipID]...), nil
}

// statusPolicy allows relationships whose status is ACTIVE.
type statusPolicy struct {
	err error
}

func (p statusPolicy) CanSelect(ctx context.Context, partner string, r domain.Relationship) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	return strings.EqualFold(r.Status, "ACTIVE"), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*telemetrydomain.SessionEvent
}

func (r *recordingEmitter) Emit(ctx context.Context, ev *telemetrydomain.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) waitFor(t *testing.T, eventType string) *telemetrydomain.SessionEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, ev := range r.events {
			if ev.EventType == eventType {
				r.mu.Unlock()
				return ev
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event emitted", eventType)
	return nil
}

type fixture struct {
	svc     *Service
	cache   *cache.Store
	mr      *miniredis.Miniredis
	ledger  *memLedger
	users   *fakeUsers
	perms   *fakePermissions
	emitter *recordingEmitter
}

type fixtureOption func(*Dependencies)

func withLimiter(l RateLimiter) fixtureOption {
	return func(d *Dependencies) { d.Limiter = l }
}

func withPolicy(p statusPolicy) fixtureOption {
	return func(d *Dependencies) { d.Policy = p }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	suspended := "PLANO_PREVIDENCIA"
	f := &fixture{
		cache:  cache.NewStore(rdb, nil),
		mr:     mr,
		ledger: newMemLedger(),
		users: &fakeUsers{profiles: map[string]*external.UserProfile{
			"11144477735": profile("11144477735", "Maria Silva", &suspended),
			"22255588846": profile("22255588846", "Joao Souza", nil),
		}},
		perms: &fakePermissions{
			general: []string{"VIEW_PROFILE"},
			byRelationship: map[string][]string{
				"rel-1": {"VIEW_PROFILE", "VIEW_STATEMENT", "REQUEST_WITHDRAWAL"},
			},
		},
		emitter: &recordingEmitter{},
	}
	keys := security.NewSigningKeyResolver(nil, testSigningKey, 0, nil)
	deps := Dependencies{
		Cache:       f.cache,
		Ledger:      f.ledger,
		Limiter:     ratelimit.New(ratelimit.NewMemoryCounter(), ratelimit.Config{IPLimit: 1000, UALimit: 1000, Window: time.Minute}, nil),
		Credentials: security.NewCredentialIssuer(keys),
		Users:       f.users,
		Permissions: f.perms,
		Policy:      statusPolicy{},
		Emitter:     f.emitter,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.svc = New(deps, Config{TTLMinutes: 30})
	return f
}

func profile(cpf, name string, secondType *string) *external.UserProfile {
	return &external.UserProfile{
		UserInfo: domain.UserInfo{CPF: cpf, FullName: name, Email: "user@example.com", BirthDate: "1990-05-01", PhoneNumber: "11987654321"},
		Fund:     domain.Fund{ID: "fund-1", Name: "FIDC Alpha", Type: "FIDC"},
		Relationships: []domain.Relationship{
			{ID: "rel-1", Name: "Conta Principal", Status: "ACTIVE", ContractNumber: "CT-001"},
			{ID: "rel-2", Type: secondType, Name: "Plano Antigo", Status: "SUSPENDED", ContractNumber: "CT-002"},
		},
	}
}

func signAssertion(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(5 * time.Minute).Unix()
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return tok
}

func createRequest(t *testing.T, cpf, partner string) CreateSessionRequest {
	t.Helper()
	return CreateSessionRequest{
		SignedData:  signAssertion(t, testSigningKey, jwt.MapClaims{"cpf": cpf}),
		Partner:     partner,
		UserAgent:   "Mozilla/5.0 (X11; Linux x86_64)",
		Channel:     "WEB",
		Fingerprint: "fp-123",
		ClientIP:    "203.0.113.7",
	}
}

func (f *fixture) create(t *testing.T, cpf, partner string) *SessionResult {
	t.Helper()
	res, err := f.svc.CreateSession(context.Background(), createRequest(t, cpf, partner))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return res
}

func (f *fixture) cached(t *testing.T, sessionID string) *domain.Session {
	t.Helper()
	s, err := f.cache.FindBySessionID(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("FindBySessionID: %v", err)
	}
	return s
}

var errBoom = errors.New("boom")
