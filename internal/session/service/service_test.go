package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"fidc-session-auth/backend/internal/platform/apperror"
	"fidc-session-auth/backend/internal/ratelimit"
	"fidc-session-auth/backend/internal/security"
	"fidc-session-auth/backend/internal/server/interceptors"
	"fidc-session-auth/backend/internal/session/domain"
	telemetrydomain "fidc-session-auth/backend/internal/telemetry/domain"
)

func TestCreateSession_WebAcmeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := interceptors.WithCorrelationID(context.Background(), "corr-42")

	res, err := f.svc.CreateSession(ctx, createRequest(t, "11144477735", "acme"))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(res.Relationships) == 0 {
		t.Fatal("relationship list is empty")
	}
	if res.SelectedRelationship != nil {
		t.Error("no relationship should be selected on create")
	}
	if len(res.Permissions) != 1 || res.Permissions[0] != "VIEW_PROFILE" {
		t.Errorf("permissions = %v, want general permissions", res.Permissions)
	}
	claimed, err := security.SessionIDFromToken(res.AccessToken)
	if err != nil {
		t.Fatalf("SessionIDFromToken: %v", err)
	}
	if claimed != res.SessionID {
		t.Errorf("token sessionId = %q, want %q", claimed, res.SessionID)
	}

	sess := f.cached(t, res.SessionID)
	if sess == nil {
		t.Fatal("session not cached")
	}
	if _, err := security.ValidateSessionToken(res.AccessToken, sess.Secret, false); err != nil {
		t.Errorf("token does not validate against the session secret: %v", err)
	}
	if sess.Channel != domain.ChannelWeb || sess.UserInfo.CPF != "11144477735" {
		t.Errorf("cached session = %+v", sess)
	}

	row := f.ledger.row("11144477735", "acme")
	if row == nil || !row.Active || !row.IsCurrent(res.SessionID) {
		t.Fatalf("ledger row = %+v", row)
	}
	if f.ledger.historyCount() != 1 {
		t.Errorf("history rows = %d, want 1", f.ledger.historyCount())
	}

	ev := f.emitter.waitFor(t, telemetrydomain.EventSessionCreated)
	if ev.SessionID != res.SessionID || ev.CorrelationID != "corr-42" || ev.CPF != "111***777-35" {
		t.Errorf("event = %+v", ev)
	}
}

func TestCreateSession_TwiceLeavesOneSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, "11144477735", "acme")
	second := f.create(t, "11144477735", "ACME")

	if f.cached(t, first.SessionID) != nil {
		t.Error("first session should be gone from the cache")
	}
	if f.cached(t, second.SessionID) == nil {
		t.Fatal("second session missing from the cache")
	}
	live, err := f.cache.FindByFilter(ctx, domain.SessionFilter{CPF: "11144477735", Partner: "acme"})
	if err != nil {
		t.Fatalf("FindByFilter: %v", err)
	}
	if len(live) != 1 || live[0].ID != second.SessionID {
		t.Errorf("live sessions = %d, want only %s", len(live), second.SessionID)
	}
	if f.ledger.count() != 1 {
		t.Fatalf("ledger rows = %d, want 1", f.ledger.count())
	}
	row := f.ledger.row("11144477735", "acme")
	if !row.IsCurrent(second.SessionID) || !row.Active {
		t.Errorf("ledger current = %v active = %v, want %s", *row.CurrentSessionID, row.Active, second.SessionID)
	}
	if row.PreviousAccessAt == nil {
		t.Error("previous access should be set on the second login")
	}
	if f.ledger.historyCount() != 2 {
		t.Errorf("history rows = %d, want 2", f.ledger.historyCount())
	}
}

func TestCreateSession_WildcardPartnerLeavesOtherPartnersAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.create(t, "11144477735", "acme")

	for _, partner := range []string{"*", "a*", "acme:x", "[a-z]cme", "acm?"} {
		_, err := f.svc.CreateSession(ctx, createRequest(t, "11144477735", partner))
		if apperror.KindOf(err) != apperror.KindValidation {
			t.Errorf("partner %q: err = %v, want validation error", partner, err)
		}
	}
	if f.cached(t, acme.SessionID) == nil {
		t.Fatal("acme session was removed by a login for another partner")
	}
	if row := f.ledger.row("11144477735", "acme"); row == nil || !row.IsCurrent(acme.SessionID) {
		t.Error("acme ledger row should still point at the acme session")
	}
}

func TestCreateSession_RateLimitedOnThirdRequest(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryCounter(), ratelimit.Config{IPLimit: 2, UALimit: 100, Window: time.Minute}, nil)
	f := newFixture(t, withLimiter(limiter))
	ctx := context.Background()

	garbage := CreateSessionRequest{ClientIP: "198.51.100.1", UserAgent: "curl/8.0"}
	for i := 0; i < 2; i++ {
		_, err := f.svc.CreateSession(ctx, garbage)
		if apperror.KindOf(err) != apperror.KindValidation {
			t.Fatalf("request %d: err = %v, want validation error", i+1, err)
		}
	}
	_, err := f.svc.CreateSession(ctx, garbage)
	if !errors.Is(err, ratelimit.ErrRateLimitExceeded) {
		t.Fatalf("third request: err = %v, want ErrRateLimitExceeded", err)
	}

	valid := createRequest(t, "11144477735", "acme")
	valid.ClientIP = "198.51.100.1"
	if _, err := f.svc.CreateSession(ctx, valid); !errors.Is(err, ratelimit.ErrRateLimitExceeded) {
		t.Errorf("valid payload over the limit: err = %v, want ErrRateLimitExceeded", err)
	}
}

func TestCreateSession_ValidationErrors(t *testing.T) {
	lat91, lat45, lon := 91.0, 45.0, 10.0
	tests := []struct {
		name   string
		mutate func(*CreateSessionRequest)
		kind   apperror.Kind
	}{
		{"blank partner", func(r *CreateSessionRequest) { r.Partner = "  " }, apperror.KindValidation},
		{"blank fingerprint", func(r *CreateSessionRequest) { r.Fingerprint = "" }, apperror.KindValidation},
		{"invalid channel", func(r *CreateSessionRequest) { r.Channel = "TV" }, apperror.KindValidation},
		{"latitude out of range", func(r *CreateSessionRequest) {
			r.Location = domain.Geolocation{Latitude: &lat91, Longitude: &lon}
		}, apperror.KindValidation},
		{"latitude without longitude", func(r *CreateSessionRequest) {
			r.Location = domain.Geolocation{Latitude: &lat45}
		}, apperror.KindValidation},
		{"assertion signed with another key", func(r *CreateSessionRequest) {
			r.SignedData = signAssertion(t, "not-the-key", jwt.MapClaims{"cpf": "11144477735"})
		}, apperror.KindUnauthorized},
		{"assertion without cpf", func(r *CreateSessionRequest) {
			r.SignedData = signAssertion(t, testSigningKey, jwt.MapClaims{"sub": "x"})
		}, apperror.KindUnauthorized},
		{"cpf with wrong length", func(r *CreateSessionRequest) {
			r.SignedData = signAssertion(t, testSigningKey, jwt.MapClaims{"cpf": "1234"})
		}, apperror.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := createRequest(t, "11144477735", "acme")
			tt.mutate(&req)
			_, err := f.svc.CreateSession(context.Background(), req)
			if got := apperror.KindOf(err); got != tt.kind {
				t.Fatalf("kind = %v (%v), want %v", got, err, tt.kind)
			}
			if f.ledger.count() != 0 {
				t.Error("nothing should be persisted on a rejected request")
			}
		})
	}
}

func TestCreateSession_WithoutLocationAccepted(t *testing.T) {
	f := newFixture(t)
	req := createRequest(t, "22255588846", "acme")
	req.Location = domain.Geolocation{}
	if _, err := f.svc.CreateSession(context.Background(), req); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestCreateSession_CollaboratorErrors(t *testing.T) {
	infra := apperror.Infrastructure(apperror.ComponentUserManagement, "user management service unavailable", errBoom)
	tests := []struct {
		name      string
		usersErr  error
		permsErr  error
		recordErr error
		kind      apperror.Kind
		component apperror.Component
	}{
		{"user management down", infra, nil, nil, apperror.KindInfrastructure, apperror.ComponentUserManagement},
		{"permission service down", nil, apperror.Infrastructure(apperror.ComponentPermission, "permission service unavailable", errBoom), nil, apperror.KindInfrastructure, apperror.ComponentPermission},
		{"ledger down", nil, nil, apperror.Infrastructure(apperror.ComponentPostgres, "session ledger unavailable", errBoom), apperror.KindInfrastructure, apperror.ComponentPostgres},
		{"unexpected error", errBoom, nil, nil, apperror.KindProcessing, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.users.err = tt.usersErr
			f.perms.err = tt.permsErr
			f.ledger.recordErr = tt.recordErr
			_, err := f.svc.CreateSession(context.Background(), createRequest(t, "11144477735", "acme"))
			e, ok := apperror.As(err)
			if !ok {
				t.Fatalf("err = %v, want *apperror.Error", err)
			}
			if e.Kind != tt.kind || e.Component != tt.component {
				t.Errorf("kind/component = %v/%q, want %v/%q", e.Kind, e.Component, tt.kind, tt.component)
			}
			live, _ := f.cache.FindByFilter(context.Background(), domain.SessionFilter{})
			if len(live) != 0 {
				t.Error("no session should be cached when creation fails")
			}
		})
	}
}

func TestSwitchRelationship_PreservesRemainingTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "11144477735", "acme")

	f.mr.FastForward(10 * time.Minute)

	res, err := f.svc.SwitchRelationship(ctx, SwitchRelationshipRequest{
		AccessToken:    "Bearer " + created.AccessToken,
		Partner:        "ACME",
		RelationshipID: "rel-1",
		UserAgent:      "Mozilla/5.0",
		ClientIP:       "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("SwitchRelationship: %v", err)
	}
	if res.AccessToken != created.AccessToken {
		t.Error("switch must return the same token")
	}
	if res.SelectedRelationship == nil || res.SelectedRelationship.ID != "rel-1" {
		t.Fatalf("selected = %+v", res.SelectedRelationship)
	}
	if len(res.Permissions) != 3 {
		t.Errorf("permissions = %v, want relationship-scoped set", res.Permissions)
	}

	remaining, err := f.cache.RemainingTTL(ctx, "acme", created.SessionID)
	if err != nil {
		t.Fatalf("RemainingTTL: %v", err)
	}
	if remaining > 20*time.Minute || remaining < 19*time.Minute {
		t.Errorf("remaining TTL = %v, want about 20m", remaining)
	}
	sess := f.cached(t, created.SessionID)
	if sess.SelectedRelationship == nil || sess.SelectedRelationship.ID != "rel-1" {
		t.Errorf("cached selection = %+v", sess.SelectedRelationship)
	}
	f.emitter.waitFor(t, telemetrydomain.EventRelationshipSwitched)
}

func TestSwitchRelationship_InvalidRelationshipLeavesSessionUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "11144477735", "acme")

	for _, relID := range []string{"rel-unknown", "rel-2"} {
		_, err := f.svc.SwitchRelationship(ctx, SwitchRelationshipRequest{
			AccessToken:    created.AccessToken,
			Partner:        "acme",
			RelationshipID: relID,
		})
		if !errors.Is(err, ErrInvalidRelationship) {
			t.Fatalf("%s: err = %v, want ErrInvalidRelationship", relID, err)
		}
		if apperror.KindOf(err) != apperror.KindValidation {
			t.Errorf("%s: kind = %v, want validation", relID, apperror.KindOf(err))
		}
	}
	sess := f.cached(t, created.SessionID)
	if sess.SelectedRelationship != nil {
		t.Errorf("selected relationship changed: %+v", sess.SelectedRelationship)
	}
	if len(sess.Permissions) != 1 || sess.Permissions[0] != "VIEW_PROFILE" {
		t.Errorf("permissions changed: %v", sess.Permissions)
	}
}

func TestSwitchRelationship_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "11144477735", "acme")

	unknown, err := security.IssueSessionToken(uuid.NewString(), "some-secret", time.Minute)
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}
	forged, err := security.IssueSessionToken(created.SessionID, "attacker-secret", time.Minute)
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}
	sess := f.cached(t, created.SessionID)
	expired, err := security.IssueSessionToken(created.SessionID, sess.Secret, -time.Minute)
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}

	tests := []struct {
		name string
		req  SwitchRelationshipRequest
		want error
		kind apperror.Kind
	}{
		{"missing relationship id", SwitchRelationshipRequest{AccessToken: created.AccessToken, Partner: "acme"}, nil, apperror.KindValidation},
		{"malformed token", SwitchRelationshipRequest{AccessToken: "abc", Partner: "acme", RelationshipID: "rel-1"}, security.ErrTokenMalformed, apperror.KindValidation},
		{"unknown session", SwitchRelationshipRequest{AccessToken: unknown, Partner: "acme", RelationshipID: "rel-1"}, ErrSessionNotFound, apperror.KindNotFound},
		{"foreign signature", SwitchRelationshipRequest{AccessToken: forged, Partner: "acme", RelationshipID: "rel-1"}, security.ErrTokenSignature, apperror.KindUnauthorized},
		{"expired token", SwitchRelationshipRequest{AccessToken: expired, Partner: "acme", RelationshipID: "rel-1"}, security.ErrTokenExpired, apperror.KindValidation},
		{"partner mismatch", SwitchRelationshipRequest{AccessToken: created.AccessToken, Partner: "globex", RelationshipID: "rel-1"}, ErrSwitchPartner, apperror.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SwitchRelationship(ctx, tt.req)
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if got := apperror.KindOf(err); got != tt.kind {
				t.Errorf("kind = %v, want %v", got, tt.kind)
			}
		})
	}
}

func TestSwitchRelationship_PolicyFailurePropagates(t *testing.T) {
	policyErr := apperror.Infrastructure(apperror.ComponentPolicy, "relationship policy unavailable", errBoom)
	f := newFixture(t, withPolicy(statusPolicy{err: policyErr}))
	created := f.create(t, "11144477735", "acme")
	_, err := f.svc.SwitchRelationship(context.Background(), SwitchRelationshipRequest{
		AccessToken: created.AccessToken, Partner: "acme", RelationshipID: "rel-1",
	})
	if e, ok := apperror.As(err); !ok || e.Component != apperror.ComponentPolicy {
		t.Fatalf("err = %v, want policy infrastructure error", err)
	}
}

func TestTokenForOneSessionFailsAgainstAnother(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "11144477735", "acme")
	b := f.create(t, "22255588846", "acme")

	secretA := f.cached(t, a.SessionID).Secret
	secretB := f.cached(t, b.SessionID).Secret
	if secretA == secretB {
		t.Fatal("sessions share a secret")
	}
	if _, err := security.ValidateSessionToken(a.AccessToken, secretB, false); !errors.Is(err, security.ErrTokenSignature) {
		t.Errorf("token A against secret B: err = %v, want ErrTokenSignature", err)
	}
	if _, err := security.ValidateSessionToken(b.AccessToken, secretA, true); !errors.Is(err, security.ErrTokenSignature) {
		t.Errorf("token B against secret A: err = %v, want ErrTokenSignature", err)
	}
}

func TestEndSession_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "11144477735", "acme")
	req := EndSessionRequest{AccessToken: "Bearer " + created.AccessToken, Partner: "acme", UserAgent: "Mozilla/5.0"}

	if err := f.svc.EndSession(ctx, req); err != nil {
		t.Fatalf("first EndSession: %v", err)
	}
	if err := f.svc.EndSession(ctx, req); err != nil {
		t.Fatalf("second EndSession: %v", err)
	}
	if f.cached(t, created.SessionID) != nil {
		t.Error("session still cached")
	}
	if row := f.ledger.row("11144477735", "acme"); row.Active {
		t.Error("ledger row still active")
	}
	f.emitter.waitFor(t, telemetrydomain.EventSessionEnded)
}

func TestEndSession_CacheMissDeactivatesLedgerRow(t *testing.T) {
	f := newFixture(t)
	sessionID := uuid.NewString()
	f.ledger.seed(t, "11144477735", "acme", sessionID, time.Now().UTC())
	token, err := security.IssueSessionToken(sessionID, "secret-lost-with-the-cache", time.Minute)
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}

	if err := f.svc.EndSession(context.Background(), EndSessionRequest{AccessToken: token, Partner: "ACME"}); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	row := f.ledger.row("11144477735", "acme")
	if row.Active {
		t.Error("ledger row should be deactivated")
	}
	if !row.IsCurrent(sessionID) {
		t.Error("current session id should be kept for audit")
	}
}

func TestEndSession_CacheMissPartnerMismatch(t *testing.T) {
	f := newFixture(t)
	sessionID := uuid.NewString()
	f.ledger.seed(t, "11144477735", "acme", sessionID, time.Now().UTC())
	token, _ := security.IssueSessionToken(sessionID, "x", time.Minute)

	err := f.svc.EndSession(context.Background(), EndSessionRequest{AccessToken: token, Partner: "globex"})
	if !errors.Is(err, ErrPartnerMismatch) {
		t.Fatalf("err = %v, want ErrPartnerMismatch", err)
	}
	if apperror.KindOf(err) != apperror.KindForbidden {
		t.Errorf("kind = %v, want forbidden", apperror.KindOf(err))
	}
	if !f.ledger.row("11144477735", "acme").Active {
		t.Error("row must stay active on a partner mismatch")
	}
}

func TestEndSession_CacheMissUnknownSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	token, _ := security.IssueSessionToken(uuid.NewString(), "x", time.Minute)
	if err := f.svc.EndSession(context.Background(), EndSessionRequest{AccessToken: token, Partner: "acme"}); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
}

func TestEndSession_ExpiredTokenStillEnds(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, "11144477735", "acme")
	secret := f.cached(t, created.SessionID).Secret
	expired, err := security.IssueSessionToken(created.SessionID, secret, -time.Minute)
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}
	if err := f.svc.EndSession(context.Background(), EndSessionRequest{AccessToken: expired, Partner: "acme"}); err != nil {
		t.Fatalf("EndSession with expired token: %v", err)
	}
	if f.cached(t, created.SessionID) != nil {
		t.Error("session still cached")
	}
}

func TestEndSession_LiveSessionRejections(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, "11144477735", "acme")
	forged, _ := security.IssueSessionToken(created.SessionID, "attacker-secret", time.Minute)

	tests := []struct {
		name string
		req  EndSessionRequest
		want error
	}{
		{"foreign signature", EndSessionRequest{AccessToken: forged, Partner: "acme"}, security.ErrTokenSignature},
		{"partner mismatch", EndSessionRequest{AccessToken: created.AccessToken, Partner: "globex"}, ErrSessionPartner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.EndSession(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if apperror.KindOf(err) != apperror.KindUnauthorized {
				t.Errorf("kind = %v, want unauthorized", apperror.KindOf(err))
			}
			if f.cached(t, created.SessionID) == nil {
				t.Error("session must survive a rejected EndSession")
			}
		})
	}
}

func TestEndSession_DoesNotClobberNewerSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "11144477735", "acme")

	newer := uuid.NewString()
	f.ledger.seed(t, "11144477735", "acme", newer, time.Now().UTC())

	if err := f.svc.EndSession(ctx, EndSessionRequest{AccessToken: created.AccessToken, Partner: "acme"}); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	row := f.ledger.row("11144477735", "acme")
	if !row.Active || !row.IsCurrent(newer) {
		t.Errorf("newer session row was touched: active=%v current=%v", row.Active, *row.CurrentSessionID)
	}
}

func TestEndSession_MissingInputs(t *testing.T) {
	f := newFixture(t)
	for _, req := range []EndSessionRequest{
		{Partner: "acme"},
		{AccessToken: "x.y.z"},
	} {
		err := f.svc.EndSession(context.Background(), req)
		if apperror.KindOf(err) != apperror.KindValidation {
			t.Errorf("EndSession(%+v) err = %v, want validation", req, err)
		}
	}
}

func TestSigningKeyHash(t *testing.T) {
	f := newFixture(t)
	got, err := f.svc.SigningKeyHash(context.Background())
	if err != nil {
		t.Fatalf("SigningKeyHash: %v", err)
	}
	sum := sha256.Sum256([]byte(testSigningKey))
	if got != hex.EncodeToString(sum[:]) {
		t.Errorf("hash = %q, want sha256 of the fallback key", got)
	}
	if strings.Contains(got, testSigningKey) {
		t.Error("hash must not contain the key")
	}
}

func TestListSessionsAndControls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "11144477735", "acme")
	f.create(t, "22255588846", "acme")

	sessions, err := f.svc.ListSessions(ctx, domain.SessionFilter{CPF: "22255588846"})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(sessions))
	}
	page, err := f.svc.ListControls(ctx, domain.ControlFilter{}, domain.PageRequest{Size: 1})
	if err != nil {
		t.Fatalf("ListControls: %v", err)
	}
	if page.TotalElements != 2 || !page.HasNext || len(page.Content) != 1 {
		t.Errorf("page = %+v", page)
	}
}
