package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"fidc-session-auth/backend/internal/policy/domain"
	"fidc-session-auth/backend/internal/security"
	"fidc-session-auth/backend/internal/server"
)

const allowAll = "package fidc.relationship\n\nallow := true\n"

// mockPolicyRepo implements repository.Repository for tests.
type mockPolicyRepo struct {
	mu       sync.Mutex
	policies map[string]*domain.Policy
	err      error
}

func newMockRepo() *mockPolicyRepo {
	return &mockPolicyRepo{policies: make(map[string]*domain.Policy)}
}

func (m *mockPolicyRepo) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if p, ok := m.policies[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m *mockPolicyRepo) ListByPartner(ctx context.Context, partner string) ([]*domain.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*domain.Policy
	for _, p := range m.policies {
		if p.Partner == strings.ToLower(partner) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockPolicyRepo) GetEnabledPoliciesByPartner(ctx context.Context, partner string) ([]*domain.Policy, error) {
	return m.ListByPartner(ctx, partner)
}

func (m *mockPolicyRepo) Create(ctx context.Context, p *domain.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *mockPolicyRepo) Update(ctx context.Context, p *domain.Policy) error {
	return m.Create(ctx, p)
}

func newRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	s.AdminRoutes(r)
	return r
}

func send(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestCreateAndGetPolicy(t *testing.T) {
	repo := newMockRepo()
	h := newRouter(NewServer(repo, nil))

	body, _ := json.Marshal(map[string]any{"partner": "Acme", "rules": allowAll})
	rec := send(t, h, http.MethodPost, "/v1/relationship-policies", string(body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body)
	}
	var created policyResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Partner != "acme" || !created.Enabled {
		t.Errorf("created = %+v", created)
	}

	rec = send(t, h, http.MethodGet, "/v1/relationship-policies/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	rec = send(t, h, http.MethodGet, "/v1/relationship-policies?partner=ACME", "")
	var list []policyResponse
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("list = %+v", list)
	}
}

func TestCreatePolicy_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"blank fields", `{"partner":" ","rules":""}`, http.StatusBadRequest},
		{"wrong package", `{"partner":"acme","rules":"package other\n\nallow := true\n"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockRepo()
			rec := send(t, newRouter(NewServer(repo, nil)), http.MethodPost, "/v1/relationship-policies", tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if len(repo.policies) != 0 {
				t.Error("rejected policy was stored")
			}
		})
	}
}

func TestUpdatePolicy(t *testing.T) {
	repo := newMockRepo()
	repo.policies["p-1"] = &domain.Policy{ID: "p-1", Partner: "acme", Rules: allowAll, Enabled: true}
	h := newRouter(NewServer(repo, nil))

	rec := send(t, h, http.MethodPatch, "/v1/relationship-policies/p-1", `{"enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if repo.policies["p-1"].Enabled {
		t.Error("policy still enabled")
	}
	if rec := send(t, h, http.MethodPatch, "/v1/relationship-policies/missing", `{"enabled":true}`); rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rec.Code)
	}
	if rec := send(t, h, http.MethodPatch, "/v1/relationship-policies/p-1", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty patch status = %d, want 400", rec.Code)
	}
}

func TestPolicyHandler_StoreFailure(t *testing.T) {
	repo := newMockRepo()
	repo.err = errors.New("connection refused")
	rec := send(t, newRouter(NewServer(repo, nil)), http.MethodGet, "/v1/relationship-policies?partner=acme", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestPolicyHandler_NilRepo(t *testing.T) {
	rec := send(t, newRouter(NewServer(nil, nil)), http.MethodGet, "/v1/relationship-policies?partner=acme", "")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestPolicyWrites_RequireAdminToken(t *testing.T) {
	const secret = "operator-secret"
	admin, err := security.IssueAdminToken("ops@fidc", security.RoleSessionAdmin, secret, time.Minute)
	if err != nil {
		t.Fatalf("IssueAdminToken: %v", err)
	}
	repo := newMockRepo()
	repo.policies["p-1"] = &domain.Policy{ID: "p-1", Partner: "acme", Rules: "package fidc.relationship\n\nallow := false\n", Enabled: true}
	h := server.NewRouter(server.RouterConfig{AdminSecret: secret}, nil, nil, []server.AdminRoutes{NewServer(repo, nil)})

	body, _ := json.Marshal(map[string]any{"partner": "acme", "rules": allowAll})
	requests := []struct {
		method, path, body string
	}{
		{http.MethodPost, "/v1/relationship-policies", string(body)},
		{http.MethodPatch, "/v1/relationship-policies/p-1", `{"rules":"package fidc.relationship\n\nallow := true\n"}`},
		{http.MethodGet, "/v1/relationship-policies?partner=acme", ""},
	}
	for _, rq := range requests {
		rec := send(t, h, rq.method, rq.path, rq.body)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("anonymous %s %s: status = %d, want 401", rq.method, rq.path, rec.Code)
		}
	}
	if len(repo.policies) != 1 || repo.policies["p-1"].Rules == allowAll {
		t.Fatal("anonymous write changed the stored policies")
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/relationship-policies", strings.NewReader(string(body)))
	req.Header.Set("Authorization", "Bearer "+admin)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin create status = %d body = %s", rec.Code, rec.Body)
	}
}
