// Package handler exposes partner relationship policies over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fidc-session-auth/backend/internal/logging"
	"fidc-session-auth/backend/internal/platform/apperror"
	"fidc-session-auth/backend/internal/policy/domain"
	"fidc-session-auth/backend/internal/policy/engine"
	"fidc-session-auth/backend/internal/policy/repository"
	"fidc-session-auth/backend/internal/server/respond"
)

const maxRulesBytes = 256 << 10

var errPolicyNotFound = apperror.NotFound("policy not found")

// Server serves /v1/relationship-policies. If repo is nil, every route answers 501.
type Server struct {
	repo     repository.Repository
	validate func(ctx context.Context, rules string) error
	logger   *slog.Logger
	now      func() time.Time
}

// NewServer returns a policy handler backed by repo.
func NewServer(repo repository.Repository, logger *slog.Logger) *Server {
	return &Server{
		repo:     repo,
		validate: engine.ValidateRules,
		logger:   logging.OrDiscard(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AdminRoutes mounts the policy routes on r. Callers put them behind operator auth.
func (s *Server) AdminRoutes(r chi.Router) {
	r.Route("/v1/relationship-policies", func(r chi.Router) {
		r.Get("/", s.ListPolicies)
		r.Post("/", s.CreatePolicy)
		r.Get("/{id}", s.GetPolicy)
		r.Patch("/{id}", s.UpdatePolicy)
	})
}

type policyResponse struct {
	ID        string    `json:"id"`
	Partner   string    `json:"partner"`
	Rules     string    `json:"rules"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
}

func toResponse(p *domain.Policy) policyResponse {
	return policyResponse{ID: p.ID, Partner: p.Partner, Rules: p.Rules, Enabled: p.Enabled, CreatedAt: p.CreatedAt}
}

type createPolicyBody struct {
	Partner string `json:"partner"`
	Rules   string `json:"rules"`
	Enabled *bool  `json:"enabled"`
}

type updatePolicyBody struct {
	Rules   *string `json:"rules"`
	Enabled *bool   `json:"enabled"`
}

// ListPolicies returns the policies of the partner query parameter, oldest first.
func (s *Server) ListPolicies(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	partner := strings.TrimSpace(r.URL.Query().Get("partner"))
	if partner == "" {
		s.fail(w, r, apperror.Validation("partner query parameter is required"))
		return
	}
	policies, err := s.repo.ListByPartner(r.Context(), partner)
	if err != nil {
		s.fail(w, r, unavailable(err))
		return
	}
	out := make([]policyResponse, 0, len(policies))
	for _, p := range policies {
		out = append(out, toResponse(p))
	}
	respond.JSON(w, http.StatusOK, out)
}

// GetPolicy returns one policy by id.
func (s *Server) GetPolicy(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	p, err := s.load(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, toResponse(p))
}

// CreatePolicy validates and stores a new partner policy. Policies are enabled unless the body says otherwise.
func (s *Server) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	var body createPolicyBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	fields := map[string]string{}
	if strings.TrimSpace(body.Partner) == "" {
		fields["partner"] = "must not be blank"
	}
	if strings.TrimSpace(body.Rules) == "" {
		fields["rules"] = "must not be blank"
	}
	if len(fields) > 0 {
		s.fail(w, r, &respond.FieldErrors{Message: "invalid request body", Fields: fields})
		return
	}
	if err := s.validate(r.Context(), body.Rules); err != nil {
		s.fail(w, r, &respond.FieldErrors{Message: "invalid policy rules", Fields: map[string]string{"rules": err.Error()}})
		return
	}
	p := &domain.Policy{
		ID:        uuid.NewString(),
		Partner:   strings.ToLower(strings.TrimSpace(body.Partner)),
		Rules:     body.Rules,
		Enabled:   body.Enabled == nil || *body.Enabled,
		CreatedAt: s.now(),
	}
	if err := s.repo.Create(r.Context(), p); err != nil {
		s.fail(w, r, unavailable(err))
		return
	}
	s.logger.InfoContext(r.Context(), "relationship policy created", "policy_id", p.ID, "partner", p.Partner, "enabled", p.Enabled)
	respond.JSON(w, http.StatusCreated, toResponse(p))
}

// UpdatePolicy replaces the rules and/or the enabled flag of a policy.
func (s *Server) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	var body updatePolicyBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Rules == nil && body.Enabled == nil {
		s.fail(w, r, apperror.Validation("rules or enabled must be provided"))
		return
	}
	p, err := s.load(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Rules != nil {
		if err := s.validate(r.Context(), *body.Rules); err != nil {
			s.fail(w, r, &respond.FieldErrors{Message: "invalid policy rules", Fields: map[string]string{"rules": err.Error()}})
			return
		}
		p.Rules = *body.Rules
	}
	if body.Enabled != nil {
		p.Enabled = *body.Enabled
	}
	if err := s.repo.Update(r.Context(), p); err != nil {
		s.fail(w, r, unavailable(err))
		return
	}
	s.logger.InfoContext(r.Context(), "relationship policy updated", "policy_id", p.ID, "partner", p.Partner, "enabled", p.Enabled)
	respond.JSON(w, http.StatusOK, toResponse(p))
}

func (s *Server) load(r *http.Request) (*domain.Policy, error) {
	p, err := s.repo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, unavailable(err)
	}
	if p == nil {
		return nil, errPolicyNotFound
	}
	return p, nil
}

func (s *Server) available(w http.ResponseWriter) bool {
	if s.repo == nil {
		http.Error(w, "policy store not configured", http.StatusNotImplemented)
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	respond.Error(w, r, s.logger, err)
}

func unavailable(err error) error {
	return apperror.Infrastructure(apperror.ComponentPolicy, "policy store unavailable", err)
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRulesBytes)).Decode(dst); err != nil {
		return apperror.Validation("malformed request body")
	}
	return nil
}
