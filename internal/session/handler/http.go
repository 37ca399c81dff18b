// Package handler exposes the session lifecycle over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fidc-session-auth/backend/internal/logging"
	"fidc-session-auth/backend/internal/platform/apperror"
	"fidc-session-auth/backend/internal/server/interceptors"
	"fidc-session-auth/backend/internal/server/respond"
	"fidc-session-auth/backend/internal/session/domain"
	"fidc-session-auth/backend/internal/session/service"
)

const maxBodyBytes = 64 << 10

// SessionService is the orchestrator the handler drives.
type SessionService interface {
	CreateSession(ctx context.Context, req service.CreateSessionRequest) (*service.SessionResult, error)
	SwitchRelationship(ctx context.Context, req service.SwitchRelationshipRequest) (*service.SessionResult, error)
	EndSession(ctx context.Context, req service.EndSessionRequest) error
	SigningKeyHash(ctx context.Context) (string, error)
	ListSessions(ctx context.Context, f domain.SessionFilter) ([]*domain.Session, error)
	ListControls(ctx context.Context, f domain.ControlFilter, page domain.PageRequest) (domain.Page[*domain.UserSessionControl], error)
}

// Handler serves the /v1/sessions routes.
type Handler struct {
	svc    SessionService
	logger *slog.Logger
}

// NewHandler returns a Handler. logger may be nil.
func NewHandler(svc SessionService, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logging.OrDiscard(logger)}
}

// Routes mounts the partner-facing session routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/sessions", h.CreateSession)
	r.Delete("/v1/sessions", h.EndSession)
	r.Patch("/v1/sessions/relationship", h.SwitchRelationship)
}

// AdminRoutes mounts the operator session routes on r. Callers put them behind operator auth.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Get("/v1/sessions", h.ListSessions)
	r.Get("/v1/sessions/controls", h.ListControls)
	r.Get("/v1/sessions/jwt-secret", h.SigningKeyHash)
}

type createSessionBody struct {
	SignedData string `json:"signedData"`
}

// CreateSession handles POST /v1/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionBody
	if err := decodeBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if strings.TrimSpace(body.SignedData) == "" {
		h.fail(w, r, &respond.FieldErrors{
			Message: "invalid request body",
			Fields:  map[string]string{"signedData": "must not be blank"},
		})
		return
	}
	loc, err := domain.ParseGeolocation(
		r.Header.Get("latitude"),
		r.Header.Get("longitude"),
		r.Header.Get("location-accuracy"),
		r.Header.Get("location-timestamp"),
	)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.CreateSession(r.Context(), service.CreateSessionRequest{
		SignedData:  body.SignedData,
		Partner:     r.Header.Get("partner"),
		UserAgent:   r.Header.Get("user-agent"),
		Channel:     r.Header.Get("channel"),
		Fingerprint: r.Header.Get("fingerprint"),
		ClientIP:    clientIP(r),
		Location:    loc,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, newSessionResponse(res, false))
}

// SwitchRelationship handles PATCH /v1/sessions/relationship.
func (h *Handler) SwitchRelationship(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SwitchRelationship(r.Context(), service.SwitchRelationshipRequest{
		AccessToken:    r.Header.Get("authorization"),
		Partner:        r.Header.Get("partner"),
		RelationshipID: r.Header.Get("relationshipId"),
		UserAgent:      r.Header.Get("user-agent"),
		ClientIP:       clientIP(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, newSessionResponse(res, true))
}

// EndSession handles DELETE /v1/sessions.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	err := h.svc.EndSession(r.Context(), service.EndSessionRequest{
		AccessToken: r.Header.Get("authorization"),
		Partner:     r.Header.Get("partner"),
		UserAgent:   r.Header.Get("user-agent"),
		ClientIP:    clientIP(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SigningKeyHash handles GET /v1/sessions/jwt-secret. Only the key digest is served.
func (h *Handler) SigningKeyHash(w http.ResponseWriter, r *http.Request) {
	hash, err := h.svc.SigningKeyHash(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"secretHash": hash})
}

// ListSessions handles GET /v1/sessions with query filters cpf, partner, channel, createdFrom, createdTo.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.SessionFilter{CPF: q.Get("cpf"), Partner: q.Get("partner")}
	if v := q.Get("channel"); v != "" {
		ch, err := domain.ParseChannel(v)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		f.Channel = ch
	}
	var err error
	if f.CreatedFrom, err = queryTime(q.Get("createdFrom"), "createdFrom"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.CreatedTo, err = queryTime(q.Get("createdTo"), "createdTo"); err != nil {
		h.fail(w, r, err)
		return
	}
	sessions, err := h.svc.ListSessions(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, newSessionSummary(s))
	}
	respond.JSON(w, http.StatusOK, out)
}

// ListControls handles GET /v1/sessions/controls with the ledger filters and page, size.
func (h *Handler) ListControls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.ControlFilter{CPF: q.Get("cpf"), Partner: q.Get("partner")}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			h.fail(w, r, apperror.Validation("active must be true or false"))
			return
		}
		f.Active = &active
	}
	var err error
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"firstAccessFrom", &f.FirstAccessFrom},
		{"firstAccessTo", &f.FirstAccessTo},
		{"lastAccessFrom", &f.LastAccessFrom},
		{"lastAccessTo", &f.LastAccessTo},
	} {
		if *p.dst, err = queryTime(q.Get(p.name), p.name); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	page, err := queryPage(q.Get("page"), q.Get("size"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.ListControls(r.Context(), f, page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]controlSummary, 0, len(res.Content))
	for _, c := range res.Content {
		out = append(out, newControlSummary(c))
	}
	respond.JSON(w, http.StatusOK, domain.Page[controlSummary]{
		Content:       out,
		TotalElements: res.TotalElements,
		TotalPages:    res.TotalPages,
		CurrentPage:   res.CurrentPage,
		PageSize:      res.PageSize,
		HasNext:       res.HasNext,
		HasPrevious:   res.HasPrevious,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	respond.Error(w, r, h.logger, err)
}

func clientIP(r *http.Request) string {
	ip, _ := interceptors.GetClientIP(r.Context())
	return ip
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &respond.FieldErrors{
				Message: "invalid request body",
				Fields:  map[string]string{"signedData": "must not be blank"},
			}
		}
		return apperror.Validation("malformed request body")
	}
	return nil
}

func queryTime(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperror.Validation(name + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}

func queryPage(page, size string) (domain.PageRequest, error) {
	var p domain.PageRequest
	var err error
	if page != "" {
		if p.Page, err = strconv.Atoi(page); err != nil {
			return p, apperror.Validation("page must be an integer")
		}
	}
	if size != "" {
		if p.Size, err = strconv.Atoi(size); err != nil {
			return p, apperror.Validation("size must be an integer")
		}
	}
	return p.Normalize(), nil
}
