package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fidc-session-auth/backend/internal/logging"
	"fidc-session-auth/backend/internal/session/domain"
	"fidc-session-auth/backend/internal/telemetry"
	telemetrydomain "fidc-session-auth/backend/internal/telemetry/domain"
)

const (
	reconcilePageSize = 200
	// DefaultReconcileGrace skips rows touched this recently, so a session whose cache write is
	// still in flight is not deactivated.
	DefaultReconcileGrace = time.Minute
)

// SessionPresence reports whether a session is live in the cache.
type SessionPresence interface {
	ExistsBySessionID(ctx context.Context, sessionID string) (bool, error)
}

// ControlStore is the part of the ledger the Reconciler walks.
type ControlStore interface {
	ListActive(ctx context.Context, filter domain.ControlFilter, page domain.PageRequest) (domain.Page[*domain.UserSessionControl], error)
	FindByCpfAndPartner(ctx context.Context, cpf, partner string) (*domain.UserSessionControl, error)
	Save(ctx context.Context, c *domain.UserSessionControl) error
}

// Reconciler deactivates active ledger rows whose current session is gone from the cache.
type Reconciler struct {
	cache    SessionPresence
	ledger   ControlStore
	emitter  telemetry.EventEmitter
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler returns a Reconciler running every interval. emitter may be nil.
func NewReconciler(cache SessionPresence, ledger ControlStore, emitter telemetry.EventEmitter, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		cache:    cache,
		ledger:   ledger,
		emitter:  emitter,
		interval: interval,
		grace:    DefaultReconcileGrace,
		logger:   logging.OrDiscard(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("session reconciler started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("session reconciler stopped")
			return
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("session reconcile failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("session reconcile finished", "deactivated", n)
			}
		}
	}
}

// RunOnce walks all active rows and deactivates the stale ones. It returns how many it deactivated.
// Stale rows are collected first so deactivations do not shift the pages being read.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.grace)
	var stale []*domain.UserSessionControl
	for page := 0; ; page++ {
		p, err := r.ledger.ListActive(ctx, domain.ControlFilter{}, domain.PageRequest{Page: page, Size: reconcilePageSize})
		if err != nil {
			return 0, err
		}
		for _, c := range p.Content {
			if !c.Active || c.LastAccessAt.After(cutoff) {
				continue
			}
			if c.CurrentSessionID == nil {
				stale = append(stale, c)
				continue
			}
			live, err := r.cache.ExistsBySessionID(ctx, *c.CurrentSessionID)
			if err != nil {
				return 0, err
			}
			if !live {
				stale = append(stale, c)
			}
		}
		if !p.HasNext {
			break
		}
	}

	n := 0
	for _, seen := range stale {
		// Re-read so a login that raced the walk is not clobbered.
		c, err := r.ledger.FindByCpfAndPartner(ctx, seen.CPF, seen.Partner)
		if err != nil {
			return n, err
		}
		if c == nil || !c.Active || !sameSession(c, seen) {
			continue
		}
		if err := c.DeactivateSession(r.now()); err != nil {
			continue
		}
		if err := r.ledger.Save(ctx, c); err != nil {
			return n, err
		}
		n++
		r.emit(ctx, c)
	}
	return n, nil
}

func sameSession(a, b *domain.UserSessionControl) bool {
	if a.CurrentSessionID == nil || b.CurrentSessionID == nil {
		return a.CurrentSessionID == nil && b.CurrentSessionID == nil
	}
	return *a.CurrentSessionID == *b.CurrentSessionID
}

func (r *Reconciler) emit(ctx context.Context, c *domain.UserSessionControl) {
	if r.emitter == nil {
		return
	}
	ev := &telemetrydomain.SessionEvent{
		ID:        uuid.New().String(),
		EventType: telemetrydomain.EventSessionReconciled,
		Source:    "session-reconciler",
		Partner:   c.Partner,
		CPF:       domain.MaskCPF(c.CPF),
		CreatedAt: r.now(),
	}
	if c.CurrentSessionID != nil {
		ev.SessionID = *c.CurrentSessionID
	}
	telemetry.EmitAsync(r.emitter, ctx, ev)
}
