package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arka-edu/presensi-api/internal/models"
	"github.com/arka-edu/presensi-api/pkg/config"
	appErrors "github.com/arka-edu/presensi-api/pkg/errors"
)

type activeSessionLister interface {
	ListActive(ctx context.Context) ([]models.QRSession, error)
}

// SessionRotator drives the token rotation cycle for every active
// session. A session that rotation finds past its expiry is closed by
// the rotate path itself.
type SessionRotator struct {
	sessions activeSessionLister
	svc      *SessionService
	interval time.Duration
	logger   *zap.Logger
}

// NewSessionRotator instantiates SessionRotator.
func NewSessionRotator(sessions activeSessionLister, svc *SessionService, cfg config.SessionConfig, logger *zap.Logger) *SessionRotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.RotationInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SessionRotator{
		sessions: sessions,
		svc:      svc,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, ticking once per rotation interval.
func (r *SessionRotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("session rotator started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("session rotator stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *SessionRotator) tick(ctx context.Context) {
	sessions, err := r.sessions.ListActive(ctx)
	if err != nil {
		r.logger.Error("failed to list active sessions", zap.Error(err))
		return
	}

	for i := range sessions {
		id := sessions[i].ID
		if _, err := r.svc.Rotate(ctx, id); err != nil {
			if appErrors.Is(err, appErrors.ErrSessionExpired) || appErrors.Is(err, appErrors.ErrSessionInactive) {
				continue
			}
			r.logger.Warn("token rotation failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

type closedSessionReaper interface {
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionSweeper reclaims closed sessions and their scan records once
// the grace period has elapsed.
type RetentionSweeper struct {
	sessions closedSessionReaper
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
}

// NewRetentionSweeper instantiates RetentionSweeper.
func NewRetentionSweeper(sessions closedSessionReaper, cfg config.RetentionConfig, logger *zap.Logger) *RetentionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	return &RetentionSweeper{
		sessions: sessions,
		interval: interval,
		grace:    grace,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (r *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("retention sweeper started",
		zap.Duration("interval", r.interval),
		zap.Duration("grace", r.grace))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one reclamation pass.
func (r *RetentionSweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.grace)
	deleted, err := r.sessions.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		r.logger.Info("retention sweep reclaimed sessions",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
}
