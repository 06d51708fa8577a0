// Package retention purges terminal verification sessions once their
// retention window lapses: stored images first, then the session row and its
// audit trail. Blob deletion goes first so a partial run never leaves
// unreferenced images behind after the session record is gone.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"verifid/internal/audit"
	"verifid/internal/blobstore"
	"verifid/internal/verification"
	"verifid/internal/verification/stage"
	"verifid/pkg/platform/sentinel"
)

const purgeBatchSize = 100

// Job deletes sessions whose terminal state is older than the retention
// window.
type Job struct {
	sessions verification.SessionStore
	audits   audit.Store
	blobs    blobstore.Store
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func NewJob(sessions verification.SessionStore, audits audit.Store, blobs blobstore.Store, window, interval time.Duration, logger *slog.Logger) *Job {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Job{
		sessions: sessions,
		audits:   audits,
		blobs:    blobs,
		window:   window,
		interval: interval,
		logger:   logger,
	}
}

// Run purges on the configured interval until ctx is cancelled.
func (j *Job) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.Purge(ctx, time.Now()); err != nil {
				j.logger.ErrorContext(ctx, "retention purge failed", "error", err)
			}
		}
	}
}

// Purge removes every session terminated before now minus the retention
// window and returns how many it removed.
func (j *Job) Purge(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-j.window)
	purged := 0
	for {
		due, err := j.sessions.ListTerminatedBefore(ctx, cutoff, purgeBatchSize)
		if err != nil {
			return purged, err
		}
		if len(due) == 0 {
			return purged, nil
		}
		progressed := false
		for _, session := range due {
			if err := ctx.Err(); err != nil {
				return purged, err
			}
			if j.purgeSession(ctx, session) {
				purged++
				progressed = true
			}
		}
		if !progressed {
			return purged, nil
		}
	}
}

// purgeSession removes one session's blobs, audit trail, and row. Blob
// deletes tolerate already-missing content so a retried run converges.
func (j *Job) purgeSession(ctx context.Context, session *verification.Session) bool {
	refs := []blobstore.ContentRef{session.Inputs.DocumentRef, session.Inputs.SelfieRef}
	if ref, ok := stage.FaceRegionRef(session.StageResult[stage.Document]); ok {
		refs = append(refs, ref)
	}
	for _, ref := range refs {
		if err := j.blobs.Delete(ctx, ref); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			j.logger.ErrorContext(ctx, "failed to delete blob",
				"session_id", session.ID, "error", err)
			return false
		}
	}

	if err := j.audits.DeleteBySession(ctx, session.TenantID, session.ID); err != nil {
		j.logger.ErrorContext(ctx, "failed to delete audit trail",
			"session_id", session.ID, "error", err)
		return false
	}
	if err := j.sessions.Delete(ctx, session.TenantID, session.ID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		j.logger.ErrorContext(ctx, "failed to delete session",
			"session_id", session.ID, "error", err)
		return false
	}

	j.logger.InfoContext(ctx, "session purged",
		"session_id", session.ID,
		"tenant_id", session.TenantID,
		"status", session.Status,
	)
	return true
}
