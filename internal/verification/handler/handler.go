package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"verifid/internal/audit"
	"verifid/internal/blobstore"
	"verifid/internal/verification"
	id "verifid/pkg/domain"
	dErrors "verifid/pkg/domain-errors"
	"verifid/pkg/platform/httputil"
	"verifid/pkg/requestcontext"
)

// Service starts verification pipelines.
type Service interface {
	CreateSession(ctx context.Context, documentRef, selfieRef blobstore.ContentRef, fingerprint blobstore.Fingerprint) (*verification.Session, bool, error)
}

// Query reads tenant-scoped session state.
type Query interface {
	GetSession(ctx context.Context, sessionID id.SessionID) (*verification.Session, error)
	ListSessions(ctx context.Context, filter verification.ListFilter) ([]*verification.Session, error)
}

// Reviewer records human assessments against decided sessions.
type Reviewer interface {
	Record(ctx context.Context, sessionID id.SessionID, input verification.ReviewInput) error
}

// Trail reads a session's audit history.
type Trail interface {
	Trail(ctx context.Context, sessionID id.SessionID, limit, offset int) ([]audit.Event, error)
}

// Handler wires verification endpoints to the orchestration core.
type Handler struct {
	service Service
	query   Query
	review  Reviewer
	trail   Trail
	blobs   blobstore.Store
	logger  *slog.Logger
}

// New constructs a verification handler with its dependencies.
func New(service Service, query Query, review Reviewer, trail Trail, blobs blobstore.Store, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		query:   query,
		review:  review,
		trail:   trail,
		blobs:   blobs,
		logger:  logger,
	}
}

// Register mounts verification endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/verifications", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Get("/{sessionID}", h.HandleGet)
		r.Get("/{sessionID}/audit", h.HandleAuditTrail)
		r.Post("/{sessionID}/review", h.HandleReview)
	})
}

// HandleCreate handles POST /verifications.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[CreateVerificationRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	documentRef, _, err := h.blobs.Put(ctx, req.DocumentBytes())
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to store document image",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "store document"))
		return
	}
	selfieRef, _, err := h.blobs.Put(ctx, req.SelfieBytes())
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to store selfie image",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "store selfie"))
		return
	}

	session, created, err := h.service.CreateSession(ctx, documentRef, selfieRef, req.SubmissionFingerprint())
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create verification session",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.logger.InfoContext(ctx, "verification submission accepted",
		"request_id", requestID,
		"session_id", session.ID,
		"created", created,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, status, FromSession(session))
}

// HandleGet handles GET /verifications/{sessionID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, ok := h.sessionIDFromPath(w, r)
	if !ok {
		return
	}
	session, err := h.query.GetSession(ctx, sessionID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSession(session))
}

// HandleList handles GET /verifications.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := listFilterFromQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	sessions, err := h.query.ListSessions(ctx, filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSessions(sessions))
}

// HandleAuditTrail handles GET /verifications/{sessionID}/audit. The trail
// exposes internal orchestration history, so it requires the admin scope.
func (h *Handler) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !requestcontext.IsAdmin(ctx) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "audit access requires the admin scope"))
		return
	}
	sessionID, ok := h.sessionIDFromPath(w, r)
	if !ok {
		return
	}
	// The trail is tenant-scoped inside the recorder; a session the caller
	// does not own yields an empty trail, so confirm ownership first.
	if _, err := h.query.GetSession(ctx, sessionID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	limit, offset, err := pagingFromQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	events, err := h.trail.Trail(ctx, sessionID, limit, offset)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromEvents(events))
}

// HandleReview handles POST /verifications/{sessionID}/review.
func (h *Handler) HandleReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	if !requestcontext.IsAdmin(ctx) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "recording a review requires the admin scope"))
		return
	}
	sessionID, ok := h.sessionIDFromPath(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ReviewRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	if err := h.review.Record(ctx, sessionID, req.Input()); err != nil {
		h.logger.ErrorContext(ctx, "failed to record review",
			"request_id", requestID,
			"session_id", sessionID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "review recorded",
		"request_id", requestID,
		"session_id", sessionID,
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sessionIDFromPath(w http.ResponseWriter, r *http.Request) (id.SessionID, bool) {
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.SessionID{}, false
	}
	return sessionID, true
}

func listFilterFromQuery(r *http.Request) (verification.ListFilter, error) {
	var filter verification.ListFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := verification.Status(raw)
		filter.Status = &status
	}
	limit, offset, err := pagingFromQuery(r)
	if err != nil {
		return verification.ListFilter{}, err
	}
	filter.Limit = limit
	filter.Offset = offset
	return filter, nil
}

func pagingFromQuery(r *http.Request) (limit, offset int, err error) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, dErrors.New(dErrors.CodeValidation, "limit must be an integer")
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, dErrors.New(dErrors.CodeValidation, "offset must be an integer")
		}
	}
	return limit, offset, nil
}
