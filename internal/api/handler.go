package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sendloop/sendloop/internal/db"
	"github.com/sendloop/sendloop/internal/scheduler"
)

// Scheduler defines the scheduling operations the API exposes
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.ScheduleRequest, userID string) (*scheduler.ScheduleResult, error)
	CancelBatch(ctx context.Context, batchID uuid.UUID, userID string) (int, error)
	GetEmailsByUser(ctx context.Context, userID string, f db.EmailFilter) ([]*db.Email, int, error)
	Stats(ctx context.Context, userID string) (*db.EmailStats, error)
}

// Quota exposes the per-user hourly send quota
type Quota interface {
	CurrentCount(ctx context.Context, userID string) (int, error)
	Remaining(ctx context.Context, userID string) (int, error)
	HourlyLimit() int
	NextWindowDelay() time.Duration
}

// ScheduleEmailsRequest represents the incoming request body
type ScheduleEmailsRequest struct {
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
	StartTime  string   `json:"start_time"`
	DelayMs    int64    `json:"delay_between_emails_ms"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	scheduler Scheduler
	quota     Quota
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, sched Scheduler, quota Quota) *Handler {
	return &Handler{
		logger:    logger,
		scheduler: sched,
		quota:     quota,
	}
}

// ScheduleEmails handles POST /v1/emails/schedule
func (h *Handler) ScheduleEmails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)

	var req ScheduleEmailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Subject == "" || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "subject and body are required")
		return
	}
	if len(req.Recipients) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipients", "at least one recipient is required")
		return
	}
	if req.DelayMs < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delay", "delay_between_emails_ms must be >= 0")
		return
	}

	startTime := time.Now()
	if req.StartTime != "" {
		parsed, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid start_time", "start_time must be RFC 3339")
			return
		}
		startTime = parsed
	}

	result, err := h.scheduler.Schedule(ctx, scheduler.ScheduleRequest{
		Subject:            req.Subject,
		Body:               req.Body,
		Recipients:         req.Recipients,
		StartTime:          startTime,
		DelayBetweenEmails: time.Duration(req.DelayMs) * time.Millisecond,
	}, userID)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoRecipients) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipients", err.Error())
			return
		}
		h.logger.Error("failed to schedule batch",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "schedule_error", "Failed to schedule emails", "")
		return
	}

	h.logger.Info("batch scheduled",
		zap.String("batch_id", result.BatchID.String()),
		zap.String("user_id", userID),
		zap.Int("scheduled", result.ScheduledCount),
		zap.Int("failed", len(result.Failed)),
	)

	status := http.StatusCreated
	if result.ScheduledCount == 0 {
		// nothing was accepted, every recipient failed
		status = http.StatusUnprocessableEntity
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

// ListEmails handles GET /v1/emails?status=SENT&batch_id=xxx&limit=20&offset=0
func (h *Handler) ListEmails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)

	filter := db.EmailFilter{Limit: 20}

	if status := r.URL.Query().Get("status"); status != "" {
		validStatuses := map[string]bool{
			db.StatusPending:     true,
			db.StatusScheduled:   true,
			db.StatusSent:        true,
			db.StatusFailed:      true,
			db.StatusRescheduled: true,
		}
		if !validStatuses[status] {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
				"status must be one of: PENDING, SCHEDULED, SENT, FAILED, RESCHEDULED")
			return
		}
		filter.Status = status
	}

	if batchIDStr := r.URL.Query().Get("batch_id"); batchIDStr != "" {
		batchID, err := uuid.Parse(batchIDStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid batch_id", "batch_id must be a valid UUID")
			return
		}
		filter.BatchID = batchID
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			filter.Limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	emails, total, err := h.scheduler.GetEmailsByUser(ctx, userID, filter)
	if err != nil {
		h.logger.Error("failed to list emails",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list emails", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   emails,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
		"count":  len(emails),
	})
}

// GetStats handles GET /v1/emails/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)

	stats, err := h.scheduler.Stats(ctx, userID)
	if err != nil {
		h.logger.Error("failed to get email stats",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get stats", "")
		return
	}

	remaining, err := h.quota.Remaining(ctx, userID)
	if err != nil {
		h.logger.Warn("failed to read quota remaining",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		remaining = -1
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"total":            stats.Total,
		"scheduled":        stats.Scheduled,
		"sent":             stats.Sent,
		"failed":           stats.Failed,
		"pending":          stats.Pending,
		"hourly_limit":     h.quota.HourlyLimit(),
		"hourly_remaining": remaining,
	})
}

// GetLimits handles GET /v1/emails/limits
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)

	current, err := h.quota.CurrentCount(ctx, userID)
	if err != nil {
		h.logger.Error("failed to read quota",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "quota_error", "Failed to read quota", "")
		return
	}

	remaining := h.quota.HourlyLimit() - current
	if remaining < 0 {
		remaining = 0
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"hourly_limit": h.quota.HourlyLimit(),
		"used":         current,
		"remaining":    remaining,
		"resets_in_ms": h.quota.NextWindowDelay().Milliseconds(),
	})
}

// CancelBatch handles DELETE /v1/emails/batch/{batchID}
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)

	batchIDStr := chi.URLParam(r, "batchID")
	batchID, err := uuid.Parse(batchIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid batch ID", "batch ID must be a valid UUID")
		return
	}

	canceled, err := h.scheduler.CancelBatch(ctx, batchID, userID)
	if err != nil {
		h.logger.Error("failed to cancel batch",
			zap.Error(err),
			zap.String("batch_id", batchIDStr),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "cancel_error", "Failed to cancel batch", "")
		return
	}

	h.logger.Info("batch canceled",
		zap.String("batch_id", batchIDStr),
		zap.String("user_id", userID),
		zap.Int("canceled", canceled),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"batch_id":       batchIDStr,
		"canceled_count": canceled,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
