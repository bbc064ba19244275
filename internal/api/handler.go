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

	"github.com/teguhsant/pasarwa/internal/db"
	"github.com/teguhsant/pasarwa/internal/jobs"
	"github.com/teguhsant/pasarwa/internal/queue"
)

// BatchRepository defines the persistence surface for the back-office API
type BatchRepository interface {
	GetBatch(ctx context.Context, id uuid.UUID) (*db.NotificationBatch, error)
	GetOrCreateOpenBatch(ctx context.Context, recipientID uuid.UUID, phone, frequency string) (*db.NotificationBatch, error)
	AppendItem(ctx context.Context, item *db.BatchItem) error
	ListItems(ctx context.Context, batchID uuid.UUID) ([]db.BatchItem, error)
	ListBatchesByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*db.NotificationBatch, error)
	// DLQ methods
	ListDeadLetter(ctx context.Context, limit, offset int) ([]*db.DeadLetterBatch, error)
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*db.DeadLetterBatch, error)
	RetryDeadLetter(ctx context.Context, id uuid.UUID) (*db.NotificationBatch, error)
	DiscardDeadLetter(ctx context.Context, id uuid.UUID) error
}

// Enqueuer schedules digest jobs on the priority lanes.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error
}

// NotificationRequest queues one notification item for a recipient. The
// item lands in the recipient's open batch for the window; the digest job
// is deduplicated per batch by the uniqueness lock.
type NotificationRequest struct {
	RecipientID    string `json:"recipient_id"`
	RecipientPhone string `json:"recipient_phone"`
	Type           string `json:"type"`
	Description    string `json:"description"`
	Frequency      string `json:"frequency"`
}

// NotificationResponse is returned after queueing an item.
type NotificationResponse struct {
	BatchID string `json:"batch_id"`
	ItemID  string `json:"item_id"`
	Lane    string `json:"lane"`
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
	logger   *zap.Logger
	repo     BatchRepository
	enqueuer Enqueuer
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo BatchRepository, enqueuer Enqueuer) *Handler {
	return &Handler{
		logger:   logger,
		repo:     repo,
		enqueuer: enqueuer,
	}
}

var validFrequencies = map[string]time.Duration{
	db.FrequencyImmediate:  0,
	db.Frequency2Hours:     2 * time.Hour,
	db.FrequencyTwiceDaily: 12 * time.Hour,
	db.FrequencyDaily:      24 * time.Hour,
}

var validItemTypes = map[string]bool{
	db.ItemTypeProductRequest: true,
	db.ItemTypeOfferResponse:  true,
	db.ItemTypeFlashDeal:      true,
	db.ItemTypeJobRequest:     true,
	db.ItemTypeAgreement:      true,
	db.ItemTypeOther:          true,
}

// CreateNotification handles POST /v1/notifications: appends one item to
// the recipient's open batch and schedules its digest job.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.RecipientID == "" || req.Description == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "recipient_id and description are required")
		return
	}

	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return
	}

	if !validItemTypes[req.Type] {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type",
			"type must be one of: product_request, offer_response, flash_deal, job_request, agreement, other")
		return
	}

	if req.Frequency == "" {
		req.Frequency = db.FrequencyImmediate
	}
	delay, ok := validFrequencies[req.Frequency]
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid frequency",
			"frequency must be one of: immediate, 2hours, twice_daily, daily")
		return
	}

	batch, err := h.repo.GetOrCreateOpenBatch(ctx, recipientID, req.RecipientPhone, req.Frequency)
	if err != nil {
		h.logger.Error("failed to open batch",
			zap.Error(err),
			zap.String("recipient_id", req.RecipientID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to open batch", "")
		return
	}

	item := &db.BatchItem{
		ID:          uuid.New(),
		BatchID:     batch.ID,
		Type:        req.Type,
		Description: req.Description,
	}
	if err := h.repo.AppendItem(ctx, item); err != nil {
		h.logger.Error("failed to append item",
			zap.Error(err),
			zap.String("batch_id", batch.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to append item", "")
		return
	}

	lane := jobs.LaneForItemType(req.Type)
	job, err := jobs.NewDigestJob(lane, batch.ID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to build job", "")
		return
	}

	err = h.enqueuer.Enqueue(ctx, job, delay)
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		h.logger.Error("failed to enqueue digest job",
			zap.Error(err),
			zap.String("batch_id", batch.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue digest job", "")
		return
	}

	h.logger.Info("notification item queued",
		zap.String("batch_id", batch.ID.String()),
		zap.String("item_id", item.ID.String()),
		zap.String("lane", lane),
		zap.Bool("duplicate_job", errors.Is(err, queue.ErrDuplicateJob)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(NotificationResponse{
		BatchID: batch.ID.String(),
		ItemID:  item.ID.String(),
		Lane:    lane,
	})
}

// GetBatch handles GET /v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	batchID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid batch ID", "ID must be a valid UUID")
		return
	}

	batch, err := h.repo.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Batch not found", "")
			return
		}
		h.logger.Error("failed to get batch",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get batch", "")
		return
	}

	items, err := h.repo.ListItems(ctx, batch.ID)
	if err != nil {
		h.logger.Error("failed to list batch items",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list batch items", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"batch": batch,
		"items": items,
	})
}

// ListBatches handles GET /v1/batches?recipient_id=xxx&limit=20&offset=0
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recipientIDStr := r.URL.Query().Get("recipient_id")
	if recipientIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient_id", "recipient_id query parameter is required")
		return
	}

	recipientID, err := uuid.Parse(recipientIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return
	}

	limit, offset := parsePagination(r)

	batches, err := h.repo.ListBatchesByRecipient(ctx, recipientID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list batches",
			zap.Error(err),
			zap.String("recipient_id", recipientIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list batches", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   batches,
		"limit":  limit,
		"offset": offset,
		"count":  len(batches),
	})
}

// ListDeadLetterQueue handles GET /v1/dlq?limit=20&offset=0
func (h *Handler) ListDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset := parsePagination(r)

	dlqItems, err := h.repo.ListDeadLetter(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letter queue", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list dead letter queue", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   dlqItems,
		"limit":  limit,
		"offset": offset,
		"count":  len(dlqItems),
	})
}

// GetDeadLetterItem handles GET /v1/dlq/{id}
func (h *Handler) GetDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	dlqID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid DLQ ID", "ID must be a valid UUID")
		return
	}

	dlqItem, err := h.repo.GetDeadLetter(ctx, dlqID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Dead letter item not found", "")
			return
		}
		h.logger.Error("failed to get dead letter item",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get dead letter item", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(dlqItem)
}

// RetryDeadLetterItem handles POST /v1/dlq/{id}/retry
func (h *Handler) RetryDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	dlqID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid DLQ ID", "ID must be a valid UUID")
		return
	}

	newBatch, err := h.repo.RetryDeadLetter(ctx, dlqID)
	if err != nil {
		h.logger.Error("failed to retry dead letter item",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to retry dead letter item", "")
		return
	}

	// Schedule the fresh batch immediately on the default lane.
	job, err := jobs.NewDigestJob(queue.LaneDefault, newBatch.ID)
	if err == nil {
		if qerr := h.enqueuer.Enqueue(ctx, job, 0); qerr != nil && !errors.Is(qerr, queue.ErrDuplicateJob) {
			h.logger.Error("failed to enqueue retried batch",
				zap.Error(qerr),
				zap.String("batch_id", newBatch.ID.String()),
			)
		}
	}

	h.logger.Info("dead letter item retried",
		zap.String("dlq_id", idStr),
		zap.String("new_batch_id", newBatch.ID.String()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":           idStr,
		"status":       "retried",
		"new_batch_id": newBatch.ID.String(),
	})
}

// DiscardDeadLetterItem handles POST /v1/dlq/{id}/discard
func (h *Handler) DiscardDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	dlqID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid DLQ ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.DiscardDeadLetter(ctx, dlqID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Dead letter item not found", "")
			return
		}
		h.logger.Error("failed to discard dead letter item",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to discard dead letter item", "")
		return
	}

	h.logger.Info("dead letter item discarded",
		zap.String("id", idStr),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": "discarded",
	})
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
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
