package db

import (
	"time"

	"github.com/google/uuid"
)

// NotificationBatch is one digest-in-progress for a recipient: the open
// collection point for notification items within a delivery window.
// Status transitions are monotonic: pending -> sent | failed | skipped.
type NotificationBatch struct {
	ID             uuid.UUID  `json:"id"`
	RecipientID    uuid.UUID  `json:"recipient_id"`
	RecipientPhone string     `json:"recipient_phone"`
	Status         string     `json:"status"`
	Frequency      string     `json:"frequency"`
	TotalItems     int        `json:"total_items"`
	SentCount      int        `json:"sent_count"`
	FailedCount    int        `json:"failed_count"`
	MessageID      *string    `json:"message_id,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DurationMs     *int64     `json:"duration_ms,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// BatchItem is one pending notification embedded in a batch. Immutable once
// added.
type BatchItem struct {
	ID          uuid.UUID `json:"id"`
	BatchID     uuid.UUID `json:"batch_id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Batch status constants
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Digest frequency constants
const (
	FrequencyImmediate  = "immediate"
	Frequency2Hours     = "2hours"
	FrequencyTwiceDaily = "twice_daily"
	FrequencyDaily      = "daily"
)

// Item type constants
const (
	ItemTypeProductRequest = "product_request"
	ItemTypeOfferResponse  = "offer_response"
	ItemTypeFlashDeal      = "flash_deal"
	ItemTypeJobRequest     = "job_request"
	ItemTypeAgreement      = "agreement"
	ItemTypeOther          = "other"
)

// DLQ status constants
const (
	DLQStatusPending   = "pending"
	DLQStatusRetried   = "retried"
	DLQStatusDiscarded = "discarded"
)

// DeadLetterBatch records a batch that exhausted its retries, for operator
// review and manual retry.
type DeadLetterBatch struct {
	ID              uuid.UUID  `json:"id"`
	OriginalBatchID uuid.UUID  `json:"original_batch_id"`
	RecipientID     uuid.UUID  `json:"recipient_id"`
	RecipientPhone  string     `json:"recipient_phone"`
	Frequency       string     `json:"frequency"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"last_error"`
	Status          string     `json:"status"`
	RetriedBatchID  *uuid.UUID `json:"retried_batch_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
