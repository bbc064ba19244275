package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teguhsant/pasarwa/internal/queue"
)

// Task kinds carried in queue job payloads.
const (
	KindSendDigest = "send_digest"
	KindSendSingle = "send_single"
)

// DigestTask delivers one batch digest. The payload carries only a
// reference; authoritative batch state is reloaded at execution time.
type DigestTask struct {
	BatchID uuid.UUID `json:"batch_id"`
}

// SingleTask delivers one standalone alert (flash deal push, fish arrival,
// OTP, and the like).
type SingleTask struct {
	To   string `json:"to"`
	Body string `json:"body"`
	Type string `json:"type"`
}

// NewDigestJob builds the queue job for a batch digest. The uniqueness key
// is the batch id, so at most one digest job per batch is outstanding
// within the lock window.
func NewDigestJob(lane string, batchID uuid.UUID) (*queue.Job, error) {
	payload, err := json.Marshal(DigestTask{BatchID: batchID})
	if err != nil {
		return nil, fmt.Errorf("marshal digest task: %w", err)
	}

	return &queue.Job{
		ID:              uuid.New().String(),
		Lane:            lane,
		Kind:            KindSendDigest,
		UniquenessKey:   "digest:" + batchID.String(),
		FirstEnqueuedAt: time.Now(),
		Payload:         payload,
	}, nil
}

// NewSingleJob builds the queue job for a standalone alert.
func NewSingleJob(lane string, task SingleTask) (*queue.Job, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal single task: %w", err)
	}

	return &queue.Job{
		ID:              uuid.New().String(),
		Lane:            lane,
		Kind:            KindSendSingle,
		FirstEnqueuedAt: time.Now(),
		Payload:         payload,
	}, nil
}

// LaneForItemType maps a notification item type to its scheduling lane.
func LaneForItemType(itemType string) string {
	switch itemType {
	case "flash_deal":
		return queue.LaneFlashDeals
	case "fish_arrival":
		return queue.LaneFishAlerts
	case "job_request", "job_accepted":
		return queue.LaneJobAlerts
	case "product_request":
		return queue.LaneProductRequests
	case "offer_response":
		return queue.LaneOffers
	case "agreement", "other":
		return queue.LaneNotifications
	default:
		return queue.LaneDefault
	}
}
