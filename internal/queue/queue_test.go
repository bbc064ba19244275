package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teguhsant/pasarwa/internal/redis"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	client := redis.NewFromRDB(rdb, zap.NewNop())

	q := New(client, zap.NewNop(), Config{})

	return q, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func testJob(id, lane, uniqueness string) *Job {
	return &Job{
		ID:            id,
		Lane:          lane,
		Kind:          "send_digest",
		UniquenessKey: uniqueness,
		Payload:       json.RawMessage(`{"batch_id":"` + id + `"}`),
	}
}

func TestEnqueueDequeue_RoundTrip(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("job-1", LaneDefault, "digest:b1"), 0); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := q.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != "job-1" {
		t.Errorf("expected job-1, got %s", job.ID)
	}
	if job.Kind != "send_digest" {
		t.Errorf("expected kind send_digest, got %s", job.Kind)
	}
	if job.FirstEnqueuedAt.IsZero() {
		t.Error("expected FirstEnqueuedAt to be stamped")
	}

	// The job is claimed; no other worker can see it
	other, err := q.Dequeue(ctx, "worker-2")
	if err != nil {
		t.Fatalf("second dequeue failed: %v", err)
	}
	if other != nil {
		t.Fatalf("claimed job visible to second worker: %+v", other)
	}
}

func TestEnqueue_DuplicateUniquenessKey(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("job-1", LaneDefault, "digest:b1"), 0); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}

	err := q.Enqueue(ctx, testJob("job-2", LaneDefault, "digest:b1"), 0)
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}

	// Only the first job is scheduled
	depth, err := q.Depth(ctx, LaneDefault)
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected depth 1, got %d", depth)
	}
}

func TestEnqueue_LockReleasedAfterCompletion(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("job-1", LaneDefault, "digest:b1"), 0); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := q.Dequeue(ctx, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("dequeue failed: %v, job=%v", err, job)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// Same uniqueness key is free again
	if err := q.Enqueue(ctx, testJob("job-3", LaneDefault, "digest:b1"), 0); err != nil {
		t.Fatalf("re-enqueue after completion failed: %v", err)
	}
}

func TestEnqueue_UnknownLane(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()

	err := q.Enqueue(context.Background(), testJob("job-1", "no-such-lane", ""), 0)
	if err == nil {
		t.Fatal("expected error for unknown lane")
	}
}

func TestDequeue_StrictLanePriority(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	// Enqueue low priority first so insertion order cannot mask priority
	if err := q.Enqueue(ctx, testJob("low", LaneDefault, ""), 0); err != nil {
		t.Fatalf("enqueue low failed: %v", err)
	}
	if err := q.Enqueue(ctx, testJob("mid", LaneOffers, ""), 0); err != nil {
		t.Fatalf("enqueue mid failed: %v", err)
	}
	if err := q.Enqueue(ctx, testJob("high", LaneFlashDeals, ""), 0); err != nil {
		t.Fatalf("enqueue high failed: %v", err)
	}

	want := []string{"high", "mid", "low"}
	for i, expected := range want {
		job, err := q.Dequeue(ctx, "worker-1")
		if err != nil {
			t.Fatalf("dequeue %d failed: %v", i, err)
		}
		if job == nil {
			t.Fatalf("dequeue %d: expected job %s, got nil", i, expected)
		}
		if job.ID != expected {
			t.Errorf("dequeue %d: expected %s, got %s", i, expected, job.ID)
		}
	}
}

func TestDequeue_DelayedJobNotEligible(t *testing.T) {
	q, mr, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("delayed", LaneDefault, ""), 10*time.Second); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := q.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if job != nil {
		t.Fatalf("delayed job should not be eligible yet, got %s", job.ID)
	}

	// Make the job eligible by rewinding its score instead of sleeping
	mr.ZAdd("queue:lane:"+LaneDefault, float64(time.Now().Add(-time.Second).UnixMilli()), "delayed")

	job, err = q.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("dequeue after eligibility failed: %v", err)
	}
	if job == nil || job.ID != "delayed" {
		t.Fatalf("expected delayed job, got %v", job)
	}
}

func TestDequeue_DelayedHighLaneDoesNotBlockReadyLowLane(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("high-delayed", LaneFlashDeals, ""), time.Minute); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, testJob("low-ready", LaneDefault, ""), 0); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := q.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if job == nil || job.ID != "low-ready" {
		t.Fatalf("expected low-ready, got %v", job)
	}
}

func TestRequeue_ReschedulesWithDelay(t *testing.T) {
	q, mr, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("job-1", LaneOffers, "digest:b1"), 0); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := q.Dequeue(ctx, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("dequeue failed: %v, job=%v", err, job)
	}

	job.Attempt = 1
	if err := q.Requeue(ctx, job, time.Minute); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}

	// Not eligible until the backoff elapses
	got, err := q.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got != nil {
		t.Fatalf("requeued job eligible too early: %+v", got)
	}

	// Uniqueness lock is re-armed during the backoff window
	err = q.Enqueue(ctx, testJob("job-2", LaneOffers, "digest:b1"), 0)
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob during backoff, got %v", err)
	}

	mr.ZAdd("queue:lane:"+LaneOffers, float64(time.Now().Add(-time.Second).UnixMilli()), "job-1")

	got, err = q.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got == nil || got.ID != "job-1" {
		t.Fatalf("expected job-1 back, got %v", got)
	}
	if got.Attempt != 1 {
		t.Errorf("expected attempt count preserved, got %d", got.Attempt)
	}
}

func TestFail_ReleasesEverything(t *testing.T) {
	q, mr, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("job-1", LaneDefault, "digest:b1"), 0); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := q.Dequeue(ctx, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("dequeue failed: %v, job=%v", err, job)
	}
	if err := q.Fail(ctx, job); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	if mr.Exists("queue:job:job-1") {
		t.Error("job payload should be deleted")
	}
	if mr.Exists("queue:claim:job-1") {
		t.Error("claim lease should be deleted")
	}
	if mr.Exists("queue:unique:digest:b1") {
		t.Error("uniqueness lock should be deleted")
	}
}

func TestRecover_OrphanedJob(t *testing.T) {
	q, mr, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("orphan", LaneFishAlerts, ""), 0); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Claim the job, then simulate a worker death: the claim lease expires
	// while the payload remains off-lane
	job, err := q.Dequeue(ctx, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("dequeue failed: %v, job=%v", err, job)
	}
	mr.Del("queue:claim:orphan")

	recovered, err := q.Recover(ctx)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered job, got %d", recovered)
	}

	back, err := q.Dequeue(ctx, "worker-2")
	if err != nil {
		t.Fatalf("dequeue after recover failed: %v", err)
	}
	if back == nil || back.ID != "orphan" {
		t.Fatalf("expected orphan back on its lane, got %v", back)
	}
}

func TestRecover_SkipsClaimedAndScheduledJobs(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	// One job scheduled, one claimed in-flight
	if err := q.Enqueue(ctx, testJob("scheduled", LaneDefault, ""), time.Minute); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, testJob("in-flight", LaneFlashDeals, ""), 0); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := q.Dequeue(ctx, "worker-1"); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}

	recovered, err := q.Recover(ctx)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if recovered != 0 {
		t.Errorf("expected nothing to recover, got %d", recovered)
	}
}

func TestDepth(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, testJob(id, LaneNotifications, ""), 0); err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
	}

	depth, err := q.Depth(ctx, LaneNotifications)
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth != 3 {
		t.Errorf("expected depth 3, got %d", depth)
	}

	empty, err := q.Depth(ctx, LaneFlashDeals)
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if empty != 0 {
		t.Errorf("expected depth 0, got %d", empty)
	}
}

func TestEnqueue_PayloadOutlivesDelay(t *testing.T) {
	q, mr, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	// A daily digest is scheduled 24h ahead. Its payload must still be
	// readable when the job becomes eligible, with the full orphan window
	// left on top.
	if err := q.Enqueue(ctx, testJob("job-daily", LaneDefault, ""), 24*time.Hour); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ttl := mr.TTL("queue:job:job-daily")
	if ttl <= 24*time.Hour {
		t.Fatalf("payload TTL %s does not outlive the 24h eligibility delay", ttl)
	}
	if ttl < 47*time.Hour {
		t.Errorf("payload TTL %s leaves less than the orphan window past eligibility", ttl)
	}
}

func TestDequeue_PriorityHoldsPastStaleEntries(t *testing.T) {
	q, mr, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	// Nine ready jobs in the top lane, the first eight with their payloads
	// already gone, and one ready job in the bottom lane. The survivor in
	// the top lane sorts after the stale batch, so serving it requires a
	// second scan of the same lane.
	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("flash-%d", i)
		if err := q.Enqueue(ctx, testJob(id, LaneFlashDeals, ""), 0); err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
		mr.ZAdd("queue:lane:"+LaneFlashDeals, float64(1000+i), id)
	}
	for i := 0; i < 8; i++ {
		mr.Del(fmt.Sprintf("queue:job:flash-%d", i))
	}

	if err := q.Enqueue(ctx, testJob("low-1", LaneDefault, ""), 0); err != nil {
		t.Fatalf("enqueue low-1 failed: %v", err)
	}

	job, err := q.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected the surviving top-lane job")
	}
	if job.ID != "flash-8" {
		t.Errorf("expected flash-8 ahead of the lower lane, got %s", job.ID)
	}
}
