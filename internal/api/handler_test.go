package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teguhsant/pasarwa/internal/db"
	"github.com/teguhsant/pasarwa/internal/queue"
)

type fakeBatchRepo struct {
	openBatch   *db.NotificationBatch
	items       map[uuid.UUID][]db.BatchItem
	batches     map[uuid.UUID]*db.NotificationBatch
	dlq         map[uuid.UUID]*db.DeadLetterBatch
	retriedInto *db.NotificationBatch
	discarded   []uuid.UUID
}

func newFakeBatchRepo() *fakeBatchRepo {
	return &fakeBatchRepo{
		items:   make(map[uuid.UUID][]db.BatchItem),
		batches: make(map[uuid.UUID]*db.NotificationBatch),
		dlq:     make(map[uuid.UUID]*db.DeadLetterBatch),
	}
}

func (f *fakeBatchRepo) GetBatch(ctx context.Context, id uuid.UUID) (*db.NotificationBatch, error) {
	b, ok := f.batches[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return b, nil
}

func (f *fakeBatchRepo) GetOrCreateOpenBatch(ctx context.Context, recipientID uuid.UUID, phone, frequency string) (*db.NotificationBatch, error) {
	if f.openBatch == nil {
		f.openBatch = &db.NotificationBatch{
			ID:             uuid.New(),
			RecipientID:    recipientID,
			RecipientPhone: phone,
			Status:         db.StatusPending,
			Frequency:      frequency,
		}
		f.batches[f.openBatch.ID] = f.openBatch
	}
	return f.openBatch, nil
}

func (f *fakeBatchRepo) AppendItem(ctx context.Context, item *db.BatchItem) error {
	f.items[item.BatchID] = append(f.items[item.BatchID], *item)
	return nil
}

func (f *fakeBatchRepo) ListItems(ctx context.Context, batchID uuid.UUID) ([]db.BatchItem, error) {
	return f.items[batchID], nil
}

func (f *fakeBatchRepo) ListBatchesByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*db.NotificationBatch, error) {
	var out []*db.NotificationBatch
	for _, b := range f.batches {
		if b.RecipientID == recipientID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBatchRepo) ListDeadLetter(ctx context.Context, limit, offset int) ([]*db.DeadLetterBatch, error) {
	var out []*db.DeadLetterBatch
	for _, d := range f.dlq {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeBatchRepo) GetDeadLetter(ctx context.Context, id uuid.UUID) (*db.DeadLetterBatch, error) {
	d, ok := f.dlq[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return d, nil
}

func (f *fakeBatchRepo) RetryDeadLetter(ctx context.Context, id uuid.UUID) (*db.NotificationBatch, error) {
	d, ok := f.dlq[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	f.retriedInto = &db.NotificationBatch{
		ID:          uuid.New(),
		RecipientID: d.RecipientID,
		Status:      db.StatusPending,
		Frequency:   d.Frequency,
	}
	f.batches[f.retriedInto.ID] = f.retriedInto
	d.Status = db.DLQStatusRetried
	return f.retriedInto, nil
}

func (f *fakeBatchRepo) DiscardDeadLetter(ctx context.Context, id uuid.UUID) error {
	if _, ok := f.dlq[id]; !ok {
		return db.ErrNotFound
	}
	f.discarded = append(f.discarded, id)
	return nil
}

type fakeEnqueuer struct {
	jobs   []*queue.Job
	delays []time.Duration
	err    error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	f.delays = append(f.delays, delay)
	return nil
}

func newTestRouter(repo BatchRepository, enqueuer Enqueuer) *chi.Mux {
	h := NewHandler(zap.NewNop(), repo, enqueuer)
	r := chi.NewRouter()
	r.Post("/v1/notifications", h.CreateNotification)
	r.Get("/v1/batches", h.ListBatches)
	r.Get("/v1/batches/{id}", h.GetBatch)
	r.Get("/v1/dlq", h.ListDeadLetterQueue)
	r.Get("/v1/dlq/{id}", h.GetDeadLetterItem)
	r.Post("/v1/dlq/{id}/retry", h.RetryDeadLetterItem)
	r.Post("/v1/dlq/{id}/discard", h.DiscardDeadLetterItem)
	return r
}

func postJSON(t *testing.T, router http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateNotification_QueuesItemAndJob(t *testing.T) {
	repo := newFakeBatchRepo()
	enq := &fakeEnqueuer{}
	router := newTestRouter(repo, enq)

	recipientID := uuid.New()
	rec := postJSON(t, router, "/v1/notifications", NotificationRequest{
		RecipientID:    recipientID.String(),
		RecipientPhone: "628111222333",
		Type:           db.ItemTypeOfferResponse,
		Description:    "Seller replied to your offer",
		Frequency:      db.Frequency2Hours,
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp NotificationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Lane != queue.LaneOffers {
		t.Errorf("expected offers lane, got %s", resp.Lane)
	}
	if resp.BatchID != repo.openBatch.ID.String() {
		t.Errorf("expected open batch id, got %s", resp.BatchID)
	}

	if len(repo.items[repo.openBatch.ID]) != 1 {
		t.Fatalf("expected 1 item appended, got %d", len(repo.items[repo.openBatch.ID]))
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("expected 1 job enqueued, got %d", len(enq.jobs))
	}
	if enq.delays[0] != 2*time.Hour {
		t.Errorf("expected 2h window delay, got %s", enq.delays[0])
	}
	if enq.jobs[0].UniquenessKey != "digest:"+repo.openBatch.ID.String() {
		t.Errorf("unexpected uniqueness key %s", enq.jobs[0].UniquenessKey)
	}
}

func TestCreateNotification_DuplicateJobTolerated(t *testing.T) {
	repo := newFakeBatchRepo()
	enq := &fakeEnqueuer{err: queue.ErrDuplicateJob}
	router := newTestRouter(repo, enq)

	rec := postJSON(t, router, "/v1/notifications", NotificationRequest{
		RecipientID: uuid.New().String(),
		Type:        db.ItemTypeProductRequest,
		Description: "Looking for fresh gurame",
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("duplicate job must still return 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(repo.items[repo.openBatch.ID]) != 1 {
		t.Error("item must be appended even when the job already exists")
	}
}

func TestCreateNotification_DefaultsToImmediate(t *testing.T) {
	repo := newFakeBatchRepo()
	enq := &fakeEnqueuer{}
	router := newTestRouter(repo, enq)

	rec := postJSON(t, router, "/v1/notifications", NotificationRequest{
		RecipientID: uuid.New().String(),
		Type:        db.ItemTypeFlashDeal,
		Description: "Gurame 50% off",
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if enq.delays[0] != 0 {
		t.Errorf("immediate frequency should enqueue with no delay, got %s", enq.delays[0])
	}
	if repo.openBatch.Frequency != db.FrequencyImmediate {
		t.Errorf("expected immediate frequency, got %s", repo.openBatch.Frequency)
	}
}

func TestCreateNotification_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  NotificationRequest
	}{
		{
			name: "missing recipient",
			req:  NotificationRequest{Type: db.ItemTypeOther, Description: "x"},
		},
		{
			name: "missing description",
			req:  NotificationRequest{RecipientID: uuid.New().String(), Type: db.ItemTypeOther},
		},
		{
			name: "bad recipient uuid",
			req:  NotificationRequest{RecipientID: "not-a-uuid", Type: db.ItemTypeOther, Description: "x"},
		},
		{
			name: "unknown type",
			req:  NotificationRequest{RecipientID: uuid.New().String(), Type: "party_invite", Description: "x"},
		},
		{
			name: "unknown frequency",
			req: NotificationRequest{
				RecipientID: uuid.New().String(),
				Type:        db.ItemTypeOther,
				Description: "x",
				Frequency:   "hourly",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(newFakeBatchRepo(), &fakeEnqueuer{})
			rec := postJSON(t, router, "/v1/notifications", tt.req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("expected problem+json, got %s", ct)
			}
		})
	}
}

func TestGetBatch_WithItems(t *testing.T) {
	repo := newFakeBatchRepo()
	batch := &db.NotificationBatch{
		ID:          uuid.New(),
		RecipientID: uuid.New(),
		Status:      db.StatusPending,
		Frequency:   db.FrequencyDaily,
	}
	repo.batches[batch.ID] = batch
	repo.items[batch.ID] = []db.BatchItem{
		{ID: uuid.New(), BatchID: batch.ID, Type: db.ItemTypeAgreement, Description: "deal agreed"},
	}

	router := newTestRouter(repo, &fakeEnqueuer{})
	req := httptest.NewRequest(http.MethodGet, "/v1/batches/"+batch.ID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Batch db.NotificationBatch `json:"batch"`
		Items []db.BatchItem       `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Batch.ID != batch.ID {
		t.Errorf("unexpected batch id %s", resp.Batch.ID)
	}
	if len(resp.Items) != 1 {
		t.Errorf("expected 1 item, got %d", len(resp.Items))
	}
}

func TestGetBatch_NotFound(t *testing.T) {
	router := newTestRouter(newFakeBatchRepo(), &fakeEnqueuer{})
	req := httptest.NewRequest(http.MethodGet, "/v1/batches/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetBatch_InvalidID(t *testing.T) {
	router := newTestRouter(newFakeBatchRepo(), &fakeEnqueuer{})
	req := httptest.NewRequest(http.MethodGet, "/v1/batches/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListBatches_RequiresRecipient(t *testing.T) {
	router := newTestRouter(newFakeBatchRepo(), &fakeEnqueuer{})
	req := httptest.NewRequest(http.MethodGet, "/v1/batches", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRetryDeadLetterItem(t *testing.T) {
	repo := newFakeBatchRepo()
	dlqID := uuid.New()
	repo.dlq[dlqID] = &db.DeadLetterBatch{
		ID:          dlqID,
		RecipientID: uuid.New(),
		Frequency:   db.Frequency2Hours,
		Status:      db.DLQStatusPending,
	}
	enq := &fakeEnqueuer{}
	router := newTestRouter(repo, enq)

	req := httptest.NewRequest(http.MethodPost, "/v1/dlq/"+dlqID.String()+"/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if repo.retriedInto == nil {
		t.Fatal("expected a fresh batch cloned from the DLQ entry")
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("expected the retried batch scheduled, got %d jobs", len(enq.jobs))
	}
	if enq.jobs[0].Lane != queue.LaneDefault {
		t.Errorf("expected default lane, got %s", enq.jobs[0].Lane)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["new_batch_id"] != repo.retriedInto.ID.String() {
		t.Errorf("expected new batch id in response, got %s", resp["new_batch_id"])
	}
}

func TestDiscardDeadLetterItem(t *testing.T) {
	repo := newFakeBatchRepo()
	dlqID := uuid.New()
	repo.dlq[dlqID] = &db.DeadLetterBatch{ID: dlqID, Status: db.DLQStatusPending}
	router := newTestRouter(repo, &fakeEnqueuer{})

	req := httptest.NewRequest(http.MethodPost, "/v1/dlq/"+dlqID.String()+"/discard", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(repo.discarded) != 1 {
		t.Errorf("expected 1 discard, got %d", len(repo.discarded))
	}
}

func TestDiscardDeadLetterItem_NotFound(t *testing.T) {
	router := newTestRouter(newFakeBatchRepo(), &fakeEnqueuer{})

	req := httptest.NewRequest(http.MethodPost, "/v1/dlq/"+uuid.New().String()+"/discard", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 20, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?limit=500", 20, 0},
		{"?limit=-1&offset=-5", 20, 0},
		{"?limit=abc", 20, 0},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/dlq"+tt.query, nil)
		limit, offset := parsePagination(req)
		if limit != tt.wantLimit || offset != tt.wantOffset {
			t.Errorf("parsePagination(%q) = (%d, %d), want (%d, %d)",
				tt.query, limit, offset, tt.wantLimit, tt.wantOffset)
		}
	}
}
