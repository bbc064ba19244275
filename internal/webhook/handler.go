package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/teguhsant/pasarwa/internal/metrics"
)

// maxBodySize caps the webhook payload we are willing to read (256 KB).
// Vendor payloads are small; the limit protects against abuse.
const maxBodySize = 256 * 1024

// dispatchTimeout bounds asynchronous event hand-off. The HTTP response
// never waits on it.
const dispatchTimeout = 30 * time.Second

// Dispatcher hands normalized events to the conversational flow router.
// The contract is hand off once, exactly once, per event.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// Config holds the webhook endpoint settings.
type Config struct {
	VerifyToken   string
	AppSecret     string
	SkipSignature bool // only honored outside production
	Production    bool
}

// Handler serves the vendor webhook endpoints.
type Handler struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewHandler creates the webhook handler.
func NewHandler(cfg Config, dispatcher Dispatcher, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// RegisterRoutes mounts the webhook endpoints. These routes are public: the
// vendor calls them directly, so no auth middleware applies. Security on the
// POST path is the signature check.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/webhook/whatsapp", h.Verify)
	r.Post("/webhook/whatsapp", h.Receive)
}

// Verify handles the vendor subscription handshake:
// GET /webhook/whatsapp?hub.mode=subscribe&hub.verify_token=...&hub.challenge=...
// Responds with the raw challenge on success.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	if h.cfg.VerifyToken == "" {
		h.logger.Error("webhook verify token not configured")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	mode := firstNonEmpty(q.Get("hub.mode"), q.Get("hub_mode"))
	token := firstNonEmpty(q.Get("hub.verify_token"), q.Get("hub_verify_token"))
	challenge := firstNonEmpty(q.Get("hub.challenge"), q.Get("hub_challenge"))

	if mode != "subscribe" || token != h.cfg.VerifyToken {
		h.logger.Warn("webhook verification rejected",
			zap.String("mode", mode),
		)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	h.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// Receive handles POST /webhook/whatsapp.
//
// The only non-2xx response here is 403 for a failed signature check. The
// vendor disables webhooks after repeated non-2xx responses, so structural
// problems are acknowledged with 200 and an "ignored" status instead.
// Event processing is handed off asynchronously; the response never waits
// on downstream business logic.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Warn("failed to read webhook body", zap.Error(err))
		h.writeStatus(w, http.StatusOK, "ignored")
		return
	}

	if h.signatureRequired() {
		ok, reason := VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), []byte(h.cfg.AppSecret))
		if !ok {
			h.logger.Warn("webhook signature rejected",
				zap.String("reason", string(reason)),
				zap.Int("body_bytes", len(body)),
			)
			metrics.RecordSignatureFailure(string(reason))
			h.writeStatus(w, http.StatusForbidden, "invalid_signature")
			return
		}
	}

	if !IsExpectedObject(body) {
		h.writeStatus(w, http.StatusOK, "ignored")
		return
	}

	events, err := Normalize(body)
	if err != nil {
		// Authenticated but unparseable. Acknowledge anyway.
		h.logger.Warn("failed to normalize webhook payload", zap.Error(err))
		h.writeStatus(w, http.StatusOK, "ignored")
		return
	}

	for _, ev := range events {
		metrics.RecordEventNormalized(eventKind(ev))
	}

	go h.dispatch(events)

	h.writeStatus(w, http.StatusOK, "received")
}

// dispatch hands events off one by one. Dispatch failures are logged and
// dropped: the vendor has already been acknowledged and will not resend.
func (h *Handler) dispatch(events []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	for _, ev := range events {
		if err := h.dispatcher.Dispatch(ctx, ev); err != nil {
			h.logger.Error("failed to dispatch event",
				zap.Error(err),
				zap.String("kind", eventKind(ev)),
			)
		}
	}
}

func (h *Handler) signatureRequired() bool {
	if h.cfg.Production {
		return true
	}
	return !h.cfg.SkipSignature
}

func (h *Handler) writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func eventKind(ev Event) string {
	switch {
	case ev.Message != nil:
		return ev.Message.Type
	case ev.Status != nil:
		return "status"
	default:
		return "unknown"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
