package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// SendResult is the vendor's acknowledgment of an accepted message.
type SendResult struct {
	MessageID string
}

// PermanentSendError marks a vendor rejection that a retry cannot fix
// (malformed destination, unregistered number). 4xx responses other than
// 429 map here.
type PermanentSendError struct {
	StatusCode int
	Body       string
}

func (e *PermanentSendError) Error() string {
	return fmt.Sprintf("vendor rejected send (status %d): %s", e.StatusCode, e.Body)
}

// WAConfig holds WhatsApp Cloud API client settings.
type WAConfig struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
}

// WAClient sends messages through the WhatsApp Cloud API. Calls run behind
// a circuit breaker so a dead vendor endpoint fails fast instead of tying
// up every worker on timeouts.
type WAClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*SendResult]
	cfg     WAConfig
	logger  *zap.Logger
}

// NewWAClient creates the API client.
func NewWAClient(cfg WAConfig, logger *zap.Logger) *WAClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "whatsapp",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Vendor rejections are request problems, not endpoint health.
			var perm *PermanentSendError
			return err == nil || errors.As(err, &perm)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &WAClient{
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[*SendResult](settings),
		cfg:     cfg,
		logger:  logger,
	}
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             sendText `json:"text"`
}

type sendText struct {
	Body string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText delivers a text message and returns the vendor message id.
func (c *WAClient) SendText(ctx context.Context, to, body string) (*SendResult, error) {
	return c.breaker.Execute(func() (*SendResult, error) {
		return c.doSend(ctx, to, body)
	})
}

func (c *WAClient) doSend(ctx context.Context, to, body string) (*SendResult, error) {
	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             sendText{Body: body},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.cfg.BaseURL, c.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Parsed below.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("vendor unavailable (status %d): %s", resp.StatusCode, string(respBody))
	default:
		return nil, &PermanentSendError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse send response: %w", err)
	}
	if len(parsed.Messages) == 0 {
		return nil, fmt.Errorf("send response missing message id")
	}

	c.logger.Debug("message accepted by vendor",
		zap.String("message_id", parsed.Messages[0].ID),
		zap.Duration("took", time.Since(start)),
	)

	return &SendResult{MessageID: parsed.Messages[0].ID}, nil
}
