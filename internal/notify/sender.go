// Package notify is the outbound send path: quiet-hours suppression, the
// shared rate budget, and the vendor API client. Both gates pass before any
// network call is made.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teguhsant/pasarwa/internal/metrics"
)

// TextSender is the vendor call the Sender wraps. Satisfied by *WAClient;
// tests substitute a fake.
type TextSender interface {
	SendText(ctx context.Context, to, body string) (*SendResult, error)
}

// Sender issues outbound messages after clearing the quiet-hours window and
// acquiring rate-budget capacity. The two checks are independent.
type Sender struct {
	client TextSender
	quiet  QuietHours
	budget *RateBudget
	logger *zap.Logger
	now    func() time.Time
}

// NewSender wires the outbound send path.
func NewSender(client TextSender, quiet QuietHours, budget *RateBudget, logger *zap.Logger) *Sender {
	return &Sender{
		client: client,
		quiet:  quiet,
		budget: budget,
		logger: logger,
		now:    time.Now,
	}
}

// Send delivers body to the destination phone number. notifType selects
// quiet-hours treatment.
//
// Returns *QuietHoursError when the send is suppressed: the caller
// reschedules for the window end rather than treating it as a failure.
// Rate-budget exhaustion blocks here until capacity frees; it is never
// surfaced as an error.
func (s *Sender) Send(ctx context.Context, to, body, notifType string) (string, error) {
	now := s.now()
	if s.quiet.Suppressed(now, notifType) {
		resume := s.quiet.ResumeAt(now)
		s.logger.Info("send suppressed by quiet hours",
			zap.String("type", notifType),
			zap.Time("resume_at", resume),
		)
		metrics.RecordQuietHoursSuppression(notifType)
		return "", &QuietHoursError{ResumeAt: resume}
	}

	if s.budget != nil {
		if err := s.budget.Wait(ctx); err != nil {
			return "", err
		}
	}

	start := time.Now()
	result, err := s.client.SendText(ctx, to, body)
	if err != nil {
		metrics.RecordSend("error")
		return "", err
	}

	metrics.RecordSend("ok")
	metrics.ObserveSendLatency(time.Since(start))

	return result.MessageID, nil
}
