// Package notification renders and delivers practice emails: note deadline
// reminders and lock notices.
package notification

import (
	"context"
	"fmt"
	"time"
)

// Notifier renders templates and delivers them, retrying transient failures
// with linear backoff.
type Notifier struct {
	sender    EmailSender
	templates *TemplateEngine
	attempts  int
	backoff   time.Duration
}

type Option func(*Notifier)

// WithRetry overrides the delivery attempts and the delay between them.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(n *Notifier) {
		if attempts > 0 {
			n.attempts = attempts
		}
		n.backoff = backoff
	}
}

func NewNotifier(sender EmailSender, templates *TemplateEngine, opts ...Option) *Notifier {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	n := &Notifier{sender: sender, templates: templates, attempts: 3, backoff: 2 * time.Second}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Send renders templateID with data and emails it to recipient.
func (n *Notifier) Send(ctx context.Context, templateID, recipient string, data map[string]string) error {
	if recipient == "" {
		return fmt.Errorf("notification %s: recipient is required", templateID)
	}
	subject, body, err := n.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if lastErr = n.sender.SendEmail(ctx, recipient, subject, body); lastErr == nil {
			return nil
		}
		if attempt == n.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * n.backoff):
		}
	}
	return fmt.Errorf("send %s after %d attempts: %w", templateID, n.attempts, lastErr)
}
