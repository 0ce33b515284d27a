package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"caseflow/internal/config"
)

// Notifier delivers one notification. It reports success and never returns
// an error: delivery problems are the notifier's to log.
type Notifier interface {
	Notify(ctx context.Context, eventType, caseID string, recipients []string) bool
}

// Subscriber is implemented by notifiers that want events regardless of
// whether any user is routed to them.
type Subscriber interface {
	Wants(eventType string) bool
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(ctx context.Context, eventType, caseID string, recipients []string) bool {
	l := n.Logger
	if l == nil {
		l = zap.NewNop()
	}
	l.Info("notification",
		zap.String("event", eventType),
		zap.String("case_id", caseID),
		zap.Strings("recipients", recipients))
	return true
}

const defaultWebhookTimeout = 5 * time.Second

// WebhookNotifier POSTs notifications as JSON, throttled by a token bucket.
type WebhookNotifier struct {
	URL     string
	Secret  string
	Client  *http.Client
	Limiter *rate.Limiter
	Logger  *zap.Logger
	filter  eventFilter
}

// NewWebhookNotifier builds a notifier for hook. rps <= 0 disables throttling.
func NewWebhookNotifier(hook config.WebhookConfig, rps float64, burst int, logger *zap.Logger) *WebhookNotifier {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		URL:     hook.URL,
		Secret:  hook.Secret,
		Client:  &http.Client{Timeout: timeout},
		Limiter: rate.NewLimiter(limit, burst),
		Logger:  logger,
		filter:  newEventFilter(hook.Events),
	}
}

func (n *WebhookNotifier) Wants(eventType string) bool {
	return n.filter.match(eventType)
}

type webhookBody struct {
	Event      string   `json:"event"`
	CaseID     string   `json:"case_id,omitempty"`
	Recipients []string `json:"recipients"`
	SentAt     string   `json:"sent_at"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, eventType, caseID string, recipients []string) bool {
	if err := n.post(ctx, eventType, caseID, recipients); err != nil {
		n.Logger.Warn("webhook delivery failed", zap.String("url", n.URL), zap.String("event", eventType), zap.Error(err))
		return false
	}
	return true
}

func (n *WebhookNotifier) post(ctx context.Context, eventType, caseID string, recipients []string) error {
	if n.Limiter != nil {
		if err := n.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if recipients == nil {
		recipients = []string{}
	}
	data, err := json.Marshal(webhookBody{
		Event:      eventType,
		CaseID:     caseID,
		Recipients: recipients,
		SentAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseflow-Event", eventType)
	if caseID != "" {
		req.Header.Set("X-Caseflow-Case", caseID)
	}
	if strings.TrimSpace(n.Secret) != "" {
		req.Header.Set("X-Caseflow-Secret", n.Secret)
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
