// Package notify delivers outbox events to people and systems. Nothing here
// runs inside an engine transaction, so a failed delivery can never undo or
// block a case change.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/events"
	"caseflow/internal/metrics"
	"caseflow/internal/repo"
)

const (
	CursorName = "notifications"

	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Channel is a named notifier.
type Channel struct {
	Name     string
	Notifier Notifier
}

// Delivery is one notifier call.
type Delivery struct {
	Channel    string
	EventID    int64
	EventType  string
	CaseID     string
	Recipients []string
}

type Options struct {
	Interval time.Duration
	Batch    int
	// FromStart delivers events already in the outbox when no cursor exists.
	// By default the dispatcher starts after the newest event.
	FromStart bool
	Queue     QueueConfig
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Dispatcher tails the outbox past a persisted cursor, resolves who should
// hear about each event and hands deliveries to a worker queue.
type Dispatcher struct {
	repo     repo.Repo
	cfg      *config.Config
	channels []Channel
	queue    *Queue
	opts     Options
	logger   *zap.Logger
}

func NewDispatcher(r repo.Repo, cfg *config.Config, channels []Channel, opts Options) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Dispatcher{repo: r, cfg: cfg, channels: channels, opts: opts, logger: opts.Logger}
	qc := opts.Queue
	if qc.Logger == nil {
		qc.Logger = opts.Logger
	}
	d.queue = NewQueue("notifications", d.deliver, qc)
	return d
}

// Channels builds the notifiers declared in cfg. The log channel is always present.
func Channels(cfg *config.Config, logger *zap.Logger) []Channel {
	out := []Channel{{Name: "log", Notifier: LogNotifier{Logger: logger}}}
	if cfg == nil {
		return out
	}
	n := cfg.Notifications
	for i, hook := range n.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		out = append(out, Channel{
			Name:     fmt.Sprintf("webhook-%d", i),
			Notifier: NewWebhookNotifier(hook, n.RatePerSecond, n.Burst, logger),
		})
	}
	return out
}

// Run starts the workers and polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.queue.Start(ctx)
	defer d.queue.Stop()

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("dispatch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Start launches the worker pool without polling; callers drive DispatchOnce.
func (d *Dispatcher) Start(ctx context.Context) { d.queue.Start(ctx) }

// Stop waits for in-flight deliveries to finish.
func (d *Dispatcher) Stop() { d.queue.Stop() }

func (d *Dispatcher) cursor(ctx context.Context) (int64, error) {
	cur, err := d.repo.GetDispatchCursor(ctx, CursorName)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	if d.opts.FromStart {
		return 0, nil
	}
	latest, err := d.repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	if err := d.repo.SetDispatchCursor(ctx, CursorName, latest, d.timestamp()); err != nil {
		return 0, err
	}
	return latest, nil
}

func (d *Dispatcher) timestamp() string {
	return d.opts.Now().UTC().Format(time.RFC3339)
}

// DispatchOnce enqueues deliveries for one batch of events and advances the
// cursor past them. It returns the number of deliveries enqueued.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	cur, err := d.cursor(ctx)
	if err != nil {
		return 0, err
	}
	evts, err := d.repo.EventsAfter(ctx, d.opts.Batch, cur)
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}
	enqueued := 0
	for _, evt := range evts {
		recipients, err := d.recipients(ctx, evt)
		if err != nil {
			return enqueued, err
		}
		for _, ch := range d.channels {
			if !wants(ch.Notifier, evt.Type, recipients) {
				continue
			}
			job := Job{
				ID: fmt.Sprintf("%d-%s", evt.ID, ch.Name),
				Delivery: Delivery{
					Channel:    ch.Name,
					EventID:    evt.ID,
					EventType:  evt.Type,
					CaseID:     evt.CaseID,
					Recipients: recipients,
				},
			}
			if err := d.queue.Enqueue(job); err != nil {
				return enqueued, err
			}
			enqueued++
		}
		if err := d.repo.SetDispatchCursor(ctx, CursorName, evt.ID, d.timestamp()); err != nil {
			return enqueued, err
		}
		d.opts.Metrics.SetDispatchCursor(evt.ID)
	}
	return enqueued, nil
}

func wants(n Notifier, eventType string, recipients []string) bool {
	if s, ok := n.(Subscriber); ok {
		return s.Wants(eventType)
	}
	return len(recipients) > 0
}

func (d *Dispatcher) deliver(ctx context.Context, job Job) error {
	var notifier Notifier
	for _, ch := range d.channels {
		if ch.Name == job.Delivery.Channel {
			notifier = ch.Notifier
			break
		}
	}
	if notifier == nil {
		return nil
	}
	dl := job.Delivery
	ok := notifier.Notify(ctx, dl.EventType, dl.CaseID, dl.Recipients)
	d.opts.Metrics.ObserveNotification(dl.Channel, ok)
	if !ok {
		return fmt.Errorf("%s: delivery of event %d failed", dl.Channel, dl.EventID)
	}
	return nil
}

// recipients resolves the active users an event is routed to. Transitions
// route by action through notifications.routes; interaction events go to the
// owners of the stage on the other end.
func (d *Dispatcher) recipients(ctx context.Context, evt domain.Event) ([]string, error) {
	if d.cfg == nil {
		return nil, nil
	}
	var payload map[string]any
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			d.logger.Warn("unreadable event payload", zap.Int64("event_id", evt.ID), zap.Error(err))
			return nil, nil
		}
	}
	str := func(key string) string {
		s, _ := payload[key].(string)
		return s
	}
	var roles []string
	switch evt.Type {
	case events.CaseTransitioned:
		roles = d.cfg.Notifications.Routes[str("action")]
	case events.InteractionRequested:
		roles = d.stageOwners(str("to_stage"))
	case events.InteractionResponded, events.InteractionReviewed:
		roles = d.stageOwners(str("from_stage"))
	default:
		return nil, nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, role := range roles {
		users, err := d.repo.ListUsers(ctx, role, true)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if _, dup := seen[u.Username]; dup {
				continue
			}
			seen[u.Username] = struct{}{}
			out = append(out, u.Username)
		}
	}
	sort.Strings(out)
	return out, nil
}

// stageOwners lists the non-superuser roles that own stage.
func (d *Dispatcher) stageOwners(stage string) []string {
	var out []string
	for name, role := range d.cfg.Roles {
		if role.Superuser {
			continue
		}
		for _, s := range role.Stages {
			if s == stage {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
