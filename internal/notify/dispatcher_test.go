package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/engine/auth"
	"caseflow/internal/metrics"
	"caseflow/internal/migrate"
	"caseflow/internal/notify"
)

type call struct {
	event      string
	caseID     string
	recipients []string
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	ok    bool
}

func (r *recorder) Notify(ctx context.Context, eventType, caseID string, recipients []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{eventType, caseID, recipients})
	return r.ok
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng, err := engine.New(conn, config.Default())
	require.NoError(t, err)
	ctx := context.Background()
	for name, role := range map[string]string{"ines": auth.RoleInitiator, "ivan": auth.RoleInvestigator, "ivy": auth.RoleInvestigator} {
		_, err := eng.RegisterUser(ctx, domain.User{Username: name, Role: role, Active: true}, "")
		require.NoError(t, err)
	}
	_, err = eng.RegisterUser(ctx, domain.User{Username: "gone", Role: auth.RoleInvestigator, Active: false}, "")
	require.NoError(t, err)
	return eng
}

func TestDispatcherRoutesTransitionsToActiveRoleMembers(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	rec := &recorder{ok: true}
	d := notify.NewDispatcher(eng.Repo, eng.Config, []notify.Channel{{Name: "rec", Notifier: rec}}, notify.Options{})
	d.Start(ctx)
	defer d.Stop()

	// The first pass pins the cursor after the user events.
	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = eng.CreateCase(ctx, engine.CaseInput{ID: "TC001", Actor: auth.Actor{Username: "ines"}})
	require.NoError(t, err)
	_, err = eng.Transition(ctx, engine.TransitionRequest{CaseID: "TC001", Action: "Allocate", Actor: auth.Actor{Username: "ivan"}})
	require.NoError(t, err)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	// case.created has no route; the Allocate transition goes to investigators.
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := rec.snapshot()[0]
	assert.Equal(t, "case.transitioned", got.event)
	assert.Equal(t, "TC001", got.caseID)
	assert.Equal(t, []string{"ivan", "ivy"}, got.recipients)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDeliveryFailureDoesNotAffectCase(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	rec := &recorder{ok: false}
	m := metrics.New()
	d := notify.NewDispatcher(eng.Repo, eng.Config, []notify.Channel{{Name: "rec", Notifier: rec}}, notify.Options{
		FromStart: true,
		Metrics:   m,
		Queue:     notify.QueueConfig{MaxRetries: 1, RetryDelay: 5 * time.Millisecond},
	})
	d.Start(ctx)
	defer d.Stop()

	_, err := eng.CreateCase(ctx, engine.CaseInput{ID: "TC002", Actor: auth.Actor{Username: "ines"}})
	require.NoError(t, err)
	_, err = eng.Transition(ctx, engine.TransitionRequest{CaseID: "TC002", Action: "Allocate", Actor: auth.Actor{Username: "ivan"}})
	require.NoError(t, err)

	_, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	c, err := eng.GetCase(ctx, "TC002")
	require.NoError(t, err)
	assert.Equal(t, "Allocated", c.Status)

	cur, err := eng.Repo.GetDispatchCursor(ctx, notify.CursorName)
	require.NoError(t, err)
	latest, err := eng.Repo.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, cur)
}

func TestChannelsSkipsDisabledWebhooks(t *testing.T) {
	cfg := config.Default()
	off := false
	cfg.Notifications.Webhooks = []config.WebhookConfig{
		{URL: "http://example.invalid/a"},
		{URL: "http://example.invalid/b", Enabled: &off},
	}
	chans := notify.Channels(cfg, nil)
	require.Len(t, chans, 2)
	assert.Equal(t, "log", chans[0].Name)
	assert.Equal(t, "webhook-0", chans[1].Name)
}
