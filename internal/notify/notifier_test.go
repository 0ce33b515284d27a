package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"caseflow/internal/config"
)

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got webhookBody
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(config.WebhookConfig{URL: srv.URL, Secret: "s3cret"}, 0, 0, nil)
	ok := n.Notify(context.Background(), "case.transitioned", "TC001", []string{"rita"})
	require.True(t, ok)
	assert.Equal(t, "case.transitioned", got.Event)
	assert.Equal(t, "TC001", got.CaseID)
	assert.Equal(t, []string{"rita"}, got.Recipients)
	assert.Equal(t, "s3cret", headers.Get("X-Caseflow-Secret"))
	assert.Equal(t, "case.transitioned", headers.Get("X-Caseflow-Event"))
}

func TestWebhookNotifierReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	n := NewWebhookNotifier(config.WebhookConfig{URL: srv.URL}, 0, 0, zap.New(core))
	assert.False(t, n.Notify(context.Background(), "case.created", "TC001", nil))
	assert.Equal(t, 1, logs.FilterMessage("webhook delivery failed").Len())
}

func TestWebhookNotifierHonoursCancelledContextWhenThrottled(t *testing.T) {
	n := NewWebhookNotifier(config.WebhookConfig{URL: "http://127.0.0.1:1"}, 0.001, 1, nil)
	require.True(t, n.Limiter.Allow())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, n.Notify(ctx, "case.created", "TC001", nil))
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	assert.True(t, all.match("anything"))
	some := newEventFilter([]string{" case.transitioned ", ""})
	assert.True(t, some.match("case.transitioned"))
	assert.False(t, some.match("case.created"))
}

func TestLogNotifierAlwaysSucceeds(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := LogNotifier{Logger: zap.New(core)}
	assert.True(t, n.Notify(context.Background(), "case.transitioned", "TC001", []string{"a", "b"}))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "TC001", logs.All()[0].ContextMap()["case_id"])
}
