package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
)

func TestWebhookSink_Delivers(t *testing.T) {
	received := make(chan Notification, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		received <- n
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink := NewWebhookSink(config.NotifyConfig{WebhookURL: server.URL, Timeout: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	sink.Notify(context.Background(), Notification{
		Title: "identity expiring",
		Body:  "workload api SVID below renewal threshold",
		Color: SeverityColor("warning"),
	})

	select {
	case n := <-received:
		assert.Equal(t, "identity expiring", n.Title)
		assert.Equal(t, "#f0ad4e", n.Color)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the notification")
	}
}

func TestWebhookSink_FailuresAreSwallowed(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Unreachable endpoint.
	sink := NewWebhookSink(config.NotifyConfig{
		WebhookURL: "http://127.0.0.1:1/hook",
		Timeout:    100 * time.Millisecond,
	}, log)
	assert.NotPanics(t, func() {
		sink.Notify(context.Background(), Notification{Title: "x"})
	})

	// Endpoint that rejects everything.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	sink = NewWebhookSink(config.NotifyConfig{WebhookURL: server.URL, Timeout: time.Second}, log)
	assert.NotPanics(t, func() {
		sink.Notify(context.Background(), Notification{Title: "x"})
	})
}

func TestNewWebhookSink_EmptyURLIsNop(t *testing.T) {
	sink := NewWebhookSink(config.NotifyConfig{}, nil)
	_, isNop := sink.(NopSink)
	assert.True(t, isNop)
	sink.Notify(context.Background(), Notification{Title: "dropped"})
}
