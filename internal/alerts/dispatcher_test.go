package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

func TestDispatch_SlackPayload(t *testing.T) {
	var received atomic.Int64
	var lastBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody = body
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(common.AlertsConfig{
		Enabled:      true,
		SlackWebhook: server.URL,
		CooldownMin:  15,
	}, arbor.NewLogger())

	d.Dispatch(context.Background(), models.SeverityCritical, "proxy pool depleted", "2 proxies remaining")

	require.Equal(t, int64(1), received.Load())
	var payload map[string]string
	require.NoError(t, json.Unmarshal(lastBody, &payload))
	assert.Contains(t, payload["text"], "proxy pool depleted")
	assert.Contains(t, payload["text"], "critical")
}

func TestDispatch_CooldownSuppressesRepeats(t *testing.T) {
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(common.AlertsConfig{
		Enabled:        true,
		GenericWebhook: server.URL,
		CooldownMin:    15,
	}, arbor.NewLogger())

	base := time.Now()
	d.now = func() time.Time { return base }
	d.Dispatch(context.Background(), models.SeverityDegraded, "first", "m")
	d.Dispatch(context.Background(), models.SeverityDegraded, "second", "m")
	assert.Equal(t, int64(1), received.Load(), "second alert within cooldown should be suppressed")

	// Different severity is a separate cooldown bucket
	d.Dispatch(context.Background(), models.SeverityCritical, "third", "m")
	assert.Equal(t, int64(2), received.Load())

	// Cooldown expiry re-opens the channel
	d.now = func() time.Time { return base.Add(16 * time.Minute) }
	d.Dispatch(context.Background(), models.SeverityDegraded, "fourth", "m")
	assert.Equal(t, int64(3), received.Load())
}

func TestDispatch_DisabledSendsNothing(t *testing.T) {
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer server.Close()

	d := NewDispatcher(common.AlertsConfig{
		Enabled:        false,
		GenericWebhook: server.URL,
		CooldownMin:    15,
	}, arbor.NewLogger())

	d.Dispatch(context.Background(), models.SeverityCritical, "ignored", "m")
	assert.Equal(t, int64(0), received.Load())
}

func TestDispatch_ChannelFailureDoesNotPanic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewDispatcher(common.AlertsConfig{
		Enabled:        true,
		GenericWebhook: server.URL,
		CooldownMin:    15,
	}, arbor.NewLogger())

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), models.SeverityDegraded, "failing endpoint", "m")
	})
}
