package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNotification() *Notification {
	return &Notification{
		Level:      Error,
		Title:      "Campaign failure threshold breached",
		Message:    "Campaign \"fleet upgrade\" breached its 20% failure threshold",
		CampaignID: "camp-1",
	}
}

func TestWebhookNotify(t *testing.T) {
	var (
		received  Notification
		gotHeader string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Authorization")

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(WebhookConfig{
		Enabled: true,
		URL:     srv.URL,
		Headers: []Header{{Key: "Authorization", Value: "Bearer token"}},
	})

	require.True(t, notifier.IsEnabled())
	require.NoError(t, notifier.Notify(context.Background(), testNotification()))

	assert.Equal(t, "Bearer token", gotHeader)
	assert.Equal(t, Error, received.Level)
	assert.Equal(t, "camp-1", received.CampaignID)
	assert.NotEmpty(t, received.Timestamp)
}

func TestWebhookDisabled(t *testing.T) {
	notifier := NewWebhookNotifier(WebhookConfig{Enabled: false, URL: "http://hooks.local"})

	assert.False(t, notifier.IsEnabled())
	assert.ErrorIs(t, notifier.Notify(context.Background(), testNotification()), errWebhookDisabled)
}

func TestWebhookCooldown(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls++
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(WebhookConfig{
		Enabled:  true,
		URL:      srv.URL,
		Cooldown: time.Hour,
	})

	require.NoError(t, notifier.Notify(context.Background(), testNotification()))

	// An identical title inside the cooldown window is suppressed.
	err := notifier.Notify(context.Background(), testNotification())
	assert.ErrorIs(t, err, errWebhookCooldown)

	// A different title is not.
	other := testNotification()
	other.Title = "Campaign completed"
	require.NoError(t, notifier.Notify(context.Background(), other))

	assert.Equal(t, 2, calls)
}

func TestWebhookTemplate(t *testing.T) {
	var body []byte

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(WebhookConfig{
		Enabled:  true,
		URL:      srv.URL,
		Template: `{"text":"{{.notification.Title}}","payload":{{json .notification}}}`,
	})

	require.NoError(t, notifier.Notify(context.Background(), testNotification()))

	var decoded struct {
		Text    string       `json:"text"`
		Payload Notification `json:"payload"`
	}

	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "Campaign failure threshold breached", decoded.Text)
	assert.Equal(t, "camp-1", decoded.Payload.CampaignID)
}

func TestWebhookTemplateMustProduceJSON(t *testing.T) {
	notifier := NewWebhookNotifier(WebhookConfig{
		Enabled:  true,
		URL:      "http://hooks.local",
		Template: `not json at all {{.notification.Title}}`,
	})

	err := notifier.Notify(context.Background(), testNotification())
	assert.ErrorIs(t, err, errInvalidJSON)
}

func TestWebhookNon200Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(WebhookConfig{Enabled: true, URL: srv.URL})

	err := notifier.Notify(context.Background(), testNotification())
	assert.ErrorIs(t, err, errWebhookStatus)
}

func TestWebhookConfigCooldownParsing(t *testing.T) {
	var cfg WebhookConfig

	require.NoError(t, json.Unmarshal([]byte(`{
        "enabled": true,
        "url": "http://hooks.local",
        "cooldown": "5m"
    }`), &cfg))

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Cooldown)

	err := json.Unmarshal([]byte(`{"cooldown": "soon"}`), &cfg)
	assert.Error(t, err)
}
