// Package events pkg/events/webhook_bus.go delivers events to an external
// bus endpoint over HTTP, subject in the URL path.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
)

const defaultPublishTimeout = 10 * time.Second

var errBusStatus = fmt.Errorf("event bus returned non-200 status")

// WebhookBusConfig configures the HTTP bus client.
type WebhookBusConfig struct {
	URL     string   `json:"url"`
	Headers []Header `json:"headers,omitempty"`
}

// Header is one custom request header.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// WebhookBus posts events to `{url}/{entity}.{action}`.
type WebhookBus struct {
	config     WebhookBusConfig
	client     *http.Client
	bufferPool *sync.Pool
}

// NewWebhookBus creates an HTTP-backed bus client.
func NewWebhookBus(config WebhookBusConfig) *WebhookBus {
	return &WebhookBus{
		config: config,
		client: &http.Client{
			Timeout: defaultPublishTimeout,
		},
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Publish delivers one event. Errors are returned to the caller; the
// outbox publisher owns retry policy.
func (b *WebhookBus) Publish(ctx context.Context, event *models.Event) error {
	buf := b.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer b.bufferPool.Put(buf)

	enc := json.NewEncoder(buf)
	if err := enc.Encode(event); err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, b.config.URL+"/"+string(event.Type), buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for _, header := range b.config.Headers {
		req.Header.Set(header.Key, header.Value)
	}

	resp, err := b.client.Do(req) //nolint:bodyclose // Response body is closed later
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status=%d", errBusStatus, resp.StatusCode)
	}

	return nil
}
