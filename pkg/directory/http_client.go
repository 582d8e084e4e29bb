// Package directory pkg/directory/http_client.go implements the Device
// Directory client over HTTP.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
)

const defaultTimeout = 5 * time.Second

var errDirectoryStatus = fmt.Errorf("device directory returned non-200 status")

// HTTPClient talks to the Device Directory service.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a directory client with its own bounded timeout
// so a slow directory can never stall the update path.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetDevice fetches one device record. A 404 is not an error: it reports
// a well-formed "does not exist" answer.
func (c *HTTPClient) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+"/devices/"+deviceID, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req) //nolint:bodyclose // Response body is closed later
	if err != nil {
		return nil, models.NewServiceUnavailableError("device directory", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return &models.Device{ID: deviceID, Exists: false}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, models.NewServiceUnavailableError("device directory",
			fmt.Errorf("%w: status=%d", errDirectoryStatus, resp.StatusCode))
	}

	var device models.Device
	if err := json.NewDecoder(resp.Body).Decode(&device); err != nil {
		return nil, fmt.Errorf("failed to decode device: %w", err)
	}

	device.ID = deviceID
	device.Exists = true

	return &device, nil
}
