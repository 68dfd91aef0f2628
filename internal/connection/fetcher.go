package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/searchlight/searchlight/internal/api/models"
	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/provider/resilience"
)

// HTTPSnapshotFetcher pulls snapshots from GET /v1/sync/snapshots through a
// resilient client.
type HTTPSnapshotFetcher struct {
	baseURL string
	client  *resilience.Client
}

// NewHTTPSnapshotFetcher creates a fetcher for the API at baseURL.
func NewHTTPSnapshotFetcher(baseURL string, client *resilience.Client) *HTTPSnapshotFetcher {
	return &HTTPSnapshotFetcher{baseURL: baseURL, client: client}
}

// Fetch returns the complete snapshot of class.
func (f *HTTPSnapshotFetcher) Fetch(ctx context.Context, credential string, class changefeed.EntityClass) (*changefeed.Snapshot, error) {
	endpoint := f.baseURL + "/v1/sync/snapshots?class=" + url.QueryEscape(string(class))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &resilience.StatusError{StatusCode: resp.StatusCode}
	}

	var list models.SnapshotList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding snapshots: %w", err)
	}
	for i := range list.Snapshots {
		if list.Snapshots[i].EntityClass == class {
			return &list.Snapshots[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", changefeed.ErrUnknownClass, class)
}

var _ SnapshotFetcher = (*HTTPSnapshotFetcher)(nil)
