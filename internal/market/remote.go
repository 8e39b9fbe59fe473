package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "quantgraph/pkg/errors"
	qhttp "quantgraph/pkg/http"
)

// SnapshotPath is the endpoint a remote snapshot service exposes
const SnapshotPath = "/api/v1/snapshot"

// RemoteProvider fetches snapshots from an HTTP service speaking the
// SnapshotRecord JSON format. A 404 marks a non-trading date.
type RemoteProvider struct {
	client *qhttp.Client
}

// NewRemoteProvider creates a provider against baseURL. An empty token
// sends no credentials.
func NewRemoteProvider(baseURL, token string, timeout time.Duration) *RemoteProvider {
	return &RemoteProvider{
		client: qhttp.NewClient(baseURL, qhttp.Options{
			Timeout: timeout,
			Signer:  qhttp.TokenSigner{Token: token},
		}),
	}
}

// Snapshot fetches the snapshot for date
func (p *RemoteProvider) Snapshot(ctx context.Context, date time.Time) (*Snapshot, error) {
	key := date.Format(DateLayout)

	var rec SnapshotRecord
	err := p.client.GetJSON(ctx, SnapshotPath, map[string]string{"date": key}, &rec)
	if err != nil {
		var apiErr *qhttp.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNoMarketData, key)
		}
		return nil, fmt.Errorf("failed to fetch snapshot %s: %w", key, err)
	}
	if rec.Date == "" {
		rec.Date = key
	}
	return rec.ToSnapshot()
}
