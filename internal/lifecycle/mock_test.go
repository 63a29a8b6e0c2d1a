package lifecycle

import (
	"context"
	"fmt"

	"github.com/schaermu/bundlesync/internal/remote"
)

// mockClient is a hand-written remote.Client for paths the bundle server can't reach
type mockClient struct {
	manifest []byte
	block    bool
}

func (m *mockClient) FetchManifest(ctx context.Context, url string) ([]byte, error) {
	if m.block {
		<-ctx.Done()
		return nil, &remote.RequestError{Method: "GET", URL: url, Err: ctx.Err()}
	}
	return m.manifest, nil
}

func (m *mockClient) Probe(_ context.Context, url string) (int64, error) {
	return 0, fmt.Errorf("unexpected probe of %s", url)
}

func (m *mockClient) FetchRange(_ context.Context, url string, _, _ int64) (*remote.RangeResponse, error) {
	return nil, fmt.Errorf("unexpected range request for %s", url)
}
