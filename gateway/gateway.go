// Package gateway adapts the teacher library's Arweave HTTP client down to
// the one call this service actually needs: the current network block
// height, used to stamp a receipt's deadline height
// (depositedAt + bufferBlocks).
//
// Everything else the original client exposed (transaction retrieval,
// wallet balance, block lookup, chunk upload) belongs to a full Arweave
// client and has no caller here; this service hands items to a downstream
// bundler and never talks to the network for anything but this one
// collaborator call.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// BlockHeightSource is the narrow collaborator interface the upload state
// machines depend on. A fake implementation backs unit tests.
type BlockHeightSource interface {
	CurrentHeight(ctx context.Context) (int64, error)
}

// Client is the HTTP-backed BlockHeightSource, querying an Arweave
// gateway's /info endpoint.
type Client struct {
	httpClient *http.Client
	gateway    string
}

// New creates a gateway client with a 10-second per-request timeout,
// matching the teacher's own default.
func New(gatewayURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		gateway:    gatewayURL,
	}
}

type networkInfo struct {
	Height int64 `json:"height"`
}

// CurrentHeight queries the gateway's network-info endpoint and returns the
// current block height.
func (c *Client) CurrentHeight(ctx context.Context) (int64, error) {
	u, err := url.Parse(c.gateway)
	if err != nil {
		return 0, err
	}
	u.Path = path.Join(u.Path, "info")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("gateway: %d: %s", resp.StatusCode, string(body))
	}

	var info networkInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, err
	}
	return info.Height, nil
}
