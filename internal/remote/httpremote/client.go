// Package httpremote talks to the content service over HTTP.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/observability"
	"github.com/mohammed-shakir/grid-content-cache/internal/remote"
)

const upstream = "content"

// maxBody bounds response bodies; a full batch of records stays well below it.
const maxBody = 32 << 20

type Client struct {
	logger   *slog.Logger
	client   *http.Client
	base     *url.URL
	startNow func() time.Time // for tests
}

var _ remote.Boundary = (*Client)(nil)

// New returns a client for the service rooted at baseURL, e.g.
// https://api.ethscriptions.com/api/ethscriptions.
func New(logger *slog.Logger, client *http.Client, baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote url %q must be absolute", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{logger: logger, client: client, base: u, startNow: time.Now}, nil
}

type existsResponse struct {
	Result       bool          `json:"result"`
	Ethscription *model.Record `json:"ethscription"`
}

// Lookup calls GET {base}/exists/{address}.
func (c *Client) Lookup(ctx context.Context, addr address.Address) (*model.Record, error) {
	const op = "remote exists"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("exists", string(addr)), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, op)
	if err != nil {
		return nil, err
	}
	var out existsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, remote.DecodeError(op, err)
	}
	return out.Ethscription, nil
}

// BatchLookup calls POST {base}/exists_multi with the addresses as a JSON
// array. The response maps present addresses to records; omitted or null
// entries are absent.
func (c *Client) BatchLookup(ctx context.Context, addrs []address.Address) (map[address.Address]*model.Record, error) {
	const op = "remote exists_multi"
	if len(addrs) == 0 {
		return map[address.Address]*model.Record{}, nil
	}
	payload, err := json.Marshal(addrs)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("exists_multi"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, op)
	if err != nil {
		return nil, err
	}
	var raw map[string]*model.Record
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, remote.DecodeError(op, err)
	}

	out := make(map[address.Address]*model.Record, len(raw))
	for k, rec := range raw {
		if rec == nil {
			continue
		}
		a, err := address.Parse(k)
		if err != nil {
			c.logger.Debug("ignoring unknown key in batch response", "key", k)
			continue
		}
		out[a] = rec
	}
	return out, nil
}

func (c *Client) endpoint(parts ...string) string {
	return c.base.JoinPath(parts...).String()
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	start := c.startNow()
	resp, err := c.client.Do(req)
	dur := time.Since(start)
	observability.ObserveUpstreamLatency(upstream, dur.Seconds())
	if err != nil {
		return nil, remote.NetworkError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, &remote.StatusError{Op: op, Code: resp.StatusCode, Body: string(b)}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, remote.NetworkError(op, fmt.Errorf("read body: %w", err))
	}
	if len(b) > maxBody {
		return nil, remote.DecodeError(op, errors.New("response body too large"))
	}
	c.logger.Debug("remote call done",
		"op", op,
		"status", resp.StatusCode,
		"bytes", len(b),
		"duration", dur.String())
	return b, nil
}
