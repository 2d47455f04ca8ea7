// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/flux/internal/protocol"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/flux"
	"github.com/tombee/flux/pkg/httpclient"
)

// Client talks to the fluxd HTTP API on behalf of a worker. It also
// implements the runtime's secret resolver and cache over that API, so task
// envelopes on any worker share the server's secret store and result cache.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewClient creates a client for the given fluxd base URL. Requests retry
// transient failures and carry the session token once Register has run.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/")}

	cfg := httpclient.DefaultConfig()
	cfg.Logger = logger
	cfg.BearerToken = func() string { return c.token }
	hc, err := httpclient.New(cfg)
	if err != nil {
		// The default config always validates.
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	c.http = hc
	return c
}

// Register obtains a worker identity and session token.
func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/v1/workers/register", req, &resp)
	if err != nil {
		return protocol.RegisterResponse{}, err
	}
	if status != http.StatusCreated {
		return protocol.RegisterResponse{}, fmt.Errorf("registration failed with status %d", status)
	}
	c.token = resp.SessionToken
	return resp, nil
}

// Dial opens the worker websocket session. Register must succeed first.
func (c *Client) Dial(ctx context.Context) (*websocket.Conn, error) {
	if c.token == "" {
		return nil, &fluxerrors.ValidationError{Field: "token", Message: "dial before registration"}
	}
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/workers/ws"
	header := http.Header{"Authorization": {"Bearer " + c.token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil {
		resp.Body.Close()
	}
	return conn, err
}

// Resolve implements flux.SecretResolver. All names must resolve or the call
// fails with the full list of missing secrets.
func (c *Client) Resolve(ctx context.Context, names []string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		var body struct {
			Value string `json:"value"`
		}
		status, err := c.doJSON(ctx, http.MethodGet, "/v1/secrets/"+url.PathEscape(name), nil, &body)
		switch {
		case err != nil:
			return nil, err
		case status == http.StatusNotFound:
			missing = append(missing, name)
		case status != http.StatusOK:
			return nil, fmt.Errorf("resolving secret %q: status %d", name, status)
		default:
			values[name] = body.Value
		}
	}
	if len(missing) > 0 {
		return nil, &fluxerrors.SecretMissingError{Names: missing}
	}
	return values, nil
}

// remoteCache is the flux.Cache view of the server's result cache. Failures
// degrade to misses.
type remoteCache struct {
	client *Client
}

// Cache returns the server-backed task result cache.
func (c *Client) Cache() flux.Cache {
	return &remoteCache{client: c}
}

func (r *remoteCache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.client.baseURL+"/v1/cache/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, false
	}
	resp, err := r.client.http.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	value, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}
	return value, true
}

func (r *remoteCache) Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) {
	path := "/v1/cache/" + url.PathEscape(key) + "?ttl_seconds=" + strconv.Itoa(int(ttl/time.Second))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.client.baseURL+path, bytes.NewReader(value))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.http.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// doJSON sends an optional JSON body and decodes a JSON response. Non-2xx
// statuses are returned to the caller, not treated as errors.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
