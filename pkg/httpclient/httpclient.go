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

// Package httpclient builds the HTTP client workers use to reach the
// server API. The client retries transient failures with exponential
// backoff, logs each request with secrets redacted from the URL, and
// injects the User-Agent and session token headers.
package httpclient

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Config configures the client.
type Config struct {
	// Timeout is the total per-request budget, retries included.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the initial try.
	// Zero disables retrying.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry.
	RetryBackoff time.Duration

	// MaxBackoff caps the growing delay between retries.
	MaxBackoff time.Duration

	// UserAgent is sent when the request does not set its own.
	UserAgent string

	// RetryAllMethods retries POST, PUT, PATCH, and DELETE too. Off by
	// default; only GET, HEAD, and OPTIONS are safe without it.
	RetryAllMethods bool

	// BearerToken, when set, supplies the Authorization bearer value per
	// request. Requests that already carry the header are left alone.
	BearerToken func() string

	// Logger receives per-request log lines. Nil uses the default logger.
	Logger *slog.Logger
}

// DefaultConfig returns the settings used by the stock worker.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
		UserAgent:     "flux-worker/1.0",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must not be negative, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be positive when retrying, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff %v is below retry_backoff %v", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	return nil
}

// New builds the client. Transports layer outward: connection pool, then
// logging and header injection, then retries.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var rt http.RoundTripper = &headerTransport{
		base:      base,
		userAgent: cfg.UserAgent,
		token:     cfg.BearerToken,
		logger:    logger,
	}
	if cfg.RetryAttempts > 0 {
		rt = newRetryTransport(rt, cfg)
	}

	return &http.Client{
		Transport: rt,
		Timeout:   cfg.Timeout,
	}, nil
}
