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

// Package galaxy implements the job client on the Galaxy REST API. A job is
// a workflow invocation; its outputs are the dataset and collection IDs the
// invocation produced, keyed by label.
package galaxy

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
	"regexp"
	"strings"
	"sync"

	vgplog "github.com/tombee/vgpflow/internal/log"
	"github.com/tombee/vgpflow/pkg/httpclient"
)

// APIKeyHeader is the header Galaxy reads the API key from.
const APIKeyHeader = "x-api-key"

var encodedID = regexp.MustCompile(`^[0-9a-f]{16}$`)

// IsEncodedID reports whether s looks like a Galaxy encoded ID.
func IsEncodedID(s string) bool {
	return encodedID.MatchString(s)
}

// Config configures a Client.
type Config struct {
	// URL is the Galaxy instance, e.g. https://usegalaxy.org.
	URL    string
	APIKey string

	// HTTP overrides the client built from httpclient.DefaultConfig.
	HTTP *http.Client

	// RateLimit caps requests per second across every worker sharing the
	// client. Zero uses the httpclient default.
	RateLimit float64

	Logger *slog.Logger
}

// Client talks to one Galaxy instance. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
	logger *slog.Logger

	mu            sync.Mutex
	workflowNames map[string]string
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("galaxy URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid galaxy URL %q: %w", cfg.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid galaxy URL %q: scheme must be http or https", cfg.URL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = vgplog.Discard()
	}
	logger = vgplog.WithComponent(logger, "galaxy")

	hc := cfg.HTTP
	if hc == nil {
		hcfg := httpclient.DefaultConfig()
		if cfg.RateLimit > 0 {
			hcfg.RateLimit = cfg.RateLimit
		}
		hcfg.Logger = logger
		hc, err = httpclient.New(hcfg)
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		base:          base,
		apiKey:        cfg.APIKey,
		http:          hc,
		logger:        logger,
		workflowNames: make(map[string]string),
	}, nil
}

// URL returns the instance URL.
func (c *Client) URL() string { return c.base.String() }

// APIError is a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

// do sends a request to path below /api and decodes a JSON response into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = c.base.Path + "/api/" + strings.TrimLeft(path, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	vgplog.Trace(ctx, c.logger, "galaxy response",
		slog.String("method", method),
		slog.String("path", u.Path),
		slog.Int("status", resp.StatusCode),
		slog.String("body", string(data)),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: method, Path: "/api/" + strings.TrimLeft(path, "/"), StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// errorMessage extracts Galaxy's err_msg, falling back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		ErrMsg string `json:"err_msg"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.ErrMsg != "" {
			return e.ErrMsg
		}
		if e.Detail != "" {
			return e.Detail
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func statusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
