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

package httpclient

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUserAgent identifies vgpflow to the server.
const DefaultUserAgent = "vgpflow/1.0"

// Config configures the HTTP client.
type Config struct {
	// Timeout bounds a single request including retries. Must be > 0.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first try.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry.
	RetryBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// UserAgent is required.
	UserAgent string

	// RateLimit is the sustained requests per second. Zero disables
	// limiting.
	RateLimit float64

	// Burst is the limiter bucket size. Defaults to 1 when RateLimit is set.
	Burst int

	// AllowNonIdempotentRetry also retries POST, PUT, PATCH and DELETE.
	AllowNonIdempotentRetry bool

	// Logger receives request logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the settings used for Galaxy.
func DefaultConfig() Config {
	return Config{
		Timeout:       60 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  500 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		UserAgent:     DefaultUserAgent,
		RateLimit:     10,
		Burst:         5,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be > 0 when retry_attempts > 0, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0, got %v", c.RateLimit)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required and must be non-empty")
	}
	return nil
}

func (c *Config) limiter() *rate.Limiter {
	if c.RateLimit == 0 {
		return nil
	}
	burst := c.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RateLimit), burst)
}
