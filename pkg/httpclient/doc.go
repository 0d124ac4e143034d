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

// Package httpclient builds the *http.Client used for Galaxy API calls.
//
// Transports are layered outermost first:
//
//	retry -> rate limit -> logging -> net/http
//
// The logging layer sets User-Agent, propagates the run ID from the request
// context as X-Run-ID, and logs every request with secrets redacted from the
// URL. The rate limiter spaces requests across all workers sharing the
// client. Retries use exponential backoff with jitter and honour
// Retry-After; only GET, HEAD and OPTIONS are retried unless
// AllowNonIdempotentRetry is set, since a replayed POST could submit a
// second workflow invocation.
//
//	cfg := httpclient.DefaultConfig()
//	cfg.RateLimit = 5
//	client, err := httpclient.New(cfg)
package httpclient
