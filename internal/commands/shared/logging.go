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

package shared

import (
	"io"
	"log/slog"
	"os"

	vgplog "github.com/tombee/vgpflow/internal/log"
)

// NewLogger builds the command logger from the environment, the profile's
// level and format, and the global flags. --quiet wins over --verbose.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	cfg := vgplog.FromEnv()
	if w == nil {
		w = os.Stderr
	}
	cfg.Output = w
	if os.Getenv("VGPFLOW_DEBUG") == "" && os.Getenv("VGPFLOW_LOG_LEVEL") == "" && level != "" {
		cfg.Level = level
	}
	if os.Getenv("LOG_FORMAT") == "" && format != "" {
		cfg.Format = vgplog.Format(format)
	}
	switch {
	case GetQuiet():
		cfg.Level = "warn"
	case GetVerbose():
		cfg.Level = "debug"
	}
	if GetJSON() {
		cfg.Format = vgplog.FormatJSON
	}
	return vgplog.New(cfg)
}
