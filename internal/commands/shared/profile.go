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
	"github.com/tombee/vgpflow/internal/config"
)

// LoadProfile loads the profile named by --config, or the default profile
// when it exists, and applies opts. Errors are already classified.
func LoadProfile(opts ...config.Option) (*config.Config, error) {
	cfg, err := config.Load(config.Resolve(GetConfigPath()), opts...)
	if err != nil {
		return nil, Classify("failed to load profile", err)
	}
	return cfg, nil
}
