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

// Persistent flag values, bound by the root command.
var flags struct {
	verbose bool
	quiet   bool
	json    bool
	config  string
}

// Build information, set from main via ldflags.
var build = struct {
	version, commit, date string
}{"dev", "unknown", "unknown"}

// RegisterFlagPointers returns the verbose, quiet, json and config flag
// variables for the root command to bind.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &flags.verbose, &flags.quiet, &flags.json, &flags.config
}

// SetVersion sets the build information (called from main)
func SetVersion(v, c, b string) {
	build.version, build.commit, build.date = v, c, b
}

// GetVersion returns version, commit and build date.
func GetVersion() (string, string, string) {
	return build.version, build.commit, build.date
}

func GetVerbose() bool { return flags.verbose }
func GetQuiet() bool   { return flags.quiet }
func GetJSON() bool    { return flags.json }

// GetConfigPath returns the --config value, possibly empty.
func GetConfigPath() string { return flags.config }

// SetConfigPathForTest sets the config path for testing purposes
func SetConfigPathForTest(path string) {
	flags.config = path
}
