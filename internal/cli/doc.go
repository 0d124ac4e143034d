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

/*
Package cli provides the root command for the vgpflow CLI.

It creates the Cobra root, registers the persistent flags shared by every
subcommand, and maps errors to exit codes. Subcommands live under
internal/commands.

# Command Tree

	vgpflow
	├── run       Run or resume the pipeline for a tracking table
	├── status    Show the results of a run
	├── history   List recorded submissions
	└── version   Show version

# Global Flags

	--verbose, -v    Enable debug logging
	--quiet, -q      Only log warnings and errors
	--json           Output in JSON format
	--config         Path to profile file
*/
package cli
