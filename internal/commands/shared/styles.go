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
	"github.com/charmbracelet/lipgloss"
)

// Terminal styles. lipgloss drops the colours when output is not a
// terminal.
var (
	StatusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	StatusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	Muted       = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	Header      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
	SymbolInfo  = "•"
)

func RenderOK(msg string) string    { return StatusOK.Render(SymbolOK) + " " + msg }
func RenderWarn(msg string) string  { return StatusWarn.Render(SymbolWarn) + " " + msg }
func RenderError(msg string) string { return StatusError.Render(SymbolError) + " " + msg }
func RenderInfo(msg string) string  { return Muted.Render(SymbolInfo) + " " + msg }

// RenderLabel renders secondary text such as file paths and stage lists.
func RenderLabel(label string) string {
	return Muted.Render(label)
}
