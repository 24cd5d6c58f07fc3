// Package gcode renders the recovery G-code sent when filament runs out.
// Lines may use pongo2 (Jinja-style) expressions such as
// {{ episode }} or {% if pause %}...{% endif %}.
package gcode

import (
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v5"
)

// Renderer compiles recovery scripts.
type Renderer struct {
	set *pongo2.TemplateSet
}

// NewRenderer creates a renderer with its own template set.
func NewRenderer() *Renderer {
	return &Renderer{set: pongo2.NewSet("gcode", pongo2.DefaultLoader)}
}

// Script is a compiled recovery sequence.
type Script struct {
	tpl   *pongo2.Template
	lines []string
}

// Compile parses lines as one template. Compile errors are reported at
// configuration time so a bad template never reaches the printer.
func (r *Renderer) Compile(lines []string) (*Script, error) {
	lines = Clean(lines)
	if len(lines) == 0 {
		return &Script{}, nil
	}
	tpl, err := r.set.FromString(strings.Join(lines, "\n"))
	if err != nil {
		return nil, fmt.Errorf("compile recovery gcode: %w", err)
	}
	return &Script{tpl: tpl, lines: lines}, nil
}

// Empty reports whether the script has no lines.
func (s *Script) Empty() bool {
	return s == nil || len(s.lines) == 0
}

// Source returns the uncompiled lines.
func (s *Script) Source() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.lines...)
}

// Render executes the script with vars and returns the non-empty output
// lines in order.
func (s *Script) Render(vars map[string]any) ([]string, error) {
	if s.Empty() {
		return nil, nil
	}
	out, err := s.tpl.Execute(pongo2.Context(vars))
	if err != nil {
		return nil, fmt.Errorf("render recovery gcode: %w", err)
	}
	return SplitLines(out), nil
}

// SplitLines splits a newline-separated block into trimmed, non-empty lines.
func SplitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Clean trims each line and drops blanks.
func Clean(lines []string) []string {
	return SplitLines(strings.Join(lines, "\n"))
}
