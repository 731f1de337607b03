// Package script validates annotated script lines and groups them into
// renderable units.
package script

import (
	"fmt"
	"strings"

	"github.com/versofon/verso-core/internal/protocol"
)

// DefaultMaxUnitChars caps how much text a single unit may carry.
const DefaultMaxUnitChars = 500

// Validate checks that every line carries a speaker and text.
func Validate(lines []protocol.Line) error {
	if len(lines) == 0 {
		return fmt.Errorf("script is empty")
	}
	for i, line := range lines {
		if strings.TrimSpace(line.Speaker) == "" {
			return fmt.Errorf("line %d: missing speaker", i)
		}
		if strings.TrimSpace(line.Text) == "" {
			return fmt.Errorf("line %d: missing text", i)
		}
	}
	return nil
}

// isStructural reports whether text is a title, chapter heading or other
// fragment that should keep its own unit. Short text without terminal
// punctuation counts as structural.
func isStructural(text string) bool {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return true
	}
	if len(stripped) < 80 && !strings.ContainsAny(stripped[len(stripped)-1:], ".!?") {
		return true
	}
	return false
}

// Group merges consecutive lines with the same speaker and direction into
// units up to maxChars characters. Structural fragments are never merged
// in either direction. maxChars <= 0 selects DefaultMaxUnitChars.
func Group(lines []protocol.Line, maxChars int) []protocol.Line {
	if len(lines) == 0 {
		return nil
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxUnitChars
	}

	units := make([]protocol.Line, 0, len(lines))
	current := lines[0]

	for _, line := range lines[1:] {
		mergeable := line.Speaker == current.Speaker &&
			line.Direction == current.Direction &&
			!isStructural(current.Text) &&
			!isStructural(line.Text)
		if mergeable {
			combined := current.Text + " " + line.Text
			if len(combined) <= maxChars {
				current.Text = combined
				continue
			}
		}
		units = append(units, current)
		current = line
	}
	units = append(units, current)

	return units
}
