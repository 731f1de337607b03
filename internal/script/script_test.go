package script

import (
	"strings"
	"testing"

	"github.com/versofon/verso-core/internal/protocol"
)

func TestValidateRejectsMissingFields(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Fatal("expected error for empty script")
	}
	if err := Validate([]protocol.Line{{Speaker: "", Text: "hello."}}); err == nil {
		t.Fatal("expected error for missing speaker")
	}
	if err := Validate([]protocol.Line{{Speaker: "narrator", Text: "  "}}); err == nil {
		t.Fatal("expected error for missing text")
	}
	if err := Validate([]protocol.Line{{Speaker: "narrator", Text: "hello."}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGroupMergesConsecutiveSameSpeaker(t *testing.T) {
	long := strings.Repeat("word ", 20) + "end."
	lines := []protocol.Line{
		{Speaker: "narrator", Text: long},
		{Speaker: "narrator", Text: long},
		{Speaker: "alice", Text: long},
	}
	units := Group(lines, 500)
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if units[0].Text != long+" "+long {
		t.Fatalf("expected merged text, got %q", units[0].Text)
	}
	if units[1].Speaker != "alice" {
		t.Fatalf("expected speaker boundary, got %q", units[1].Speaker)
	}
}

func TestGroupRespectsMaxChars(t *testing.T) {
	long := strings.Repeat("a", 90) + "."
	lines := []protocol.Line{
		{Speaker: "narrator", Text: long},
		{Speaker: "narrator", Text: long},
	}
	units := Group(lines, 100)
	if len(units) != 2 {
		t.Fatalf("expected split at max chars, got %d units", len(units))
	}
}

func TestGroupKeepsStructuralFragmentsApart(t *testing.T) {
	lines := []protocol.Line{
		{Speaker: "narrator", Text: "Chapter One"},
		{Speaker: "narrator", Text: "It was a dark and stormy night, and the rain fell in torrents across the moor."},
	}
	units := Group(lines, 500)
	if len(units) != 2 {
		t.Fatalf("expected heading kept separate, got %d units", len(units))
	}
}

func TestGroupSplitsOnDirectionChange(t *testing.T) {
	sentence := "The travellers pressed on through the valley until the light began to fail them."
	lines := []protocol.Line{
		{Speaker: "narrator", Text: sentence, Direction: "calm"},
		{Speaker: "narrator", Text: sentence, Direction: "urgent"},
	}
	units := Group(lines, 500)
	if len(units) != 2 {
		t.Fatalf("expected direction boundary, got %d units", len(units))
	}
}
