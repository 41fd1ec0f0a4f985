package triage

import (
	"fmt"
	"strings"
	"testing"
)

type stubFilter struct{}

func (stubFilter) FilterFor(id, _ string) string { return "native:" + id }

func testGroup() TemplateGroup {
	return TemplateGroup{
		TemplateID: "T1",
		Count:      37,
		Sample: []ErrorEvent{
			{TemplateID: "T1", Tokens: []MessageToken{{Text: "Order "}, {Text: "{OrderId}", PropertyName: "OrderId"}, {Text: " failed"}}},
			{TemplateID: "T1", Tokens: []MessageToken{{Text: "Order "}, {Text: "{OrderId}", PropertyName: "OrderId"}, {Text: " failed"}}, Exception: "NullReferenceException\n   at Orders.Load()"},
		},
	}
}

func TestSuggestedAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		c    Classification
		want string
	}{
		{Bug, ActionFixBug},
		{ExternalNoise, ActionReduceLogging},
		{Transient, ActionNone},
		{Classification("Other"), ActionReview},
	}
	for _, tt := range tests {
		if got := SuggestedAction(tt.c); got != tt.want {
			t.Errorf("SuggestedAction(%s) = %q, want %q", tt.c, got, tt.want)
		}
	}
}

func TestComposer_ExtrapolatedRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		window, ref   int
		count, wanted int
	}{
		{"same window", 12, 12, 37, 37},
		{"scale up", 6, 24, 10, 40},
		{"rounds half up", 8, 12, 5, 8},
		{"rounds down", 7, 12, 3, 5},
		{"zero window", 0, 12, 7, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Composer{WindowHours: tt.window, ReferenceWindowHours: tt.ref}
			if got := c.ExtrapolatedRate(tt.count); got != tt.wanted {
				t.Errorf("ExtrapolatedRate(%d) = %d, want %d", tt.count, got, tt.wanted)
			}
		})
	}
}

func TestComposer_Compose(t *testing.T) {
	t.Parallel()

	c := Composer{WindowHours: 12, ReferenceWindowHours: 24}
	d := c.Compose(testGroup(), Bug)

	if d.TemplateID != "T1" || d.Count != 37 || d.Classification != Bug {
		t.Errorf("draft = %+v", d)
	}
	if d.MessageTemplate != "Order {OrderId} failed" {
		t.Errorf("MessageTemplate = %q", d.MessageTemplate)
	}
	if d.SuggestedAction != ActionFixBug {
		t.Errorf("SuggestedAction = %q", d.SuggestedAction)
	}
	for _, want := range []string{
		"Order {OrderId} failed",
		"Occurrences: 37 in the last 12h (~74 per 24h)",
		"Classification: Bug",
		"@MessageTemplate like '%Order {OrderId} failed%'",
		"Sample exception:\nNullReferenceException",
	} {
		if !strings.Contains(d.Body, want) {
			t.Errorf("body missing %q:\n%s", want, d.Body)
		}
	}
}

func TestComposer_IsPure(t *testing.T) {
	t.Parallel()

	c := Composer{WindowHours: 12, ReferenceWindowHours: 12}
	g := testGroup()
	a := c.Compose(g, ExternalNoise)
	b := c.Compose(g, ExternalNoise)
	if a != b {
		t.Errorf("Compose not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestComposer_UsesNativeFilter(t *testing.T) {
	t.Parallel()

	c := Composer{WindowHours: 12, ReferenceWindowHours: 12, Filter: stubFilter{}}
	d := c.Compose(testGroup(), Bug)
	if !strings.Contains(d.Body, "native:T1") {
		t.Errorf("body missing native filter:\n%s", d.Body)
	}
	if strings.Contains(d.Body, "@MessageTemplate like") {
		t.Error("substring fallback used despite native filter")
	}
}

func TestComposer_TruncatesException(t *testing.T) {
	t.Parallel()

	var lines []string
	for i := range 30 {
		lines = append(lines, fmt.Sprintf("   at Frame%d()", i))
	}
	g := TemplateGroup{
		TemplateID: "T",
		Count:      1,
		Sample:     []ErrorEvent{{TemplateID: "T", Tokens: []MessageToken{{Text: "x"}}, Exception: strings.Join(lines, "\n")}},
	}
	d := Composer{WindowHours: 1, ReferenceWindowHours: 1}.Compose(g, Bug)

	if !strings.Contains(d.Body, "Frame19()") {
		t.Error("expected 20th frame in body")
	}
	if strings.Contains(d.Body, "Frame20()") {
		t.Error("expected frames beyond 20 to be cut")
	}
	if !strings.HasSuffix(strings.TrimRight(d.Body, "\n"), "...") {
		t.Error("expected truncation marker")
	}
}

func TestSubstringFilter_EscapesQuotes(t *testing.T) {
	t.Parallel()

	got := SubstringFilter{}.FilterFor("id", "User '{Name}' missing")
	want := "@MessageTemplate like '%User ''{Name}'' missing%'"
	if got != want {
		t.Errorf("FilterFor = %q, want %q", got, want)
	}
}
