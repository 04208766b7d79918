package ammo

import (
	"context"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/charmbracelet/log"
)

type fakeCapability struct {
	response string
	err      error
	lastSys  string
	lastUser string
	calls    int
}

func (f *fakeCapability) Complete(
	_ context.Context,
	system, user string,
) (string, error) {
	f.calls++
	f.lastSys = system
	f.lastUser = user
	return f.response, f.err
}

func testEngine(cap Capability) *Engine {
	return NewEngine(cap, log.New(io.Discard))
}

func TestScoreFormula(t *testing.T) {
	cases := []struct {
		name          string
		reps          int
		emotional     bool
		specific      bool
		offerRelevant bool
		want          int
	}{
		{"base only", 1, false, false, false, 20},
		{"repetition", 2, false, false, false, 50},
		{"emotional", 1, true, false, false, 45},
		{"specific", 1, false, true, false, 35},
		{"offer relevant", 1, false, false, true, 30},
		{"everything caps at 100", 3, true, true, true, 100},
		{"repetition adds exactly 30", 2, true, true, false, 90},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Score(c.reps, c.emotional, c.specific, c.offerRelevant)
			if got != c.want {
				t.Errorf("Score = %d, want %d", got, c.want)
			}
			if got < 20 || got > 100 {
				t.Errorf("Score %d out of [20,100]", got)
			}
		})
	}
}

func TestTrackerMaxNotSum(t *testing.T) {
	tr := NewTracker()

	if got := tr.Bump([]string{"price", "timeline"}); got != 1 {
		t.Errorf("first mention = %d, want 1", got)
	}
	// Both keywords already seen once; max is 2, not 4.
	if got := tr.Bump([]string{"Price ", "TIMELINE"}); got != 2 {
		t.Errorf("second mention = %d, want 2", got)
	}
	// A fresh keyword alongside a seen one still reports the max.
	if got := tr.Bump([]string{"price", "onboarding"}); got != 3 {
		t.Errorf("mixed mention = %d, want 3", got)
	}
	if got := tr.Bump(nil); got != 1 {
		t.Errorf("no keywords = %d, want 1", got)
	}
}

func TestExtractRepetitionBoostAcrossCycles(t *testing.T) {
	cap := &fakeCapability{
		response: `[{"quote":"we keep blowing the budget","category":"budget","keywords":["budget"],"emotional":false,"specific":false,"offer_relevant":false}]`,
	}
	engine := testEngine(cap)
	tracker := NewTracker()

	first, _ := engine.Extract(context.Background(), "cycle one", tracker, nil, 0)
	second, _ := engine.Extract(context.Background(), "cycle two", tracker, nil, 0)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("items per cycle = %d, %d, want 1, 1", len(first), len(second))
	}
	if first[0].Repetitions != 1 || second[0].Repetitions < 2 {
		t.Errorf("repetitions = %d then %d, want 1 then >= 2",
			first[0].Repetitions, second[0].Repetitions)
	}
	if second[0].Score-first[0].Score != 30 {
		t.Errorf("repetition boost = %d, want exactly 30",
			second[0].Score-first[0].Score)
	}
	if !second[0].HeavyHitter {
		t.Error("repeated budget quote should be a heavy hitter")
	}
}

func TestExtractBudgetAndUrgencyScenario(t *testing.T) {
	// Prospect line from a call: concrete figure plus a deadline.
	cap := &fakeCapability{
		response: `[
			{"quote":"I'm losing ten thousand dollars a month","category":"budget","keywords":["losing money"],"emotional":true,"specific":true,"offer_relevant":false},
			{"quote":"I need this fixed before January","category":"urgency","keywords":["deadline"],"emotional":true,"specific":true,"offer_relevant":false}
		]`,
	}
	engine := testEngine(cap)

	items, err := engine.Extract(
		context.Background(),
		"I'm losing ten thousand dollars a month and I need this fixed before January",
		NewTracker(),
		nil,
		0,
	)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	var budget, urgency *Item
	for i := range items {
		switch items[i].Category {
		case CategoryBudget:
			budget = &items[i]
		case CategoryUrgency:
			urgency = &items[i]
		}
	}
	if budget == nil || urgency == nil {
		t.Fatalf("want budget and urgency items, got %+v", items)
	}
	if budget.Score < 45 {
		t.Errorf("budget score = %d, want >= 45", budget.Score)
	}
	if urgency.Score < 45 {
		t.Errorf("urgency score = %d, want >= 45", urgency.Score)
	}
}

func TestExtractDiscardsBadCandidates(t *testing.T) {
	cap := &fakeCapability{
		response: `[
			{"quote":"","category":"budget","keywords":["x"]},
			{"quote":"something","category":"astrology","keywords":["x"]},
			{"quote":"keep me","category":"pain-point","keywords":["churn"]}
		]`,
	}
	items, _ := testEngine(cap).Extract(
		context.Background(), "text", NewTracker(), nil, 0)

	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].Quote != "keep me" {
		t.Errorf("kept quote = %q", items[0].Quote)
	}
}

func TestExtractCustomCategoryNeedsPolicy(t *testing.T) {
	cap := &fakeCapability{
		response: `[{"quote":"we tried a competitor","category":"competitor","keywords":["competitor"],"offer_relevant":true}]`,
	}
	engine := testEngine(cap)

	if items, _ := engine.Extract(context.Background(), "t", NewTracker(), nil, 0); len(items) != 0 {
		t.Errorf("custom category without policy: %d items, want 0", len(items))
	}

	policy := &Policy{
		Offer:      "call intelligence software",
		Categories: []CustomCategory{{ID: "competitor", Hints: []string{"rival"}}},
	}
	items, _ := engine.Extract(context.Background(), "t", NewTracker(), policy, 0)
	if len(items) != 1 {
		t.Fatalf("custom category with policy: %d items, want 1", len(items))
	}
	// offer_relevant is only meaningful when a policy exists: 20 + 10.
	if items[0].Score != 30 {
		t.Errorf("score = %d, want 30", items[0].Score)
	}
}

func TestExtractMalformedResponseYieldsZeroItems(t *testing.T) {
	cap := &fakeCapability{response: `I could not find any quotes, sorry!`}
	engine := testEngine(cap)
	tracker := NewTracker()

	items, err := engine.Extract(context.Background(), "t", tracker, nil, 0)
	if err == nil {
		t.Error("expected an informational error for malformed response")
	}
	if len(items) != 0 {
		t.Errorf("malformed response produced %d items", len(items))
	}

	// the next cycle is unaffected
	cap.response = `[{"quote":"ok","category":"commitment","keywords":["ok"]}]`
	if items, err := engine.Extract(context.Background(), "t", tracker, nil, 0); err != nil || len(items) != 1 {
		t.Errorf("recovery cycle = %d items (err %v), want 1", len(items), err)
	}
}

func TestParseCandidatesAcceptsWrappedForms(t *testing.T) {
	fenced := "```json\n[{\"quote\":\"a\",\"category\":\"budget\"}]\n```"
	if got, err := parseCandidates(fenced); err != nil || len(got) != 1 {
		t.Errorf("fenced: %v, %d", err, len(got))
	}

	wrapped := `{"items":[{"quote":"a","category":"budget"}]}`
	if got, err := parseCandidates(wrapped); err != nil || len(got) != 1 {
		t.Errorf("wrapped: %v, %d", err, len(got))
	}

	if _, err := parseCandidates("not json"); err == nil {
		t.Error("expected parse error")
	}
}

func TestExtractFallbackUsageQuotesText(t *testing.T) {
	long := strings.Repeat("budget pressure every single quarter ", 4)
	cap := &fakeCapability{
		response: `[{"quote":"` + long + `","category":"budget","keywords":["budget"]}]`,
	}
	items, _ := testEngine(cap).Extract(
		context.Background(), "t", NewTracker(), nil, 0)

	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	usage := items[0].SuggestedUsage
	if !strings.Contains(usage, "justify the investment") {
		t.Errorf("usage template mismatch: %q", usage)
	}
	if !strings.Contains(usage, long[:usageQuoteLimit]) {
		t.Errorf("usage should quote the first %d chars: %q", usageQuoteLimit, usage)
	}
}

func TestFallbackUsageTruncatesOnRuneBoundary(t *testing.T) {
	quote := strings.Repeat("a", usageQuoteLimit-1) + "é plus trailing words"
	usage := fallbackUsage(CategoryBudget, quote)

	if !utf8.ValidString(usage) {
		t.Fatalf("usage is not valid UTF-8: %q", usage)
	}
	if !strings.Contains(usage, "é…") {
		t.Errorf("usage should keep the boundary rune intact: %q", usage)
	}
}

func TestExtractPolicyShapesPrompt(t *testing.T) {
	cap := &fakeCapability{response: `[]`}
	engine := testEngine(cap)

	policy := &Policy{
		Offer:      "a sales coaching platform",
		Categories: []CustomCategory{{ID: "competitor"}},
	}
	engine.Extract(context.Background(), "hello", NewTracker(), policy, 0)

	if !strings.Contains(cap.lastSys, "a sales coaching platform") {
		t.Error("prompt missing offer context")
	}
	if !strings.Contains(cap.lastSys, "competitor") {
		t.Error("prompt missing tenant category")
	}
	if cap.lastUser != "hello" {
		t.Errorf("user text = %q", cap.lastUser)
	}
}
