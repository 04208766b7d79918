package ammo

import "time"

// Category is the fixed taxonomy for extracted quotes, extensible with
// tenant-defined custom category ids.
type Category string

const (
	CategoryEmotional        Category = "emotional"
	CategoryUrgency          Category = "urgency"
	CategoryBudget           Category = "budget"
	CategoryCommitment       Category = "commitment"
	CategoryObjectionPreview Category = "objection-preview"
	CategoryPainPoint        Category = "pain-point"
)

var baseCategories = map[Category]bool{
	CategoryEmotional:        true,
	CategoryUrgency:          true,
	CategoryBudget:           true,
	CategoryCommitment:       true,
	CategoryObjectionPreview: true,
	CategoryPainPoint:        true,
}

// Item is one scored quote. Immutable once created; a re-mention of the
// same topic yields a new item with a higher repetition count, never an
// edit of an old one.
type Item struct {
	Quote          string        `json:"quote"`
	Category       Category      `json:"category"`
	Score          int           `json:"score"`
	Repetitions    int           `json:"repetitions"`
	HeavyHitter    bool          `json:"heavy_hitter"`
	SuggestedUsage string        `json:"suggested_usage,omitempty"`
	CallOffset     time.Duration `json:"call_offset,omitempty"`
}

// Policy is the optional tenant-supplied extraction configuration: the
// business's offer, a custom category taxonomy with keyword hints, and
// whether to prefer tenant-specific prompts over the generic one.
type Policy struct {
	Offer              string           `json:"offer"`
	Categories         []CustomCategory `json:"categories"`
	PreferTenantPrompt bool             `json:"prefer_tenant_prompt"`
}

type CustomCategory struct {
	ID    string   `json:"id"`
	Hints []string `json:"hints"`
}

func (p *Policy) knownCategory(c Category) bool {
	if p == nil {
		return false
	}
	for _, custom := range p.Categories {
		if Category(custom.ID) == c {
			return true
		}
	}
	return false
}

const (
	baseScore          = 20
	repetitionBoost    = 30
	emotionalBoost     = 25
	specificityBoost   = 15
	offerRelevantBoost = 10

	maxScore = 100

	// HeavyHitterThreshold marks quotes worth surfacing prominently.
	HeavyHitterThreshold = 50
)

// Score derives an item's score from its four signals. Never hand-assigned
// anywhere else; keeping the formula in one place keeps behavior
// explainable independent of whatever prose the capability returns.
func Score(repetitions int, emotional, specific, offerRelevant bool) int {
	s := baseScore
	if repetitions >= 2 {
		s += repetitionBoost
	}
	if emotional {
		s += emotionalBoost
	}
	if specific {
		s += specificityBoost
	}
	if offerRelevant {
		s += offerRelevantBoost
	}
	if s > maxScore {
		s = maxScore
	}
	return s
}
