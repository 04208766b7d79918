package ammo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Capability is a language model that can run one extraction request and
// return raw structured text. Implementations are constructed at process
// start and injected; nothing in this package reaches for global clients.
type Capability interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Engine turns prospect transcript text into scored Items. One engine per
// process; all per-call state lives in the Tracker the caller passes in.
type Engine struct {
	capability Capability
	logger     *log.Logger
}

func NewEngine(capability Capability, logger *log.Logger) *Engine {
	return &Engine{capability: capability, logger: logger}
}

// candidate is the shape the capability is asked to emit, one element of a
// JSON array. Anything that fails to decode into this is discarded.
type candidate struct {
	Quote          string   `json:"quote"`
	Category       string   `json:"category"`
	Keywords       []string `json:"keywords"`
	Emotional      bool     `json:"emotional"`
	Specific       bool     `json:"specific"`
	OfferRelevant  bool     `json:"offer_relevant"`
	SuggestedUsage string   `json:"suggested_usage"`
}

// Extract runs one extraction cycle over text spoken by the prospect.
// Failures are soft: a capability error or malformed response yields zero
// items and an informational error, and leaves the tracker untouched. The
// caller must only ever pass non-local-party text.
func (e *Engine) Extract(
	ctx context.Context,
	text string,
	tracker *Tracker,
	policy *Policy,
	callOffset time.Duration,
) ([]Item, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	raw, err := e.capability.Complete(ctx, systemPrompt(policy), text)
	if err != nil {
		e.logger.Error("extraction call failed", "error", err)
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	candidates, err := parseCandidates(raw)
	if err != nil {
		e.logger.Warn("discarding malformed extraction response", "error", err)
		return nil, fmt.Errorf("malformed extraction response: %w", err)
	}

	items := make([]Item, 0, len(candidates))
	for _, c := range candidates {
		quote := strings.TrimSpace(c.Quote)
		category := Category(strings.ToLower(strings.TrimSpace(c.Category)))
		if quote == "" {
			continue
		}
		if !baseCategories[category] && !policy.knownCategory(category) {
			e.logger.Debug("dropping unrecognized category", "category", category)
			continue
		}

		repetitions := tracker.Bump(c.Keywords)
		offerRelevant := policy != nil && c.OfferRelevant
		score := Score(repetitions, c.Emotional, c.Specific, offerRelevant)

		usage := strings.TrimSpace(c.SuggestedUsage)
		if usage == "" {
			usage = fallbackUsage(category, quote)
		}

		items = append(items, Item{
			Quote:          quote,
			Category:       category,
			Score:          score,
			Repetitions:    repetitions,
			HeavyHitter:    score >= HeavyHitterThreshold,
			SuggestedUsage: usage,
			CallOffset:     callOffset,
		})
	}

	e.logger.Info("extracted", "candidates", len(candidates), "kept", len(items))
	return items, nil
}

// parseCandidates decodes the capability's response strictly at the
// boundary so downstream code never touches loose data. The model is asked
// for a bare JSON array but some providers wrap it in an object or a
// markdown fence.
func parseCandidates(raw string) ([]candidate, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var candidates []candidate
	if err := json.Unmarshal([]byte(raw), &candidates); err == nil {
		return candidates, nil
	}

	var wrapped struct {
		Items []candidate `json:"items"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return nil, fmt.Errorf("response is neither an array nor an items object: %w", err)
	}
	return wrapped.Items, nil
}

func systemPrompt(policy *Policy) string {
	var sb strings.Builder
	sb.WriteString(`You analyze what a sales prospect said on a live call. Extract verbatim quotes that a seller could reference later ("ammo").

Return ONLY a JSON array. Each element:
{"quote": "<verbatim words>", "category": "<category>", "keywords": ["<topic keyword>", ...], "emotional": <bool>, "specific": <bool>, "offer_relevant": <bool>, "suggested_usage": "<one short sentence or empty>"}

Base categories: emotional, urgency, budget, commitment, objection-preview, pain-point.
"emotional" is true when the quote carries real emotional intensity.
"specific" is true when the quote contains concrete numbers, dates, or names.
`)

	if policy != nil {
		if policy.Offer != "" {
			sb.WriteString("\nThe seller's offer: ")
			sb.WriteString(policy.Offer)
			sb.WriteString("\nSet \"offer_relevant\" true when the quote bears directly on that offer.\n")
		}
		if len(policy.Categories) > 0 {
			sb.WriteString("\nAlso recognize these tenant categories:\n")
			for _, c := range policy.Categories {
				sb.WriteString("- ")
				sb.WriteString(c.ID)
				if len(c.Hints) > 0 {
					sb.WriteString(" (hints: ")
					sb.WriteString(strings.Join(c.Hints, ", "))
					sb.WriteString(")")
				}
				sb.WriteString("\n")
			}
		}
	} else {
		sb.WriteString("\nThere is no offer context; always set \"offer_relevant\" false.\n")
	}

	sb.WriteString("\nIf nothing qualifies, return [].")
	return sb.String()
}

const usageQuoteLimit = 50

func fallbackUsage(category Category, quote string) string {
	if runes := []rune(quote); len(runes) > usageQuoteLimit {
		quote = string(runes[:usageQuoteLimit]) + "…"
	}

	switch category {
	case CategoryBudget, CategoryUrgency:
		return fmt.Sprintf("Bring back \"%s\" to justify the investment.", quote)
	case CategoryEmotional, CategoryPainPoint:
		return fmt.Sprintf("Bring back \"%s\" to anchor their emotion.", quote)
	case CategoryCommitment:
		return fmt.Sprintf("Remind them they said \"%s\" when asking for the close.", quote)
	case CategoryObjectionPreview:
		return fmt.Sprintf("Address \"%s\" before they raise it themselves.", quote)
	default:
		return fmt.Sprintf("Reference \"%s\" at the right moment.", quote)
	}
}
