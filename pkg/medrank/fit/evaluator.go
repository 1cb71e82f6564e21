// Package fit classifies candidate practitioners against a query into
// excellent / good / ill-fit via one LLM call per batch.
package fit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caredirect/medrank/pkg/medrank/llm"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
)

// Category is a fit classification.
type Category string

const (
	Excellent Category = "excellent"
	Good      Category = "good"
	IllFit    Category = "ill-fit"
)

// ParseCategory coerces model output to a known category. Unknown strings
// default to good rather than failing the batch.
func ParseCategory(s string) Category {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "excellent":
		return Excellent
	case "ill-fit", "ill_fit", "illfit", "poor":
		return IllFit
	case "good", "fair":
		return Good
	}
	return Good
}

// Rank orders categories for the final grouping: excellent first.
func (c Category) Rank() int {
	switch c {
	case Excellent:
		return 0
	case Good:
		return 1
	default:
		return 2
	}
}

// Evaluation is the verdict for one candidate.
type Evaluation struct {
	Category Category `json:"fit_category"`
	Reason   string   `json:"brief_reason"`
}

const defaultDescLimit = 350

const system = `You assess how well each practitioner fits a patient's request.
For every practitioner in the list, classify the fit as exactly one of "excellent", "good" or "ill-fit" and give a one-sentence reason.
Echo each practitioner's id unchanged.
Respond with a single JSON object, no prose, no markdown fences:
{
  "overall_reason": "...",
  "per_doctor": [
    {"practitioner_id": "...", "practitioner_name": "...", "fit_category": "excellent"|"good"|"ill-fit", "brief_reason": "..."}
  ]
}
Return the practitioners in the order given.`

// Evaluator runs one classification call per candidate batch.
type Evaluator struct {
	Completer llm.Completer
	Logger    *zap.Logger
	DescLimit int
	Timeout   time.Duration
}

type perDoctor struct {
	PractitionerID   string `json:"practitioner_id"`
	PractitionerName string `json:"practitioner_name"`
	FitCategory      string `json:"fit_category"`
	BriefReason      string `json:"brief_reason"`
	// legacy shape: a bare boolean instead of the category string
	ExcellentFit *bool `json:"excellent_fit,omitempty"`
}

type response struct {
	OverallReason string      `json:"overall_reason"`
	PerDoctor     []perDoctor `json:"per_doctor"`
}

// Evaluate classifies a batch of candidates. Mapping back to candidates
// tries the echoed id first, then case-insensitive name equality; unmatched
// candidates are absent from the returned map.
func (e *Evaluator) Evaluate(ctx context.Context, query string, cands []*practitioner.Practitioner) (map[string]Evaluation, error) {
	if e.Completer == nil {
		return nil, fmt.Errorf("fit: no completer configured")
	}
	if len(cands) == 0 {
		return map[string]Evaluation{}, nil
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := e.Completer.Chat(callCtx, llm.Request{
		System: system,
		User:   e.userMessage(query, cands),
	})
	if err != nil {
		return nil, fmt.Errorf("fit evaluation: %w", err)
	}
	var resp response
	if err := llm.UnmarshalLoose(raw, &resp); err != nil {
		return nil, fmt.Errorf("fit evaluation: %w", err)
	}
	return mapVerdicts(resp, cands), nil
}

func (e *Evaluator) userMessage(query string, cands []*practitioner.Practitioner) string {
	limit := e.DescLimit
	if limit <= 0 {
		limit = defaultDescLimit
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Patient request: %q\n\nCandidates:\n", strings.TrimSpace(query))
	for i, p := range cands {
		fmt.Fprintf(&b, "%d. %s\n", i+1, Card(p, limit))
	}
	return b.String()
}

func mapVerdicts(resp response, cands []*practitioner.Practitioner) map[string]Evaluation {
	byID := make(map[string]*practitioner.Practitioner, len(cands))
	byName := make(map[string]*practitioner.Practitioner, len(cands))
	for _, p := range cands {
		byID[p.ID] = p
		byName[strings.ToLower(strings.TrimSpace(p.Name))] = p
	}

	out := make(map[string]Evaluation, len(resp.PerDoctor))
	for _, d := range resp.PerDoctor {
		target, ok := byID[strings.TrimSpace(d.PractitionerID)]
		if !ok {
			target, ok = byName[strings.ToLower(strings.TrimSpace(d.PractitionerName))]
		}
		if !ok {
			continue
		}
		category := ParseCategory(d.FitCategory)
		if d.FitCategory == "" && d.ExcellentFit != nil {
			if *d.ExcellentFit {
				category = Excellent
			} else {
				category = IllFit
			}
		}
		out[target.ID] = Evaluation{Category: category, Reason: strings.TrimSpace(d.BriefReason)}
	}
	return out
}
