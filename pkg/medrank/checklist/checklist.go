// Package checklist implements the V7 competency checklist: taxonomy
// matching, LLM selection of exact filter values, and the multiplicative
// boost candidates earn for covering the checklist.
package checklist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caredirect/medrank/pkg/medrank/config"
	"github.com/caredirect/medrank/pkg/medrank/lexicon"
	"github.com/caredirect/medrank/pkg/medrank/llm"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
)

const (
	defaultMaxFilterValues = 20
	maxValuesPerEntry      = 30
)

// Checklist is the set of exact taxonomy filter values a practitioner
// should cover for the query.
type Checklist struct {
	FilterValues   []string `json:"filter_values"`
	MatchedEntries []string `json:"matched_taxonomy_entries"`
	Reasoning      string   `json:"reasoning"`
}

// Empty reports whether the checklist carries no filter values.
func (c Checklist) Empty() bool { return len(c.FilterValues) == 0 }

const system = `You build a medical-competency checklist for a patient's request.
You are given taxonomy entries with their exact filter values.
Select only the filter values relevant to the request.
Copy each selected value verbatim: do not rephrase, re-case or invent values.
Respond with a single JSON object, no prose, no markdown fences:
{"filter_values": ["..."], "reasoning": "..."}`

// Generator produces checklists. On any LLM failure the checklist is empty
// and V7 degrades to V6 behavior.
type Generator struct {
	Completer       llm.Completer
	Lexicon         *lexicon.Store
	Logger          *zap.Logger
	MaxFilterValues int
	Timeout         time.Duration
}

func (g *Generator) logger() *zap.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return zap.NewNop()
}

// Generate matches the query against the taxonomy and asks the model to
// pick the relevant filter values. Values not offered verbatim are dropped.
func (g *Generator) Generate(ctx context.Context, query string) Checklist {
	if g.Lexicon == nil {
		return Checklist{}
	}
	entries := g.Lexicon.FindRelevantTaxonomyEntries(query)
	if len(entries) == 0 {
		return Checklist{}
	}
	matched := make([]string, 0, len(entries))
	offered := make(map[string]struct{})
	for _, e := range entries {
		matched = append(matched, e.CanonicalName)
		values := e.FilterValues
		if len(values) > maxValuesPerEntry {
			values = values[:maxValuesPerEntry]
		}
		for _, v := range values {
			offered[v] = struct{}{}
		}
	}
	if g.Completer == nil || len(offered) == 0 {
		return Checklist{MatchedEntries: matched}
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := g.Completer.Chat(callCtx, llm.Request{
		System: system,
		User:   userMessage(query, entries),
	})
	if err != nil {
		g.logger().Warn("checklist generation fell back",
			zap.String("component", "checklist"), zap.Error(err))
		return Checklist{MatchedEntries: matched}
	}
	var resp struct {
		FilterValues []string `json:"filter_values"`
		Reasoning    string   `json:"reasoning"`
	}
	if err := llm.UnmarshalLoose(raw, &resp); err != nil {
		g.logger().Warn("checklist parse fell back",
			zap.String("component", "checklist"), zap.Error(err))
		return Checklist{MatchedEntries: matched}
	}

	maxValues := g.MaxFilterValues
	if maxValues <= 0 {
		maxValues = defaultMaxFilterValues
	}
	seen := make(map[string]struct{})
	var values []string
	for _, v := range resp.FilterValues {
		if _, ok := offered[v]; !ok {
			continue // not verbatim from the taxonomy
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
		if len(values) == maxValues {
			break
		}
	}
	return Checklist{FilterValues: values, MatchedEntries: matched, Reasoning: resp.Reasoning}
}

func userMessage(query string, entries []lexicon.TaxonomyEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patient request: %q\n\nTaxonomy entries:\n", strings.TrimSpace(query))
	for _, e := range entries {
		values := e.FilterValues
		if len(values) > maxValuesPerEntry {
			values = values[:maxValuesPerEntry]
		}
		fmt.Fprintf(&b, "- %s: %s\n", e.CanonicalName, strings.Join(values, " | "))
	}
	return b.String()
}

// HitRatio computes the share of checklist values present in a candidate's
// checklist profile. Candidates without a profile score 0.
func HitRatio(c Checklist, p *practitioner.Practitioner) float64 {
	if c.Empty() || p.ChecklistProfile == nil {
		return 0
	}
	hits := 0
	for _, v := range c.FilterValues {
		if p.ChecklistProfile.HasFilterValue(v) {
			hits++
		}
	}
	return float64(hits) / float64(len(c.FilterValues))
}

// BoostFunc returns the Stage-B multiplier for the checklist: candidates
// whose hit ratio clears the threshold are multiplied by the boost weight.
func BoostFunc(c Checklist, cfg config.Ranking) func(p *practitioner.Practitioner) float64 {
	if c.Empty() {
		return nil
	}
	return func(p *practitioner.Practitioner) float64 {
		if HitRatio(c, p) >= cfg.ChecklistMatchThreshold {
			return cfg.ChecklistBoostWeight
		}
		return 1
	}
}
