// Package ideal implements the V5 pipeline's structured ideal-profile
// extraction and the deterministic match score it yields per candidate.
package ideal

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caredirect/medrank/pkg/medrank/llm"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
)

// Importance levels for profile entries.
const (
	ImportanceRequired  = "required"
	ImportancePreferred = "preferred"
	ImportanceOptional  = "optional"
)

// Entry is one desired attribute of the ideal practitioner.
type Entry struct {
	Name       string  `json:"name"`
	Importance string  `json:"importance"`
	Confidence float64 `json:"confidence"`
}

// Profile is the structured picture of the practitioner the query is
// looking for.
type Profile struct {
	Subspecialties         []Entry  `json:"subspecialties"`
	Procedures             []Entry  `json:"procedures"`
	Conditions             []Entry  `json:"conditions"`
	ClinicalExpertiseAreas []string `json:"clinical_expertise_areas"`
	DescriptionKeywords    []string `json:"description_keywords"`
	AvoidSubspecialties    []string `json:"avoid_subspecialties"`
	AvoidProcedures        []string `json:"avoid_procedures"`
}

// Empty reports whether the profile carries no signal at all.
func (p Profile) Empty() bool {
	return len(p.Subspecialties)+len(p.Procedures)+len(p.Conditions)+
		len(p.ClinicalExpertiseAreas)+len(p.DescriptionKeywords) == 0
}

const system = `You describe the ideal practitioner for a patient's request.
Respond with a single JSON object, no prose, no markdown fences:
{
  "subspecialties": [{"name": "...", "importance": "required"|"preferred"|"optional", "confidence": 0.0-1.0}],
  "procedures": [{"name": "...", "importance": "...", "confidence": 0.0-1.0}],
  "conditions": [{"name": "...", "importance": "...", "confidence": 0.0-1.0}],
  "clinical_expertise_areas": ["..."],
  "description_keywords": ["..."],
  "avoid_subspecialties": ["..."],
  "avoid_procedures": ["..."]
}
Mark an attribute "required" only when the request cannot be served without it.`

// Extractor asks the model for an ideal profile. On any failure it returns
// an empty profile; V5 then degrades to plain V2 ordering.
type Extractor struct {
	Completer llm.Completer
	Logger    *zap.Logger
	Timeout   time.Duration
}

// Extract builds the ideal profile for a query.
func (e *Extractor) Extract(ctx context.Context, query string) Profile {
	if e.Completer == nil {
		return Profile{}
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := e.Completer.Chat(callCtx, llm.Request{System: system, User: "Query: " + strings.TrimSpace(query)})
	if err != nil {
		e.logger().Warn("ideal profile extraction fell back",
			zap.String("component", "ideal"), zap.Error(err))
		return Profile{}
	}
	var p Profile
	if err := llm.UnmarshalLoose(raw, &p); err != nil {
		e.logger().Warn("ideal profile parse fell back",
			zap.String("component", "ideal"), zap.Error(err))
		return Profile{}
	}
	return p
}

func (e *Extractor) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func importanceWeight(importance string) float64 {
	switch strings.ToLower(importance) {
	case ImportanceRequired:
		return 1.0
	case ImportancePreferred:
		return 0.6
	default:
		return 0.3
	}
}

// Score computes the deterministic ideal-profile match for one candidate:
// matched entries add importance × confidence, a missing required entry
// halves the score once, each matched avoid entry multiplies by 0.6 (at
// most twice), and expertise areas and description keywords add 0.1 each.
func Score(profile Profile, p *practitioner.Practitioner) float64 {
	if profile.Empty() {
		return 0
	}
	text := p.SearchText()

	score := 0.0
	missedRequired := false
	scoreEntries := func(entries []Entry) {
		for _, e := range entries {
			if phraseIn(text, e.Name) {
				score += importanceWeight(e.Importance) * clamp01(e.Confidence)
			} else if strings.EqualFold(e.Importance, ImportanceRequired) {
				missedRequired = true
			}
		}
	}
	scoreEntries(profile.Subspecialties)
	scoreEntries(profile.Procedures)
	scoreEntries(profile.Conditions)

	for _, area := range profile.ClinicalExpertiseAreas {
		if phraseIn(text, area) {
			score += 0.1
		}
	}
	for _, kw := range profile.DescriptionKeywords {
		if phraseIn(text, kw) {
			score += 0.1
		}
	}

	if missedRequired {
		score *= 0.5
	}

	avoided := 0
	for _, avoid := range append(append([]string{}, profile.AvoidSubspecialties...), profile.AvoidProcedures...) {
		if avoided == 2 {
			break
		}
		if phraseIn(text, avoid) {
			score *= 0.6
			avoided++
		}
	}
	return score
}

func phraseIn(text, phrase string) bool {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	return phrase != "" && strings.Contains(text, phrase)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
