// Package rescore implements Stage B: deterministic intent-aware rescoring
// of the Stage-A shortlist. All adjustments are computed from the session
// context against each candidate's search text; no I/O happens here.
package rescore

import (
	"sort"
	"strings"

	"github.com/caredirect/medrank/pkg/medrank/bm25"
	"github.com/caredirect/medrank/pkg/medrank/config"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
	"github.com/caredirect/medrank/pkg/medrank/session"
	"github.com/caredirect/medrank/pkg/medrank/textproc"
)

// Result is one rescored candidate. Final = (BM25 + Delta) × Multiplier;
// the ordering key depends on the ambiguity policy.
type Result struct {
	Doc        int
	ID         string
	BM25       float64
	Delta      float64
	Multiplier float64
	Final      float64
	Info       map[string]float64
}

// Boost is an optional per-candidate multiplicative adjustment, used by the
// V7 checklist boost. Return 1 for no effect.
type Boost func(p *practitioner.Practitioner) float64

// Rescore applies the Stage-B signals to the Stage-A hits. docFn resolves a
// hit's Doc position to its practitioner.
func Rescore(hits []bm25.Hit, docFn func(int) *practitioner.Practitioner, sc *session.Context, cfg config.Ranking, boost Boost) []Result {
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		p := docFn(h.Doc)
		r := scoreOne(h, p, sc, cfg)
		if boost != nil {
			if m := boost(p); m != 1 {
				r.Multiplier *= m
				r.Info["checklist_boost"] = m
			}
		}
		r.Final = (r.BM25 + r.Delta) * r.Multiplier
		results = append(results, r)
	}
	Order(results, sc.IsQueryAmbiguous() && cfg.ParallelFamily())
	return results
}

func scoreOne(h bm25.Hit, p *practitioner.Practitioner, sc *session.Context, cfg config.Ranking) Result {
	r := Result{
		Doc:        h.Doc,
		ID:         h.ID,
		BM25:       h.Score,
		Multiplier: 1.0,
		Info:       make(map[string]float64),
	}
	text := p.SearchText()

	// anchor phrases, additive up to the cap
	anchorTotal := 0.0
	for _, phrase := range sc.AnchorPhrases {
		if phraseMatches(text, phrase) {
			anchorTotal += cfg.AnchorPerMatch
		}
	}
	if anchorTotal > cfg.AnchorCap {
		anchorTotal = cfg.AnchorCap
	}
	if anchorTotal > 0 {
		r.Delta += anchorTotal
		r.Info["anchors"] = anchorTotal
	}

	// query procedure tokens hitting the candidate's procedure fields
	if procTotal := procedureMatches(p, sc, cfg); procTotal > 0 {
		r.Delta += procTotal
		r.Info["procedures"] = procTotal
	}

	// likely subspecialties, confidence-scaled and capped
	subTotal := 0.0
	for _, sub := range sc.LikelySubspecialties {
		if phraseMatches(text, sub.Name) {
			subTotal += cfg.SubspecialtyFactor * sub.Confidence
		}
	}
	if subTotal > cfg.SubspecialtyCap {
		subTotal = cfg.SubspecialtyCap
	}
	if subTotal > 0 {
		r.Delta += subTotal
		r.Info["subspecialties"] = subTotal
	}

	if cfg.RescoreVariant != config.VariantBase {
		if tierTotal := intentTierMatches(text, sc.IntentTerms, cfg); tierTotal > 0 {
			r.Delta += tierTotal
			r.Info["intent_tiers"] = tierTotal
		}
	}

	if cfg.RescoreVariant == config.VariantParallelV2 {
		if laneTotal := safeLaneBonus(text, sc.SafeLaneTerms, cfg); laneTotal > 0 {
			r.Delta += laneTotal
			r.Info["safe_lane"] = laneTotal
		}
	}

	if mult := negativeMultiplier(text, sc.NegativeTerms, cfg); mult != 1 {
		r.Multiplier *= mult
		r.Info["negative"] = mult
	}

	return r
}

// intentTierMatches weights matches positionally: clinical terms precede
// general ones in intent_terms, so the front of the list is the strongest
// signal.
func intentTierMatches(text string, terms []string, cfg config.Ranking) float64 {
	tierWeight := func(i int) float64 {
		switch i {
		case 0:
			return cfg.HighSignal1
		case 1:
			return cfg.HighSignal2
		case 2:
			return cfg.Pathway1
		case 3:
			return cfg.Pathway2
		default:
			return cfg.Pathway3
		}
	}
	total := 0.0
	for i, term := range terms {
		if phraseMatches(text, term) {
			total += tierWeight(i)
		}
	}
	return total
}

func safeLaneBonus(text string, terms []string, cfg config.Ranking) float64 {
	count := 0
	for _, term := range terms {
		if phraseMatches(text, term) {
			count++
		}
	}
	switch {
	case count >= 3:
		return cfg.SafeLane3OrMore
	case count == 2:
		return cfg.SafeLane2
	case count == 1:
		return cfg.SafeLane1
	}
	return 0
}

func negativeMultiplier(text string, negatives []string, cfg config.Ranking) float64 {
	count := 0
	for _, neg := range negatives {
		if phraseMatches(text, neg) {
			count++
		}
	}
	switch {
	case count >= 4:
		return cfg.NegativeMult4
	case count >= 2:
		return cfg.NegativeMult2
	case count == 1:
		return cfg.NegativeMult1
	}
	return 1
}

func procedureMatches(p *practitioner.Practitioner, sc *session.Context, cfg config.Ranking) float64 {
	queryTokens := textproc.Tokenize(sc.QPatient)
	if len(queryTokens) == 0 {
		return 0
	}
	procText := strings.ToLower(strings.Join(p.ProcedureGroups, " ") + " " + strings.Join(p.ExpertiseProcedures, " "))
	if procText == " " {
		return 0
	}
	total := 0.0
	for _, tok := range queryTokens {
		if strings.Contains(procText, tok) {
			total += cfg.ProcedurePerMatch
		}
	}
	return total
}

func phraseMatches(text, phrase string) bool {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	return phrase != "" && strings.Contains(text, phrase)
}

// Order sorts results in place. When deltaPrimary is set (ambiguous query,
// parallel variant family) the rescoring contribution is the primary key
// and BM25 only breaks ties; otherwise Final decides. Remaining ties fall
// back to the natural index order for determinism.
func Order(results []Result, deltaPrimary bool) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if deltaPrimary {
			da, db := a.Delta*a.Multiplier, b.Delta*b.Multiplier
			if da != db {
				return da > db
			}
			if a.BM25 != b.BM25 {
				return a.BM25 > b.BM25
			}
			return a.Doc < b.Doc
		}
		if a.Final != b.Final {
			return a.Final > b.Final
		}
		return a.Doc < b.Doc
	})
}

// TopM truncates an ordered result list.
func TopM(results []Result, m int) []Result {
	if m > len(results) {
		m = len(results)
	}
	return results[:m]
}
