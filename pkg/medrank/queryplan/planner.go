package queryplan

import (
	"strings"

	"github.com/caredirect/medrank/pkg/medrank/bm25"
	"github.com/caredirect/medrank/pkg/medrank/config"
	"github.com/caredirect/medrank/pkg/medrank/session"
	"github.com/caredirect/medrank/pkg/medrank/textproc"
)

// BuildQuery assembles the Stage-A query text: the verbatim patient query,
// the safe-lane terms, the anchor phrases, and optionally a capped slice of
// intent terms.
func BuildQuery(sc *session.Context, cfg config.Ranking, aliaser *textproc.Aliaser) string {
	parts := []string{sc.QPatient}
	parts = append(parts, sc.SafeLaneTerms...)
	parts = append(parts, sc.AnchorPhrases...)
	if cfg.IntentTermsInBM25Enabled() {
		terms := sc.IntentTerms
		if len(terms) > cfg.IntentTermsCap {
			terms = terms[:cfg.IntentTermsCap]
		}
		parts = append(parts, terms...)
	}
	query := strings.Join(parts, " ")
	if aliaser != nil {
		query = aliaser.NormalizeMedicalQuery(query)
	}
	return query
}

// intentQuery is the intent-only leg of the two-query union.
func intentQuery(sc *session.Context, cfg config.Ranking) string {
	terms := sc.IntentTerms
	if len(terms) > cfg.IntentTermsCap {
		terms = terms[:cfg.IntentTermsCap]
	}
	return strings.Join(terms, " ")
}

// StageA runs the lexical retrieval over an index built from the filtered
// candidate slice. With stage_a_two_query set and intent terms available,
// the patient leg and an intent-only leg are unioned: each leg is
// normalized by its own max score and a document keeps the larger of its
// two normalized scores.
func StageA(ix *bm25.Index, sc *session.Context, cfg config.Ranking, aliaser *textproc.Aliaser) []bm25.Hit {
	patient := ix.Score(BuildQuery(sc, cfg, aliaser))

	if cfg.StageANegativePenaltyEnabled() && len(sc.NegativeTerms) > 0 {
		applyNegativePenalty(patient, ix, sc.NegativeTerms, cfg)
	}

	if !cfg.StageATwoQueryEnabled() || len(sc.IntentTerms) == 0 {
		return bm25.TopN(patient, cfg.StageATopN)
	}

	intent := ix.Score(intentQuery(sc, cfg))
	if cfg.StageANegativePenaltyEnabled() && len(sc.NegativeTerms) > 0 {
		applyNegativePenalty(intent, ix, sc.NegativeTerms, cfg)
	}

	patientTop := bm25.TopN(patient, cfg.TwoQueryPatientN)
	intentTop := bm25.TopN(intent, cfg.TwoQueryIntentN)

	patientMax := maxScore(patientTop)
	intentMax := maxScore(intentTop)

	merged := make(map[int]bm25.Hit, len(patientTop)+len(intentTop))
	addLeg := func(hits []bm25.Hit, max float64) {
		for _, h := range hits {
			score := 0.0
			if max > 0 {
				score = h.Score / max
			}
			if prev, ok := merged[h.Doc]; !ok || score > prev.Score {
				merged[h.Doc] = bm25.Hit{Doc: h.Doc, ID: h.ID, Score: score}
			}
		}
	}
	addLeg(patientTop, patientMax)
	addLeg(intentTop, intentMax)

	union := make([]bm25.Hit, 0, len(merged))
	for _, h := range merged {
		union = append(union, h)
	}
	return bm25.TopN(union, cfg.StageATopN)
}

// applyNegativePenalty applies the Stage-B negative-term multipliers inside
// Stage A, before truncation. Off by default: profiles that legitimately
// mention adjacent subspecialties get down-ranked by it.
func applyNegativePenalty(hits []bm25.Hit, ix *bm25.Index, negatives []string, cfg config.Ranking) {
	for i := range hits {
		if hits[i].Score == 0 {
			continue
		}
		text := ix.Doc(hits[i].Doc).SearchText()
		count := 0
		for _, neg := range negatives {
			neg = strings.ToLower(strings.TrimSpace(neg))
			if neg != "" && strings.Contains(text, neg) {
				count++
			}
		}
		switch {
		case count >= 4:
			hits[i].Score *= cfg.NegativeMult4
		case count >= 2:
			hits[i].Score *= cfg.NegativeMult2
		case count == 1:
			hits[i].Score *= cfg.NegativeMult1
		}
	}
}

func maxScore(hits []bm25.Hit) float64 {
	var max float64
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	return max
}
