package bm25

import (
	"strings"

	"github.com/caredirect/medrank/pkg/medrank/practitioner"
	"github.com/caredirect/medrank/pkg/medrank/textproc"
)

// Words too generic to establish that a completed procedure is relevant to
// the query. "surgical", "treatment" and friends overlap with everything.
var genericProcedureTokens = map[string]struct{}{
	"surgical": {}, "surgery": {}, "treatment": {}, "procedure": {},
	"procedures": {}, "clinic": {}, "consultation": {}, "general": {},
	"care": {},
}

// qualityMultiplier combines rating, review-count and relevant-admission
// tiers into one multiplicative boost. Query tokens decide which completed
// procedures count as relevant.
func qualityMultiplier(p *practitioner.Practitioner, queryTokens []string) float64 {
	mult := 1.0

	switch {
	case p.RatingValue >= 4.8:
		mult *= 1.3
	case p.RatingValue >= 4.5:
		mult *= 1.2
	case p.RatingValue >= 4.0:
		mult *= 1.1
	}

	switch {
	case p.ReviewCount >= 100:
		mult *= 1.2
	case p.ReviewCount >= 50:
		mult *= 1.15
	case p.ReviewCount >= 20:
		mult *= 1.1
	}

	if len(p.ProceduresCompleted) > 0 {
		mult *= admissionMultiplier(p.ProceduresCompleted, queryTokens)
	}
	return mult
}

// admissionMultiplier tiers the count of completed procedures whose names
// meaningfully overlap the query. A profile with admissions but none
// relevant to this query is slightly demoted.
func admissionMultiplier(completed []practitioner.ProcedureCount, queryTokens []string) float64 {
	querySet := make(map[string]struct{}, len(queryTokens))
	for _, t := range queryTokens {
		querySet[t] = struct{}{}
	}

	relevant := 0
	for _, pc := range completed {
		if procedureRelevant(pc.Name, querySet) {
			relevant += pc.Count
		}
	}

	switch {
	case relevant >= 1000:
		return 1.30
	case relevant >= 500:
		return 1.25
	case relevant >= 250:
		return 1.20
	case relevant >= 100:
		return 1.15
	case relevant >= 50:
		return 1.10
	case relevant >= 10:
		return 1.05
	case relevant > 0:
		return 1.0
	}
	return 0.85
}

// procedureRelevant reports whether a procedure name shares at least one
// non-generic token of four or more characters with the query.
func procedureRelevant(name string, querySet map[string]struct{}) bool {
	for _, tok := range textproc.Tokenize(strings.ToLower(name)) {
		if len(tok) < 4 {
			continue
		}
		if _, generic := genericProcedureTokens[tok]; generic {
			continue
		}
		if _, ok := querySet[tok]; ok {
			return true
		}
	}
	return false
}
