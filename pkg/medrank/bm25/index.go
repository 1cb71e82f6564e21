// Package bm25 implements the Stage-A lexical scorer: weighted multi-field
// Okapi BM25 over a per-request candidate slice. Index state is built per
// request and thrown away; the corpus itself is never locked.
package bm25

import (
	"math"
	"sort"
	"strings"

	"github.com/caredirect/medrank/pkg/medrank/config"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
	"github.com/caredirect/medrank/pkg/medrank/textproc"
)

// Hit is a scored candidate. Doc is the position in the candidate slice the
// index was built from; ties and zero scores are ordered by it.
type Hit struct {
	Doc   int
	ID    string
	Score float64
}

// Index holds weighted term frequencies for one filtered candidate slice.
type Index struct {
	docs    []practitioner.Practitioner
	cfg     config.Ranking
	tf      []map[string]float64 // weighted term frequency per doc
	docLen  []float64            // weighted token count per doc
	avgLen  float64
	df      map[string]int
	n       int
	quality []float64 // quality multiplier per doc, query-independent part
}

// New builds an index over an already-filtered candidate slice. A field
// with weight w contributes each of its tokens w times, which is equivalent
// to concatenating the field w times into a flat document.
func New(docs []practitioner.Practitioner, cfg config.Ranking) *Index {
	ix := &Index{
		docs:   docs,
		cfg:    cfg,
		tf:     make([]map[string]float64, len(docs)),
		docLen: make([]float64, len(docs)),
		df:     make(map[string]int),
		n:      len(docs),
	}

	var totalLen float64
	for i := range docs {
		tf := make(map[string]float64)
		var docLen float64
		for _, f := range fieldTexts(&docs[i], cfg.Fields) {
			if f.weight <= 0 || f.text == "" {
				continue
			}
			tokens := textproc.Tokenize(f.text)
			docLen += f.weight * float64(len(tokens))
			for _, tok := range tokens {
				tf[tok] += f.weight
			}
		}
		ix.tf[i] = tf
		ix.docLen[i] = docLen
		totalLen += docLen
		for tok := range tf {
			ix.df[tok]++
		}
	}
	if ix.n > 0 {
		ix.avgLen = totalLen / float64(ix.n)
	}
	return ix
}

type weightedField struct {
	text   string
	weight float64
}

func fieldTexts(p *practitioner.Practitioner, w config.FieldWeights) []weightedField {
	fields := []weightedField{
		{p.ClinicalExpertise, w.ClinicalExpertise},
		{strings.Join(p.ProcedureGroups, " "), w.ProcedureGroups},
		{p.Specialty, w.Specialty},
		{strings.Join(p.Subspecialties, " "), w.Subspecialties},
		{p.SpecialtyDescription, w.SpecialtyDescription},
		{p.About, w.About},
		{p.Name, w.Name},
	}
	// structured override: parsed expertise replaces the raw blob at its own
	// weights, the raw fallback keeps unstructured sources searchable
	if len(p.ExpertiseProcedures)+len(p.ExpertiseConditions)+len(p.ExpertiseInterests) > 0 {
		fields = append(fields,
			weightedField{strings.Join(p.ExpertiseProcedures, " "), w.ExpertiseProcedures},
			weightedField{strings.Join(p.ExpertiseConditions, " "), w.ExpertiseConditions},
			weightedField{strings.Join(p.ExpertiseInterests, " "), w.ExpertiseInterests},
		)
	}
	if p.ExpertiseFallback != "" {
		fields = append(fields, weightedField{p.ExpertiseFallback, w.ExpertiseFallback})
	}
	return fields
}

// IDF returns the clamped inverse document frequency for a term. Terms
// present in every candidate (common under heavy pre-filtering) contribute
// exactly zero, never a negative score.
func (ix *Index) IDF(term string) float64 {
	df := ix.df[term]
	if df == 0 {
		return 0
	}
	idf := math.Log((float64(ix.n)-float64(df)+0.5)/(float64(df)+0.5) + 1)
	if idf < 0 {
		return 0
	}
	return idf
}

// Size returns the number of indexed candidates.
func (ix *Index) Size() int { return ix.n }

// Doc returns the candidate at a hit's Doc position.
func (ix *Index) Doc(i int) *practitioner.Practitioner { return &ix.docs[i] }

// Score computes BM25 scores for a query string over every candidate,
// returned in natural index order. The quality boost, when enabled, is a
// query-dependent multiplier applied on top of the lexical score.
func (ix *Index) Score(query string) []Hit {
	tokens := textproc.Tokenize(query)
	hits := make([]Hit, ix.n)
	for i := 0; i < ix.n; i++ {
		score := ix.scoreDoc(i, tokens)
		if ix.cfg.QualityBoostEnabled() && score > 0 {
			score *= qualityMultiplier(&ix.docs[i], tokens)
		}
		hits[i] = Hit{Doc: i, ID: ix.docs[i].ID, Score: score}
	}
	return hits
}

func (ix *Index) scoreDoc(i int, tokens []string) float64 {
	if ix.avgLen == 0 {
		return 0
	}
	k1, b := ix.cfg.K1, ix.cfg.B
	norm := k1 * (1 - b + b*ix.docLen[i]/ix.avgLen)
	var score float64
	for _, tok := range tokens {
		tf := ix.tf[i][tok]
		if tf == 0 {
			continue
		}
		score += ix.IDF(tok) * tf * (k1 + 1) / (tf + norm)
	}
	return score
}

// TopN orders hits by score descending and returns min(k, len) of them.
// Zero-score documents fill from natural index order after the scored ones,
// so callers always get a deterministic, full-size slate.
func TopN(hits []Hit, k int) []Hit {
	sorted := make([]Hit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].Doc < sorted[j].Doc
	})
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}
