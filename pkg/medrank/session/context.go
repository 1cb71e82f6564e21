// Package session turns a free-text patient query plus conversation tail
// into the structured intent record every downstream ranking component
// consumes.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/caredirect/medrank/pkg/medrank/textproc"
)

// Goal and specificity values the general-intent extraction emits.
const (
	GoalDiagnosticWorkup = "diagnostic_workup"
	GoalTreatment        = "treatment"
	GoalSecondOpinion    = "second_opinion"

	SpecificityNamedProcedure    = "named_procedure"
	SpecificityConfirmedDiagnosis = "confirmed_diagnosis"
	SpecificitySymptomOnly       = "symptom_only"
	SpecificityBrowse            = "browse"
)

// Merge caps.
const (
	maxAnchorPhrases          = 5
	maxSafeLaneTerms          = 4
	maxSubspecialties         = 3
	minSubspecialtyConfidence = 0.4
	clearConfidenceThreshold  = 0.75
	conversationTail          = 500
)

// Subspecialty is an inferred subspecialty with its confidence.
type Subspecialty struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Insights carries the soft signals of the third extraction leg.
type Insights struct {
	Symptoms    string `json:"symptoms"`
	Preferences string `json:"preferences"`
	Urgency     string `json:"urgency"` // routine, urgent, emergency
	Specialty   string `json:"specialty"`
	Location    string `json:"location"`
	Summary     string `json:"summary"`
}

// Sources records which extraction legs fell back to defaults, so callers
// can surface degraded signals in queryInfo.
type Sources struct {
	GeneralFallback  bool `json:"generalFallback,omitempty"`
	ClinicalFallback bool `json:"clinicalFallback,omitempty"`
	InsightsFallback bool `json:"insightsFallback,omitempty"`
	Cached           bool `json:"cached,omitempty"`
}

// FullyDegraded holds when every extraction leg fell back. Such a context
// carries no model signal and must not be cached: the next request for the
// same query should reach the model again.
func (s Sources) FullyDegraded() bool {
	return s.GeneralFallback && s.ClinicalFallback && s.InsightsFallback
}

// Context is the per-request intent record.
type Context struct {
	QPatient string `json:"q_patient"`

	Goal        string  `json:"goal"`
	Specificity string  `json:"specificity"`
	Confidence  float64 `json:"confidence"`

	PrimaryIntent string `json:"primary_intent"`

	IntentTerms          []string       `json:"intent_terms"`
	SafeLaneTerms        []string       `json:"safe_lane_terms"`
	AnchorPhrases        []string       `json:"anchor_phrases"`
	NegativeTerms        []string       `json:"negative_terms"`
	LikelySubspecialties []Subspecialty `json:"likely_subspecialties"`

	Insights Insights `json:"insights"`
	Sources  Sources  `json:"sources"`
}

// IsQueryClear holds when the extraction is confident and the query names a
// procedure or confirmed diagnosis. Negative terms apply only then.
func (c *Context) IsQueryClear() bool {
	if c.Confidence < clearConfidenceThreshold {
		return false
	}
	return c.Specificity == SpecificityNamedProcedure || c.Specificity == SpecificityConfirmedDiagnosis
}

// IsQueryAmbiguous is the negation of IsQueryClear.
func (c *Context) IsQueryAmbiguous() bool { return !c.IsQueryClear() }

// CacheKey derives the session-cache key from a query and the conversation
// tail it was extracted with.
func CacheKey(query, conversation string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(query) + "\n" + tail(conversation, conversationTail)))
	return hex.EncodeToString(sum[:])
}

// tail keeps the last n bytes of s, advancing past a split rune so the cut
// never produces invalid UTF-8.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// Fallback returns the fixed default context used when every extraction leg
// fails: a generic diagnostic-workup intent with no expansion signals.
func Fallback(query string) Context {
	return Context{
		QPatient:    strings.TrimSpace(query),
		Goal:        GoalDiagnosticWorkup,
		Specificity: SpecificitySymptomOnly,
		Confidence:  0.3,
		Sources: Sources{
			GeneralFallback:  true,
			ClinicalFallback: true,
			InsightsFallback: true,
		},
	}
}

// mergeIntentTerms orders clinical expansion terms before general ones,
// lowercased, trimmed and deduplicated, then appends the kept subspecialty
// names.
func mergeIntentTerms(clinical, general []string, subs []Subspecialty) []string {
	seen := make(map[string]struct{})
	var out []string
	appendTerms := func(terms []string) {
		for _, t := range terms {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	appendTerms(clinical)
	appendTerms(general)
	for _, s := range subs {
		appendTerms([]string{s.Name})
	}
	return out
}

// mergeAnchors unions and deduplicates anchor phrases, capped at five.
func mergeAnchors(clinical, general []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, phrase := range append(append([]string{}, clinical...), general...) {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase == "" {
			continue
		}
		if _, ok := seen[phrase]; ok {
			continue
		}
		seen[phrase] = struct{}{}
		out = append(out, phrase)
		if len(out) == maxAnchorPhrases {
			break
		}
	}
	return out
}

// mergeSubspecialties unions both sources keeping each name's highest
// confidence, drops entries below 0.4, sorts by confidence descending and
// caps at three.
func mergeSubspecialties(clinical, general []Subspecialty) []Subspecialty {
	best := make(map[string]float64)
	var order []string
	for _, s := range append(append([]Subspecialty{}, clinical...), general...) {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if conf, ok := best[key]; !ok {
			best[key] = s.Confidence
			order = append(order, name)
		} else if s.Confidence > conf {
			best[key] = s.Confidence
		}
	}

	var out []Subspecialty
	for _, name := range order {
		conf := best[strings.ToLower(name)]
		if conf < minSubspecialtyConfidence {
			continue
		}
		if conf > 1.0 {
			conf = 1.0
		}
		out = append(out, Subspecialty{Name: name, Confidence: conf})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > maxSubspecialties {
		out = out[:maxSubspecialties]
	}
	return out
}

// Markers that identify a term as procedure-heavy and so unsafe to append
// to the BM25 query lane.
var procedureMarkers = []string{
	"ablation", "surgery", "surgical", "operation", "replacement", "implant",
	"angioplasty", "stent", "bypass", "catheter", "endoscopy", "colonoscopy",
	"biopsy", "transplant", "resection", "ectomy", "oscopy", "plasty",
}

// Markers that identify a symptom- or condition-oriented term.
var symptomMarkers = []string{
	"pain", "ache", "tight", "palpitation", "breath", "fatigue", "dizz",
	"nausea", "swelling", "syndrome", "disease", "failure", "itis",
	"infection", "bleed", "cramp", "reflux", "anxiety", "pressure",
	"murmur", "arrhythmia", "fibrillation", "tachycardia", "symptom",
	"flutter", "hypertension", "angina",
}

// deriveSafeLane filters intent terms down to the symptom/condition subset
// that is safe to feed into Stage A: whitelist markers required, procedure
// markers excluded, capped at four.
func deriveSafeLane(intentTerms []string) []string {
	var out []string
	for _, term := range intentTerms {
		if len(textproc.TokenizeShort(term)) == 0 {
			continue
		}
		if containsAnyMarker(term, procedureMarkers) {
			continue
		}
		if !containsAnyMarker(term, symptomMarkers) {
			continue
		}
		out = append(out, term)
		if len(out) == maxSafeLaneTerms {
			break
		}
	}
	return out
}

func containsAnyMarker(term string, markers []string) bool {
	term = strings.ToLower(term)
	for _, m := range markers {
		if strings.Contains(term, m) {
			return true
		}
	}
	return false
}
