package session

import (
	"fmt"
	"strings"

	"github.com/caredirect/medrank/pkg/medrank/lexicon"
)

const generalIntentSystem = `You extract search intent from a patient's request for a medical practitioner.
Respond with a single JSON object, no prose, no markdown fences:
{
  "goal": "diagnostic_workup" | "treatment" | "second_opinion",
  "specificity": "named_procedure" | "confirmed_diagnosis" | "symptom_only" | "browse",
  "confidence": 0.0-1.0,
  "expansion_terms": ["terms a matching profile would contain"],
  "negative_terms": ["terms indicating the wrong clinical lane"],
  "anchor_phrases": ["short procedure/condition/subspecialty phrases an ideal profile should contain"],
  "likely_subspecialties": [{"name": "...", "confidence": 0.0-1.0}]
}
Only emit negative_terms when the request clearly names a procedure or confirmed diagnosis.
Keep every list short and specific to the request.`

const insightsSystem = `You summarize a patient's request for care coordination.
Respond with a single JSON object, no prose, no markdown fences:
{
  "symptoms": "...",
  "preferences": "...",
  "urgency": "routine" | "urgent" | "emergency",
  "specialty": "...",
  "location": "...",
  "summary": "one sentence"
}
Use empty strings for anything the request does not state.`

// cardiologyLanes are the clinical-intent lanes for cardiology requests.
var cardiologyLanes = []string{
	"coronary_ischaemic",
	"arrhythmia_rhythm",
	"structural_valve",
	"heart_failure",
	"prevention_risk",
	"general_cardiology_unclear",
}

// clinicalIntentSystem builds the specialty-specific clinical-intent prompt.
// The v2 variant injects lexicon snippets so the model anchors its output to
// vocabulary that actually exists in the corpus.
func clinicalIntentSystem(specialty string, lex *lexicon.Store, v2 bool) string {
	lanes := clinicalLanes(specialty)
	var b strings.Builder
	fmt.Fprintf(&b, `You classify a patient's request within the %s specialty.
Respond with a single JSON object, no prose, no markdown fences:
{
  "primary_intent": one of [%s],
  "expansion_terms": ["clinical terms a matching profile would contain"],
  "negative_terms": ["terms indicating the wrong clinical lane"],
  "anchor_phrases": ["short procedure/condition phrases an ideal profile should contain"],
  "likely_subspecialties": [{"name": "...", "confidence": 0.0-1.0}]
}
Pick the unclear lane when the request does not commit to one pathway.`,
		displaySpecialty(specialty), strings.Join(quoteAll(lanes), ", "))

	if v2 && lex != nil {
		fmt.Fprintf(&b, "\n\nSubspecialties in this corpus: %s.", strings.Join(capList(lex.ForSpecialty(specialty), 12), "; "))
		fmt.Fprintf(&b, "\nCommon procedures: %s.", strings.Join(lex.TopProcedures(15), "; "))
		fmt.Fprintf(&b, "\nCommon conditions: %s.", strings.Join(lex.TopConditions(15), "; "))
		b.WriteString("\nPrefer names from these lists when they fit.")
	}
	return b.String()
}

func clinicalLanes(specialty string) []string {
	if strings.EqualFold(strings.TrimSpace(specialty), "cardiology") {
		return cardiologyLanes
	}
	slug := strings.ToLower(strings.TrimSpace(specialty))
	slug = strings.ReplaceAll(slug, " ", "_")
	if slug == "" {
		slug = "medicine"
	}
	return []string{"general_" + slug + "_unclear"}
}

func displaySpecialty(specialty string) string {
	if strings.TrimSpace(specialty) == "" {
		return "general medicine"
	}
	return specialty
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = `"` + s + `"`
	}
	return out
}

func capList(ss []string, n int) []string {
	if len(ss) > n {
		return ss[:n]
	}
	return ss
}

// userMessage is the shared user payload for all three legs.
func userMessage(query, conversation string) string {
	return fmt.Sprintf("Query: %q\nContext: %s", strings.TrimSpace(query), tail(conversation, conversationTail))
}
