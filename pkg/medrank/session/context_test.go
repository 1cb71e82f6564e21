package session

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestIsQueryClear(t *testing.T) {
	cases := []struct {
		confidence  float64
		specificity string
		clear       bool
	}{
		{0.9, SpecificityNamedProcedure, true},
		{0.75, SpecificityConfirmedDiagnosis, true},
		{0.9, SpecificitySymptomOnly, false},
		{0.5, SpecificityNamedProcedure, false},
		{0.3, SpecificityBrowse, false},
	}
	for _, tc := range cases {
		c := Context{Confidence: tc.confidence, Specificity: tc.specificity}
		if c.IsQueryClear() != tc.clear {
			t.Errorf("confidence=%v specificity=%s: clear=%v, want %v",
				tc.confidence, tc.specificity, c.IsQueryClear(), tc.clear)
		}
		if c.IsQueryAmbiguous() == tc.clear {
			t.Error("IsQueryAmbiguous must be the negation of IsQueryClear")
		}
	}
}

func TestMergeIntentTermsClinicalFirst(t *testing.T) {
	got := mergeIntentTerms(
		[]string{"Catheter Ablation", "arrhythmia"},
		[]string{"ARRHYTHMIA", "heart rhythm"},
		[]Subspecialty{{Name: "Electrophysiology", Confidence: 0.8}},
	)
	want := []string{"catheter ablation", "arrhythmia", "heart rhythm", "electrophysiology"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mergeIntentTerms = %v, want %v", got, want)
	}
}

func TestMergeAnchorsCap(t *testing.T) {
	clinical := []string{"a1", "a2", "a3", "a4"}
	general := []string{"A2", "a5", "a6", "a7"}
	got := mergeAnchors(clinical, general)
	if len(got) != maxAnchorPhrases {
		t.Fatalf("anchors = %v, want cap of %d", got, maxAnchorPhrases)
	}
	if got[0] != "a1" || got[4] != "a6" {
		t.Errorf("dedup/order wrong: %v", got)
	}
}

func TestMergeSubspecialties(t *testing.T) {
	clinical := []Subspecialty{
		{Name: "Electrophysiology", Confidence: 0.9},
		{Name: "Heart Failure", Confidence: 0.3}, // below threshold
	}
	general := []Subspecialty{
		{Name: "electrophysiology", Confidence: 0.5}, // lower duplicate
		{Name: "Interventional Cardiology", Confidence: 0.6},
		{Name: "Imaging", Confidence: 0.55},
		{Name: "Prevention", Confidence: 0.45},
	}
	got := mergeSubspecialties(clinical, general)
	if len(got) != maxSubspecialties {
		t.Fatalf("got %d entries, want %d", len(got), maxSubspecialties)
	}
	if got[0].Name != "Electrophysiology" || got[0].Confidence != 0.9 {
		t.Errorf("max-confidence entry not kept: %+v", got[0])
	}
	for _, s := range got {
		if s.Confidence < minSubspecialtyConfidence {
			t.Errorf("entry below confidence floor survived: %+v", s)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Confidence > got[i-1].Confidence {
			t.Error("not sorted by confidence descending")
		}
	}
}

func TestDeriveSafeLane(t *testing.T) {
	intent := []string{
		"chest pain",          // symptom: kept
		"catheter ablation",   // procedure: excluded
		"atrial fibrillation", // condition marker: kept
		"valve replacement",   // procedure: excluded
		"heart failure",       // condition marker: kept
		"shortness of breath", // symptom: kept
		"palpitations",        // would exceed cap
	}
	got := deriveSafeLane(intent)
	if len(got) > maxSafeLaneTerms {
		t.Fatalf("safe lane exceeds cap: %v", got)
	}
	want := []string{"chest pain", "atrial fibrillation", "heart failure", "shortness of breath"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("deriveSafeLane = %v, want %v", got, want)
	}
}

func TestFallbackContext(t *testing.T) {
	c := Fallback("  I need help  ")
	if c.QPatient != "I need help" {
		t.Errorf("QPatient = %q", c.QPatient)
	}
	if c.Goal != GoalDiagnosticWorkup || c.Specificity != SpecificitySymptomOnly || c.Confidence != 0.3 {
		t.Errorf("fallback defaults wrong: %+v", c)
	}
	if !c.IsQueryAmbiguous() {
		t.Error("fallback context must be ambiguous")
	}
	if len(c.NegativeTerms) != 0 {
		t.Error("fallback must not carry negative terms")
	}
}

func TestTailKeepsRuneBoundary(t *testing.T) {
	// 3-byte runes, 600 bytes: the naive 500-byte cut lands mid-rune
	s := strings.Repeat("…", 200)
	got := tail(s, conversationTail)
	if !utf8.ValidString(got) {
		t.Fatal("tail produced invalid UTF-8")
	}
	if len(got) > conversationTail {
		t.Errorf("tail length = %d, want at most %d", len(got), conversationTail)
	}
	if !strings.HasSuffix(s, got) {
		t.Error("tail must be a suffix of the input")
	}

	if got := tail("short", conversationTail); got != "short" {
		t.Errorf("short input must pass through, got %q", got)
	}
}

func TestCacheKeyStable(t *testing.T) {
	a := CacheKey("query", "conversation")
	b := CacheKey("query", "conversation")
	if a != b {
		t.Error("cache key must be deterministic")
	}
	if a == CacheKey("query", "other") {
		t.Error("conversation tail must participate in the key")
	}
}
