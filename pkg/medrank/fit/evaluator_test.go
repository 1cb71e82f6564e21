package fit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/caredirect/medrank/pkg/medrank/llm"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
)

type scriptedCompleter struct {
	response string
	err      error
	lastUser string
}

func (s *scriptedCompleter) Chat(ctx context.Context, req llm.Request) (string, error) {
	s.lastUser = req.User
	return s.response, s.err
}

func candidates() []*practitioner.Practitioner {
	ep := &practitioner.Practitioner{ID: "ep1", Name: "Jane Smith", Title: "Dr",
		Specialty:         "Cardiology",
		Subspecialties:    []string{"Electrophysiology"},
		ClinicalExpertise: "Procedure: Catheter Ablation; Condition: SVT"}
	gc := &practitioner.Practitioner{ID: "gc1", Name: "John Doe", Title: "Dr",
		Specialty: "Cardiology", About: "General cardiology."}
	ep.Derive()
	gc.Derive()
	return []*practitioner.Practitioner{ep, gc}
}

func TestParseCategory(t *testing.T) {
	cases := map[string]Category{
		"excellent": Excellent,
		"Excellent": Excellent,
		"ill-fit":   IllFit,
		"poor":      IllFit,
		"good":      Good,
		"fair":      Good,
		"banana":    Good, // unknowns default to good
		"":          Good,
	}
	for in, want := range cases {
		if got := ParseCategory(in); got != want {
			t.Errorf("ParseCategory(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestEvaluateMapsByID(t *testing.T) {
	sc := &scriptedCompleter{response: `{
		"overall_reason": "one strong match",
		"per_doctor": [
			{"practitioner_id": "ep1", "practitioner_name": "Dr Jane Smith", "fit_category": "excellent", "brief_reason": "performs SVT ablation"},
			{"practitioner_id": "gc1", "practitioner_name": "Dr John Doe", "fit_category": "ill-fit", "brief_reason": "no ablation practice"}
		]
	}`}
	e := &Evaluator{Completer: sc}
	got, err := e.Evaluate(context.Background(), "I need SVT ablation", candidates())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got["ep1"].Category != Excellent || got["gc1"].Category != IllFit {
		t.Errorf("verdicts = %+v", got)
	}
	if got["ep1"].Reason == "" {
		t.Error("reason lost in mapping")
	}
	// profile cards carry the id for echoing
	if !strings.Contains(sc.lastUser, "id=ep1") {
		t.Error("card missing practitioner id")
	}
}

func TestEvaluateFallsBackToNameMatch(t *testing.T) {
	sc := &scriptedCompleter{response: `{
		"per_doctor": [
			{"practitioner_name": "jane smith", "fit_category": "excellent", "brief_reason": "ep specialist"}
		]
	}`}
	e := &Evaluator{Completer: sc}
	got, err := e.Evaluate(context.Background(), "svt ablation", candidates())
	if err != nil {
		t.Fatal(err)
	}
	if got["ep1"].Category != Excellent {
		t.Errorf("name fallback failed: %+v", got)
	}
}

func TestEvaluateLegacyBoolean(t *testing.T) {
	sc := &scriptedCompleter{response: `{
		"per_doctor": [
			{"practitioner_id": "ep1", "excellent_fit": true},
			{"practitioner_id": "gc1", "excellent_fit": false}
		]
	}`}
	e := &Evaluator{Completer: sc}
	got, err := e.Evaluate(context.Background(), "svt ablation", candidates())
	if err != nil {
		t.Fatal(err)
	}
	if got["ep1"].Category != Excellent || got["gc1"].Category != IllFit {
		t.Errorf("legacy boolean translation wrong: %+v", got)
	}
}

func TestEvaluateTransportError(t *testing.T) {
	e := &Evaluator{Completer: &scriptedCompleter{err: errors.New("down")}}
	if _, err := e.Evaluate(context.Background(), "q", candidates()); err == nil {
		t.Fatal("expected error; the progressive controller handles the fallback")
	}
}

func TestEvaluateUnknownNameSkipped(t *testing.T) {
	sc := &scriptedCompleter{response: `{
		"per_doctor": [{"practitioner_name": "Nobody", "fit_category": "excellent"}]
	}`}
	e := &Evaluator{Completer: sc}
	got, err := e.Evaluate(context.Background(), "q", candidates())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("unmatched verdicts must be dropped, got %+v", got)
	}
}

func TestCardTruncatesDescription(t *testing.T) {
	p := &practitioner.Practitioner{ID: "x", Name: "A", About: strings.Repeat("a", 500)}
	p.Derive()
	card := Card(p, 100)
	if strings.Count(card, "a") > 150 {
		t.Errorf("description not truncated: %d chars", len(card))
	}
}
