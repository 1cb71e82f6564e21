package ideal

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/caredirect/medrank/pkg/medrank/llm"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
)

func epDoc() *practitioner.Practitioner {
	p := &practitioner.Practitioner{
		ID: "ep1", Specialty: "Cardiology",
		Subspecialties:    []string{"Electrophysiology"},
		ProcedureGroups:   []string{"Catheter Ablation"},
		ClinicalExpertise: "Procedure: Catheter Ablation; Condition: Supraventricular Tachycardia",
		About:             "Arrhythmia specialist.",
	}
	p.Derive()
	return p
}

func TestScoreMatchedEntries(t *testing.T) {
	profile := Profile{
		Subspecialties: []Entry{{Name: "Electrophysiology", Importance: ImportanceRequired, Confidence: 0.9}},
		Procedures:     []Entry{{Name: "Catheter Ablation", Importance: ImportancePreferred, Confidence: 1.0}},
		DescriptionKeywords: []string{"arrhythmia"},
	}
	got := Score(profile, epDoc())
	want := 1.0*0.9 + 0.6*1.0 + 0.1
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Score = %v, want %v", got, want)
	}
}

func TestScoreMissingRequiredHalves(t *testing.T) {
	profile := Profile{
		Subspecialties: []Entry{
			{Name: "Electrophysiology", Importance: ImportancePreferred, Confidence: 1.0},
			{Name: "Paediatric Cardiology", Importance: ImportanceRequired, Confidence: 1.0},
		},
	}
	got := Score(profile, epDoc())
	if math.Abs(got-0.3) > 1e-9 { // 0.6 halved once
		t.Errorf("Score = %v, want 0.3", got)
	}
}

func TestScoreAvoidPenaltyCapped(t *testing.T) {
	profile := Profile{
		Procedures: []Entry{{Name: "Catheter Ablation", Importance: ImportanceRequired, Confidence: 1.0}},
		AvoidSubspecialties: []string{"Electrophysiology"},
		AvoidProcedures:     []string{"Catheter Ablation", "Cardiology"},
	}
	got := Score(profile, epDoc())
	// three avoid matches, only two applied: 1.0 * 0.6 * 0.6
	if math.Abs(got-0.36) > 1e-9 {
		t.Errorf("Score = %v, want 0.36", got)
	}
}

func TestScoreEmptyProfile(t *testing.T) {
	if got := Score(Profile{}, epDoc()); got != 0 {
		t.Errorf("empty profile must score 0, got %v", got)
	}
}

type scriptedCompleter struct {
	response string
	err      error
}

func (s *scriptedCompleter) Chat(ctx context.Context, req llm.Request) (string, error) {
	return s.response, s.err
}

func TestExtractFallsBackToEmpty(t *testing.T) {
	e := &Extractor{Completer: &scriptedCompleter{err: errors.New("down")}}
	if p := e.Extract(context.Background(), "svt ablation"); !p.Empty() {
		t.Error("transport failure must yield an empty profile")
	}

	e = &Extractor{Completer: &scriptedCompleter{response: "not json"}}
	if p := e.Extract(context.Background(), "svt ablation"); !p.Empty() {
		t.Error("parse failure must yield an empty profile")
	}

	e = &Extractor{}
	if p := e.Extract(context.Background(), "svt ablation"); !p.Empty() {
		t.Error("nil completer must yield an empty profile")
	}
}

func TestExtractParsesFencedResponse(t *testing.T) {
	e := &Extractor{Completer: &scriptedCompleter{response: "```json\n{\"procedures\":[{\"name\":\"Catheter Ablation\",\"importance\":\"required\",\"confidence\":0.9}]}\n```"}}
	p := e.Extract(context.Background(), "svt ablation")
	if len(p.Procedures) != 1 || p.Procedures[0].Name != "Catheter Ablation" {
		t.Errorf("profile = %+v", p)
	}
}
