package medrank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/caredirect/medrank/pkg/medrank/internalerr"
	"github.com/caredirect/medrank/pkg/medrank/lexicon"
	"github.com/caredirect/medrank/pkg/medrank/llm"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
	"github.com/caredirect/medrank/pkg/medrank/progressive"
	"github.com/caredirect/medrank/pkg/medrank/queryplan"
)

// scriptedCompleter routes each prompt family to a canned response. The
// session legs run concurrently but only read these fields.
type scriptedCompleter struct {
	general   string
	clinical  string
	insights  string
	ideal     string
	checklist string
	verdicts  map[string]string // id -> fit category
	failFit   bool
}

var cardID = regexp.MustCompile(`id=(\S+)`)

func (s *scriptedCompleter) Chat(ctx context.Context, req llm.Request) (string, error) {
	sys := req.System
	switch {
	case strings.Contains(sys, "extract search intent"):
		return orEmpty(s.general), nil
	case strings.Contains(sys, "classify a patient's request"):
		return orEmpty(s.clinical), nil
	case strings.Contains(sys, "summarize a patient's request"):
		return orEmpty(s.insights), nil
	case strings.Contains(sys, "ideal practitioner"):
		return orEmpty(s.ideal), nil
	case strings.Contains(sys, "competency checklist"):
		return orEmpty(s.checklist), nil
	case strings.Contains(sys, "how well each practitioner fits"):
		if s.failFit {
			return "", errors.New("fit leg down")
		}
		var per []string
		for _, m := range cardID.FindAllStringSubmatch(req.User, -1) {
			cat := s.verdicts[m[1]]
			if cat == "" {
				cat = "good"
			}
			per = append(per, fmt.Sprintf(
				`{"practitioner_id": %q, "fit_category": %q, "brief_reason": "scripted"}`, m[1], cat))
		}
		return `{"per_doctor": [` + strings.Join(per, ",") + `]}`, nil
	}
	return "", fmt.Errorf("unexpected prompt: %.60s", sys)
}

func orEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func rec(id, name, specialty string, subs, procs []string, expertise string, blacklisted bool) map[string]any {
	return map[string]any{
		"id": id, "name": name, "title": "Dr",
		"specialty":          specialty,
		"subspecialties":     subs,
		"procedure_groups":   procs,
		"clinical_expertise": expertise,
		"about":              "Consultant profile.",
		"blacklisted":        blacklisted,
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// testCorpus is 11 records: five electrophysiologists, two interventional
// cardiologists, one generalist, one blacklisted perfect match and two
// gynaecologists.
func testCorpus(t *testing.T) *practitioner.Corpus {
	t.Helper()
	dir := t.TempDir()
	epExpertise := "Procedure: Catheter Ablation; Condition: Supraventricular Tachycardia"
	var records []map[string]any
	for i := 1; i <= 5; i++ {
		records = append(records, rec(fmt.Sprintf("ep%d", i), fmt.Sprintf("EP Doctor %d", i),
			"Cardiology", []string{"Electrophysiology"},
			[]string{"Catheter Ablation", "Electrophysiology Study"}, epExpertise, false))
	}
	records = append(records,
		rec("ic1", "IC Doctor 1", "Cardiology", []string{"Interventional Cardiology"},
			[]string{"Coronary Angioplasty"}, "Procedure: Coronary Angioplasty; Condition: Coronary Artery Disease", false),
		rec("ic2", "IC Doctor 2", "Cardiology", []string{"Interventional Cardiology"},
			[]string{"Coronary Stenting"}, "Procedure: Coronary Stenting", false),
		rec("gc1", "GC Doctor", "Cardiology", nil, nil, "General cardiology, hypertension", false),
		rec("bl1", "Blocked EP", "Cardiology", []string{"Electrophysiology"},
			[]string{"Catheter Ablation"}, epExpertise, true),
		rec("gyn1", "Gyn Doctor 1", "Gynaecology", nil, []string{"Hysteroscopy"}, "Procedure: Hysteroscopy", false),
		rec("gyn2", "Gyn Doctor 2", "Gynaecology", nil, nil, "Menstrual disorders", false),
	)
	path := filepath.Join(dir, "corpus.json")
	writeJSON(t, path, map[string]any{"records": records})
	c, err := practitioner.LoadCorpus(path)
	if err != nil {
		t.Fatalf("LoadCorpus: %v", err)
	}
	writeJSON(t, filepath.Join(dir, "canonical.json"), []map[string]any{
		{"id": "c-ep1", "legacy_ids": []string{"ep1"}, "procedures": []string{"Catheter Ablation"}},
	})
	if err := c.AttachChecklistView(filepath.Join(dir, "canonical.json")); err != nil {
		t.Fatalf("AttachChecklistView: %v", err)
	}
	return c
}

func testLexicon(t *testing.T) *lexicon.Store {
	t.Helper()
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "subs.json"), map[string]any{
		"by_specialty": map[string][]string{
			"Cardiology": {"Electrophysiology", "Interventional Cardiology", "Heart Failure"},
		},
		"global": []string{},
	})
	writeJSON(t, filepath.Join(dir, "procs.json"), []map[string]any{
		{"name": "Catheter Ablation", "count": 40},
		{"name": "Coronary Angioplasty", "count": 30},
	})
	writeJSON(t, filepath.Join(dir, "conds.json"), []map[string]any{
		{"name": "Supraventricular Tachycardia", "count": 25},
	})
	writeJSON(t, filepath.Join(dir, "tax.json"), map[string]any{
		"procedures": []map[string]any{{
			"canonical_name": "Catheter Ablation",
			"aliases":        []string{"SVT ablation"},
			"filter_values":  []string{"Catheter Ablation", "Ablation - Supraventricular Tachycardia"},
		}},
		"conditions":     []map[string]any{},
		"subspecialties": []map[string]any{},
	})
	s, err := lexicon.Load(lexicon.Paths{
		Subspecialties: filepath.Join(dir, "subs.json"),
		Procedures:     filepath.Join(dir, "procs.json"),
		Conditions:     filepath.Join(dir, "conds.json"),
		Taxonomy:       filepath.Join(dir, "tax.json"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestEngine(t *testing.T, completer llm.Completer) *Engine {
	t.Helper()
	e, err := New(Options{
		Corpus:    testCorpus(t),
		Lexicon:   testLexicon(t),
		Completer: completer,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

// clearSVTCompleter scripts the clear named-procedure scenario.
func clearSVTCompleter() *scriptedCompleter {
	return &scriptedCompleter{
		general: `{"goal": "treatment", "specificity": "named_procedure", "confidence": 0.9,
			"anchor_phrases": ["catheter ablation"],
			"negative_terms": ["coronary angioplasty"],
			"likely_subspecialties": [{"name": "Electrophysiology", "confidence": 0.9}]}`,
		clinical: `{"primary_intent": "arrhythmia_rhythm",
			"expansion_terms": ["ablation", "electrophysiology"],
			"anchor_phrases": ["svt ablation"],
			"likely_subspecialties": [{"name": "Electrophysiology", "confidence": 0.85}]}`,
		insights: `{"urgency": "routine", "specialty": "Cardiology", "summary": "needs SVT ablation"}`,
	}
}

func TestRankV2ClearQuery(t *testing.T) {
	e := newTestEngine(t, clearSVTCompleter())
	resp, err := e.Rank(context.Background(), RankRequest{
		Query:         "I need SVT ablation",
		Variant:       VariantV2,
		ShortlistSize: 50,
	})
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if !resp.Success || resp.TotalResults == 0 {
		t.Fatalf("bad response: %+v", resp)
	}
	// all ten non-blacklisted records survive filtering
	if resp.TotalResults != 10 {
		t.Errorf("totalResults = %d, want 10", resp.TotalResults)
	}
	if !strings.HasPrefix(resp.Results[0].ID, "ep") {
		t.Errorf("top result = %s, want an electrophysiologist", resp.Results[0].ID)
	}
	for _, r := range resp.Results {
		if r.ID == "bl1" {
			t.Error("blacklisted practitioner surfaced")
		}
	}
	if resp.QueryInfo.Ambiguous {
		t.Error("named procedure with 0.9 confidence must be clear")
	}
	if len(resp.QueryInfo.NegativeTerms) == 0 {
		t.Error("clear query keeps its negative terms")
	}
	if resp.Results[0].RescoringInfo["anchors"] == 0 {
		t.Error("anchor matches missing from rescoring info")
	}
	if resp.QueryInfo.RunID == "" {
		t.Error("run id missing")
	}
}

func TestRankAmbiguousDropsNegatives(t *testing.T) {
	sc := clearSVTCompleter()
	sc.general = `{"goal": "diagnostic_workup", "specificity": "symptom_only", "confidence": 0.5,
		"negative_terms": ["should not survive"]}`
	e := newTestEngine(t, sc)
	resp, err := e.Rank(context.Background(), RankRequest{Query: "I've been having chest tightness"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.QueryInfo.Ambiguous {
		t.Error("symptom-only at 0.5 confidence must be ambiguous")
	}
	if len(resp.QueryInfo.NegativeTerms) != 0 {
		t.Errorf("ambiguous query must drop negatives, got %v", resp.QueryInfo.NegativeTerms)
	}
}

func TestRankManualSpecialtyOverride(t *testing.T) {
	e := newTestEngine(t, clearSVTCompleter())
	resp, err := e.Rank(context.Background(), RankRequest{
		Query:   "I need a consultation",
		Filters: queryplan.Filters{Specialty: "Gynaecology"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TotalResults != 2 {
		t.Fatalf("totalResults = %d, want the two gynaecologists", resp.TotalResults)
	}
	for _, r := range resp.Results {
		if r.Specialty != "Gynaecology" {
			t.Errorf("non-gynaecologist surfaced: %+v", r)
		}
	}
}

func TestRankEmptyAfterFilters(t *testing.T) {
	e := newTestEngine(t, clearSVTCompleter())
	resp, err := e.Rank(context.Background(), RankRequest{
		Query:   "anything",
		Filters: queryplan.Filters{Specialty: "Dermatology"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || len(resp.Results) != 0 {
		t.Errorf("empty candidate slice must yield a well-formed empty response: %+v", resp)
	}
	if resp.QueryInfo.Note == "" {
		t.Error("empty result needs an explanatory note")
	}
}

func TestRankWithoutCompleter(t *testing.T) {
	e := newTestEngine(t, nil)
	resp, err := e.Rank(context.Background(), RankRequest{Query: "SVT ablation"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TotalResults == 0 {
		t.Fatal("degraded mode must still rank")
	}
	if resp.QueryInfo.Confidence != 0.3 {
		t.Errorf("fallback confidence = %v, want 0.3", resp.QueryInfo.Confidence)
	}
	// plain BM25 over the query still favors the ablation profiles
	if !strings.HasPrefix(resp.Results[0].ID, "ep") {
		t.Errorf("top result = %s, want an electrophysiologist", resp.Results[0].ID)
	}
}

func TestRankRejectsBadInput(t *testing.T) {
	e := newTestEngine(t, nil)
	if _, err := e.Rank(context.Background(), RankRequest{}); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Errorf("empty request: err = %v", err)
	}
	if _, err := e.Rank(context.Background(), RankRequest{Query: "q", Variant: "v9"}); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Errorf("unknown variant: err = %v", err)
	}
}

func TestRankV6ProgressiveTopK(t *testing.T) {
	sc := clearSVTCompleter()
	sc.verdicts = map[string]string{
		"ep1": "excellent", "ep2": "excellent", "ep3": "excellent",
		"gc1": "ill-fit",
	}
	e := newTestEngine(t, sc)
	resp, err := e.Rank(context.Background(), RankRequest{
		Query:   "I need SVT ablation",
		Variant: VariantV6,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.QueryInfo.TerminationReason != progressive.ReasonTopKExcellent {
		t.Fatalf("termination = %s, want %s", resp.QueryInfo.TerminationReason, progressive.ReasonTopKExcellent)
	}
	if resp.QueryInfo.Iterations == nil || *resp.QueryInfo.Iterations > 2 {
		t.Errorf("iterations = %v, want ≤2", resp.QueryInfo.Iterations)
	}
	for i := 0; i < 3; i++ {
		if resp.Results[i].FitCategory != "excellent" {
			t.Errorf("rank %d category = %s", i+1, resp.Results[i].FitCategory)
		}
		if resp.Results[i].IterationFound == nil {
			t.Errorf("rank %d missing iteration_found", i+1)
		}
	}
	last := resp.Results[len(resp.Results)-1]
	if last.FitCategory != "ill-fit" {
		t.Errorf("ill-fit must sink, tail = %+v", last)
	}
	for _, r := range resp.Results {
		if r.ID == "bl1" {
			t.Error("blacklisted practitioner surfaced in V6")
		}
	}
}

func TestRankV6EvaluationFailure(t *testing.T) {
	sc := clearSVTCompleter()
	sc.failFit = true
	e := newTestEngine(t, sc)
	resp, err := e.Rank(context.Background(), RankRequest{Query: "I need SVT ablation", Variant: VariantV6})
	if err != nil {
		t.Fatal(err)
	}
	if resp.QueryInfo.TerminationReason != progressive.ReasonEvaluationFailed {
		t.Errorf("termination = %s, want %s", resp.QueryInfo.TerminationReason, progressive.ReasonEvaluationFailed)
	}
	if resp.TotalResults == 0 {
		t.Error("evaluation failure must not empty the response")
	}
	for _, r := range resp.Results {
		if r.FitCategory != "good" {
			t.Errorf("default category = %s, want good", r.FitCategory)
		}
	}
}

func TestRankV7ChecklistBoost(t *testing.T) {
	sc := clearSVTCompleter()
	sc.verdicts = map[string]string{"ep1": "excellent"}
	sc.checklist = `{"filter_values": ["Catheter Ablation", "Invented Value"], "reasoning": "ablation request"}`
	e := newTestEngine(t, sc)
	resp, err := e.Rank(context.Background(), RankRequest{Query: "I need SVT ablation", Variant: VariantV7})
	if err != nil {
		t.Fatal(err)
	}
	cl := resp.QueryInfo.Checklist
	if cl == nil || len(cl.FilterValues) != 1 || cl.FilterValues[0] != "Catheter Ablation" {
		t.Fatalf("checklist = %+v, want the verbatim taxonomy value only", cl)
	}
	if resp.Results[0].ID != "ep1" {
		t.Errorf("top result = %s, want the boosted excellent fit ep1", resp.Results[0].ID)
	}
	if got := resp.Results[0].RescoringInfo["checklist_boost"]; got != 1.2 {
		t.Errorf("checklist_boost = %v, want 1.2", got)
	}
}

func TestRankV5IdealDelta(t *testing.T) {
	sc := clearSVTCompleter()
	sc.ideal = `{
		"subspecialties": [{"name": "Electrophysiology", "importance": "required", "confidence": 1.0}],
		"procedures": [{"name": "Catheter Ablation", "importance": "preferred", "confidence": 0.9}]
	}`
	e := newTestEngine(t, sc)
	resp, err := e.Rank(context.Background(), RankRequest{Query: "I need SVT ablation", Variant: VariantV5})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.Results[0].ID, "ep") {
		t.Errorf("top result = %s, want an electrophysiologist", resp.Results[0].ID)
	}
	if resp.Results[0].RescoringInfo["ideal_score"] == 0 {
		t.Error("ideal score missing from rescoring info")
	}
}

func TestRankEvaluateFitAnnotation(t *testing.T) {
	sc := clearSVTCompleter()
	sc.verdicts = map[string]string{"ep1": "excellent"}
	e := newTestEngine(t, sc)
	resp, err := e.Rank(context.Background(), RankRequest{
		Query:       "I need SVT ablation",
		EvaluateFit: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	var annotated bool
	for _, r := range resp.Results {
		if r.ID == "ep1" && r.FitCategory == "excellent" {
			annotated = true
		}
	}
	if !annotated {
		t.Error("evaluateFit did not annotate the shortlist")
	}
}

func TestRankShortlistBeyondStageATopN(t *testing.T) {
	dir := t.TempDir()
	var records []map[string]any
	for i := 1; i <= 60; i++ {
		records = append(records, rec(fmt.Sprintf("c%d", i), fmt.Sprintf("Cardiologist %d", i),
			"Cardiology", nil, nil, "General cardiology", false))
	}
	path := filepath.Join(dir, "corpus.json")
	writeJSON(t, path, map[string]any{"records": records})
	corpus, err := practitioner.LoadCorpus(path)
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(Options{Corpus: corpus})
	if err != nil {
		t.Fatal(err)
	}

	// the default stage_a_top_n is 50; the shortlist must still be honored
	resp, err := e.Rank(context.Background(), RankRequest{Query: "cardiology", ShortlistSize: 60})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TotalResults != 60 {
		t.Fatalf("totalResults = %d, want all 60 candidates", resp.TotalResults)
	}
	seen := make(map[string]bool, len(resp.Results))
	for _, r := range resp.Results {
		seen[r.ID] = true
	}
	if len(seen) != 60 {
		t.Errorf("results carry %d distinct ids, want 60", len(seen))
	}
}

func TestRankV6HonorsShortlistSize(t *testing.T) {
	e := newTestEngine(t, clearSVTCompleter())
	resp, err := e.Rank(context.Background(), RankRequest{
		Query:         "I need SVT ablation",
		Variant:       VariantV6,
		ShortlistSize: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TotalResults != 2 {
		t.Fatalf("totalResults = %d, want the requested 2", resp.TotalResults)
	}

	// an explicit progressive config owns the working-set size instead
	resp, err = e.Rank(context.Background(), RankRequest{
		Query:         "I need SVT ablation",
		Variant:       VariantV6,
		ShortlistSize: 2,
		Progressive:   &progressive.Config{Shortlist: 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TotalResults != 4 {
		t.Fatalf("totalResults = %d, want the progressive shortlist of 4", resp.TotalResults)
	}
}

func TestNewRejectsEmptyCorpus(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, internalerr.ErrCorpusEmpty) {
		t.Errorf("err = %v, want ErrCorpusEmpty", err)
	}
}
