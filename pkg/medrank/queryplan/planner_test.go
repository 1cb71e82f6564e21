package queryplan

import (
	"strings"
	"testing"

	"github.com/caredirect/medrank/pkg/medrank/bm25"
	"github.com/caredirect/medrank/pkg/medrank/config"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
	"github.com/caredirect/medrank/pkg/medrank/session"
	"github.com/caredirect/medrank/pkg/medrank/textproc"
)

func TestBuildQuerySingle(t *testing.T) {
	sc := &session.Context{
		QPatient:      "I need SVT ablation",
		SafeLaneTerms: []string{"palpitations"},
		AnchorPhrases: []string{"catheter ablation"},
		IntentTerms:   []string{"arrhythmia", "electrophysiology"},
	}
	cfg := config.DefaultRanking()

	q := BuildQuery(sc, cfg, nil)
	for _, want := range []string{"I need SVT ablation", "palpitations", "catheter ablation"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}
	if strings.Contains(q, "arrhythmia") {
		t.Error("intent terms must stay out of the query by default")
	}

	cfg.IntentTermsInBM25 = config.Bool(true)
	cfg.IntentTermsCap = 1
	q = BuildQuery(sc, cfg, nil)
	if !strings.Contains(q, "arrhythmia") || strings.Contains(q, "electrophysiology") {
		t.Errorf("intent cap not honored: %q", q)
	}
}

func TestBuildQueryAppliesAliases(t *testing.T) {
	sc := &session.Context{QPatient: "I need SVT ablation"}
	q := BuildQuery(sc, config.DefaultRanking(), textproc.NewAliaser())
	if !strings.Contains(q, "supraventricular tachycardia") {
		t.Errorf("equivalence aliasing not applied: %q", q)
	}
}

func plannerDocs() []practitioner.Practitioner {
	return []practitioner.Practitioner{
		{ID: "ep1", Specialty: "Cardiology", Subspecialties: []string{"Electrophysiology"},
			ClinicalExpertise: "Procedure: Catheter Ablation; Condition: Supraventricular Tachycardia"},
		{ID: "hf1", Specialty: "Cardiology", Subspecialties: []string{"Heart Failure"},
			ClinicalExpertise: "Condition: Heart Failure, Cardiomyopathy"},
		{ID: "gc1", Specialty: "Cardiology", About: "General cardiology clinics."},
	}
}

func TestStageASingleQuery(t *testing.T) {
	cfg := config.DefaultRanking()
	cfg.QualityBoost = config.Bool(false)
	cfg.StageATopN = 2
	ix := bm25.New(plannerDocs(), cfg)
	sc := &session.Context{QPatient: "catheter ablation"}

	hits := StageA(ix, sc, cfg, nil)
	if len(hits) != 2 {
		t.Fatalf("StageA returned %d hits, want stage_a_top_n", len(hits))
	}
	if hits[0].ID != "ep1" {
		t.Errorf("top hit = %s", hits[0].ID)
	}
}

func TestStageATwoQueryUnion(t *testing.T) {
	cfg := config.DefaultRanking()
	cfg.QualityBoost = config.Bool(false)
	cfg.StageATwoQuery = config.Bool(true)
	ix := bm25.New(plannerDocs(), cfg)
	sc := &session.Context{
		QPatient:    "catheter ablation",
		IntentTerms: []string{"cardiomyopathy"},
	}

	hits := StageA(ix, sc, cfg, nil)
	// the intent leg surfaces hf1 even though the patient leg missed it
	foundHF := false
	for _, h := range hits {
		if h.ID == "hf1" && h.Score > 0 {
			foundHF = true
		}
	}
	if !foundHF {
		t.Errorf("two-query union lost the intent-leg hit: %+v", hits)
	}
	// both legs are max-normalized, so their top docs tie at 1.0
	if hits[0].Score > 1.0 {
		t.Errorf("normalized score above 1: %f", hits[0].Score)
	}
}

func TestStageANegativePenalty(t *testing.T) {
	cfg := config.DefaultRanking()
	cfg.QualityBoost = config.Bool(false)
	cfg.StageANegativePenalty = config.Bool(true)
	docs := plannerDocs()
	for i := range docs {
		// planner reads SearchText for penalties; corpus load builds it
		docs[i].Derive()
	}
	ix := bm25.New(docs, cfg)
	sc := &session.Context{
		QPatient:      "cardiology",
		NegativeTerms: []string{"heart failure"},
	}
	hits := StageA(ix, sc, cfg, nil)
	var hfScore, epScore float64
	for _, h := range hits {
		switch h.ID {
		case "hf1":
			hfScore = h.Score
		case "ep1":
			epScore = h.Score
		}
	}
	if hfScore <= 0 || epScore <= 0 {
		t.Fatalf("both cardiology docs should score: hf=%f ep=%f", hfScore, epScore)
	}
	if hfScore >= epScore {
		t.Errorf("negative term should demote hf1: hf=%f ep=%f", hfScore, epScore)
	}
}
