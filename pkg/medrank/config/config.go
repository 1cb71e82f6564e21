package config

import (
	"fmt"

	"github.com/caredirect/medrank/pkg/medrank/internalerr"
)

// Rescore variants. "base" uses BM25 order with additive adjustments only;
// the parallel family adds intent-tier and safe-lane signals and lets the
// rescoring delta take over as the primary key for ambiguous queries.
const (
	VariantBase       = "base"
	VariantParallel   = "parallel"
	VariantParallelV2 = "parallel-v2"
)

// FieldWeights are the BM25 per-field multipliers. A weight of w is
// equivalent to the field's text appearing w times in a flat document.
type FieldWeights struct {
	ClinicalExpertise    float64 `yaml:"clinical_expertise"`
	ProcedureGroups      float64 `yaml:"procedure_groups"`
	Specialty            float64 `yaml:"specialty"`
	Subspecialties       float64 `yaml:"subspecialties"`
	SpecialtyDescription float64 `yaml:"specialty_description"`
	ExpertiseProcedures  float64 `yaml:"expertise_procedures"`
	ExpertiseConditions  float64 `yaml:"expertise_conditions"`
	ExpertiseInterests   float64 `yaml:"expertise_interests"`
	ExpertiseFallback    float64 `yaml:"expertise_fallback"`
	About                float64 `yaml:"about"`
	Name                 float64 `yaml:"name"`
}

// Ranking holds every tunable knob of the two-stage pipeline. All fields
// have working defaults; YAML config and per-request overrides layer on top.
// Boolean knobs are pointers so an override can carry an explicit false: nil
// means "keep the layer below", which the Enabled accessors resolve.
type Ranking struct {
	K1 float64 `yaml:"k1"`
	B  float64 `yaml:"b"`

	Fields FieldWeights `yaml:"field_weights"`

	StageATopN        int   `yaml:"stage_a_top_n"`
	IntentTermsInBM25 *bool `yaml:"intent_terms_in_bm25"`
	IntentTermsCap    int   `yaml:"intent_terms_cap"`

	StageATwoQuery   *bool `yaml:"stage_a_two_query"`
	TwoQueryPatientN int   `yaml:"two_query_patient_n"`
	TwoQueryIntentN  int   `yaml:"two_query_intent_n"`

	QualityBoost *bool `yaml:"quality_boost"`

	RescoreVariant string `yaml:"rescore_variant"`

	AnchorPerMatch    float64 `yaml:"anchor_per_match"`
	AnchorCap         float64 `yaml:"anchor_cap"`
	ProcedurePerMatch float64 `yaml:"procedure_per_match"`

	SubspecialtyFactor float64 `yaml:"subspecialty_factor"`
	SubspecialtyCap    float64 `yaml:"subspecialty_cap"`

	HighSignal1 float64 `yaml:"high_signal_1"`
	HighSignal2 float64 `yaml:"high_signal_2"`
	Pathway1    float64 `yaml:"pathway_1"`
	Pathway2    float64 `yaml:"pathway_2"`
	Pathway3    float64 `yaml:"pathway_3"`

	SafeLane1       float64 `yaml:"safe_lane_1"`
	SafeLane2       float64 `yaml:"safe_lane_2"`
	SafeLane3OrMore float64 `yaml:"safe_lane_3_or_more"`

	NegativeMult1 float64 `yaml:"negative_mult_1"`
	NegativeMult2 float64 `yaml:"negative_mult_2"`
	NegativeMult4 float64 `yaml:"negative_mult_4"`

	StageANegativePenalty *bool `yaml:"stage_a_negative_penalty"`

	ChecklistMatchThreshold float64 `yaml:"checklist_match_threshold"`
	ChecklistBoostWeight    float64 `yaml:"checklist_boost_weight"`
}

// DefaultRanking returns the tuned starting-point configuration.
func DefaultRanking() Ranking {
	return Ranking{
		K1: 1.5,
		B:  0.75,
		Fields: FieldWeights{
			ClinicalExpertise:    3.0,
			ProcedureGroups:      2.8,
			Specialty:            2.5,
			Subspecialties:       2.2,
			SpecialtyDescription: 2.0,
			ExpertiseProcedures:  2.0,
			ExpertiseConditions:  2.0,
			ExpertiseInterests:   1.8,
			ExpertiseFallback:    2.0,
			About:                1.2,
			Name:                 0.5,
		},
		StageATopN:        50,
		IntentTermsInBM25: Bool(false),
		IntentTermsCap:    8,
		StageATwoQuery:    Bool(false),
		TwoQueryPatientN:  50,
		TwoQueryIntentN:   30,
		QualityBoost:      Bool(true),

		RescoreVariant: VariantParallelV2,

		AnchorPerMatch:    0.25,
		AnchorCap:         0.75,
		ProcedurePerMatch: 0.15,

		SubspecialtyFactor: 0.50,
		SubspecialtyCap:    0.60,

		HighSignal1: 0.15,
		HighSignal2: 0.12,
		Pathway1:    0.10,
		Pathway2:    0.08,
		Pathway3:    0.05,

		SafeLane1:       0.10,
		SafeLane2:       0.18,
		SafeLane3OrMore: 0.25,

		NegativeMult1: 0.85,
		NegativeMult2: 0.70,
		NegativeMult4: 0.50,

		StageANegativePenalty: Bool(false),

		ChecklistMatchThreshold: 0.30,
		ChecklistBoostWeight:    1.20,
	}
}

// Bool returns a pointer to v, for setting boolean knobs in literals.
func Bool(v bool) *bool { return &v }

func boolKnob(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}

// QualityBoostEnabled resolves the quality_boost knob (default on).
func (r Ranking) QualityBoostEnabled() bool { return boolKnob(r.QualityBoost, true) }

// IntentTermsInBM25Enabled resolves the intent_terms_in_bm25 knob (default off).
func (r Ranking) IntentTermsInBM25Enabled() bool { return boolKnob(r.IntentTermsInBM25, false) }

// StageATwoQueryEnabled resolves the stage_a_two_query knob (default off).
func (r Ranking) StageATwoQueryEnabled() bool { return boolKnob(r.StageATwoQuery, false) }

// StageANegativePenaltyEnabled resolves the stage_a_negative_penalty knob
// (default off).
func (r Ranking) StageANegativePenaltyEnabled() bool { return boolKnob(r.StageANegativePenalty, false) }

// ParallelFamily reports whether the configured rescore variant treats the
// rescoring delta as the primary key for ambiguous queries.
func (r Ranking) ParallelFamily() bool {
	return r.RescoreVariant == VariantParallel || r.RescoreVariant == VariantParallelV2
}

// Validate checks value ranges that would silently break scoring.
func (r Ranking) Validate() error {
	if r.K1 <= 0 {
		return fmt.Errorf("k1 must be positive: %w", internalerr.ErrInvalidConfig)
	}
	if r.B < 0 || r.B > 1 {
		return fmt.Errorf("b must be in [0,1]: %w", internalerr.ErrInvalidConfig)
	}
	if r.StageATopN <= 0 {
		return fmt.Errorf("stage_a_top_n must be positive: %w", internalerr.ErrInvalidConfig)
	}
	switch r.RescoreVariant {
	case VariantBase, VariantParallel, VariantParallelV2:
	default:
		return fmt.Errorf("unknown rescore variant %q: %w", r.RescoreVariant, internalerr.ErrInvalidConfig)
	}
	if r.ChecklistMatchThreshold < 0 || r.ChecklistMatchThreshold > 1 {
		return fmt.Errorf("checklist_match_threshold must be in [0,1]: %w", internalerr.ErrInvalidConfig)
	}
	return nil
}
