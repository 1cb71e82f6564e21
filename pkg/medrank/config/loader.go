package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Server is the rankd.yaml layout: data paths, listen address, cache
// backend, LLM settings and ranking overrides.
type Server struct {
	Listen string `yaml:"listen"`

	Data struct {
		Corpus          string `yaml:"corpus"`
		CanonicalCorpus string `yaml:"canonical_corpus"`
		Subspecialties  string `yaml:"subspecialties"`
		Procedures      string `yaml:"procedures"`
		Conditions      string `yaml:"conditions"`
		Taxonomy        string `yaml:"taxonomy"`
		Equivalences    string `yaml:"equivalences"`
	} `yaml:"data"`

	Cache struct {
		Backend  string `yaml:"backend"` // "memory" or "sqlite"
		Path     string `yaml:"path"`    // sqlite file or memory snapshot
		Capacity int    `yaml:"capacity"`
	} `yaml:"cache"`

	LLM struct {
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"llm"`

	Ranking *Ranking `yaml:"ranking"`

	Progressive struct {
		Shortlist           int    `yaml:"shortlist"`
		TargetTopK          int    `yaml:"target_top_k"`
		MaxIterations       int    `yaml:"max_iterations"`
		MaxProfilesReviewed int    `yaml:"max_profiles_reviewed"`
		Batch               int    `yaml:"batch"`
		FetchStrategy       string `yaml:"fetch_strategy"`
	} `yaml:"progressive"`
}

// LoadServer reads and validates a rankd.yaml file. The ranking section is
// merged over defaults: absent means DefaultRanking unchanged.
func LoadServer(path string) (*Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := &Server{}
	cfg.Listen = ":8080"
	cfg.Cache.Backend = "memory"
	cfg.Cache.Capacity = 4096
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Listen = ":" + port
	}
	if cfg.Data.Corpus == "" {
		return nil, fmt.Errorf("config: data.corpus path required")
	}
	return cfg, nil
}

// EffectiveRanking returns the ranking section merged over defaults.
func (s *Server) EffectiveRanking() (Ranking, error) {
	r := DefaultRanking()
	if s.Ranking != nil {
		r = mergeRanking(r, *s.Ranking)
	}
	if err := r.Validate(); err != nil {
		return Ranking{}, err
	}
	return r, nil
}

// mergeRanking overlays set override fields onto base: non-zero numerics,
// non-empty strings and non-nil booleans. An explicit false in an override
// therefore disables a default-on knob.
func mergeRanking(base, over Ranking) Ranking {
	out := base
	if over.K1 != 0 {
		out.K1 = over.K1
	}
	if over.B != 0 {
		out.B = over.B
	}
	out.Fields = mergeFields(base.Fields, over.Fields)
	if over.StageATopN != 0 {
		out.StageATopN = over.StageATopN
	}
	if over.IntentTermsInBM25 != nil {
		out.IntentTermsInBM25 = over.IntentTermsInBM25
	}
	if over.IntentTermsCap != 0 {
		out.IntentTermsCap = over.IntentTermsCap
	}
	if over.StageATwoQuery != nil {
		out.StageATwoQuery = over.StageATwoQuery
	}
	if over.TwoQueryPatientN != 0 {
		out.TwoQueryPatientN = over.TwoQueryPatientN
	}
	if over.TwoQueryIntentN != 0 {
		out.TwoQueryIntentN = over.TwoQueryIntentN
	}
	if over.QualityBoost != nil {
		out.QualityBoost = over.QualityBoost
	}
	if over.RescoreVariant != "" {
		out.RescoreVariant = over.RescoreVariant
	}
	if over.AnchorPerMatch != 0 {
		out.AnchorPerMatch = over.AnchorPerMatch
	}
	if over.AnchorCap != 0 {
		out.AnchorCap = over.AnchorCap
	}
	if over.ProcedurePerMatch != 0 {
		out.ProcedurePerMatch = over.ProcedurePerMatch
	}
	if over.SubspecialtyFactor != 0 {
		out.SubspecialtyFactor = over.SubspecialtyFactor
	}
	if over.SubspecialtyCap != 0 {
		out.SubspecialtyCap = over.SubspecialtyCap
	}
	if over.HighSignal1 != 0 {
		out.HighSignal1 = over.HighSignal1
	}
	if over.HighSignal2 != 0 {
		out.HighSignal2 = over.HighSignal2
	}
	if over.Pathway1 != 0 {
		out.Pathway1 = over.Pathway1
	}
	if over.Pathway2 != 0 {
		out.Pathway2 = over.Pathway2
	}
	if over.Pathway3 != 0 {
		out.Pathway3 = over.Pathway3
	}
	if over.SafeLane1 != 0 {
		out.SafeLane1 = over.SafeLane1
	}
	if over.SafeLane2 != 0 {
		out.SafeLane2 = over.SafeLane2
	}
	if over.SafeLane3OrMore != 0 {
		out.SafeLane3OrMore = over.SafeLane3OrMore
	}
	if over.NegativeMult1 != 0 {
		out.NegativeMult1 = over.NegativeMult1
	}
	if over.NegativeMult2 != 0 {
		out.NegativeMult2 = over.NegativeMult2
	}
	if over.NegativeMult4 != 0 {
		out.NegativeMult4 = over.NegativeMult4
	}
	if over.StageANegativePenalty != nil {
		out.StageANegativePenalty = over.StageANegativePenalty
	}
	if over.ChecklistMatchThreshold != 0 {
		out.ChecklistMatchThreshold = over.ChecklistMatchThreshold
	}
	if over.ChecklistBoostWeight != 0 {
		out.ChecklistBoostWeight = over.ChecklistBoostWeight
	}
	return out
}

func mergeFields(base, over FieldWeights) FieldWeights {
	out := base
	if over.ClinicalExpertise != 0 {
		out.ClinicalExpertise = over.ClinicalExpertise
	}
	if over.ProcedureGroups != 0 {
		out.ProcedureGroups = over.ProcedureGroups
	}
	if over.Specialty != 0 {
		out.Specialty = over.Specialty
	}
	if over.Subspecialties != 0 {
		out.Subspecialties = over.Subspecialties
	}
	if over.SpecialtyDescription != 0 {
		out.SpecialtyDescription = over.SpecialtyDescription
	}
	if over.ExpertiseProcedures != 0 {
		out.ExpertiseProcedures = over.ExpertiseProcedures
	}
	if over.ExpertiseConditions != 0 {
		out.ExpertiseConditions = over.ExpertiseConditions
	}
	if over.ExpertiseInterests != 0 {
		out.ExpertiseInterests = over.ExpertiseInterests
	}
	if over.ExpertiseFallback != 0 {
		out.ExpertiseFallback = over.ExpertiseFallback
	}
	if over.About != 0 {
		out.About = over.About
	}
	if over.Name != 0 {
		out.Name = over.Name
	}
	return out
}

// MergeRequest overlays a per-request override onto an effective config.
// Exposed for the HTTP layer's rankingConfig request field.
func MergeRequest(base Ranking, over *Ranking) Ranking {
	if over == nil {
		return base
	}
	return mergeRanking(base, *over)
}
