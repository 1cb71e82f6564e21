package session

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caredirect/medrank/pkg/medrank/lexicon"
	"github.com/caredirect/medrank/pkg/medrank/llm"
)

// Cache is the session-context cache the extractor reads through. Writes
// are idempotent and last-writer-wins; stale entries are tolerated.
type Cache interface {
	Get(ctx context.Context, key string) (Context, bool, error)
	Put(ctx context.Context, key string, sc Context) error
}

// PromptVariant selects the clinical-intent prompt. V2 injects lexicon
// snippets and caps the completion length.
const (
	PromptV1 = "v1"
	PromptV2 = "v2"
)

const (
	defaultLegTimeout = 10 * time.Second
	v2MaxTokens       = 320
)

// Extractor fans out the three intent extractions and merges the results.
// Any leg may fail; its documented fallback fills the gap and the request
// still succeeds.
type Extractor struct {
	Completer     llm.Completer
	Lexicon       *lexicon.Store
	Cache         Cache
	Logger        *zap.Logger
	LegTimeout    time.Duration
	PromptVariant string
}

func (e *Extractor) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e *Extractor) legTimeout() time.Duration {
	if e.LegTimeout > 0 {
		return e.LegTimeout
	}
	return defaultLegTimeout
}

// generalResult mirrors the general-intent JSON contract.
type generalResult struct {
	Goal                 string         `json:"goal"`
	Specificity          string         `json:"specificity"`
	Confidence           float64        `json:"confidence"`
	ExpansionTerms       []string       `json:"expansion_terms"`
	NegativeTerms        []string       `json:"negative_terms"`
	AnchorPhrases        []string       `json:"anchor_phrases"`
	LikelySubspecialties []Subspecialty `json:"likely_subspecialties"`
}

func fallbackGeneral() generalResult {
	return generalResult{
		Goal:        GoalDiagnosticWorkup,
		Specificity: SpecificitySymptomOnly,
		Confidence:  0.3,
	}
}

// clinicalResult mirrors the clinical-intent JSON contract.
type clinicalResult struct {
	PrimaryIntent        string         `json:"primary_intent"`
	ExpansionTerms       []string       `json:"expansion_terms"`
	NegativeTerms        []string       `json:"negative_terms"`
	AnchorPhrases        []string       `json:"anchor_phrases"`
	LikelySubspecialties []Subspecialty `json:"likely_subspecialties"`
}

func fallbackClinical(specialty string) clinicalResult {
	lanes := clinicalLanes(specialty)
	return clinicalResult{PrimaryIntent: lanes[len(lanes)-1]}
}

// Extract produces a Context for a query, conversation tail and target
// specialty. The three LLM legs run concurrently with independent
// deadlines; expiration of one does not cancel the others. With no
// completer configured the static fallback context is returned.
func (e *Extractor) Extract(ctx context.Context, query, conversation, specialty string) (Context, error) {
	query = strings.TrimSpace(query)

	if e.Cache != nil {
		if cached, ok, err := e.Cache.Get(ctx, CacheKey(query, conversation)); err == nil && ok {
			cached.Sources.Cached = true
			return cached, nil
		}
	}

	if e.Completer == nil {
		return Fallback(query), nil
	}

	user := userMessage(query, conversation)
	v2 := e.PromptVariant != PromptV1

	general := fallbackGeneral()
	clinical := fallbackClinical(specialty)
	var insights Insights
	sources := Sources{}

	// Legs never propagate errors: a failed leg logs, keeps its fallback
	// and flips its Sources flag. errgroup is the single join point.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var out generalResult
		if err := e.callJSON(gctx, generalIntentSystem, user, 0, &out); err != nil {
			e.logger().Warn("general intent extraction fell back",
				zap.String("component", "session"), zap.Error(err))
			sources.GeneralFallback = true
			return nil
		}
		general = out
		return nil
	})
	g.Go(func() error {
		system := clinicalIntentSystem(specialty, e.Lexicon, v2)
		maxTokens := 0
		if v2 {
			maxTokens = v2MaxTokens
		}
		var out clinicalResult
		if err := e.callJSON(gctx, system, user, maxTokens, &out); err != nil {
			e.logger().Warn("clinical intent extraction fell back",
				zap.String("component", "session"), zap.Error(err))
			sources.ClinicalFallback = true
			return nil
		}
		clinical = out
		return nil
	})
	g.Go(func() error {
		var out Insights
		if err := e.callJSON(gctx, insightsSystem, user, 0, &out); err != nil {
			e.logger().Warn("insights extraction fell back",
				zap.String("component", "session"), zap.Error(err))
			sources.InsightsFallback = true
			return nil
		}
		insights = out
		return nil
	})
	_ = g.Wait()

	sc := e.merge(query, general, clinical, insights, sources)

	// a transient outage must not poison the cache with the fallback
	if e.Cache != nil && !sc.Sources.FullyDegraded() {
		if err := e.Cache.Put(ctx, CacheKey(query, conversation), sc); err != nil {
			e.logger().Warn("session cache write failed", zap.Error(err))
		}
	}
	return sc, nil
}

// callJSON runs one leg under its own deadline and decodes the response,
// tolerating markdown fences.
func (e *Extractor) callJSON(ctx context.Context, system, user string, maxTokens int, v any) error {
	legCtx, cancel := context.WithTimeout(ctx, e.legTimeout())
	defer cancel()
	raw, err := e.Completer.Chat(legCtx, llm.Request{System: system, User: user, MaxTokens: maxTokens})
	if err != nil {
		return err
	}
	return llm.UnmarshalLoose(raw, v)
}

func (e *Extractor) merge(query string, general generalResult, clinical clinicalResult, insights Insights, sources Sources) Context {
	subs := mergeSubspecialties(clinical.LikelySubspecialties, general.LikelySubspecialties)
	intentTerms := mergeIntentTerms(clinical.ExpansionTerms, general.ExpansionTerms, subs)

	sc := Context{
		QPatient:             query,
		Goal:                 general.Goal,
		Specificity:          general.Specificity,
		Confidence:           general.Confidence,
		PrimaryIntent:        clinical.PrimaryIntent,
		IntentTerms:          intentTerms,
		SafeLaneTerms:        deriveSafeLane(intentTerms),
		AnchorPhrases:        mergeAnchors(clinical.AnchorPhrases, general.AnchorPhrases),
		LikelySubspecialties: subs,
		Insights:             insights,
		Sources:              sources,
	}
	if sc.IsQueryClear() {
		sc.NegativeTerms = mergeNegatives(clinical.NegativeTerms, general.NegativeTerms)
	}
	return sc
}

func mergeNegatives(clinical, general []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range append(append([]string{}, clinical...), general...) {
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
	return out
}
