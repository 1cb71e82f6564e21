// Package medrank is the ranking engine facade: it wires the lexicon,
// corpus, session extraction, the two-stage ranking pipeline and the LLM
// evaluators into the four variants (v2, v5, v6, v7).
package medrank

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/caredirect/medrank/pkg/medrank/bm25"
	"github.com/caredirect/medrank/pkg/medrank/checklist"
	"github.com/caredirect/medrank/pkg/medrank/config"
	"github.com/caredirect/medrank/pkg/medrank/fit"
	"github.com/caredirect/medrank/pkg/medrank/ideal"
	"github.com/caredirect/medrank/pkg/medrank/internalerr"
	"github.com/caredirect/medrank/pkg/medrank/lexicon"
	"github.com/caredirect/medrank/pkg/medrank/llm"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
	"github.com/caredirect/medrank/pkg/medrank/progressive"
	"github.com/caredirect/medrank/pkg/medrank/queryplan"
	"github.com/caredirect/medrank/pkg/medrank/rescore"
	"github.com/caredirect/medrank/pkg/medrank/session"
	"github.com/caredirect/medrank/pkg/medrank/textproc"
)

// Pipeline variants.
const (
	VariantV2 = "v2" // session context + BM25 + deterministic rescoring
	VariantV5 = "v5" // v2 with the ideal-profile score as the rescoring delta
	VariantV6 = "v6" // v2 + progressive fit refinement
	VariantV7 = "v7" // v6 + competency-checklist boost
)

// Options configures an Engine instance.
type Options struct {
	Corpus      *practitioner.Corpus
	Lexicon     *lexicon.Store
	Aliaser     *textproc.Aliaser
	Completer   llm.Completer // nil runs every variant in degraded mode
	Cache       session.Cache
	Ranking     config.Ranking
	Progressive progressive.Config
	Logger      *zap.Logger
}

// Engine is the ranking engine facade.
type Engine struct {
	corpus    *practitioner.Corpus
	lexicon   *lexicon.Store
	aliaser   *textproc.Aliaser
	completer llm.Completer
	ranking   config.Ranking
	progCfg   progressive.Config
	logger    *zap.Logger

	extractor *session.Extractor
	idealEx   *ideal.Extractor
	evaluator *fit.Evaluator
	checklist *checklist.Generator

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates an Engine with the given dependencies. The corpus is
// mandatory; everything else has a working default.
func New(opts Options) (*Engine, error) {
	if opts.Corpus == nil || len(opts.Corpus.Practitioners) == 0 {
		return nil, fmt.Errorf("medrank: %w", internalerr.ErrCorpusEmpty)
	}
	ranking := opts.Ranking
	if ranking == (config.Ranking{}) {
		ranking = config.DefaultRanking()
	}
	if err := ranking.Validate(); err != nil {
		return nil, fmt.Errorf("medrank: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	aliaser := opts.Aliaser
	if aliaser == nil {
		aliaser = textproc.NewAliaser()
	}

	e := &Engine{
		corpus:    opts.Corpus,
		lexicon:   opts.Lexicon,
		aliaser:   aliaser,
		completer: opts.Completer,
		ranking:   ranking,
		progCfg:   opts.Progressive,
		logger:    logger,
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	e.extractor = &session.Extractor{
		Completer:     opts.Completer,
		Lexicon:       opts.Lexicon,
		Cache:         opts.Cache,
		Logger:        logger,
		PromptVariant: session.PromptV2,
	}
	e.idealEx = &ideal.Extractor{Completer: opts.Completer, Logger: logger}
	e.evaluator = &fit.Evaluator{Completer: opts.Completer, Logger: logger}
	e.checklist = &checklist.Generator{Completer: opts.Completer, Lexicon: opts.Lexicon, Logger: logger}
	return e, nil
}

// Ranking returns the engine's base ranking configuration.
func (e *Engine) Ranking() config.Ranking { return e.ranking }

// CorpusStats exposes corpus summary data for the status endpoint.
func (e *Engine) CorpusStats() practitioner.CorpusStats { return e.corpus.Stats() }

func (e *Engine) runID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), e.entropy).String()
}

// Message is one turn of the prior conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RankRequest is one ranking call. Zero values select the documented
// defaults; Config and Progressive override per request. ShortlistSize
// bounds the response for every variant; under v6/v7 it also sizes the
// refinement working set unless a Progressive config sets its own.
type RankRequest struct {
	Query         string
	Messages      []Message
	Variant       string
	ShortlistSize int
	Filters       queryplan.Filters
	EvaluateFit   bool // annotate v2/v5 results with fit verdicts
	Config        *config.Ranking
	Progressive   *progressive.Config
}

const defaultShortlist = 10

// Result is one ranked practitioner in the response.
type Result struct {
	Rank           int                `json:"rank"`
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Title          string             `json:"title,omitempty"`
	Specialty      string             `json:"specialty,omitempty"`
	Score          float64            `json:"score"`
	BM25Score      float64            `json:"bm25Score"`
	RescoringInfo  map[string]float64 `json:"rescoringInfo,omitempty"`
	FitCategory    string             `json:"fit_category,omitempty"`
	FitReason      string             `json:"fit_reason,omitempty"`
	IterationFound *int               `json:"iteration_found,omitempty"`
	ProfileURL     string             `json:"profile_url,omitempty"`
}

// QueryInfo summarizes how the result was produced.
type QueryInfo struct {
	RunID   string `json:"runId"`
	Variant string `json:"variant"`

	QPatient             string                 `json:"q_patient"`
	Goal                 string                 `json:"goal,omitempty"`
	Specificity          string                 `json:"specificity,omitempty"`
	Confidence           float64                `json:"confidence"`
	PrimaryIntent        string                 `json:"primary_intent,omitempty"`
	Ambiguous            bool                   `json:"isQueryAmbiguous"`
	AnchorPhrases        []string               `json:"anchor_phrases,omitempty"`
	SafeLaneTerms        []string               `json:"safe_lane_terms,omitempty"`
	IntentTerms          []string               `json:"intent_terms,omitempty"`
	NegativeTerms        []string               `json:"negative_terms,omitempty"`
	LikelySubspecialties []session.Subspecialty `json:"likely_subspecialties,omitempty"`
	Sources              session.Sources        `json:"sources"`

	Filters        queryplan.FilterStats `json:"filterStats"`
	CandidateCount int                   `json:"candidateCount"`

	Iterations        *int                 `json:"iterations,omitempty"`
	ProfilesEvaluated *int                 `json:"profilesEvaluated,omitempty"`
	TerminationReason string               `json:"terminationReason,omitempty"`
	QualityBreakdown  map[fit.Category]int `json:"qualityBreakdown,omitempty"`

	Checklist *checklist.Checklist `json:"checklist,omitempty"`

	Note string `json:"note,omitempty"`
}

// Timing reports wall-clock milliseconds per phase.
type Timing struct {
	Ranking    float64 `json:"ranking"`
	Evaluation float64 `json:"evaluation"`
	Total      float64 `json:"total"`
}

// RankResponse is the full ranking response.
type RankResponse struct {
	Success        bool      `json:"success"`
	Query          string    `json:"query"`
	TotalResults   int       `json:"totalResults"`
	Results        []Result  `json:"results"`
	QueryInfo      QueryInfo `json:"queryInfo"`
	ProcessingTime Timing    `json:"processingTime"`
}

// Rank runs one request through the selected pipeline variant.
func (e *Engine) Rank(ctx context.Context, req RankRequest) (*RankResponse, error) {
	start := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" && req.Filters.Specialty == "" {
		return nil, fmt.Errorf("medrank: empty query and no specialty: %w", internalerr.ErrInvalidInput)
	}
	variant := req.Variant
	if variant == "" {
		variant = VariantV2
	}
	switch variant {
	case VariantV2, VariantV5, VariantV6, VariantV7:
	default:
		return nil, fmt.Errorf("medrank: unknown variant %q: %w", variant, internalerr.ErrInvalidInput)
	}
	shortlist := req.ShortlistSize
	if shortlist <= 0 {
		shortlist = defaultShortlist
	}
	cfg := config.MergeRequest(e.ranking, req.Config)
	// the Stage-A slate must cover the requested shortlist; zero-fill keeps
	// the widened slate deterministic
	if cfg.StageATopN < shortlist {
		cfg.StageATopN = shortlist
	}
	progCfg := e.progCfg
	if req.Progressive != nil {
		progCfg = *req.Progressive
	}
	if progCfg.Shortlist <= 0 && req.ShortlistSize > 0 {
		progCfg.Shortlist = req.ShortlistSize
	}

	runID := e.runID()
	log := e.logger.With(zap.String("runId", runID), zap.String("variant", variant))

	// session context
	sc, err := e.extractor.Extract(ctx, query, conversationText(req.Messages), req.Filters.Specialty)
	if err != nil {
		// the extractor falls back internally; an error here means every
		// leg failed before the fallback path, still not fatal
		log.Warn("session extraction degraded", zap.Error(err))
		sc = session.Fallback(query)
	}

	// pre-filter chain
	candidates, stats := queryplan.Apply(e.corpus.Practitioners, req.Filters, &sc)
	if stats.BlacklistedCount > 0 {
		log.Info("blacklisted practitioners excluded", zap.Int("blacklistedCount", stats.BlacklistedCount))
	}

	info := QueryInfo{
		RunID:                runID,
		Variant:              variant,
		QPatient:             sc.QPatient,
		Goal:                 sc.Goal,
		Specificity:          sc.Specificity,
		Confidence:           sc.Confidence,
		PrimaryIntent:        sc.PrimaryIntent,
		Ambiguous:            sc.IsQueryAmbiguous(),
		AnchorPhrases:        sc.AnchorPhrases,
		SafeLaneTerms:        sc.SafeLaneTerms,
		IntentTerms:          sc.IntentTerms,
		NegativeTerms:        sc.NegativeTerms,
		LikelySubspecialties: sc.LikelySubspecialties,
		Sources:              sc.Sources,
		Filters:              stats,
		CandidateCount:       len(candidates),
	}

	if len(candidates) == 0 {
		info.Note = "no candidates after filtering"
		return &RankResponse{
			Success:        true,
			Query:          query,
			Results:        []Result{},
			QueryInfo:      info,
			ProcessingTime: timing(start, 0),
		}, nil
	}

	// Stage A over the filtered slice
	ix := bm25.New(candidates, cfg)
	hits := queryplan.StageA(ix, &sc, cfg, e.aliaser)

	var boost rescore.Boost
	if variant == VariantV7 {
		c := e.checklist.Generate(ctx, query)
		info.Checklist = &c
		boost = checklist.BoostFunc(c, cfg)
	}

	deltaPrimary := sc.IsQueryAmbiguous() && cfg.ParallelFamily()
	results := rescore.Rescore(hits, ix.Doc, &sc, cfg, boost)

	var out []Result
	var evalMS float64
	switch variant {
	case VariantV2:
		out = toResults(rescore.TopM(results, shortlist), ix)
	case VariantV5:
		profile := e.idealEx.Extract(ctx, query)
		if !profile.Empty() {
			for i := range results {
				score := ideal.Score(profile, ix.Doc(results[i].Doc))
				results[i].Delta = score
				results[i].Final = (results[i].BM25 + score) * results[i].Multiplier
				results[i].Info["ideal_score"] = score
			}
			rescore.Order(results, deltaPrimary)
		}
		out = toResults(rescore.TopM(results, shortlist), ix)
	case VariantV6, VariantV7:
		evalStart := time.Now()
		out = e.runProgressive(ctx, query, ix, &sc, cfg, progCfg, boost, results, &info)
		evalMS = float64(time.Since(evalStart)) / float64(time.Millisecond)
	}

	if req.EvaluateFit && (variant == VariantV2 || variant == VariantV5) {
		evalStart := time.Now()
		e.annotateFit(ctx, query, ix, out, log)
		evalMS = float64(time.Since(evalStart)) / float64(time.Millisecond)
	}

	return &RankResponse{
		Success:        true,
		Query:          query,
		TotalResults:   len(out),
		Results:        out,
		QueryInfo:      info,
		ProcessingTime: timing(start, evalMS),
	}, nil
}

// runProgressive runs the V6/V7 refinement loop and maps its outcome back
// onto response rows.
func (e *Engine) runProgressive(ctx context.Context, query string, ix *bm25.Index, sc *session.Context, cfg config.Ranking, progCfg progressive.Config, boost rescore.Boost, shortlisted []rescore.Result, info *QueryInfo) []Result {
	progCfg = progressiveWithDefaults(progCfg)

	// the fetch pool covers the whole filtered slice, not just Stage A
	poolCfg := cfg
	poolCfg.StageATopN = ix.Size()
	poolHits := queryplan.StageA(ix, sc, poolCfg, e.aliaser)
	poolResults := rescore.Rescore(poolHits, ix.Doc, sc, cfg, boost)

	byID := make(map[string]rescore.Result, len(poolResults))
	for _, r := range poolResults {
		byID[r.ID] = r
	}

	var fetchOrder []rescore.Result
	if progCfg.FetchStrategy == progressive.FetchStageB {
		fetchOrder = poolResults // already in Stage-B order
	} else {
		fetchOrder = make([]rescore.Result, 0, len(poolHits))
		for _, h := range poolHits {
			fetchOrder = append(fetchOrder, byID[h.ID])
		}
	}

	initial := rescore.TopM(shortlisted, progCfg.Shortlist)
	ctrl := &progressive.Controller{Evaluator: e.evaluator, Logger: e.logger, Cfg: progCfg}
	outcome := ctrl.Run(ctx, query, initial, ix.Size(), func(n int) []rescore.Result {
		if n > len(fetchOrder) {
			n = len(fetchOrder)
		}
		return fetchOrder[:n]
	}, func(id string) *practitioner.Practitioner {
		if p, ok := e.corpus.ByID(id); ok {
			return p
		}
		return nil
	})

	iterations := outcome.Iterations
	evaluated := outcome.ProfilesEvaluated
	info.Iterations = &iterations
	info.ProfilesEvaluated = &evaluated
	info.TerminationReason = outcome.TerminationReason
	info.QualityBreakdown = outcome.Breakdown

	out := make([]Result, 0, len(outcome.Results))
	for i, r := range outcome.Results {
		base := byID[r.ID]
		found := r.IterationFound
		row := Result{
			Rank:           i + 1,
			ID:             r.ID,
			Score:          r.Score,
			BM25Score:      base.BM25,
			RescoringInfo:  base.Info,
			FitCategory:    string(r.Category),
			FitReason:      r.Reason,
			IterationFound: &found,
		}
		if p, ok := e.corpus.ByID(r.ID); ok {
			row.Name = p.Name
			row.Title = p.Title
			row.Specialty = p.Specialty
			row.ProfileURL = p.ProfileURL
		}
		out = append(out, row)
	}
	return out
}

// annotateFit adds fit verdicts to an already ranked shortlist. Failures
// leave the rows unannotated.
func (e *Engine) annotateFit(ctx context.Context, query string, ix *bm25.Index, rows []Result, log *zap.Logger) {
	if e.completer == nil || len(rows) == 0 {
		return
	}
	docs := make([]*practitioner.Practitioner, 0, len(rows))
	for _, row := range rows {
		if p, ok := e.corpus.ByID(row.ID); ok {
			docs = append(docs, p)
		}
	}
	verdicts, err := e.evaluator.Evaluate(ctx, query, docs)
	if err != nil {
		log.Warn("fit annotation skipped", zap.Error(err))
		return
	}
	for i := range rows {
		if v, ok := verdicts[rows[i].ID]; ok {
			rows[i].FitCategory = string(v.Category)
			rows[i].FitReason = v.Reason
		}
	}
}

func toResults(results []rescore.Result, ix *bm25.Index) []Result {
	out := make([]Result, 0, len(results))
	for i, r := range results {
		p := ix.Doc(r.Doc)
		out = append(out, Result{
			Rank:          i + 1,
			ID:            r.ID,
			Name:          p.Name,
			Title:         p.Title,
			Specialty:     p.Specialty,
			Score:         r.Final,
			BM25Score:     r.BM25,
			RescoringInfo: r.Info,
			ProfileURL:    p.ProfileURL,
		})
	}
	return out
}

func progressiveWithDefaults(cfg progressive.Config) progressive.Config {
	d := progressive.DefaultConfig()
	if cfg.Shortlist <= 0 {
		cfg.Shortlist = d.Shortlist
	}
	if cfg.TargetTopK <= 0 {
		cfg.TargetTopK = d.TargetTopK
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = d.MaxIterations
	}
	if cfg.MaxProfilesReviewed <= 0 {
		cfg.MaxProfilesReviewed = d.MaxProfilesReviewed
	}
	if cfg.Batch <= 0 {
		cfg.Batch = d.Batch
	}
	if cfg.FetchStrategy == "" {
		cfg.FetchStrategy = d.FetchStrategy
	}
	return cfg
}

func conversationText(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

func timing(start time.Time, evalMS float64) Timing {
	total := float64(time.Since(start)) / float64(time.Millisecond)
	ranking := total - evalMS
	if ranking < 0 {
		ranking = 0
	}
	return Timing{Ranking: ranking, Evaluation: evalMS, Total: total}
}
