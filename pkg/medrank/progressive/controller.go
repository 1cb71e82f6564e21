// Package progressive implements the V6 loop: evaluate the current
// shortlist, fetch more candidates while the top K are not all excellent,
// and re-rank by fit category. The review cap is the dominant cost
// governor: it bounds per-request LLM spend.
package progressive

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/caredirect/medrank/pkg/medrank/fit"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
	"github.com/caredirect/medrank/pkg/medrank/rescore"
)

// Fetch strategies. Stage A is the default: Stage-B rescoring tends to
// re-surface the same documents when many candidates have zero base score.
const (
	FetchStageA = "stage-a"
	FetchStageB = "stage-b"
)

// Termination reasons surfaced in queryInfo.
const (
	ReasonTopKExcellent       = "top-k-excellent"
	ReasonMaxIterations       = "max-iterations"
	ReasonMaxProfilesReviewed = "max-profiles-reviewed"
	ReasonNoMoreProfiles      = "no-more-profiles"
	ReasonEvaluationFailed    = "evaluation-failed"
	ReasonEmptyResults        = "empty-results"
	ReasonDeadlineExceeded    = "deadline-exceeded"
)

// Config holds the loop caps and the fetch strategy.
type Config struct {
	Shortlist           int    `json:"shortlistSize"`
	TargetTopK          int    `json:"targetTopK"`
	MaxIterations       int    `json:"maxIterations"`
	MaxProfilesReviewed int    `json:"maxProfilesReviewed"`
	Batch               int    `json:"batch"`
	FetchStrategy       string `json:"fetchStrategy"`
}

// DefaultConfig returns the production caps.
func DefaultConfig() Config {
	return Config{
		Shortlist:           12,
		TargetTopK:          3,
		MaxIterations:       5,
		MaxProfilesReviewed: 30,
		Batch:               12,
		FetchStrategy:       FetchStageA,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Shortlist <= 0 {
		c.Shortlist = d.Shortlist
	}
	if c.TargetTopK <= 0 {
		c.TargetTopK = d.TargetTopK
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxProfilesReviewed <= 0 {
		c.MaxProfilesReviewed = d.MaxProfilesReviewed
	}
	if c.Batch <= 0 {
		c.Batch = d.Batch
	}
	if c.FetchStrategy == "" {
		c.FetchStrategy = d.FetchStrategy
	}
	return c
}

// Fetcher returns the top n candidates of the full pool under the
// configured strategy. The controller deduplicates against already
// evaluated ids itself.
type Fetcher func(n int) []rescore.Result

// Ranked is one entry of the final V6 ordering.
type Ranked struct {
	ID             string
	Score          float64
	Category       fit.Category
	Reason         string
	IterationFound int
}

// IterationDetail records one loop pass for queryInfo.
type IterationDetail struct {
	Iteration        int                  `json:"iteration"`
	Evaluated        int                  `json:"evaluated"`
	TopKAllExcellent bool                 `json:"topKAllExcellent"`
	Breakdown        map[fit.Category]int `json:"breakdown"`
}

// Outcome is the V6 result with its metadata.
type Outcome struct {
	Results           []Ranked
	Iterations        int
	ProfilesFetched   int
	ProfilesEvaluated int
	TerminationReason string
	Breakdown         map[fit.Category]int
	Details           []IterationDetail
}

// Controller drives the progressive refinement loop.
type Controller struct {
	Evaluator *fit.Evaluator
	Logger    *zap.Logger
	Cfg       Config
}

func (c *Controller) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// candidate is the per-id loop state. iteration_found stays an integer so
// nothing points back into the candidate slice.
type candidate struct {
	id       string
	score    float64
	order    int // insertion order, the deterministic tiebreaker
	found    int
	category fit.Category
	reason   string
}

// Run executes the loop over an initial Stage-B shortlist. poolSize is the
// number of candidates the fetcher could ever return; docByID resolves ids
// for evaluation.
func (c *Controller) Run(ctx context.Context, query string, initial []rescore.Result, poolSize int, fetch Fetcher, docByID func(string) *practitioner.Practitioner) Outcome {
	cfg := c.Cfg.withDefaults()

	if len(initial) == 0 {
		return Outcome{TerminationReason: ReasonEmptyResults, Breakdown: map[fit.Category]int{}}
	}

	state := make(map[string]*candidate, len(initial))
	var orderList []*candidate
	add := func(r rescore.Result, iteration int) *candidate {
		cand := &candidate{id: r.ID, score: r.Final, order: len(orderList), found: iteration, category: fit.Good}
		state[r.ID] = cand
		orderList = append(orderList, cand)
		return cand
	}

	shortlist := initial
	if len(shortlist) > cfg.Shortlist {
		shortlist = shortlist[:cfg.Shortlist]
	}
	// the review cap binds the initial batch too
	if len(shortlist) > cfg.MaxProfilesReviewed {
		shortlist = shortlist[:cfg.MaxProfilesReviewed]
	}
	for _, r := range shortlist {
		add(r, 0)
	}

	profilesFetched := len(shortlist)
	profilesReviewed := 0
	var details []IterationDetail

	evaluate := func(cands []*candidate) error {
		docs := make([]*practitioner.Practitioner, 0, len(cands))
		for _, cand := range cands {
			if p := docByID(cand.id); p != nil {
				docs = append(docs, p)
			}
		}
		verdicts, err := c.Evaluator.Evaluate(ctx, query, docs)
		if err != nil {
			return err
		}
		for _, cand := range cands {
			if v, ok := verdicts[cand.id]; ok {
				cand.category = v.Category
				cand.reason = v.Reason
			}
		}
		return nil
	}

	// initial evaluation
	if err := evaluate(orderList); err != nil {
		c.logger().Warn("initial fit evaluation failed",
			zap.String("component", "progressive"), zap.Error(err))
		profilesReviewed = len(orderList)
		return c.outcome(orderList, cfg, 0, profilesFetched, profilesReviewed, ReasonEvaluationFailed, details)
	}
	profilesReviewed = len(orderList)

	iteration := 0
	reason := ReasonMaxIterations
	for {
		details = append(details, IterationDetail{
			Iteration:        iteration,
			Evaluated:        profilesReviewed,
			TopKAllExcellent: c.topKExcellent(orderList, cfg),
			Breakdown:        breakdown(orderList),
		})

		if c.topKExcellent(orderList, cfg) {
			reason = ReasonTopKExcellent
			break
		}
		if iteration >= cfg.MaxIterations {
			reason = ReasonMaxIterations
			break
		}
		if profilesReviewed >= cfg.MaxProfilesReviewed {
			reason = ReasonMaxProfilesReviewed
			break
		}
		if err := ctx.Err(); err != nil {
			reason = ReasonDeadlineExceeded
			break
		}

		iteration++

		minFetch := maxInt(
			profilesFetched+2*cfg.Batch,
			3*cfg.Batch,
			minInt(poolSize, profilesFetched+5*cfg.Batch),
		)
		fetched := fetch(minFetch)

		var fresh []*candidate
		budget := cfg.MaxProfilesReviewed - profilesReviewed
		for _, r := range fetched {
			if len(fresh) == cfg.Batch || len(fresh) == budget {
				break
			}
			if _, seen := state[r.ID]; seen {
				continue
			}
			fresh = append(fresh, add(r, iteration))
		}
		profilesFetched += len(fresh)

		if len(fresh) == 0 {
			reason = ReasonNoMoreProfiles
			break
		}

		if err := evaluate(fresh); err != nil {
			// new candidates keep the good default; the loop continues
			c.logger().Warn("fit evaluation failed mid-loop",
				zap.String("component", "progressive"),
				zap.Int("iteration", iteration), zap.Error(err))
		}
		profilesReviewed += len(fresh)
	}

	return c.outcome(orderList, cfg, iteration, profilesFetched, profilesReviewed, reason, details)
}

func (c *Controller) outcome(cands []*candidate, cfg Config, iterations, fetched, reviewed int, reason string, details []IterationDetail) Outcome {
	ranked := rank(cands)
	if len(ranked) > cfg.Shortlist {
		ranked = ranked[:cfg.Shortlist]
	}
	return Outcome{
		Results:           ranked,
		Iterations:        iterations,
		ProfilesFetched:   fetched,
		ProfilesEvaluated: reviewed,
		TerminationReason: reason,
		Breakdown:         breakdown(cands),
		Details:           details,
	}
}

// rank groups by category (excellent, good, ill-fit), sorts each group by
// score descending and keeps insertion order for ties.
func rank(cands []*candidate) []Ranked {
	sorted := make([]*candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].category.Rank() != sorted[j].category.Rank() {
			return sorted[i].category.Rank() < sorted[j].category.Rank()
		}
		if sorted[i].score != sorted[j].score {
			return sorted[i].score > sorted[j].score
		}
		return sorted[i].order < sorted[j].order
	})
	out := make([]Ranked, len(sorted))
	for i, cand := range sorted {
		out[i] = Ranked{
			ID:             cand.id,
			Score:          cand.score,
			Category:       cand.category,
			Reason:         cand.reason,
			IterationFound: cand.found,
		}
	}
	return out
}

func (c *Controller) topKExcellent(cands []*candidate, cfg Config) bool {
	ranked := rank(cands)
	k := cfg.TargetTopK
	if k > len(ranked) {
		k = len(ranked)
	}
	if k == 0 {
		return false
	}
	for _, r := range ranked[:k] {
		if r.Category != fit.Excellent {
			return false
		}
	}
	return true
}

func breakdown(cands []*candidate) map[fit.Category]int {
	out := map[fit.Category]int{}
	for _, cand := range cands {
		out[cand.category]++
	}
	return out
}

func maxInt(values ...int) int {
	out := values[0]
	for _, v := range values[1:] {
		if v > out {
			out = v
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
