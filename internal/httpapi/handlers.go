package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/caredirect/medrank/pkg/medrank"
	"github.com/caredirect/medrank/pkg/medrank/config"
	"github.com/caredirect/medrank/pkg/medrank/progressive"
	"github.com/caredirect/medrank/pkg/medrank/queryplan"
)

// rankRequest is the POST /api/rank body. Either a query or a manual
// specialty must be present.
type rankRequest struct {
	Query         string              `json:"query" validate:"required_without=Specialty"`
	Messages      []medrank.Message   `json:"messages"`
	Specialty     string              `json:"specialty"`
	Location      string              `json:"locationFilter"`
	Insurance     string              `json:"insurancePreference"`
	Gender        string              `json:"gender"`
	AgeGroup      string              `json:"patient_age_group"`
	Languages     []string            `json:"languages"`
	ShortlistSize int                 `json:"shortlistSize" validate:"gte=0,lte=100"`
	Variant       string              `json:"variant" validate:"omitempty,oneof=v2 v5 v6 v7"`
	EvaluateFit   bool                `json:"evaluateFit"`
	RankingConfig *config.Ranking     `json:"rankingConfig"`
	Progressive   *progressive.Config `json:"progressive"`
}

func (r rankRequest) toEngine() medrank.RankRequest {
	language := ""
	if len(r.Languages) > 0 {
		language = r.Languages[0]
	}
	return medrank.RankRequest{
		Query:         r.Query,
		Messages:      r.Messages,
		Variant:       r.Variant,
		ShortlistSize: r.ShortlistSize,
		EvaluateFit:   r.EvaluateFit,
		Filters: queryplan.Filters{
			Specialty: r.Specialty,
			Location:  r.Location,
			Insurance: r.Insurance,
			Gender:    r.Gender,
			AgeGroup:  r.AgeGroup,
			Language:  language,
		},
		Config:      r.RankingConfig,
		Progressive: r.Progressive,
	}
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	var req rankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	s.rank(w, r, req.toEngine())
}

// handleSearch is the thin GET wrapper over the v2 pipeline.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := medrank.RankRequest{
		Query:   q.Get("q"),
		Filters: queryplan.Filters{Specialty: q.Get("specialty")},
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.ShortlistSize = n
	}
	if req.Query == "" && req.Filters.Specialty == "" {
		writeError(w, http.StatusBadRequest, "q or specialty required")
		return
	}
	s.rank(w, r, req)
}

func (s *Server) rank(w http.ResponseWriter, r *http.Request, req medrank.RankRequest) {
	start := time.Now()
	variant := req.Variant
	if variant == "" {
		variant = medrank.VariantV2
	}

	resp, err := s.engine.Rank(r.Context(), req)
	if err != nil {
		s.observe(variant, "error", start, nil)
		s.logger.Warn("rank failed", zap.String("variant", variant), zap.Error(err))
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	s.observe(variant, "ok", start, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) observe(variant, status string, start time.Time, resp *medrank.RankResponse) {
	if s.recorder == nil {
		return
	}
	s.recorder.ObserveRank(variant, status, time.Since(start))
	if resp == nil {
		return
	}
	s.recorder.RecordBlacklisted(resp.QueryInfo.Filters.BlacklistedCount)
	src := resp.QueryInfo.Sources
	if src.GeneralFallback {
		s.recorder.RecordFallback("session-general")
	}
	if src.ClinicalFallback {
		s.recorder.RecordFallback("session-clinical")
	}
	if src.InsightsFallback {
		s.recorder.RecordFallback("session-insights")
	}
}

type statusBody struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Corpus        any     `json:"corpus"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusBody{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Corpus:        s.engine.CorpusStats(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.Snapshot())
}
