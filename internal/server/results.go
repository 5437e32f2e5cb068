package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/blinktest/blinktest/internal/stats"
	"github.com/blinktest/blinktest/internal/store"
)

// testResults is everything the results page and API show for one test.
type testResults struct {
	Test      *store.Test
	Variant   *store.Variant
	Responses []*store.Response
	Result    *stats.Result
}

func (s *Server) loadResults(ctx context.Context, id string) (*testResults, error) {
	test, err := s.store.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}

	variant, err := s.store.PrimaryVariant(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	responses, err := s.store.ListResponses(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListAllResponses(ctx)
	if err != nil {
		return nil, err
	}

	return &testResults{
		Test:      test,
		Variant:   variant,
		Responses: responses,
		Result:    stats.Analyze(test, responses, all),
	}, nil
}

type apiRatingShare struct {
	Rating int     `json:"rating"`
	Count  int     `json:"count"`
	Share  float64 `json:"share"`
}

type apiBaseline struct {
	Responses int     `json:"responses"`
	Clear     int     `json:"clear"`
	Rate      float64 `json:"rate"`
}

type apiResponse struct {
	ID            string    `json:"id"`
	TesterName    string    `json:"tester_name"`
	AnswerHTML    string    `json:"answer_html"`
	ClarityRating int       `json:"clarity_rating"`
	CreatedAt     time.Time `json:"created_at"`
}

type apiResults struct {
	TestID          string           `json:"test_id"`
	CreatorName     string           `json:"creator_name"`
	ChannelTag      string           `json:"channel_tag"`
	Status          string           `json:"status"`
	ThumbnailURL    string           `json:"thumbnail_url,omitempty"`
	DurationBadge   string           `json:"duration_badge,omitempty"`
	Responses       int              `json:"responses"`
	TargetResponses int              `json:"target_responses"`
	Complete        bool             `json:"complete"`
	AvgRating       float64          `json:"avg_rating"`
	Distribution    []apiRatingShare `json:"distribution"`
	ClearRate       float64          `json:"clear_rate"`
	CILower         float64          `json:"ci_lower"`
	CIUpper         float64          `json:"ci_upper"`
	Baseline        apiBaseline      `json:"baseline"`
	ConfidenceLevel float64          `json:"confidence_level"`
	Confident       bool             `json:"confident"`
	Items           []apiResponse    `json:"items"`
}

func distribution(res *stats.Result) []apiRatingShare {
	out := make([]apiRatingShare, 0, len(res.Distribution))
	for i, count := range res.Distribution {
		out = append(out, apiRatingShare{Rating: i + 1, Count: count, Share: res.Share(i + 1)})
	}
	return out
}

func (s *Server) handleResultsAPI(w http.ResponseWriter, r *http.Request) {
	tr, err := s.loadResults(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "test not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load results: %v", err))
		return
	}

	res := tr.Result
	out := apiResults{
		TestID:          tr.Test.ID,
		CreatorName:     tr.Test.CreatorName,
		ChannelTag:      tr.Test.ChannelTag,
		Status:          string(tr.Test.Status),
		Responses:       res.Responses,
		TargetResponses: res.TargetResponses,
		Complete:        res.Complete(),
		AvgRating:       res.AvgRating,
		Distribution:    distribution(res),
		ClearRate:       res.ClearRate,
		CILower:         res.CILower,
		CIUpper:         res.CIUpper,
		Baseline: apiBaseline{
			Responses: res.Baseline.Responses,
			Clear:     res.Baseline.Clear,
			Rate:      res.Baseline.Rate,
		},
		ConfidenceLevel: res.ConfidenceLevel,
		Confident:       res.Confident,
		Items:           make([]apiResponse, 0, len(tr.Responses)),
	}
	if tr.Variant != nil {
		out.ThumbnailURL = tr.Variant.ThumbnailURL
		out.DurationBadge = tr.Variant.DurationBadge
	}
	for _, resp := range tr.Responses {
		out.Items = append(out.Items, apiResponse{
			ID:            resp.ID,
			TesterName:    resp.TesterName,
			AnswerHTML:    resp.AnswerHTML,
			ClarityRating: resp.ClarityRating,
			CreatedAt:     resp.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, out)
}
