package stats

import (
	"math"

	"github.com/blinktest/blinktest/internal/capture"
	"github.com/blinktest/blinktest/internal/store"
)

// Result summarizes the responses collected for one test
type Result struct {
	Responses       int
	TargetResponses int
	AvgRating       float64
	Distribution    [capture.MaxRating]int // Distribution[i] counts rating i+1
	Clear           int                    // ratings >= capture.ClearRating
	ClearRate       float64
	CILower         float64
	CIUpper         float64
	Baseline        Baseline
	ConfidenceLevel float64 // 0-1, that this test reads clearer than the baseline
	Confident       bool    // >= 95% confidence
}

// Baseline is the clear rate across every other test.
type Baseline struct {
	Responses int
	Clear     int
	Rate      float64
}

// Complete reports whether the test reached its response target.
func (r *Result) Complete() bool {
	return r.TargetResponses > 0 && r.Responses >= r.TargetResponses
}

// Progress returns the share of the target collected, capped at 1.
func (r *Result) Progress() float64 {
	if r.TargetResponses <= 0 {
		return 0
	}
	return math.Min(1, float64(r.Responses)/float64(r.TargetResponses))
}

// Share returns the fraction of responses that gave rating.
func (r *Result) Share(rating int) float64 {
	if r.Responses == 0 || rating < capture.MinRating || rating > capture.MaxRating {
		return 0
	}
	return float64(r.Distribution[rating-1]) / float64(r.Responses)
}

// SignificanceTest performs a two-proportion z-test.
// Returns confidence level (0-1) that proportion A beats proportion B.
func SignificanceTest(aSucc, aTrials, bSucc, bTrials int) float64 {
	if aTrials == 0 || bTrials == 0 {
		return 0.5
	}

	pA := float64(aSucc) / float64(aTrials)
	pB := float64(bSucc) / float64(bTrials)

	// Pooled proportion under the null hypothesis (pA = pB)
	pooledP := float64(aSucc+bSucc) / float64(aTrials+bTrials)
	se := math.Sqrt(pooledP * (1 - pooledP) * (1/float64(aTrials) + 1/float64(bTrials)))

	if se == 0 {
		if pA > pB {
			return 1.0
		} else if pA < pB {
			return 0.0
		}
		return 0.5
	}

	return normalCDF((pA - pB) / se)
}

// normalCDF approximates the standard normal CDF
// (Abramowitz and Stegun, formula 7.1.26).
func normalCDF(x float64) float64 {
	a1 := 0.254829592
	a2 := -0.284496736
	a3 := 1.421413741
	a4 := -1.453152027
	a5 := 1.061405429
	p := 0.3275911

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt(2)

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}

// Analyze aggregates a test's responses and compares its clear rate with
// all responses to other tests.
func Analyze(test *store.Test, responses, all []*store.Response) *Result {
	res := &Result{TargetResponses: test.TargetResponses}

	sum := 0
	for _, r := range responses {
		if r.ClarityRating < capture.MinRating || r.ClarityRating > capture.MaxRating {
			continue
		}
		res.Responses++
		res.Distribution[r.ClarityRating-1]++
		sum += r.ClarityRating
		if r.ClarityRating >= capture.ClearRating {
			res.Clear++
		}
	}

	if res.Responses > 0 {
		res.AvgRating = float64(sum) / float64(res.Responses)
		res.ClearRate = float64(res.Clear) / float64(res.Responses)
	}
	res.CILower, res.CIUpper = WilsonInterval(res.Clear, res.Responses, 0.95)

	for _, r := range all {
		if r.TestID == test.ID {
			continue
		}
		res.Baseline.Responses++
		if r.ClarityRating >= capture.ClearRating {
			res.Baseline.Clear++
		}
	}
	if res.Baseline.Responses > 0 {
		res.Baseline.Rate = float64(res.Baseline.Clear) / float64(res.Baseline.Responses)
	}

	res.ConfidenceLevel = SignificanceTest(res.Clear, res.Responses, res.Baseline.Clear, res.Baseline.Responses)
	res.Confident = res.ConfidenceLevel >= 0.95
	return res
}
