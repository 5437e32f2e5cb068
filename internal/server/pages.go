package server

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"math/rand/v2"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/hlog"

	"github.com/blinktest/blinktest/internal/capture"
	"github.com/blinktest/blinktest/internal/store"
	"github.com/blinktest/blinktest/internal/thumbnail"
	"github.com/blinktest/blinktest/internal/web"
)

// Page template data structures
type layoutData struct {
	Title   string
	User    *store.Profile
	Content template.HTML
}

type messageData struct {
	Heading  string
	Message  string
	Link     string
	LinkText string
}

type homeData struct {
	SignedIn       bool
	Channels       []string
	DefaultChannel string
	DefaultBadge   string
	MaxSize        string
	Ratings        []int
}

type testPageData struct {
	TestID  string
	Ratings []int
}

type listData struct {
	Heading string
	Empty   string
	Own     bool
	Tests   []testListItem
}

type testListItem struct {
	ID            string
	CreatorName   string
	ChannelTag    string
	Status        string
	ThumbnailURL  string
	ResponseCount int
	AvgRating     string
	Ago           string
}

type resultsData struct {
	Test         *store.Test
	ThumbnailURL string
	ShareURL     string
	Created      string
	CanArchive   bool
	Result       resultView
	Distribution []apiRatingShare
	Responses    []responseItem
}

// resultView exposes stats.Result fields plus its derived values to the
// template.
type resultView struct {
	Responses       int
	TargetResponses int
	Progress        float64
	AvgRating       float64
	ClearRate       float64
	CILower         float64
	CIUpper         float64
	Baseline        apiBaseline
	ConfidenceLevel float64
	Confident       bool
}

type responseItem struct {
	TesterName string
	AnswerHTML template.HTML
	Rating     int
	Ago        string
}

var templateFuncs = template.FuncMap{
	"percent": func(f float64) string {
		return fmt.Sprintf("%.0f%%", f*100)
	},
}

func ratings() []int {
	out := make([]int, 0, capture.MaxRating)
	for r := capture.MinRating; r <= capture.MaxRating; r++ {
		out = append(out, r)
	}
	return out
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, title, page string, data any) {
	contentTmpl, err := template.New(page).Funcs(templateFuncs).ParseFS(web.Templates, "templates/"+page, "templates/stages.html")
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}

	var contentBuf bytes.Buffer
	if err := contentTmpl.ExecuteTemplate(&contentBuf, page, data); err != nil {
		s.renderFailed(w, r, err)
		return
	}

	layoutTmpl, err := template.ParseFS(web.Templates, "templates/layout.html")
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}

	var out bytes.Buffer
	if err := layoutTmpl.Execute(&out, layoutData{
		Title:   title,
		User:    currentUser(r),
		Content: template.HTML(contentBuf.String()),
	}); err != nil {
		s.renderFailed(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(out.Bytes())
}

func (s *Server) renderFailed(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Error().Err(err).Msg("failed to render page")
	http.Error(w, "Failed to render page", http.StatusInternalServerError)
}

func (s *Server) renderMessage(w http.ResponseWriter, r *http.Request, status int, heading, message string) {
	s.render(w, r, status, heading, "message.html", messageData{Heading: heading, Message: message})
}

func (s *Server) renderTestNotFound(w http.ResponseWriter, r *http.Request) {
	s.renderMessage(w, r, http.StatusNotFound, "Test not found", "This test doesn't exist or has been removed.")
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "Flash test", "home.html", homeData{
		SignedIn:       currentUser(r) != nil,
		Channels:       store.Channels,
		DefaultChannel: store.DefaultChannel,
		DefaultBadge:   store.DefaultDurationBadge,
		MaxSize:        humanize.IBytes(thumbnail.MaxBytes),
		Ratings:        ratings(),
	})
}

// handleTestPage renders the participant screen. Anonymous visitors see the
// ready screen and are sent to sign in when they press start.
func (s *Server) handleTestPage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTest(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.renderTestNotFound(w, r)
			return
		}
		s.renderFailed(w, r, err)
		return
	}
	s.render(w, r, http.StatusOK, "Take the test", "test.html", testPageData{TestID: id, Ratings: ratings()})
}

func listItems(sums []*store.TestSummary) []testListItem {
	items := make([]testListItem, len(sums))
	for i, sum := range sums {
		items[i] = testListItem{
			ID:            sum.Test.ID,
			CreatorName:   sum.Test.CreatorName,
			ChannelTag:    sum.Test.ChannelTag,
			Status:        string(sum.Test.Status),
			ThumbnailURL:  sum.ThumbnailURL,
			ResponseCount: sum.ResponseCount,
			AvgRating:     fmt.Sprintf("%.1f", sum.AvgRating),
			Ago:           humanize.Time(sum.Test.CreatedAt),
		}
	}
	return items
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	sums, err := s.store.ListTestSummaries(r.Context(), store.TestFilter{Status: store.StatusActive})
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}
	s.render(w, r, http.StatusOK, "Feed", "list.html", listData{
		Heading: "Feed",
		Empty:   "No active tests yet.",
		Tests:   listItems(sums),
	})
}

// handleReview sends the user to a random active test they neither own nor
// answered.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := currentUser(r)

	responded, err := s.store.RespondedTestIDs(ctx, u.ID)
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}
	tests, err := s.store.ListTests(ctx, store.TestFilter{
		Status:        store.StatusActive,
		ExcludeUserID: u.ID,
		ExcludeIDs:    responded,
	})
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}

	if len(tests) == 0 {
		s.render(w, r, http.StatusOK, "All caught up", "message.html", messageData{
			Heading:  "All caught up",
			Message:  "There are no more tests for you to review right now.",
			Link:     "/feed",
			LinkText: "Back to feed",
		})
		return
	}
	pick := tests[rand.IntN(len(tests))]
	http.Redirect(w, r, "/test/"+pick.ID, http.StatusFound)
}

func (s *Server) handleMyTests(w http.ResponseWriter, r *http.Request) {
	sums, err := s.store.ListTestSummaries(r.Context(), store.TestFilter{UserID: currentUser(r).ID})
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}
	s.render(w, r, http.StatusOK, "My tests", "list.html", listData{
		Heading: "My tests",
		Empty:   "You haven't published any tests yet.",
		Own:     true,
		Tests:   listItems(sums),
	})
}

func canManage(u *store.Profile, t *store.Test) bool {
	return u.IsAdmin() || t.OwnedBy(u.ID)
}

func shareURL(r *http.Request, testID string) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/test/%s", scheme, r.Host, testID)
}

func (s *Server) handleResultsPage(w http.ResponseWriter, r *http.Request) {
	tr, err := s.loadResults(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.renderTestNotFound(w, r)
		return
	}
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}

	res := tr.Result
	data := resultsData{
		Test:       tr.Test,
		ShareURL:   shareURL(r, tr.Test.ID),
		Created:    humanize.Time(tr.Test.CreatedAt),
		CanArchive: canManage(currentUser(r), tr.Test) && tr.Test.Status != store.StatusArchived,
		Result: resultView{
			Responses:       res.Responses,
			TargetResponses: res.TargetResponses,
			Progress:        res.Progress(),
			AvgRating:       res.AvgRating,
			ClearRate:       res.ClearRate,
			CILower:         res.CILower,
			CIUpper:         res.CIUpper,
			Baseline:        apiBaseline{Responses: res.Baseline.Responses, Clear: res.Baseline.Clear, Rate: res.Baseline.Rate},
			ConfidenceLevel: res.ConfidenceLevel,
			Confident:       res.Confident,
		},
		Distribution: distribution(res),
	}
	if tr.Variant != nil {
		data.ThumbnailURL = tr.Variant.ThumbnailURL
	}
	for _, resp := range tr.Responses {
		data.Responses = append(data.Responses, responseItem{
			TesterName: resp.TesterName,
			// Stored answers were sanitized on submit; sanitize again in case
			// rows were written by other tools.
			AnswerHTML: template.HTML(capture.Sanitize(resp.AnswerHTML)),
			Rating:     resp.ClarityRating,
			Ago:        humanize.Time(resp.CreatedAt),
		})
	}

	s.render(w, r, http.StatusOK, "Results", "results.html", data)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	test, err := s.store.GetTest(ctx, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.renderTestNotFound(w, r)
		return
	}
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}

	u := currentUser(r)
	if !canManage(u, test) {
		s.renderMessage(w, r, http.StatusForbidden, "Not allowed", "Only the creator or an admin can archive this test.")
		return
	}

	if err := s.store.UpdateTestStatus(ctx, test.ID, store.StatusArchived); err != nil && !errors.Is(err, store.ErrInvalidStatus) {
		s.renderFailed(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("test_id", test.ID).Msg("test archived")

	target := "/my-tests"
	if r.FormValue("redirect") != "" {
		target = safeRedirect(r.FormValue("redirect"))
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
