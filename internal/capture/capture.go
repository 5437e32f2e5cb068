// Package capture validates and sanitizes the answer a viewer writes after a
// flash: a short rich-text description plus a 1-5 clarity rating.
package capture

import (
	"context"
	"errors"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MinRating = 1
	MaxRating = 5

	// ClearRating is the lowest rating counted as "clear" in results.
	ClearRating = 4
)

var (
	ErrEmptyAnswer = errors.New("answer is required")
	ErrRatingUnset = errors.New("clarity rating is required")
	ErrRatingRange = errors.New("clarity rating must be between 1 and 5")
)

var (
	richText  = newRichTextPolicy()
	plainText = newPlainTextPolicy()
)

func newRichTextPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "strong", "b", "em", "i", "u", "s", "ul", "ol", "li")
	return p
}

func newPlainTextPolicy() *bluemonday.Policy {
	p := bluemonday.StrictPolicy()
	p.AddSpaceWhenStrippingTag(true)
	return p
}

// Answer is what the viewer submits from the response form.
type Answer struct {
	HTML   string `json:"answer_html"`
	Rating int    `json:"rating"`
}

// CanSubmit reports whether the submit control should be enabled.
func (a Answer) CanSubmit() bool {
	return a.Validate() == nil
}

func (a Answer) Validate() error {
	if IsBlank(a.HTML) {
		return ErrEmptyAnswer
	}
	if a.Rating == 0 {
		return ErrRatingUnset
	}
	if a.Rating < MinRating || a.Rating > MaxRating {
		return ErrRatingRange
	}
	return nil
}

// Sanitize strips everything but basic inline and list formatting.
func Sanitize(s string) string {
	return strings.TrimSpace(richText.Sanitize(s))
}

// PlainText renders answer HTML as a single line of text.
func PlainText(s string) string {
	text := html.UnescapeString(plainText.Sanitize(s))
	return strings.Join(strings.Fields(text), " ")
}

// IsBlank reports whether s has no visible text once markup is removed.
func IsBlank(s string) bool {
	return PlainText(s) == ""
}

// Form binds the response editor to a heading and a submit action.
type Form struct {
	Heading  string
	OnSubmit func(ctx context.Context, a Answer) error
}

// Submit validates a, sanitizes its HTML and hands it to OnSubmit.
func (f Form) Submit(ctx context.Context, a Answer) error {
	if err := a.Validate(); err != nil {
		return err
	}
	a.HTML = Sanitize(a.HTML)
	if IsBlank(a.HTML) {
		return ErrEmptyAnswer
	}
	if f.OnSubmit == nil {
		return nil
	}
	return f.OnSubmit(ctx, a)
}

// IsValidation reports whether err came from answer validation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyAnswer) || errors.Is(err, ErrRatingUnset) || errors.Is(err, ErrRatingRange)
}
