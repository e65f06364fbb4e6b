package transcript

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const defaultHallucinationThreshold = 0.92

// DefaultHallucinations are stock phrases speech recognisers emit for silence,
// breathing or background noise.
var DefaultHallucinations = []string{
	"thank you",
	"thank you for watching",
	"thanks for watching",
	"please subscribe",
	"like and subscribe",
	"subtitles by the amara org community",
	"bye",
	"you",
	"music",
	"blank audio",
	"ご視聴ありがとうございました",
}

// HallucinationFilter recognises recogniser artifacts in student turns. It is
// read-only after construction and safe for concurrent use.
type HallucinationFilter struct {
	phrases   []string
	threshold float64
}

// FilterOption configures a [HallucinationFilter].
type FilterOption func(*HallucinationFilter)

// WithPhrases replaces [DefaultHallucinations].
func WithPhrases(phrases ...string) FilterOption {
	return func(f *HallucinationFilter) {
		f.phrases = f.phrases[:0]
		for _, p := range phrases {
			if n := normalise(p); n != "" {
				f.phrases = append(f.phrases, n)
			}
		}
	}
}

// WithThreshold sets the minimum Jaro-Winkler similarity at which an
// utterance counts as a stock phrase. Default: 0.92.
func WithThreshold(t float64) FilterOption {
	return func(f *HallucinationFilter) { f.threshold = t }
}

// NewHallucinationFilter returns a filter over [DefaultHallucinations].
func NewHallucinationFilter(opts ...FilterOption) *HallucinationFilter {
	f := &HallucinationFilter{threshold: defaultHallucinationThreshold}
	for _, p := range DefaultHallucinations {
		f.phrases = append(f.phrases, normalise(p))
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// IsHallucination reports whether text carries no content of its own: it is
// blank, pure punctuation, or a near match of a stock phrase.
func (f *HallucinationFilter) IsHallucination(text string) bool {
	n := normalise(text)
	if n == "" {
		return true
	}
	for _, p := range f.phrases {
		if n == p || matchr.JaroWinkler(n, p, false) >= f.threshold {
			return true
		}
	}
	return false
}

// Substantive reports whether at least one student turn survives the filter.
func (f *HallucinationFilter) Substantive(turns []Turn) bool {
	for _, t := range turns {
		if t.Role == RoleStudent && !f.IsHallucination(t.Text) {
			return true
		}
	}
	return false
}

// normalise lowercases s, replaces punctuation and brackets with spaces and
// collapses whitespace.
func normalise(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
