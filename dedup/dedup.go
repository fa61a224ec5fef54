// Package dedup removes text repeated across consecutive transcribed
// segments, which happens when speech straddles a segment boundary.
package dedup

import "strings"

const (
	// MinOverlap is the shortest run of words treated as a repeat.
	MinOverlap = 5
	// MaxCheck bounds how far the overlap search looks.
	MaxCheck = 20
)

// Dedup strips from newText the longest prefix, of at least minOverlap words
// and at most MaxCheck, that matches the same number of trailing words of
// prevText. Words are compared case-insensitively; the returned words keep
// their original case and are joined by single spaces. minOverlap below 1
// is treated as 1.
func Dedup(newText, prevText string, minOverlap int) string {
	prev := strings.Fields(prevText)
	words := strings.Fields(newText)
	if len(prev) == 0 || len(words) == 0 {
		return newText
	}

	maxCheck := min(len(prev), len(words), MaxCheck)
	best := 0
	for n := max(minOverlap, 1); n <= maxCheck; n++ {
		if equalFold(prev[len(prev)-n:], words[:n]) {
			best = n
		}
	}
	if best == 0 {
		return newText
	}
	return strings.Join(words[best:], " ")
}

func equalFold(a, b []string) bool {
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Stitcher deduplicates a stream of segment texts against the previous raw
// (un-deduplicated) text. A zero MinOverlap means the package default.
type Stitcher struct {
	MinOverlap int
	prevRaw    string
}

func NewStitcher() *Stitcher {
	return &Stitcher{MinOverlap: MinOverlap}
}

// Accept returns the text to emit for raw. duplicate is true when nothing
// new remains. Empty raw text leaves the comparison basis untouched.
func (s *Stitcher) Accept(raw string) (text string, duplicate bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", true
	}
	minOverlap := s.MinOverlap
	if minOverlap <= 0 {
		minOverlap = MinOverlap
	}
	text = strings.TrimSpace(Dedup(raw, s.prevRaw, minOverlap))
	s.prevRaw = raw
	return text, text == ""
}

// Reset forgets the previous text, e.g. after the transcript is cleared.
func (s *Stitcher) Reset() { s.prevRaw = "" }
