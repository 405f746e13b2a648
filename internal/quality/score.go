// Package quality scores synthesis output for the quality gate. The scoring
// function is injectable; the default combines content length with
// structural completeness.
package quality

import "strings"

// Scorer evaluates synthesis output. Scores are in [0,1].
type Scorer interface {
	Score(content string) float64
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(content string) float64

func (f ScorerFunc) Score(content string) float64 { return f(content) }

// ContentScorer is the default scorer: half the score comes from length
// relative to TargetChars, half from structure (paragraphs and section
// headings).
type ContentScorer struct {
	// TargetChars is the content length that earns the full length
	// component. Default: 1500.
	TargetChars int
}

// NewContentScorer creates the default scorer.
func NewContentScorer() *ContentScorer {
	return &ContentScorer{TargetChars: 1500}
}

// Score implements Scorer.
func (s *ContentScorer) Score(content string) float64 {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0
	}

	target := s.TargetChars
	if target <= 0 {
		target = 1500
	}

	lengthScore := float64(len(content)) / float64(target)
	if lengthScore > 1 {
		lengthScore = 1
	}

	// Structure: paragraphs and markdown-style headings each contribute.
	paragraphs := 0
	for _, p := range strings.Split(content, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}
	headings := strings.Count(content, "\n#") // body headings
	if strings.HasPrefix(content, "#") {
		headings++
	}

	structureScore := 0.0
	if paragraphs >= 3 {
		structureScore += 0.5
	} else {
		structureScore += float64(paragraphs) / 6.0
	}
	if headings >= 2 {
		structureScore += 0.5
	} else {
		structureScore += float64(headings) / 4.0
	}
	if structureScore > 1 {
		structureScore = 1
	}

	return 0.5*lengthScore + 0.5*structureScore
}
