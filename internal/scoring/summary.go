// internal/scoring/summary.go
package scoring

import (
	"fmt"

	"github.com/nbblackbox/gradepipe/internal/store"
)

const (
	ColourRed    = "red"
	ColourYellow = "yellow"
	ColourGreen  = "green"
)

// Thresholds classify a subexercise percentage into a traffic light.
// Below Red is red, between Red and Yellow is yellow, the rest is green.
type Thresholds struct {
	Red    float64 `toml:"red"`
	Yellow float64 `toml:"yellow"`
}

// SubexerciseSummary is the user-facing view of one subexercise outcome.
type SubexerciseSummary struct {
	Label      string  `json:"label"`
	Score      int     `json:"score"`
	MaxScore   int     `json:"max_score"`
	Percentage float64 `json:"percentage"`
	Colour     string  `json:"colour"`
}

func (t Thresholds) Colour(percentage float64) string {
	switch {
	case percentage < t.Red:
		return ColourRed
	case percentage < t.Yellow:
		return ColourYellow
	default:
		return ColourGreen
	}
}

// Summarize turns raw per-subexercise aggregates into percentages and
// colours. A subexercise with zero achievable points is a defect in the
// published blueprint, not in the submission.
func Summarize(scores []store.SubexerciseScore, thresholds Thresholds) ([]SubexerciseSummary, error) {
	summaries := make([]SubexerciseSummary, 0, len(scores))
	for _, s := range scores {
		if s.MaxPoints <= 0 {
			return nil, fmt.Errorf("subexercise %q has no achievable points", s.Label)
		}
		percentage := float64(s.Achieved) / float64(s.MaxPoints)
		summaries = append(summaries, SubexerciseSummary{
			Label:      s.Label,
			Score:      s.Achieved,
			MaxScore:   s.MaxPoints,
			Percentage: percentage,
			Colour:     thresholds.Colour(percentage),
		})
	}
	return summaries, nil
}
