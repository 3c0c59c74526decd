// internal/scoring/summary_test.go
package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbblackbox/gradepipe/internal/store"
)

func TestThresholdsColour(t *testing.T) {
	th := Thresholds{Red: 0.4, Yellow: 0.8}

	tests := []struct {
		percentage float64
		want       string
	}{
		{0.0, ColourRed},
		{0.39, ColourRed},
		{0.4, ColourYellow},
		{0.79, ColourYellow},
		{0.8, ColourGreen},
		{1.0, ColourGreen},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Colour(tt.percentage), "percentage %v", tt.percentage)
	}
}

func TestSummarize(t *testing.T) {
	th := Thresholds{Red: 0.4, Yellow: 0.8}

	t.Run("percentages and colours", func(t *testing.T) {
		scores := []store.SubexerciseScore{
			{Label: "part_a", Achieved: 3, MaxPoints: 15},
			{Label: "part_b", Achieved: 10, MaxPoints: 20},
			{Label: "part_c", Achieved: 20, MaxPoints: 20},
		}

		summaries, err := Summarize(scores, th)
		require.NoError(t, err)
		require.Len(t, summaries, 3)

		assert.Equal(t, ColourRed, summaries[0].Colour)
		assert.InDelta(t, 0.2, summaries[0].Percentage, 1e-9)

		assert.Equal(t, ColourYellow, summaries[1].Colour)
		assert.InDelta(t, 0.5, summaries[1].Percentage, 1e-9)

		assert.Equal(t, ColourGreen, summaries[2].Colour)
		assert.InDelta(t, 1.0, summaries[2].Percentage, 1e-9)
	})

	t.Run("over-max score reports above one", func(t *testing.T) {
		summaries, err := Summarize([]store.SubexerciseScore{
			{Label: "part_a", Achieved: 25, MaxPoints: 20},
		}, th)
		require.NoError(t, err)
		assert.Equal(t, ColourGreen, summaries[0].Colour)
		assert.InDelta(t, 1.25, summaries[0].Percentage, 1e-9)
	})

	t.Run("zero achievable points is an error", func(t *testing.T) {
		_, err := Summarize([]store.SubexerciseScore{
			{Label: "part_a", Achieved: 0, MaxPoints: 0},
		}, th)
		assert.Error(t, err)
	})

	t.Run("empty scores yield an empty summary", func(t *testing.T) {
		summaries, err := Summarize(nil, th)
		require.NoError(t, err)
		assert.Empty(t, summaries)
	})
}
