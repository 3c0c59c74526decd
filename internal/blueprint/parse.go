// internal/blueprint/parse.go
package blueprint

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/nbblackbox/gradepipe/internal/store"
)

var subexerciseRe = regexp.MustCompile(`(?m)^#subexercise:(.+)`)

// notebook mirrors just enough of the ipynb JSON to find graded cells.
type notebook struct {
	Cells []cell `json:"cells"`
}

type cell struct {
	CellType string          `json:"cell_type"`
	Source   json.RawMessage `json:"source"`
	Metadata struct {
		Nbgrader *struct {
			Grade   bool     `json:"grade"`
			GradeID string   `json:"grade_id"`
			Points  *float64 `json:"points"`
		} `json:"nbgrader"`
	} `json:"metadata"`
}

// sourceLines accepts both notebook source encodings: a list of lines or
// one joined string.
func (c *cell) sourceLines() ([]string, error) {
	if len(c.Source) == 0 {
		return nil, nil
	}
	var lines []string
	if err := json.Unmarshal(c.Source, &lines); err == nil {
		return lines, nil
	}
	var joined string
	if err := json.Unmarshal(c.Source, &joined); err != nil {
		return nil, fmt.Errorf("cell source is neither list nor string")
	}
	return []string{joined}, nil
}

// Parse extracts the gradable structure from a published notebook: graded
// code cells carrying a #subexercise:<label> marker line are grouped under
// that label with their external cell identifier and max score. Cells
// without grade metadata are skipped silently; grade metadata without an
// identifier or points is a format error.
func Parse(raw []byte) ([]store.SubExerciseSpec, error) {
	var nb notebook
	if err := json.Unmarshal(raw, &nb); err != nil {
		return nil, fmt.Errorf("notebook is not valid JSON: %w", err)
	}
	if nb.Cells == nil {
		return nil, fmt.Errorf("notebook has no top-level cells field")
	}

	byLabel := map[string][]store.CellSpec{}
	for _, c := range nb.Cells {
		meta := c.Metadata.Nbgrader
		if meta == nil || !meta.Grade || c.CellType != "code" {
			continue
		}

		lines, err := c.sourceLines()
		if err != nil {
			return nil, fmt.Errorf("invalid notebook format: %w", err)
		}

		for _, line := range lines {
			m := subexerciseRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if meta.GradeID == "" {
				return nil, fmt.Errorf("graded cell under subexercise %q has no grade_id", m[1])
			}
			if meta.Points == nil {
				return nil, fmt.Errorf("graded cell %q has no points", meta.GradeID)
			}
			byLabel[m[1]] = append(byLabel[m[1]], store.CellSpec{
				CellID:   meta.GradeID,
				MaxScore: int(*meta.Points),
			})
		}
	}

	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	subs := make([]store.SubExerciseSpec, 0, len(labels))
	for _, label := range labels {
		subs = append(subs, store.SubExerciseSpec{Label: label, Cells: byLabel[label]})
	}
	return subs, nil
}
