// Package score defines the five-dimensional personality vector that drives
// pairing. Each component is a percentile in [0, 100]; similarity between two
// users is the Euclidean distance between their vectors.
package score

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Scores is one user's personality vector: openness, conscientiousness,
// extraversion, agreeableness, neuroticism.
type Scores struct {
	O float64 `json:"o"`
	C float64 `json:"c"`
	E float64 `json:"e"`
	A float64 `json:"a"`
	N float64 `json:"n"`
}

// Distance returns the Euclidean distance between two score vectors.
func (s Scores) Distance(other Scores) float64 {
	do := s.O - other.O
	dc := s.C - other.C
	de := s.E - other.E
	da := s.A - other.A
	dn := s.N - other.N

	return math.Sqrt(do*do + dc*dc + de*de + da*da + dn*dn)
}

// String renders the vector as five comma-separated decimals, the same form
// Parse accepts.
func (s Scores) String() string {
	return fmt.Sprintf("%.2f,%.2f,%.2f,%.2f,%.2f", s.O, s.C, s.E, s.A, s.N)
}

// Parse decodes five comma-separated decimals into a Scores value. Each
// component must parse as a float and lie in [0, 100].
func Parse(raw string) (Scores, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 5 {
		return Scores{}, fmt.Errorf("score: expected 5 components, got %d", len(parts))
	}

	vals := make([]float64, 5)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Scores{}, fmt.Errorf("score: component %d: %w", i, err)
		}
		if v < 0 || v > 100 {
			return Scores{}, fmt.Errorf("score: component %d out of range: %v", i, v)
		}
		vals[i] = v
	}

	return Scores{O: vals[0], C: vals[1], E: vals[2], A: vals[3], N: vals[4]}, nil
}
