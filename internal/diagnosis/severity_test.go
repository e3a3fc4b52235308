package diagnosis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGrade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		parasites int
		wbcs      int
		level     string
		score     float64
		desc      string
	}{
		{"no parasites", 0, 40, SeverityLow, 0, "No parasites detected"},
		{"no parasites no wbcs", 0, 0, SeverityLow, 0, "No parasites detected"},
		{"density 0.5", 1, 200, SeverityLow, 25, "Low parasite density"},
		{"parasites without wbcs", 3, 0, SeverityLow, 25, "Low parasite density"},
		{"density 1 boundary", 1, 100, SeverityModerate, 50, "Moderate parasite density"},
		{"density 3", 3, 100, SeverityModerate, 50, "Moderate parasite density"},
		{"density 5 boundary", 5, 100, SeverityHigh, 75, "High parasite density"},
		{"density 7", 7, 100, SeverityHigh, 75, "High parasite density"},
		{"density 10 boundary", 10, 100, SeverityCritical, 100, "Critical parasite density"},
		{"density 15", 15, 100, SeverityCritical, 100, "Critical parasite density"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Grade(tt.parasites, tt.wbcs)
			assert.Equal(t, tt.level, got.Level)
			assert.InDelta(t, tt.score, got.Score, 1e-9)
			assert.Equal(t, tt.desc, got.Description)
		})
	}
}

func TestDensity(t *testing.T) {
	t.Parallel()

	assert.Zero(t, Density(0, 10))
	assert.Zero(t, Density(5, 0))
	assert.InDelta(t, 175.0, Density(7, 4), 1e-9)
}
