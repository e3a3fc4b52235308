package diagnosis

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malarialab/smearscan/internal/detection"
)

func parasites(species detection.Species, confidences ...float64) []detection.Detection {
	out := make([]detection.Detection, 0, len(confidences))
	for _, c := range confidences {
		out = append(out, detection.NewParasite(species, c, detection.NewBoundingBox(0, 0, 10, 10)))
	}
	return out
}

func wbcs(n int) []detection.Detection {
	out := make([]detection.Detection, 0, n)
	for range n {
		out = append(out, detection.NewWhiteBloodCell(0.9, detection.NewBoundingBox(0, 0, 20, 20)))
	}
	return out
}

func image(name string, dets ...[]detection.Detection) detection.PerImageResult {
	var all []detection.Detection
	for _, d := range dets {
		all = append(all, d...)
	}
	r := detection.Aggregate(all)
	r.OriginalFilename = name
	return r
}

func TestSummarize_NoDoubleCounting(t *testing.T) {
	t.Parallel()

	results := []detection.PerImageResult{
		image("a.jpg", parasites(detection.SpeciesPF, 0.5, 0.6), wbcs(1)),
		image("b.jpg", wbcs(3)),
		image("c.jpg", parasites(detection.SpeciesPV, 0.4, 0.4, 0.4, 0.4, 0.4)),
	}

	s := Summarize(results)
	assert.Equal(t, 7, s.TotalParasites)
	assert.Equal(t, 4, s.TotalWbcs)
	assert.InDelta(t, 1.75, s.Ratio, 1e-12)
	assert.True(t, s.Positive())

	require.Len(t, s.Images, 3)
	assert.Equal(t, "0", s.Images[0].ImageID)
	assert.Equal(t, "c.jpg", s.Images[2].OriginalFilename)
	assert.Equal(t, 5, s.Images[2].ParasiteCount)
	assert.Zero(t, s.Images[2].ParasiteWbcRatio)
	assert.Equal(t, "PV", s.Images[2].ParasitesDetected[0].Type)
}

func TestSummarize_MostProbableFirstOccurrenceWins(t *testing.T) {
	t.Parallel()

	results := []detection.PerImageResult{
		image("a.jpg", parasites(detection.SpeciesPF, 0.9)),
		image("b.jpg", parasites(detection.SpeciesPM, 0.95)),
		image("c.jpg", parasites(detection.SpeciesPV, 0.95)),
	}

	s := Summarize(results)
	require.NotNil(t, s.MostProbable)
	assert.Equal(t, detection.SpeciesPM, s.MostProbable.Species)
	assert.InDelta(t, 0.95, s.Confidence(), 1e-12)
	assert.Equal(t, 1, s.TotalParasites)
	assert.Equal(t, 1, s.TotalWbcs)
	assert.Zero(t, s.Images[1].ParasiteCount)
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	s := Summarize(nil)
	assert.Zero(t, s.TotalParasites)
	assert.Zero(t, s.TotalWbcs)
	assert.Zero(t, s.Ratio)
	assert.Nil(t, s.MostProbable)
	assert.Zero(t, s.Confidence())
	assert.False(t, s.Positive())
	assert.Empty(t, s.Images)
}

func TestSummarize_MostProbableSkipsOutOfRangeConfidence(t *testing.T) {
	t.Parallel()

	results := []detection.PerImageResult{
		image("a.jpg", parasites(detection.SpeciesPF, math.NaN()), wbcs(1)),
		image("b.jpg", parasites(detection.SpeciesPO, 7.5, -0.3)),
		image("c.jpg", parasites(detection.SpeciesPM, 0.95)),
	}

	s := Summarize(results)
	require.NotNil(t, s.MostProbable)
	assert.Equal(t, detection.SpeciesPM, s.MostProbable.Species)
	assert.InDelta(t, 0.95, s.Confidence(), 1e-12)
	assert.Equal(t, 1, s.TotalParasites)
	assert.Equal(t, 1, s.TotalWbcs)
	assert.Zero(t, s.Images[1].ParasiteCount)
}

func TestSummarize_OnlyOutOfRangeConfidences(t *testing.T) {
	t.Parallel()

	s := Summarize([]detection.PerImageResult{
		image("a.jpg", parasites(detection.SpeciesPF, math.NaN(), math.Inf(1)), wbcs(2)),
	})
	assert.Zero(t, s.TotalParasites)
	assert.Equal(t, 2, s.TotalWbcs)
	assert.Nil(t, s.MostProbable)
	assert.Zero(t, s.Confidence())
	assert.False(t, s.Positive())
	require.Len(t, s.Images, 1)
	assert.Empty(t, s.Images[0].ParasitesDetected)
	assert.Equal(t, "a.jpg", s.Images[0].OriginalFilename)
}
