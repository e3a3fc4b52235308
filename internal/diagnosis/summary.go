package diagnosis

import (
	"slices"
	"strconv"

	"github.com/malarialab/smearscan/internal/datastore"
	"github.com/malarialab/smearscan/internal/detection"
)

// Summary is the session level fold of per-image results.
type Summary struct {
	TotalParasites int
	TotalWbcs      int
	Ratio          float64
	// MostProbable is the highest confidence parasite, nil when none was found.
	MostProbable *detection.Detection
	Images       []datastore.ImageDetections
}

// Positive reports whether any parasite was detected.
func (s *Summary) Positive() bool {
	return s.TotalParasites > 0
}

// Confidence is the most probable parasite's confidence, or 0.
func (s *Summary) Confidence() float64 {
	if s.MostProbable == nil {
		return 0
	}
	return s.MostProbable.Confidence
}

// Summarize folds results in order. Each image's counts are added to the
// totals exactly once and the ratio is computed from the final totals.
// Confidence ties keep the first parasite seen. Detections whose confidence
// is outside [0, 1] are left out of the totals and the stored records.
func Summarize(results []detection.PerImageResult) Summary {
	s := Summary{Images: make([]datastore.ImageDetections, 0, len(results))}

	for i, r := range results {
		r = withValidConfidences(r)
		s.TotalParasites += r.ParasiteCount
		s.TotalWbcs += r.WBCCount

		for _, p := range r.Parasites {
			if s.MostProbable == nil || p.Confidence > s.MostProbable.Confidence {
				best := p
				s.MostProbable = &best
			}
		}

		s.Images = append(s.Images, imageRecord(strconv.Itoa(i), r))
	}

	s.Ratio = detection.Ratio(s.TotalParasites, s.TotalWbcs)
	return s
}

func withValidConfidences(r detection.PerImageResult) detection.PerImageResult {
	if !slices.ContainsFunc(r.Parasites, invalidConfidence) && !slices.ContainsFunc(r.WBCs, invalidConfidence) {
		return r
	}
	kept := slices.DeleteFunc(slices.Concat(r.Parasites, r.WBCs), invalidConfidence)
	out := detection.Aggregate(kept)
	out.ImagePath = r.ImagePath
	out.OriginalFilename = r.OriginalFilename
	return out
}

func invalidConfidence(d detection.Detection) bool {
	return !detection.ValidConfidence(d.Confidence)
}

func imageRecord(id string, r detection.PerImageResult) datastore.ImageDetections {
	rec := datastore.ImageDetections{
		ImageID:              id,
		OriginalFilename:     r.OriginalFilename,
		ParasitesDetected:    make([]datastore.ParasiteDetection, 0, len(r.Parasites)),
		WbcsDetected:         make([]datastore.WBCDetection, 0, len(r.WBCs)),
		WhiteBloodCellsCount: r.WBCCount,
		ParasiteCount:        r.ParasiteCount,
		ParasiteWbcRatio:     r.Ratio,
	}
	for _, p := range r.Parasites {
		rec.ParasitesDetected = append(rec.ParasitesDetected, datastore.ParasiteDetection{
			Type:        string(p.Species),
			Confidence:  p.Confidence,
			BoundingBox: p.Box.Array(),
		})
	}
	for _, w := range r.WBCs {
		rec.WbcsDetected = append(rec.WbcsDetected, datastore.WBCDetection{
			Confidence:  w.Confidence,
			BoundingBox: w.Box.Array(),
		})
	}
	return rec
}
