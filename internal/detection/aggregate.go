package detection

// PerImageResult summarizes the detections of one image.
type PerImageResult struct {
	ImagePath        string      `json:"imagePath,omitempty"`
	OriginalFilename string      `json:"originalFilename,omitempty"`
	Parasites        []Detection `json:"parasitesDetected"`
	WBCs             []Detection `json:"wbcsDetected"`
	ParasiteCount    int         `json:"parasiteCount"`
	WBCCount         int         `json:"whiteBloodCellsCount"`
	Ratio            float64     `json:"parasiteWbcRatio"`
}

// Aggregate partitions detections by kind, preserving emission order, and
// computes counts and the parasite to WBC ratio.
func Aggregate(detections []Detection) PerImageResult {
	res := PerImageResult{
		Parasites: make([]Detection, 0, len(detections)),
		WBCs:      make([]Detection, 0, len(detections)),
	}
	for _, d := range detections {
		switch d.Kind {
		case KindParasite:
			res.Parasites = append(res.Parasites, d)
		case KindWhiteBloodCell:
			res.WBCs = append(res.WBCs, d)
		}
	}
	res.ParasiteCount = len(res.Parasites)
	res.WBCCount = len(res.WBCs)
	res.Ratio = Ratio(res.ParasiteCount, res.WBCCount)
	return res
}

// Ratio returns parasites/wbcs, or 0 when there are no white blood cells.
func Ratio(parasites, wbcs int) float64 {
	if wbcs <= 0 {
		return 0
	}
	return float64(parasites) / float64(wbcs)
}

// MostConfident returns the first parasite with the highest confidence.
func (r PerImageResult) MostConfident() (Detection, bool) {
	var best Detection
	found := false
	for _, p := range r.Parasites {
		if !found || p.Confidence > best.Confidence {
			best = p
			found = true
		}
	}
	return best, found
}
