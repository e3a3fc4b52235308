// Package detection defines classified detections and the per-image
// aggregation of them.
package detection

import "strings"

// Species is a malaria parasite species code.
type Species string

const (
	SpeciesPF Species = "PF"
	SpeciesPM Species = "PM"
	SpeciesPO Species = "PO"
	SpeciesPV Species = "PV"
)

var speciesNames = map[Species]string{
	SpeciesPF: "Plasmodium Falciparum",
	SpeciesPM: "Plasmodium Malariae",
	SpeciesPO: "Plasmodium Ovale",
	SpeciesPV: "Plasmodium Vivax",
}

// FullName returns the scientific name, or the code itself when unknown.
func (s Species) FullName() string {
	if name, ok := speciesNames[s]; ok {
		return name
	}
	return string(s)
}

// Kind tells parasites from white blood cells.
type Kind int

const (
	KindParasite Kind = iota
	KindWhiteBloodCell
)

func (k Kind) String() string {
	switch k {
	case KindParasite:
		return "parasite"
	case KindWhiteBloodCell:
		return "wbc"
	default:
		return "unknown"
	}
}

const wbcLabel = "WBC"

// Classify maps a detector label onto a kind, case-insensitively. ok is
// false for labels that are neither a known species nor WBC.
func Classify(label string) (kind Kind, species Species, ok bool) {
	normalized := strings.ToUpper(strings.TrimSpace(label))
	if normalized == wbcLabel {
		return KindWhiteBloodCell, "", true
	}
	if _, known := speciesNames[Species(normalized)]; known {
		return KindParasite, Species(normalized), true
	}
	return 0, "", false
}

// BoundingBox is an axis aligned box in image pixel coordinates.
type BoundingBox struct {
	XMin float64 `json:"xMin"`
	YMin float64 `json:"yMin"`
	XMax float64 `json:"xMax"`
	YMax float64 `json:"yMax"`
}

// NewBoundingBox orders the corners so that min <= max on both axes.
func NewBoundingBox(x1, y1, x2, y2 float64) BoundingBox {
	return BoundingBox{
		XMin: min(x1, x2),
		YMin: min(y1, y2),
		XMax: max(x1, x2),
		YMax: max(y1, y2),
	}
}

// Array returns the box as [x_min, y_min, x_max, y_max].
func (b BoundingBox) Array() [4]float64 {
	return [4]float64{b.XMin, b.YMin, b.XMax, b.YMax}
}

// ValidConfidence reports whether c is a probability in [0, 1]. NaN is
// never valid.
func ValidConfidence(c float64) bool {
	return c >= 0 && c <= 1
}

// Detection is one classified bounding box. Values are never modified after
// construction.
type Detection struct {
	Kind       Kind        `json:"kind"`
	Species    Species     `json:"species,omitempty"` // set for parasites only
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"bbox"`
}

// NewParasite returns a parasite detection.
func NewParasite(species Species, confidence float64, box BoundingBox) Detection {
	return Detection{Kind: KindParasite, Species: species, Confidence: confidence, Box: box}
}

// NewWhiteBloodCell returns a white blood cell detection.
func NewWhiteBloodCell(confidence float64, box BoundingBox) Detection {
	return Detection{Kind: KindWhiteBloodCell, Confidence: confidence, Box: box}
}
