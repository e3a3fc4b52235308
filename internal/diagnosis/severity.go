package diagnosis

// Severity levels
const (
	SeverityLow      = "low"
	SeverityModerate = "moderate"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Severity is the clinical grading derived from parasite density.
type Severity struct {
	Level       string  `json:"level"`
	Score       float64 `json:"score"`
	Description string  `json:"description"`
}

// Density returns parasites per 100 white blood cells. It is 0 when either
// count is zero.
func Density(parasites, wbcs int) float64 {
	if parasites <= 0 || wbcs <= 0 {
		return 0
	}
	return float64(parasites) / float64(wbcs) * 100
}

// Grade maps totals onto a Severity.
func Grade(parasites, wbcs int) Severity {
	if parasites <= 0 {
		return Severity{Level: SeverityLow, Score: 0, Description: "No parasites detected"}
	}
	d := Density(parasites, wbcs)
	switch {
	case d < 1:
		return Severity{Level: SeverityLow, Score: 25, Description: "Low parasite density"}
	case d < 5:
		return Severity{Level: SeverityModerate, Score: 50, Description: "Moderate parasite density"}
	case d < 10:
		return Severity{Level: SeverityHigh, Score: 75, Description: "High parasite density"}
	default:
		return Severity{Level: SeverityCritical, Score: 100, Description: "Critical parasite density"}
	}
}
