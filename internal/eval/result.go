package eval

// Result is the structured scoring output attached to a completed job.
type Result struct {
	StaffName           string           `json:"staffName"`
	Date                string           `json:"date"`
	OverallScore        int              `json:"overallScore"`
	PerformanceLevel    string           `json:"performanceLevel"`
	CriteriaScores      []CriterionScore `json:"criteriaScores"`
	Strengths           []string         `json:"strengths"`
	AreasForImprovement []string         `json:"areasForImprovement"`
	KeyRecommendations  []string         `json:"keyRecommendations"`
}

// CriterionScore is one weighted scoring dimension within a Result.
type CriterionScore struct {
	Criterion     string  `json:"criterion"`
	Weight        float64 `json:"weight"`
	Score         float64 `json:"score"` // 1..5
	WeightedScore float64 `json:"weightedScore"`
	Notes         string  `json:"notes"`
}

// Performance level labels, highest first.
const (
	LevelExceptional      = "Exceptional"
	LevelStrong           = "Strong"
	LevelProficient       = "Proficient"
	LevelDeveloping       = "Developing"
	LevelNeedsImprovement = "Needs Improvement"
)

// LevelFor maps an overall score percentage to its performance level.
// Thresholds are fixed so the label can never disagree with the number.
func LevelFor(overallScore int) string {
	switch {
	case overallScore >= 90:
		return LevelExceptional
	case overallScore >= 80:
		return LevelStrong
	case overallScore >= 70:
		return LevelProficient
	case overallScore >= 60:
		return LevelDeveloping
	default:
		return LevelNeedsImprovement
	}
}

// Criterion is one entry of the canonical rubric dimension table.
type Criterion struct {
	Name   string
	Weight float64
}

// CanonicalCriteria is the fixed ordered list of the ten scoring dimensions
// and their publisher-defined weights (weights sum to 100). Used to pad
// incomplete model output so a Result always carries exactly ten entries.
var CanonicalCriteria = []Criterion{
	{Name: "Greeting & Introduction", Weight: 8},
	{Name: "Needs Discovery", Weight: 10},
	{Name: "Product Knowledge", Weight: 10},
	{Name: "Solution Presentation", Weight: 10},
	{Name: "Objection Handling", Weight: 12},
	{Name: "Communication Clarity", Weight: 8},
	{Name: "Empathy & Rapport", Weight: 12},
	{Name: "Compliance & Accuracy", Weight: 10},
	{Name: "Call Control & Efficiency", Weight: 12},
	{Name: "Closing & Next Steps", Weight: 8},
}

// CriteriaCount is the required number of criteria entries in every Result.
const CriteriaCount = 10

// neutralScore pads missing criteria with a mid-range value.
const neutralScore = 3
