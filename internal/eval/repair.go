package eval

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Fallback values used when neither the model output nor the transcript
// yields usable data. Downstream consumers never observe missing fields.
const (
	UnknownStaffName = "Unknown Staff"
	paddedNotes      = "Not scored in model response; neutral default applied"
	tripleLen        = 3
)

var (
	fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	bareObjectPattern  = regexp.MustCompile(`(?s)\{.*\}`)

	staffNamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bmy name is\s+([A-Z][a-zA-Z'-]*(?:\s+[A-Z][a-zA-Z'-]*)?)`),
		regexp.MustCompile(`(?i)\bthis is\s+([A-Z][a-zA-Z'-]*(?:\s+[A-Z][a-zA-Z'-]*)?)\s+(?:speaking|calling|from)\b`),
	}

	// The two date shapes a call transcript realistically carries.
	numericDatePattern = regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{2,4})\b`)
	writtenDatePattern = regexp.MustCompile(`\b((?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4})\b`)
)

// Repair reconciles an untrusted, free-form model response into a structurally
// complete Result. Every field is filled from the response where possible, from
// the transcript where not, and from fixed defaults as a last resort. It never
// fails: garbage in still yields a well-formed, degraded Result.
func Repair(raw, transcript string, now time.Time) *Result {
	obj := extractObject(raw)

	res := &Result{
		StaffName: repairStaffName(obj, transcript),
		Date:      repairDate(obj, transcript, now),
	}

	res.CriteriaScores = repairCriteria(obj)
	res.OverallScore = repairOverallScore(obj, res.CriteriaScores)
	res.PerformanceLevel = LevelFor(res.OverallScore)

	res.Strengths = repairStringTriple(obj, "strengths",
		"No strengths could be extracted from the evaluation response")
	res.AreasForImprovement = repairStringTriple(obj, "areasForImprovement",
		"No improvement areas could be extracted from the evaluation response")
	res.KeyRecommendations = repairStringTriple(obj, "keyRecommendations",
		"No recommendations could be extracted from the evaluation response")

	return res
}

// extractObject pulls a JSON object out of free-form response text.
// Tries a fenced code block, then a bare {...} scan, then brace matching.
// Anything unparseable degrades to an empty object.
func extractObject(raw string) map[string]any {
	if m := fencedBlockPattern.FindStringSubmatch(raw); len(m) == 2 {
		if obj := tryParseObject(m[1]); obj != nil {
			return obj
		}
	}
	if m := bareObjectPattern.FindString(raw); m != "" {
		if obj := tryParseObject(m); obj != nil {
			return obj
		}
	}
	if s := matchBraces(raw); s != "" {
		if obj := tryParseObject(s); obj != nil {
			return obj
		}
	}
	return map[string]any{}
}

func tryParseObject(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}

// matchBraces returns the first balanced {...} span, counting depth only.
// Braces inside string literals will confuse it; it is the last-resort heuristic.
func matchBraces(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(raw); i++ {
		switch raw[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}

func repairStaffName(obj map[string]any, transcript string) string {
	if s := stringField(obj, "staffName"); s != "" {
		return s
	}
	for _, p := range staffNamePatterns {
		if m := p.FindStringSubmatch(transcript); len(m) == 2 {
			return strings.TrimSpace(m[1])
		}
	}
	return UnknownStaffName
}

func repairDate(obj map[string]any, transcript string, now time.Time) string {
	if s := stringField(obj, "date"); s != "" {
		return s
	}
	if m := numericDatePattern.FindStringSubmatch(transcript); len(m) == 2 {
		return m[1]
	}
	if m := writtenDatePattern.FindStringSubmatch(transcript); len(m) == 2 {
		return m[1]
	}
	return now.Format("January 2, 2006")
}

// repairOverallScore resolves the overall percentage. The model may use the
// legacy "totalScore" field name and may send numbers as strings. Invalid or
// non-positive values are recomputed from the weighted criteria. Values above
// 100 are assumed to sit on the legacy unnormalized 0-500 scale and divided
// by 5; the scale itself is never validated (legacy quirk, kept as-is).
func repairOverallScore(obj map[string]any, criteria []CriterionScore) int {
	score, ok := numberField(obj, "overallScore")
	if !ok {
		score, ok = numberField(obj, "totalScore")
	}
	if !ok || score <= 0 {
		score = recomputeOverall(criteria)
	}
	if score > 100 {
		score = score / 5
	}
	n := int(math.Round(score))
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return n
}

func recomputeOverall(criteria []CriterionScore) float64 {
	var weighted, weights float64
	for _, c := range criteria {
		weighted += c.WeightedScore
		weights += c.Weight
	}
	if weights == 0 {
		return 0
	}
	// Lands on the unnormalized scale for fully-scored criteria; the caller's
	// >100 rescale brings it back to a percentage.
	return math.Round(100 * weighted / weights)
}

// repairCriteria keeps every supplied entry that parses into the required
// shape, fills missing weighted scores, and pads with the canonical criteria
// until exactly ten entries exist.
func repairCriteria(obj map[string]any) []CriterionScore {
	out := make([]CriterionScore, 0, CriteriaCount)

	entries, _ := obj["criteriaScores"].([]any)
	for _, e := range entries {
		if len(out) == CriteriaCount {
			break
		}
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		name := stringField(m, "criterion")
		weight, wOK := numberField(m, "weight")
		score, sOK := numberField(m, "score")
		if name == "" || !wOK || !sOK || weight <= 0 || score < 1 || score > 5 {
			continue
		}
		ws, wsOK := numberField(m, "weightedScore")
		if !wsOK {
			ws = score * weight
		}
		out = append(out, CriterionScore{
			Criterion:     name,
			Weight:        weight,
			Score:         score,
			WeightedScore: ws,
			Notes:         stringField(m, "notes"),
		})
	}

	if len(out) < CriteriaCount {
		present := make(map[string]bool, len(out))
		for _, c := range out {
			present[strings.ToLower(c.Criterion)] = true
		}
		for _, c := range CanonicalCriteria {
			if len(out) == CriteriaCount {
				break
			}
			if present[strings.ToLower(c.Name)] {
				continue
			}
			out = append(out, CriterionScore{
				Criterion:     c.Name,
				Weight:        c.Weight,
				Score:         neutralScore,
				WeightedScore: neutralScore * c.Weight,
				Notes:         paddedNotes,
			})
		}
	}
	return out
}

// repairStringTriple normalizes a supplied string array to exactly three
// entries: extra entries are dropped, short arrays are topped up from the
// placeholder lines, and anything unusable becomes the full placeholder
// naming the processing failure.
func repairStringTriple(obj map[string]any, key, placeholder string) []string {
	filler := []string{
		placeholder,
		"The model output could not be fully parsed",
		"Manual review of the transcript is recommended",
	}
	arr, ok := obj[key].([]any)
	if !ok {
		return filler
	}
	vals := make([]string, 0, tripleLen)
	for _, v := range arr {
		if len(vals) == tripleLen {
			break
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			vals = append(vals, s)
		}
	}
	if len(vals) == 0 {
		return filler
	}
	for len(vals) < tripleLen {
		vals = append(vals, filler[len(vals)])
	}
	return vals
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

func numberField(obj map[string]any, key string) (float64, bool) {
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
