package workermgr

import "strings"

// RoutingRecommendation suggests how a task should be dispatched.
type RoutingRecommendation struct {
	Complexity string  `json:"complexity"` // trivial, moderate, complex
	Strategy   string  `json:"strategy"`   // single, pair, swarm
	Model      string  `json:"model"`
	Confidence float64 `json:"confidence"`
}

var complexKeywords = []string{
	"refactor", "architect", "redesign", "migrate", "concurrency",
	"security", "performance", "across", "entire",
}

var trivialKeywords = []string{
	"typo", "rename", "comment", "format", "bump", "readme", "docs",
}

// GetRoutingRecommendation classifies a task description with a cheap
// keyword and length heuristic. Empty tasks yield no recommendation.
func (m *Manager) GetRoutingRecommendation(task string) *RoutingRecommendation {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil
	}
	lower := strings.ToLower(task)

	score := 0
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			score += 2
		}
	}
	for _, kw := range trivialKeywords {
		if strings.Contains(lower, kw) {
			score--
		}
	}
	if len(task) > 400 {
		score += 2
	} else if len(task) > 150 {
		score++
	}

	rec := &RoutingRecommendation{}
	switch {
	case score >= 3:
		rec.Complexity = "complex"
		rec.Strategy = "swarm"
		rec.Model = "opus"
		rec.Confidence = 0.6
	case score >= 1:
		rec.Complexity = "moderate"
		rec.Strategy = "pair"
		rec.Model = "sonnet"
		rec.Confidence = 0.7
	default:
		rec.Complexity = "trivial"
		rec.Strategy = "single"
		rec.Model = "haiku"
		rec.Confidence = 0.8
	}
	return rec
}
