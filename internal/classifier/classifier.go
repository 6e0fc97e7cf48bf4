package classifier

import (
	"regexp"
	"strings"

	"github.com/openclaw/gateway/internal/provider"
)

// Signals that correlate with requests worth escalating: analytical phrasing,
// code fences, programming vocabulary.
var complexPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\banalyze\b`),
	regexp.MustCompile(`(?i)\bevaluate\b`),
	regexp.MustCompile(`(?i)\bstep[- ]by[- ]step\b`),
	regexp.MustCompile(`(?i)\bexplain\s+in\s+detail\b`),
	regexp.MustCompile(`(?i)\bcompare\b`),
	regexp.MustCompile(`(?i)\bcontrast\b`),
	regexp.MustCompile(`(?i)\bwhy\b`),
	regexp.MustCompile(`(?i)\bhow\s+does\b`),
	regexp.MustCompile(`(?i)\bimplement\b`),
	regexp.MustCompile(`(?i)\bdebug\b`),
	regexp.MustCompile("```"),
	regexp.MustCompile(`(?i)\bcode\b`),
	regexp.MustCompile(`(?i)\bfunction\b`),
	regexp.MustCompile(`(?i)\bclass\b`),
	regexp.MustCompile(`(?i)\balgorithm\b`),
}

const (
	lengthWeight  = 0.4
	patternWeight = 0.6

	// Word count at which the length factor saturates.
	lengthSaturation = 200.0

	// Pattern hits at which the pattern factor saturates.
	patternSaturation = 5.0
)

// Score maps a request's messages to a complexity score in [0, 1]. It is a
// pure function of the message content: a length factor saturating at 200
// words and a pattern factor saturating at 5 signal hits. Empty input scores
// 0.0; scoring never fails, so it can never block routing.
func Score(messages []provider.Message) float64 {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(m.Content)
	}
	text := sb.String()

	words := float64(len(strings.Fields(text)))
	lengthScore := min(words/lengthSaturation, 1.0) * lengthWeight

	matches := 0.0
	for _, p := range complexPatterns {
		if p.MatchString(text) {
			matches++
		}
	}
	patternScore := min(matches/patternSaturation, 1.0) * patternWeight

	return lengthScore + patternScore
}
