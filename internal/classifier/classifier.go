// Package classifier scores an inbound chat conversation for assumed
// complexity and maps it onto a routing tier. Classification is a pure,
// single-pass, deterministic function of the message list: it never errors,
// and malformed content simply contributes no text.
package classifier

import (
	"fmt"
	"math"
	"strings"

	"github.com/jordanhubbard/slimclaw/internal/tier"
)

// ContentBlock mirrors one element of a multi-part message content list.
type ContentBlock struct {
	Type string
	Text string
}

// Message is the classifier's read-only view of a single chat turn.
type Message struct {
	Role          string
	Content       string
	ContentBlocks []ContentBlock
	// ToolCalls counts tool-call payloads attached to this message, used as
	// a proxy for tool-use volume and "tool-bearing message" signals.
	ToolCalls int
}

// Result is the outcome of classifying a conversation.
type Result struct {
	Tier       tier.Tier
	Confidence float64
	Reason     string
	Scores     map[tier.Tier]float64
	Signals    []string
}

// keywordWeight is the fixed contribution of a single keyword hit.
const keywordWeight = 0.15

// baselineScore seeds every tier equally before signals accumulate, so the
// raw score vector starts at a sum of 1 and additive contributions are the
// only source of skew.
const baselineScore = 0.25

var keywordSets = map[tier.Tier][]string{
	tier.Simple: {
		"hi", "hello", "thanks", "thank you", "what is", "define",
		"quick question", "yes or no", "ok", "okay",
	},
	tier.Mid: {
		"explain", "how does", "compare", "refactor", "write a function",
		"fix this bug", "add a feature", "implement", "optimize this",
	},
	tier.Complex: {
		"architecture", "design a system", "microservice", "distributed",
		"scalability", "security review", "migrate", "database schema",
		"concurrency",
	},
	tier.Reasoning: {
		"prove", "theorem", "step by step", "chain of thought",
		"mathematical proof", "derive", "algorithm complexity",
		"formal verification", "edge case analysis",
	},
}

var problemKeywords = []string{"bug", "error", "issue", "problem", "fail", "crash", "exception"}

var mathIndicators = []string{
	"integral", "derivative", "equation", "theorem", "prove", "matrix",
	"probability distribution", "big o(", "algorithm complexity",
}

var architectureIndicators = []string{
	"microservice", "architecture", "system design", "scalability",
	"distributed system", "database schema", "load balancer",
}

// Classify runs the deterministic single-pass classification algorithm over
// the full message list and returns a tier, confidence, and supporting
// signals.
func Classify(messages []Message) Result {
	if len(messages) == 0 {
		return Result{
			Tier:       tier.Simple,
			Confidence: 0.5,
			Reason:     "empty conversation",
			Scores:     map[tier.Tier]float64{tier.Simple: 1},
			Signals:    []string{"structural:empty-conversation"},
		}
	}

	scores := map[tier.Tier]float64{
		tier.Simple:    baselineScore,
		tier.Mid:       baselineScore,
		tier.Complex:   baselineScore,
		tier.Reasoning: baselineScore,
	}
	var signals []string

	window := analysisWindow(messages)
	windowText := flattenText(window)

	applyKeywordSignals(windowText, scores, &signals)
	applyStructuralSignals(messages, scores, &signals)
	applyHistoricalBoost(messages, scores, &signals)
	applyContextAdjustments(messages, windowText, scores, &signals)

	return renormalize(scores, signals)
}

// analysisWindow takes the last three messages plus the last user message,
// if that message isn't already part of the window.
func analysisWindow(messages []Message) []Message {
	n := len(messages)
	start := n - 3
	if start < 0 {
		start = 0
	}
	window := append([]Message{}, messages[start:]...)

	lastUserIdx := -1
	for i := n - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}
	if lastUserIdx >= 0 && lastUserIdx < start {
		window = append([]Message{messages[lastUserIdx]}, window...)
	}
	return window
}

// flattenText concatenates message content and content-block text into one
// string. Malformed blocks (no text) contribute nothing.
func flattenText(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteString(" ")
		}
		for _, cb := range m.ContentBlocks {
			if cb.Text != "" {
				b.WriteString(cb.Text)
				b.WriteString(" ")
			}
		}
	}
	return b.String()
}

func applyKeywordSignals(windowText string, scores map[tier.Tier]float64, signals *[]string) {
	lower := strings.ToLower(windowText)
	for _, t := range tier.All {
		for _, word := range keywordSets[t] {
			if strings.Contains(lower, word) {
				scores[t] += keywordWeight
				*signals = append(*signals, "keyword:"+word)
			}
		}
	}
}

func applyStructuralSignals(messages []Message, scores map[tier.Tier]float64, signals *[]string) {
	var totalChars, userCount, toolCalls, userChars int
	hasCodeBlocks := false

	for _, m := range messages {
		text := m.Content
		for _, cb := range m.ContentBlocks {
			text += cb.Text
		}
		totalChars += len(text)
		toolCalls += m.ToolCalls
		if strings.Contains(text, "```") {
			hasCodeBlocks = true
		}
		if m.Role == "user" {
			userCount++
			userChars += len(text)
		}
	}

	if totalChars > 4000 {
		scores[tier.Complex] += 0.2
		*signals = append(*signals, "structural:long-conversation")
	}
	if totalChars > 12000 {
		scores[tier.Reasoning] += 0.25
		*signals = append(*signals, "structural:very-long-conversation")
	}
	if userCount > 8 {
		scores[tier.Complex] += 0.15
		*signals = append(*signals, "structural:many-turns")
	}
	if hasCodeBlocks {
		scores[tier.Mid] += 0.2
		scores[tier.Complex] += 0.1
		*signals = append(*signals, "structural:code-blocks")
	}
	if toolCalls > 5 {
		scores[tier.Complex] += 0.25
		*signals = append(*signals, "structural:heavy-tool-volume")
	}
	if userCount > 0 && float64(userChars)/float64(userCount) > 400 {
		scores[tier.Mid] += 0.15
		*signals = append(*signals, "structural:verbose-user-messages")
	}
}

func applyHistoricalBoost(messages []Message, scores map[tier.Tier]float64, signals *[]string) {
	var userMessages []Message
	for _, m := range messages {
		if m.Role == "user" {
			userMessages = append(userMessages, m)
		}
	}
	if len(userMessages) == 0 {
		return
	}

	if meanLen(userMessages) > 1000 {
		scores[tier.Complex] += 0.2
		scores[tier.Reasoning] += 0.1
		*signals = append(*signals, "lengthy conversation pattern")
	}

	if len(userMessages) >= 4 {
		mid := len(userMessages) / 2
		earlyMean := meanLen(userMessages[:mid])
		laterMean := meanLen(userMessages[mid:])
		if earlyMean > 0 && laterMean > 2*earlyMean {
			scores[tier.Complex] += 0.2
			scores[tier.Reasoning] += 0.15
			*signals = append(*signals, "escalating complexity")
		}
	}

	toolBearing := 0
	for _, m := range messages {
		if m.ToolCalls > 0 {
			toolBearing++
		}
	}
	switch {
	case toolBearing > 2:
		scores[tier.Complex] += 0.25
		*signals = append(*signals, "heavy tool usage")
	case toolBearing > 0:
		scores[tier.Mid] += 0.1
		*signals = append(*signals, "moderate tool usage")
	}

	problemMessages := 0
	for _, m := range userMessages {
		lower := strings.ToLower(m.Content)
		for _, kw := range problemKeywords {
			if strings.Contains(lower, kw) {
				problemMessages++
				break
			}
		}
	}
	if problemMessages > 1 {
		scores[tier.Reasoning] += 0.2
		scores[tier.Complex] += 0.1
		*signals = append(*signals, "iterative problem solving")
	}
}

func meanLen(messages []Message) float64 {
	if len(messages) == 0 {
		return 0
	}
	var total int
	for _, m := range messages {
		total += len(m.Content)
	}
	return float64(total) / float64(len(messages))
}

func applyContextAdjustments(messages []Message, windowText string, scores map[tier.Tier]float64, signals *[]string) {
	lower := strings.ToLower(windowText)

	for _, kw := range mathIndicators {
		if strings.Contains(lower, kw) {
			scores[tier.Reasoning] += 0.2
			*signals = append(*signals, "context:math-indicators")
			break
		}
	}
	for _, kw := range architectureIndicators {
		if strings.Contains(lower, kw) {
			scores[tier.Complex] += 0.3
			*signals = append(*signals, "context:architecture-indicators")
			break
		}
	}

	totalText := flattenText(messages)
	if len(messages) <= 2 && len(totalText) < 100 {
		scores[tier.Simple] += 0.3
		*signals = append(*signals, "context:short-conversation")
	}
}

// renormalizeTolerance is the shift beyond which scores are rescaled to sum
// to 1. In practice any fired signal pushes the raw sum past this tolerance,
// since the baseline alone already sums to exactly 1.
const renormalizeTolerance = 0.1

func renormalize(scores map[tier.Tier]float64, signals []string) Result {
	sum := 0.0
	for _, t := range tier.All {
		sum += scores[t]
	}
	if sum <= 0 {
		scores = map[tier.Tier]float64{tier.Simple: 1}
		sum = 1
	} else if math.Abs(sum-1) > renormalizeTolerance || sum != 1 {
		for _, t := range tier.All {
			scores[t] /= sum
		}
	}

	best, bestScore, secondScore := topTwo(scores)
	confidence := math.Round(math.Min(1, 0.5+(bestScore-secondScore))*100) / 100

	reason := fmt.Sprintf("classified as %s", best)
	if len(signals) > 0 {
		reason = fmt.Sprintf("classified as %s via %s", best, signals[0])
	}

	return Result{
		Tier:       best,
		Confidence: confidence,
		Reason:     reason,
		Scores:     scores,
		Signals:    signals,
	}
}

// topTwo returns the highest-scoring tier along with its score and the
// second-highest score. Ties are broken in tier.All order (simple first).
func topTwo(scores map[tier.Tier]float64) (tier.Tier, float64, float64) {
	best := tier.All[0]
	for _, t := range tier.All[1:] {
		if scores[t] > scores[best] {
			best = t
		}
	}
	secondScore := -1.0
	for _, t := range tier.All {
		if t == best {
			continue
		}
		if scores[t] > secondScore {
			secondScore = scores[t]
		}
	}
	if secondScore < 0 {
		secondScore = 0
	}
	return best, scores[best], secondScore
}
