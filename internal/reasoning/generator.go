// Package reasoning generates the narrative parts of citation analyses:
// hypotheses, recommendations and content gaps.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bull/citation-insight/internal/storage"
)

// DefaultMaxTokens is the maximum citation length before truncation (in tokens).
const DefaultMaxTokens = 16000

const (
	hypothesisChunks    = 5
	hypothesisExcerpt   = 200
	promptKeywords      = 10
	gapContentExcerpt   = 1000
	gapSamples          = 3
	gapSampleExcerpt    = 300
	recommendationCount = 5
)

// Generator builds prompts, calls the completer and turns responses into tagged results.
type Generator struct {
	completer Completer
	maxTokens int
	logger    *slog.Logger
}

// NewGenerator creates a generator. If logger is nil, slog.Default() is used.
func NewGenerator(completer Completer, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		completer: completer,
		maxTokens: DefaultMaxTokens,
		logger:    logger,
	}
}

// Hypothesis explains why the citation was selected, from its most similar
// indexed chunks and the keywords their sources rank for.
func (g *Generator) Hypothesis(ctx context.Context, citation *storage.Citation, similar []storage.SimilarChunk, keywords []storage.KeywordMatch) ReasoningResult {
	var b strings.Builder
	b.WriteString("Analyze why this content was selected for the AI search response.\n\n")
	fmt.Fprintf(&b, "Query: %s\n", citation.Query)
	fmt.Fprintf(&b, "Citation: %s\n\n", g.truncateContent(citation.Text))

	b.WriteString("Similar content chunks found:\n")
	for i, chunk := range similar[:min(hypothesisChunks, len(similar))] {
		fmt.Fprintf(&b, "%d. %s (similarity: %.3f)\n", i+1, excerpt(chunk.Content, hypothesisExcerpt), chunk.Score)
	}

	b.WriteString("\nKeywords these similar chunks rank for:\n")
	for _, km := range keywords[:min(promptKeywords, len(keywords))] {
		fmt.Fprintf(&b, "- %s (volume: %d, difficulty: %.1f)\n", km.Keyword, km.SearchVolume, km.Difficulty)
	}

	b.WriteString(`
Based on this data, provide a hypothesis for why this specific content was chosen by the AI. Consider:
1. Topical relevance
2. Content quality signals
3. Semantic similarity patterns
4. Authority indicators

Be specific and actionable.`)

	text, err := g.completer.Complete(ctx, CompletionRequest{
		System:      "You are an AI search optimization expert.",
		Prompt:      b.String(),
		Temperature: 0.7,
		MaxTokens:   500,
	})
	if err != nil {
		g.logger.Warn("Failed to generate reasoning hypothesis", "citation_id", citation.ID, "error", err)
		return Unavailable(err)
	}
	return Reasoned(strings.TrimSpace(text))
}

// Recommendations asks for optimisation steps that would raise citation probability.
func (g *Generator) Recommendations(ctx context.Context, citation *storage.Citation, keywords []storage.KeywordMatch, hypothesis string) GeneratedList[storage.Recommendation] {
	var b strings.Builder
	b.WriteString("Based on the following analysis, provide specific recommendations for optimizing content to increase AI citation probability.\n\n")
	fmt.Fprintf(&b, "Query: %s\n", citation.Query)
	fmt.Fprintf(&b, "Current Citation: %s\n\n", g.truncateContent(citation.Text))
	fmt.Fprintf(&b, "Reasoning Hypothesis: %s\n\n", hypothesis)

	b.WriteString("Top Keywords in Similar Content:\n")
	for _, km := range keywords[:min(promptKeywords, len(keywords))] {
		fmt.Fprintf(&b, "- %s (volume: %d)\n", km.Keyword, km.SearchVolume)
	}

	fmt.Fprintf(&b, `
Provide %d specific, actionable recommendations. For each recommendation give:
- action: what to do
- reason: why it will help
- impact: expected increase in citation probability
- priority: high, medium or low

Respond in JSON format:
{"recommendations": [{"action": "...", "reason": "...", "impact": "...", "priority": "high"}]}`, recommendationCount)

	text, err := g.completer.Complete(ctx, CompletionRequest{
		System:      "You are an AI search optimization expert. Always respond with valid JSON.",
		Prompt:      b.String(),
		Temperature: 0.7,
		MaxTokens:   800,
		JSON:        true,
	})
	if err != nil {
		g.logger.Warn("Failed to generate recommendations", "citation_id", citation.ID, "error", err)
		return ParseFailed[storage.Recommendation](err)
	}

	recs, err := parseList[storage.Recommendation](text, "recommendations")
	if err != nil {
		g.logger.Warn("Failed to parse recommendations", "citation_id", citation.ID, "error", err)
		return ParseFailed[storage.Recommendation](err)
	}
	return Parsed(recs)
}

// ContentGaps compares content with cited material and lists what is missing.
// cited must be non-empty; callers skip the call otherwise.
func (g *Generator) ContentGaps(ctx context.Context, content, targetQuery string, cited []storage.SimilarChunk) GeneratedList[ContentGap] {
	var b strings.Builder
	b.WriteString("Analyze the content gaps between the provided content and similar content that has been cited in AI search results.\n\n")
	fmt.Fprintf(&b, "Target Query: %s\n\n", targetQuery)
	fmt.Fprintf(&b, "Provided Content (first %d chars):\n%s\n\n", gapContentExcerpt, excerpt(content, gapContentExcerpt))

	b.WriteString("Similar Cited Content Samples:\n")
	for i, c := range cited[:min(gapSamples, len(cited))] {
		fmt.Fprintf(&b, "%d. %s\n\n", i+1, excerpt(c.Content, gapSampleExcerpt))
	}

	b.WriteString(`Identify 3-5 specific content gaps. For each gap give:
- missing: what is missing
- why_it_matters: why it matters for AI citation
- how_to_address: how to address it

Respond in JSON format:
{"gaps": [{"missing": "...", "why_it_matters": "...", "how_to_address": "..."}]}`)

	text, err := g.completer.Complete(ctx, CompletionRequest{
		System:      "You are an AI content optimization expert. Always respond with valid JSON.",
		Prompt:      b.String(),
		Temperature: 0.7,
		MaxTokens:   600,
		JSON:        true,
	})
	if err != nil {
		g.logger.Warn("Failed to identify content gaps", "error", err)
		return ParseFailed[ContentGap](err)
	}

	gaps, err := parseList[ContentGap](text, "gaps")
	if err != nil {
		g.logger.Warn("Failed to parse content gaps", "error", err)
		return ParseFailed[ContentGap](err)
	}
	return Parsed(gaps)
}

// parseList accepts either {"<key>": [...]} or a bare JSON array, optionally
// wrapped in a markdown code fence.
func parseList[T any](raw, key string) ([]T, error) {
	body := stripFence(raw)

	var items []T
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &items); err != nil {
			return nil, &GenerativeParseError{Kind: key, Raw: raw, Err: err}
		}
		return items, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &wrapper); err != nil {
		return nil, &GenerativeParseError{Kind: key, Raw: raw, Err: err}
	}
	list, ok := wrapper[key]
	if !ok {
		return nil, &GenerativeParseError{Kind: key, Raw: raw, Err: errors.New("missing " + key + " field")}
	}
	if err := json.Unmarshal(list, &items); err != nil {
		return nil, &GenerativeParseError{Kind: key, Raw: raw, Err: err}
	}
	return items, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// excerpt returns the first n runes of s, marked with "..." when cut.
func excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// truncateContent truncates content to fit within token limits.
// Uses rough estimate of 4 characters per token.
func (g *Generator) truncateContent(content string) string {
	maxChars := g.maxTokens * 4
	if len(content) <= maxChars {
		return content
	}

	g.logger.Warn("Truncating content",
		"from_chars", len(content),
		"to_chars", maxChars,
		"estimated_tokens", g.maxTokens)

	return excerpt(content, maxChars)
}
