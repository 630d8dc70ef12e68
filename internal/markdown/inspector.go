// Package markdown inspects the structure of content submitted for prediction.
package markdown

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// Structure summarises how a piece of content is organised.
type Structure struct {
	Chars             int      // Length of the raw content in bytes
	Headings          int      // Number of section headings at any level
	Outline           []string // Header paths, e.g. "# Guide > ## Setup"
	Sentences         int      // Sentences in prose blocks
	Words             int      // Words in prose blocks
	AvgSentenceLength float64  // Words per sentence, 0 when there are no sentences
}

// HasSections reports whether the content has any section headings.
func (s Structure) HasSections() bool {
	return s.Headings > 0
}

// Inspector parses content as CommonMark to measure its structure.
// Plain text parses as paragraphs, so it works for non-markdown input too.
type Inspector struct {
	parser goldmark.Markdown
}

// NewInspector creates a new inspector configured with goldmark parser.
func NewInspector() *Inspector {
	md := goldmark.New(
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	return &Inspector{parser: md}
}

// Inspect measures headings and sentence statistics of content.
func (i *Inspector) Inspect(content string) (Structure, error) {
	source := []byte(content)
	doc := i.parser.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source, toc.Compact(true))
	if err != nil {
		return Structure{}, fmt.Errorf("inspect TOC: %w", err)
	}

	s := Structure{Chars: len(content)}
	collectOutline(tree.Items, nil, &s.Outline)

	var prose strings.Builder
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Heading:
			if entering {
				s.Headings++
			}
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				prose.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					prose.WriteByte(' ')
				}
			}
		case *ast.Paragraph, *ast.TextBlock:
			if !entering {
				prose.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return Structure{}, fmt.Errorf("walk document: %w", err)
	}

	for _, block := range strings.Split(prose.String(), "\n") {
		sentences, words := countSentences(block)
		s.Sentences += sentences
		s.Words += words
	}
	if s.Sentences > 0 {
		s.AvgSentenceLength = float64(s.Words) / float64(s.Sentences)
	}
	return s, nil
}

// countSentences splits block on terminal punctuation followed by whitespace
// or end of text. Trailing words without punctuation form a final sentence.
func countSentences(block string) (sentences, words int) {
	inSentence := false
	runes := []rune(block)
	for idx, r := range runes {
		switch {
		case r == '.' || r == '!' || r == '?':
			atBoundary := idx+1 == len(runes) || unicode.IsSpace(runes[idx+1])
			if inSentence && atBoundary {
				sentences++
				inSentence = false
			}
		case !unicode.IsSpace(r):
			inSentence = true
		}
	}
	if inSentence {
		sentences++
	}
	return sentences, len(strings.Fields(block))
}

func collectOutline(items toc.Items, ancestors []string, out *[]string) {
	for _, item := range items {
		path := append(ancestors[:len(ancestors):len(ancestors)], string(item.Title))
		if len(item.Title) > 0 {
			*out = append(*out, formatHeaderPath(path))
		}
		collectOutline(item.Items, path, out)
	}
}

// formatHeaderPath builds a header hierarchy string.
// Example: ["Installation", "Prerequisites"] -> "# Installation > ## Prerequisites"
func formatHeaderPath(path []string) string {
	parts := make([]string, len(path))
	for i, segment := range path {
		parts[i] = fmt.Sprintf("%s %s", strings.Repeat("#", i+1), segment)
	}
	return strings.Join(parts, " > ")
}
