// Package conversion renders message markdown to sanitized HTML.
package conversion

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/inercia/chatwire/internal/mode"
)

// Converter handles markdown-to-HTML conversion with configurable options.
type Converter struct {
	md        goldmark.Markdown
	sanitizer *bluemonday.Policy
}

// Option configures the Converter.
type Option func(*Converter)

func newMarkdown(extra ...goldmark.Extender) goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(append([]goldmark.Extender{extension.GFM}, extra...)...),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			gmhtml.WithHardWraps(),
			gmhtml.WithXHTML(),
		),
	)
}

// WithHighlighting enables syntax highlighting with the specified style.
func WithHighlighting(style string) Option {
	return func(c *Converter) {
		c.md = newMarkdown(highlighting.NewHighlighting(
			highlighting.WithStyle(style),
		))
	}
}

// WithSanitization enables HTML sanitization using the provided policy.
func WithSanitization(policy *bluemonday.Policy) Option {
	return func(c *Converter) {
		c.sanitizer = policy
	}
}

// NewConverter creates a new Converter with the given options.
func NewConverter(opts ...Option) *Converter {
	c := &Converter{md: newMarkdown()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultConverter returns a converter with highlighting in style and
// sanitization. An empty style means "monokai".
func DefaultConverter(style string) *Converter {
	if style == "" {
		style = "monokai"
	}
	return NewConverter(
		WithHighlighting(style),
		WithSanitization(CreateSanitizer()),
	)
}

// CreateSanitizer creates a bluemonday policy that allows safe HTML for markdown rendering.
func CreateSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()

	// goldmark-highlighting emits classes and inline styles on these
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre", "span", "div")
	p.AllowAttrs("style").OnElements("pre", "span")

	p.AllowAttrs("id").Matching(bluemonday.Paragraph).OnElements("h1", "h2", "h3", "h4", "h5", "h6")

	return p
}

// Convert converts markdown text to HTML.
func (c *Converter) Convert(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := c.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}

	result := buf.String()
	if c.sanitizer != nil {
		result = c.sanitizer.Sanitize(result)
	}
	return result, nil
}

// ConvertToSafeHTML converts markdown and escapes it on error.
func (c *Converter) ConvertToSafeHTML(markdown string) string {
	result, err := c.Convert(markdown)
	if err != nil {
		return "<pre>" + html.EscapeString(markdown) + "</pre>"
	}
	return result
}

// ConvertPartial renders text that is still streaming in. An unterminated
// code fence is closed and a dangling inline marker is dropped so the
// partial output does not flip formatting for the rest of the message.
func (c *Converter) ConvertPartial(markdown string) string {
	return c.ConvertToSafeHTML(BalanceForStreaming(markdown))
}

// Render fills m.HTML from m.Content.
func (c *Converter) Render(m *mode.Message) {
	if c == nil || m == nil {
		return
	}
	if m.Streaming {
		m.HTML = c.ConvertPartial(m.Content)
		return
	}
	m.HTML = c.ConvertToSafeHTML(m.Content)
}

// codeBlockPattern matches opening/closing code fences.
var codeBlockPattern = regexp.MustCompile("^\\s*```")

// IsCodeBlockStart returns true if the line starts or ends a code block.
func IsCodeBlockStart(line string) bool {
	return codeBlockPattern.MatchString(line)
}

// HasOpenCodeBlock reports whether content ends inside a fenced code block.
func HasOpenCodeBlock(content string) bool {
	open := false
	for _, line := range strings.Split(content, "\n") {
		if IsCodeBlockStart(line) {
			open = !open
		}
	}
	return open
}

// HasUnmatchedInlineFormatting checks if the content has unmatched ** or
// inline code markers.
func HasUnmatchedInlineFormatting(content string) bool {
	if strings.Count(content, "**")%2 != 0 {
		return true
	}
	return inlineBackticks(content)%2 != 0
}

func inlineBackticks(content string) int {
	n := 0
	for i := 0; i < len(content); i++ {
		if content[i] != '`' {
			continue
		}
		// skip fences and double backticks
		if i+2 < len(content) && content[i+1] == '`' && content[i+2] == '`' {
			i += 2
			continue
		}
		if i+1 < len(content) && content[i+1] == '`' {
			i++
			continue
		}
		n++
	}
	return n
}

// BalanceForStreaming returns content adjusted for rendering a prefix of a
// longer message.
func BalanceForStreaming(content string) string {
	if HasOpenCodeBlock(content) {
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		return content + "```"
	}
	if strings.Count(content, "**")%2 != 0 {
		i := strings.LastIndex(content, "**")
		content = content[:i] + content[i+2:]
	}
	if inlineBackticks(content)%2 != 0 {
		i := strings.LastIndex(content, "`")
		content = content[:i] + content[i+1:]
	}
	return content
}
