// Package render turns model answers written in Markdown into HTML for the
// browser view.
package render

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

const defaultStyle = "monokai"

// CodeBlock is one fenced block found in a Markdown document.
type CodeBlock struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

type options struct {
	style string
}

// Option configures a Renderer.
type Option func(*options)

// WithStyle selects the chroma style used for code highlighting.
func WithStyle(name string) Option {
	return func(o *options) { o.style = name }
}

// Renderer is safe for concurrent use.
type Renderer struct {
	md goldmark.Markdown
}

func New(opts ...Option) *Renderer {
	o := options{style: defaultStyle}
	for _, opt := range opts {
		opt(&o)
	}

	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(
			parser.WithInlineParsers(util.Prioritized(&mathParser{}, 150)),
			parser.WithASTTransformers(util.Prioritized(emptyListItemPruner{}, 100)),
		),
		goldmark.WithRendererOptions(
			renderer.WithNodeRenderers(
				util.Prioritized(newCodeBlockRenderer(o.style), 100),
				util.Prioritized(mathRenderer{}, 100),
			),
		),
	)
	return &Renderer{md: md}
}

// Render converts markdown to HTML. Raw HTML in the input is omitted.
func (r *Renderer) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// ExtractCodeBlocks returns the fenced code blocks of markdown in document
// order.
func (r *Renderer) ExtractCodeBlocks(markdown string) []CodeBlock {
	source := []byte(markdown)
	doc := r.md.Parser().Parse(text.NewReader(source))

	var blocks []CodeBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if fenced, ok := n.(*ast.FencedCodeBlock); ok {
			blocks = append(blocks, CodeBlock{
				Language: string(fenced.Language(source)),
				Code:     string(codeOf(fenced, source)),
			})
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return blocks
}

func codeOf(n ast.Node, source []byte) []byte {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return buf.Bytes()
}

// emptyListItemPruner drops list items with nothing in them, and lists left
// empty as a result.
type emptyListItemPruner struct{}

func (emptyListItemPruner) Transform(doc *ast.Document, reader text.Reader, pc parser.Context) {
	var empty []ast.Node
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindListItem && isEmptyItem(n) {
			empty = append(empty, n)
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	for _, item := range empty {
		list := item.Parent()
		if list == nil {
			continue
		}
		list.RemoveChild(list, item)
		if list.ChildCount() == 0 && list.Parent() != nil {
			list.Parent().RemoveChild(list.Parent(), list)
		}
	}
}

func isEmptyItem(item ast.Node) bool {
	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		switch c.Kind() {
		case ast.KindTextBlock, ast.KindParagraph:
			if c.HasChildren() {
				return false
			}
		default:
			return false
		}
	}
	return true
}
