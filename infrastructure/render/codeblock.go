package render

import (
	"bytes"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/sirupsen/logrus"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// codeBlockRenderer writes fenced code as a header (language and copy
// button) above a chroma-highlighted body.
type codeBlockRenderer struct {
	style     *chroma.Style
	formatter *chromahtml.Formatter
}

func newCodeBlockRenderer(styleName string) *codeBlockRenderer {
	style := chromaStyles.Get(styleName)
	if style == nil {
		style = chromaStyles.Fallback
	}
	return &codeBlockRenderer{
		style:     style,
		formatter: chromahtml.New(chromahtml.WithClasses(false), chromahtml.TabWidth(4)),
	}
}

func (r *codeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
}

func (r *codeBlockRenderer) renderFencedCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.FencedCodeBlock)
	language := string(n.Language(source))
	code := codeOf(n, source)

	label := language
	if label == "" {
		label = "text"
	}

	_, _ = w.WriteString(`<div class="code-block"><div class="code-header"><span class="code-lang">`)
	_, _ = w.Write(util.EscapeHTML([]byte(label)))
	_, _ = w.WriteString(`</span><button type="button" class="copy-button" data-copy="`)
	_, _ = w.Write(util.EscapeHTML(code))
	_, _ = w.WriteString(`">Copy</button></div>`)
	r.highlight(w, language, code)
	_, _ = w.WriteString("</div>\n")

	return ast.WalkSkipChildren, nil
}

// highlight writes code through chroma, or as escaped plain text if chroma fails.
func (r *codeBlockRenderer) highlight(w util.BufWriter, language string, code []byte) {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(string(code))
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, string(code))
	if err == nil {
		var buf bytes.Buffer
		if err = r.formatter.Format(&buf, r.style, iterator); err == nil {
			_, _ = w.Write(buf.Bytes())
			return
		}
	}

	logrus.WithError(err).WithField("language", language).Debug("Highlighting failed, writing plain code")
	_, _ = w.WriteString("<pre><code>")
	_, _ = w.Write(util.EscapeHTML(code))
	_, _ = w.WriteString("</code></pre>")
}
