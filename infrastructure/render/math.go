package render

import (
	"bytes"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// KindMath is the node kind of inline and display TeX.
var KindMath = ast.NewNodeKind("Math")

// mathNode holds TeX exactly as written, for KaTeX to typeset client side.
type mathNode struct {
	ast.BaseInline
	display bool
	tex     []byte
}

func (n *mathNode) Kind() ast.NodeKind { return KindMath }

func (n *mathNode) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"TeX": string(n.tex)}, nil)
}

// mathParser recognizes $…$ within a line and $$…$$ across lines. An
// opening $ followed by a space, or a closing $ preceded by a space or
// followed by a digit, is plain text, so prices like $5 and $10 survive.
type mathParser struct{}

func (p *mathParser) Trigger() []byte {
	return []byte{'$'}
}

func (p *mathParser) Parse(parent ast.Node, block text.Reader, pc parser.Context) ast.Node {
	line, _ := block.PeekLine()
	if len(line) > 1 && line[1] == '$' {
		return p.parseDisplay(block)
	}
	return p.parseInline(block, line)
}

func (p *mathParser) parseInline(block text.Reader, line []byte) ast.Node {
	if len(line) < 3 || line[1] == ' ' || line[1] == '\t' {
		return nil
	}
	for i := 1; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '\n':
			return nil
		case '$':
			if line[i-1] == ' ' || (i+1 < len(line) && isDigit(line[i+1])) {
				continue
			}
			tex := append([]byte(nil), line[1:i]...)
			block.Advance(i + 1)
			return &mathNode{tex: tex}
		}
	}
	return nil
}

func (p *mathParser) parseDisplay(block text.Reader) ast.Node {
	l, pos := block.Position()
	block.Advance(2)

	var buf bytes.Buffer
	for {
		line, _ := block.PeekLine()
		if line == nil {
			block.SetPosition(l, pos)
			return nil
		}
		if idx := bytes.Index(line, []byte("$$")); idx >= 0 {
			buf.Write(line[:idx])
			block.Advance(idx + 2)
			tex := bytes.TrimSpace(buf.Bytes())
			if len(tex) == 0 {
				block.SetPosition(l, pos)
				return nil
			}
			return &mathNode{display: true, tex: append([]byte(nil), tex...)}
		}
		buf.Write(line)
		block.AdvanceLine()
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

type mathRenderer struct{}

func (mathRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(KindMath, renderMath)
}

func renderMath(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*mathNode)
	if n.display {
		_, _ = w.WriteString(`<div class="math display">`)
		_, _ = w.Write(util.EscapeHTML(n.tex))
		_, _ = w.WriteString(`</div>`)
	} else {
		_, _ = w.WriteString(`<span class="math inline">`)
		_, _ = w.Write(util.EscapeHTML(n.tex))
		_, _ = w.WriteString(`</span>`)
	}
	return ast.WalkSkipChildren, nil
}
