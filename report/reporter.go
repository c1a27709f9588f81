// Package report presents an error chain to a human. It is the fallback used
// when the host supplies no error callback of its own.
package report

import (
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/st-keller/pavlovia-client/chain"
	"github.com/st-keller/pavlovia-client/logging"
)

// Display is where the rendered error replaces the visible content.
type Display interface {
	SetContent(html string)
}

// Reporter writes a chain to the log and to the display.
type Reporter struct {
	Title   string
	Display Display
	Logger  *zerolog.Logger
}

// Report logs err and, when a display is set, replaces its content with the
// rendered chain. A nil err is ignored.
func (r *Reporter) Report(err error) {
	if err == nil {
		return
	}
	log := logging.Or(r.Logger)
	log.Error().
		Strs("chain", chain.Lines(err)).
		Interface("error_chain", asJSON(err)).
		Str("kind", string(chain.KindOf(err))).
		Msg(r.Title)

	if r.Display != nil {
		r.Display.SetContent(Render(r.Title, err))
	}
}

// asJSON keeps chain links as-is so their nested form is logged, and turns
// any other error into its message.
func asJSON(err error) any {
	if l, ok := err.(chain.Link); ok {
		return l
	}
	return err.Error()
}

// Render returns the HTML for err: a heading, then one list item per frame
// context from outermost to innermost, then the terminal message in bold.
func Render(title string, err error) string {
	heading := element(atom.H3, text(title))

	list := element(atom.Ul)
	lines := chain.Lines(err)
	for i, line := range lines {
		if i == len(lines)-1 {
			list.AppendChild(element(atom.Li, element(atom.B, text(line))))
			continue
		}
		list.AppendChild(element(atom.Li, text(line)))
	}

	var sb strings.Builder
	for _, n := range []*html.Node{heading, list} {
		// Rendering into a strings.Builder cannot fail.
		_ = html.Render(&sb, n)
	}
	return sb.String()
}

func element(a atom.Atom, children ...*html.Node) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	for _, c := range children {
		n.AppendChild(c)
	}
	return n
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}
