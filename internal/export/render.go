package export

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"muse/api/internal/doc"
	"muse/api/internal/ledger"
)

// Render converts a document to HTML. Pending changes are overlaid on the
// flat positions they cover: inserted and replacement content is wrapped in
// <ins>, content proposed for deletion in <del>, and the text a replacement
// would remove is emitted as a <del> right before the replacement.
func Render(d *doc.Document, changes []ledger.Change) string {
	if d == nil {
		return ""
	}
	pending := make([]ledger.Change, 0, len(changes))
	for _, c := range changes {
		if c.Status != "" && c.Status != ledger.StatusProposed {
			continue
		}
		if c.From < 0 || c.From >= c.To {
			continue
		}
		pending = append(pending, c)
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].From < pending[j].From })

	r := &renderer{changes: pending, emitted: make(map[string]bool)}
	r.children(d.Root().Content, 0)
	return r.b.String()
}

type renderer struct {
	b       strings.Builder
	changes []ledger.Change
	emitted map[string]bool
}

func (r *renderer) children(nodes []*doc.Node, start int) {
	pos := start
	for _, child := range nodes {
		r.node(child, pos)
		pos += child.Size()
	}
}

// node renders n, which opens at flat position pos.
func (r *renderer) node(n *doc.Node, pos int) {
	inner := pos + 1
	switch n.Type {
	case doc.TypeText:
		r.text(n, pos)
	case "paragraph":
		r.block("p", n, inner)
	case "heading":
		level, ok := n.IntAttr("level")
		if !ok || level < 1 || level > 6 {
			level = 1
		}
		r.block(fmt.Sprintf("h%d", level), n, inner)
	case "bulletList":
		r.block("ul", n, inner)
	case "orderedList":
		r.block("ol", n, inner)
	case "listItem":
		r.block("li", n, inner)
	case "blockquote":
		r.block("blockquote", n, inner)
	case "codeBlock":
		r.b.WriteString("<pre><code>")
		r.children(n.Content, inner)
		r.b.WriteString("</code></pre>\n")
	case "table":
		r.block("table", n, inner)
	case "tableRow":
		r.block("tr", n, inner)
	case "tableCell":
		r.block("td", n, inner)
	case "tableHeader":
		r.block("th", n, inner)
	case "hardBreak":
		r.b.WriteString("<br>")
	case "horizontalRule":
		r.b.WriteString("<hr>\n")
	case "image":
		src, _ := n.Attr("src").(string)
		alt, _ := n.Attr("alt").(string)
		fmt.Fprintf(&r.b, `<img src="%s" alt="%s">`, html.EscapeString(src), html.EscapeString(alt))
	default:
		r.children(n.Content, inner)
	}
}

func (r *renderer) block(tag string, n *doc.Node, inner int) {
	if id := n.BlockID(); id != "" {
		fmt.Fprintf(&r.b, `<%s data-block-id="%s">`, tag, html.EscapeString(id))
	} else {
		fmt.Fprintf(&r.b, "<%s>", tag)
	}
	r.children(n.Content, inner)
	fmt.Fprintf(&r.b, "</%s>\n", tag)
}

// text splits a run at every change boundary that falls inside it.
func (r *renderer) text(n *doc.Node, pos int) {
	runes := []rune(n.Text)
	end := pos + len(runes)

	cuts := []int{0, len(runes)}
	for _, c := range r.changes {
		if c.From > pos && c.From < end {
			cuts = append(cuts, c.From-pos)
		}
		if c.To > pos && c.To < end {
			cuts = append(cuts, c.To-pos)
		}
	}
	sort.Ints(cuts)

	for i := 0; i+1 < len(cuts); i++ {
		a, b := cuts[i], cuts[i+1]
		if a == b {
			continue
		}
		segment := renderTextWithMarks(string(runes[a:b]), n.Marks)
		change, ok := r.covering(pos+a, pos+b)
		if !ok {
			r.b.WriteString(segment)
			continue
		}
		if change.Type == ledger.TypeReplace && change.From == pos+a && !r.emitted[change.ID] {
			r.emitted[change.ID] = true
			fmt.Fprintf(&r.b, `<del class="change change-replace" data-change-id="%s">%s</del>`,
				html.EscapeString(change.ID), html.EscapeString(change.OldContent))
		}
		tag := "ins"
		if change.Type == ledger.TypeDelete {
			tag = "del"
		}
		fmt.Fprintf(&r.b, `<%s class="change change-%s" data-change-id="%s">%s</%s>`,
			tag, change.Type, html.EscapeString(change.ID), segment, tag)
	}
}

func (r *renderer) covering(from, to int) (ledger.Change, bool) {
	for _, c := range r.changes {
		if c.From <= from && to <= c.To {
			return c, true
		}
	}
	return ledger.Change{}, false
}

// renderTextWithMarks renders text with formatting marks
func renderTextWithMarks(text string, marks []doc.Mark) string {
	if text == "" {
		return ""
	}
	htmlText := html.EscapeString(text)

	// Apply marks from outside in
	for i := len(marks) - 1; i >= 0; i-- {
		mark := marks[i]
		switch mark.Type {
		case "bold":
			htmlText = fmt.Sprintf("<strong>%s</strong>", htmlText)
		case "italic":
			htmlText = fmt.Sprintf("<em>%s</em>", htmlText)
		case "code":
			htmlText = fmt.Sprintf("<code>%s</code>", htmlText)
		case "link":
			href, _ := mark.Attrs["href"].(string)
			htmlText = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), htmlText)
		case "strike":
			htmlText = fmt.Sprintf("<s>%s</s>", htmlText)
		case "underline":
			htmlText = fmt.Sprintf("<u>%s</u>", htmlText)
		case "provenance":
			model, _ := mark.Attrs["model"].(string)
			htmlText = fmt.Sprintf(`<span class="provenance" data-model="%s">%s</span>`, html.EscapeString(model), htmlText)
		}
	}
	return htmlText
}
