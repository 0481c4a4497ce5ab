package editor

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxNestingDepth = 256

// Serialize renders the document as HTML. Every block carries its id in a
// data-block attribute so that Hydrate can restore it exactly.
func Serialize(doc Document) string {
	var sb strings.Builder
	for i := 0; i < len(doc.Blocks); i++ {
		b := doc.Blocks[i]
		if b.Kind != KindListItem {
			writeBlock(&sb, b)
			continue
		}
		tag := "ul"
		if b.Ordered {
			tag = "ol"
		}
		sb.WriteString("<" + tag + ">")
		for ; i < len(doc.Blocks) && doc.Blocks[i].Kind == KindListItem && doc.Blocks[i].Ordered == b.Ordered; i++ {
			writeBlock(&sb, doc.Blocks[i])
		}
		i--
		sb.WriteString("</" + tag + ">")
	}
	return sb.String()
}

func writeBlock(sb *strings.Builder, b Block) {
	switch b.Kind {
	case KindHeading:
		tag := "h" + strconv.Itoa(clampLevel(b.Level))
		sb.WriteString("<" + tag + blockAttrs(b) + ">")
		writeRuns(sb, b.Runs, false)
		sb.WriteString("</" + tag + ">")
	case KindListItem:
		sb.WriteString("<li" + blockAttrs(b) + ">")
		writeRuns(sb, b.Runs, false)
		sb.WriteString("</li>")
	case KindQuote:
		sb.WriteString("<blockquote" + blockAttrs(b) + ">")
		writeRuns(sb, b.Runs, false)
		sb.WriteString("</blockquote>")
	case KindCode:
		sb.WriteString("<pre" + blockAttrs(b) + "><code>")
		writeRuns(sb, b.Runs, true)
		sb.WriteString("</code></pre>")
	case KindImage:
		sb.WriteString("<figure" + blockAttrs(b) + ">")
		sb.WriteString(`<img src="` + html.EscapeString(b.Src) + `" alt="` + html.EscapeString(b.Alt) + `">`)
		sb.WriteString("</figure>")
	case KindEmbed:
		sb.WriteString("<figure" + blockAttrs(b))
		sb.WriteString(` data-embed="` + html.EscapeString(b.Provider) + `"`)
		sb.WriteString(` data-src="` + html.EscapeString(b.URL) + `"`)
		sb.WriteString(` data-aspect="` + html.EscapeString(b.Aspect) + `">`)
		sb.WriteString(`<iframe src="` + html.EscapeString(b.EmbedURL) + `" loading="lazy" frameborder="0" allowfullscreen></iframe>`)
		sb.WriteString("</figure>")
	case KindRule:
		sb.WriteString("<hr" + blockAttrs(b) + ">")
	default:
		sb.WriteString("<p" + blockAttrs(b) + ">")
		writeRuns(sb, b.Runs, false)
		sb.WriteString("</p>")
	}
}

func blockAttrs(b Block) string {
	attrs := ` data-block="` + html.EscapeString(b.ID) + `"`
	if b.Align != AlignLeft {
		attrs += ` style="text-align:` + string(b.Align) + `"`
	}
	return attrs
}

var markTags = map[Mark]string{
	MarkBold:      "strong",
	MarkItalic:    "em",
	MarkUnderline: "u",
	MarkStrike:    "s",
}

func writeRuns(sb *strings.Builder, runs []Run, code bool) {
	for _, r := range runs {
		if code {
			sb.WriteString(html.EscapeString(r.Text))
			continue
		}
		var closers []string
		if r.Link != "" {
			sb.WriteString(`<a href="` + html.EscapeString(r.Link) + `">`)
			closers = append(closers, "</a>")
		}
		for _, m := range markOrder {
			if r.Marks&m != 0 {
				sb.WriteString("<" + markTags[m] + ">")
				closers = append(closers, "</"+markTags[m]+">")
			}
		}
		lines := strings.Split(r.Text, "\n")
		for i, line := range lines {
			if i > 0 {
				sb.WriteString("<br>")
			}
			sb.WriteString(html.EscapeString(line))
		}
		for i := len(closers) - 1; i >= 0; i-- {
			sb.WriteString(closers[i])
		}
	}
}

// PlainText flattens the document to text, one line per text block.
func PlainText(doc Document) string {
	lines := make([]string, 0, len(doc.Blocks))
	for _, b := range doc.Blocks {
		switch b.Kind {
		case KindImage:
			if b.Alt != "" {
				lines = append(lines, b.Alt)
			}
		case KindEmbed, KindRule:
		default:
			if text := b.Text(); text != "" {
				lines = append(lines, text)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// Hydrate parses stored content. Malformed input yields a document with a
// single empty paragraph together with ErrMalformedContent.
func Hydrate(content string) (Document, error) {
	blocks, used, err := parseHTML(content, true)
	if err != nil {
		return emptyDocument(), err
	}

	doc := Document{Blocks: blocks}
	serial := maxSerial(doc)
	newID := func() string {
		for {
			serial++
			id := "b" + strconv.Itoa(serial)
			if !used[id] {
				used[id] = true
				return id
			}
		}
	}
	for i := range doc.Blocks {
		if doc.Blocks[i].ID == "" {
			doc.Blocks[i].ID = newID()
		}
	}
	doc.normalize(newID)
	return doc, nil
}

func emptyDocument() Document {
	return Document{Blocks: []Block{{ID: "b1", Kind: KindParagraph}}}
}

var (
	blockIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	serialPattern  = regexp.MustCompile(`^b([0-9]{1,9})$`)
)

// parseHTML turns markup into blocks. With keepIDs, data-block ids are reused
// when valid and unique; other blocks come back without an id.
func parseHTML(content string, keepIDs bool) ([]Block, map[string]bool, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	if !utf8.ValidString(content) || strings.ContainsRune(content, 0) {
		return nil, nil, fmt.Errorf("%w: content is not valid utf-8 text", ErrMalformedContent)
	}

	body := &xhtml.Node{Type: xhtml.ElementNode, DataAtom: atom.Body, Data: "body"}
	nodes, err := xhtml.ParseFragment(strings.NewReader(content), body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}

	p := &parser{keepIDs: keepIDs, used: map[string]bool{}}
	top := template{kind: KindParagraph}
	for _, n := range nodes {
		p.walk(n, top, inline{}, 0)
		if p.err != nil {
			return nil, nil, p.err
		}
	}
	p.flush(false)
	return p.blocks, p.used, nil
}

// maxSerial returns the highest n among block ids of the form "b<n>".
func maxSerial(doc Document) int {
	highest := 0
	for _, b := range doc.Blocks {
		if m := serialPattern.FindStringSubmatch(b.ID); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
				highest = n
			}
		}
	}
	return highest
}

type template struct {
	kind    BlockKind
	level   int
	ordered bool
	align   Align
}

type inline struct {
	marks Mark
	link  string
	pre   bool
}

type parser struct {
	keepIDs bool
	used    map[string]bool
	blocks  []Block
	cur     *Block
	err     error

	figureID    string
	figureAlign Align
}

func (p *parser) walk(n *xhtml.Node, tpl template, in inline, depth int) {
	if p.err != nil {
		return
	}
	if depth > maxNestingDepth {
		p.err = fmt.Errorf("%w: nesting deeper than %d", ErrMalformedContent, maxNestingDepth)
		return
	}

	switch n.Type {
	case xhtml.TextNode:
		p.text(n.Data, tpl, in)
		return
	case xhtml.ElementNode:
	case xhtml.DocumentNode:
		p.children(n, tpl, in, depth)
		return
	default:
		return
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Head, atom.Title, atom.Meta, atom.Link, atom.Template,
		atom.Noscript, atom.Object, atom.Embed, atom.Svg, atom.Math, atom.Button, atom.Select, atom.Textarea:
		return
	case atom.P:
		next := tpl
		if next.kind == KindHeading || next.kind == KindCode {
			next = template{kind: KindParagraph}
		}
		p.block(n, p.aligned(n, next), in, depth)
	case atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer, atom.Main, atom.Aside, atom.Nav,
		atom.Address, atom.Center, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Caption, atom.Table,
		atom.Tr, atom.Td, atom.Th, atom.Details, atom.Summary:
		p.block(n, p.aligned(n, tpl), in, depth)
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		p.block(n, p.aligned(n, template{kind: KindHeading, level: clampLevel(level), align: tpl.align}), in, depth)
	case atom.Ul, atom.Ol:
		p.flush(true)
		next := template{kind: KindListItem, ordered: n.DataAtom == atom.Ol, align: tpl.align}
		p.children(n, next, in, depth)
		p.flush(false)
	case atom.Li:
		next := template{kind: KindListItem, ordered: tpl.kind == KindListItem && tpl.ordered, align: tpl.align}
		p.block(n, p.aligned(n, next), in, depth)
	case atom.Blockquote:
		p.block(n, p.aligned(n, template{kind: KindQuote, align: tpl.align}), in, depth)
	case atom.Pre:
		in.pre = true
		in.marks, in.link = 0, ""
		p.block(n, p.aligned(n, template{kind: KindCode, align: tpl.align}), in, depth)
	case atom.Hr:
		p.flush(true)
		p.blocks = append(p.blocks, Block{ID: p.claimID(n), Kind: KindRule})
	case atom.Br:
		p.text("\n", tpl, inline{marks: in.marks, link: in.link, pre: true})
	case atom.Figure:
		p.figure(n, tpl, in, depth)
	case atom.Img:
		p.image(n)
	case atom.Iframe:
		p.iframe(n)
	case atom.A:
		if href, err := ValidateLink(attr(n, "href")); err == nil && !in.pre {
			in.link = href
		}
		p.children(n, tpl, in, depth)
	case atom.B, atom.Strong:
		p.children(n, tpl, p.marked(in, MarkBold), depth)
	case atom.I, atom.Em, atom.Cite, atom.Dfn:
		p.children(n, tpl, p.marked(in, MarkItalic), depth)
	case atom.U, atom.Ins:
		p.children(n, tpl, p.marked(in, MarkUnderline), depth)
	case atom.S, atom.Strike, atom.Del:
		p.children(n, tpl, p.marked(in, MarkStrike), depth)
	default:
		// Unknown and presentational elements flatten to their text. Only
		// semantic marks survive their style attribute; colors are dropped.
		if !in.pre {
			in.marks |= styleMarks(attr(n, "style"))
		}
		p.children(n, tpl, in, depth)
	}
}

func (p *parser) children(n *xhtml.Node, tpl template, in inline, depth int) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c, tpl, in, depth+1)
		if p.err != nil {
			return
		}
	}
}

func (p *parser) marked(in inline, m Mark) inline {
	if !in.pre {
		in.marks |= m
	}
	return in
}

// block handles an element that starts a new text block. An element that
// ends up with no content still produces one empty block.
func (p *parser) block(n *xhtml.Node, tpl template, in inline, depth int) {
	p.flush(true)
	start := len(p.blocks)
	id := p.claimID(n)
	p.cur = &Block{ID: id, Kind: tpl.kind, Level: tpl.level, Ordered: tpl.ordered, Align: tpl.align}
	p.children(n, tpl, in, depth)
	p.flush(false)
	if len(p.blocks) == start {
		p.blocks = append(p.blocks, Block{ID: id, Kind: tpl.kind, Level: tpl.level, Ordered: tpl.ordered, Align: tpl.align})
	}
}

func (p *parser) text(data string, tpl template, in inline) {
	if !in.pre {
		data = strings.ReplaceAll(data, "\n", " ")
	}
	if data == "" {
		return
	}
	if p.cur == nil {
		if strings.TrimSpace(data) == "" {
			return
		}
		p.cur = &Block{Kind: tpl.kind, Level: tpl.level, Ordered: tpl.ordered, Align: tpl.align}
	}
	p.cur.Runs = append(p.cur.Runs, Run{Text: data, Marks: in.marks, Link: in.link})
}

// flush closes the open text block. With dropBlank, a block holding only
// whitespace is discarded; that whitespace is formatting between nested
// block elements, not content.
func (p *parser) flush(dropBlank bool) {
	if p.cur == nil {
		return
	}
	b := *p.cur
	p.cur = nil
	if len(b.Runs) == 0 {
		return
	}
	if dropBlank && strings.TrimSpace(b.Text()) == "" {
		return
	}
	p.blocks = append(p.blocks, b)
}

func (p *parser) figure(n *xhtml.Node, tpl template, in inline, depth int) {
	p.flush(true)
	align := p.aligned(n, template{}).align
	if provider := attr(n, "data-embed"); provider != "" {
		if frame := find(n, atom.Iframe); frame != nil && attr(frame, "src") != "" {
			b := Block{
				ID:       p.claimID(n),
				Kind:     KindEmbed,
				Align:    align,
				Provider: provider,
				URL:      attr(n, "data-src"),
				EmbedURL: attr(frame, "src"),
				Aspect:   attr(n, "data-aspect"),
			}
			if b.URL == "" {
				b.URL = b.EmbedURL
			}
			p.blocks = append(p.blocks, b)
			return
		}
	}
	p.figureID, p.figureAlign = p.claimID(n), align
	p.children(n, tpl, in, depth)
	p.flush(false)
	p.figureID, p.figureAlign = "", AlignLeft
}

func (p *parser) image(n *xhtml.Node) {
	src, err := validateSource(attr(n, "src"))
	if err != nil {
		return
	}
	p.flush(true)
	b := Block{Kind: KindImage, Src: src, Alt: attr(n, "alt")}
	if p.figureID != "" {
		b.ID, b.Align = p.figureID, p.figureAlign
		p.figureID = ""
	} else {
		b.ID = p.claimID(n)
	}
	p.blocks = append(p.blocks, b)
}

func (p *parser) iframe(n *xhtml.Node) {
	embed, err := NormalizeEmbed(attr(n, "src"))
	if err != nil {
		return
	}
	p.flush(true)
	p.blocks = append(p.blocks, Block{
		ID:       p.claimID(n),
		Kind:     KindEmbed,
		Provider: embed.Provider,
		URL:      embed.URL,
		EmbedURL: embed.EmbedURL,
		Aspect:   embed.Aspect,
	})
}

func (p *parser) claimID(n *xhtml.Node) string {
	if !p.keepIDs {
		return ""
	}
	id := attr(n, "data-block")
	if !blockIDPattern.MatchString(id) || p.used[id] {
		return ""
	}
	p.used[id] = true
	return id
}

func (p *parser) aligned(n *xhtml.Node, tpl template) template {
	if value := styleValue(attr(n, "style"), "text-align"); value != "" {
		if align, ok := ParseAlign(value); ok {
			tpl.align = align
		}
	} else if align, ok := ParseAlign(attr(n, "align")); ok && attr(n, "align") != "" {
		tpl.align = align
	}
	return tpl
}

func attr(n *xhtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func find(n *xhtml.Node, want atom.Atom) *xhtml.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xhtml.ElementNode && c.DataAtom == want {
			return c
		}
		if found := find(c, want); found != nil {
			return found
		}
	}
	return nil
}

func styleValue(style, property string) string {
	for _, decl := range strings.Split(style, ";") {
		key, value, ok := strings.Cut(decl, ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), property) {
			return strings.ToLower(strings.TrimSpace(value))
		}
	}
	return ""
}

func styleMarks(style string) Mark {
	if style == "" {
		return 0
	}
	var m Mark
	switch weight := styleValue(style, "font-weight"); weight {
	case "bold", "bolder", "600", "700", "800", "900":
		m |= MarkBold
	}
	switch styleValue(style, "font-style") {
	case "italic", "oblique":
		m |= MarkItalic
	}
	decoration := styleValue(style, "text-decoration") + " " + styleValue(style, "text-decoration-line")
	if strings.Contains(decoration, "underline") {
		m |= MarkUnderline
	}
	if strings.Contains(decoration, "line-through") {
		m |= MarkStrike
	}
	return m
}
