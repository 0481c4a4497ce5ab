package editor

import (
	"strings"
	"unicode/utf8"
)

type Mark uint8

const (
	MarkBold Mark = 1 << iota
	MarkItalic
	MarkUnderline
	MarkStrike
)

// markOrder is the canonical nesting order used when serializing.
var markOrder = []Mark{MarkBold, MarkItalic, MarkUnderline, MarkStrike}

type Run struct {
	Text  string `json:"text"`
	Marks Mark   `json:"marks,omitempty"`
	Link  string `json:"link,omitempty"`
}

type BlockKind string

const (
	KindParagraph BlockKind = "paragraph"
	KindHeading   BlockKind = "heading"
	KindListItem  BlockKind = "list_item"
	KindQuote     BlockKind = "quote"
	KindCode      BlockKind = "code_block"
	KindImage     BlockKind = "image"
	KindEmbed     BlockKind = "embed"
	KindRule      BlockKind = "rule"
)

// Atomic blocks are never entered for text editing.
func (k BlockKind) Atomic() bool {
	return k == KindImage || k == KindEmbed || k == KindRule
}

type Align string

const (
	AlignLeft    Align = ""
	AlignCenter  Align = "center"
	AlignRight   Align = "right"
	AlignJustify Align = "justify"
)

func ParseAlign(value string) (Align, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "left", "start":
		return AlignLeft, true
	case "center":
		return AlignCenter, true
	case "right", "end":
		return AlignRight, true
	case "justify":
		return AlignJustify, true
	}
	return AlignLeft, false
}

// Block is one top-level node. Lists are runs of consecutive list items with
// the same Ordered flag; there is no separate list container node.
type Block struct {
	ID      string    `json:"id"`
	Kind    BlockKind `json:"kind"`
	Level   int       `json:"level,omitempty"`
	Ordered bool      `json:"ordered,omitempty"`
	Align   Align     `json:"align,omitempty"`
	Runs    []Run     `json:"runs,omitempty"`

	Src string `json:"src,omitempty"`
	Alt string `json:"alt,omitempty"`

	URL      string `json:"url,omitempty"`
	EmbedURL string `json:"embedUrl,omitempty"`
	Provider string `json:"provider,omitempty"`
	Aspect   string `json:"aspect,omitempty"`
}

func (b Block) Text() string {
	var sb strings.Builder
	for _, r := range b.Runs {
		sb.WriteString(r.Text)
	}
	return sb.String()
}

func (b Block) Len() int {
	return runsLen(b.Runs)
}

func (b Block) clone() Block {
	if b.Runs != nil {
		b.Runs = append([]Run(nil), b.Runs...)
	}
	return b
}

type Document struct {
	Blocks []Block `json:"blocks"`
}

func (d Document) clone() Document {
	out := Document{Blocks: make([]Block, len(d.Blocks))}
	for i, b := range d.Blocks {
		out.Blocks[i] = b.clone()
	}
	return out
}

func (d Document) index(id string) int {
	for i, b := range d.Blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}

func (d Document) Block(id string) (Block, bool) {
	if i := d.index(id); i >= 0 {
		return d.Blocks[i], true
	}
	return Block{}, false
}

func (d *Document) insert(at int, blocks ...Block) {
	d.Blocks = append(d.Blocks[:at], append(blocks, d.Blocks[at:]...)...)
}

func (d *Document) remove(at int) {
	d.Blocks = append(d.Blocks[:at], d.Blocks[at+1:]...)
}

// normalize puts every block in canonical form and restores the structural
// invariants: the document is never empty and every atomic block is followed
// by a text block the caret can land in.
func (d *Document) normalize(newID func() string) {
	for i := range d.Blocks {
		d.Blocks[i] = normalizeBlock(d.Blocks[i])
	}
	ensureLandings(d, newID)
}

func normalizeBlock(b Block) Block {
	switch b.Kind {
	case KindParagraph, KindHeading, KindListItem, KindQuote, KindCode:
	default:
		if !b.Kind.Atomic() {
			b.Kind = KindParagraph
		}
	}
	if b.Kind == KindHeading {
		b.Level = clampLevel(b.Level)
	} else {
		b.Level = 0
	}
	if b.Kind != KindListItem {
		b.Ordered = false
	}
	if b.Kind.Atomic() {
		b.Runs = nil
		if b.Kind == KindRule {
			b.Align = AlignLeft
		}
		return b
	}
	b.Src, b.Alt, b.URL, b.EmbedURL, b.Provider, b.Aspect = "", "", "", "", "", ""
	if b.Kind == KindCode {
		for i := range b.Runs {
			b.Runs[i].Marks = 0
			b.Runs[i].Link = ""
		}
	}
	b.Runs = normalizeRuns(b.Runs)
	return b
}

func clampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > 3 {
		return 3
	}
	return level
}

func ensureLandings(d *Document, newID func() string) {
	for i := 0; i < len(d.Blocks); i++ {
		if !d.Blocks[i].Kind.Atomic() {
			continue
		}
		if i+1 < len(d.Blocks) && !d.Blocks[i+1].Kind.Atomic() {
			continue
		}
		d.insert(i+1, Block{ID: newID(), Kind: KindParagraph})
	}
	if len(d.Blocks) == 0 {
		d.Blocks = append(d.Blocks, Block{ID: newID(), Kind: KindParagraph})
	}
}

// normalizeRuns merges neighbours with identical formatting and drops empty
// runs. An empty result is nil.
func normalizeRuns(runs []Run) []Run {
	var out []Run
	for _, r := range runs {
		if r.Text == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Marks == r.Marks && out[n-1].Link == r.Link {
			out[n-1].Text += r.Text
			continue
		}
		out = append(out, r)
	}
	return out
}

func runsLen(runs []Run) int {
	n := 0
	for _, r := range runs {
		n += utf8.RuneCountInString(r.Text)
	}
	return n
}

// splitRuns cuts runs at rune offset off.
func splitRuns(runs []Run, off int) (left, right []Run) {
	pos := 0
	for i, r := range runs {
		n := utf8.RuneCountInString(r.Text)
		if off <= pos {
			right = append(right, runs[i:]...)
			return left, right
		}
		if off < pos+n {
			cut := runeIndex(r.Text, off-pos)
			left = append(left, Run{Text: r.Text[:cut], Marks: r.Marks, Link: r.Link})
			right = append(right, Run{Text: r.Text[cut:], Marks: r.Marks, Link: r.Link})
			right = append(right, runs[i+1:]...)
			return left, right
		}
		left = append(left, r)
		pos += n
	}
	return left, right
}

// sliceRuns returns copies of runs in [a, b) plus what lies outside it.
func sliceRuns(runs []Run, a, b int) (before, mid, after []Run) {
	before, rest := splitRuns(runs, a)
	mid, after = splitRuns(rest, b-a)
	return before, mid, after
}

func concatRuns(parts ...[]Run) []Run {
	var out []Run
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func runeIndex(s string, n int) int {
	i := 0
	for n > 0 && i < len(s) {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n--
	}
	return i
}

// runAt returns the run covering the rune before off, or the first run when
// off is 0.
func runAt(runs []Run, off int) (Run, bool) {
	if len(runs) == 0 {
		return Run{}, false
	}
	if off <= 0 {
		return runs[0], true
	}
	pos := 0
	for _, r := range runs {
		n := utf8.RuneCountInString(r.Text)
		if off <= pos+n {
			return r, true
		}
		pos += n
	}
	return runs[len(runs)-1], true
}
