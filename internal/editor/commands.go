package editor

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type BlockType string

const (
	BlockParagraph BlockType = "paragraph"
	BlockHeading1  BlockType = "heading1"
	BlockHeading2  BlockType = "heading2"
	BlockHeading3  BlockType = "heading3"
)

type Placement string

const (
	Before Placement = "before"
	After  Placement = "after"
)

func ParseMark(name string) (Mark, bool) {
	switch name {
	case "bold":
		return MarkBold, true
	case "italic":
		return MarkItalic, true
	case "underline":
		return MarkUnderline, true
	case "strikethrough":
		return MarkStrike, true
	}
	return 0, false
}

// span is an ordered selection resolved against a document.
type span struct {
	start, end Position
	si, ei     int
}

func resolve(st *state) (span, error) {
	a, b := st.sel.Anchor, st.sel.Focus
	ai, bi := st.doc.index(a.Block), st.doc.index(b.Block)
	if ai < 0 || bi < 0 {
		return span{}, ErrInvalidSelection
	}
	if ai > bi || (ai == bi && a.Offset > b.Offset) {
		a, b, ai, bi = b, a, bi, ai
	}
	return span{start: a, end: b, si: ai, ei: bi}, nil
}

// bounds returns the [from, to) rune range of block i covered by sp.
func (sp span) bounds(doc Document, i int) (int, int) {
	from, to := 0, doc.Blocks[i].Len()
	if i == sp.si {
		from = min(sp.start.Offset, to)
	}
	if i == sp.ei {
		to = min(sp.end.Offset, to)
	}
	return from, max(from, to)
}

func textBlocks(doc Document, sp span) []int {
	var out []int
	for i := sp.si; i <= sp.ei; i++ {
		if !doc.Blocks[i].Kind.Atomic() {
			out = append(out, i)
		}
	}
	return out
}

// ApplyInlineFormat toggles a mark. Over a range the mark is removed when all
// selected text already has it and added otherwise; at a collapsed caret it
// toggles the marks the next typed text will get.
func (e *Editor) ApplyInlineFormat(m Mark) (string, error) {
	if m != MarkBold && m != MarkItalic && m != MarkUnderline && m != MarkStrike {
		return "", fmt.Errorf("%w: mark %d", ErrInvalidArgument, m)
	}
	return e.apply(func(st *state) error {
		sp, err := resolve(st)
		if err != nil {
			return err
		}
		if st.sel.Collapsed() {
			b := st.doc.Blocks[sp.si]
			if b.Kind.Atomic() || b.Kind == KindCode {
				return ErrNotEditable
			}
			inherited := inheritedMarks(b.Runs, sp.start.Offset)
			current := inherited
			if st.typing != nil {
				current = *st.typing
			}
			toggled := current ^ m
			if toggled == inherited {
				st.typing = nil
			} else {
				st.typing = &toggled
			}
			return nil
		}

		targets := textBlocks(st.doc, sp)
		if len(targets) == 0 {
			return ErrNotEditable
		}
		marks, _ := rangeMarks(st.doc, st.sel)
		remove := marks&m != 0
		for _, i := range targets {
			b := &st.doc.Blocks[i]
			if b.Kind == KindCode {
				continue
			}
			from, to := sp.bounds(st.doc, i)
			before, mid, after := sliceRuns(b.Runs, from, to)
			for k := range mid {
				if remove {
					mid[k].Marks &^= m
				} else {
					mid[k].Marks |= m
				}
			}
			b.Runs = concatRuns(before, mid, after)
		}
		return nil
	})
}

// rangeMarks returns the marks shared by every selected character and the
// link they share, if any.
func rangeMarks(doc Document, sel Selection) (Mark, string) {
	st := state{doc: doc, sel: sel}
	sp, err := resolve(&st)
	if err != nil {
		return 0, ""
	}
	marks := MarkBold | MarkItalic | MarkUnderline | MarkStrike
	link, seen := "", false
	for _, i := range textBlocks(doc, sp) {
		b := doc.Blocks[i]
		if b.Kind == KindCode {
			continue
		}
		from, to := sp.bounds(doc, i)
		_, mid, _ := sliceRuns(b.Runs, from, to)
		for _, r := range mid {
			marks &= r.Marks
			if !seen {
				link, seen = r.Link, true
			} else if link != r.Link {
				link = ""
			}
		}
	}
	if !seen {
		return 0, ""
	}
	return marks, link
}

func inheritedMarks(runs []Run, off int) Mark {
	if r, ok := runAt(runs, off); ok {
		return r.Marks
	}
	return 0
}

// SetBlockType converts the text blocks touched by the selection.
func (e *Editor) SetBlockType(t BlockType) (string, error) {
	kind, level := KindParagraph, 0
	switch t {
	case BlockParagraph:
	case BlockHeading1, BlockHeading2, BlockHeading3:
		kind, level = KindHeading, int(t[len(t)-1]-'0')
	default:
		return "", fmt.Errorf("%w: block type %q", ErrInvalidArgument, t)
	}
	return e.apply(func(st *state) error {
		sp, err := resolve(st)
		if err != nil {
			return err
		}
		targets := textBlocks(st.doc, sp)
		if len(targets) == 0 {
			return ErrNotEditable
		}
		for _, i := range targets {
			b := &st.doc.Blocks[i]
			b.Kind, b.Level, b.Ordered = kind, level, false
		}
		return nil
	})
}

// ToggleList turns the touched text blocks into list items. When they already
// form a list of the requested type they become paragraphs again; a list of
// the other type switches type instead of nesting.
func (e *Editor) ToggleList(ordered bool) (string, error) {
	return e.apply(func(st *state) error {
		sp, err := resolve(st)
		if err != nil {
			return err
		}
		targets := textBlocks(st.doc, sp)
		if len(targets) == 0 {
			return ErrNotEditable
		}
		unwrap := true
		for _, i := range targets {
			b := st.doc.Blocks[i]
			if b.Kind != KindListItem || b.Ordered != ordered {
				unwrap = false
				break
			}
		}
		for _, i := range targets {
			b := &st.doc.Blocks[i]
			if unwrap {
				b.Kind, b.Ordered = KindParagraph, false
				continue
			}
			b.Kind, b.Level, b.Ordered = KindListItem, 0, ordered
		}
		return nil
	})
}

func (e *Editor) SetAlignment(a Align) (string, error) {
	switch a {
	case AlignLeft, AlignCenter, AlignRight, AlignJustify:
	default:
		return "", fmt.Errorf("%w: alignment %q", ErrInvalidArgument, a)
	}
	return e.apply(func(st *state) error {
		sp, err := resolve(st)
		if err != nil {
			return err
		}
		changed := false
		for i := sp.si; i <= sp.ei; i++ {
			if st.doc.Blocks[i].Kind == KindRule {
				continue
			}
			st.doc.Blocks[i].Align = a
			changed = true
		}
		if !changed {
			return ErrNotEditable
		}
		return nil
	})
}

// InsertLink links the selected text, or inserts the URL itself as linked
// text at a collapsed caret.
func (e *Editor) InsertLink(rawURL string) (string, error) {
	link, err := ValidateLink(rawURL)
	if err != nil {
		return "", err
	}
	return e.apply(func(st *state) error {
		sp, err := resolve(st)
		if err != nil {
			return err
		}
		if st.sel.Collapsed() {
			b := &st.doc.Blocks[sp.si]
			if b.Kind.Atomic() || b.Kind == KindCode {
				return ErrNotEditable
			}
			marks := inheritedMarks(b.Runs, sp.start.Offset)
			if st.typing != nil {
				marks = *st.typing
			}
			left, right := splitRuns(b.Runs, sp.start.Offset)
			b.Runs = concatRuns(left, []Run{{Text: link, Marks: marks, Link: link}}, right)
			st.sel = Caret(b.ID, sp.start.Offset+utf8.RuneCountInString(link))
			st.typing = nil
			return nil
		}
		linked := false
		for _, i := range textBlocks(st.doc, sp) {
			b := &st.doc.Blocks[i]
			if b.Kind == KindCode {
				continue
			}
			from, to := sp.bounds(st.doc, i)
			before, mid, after := sliceRuns(b.Runs, from, to)
			for k := range mid {
				mid[k].Link = link
				linked = true
			}
			b.Runs = concatRuns(before, mid, after)
		}
		if !linked {
			return ErrNotEditable
		}
		return nil
	})
}

// RemoveLink clears links from the selection, or from the whole link the
// caret sits in.
func (e *Editor) RemoveLink() (string, error) {
	return e.apply(func(st *state) error {
		sp, err := resolve(st)
		if err != nil {
			return err
		}
		if !st.sel.Collapsed() {
			for _, i := range textBlocks(st.doc, sp) {
				b := &st.doc.Blocks[i]
				from, to := sp.bounds(st.doc, i)
				before, mid, after := sliceRuns(b.Runs, from, to)
				for k := range mid {
					mid[k].Link = ""
				}
				b.Runs = concatRuns(before, mid, after)
			}
			return nil
		}
		b := &st.doc.Blocks[sp.si]
		r, ok := runAt(b.Runs, sp.start.Offset)
		if !ok || r.Link == "" {
			return nil
		}
		for k := range b.Runs {
			if b.Runs[k].Link == r.Link {
				b.Runs[k].Link = ""
			}
		}
		return nil
	})
}

// InsertImage places an image at the caret, or at the end of the document
// when the caret no longer points into it. The image is followed by an empty
// paragraph that receives the caret.
func (e *Editor) InsertImage(src, alt string) (string, error) {
	source, err := validateSource(src)
	if err != nil {
		return "", err
	}
	return e.apply(func(st *state) error {
		e.insertAtomic(st, Block{ID: e.newID(), Kind: KindImage, Src: source, Alt: strings.TrimSpace(cleanText(alt))})
		return nil
	})
}

// InsertUploadedImage inserts an image whose upload started at generation.
// If the document was discarded or reloaded since, nothing is inserted.
func (e *Editor) InsertUploadedImage(generation uint64, src, alt string) (string, error) {
	if generation != e.generation {
		return "", ErrStaleGeneration
	}
	return e.InsertImage(src, alt)
}

func (e *Editor) InsertEmbed(rawURL string) (string, error) {
	embed, err := NormalizeEmbed(rawURL)
	if err != nil {
		return "", err
	}
	return e.apply(func(st *state) error {
		e.insertAtomic(st, Block{
			ID:       e.newID(),
			Kind:     KindEmbed,
			Provider: embed.Provider,
			URL:      embed.URL,
			EmbedURL: embed.EmbedURL,
			Aspect:   embed.Aspect,
		})
		return nil
	})
}

func (e *Editor) InsertHorizontalRule() (string, error) {
	return e.apply(func(st *state) error {
		e.insertAtomic(st, Block{ID: e.newID(), Kind: KindRule})
		return nil
	})
}

func (e *Editor) insertAtomic(st *state, atomic Block) {
	landing := Block{ID: e.newID(), Kind: KindParagraph}
	i := st.doc.index(st.sel.Focus.Block)
	if i < 0 {
		st.doc.Blocks = append(st.doc.Blocks, atomic, landing)
		st.sel, st.typing = Caret(landing.ID, 0), nil
		return
	}

	b := st.doc.Blocks[i]
	if b.Kind.Atomic() {
		at := i + 1
		if at < len(st.doc.Blocks) && !st.doc.Blocks[at].Kind.Atomic() {
			at++
		}
		st.doc.insert(at, atomic, landing)
		st.sel, st.typing = Caret(landing.ID, 0), nil
		return
	}

	off := min(st.sel.Focus.Offset, b.Len())
	left, right := splitRuns(b.Runs, off)
	switch {
	case len(left) == 0 && len(right) == 0 && i > 0 && st.doc.Blocks[i-1].Kind.Atomic():
		// b is the landing of the previous atomic block; keep it there.
		st.doc.insert(i+1, atomic, landing)
	case len(left) == 0 && len(right) == 0:
		b.Kind, b.Level, b.Ordered, b.Runs = KindParagraph, 0, false, nil
		st.doc.Blocks[i] = b
		st.doc.insert(i, atomic)
		landing = b
	case len(left) == 0:
		st.doc.insert(i, atomic, landing)
	case len(right) == 0:
		st.doc.insert(i+1, atomic, landing)
	default:
		b.Runs = left
		st.doc.Blocks[i] = b
		tail := Block{ID: e.newID(), Kind: b.Kind, Level: b.Level, Ordered: b.Ordered, Align: b.Align, Runs: right}
		st.doc.insert(i+1, atomic, landing, tail)
	}
	st.sel, st.typing = Caret(landing.ID, 0), nil
}

func (e *Editor) InsertQuote() (string, error) { return e.wrap(KindQuote) }

func (e *Editor) InsertCodeBlock() (string, error) { return e.wrap(KindCode) }

// wrap moves the selected content into a new block of the given kind, or
// creates an empty one at a collapsed caret.
func (e *Editor) wrap(kind BlockKind) (string, error) {
	return e.apply(func(st *state) error {
		sp, err := resolve(st)
		if err != nil {
			return err
		}
		var content []Run
		if !st.sel.Collapsed() {
			content = extractRuns(st.doc, sp)
			deleteRange(st, sp)
		}

		i := st.doc.index(st.sel.Focus.Block)
		if i < 0 {
			i = len(st.doc.Blocks) - 1
		}
		b := st.doc.Blocks[i]
		nb := Block{ID: e.newID(), Kind: kind, Runs: content}
		if b.Kind.Atomic() {
			st.doc.insert(i+1, nb)
			st.sel, st.typing = Caret(nb.ID, runsLen(content)), nil
			return nil
		}

		nb.Align = b.Align
		left, right := splitRuns(b.Runs, min(st.sel.Focus.Offset, b.Len()))
		switch {
		case len(left) == 0 && len(right) == 0:
			nb.ID = b.ID
			st.doc.Blocks[i] = nb
		case len(left) == 0:
			st.doc.insert(i, nb)
		case len(right) == 0:
			st.doc.insert(i+1, nb)
		default:
			b.Runs = left
			st.doc.Blocks[i] = b
			tail := Block{ID: e.newID(), Kind: b.Kind, Level: b.Level, Ordered: b.Ordered, Align: b.Align, Runs: right}
			st.doc.insert(i+1, nb, tail)
		}
		st.sel, st.typing = Caret(nb.ID, runsLen(content)), nil
		return nil
	})
}

// extractRuns copies the selected text, joining blocks with line breaks.
func extractRuns(doc Document, sp span) []Run {
	var out []Run
	for n, i := range textBlocks(doc, sp) {
		if n > 0 {
			out = append(out, Run{Text: "\n"})
		}
		from, to := sp.bounds(doc, i)
		_, mid, _ := sliceRuns(doc.Blocks[i].Runs, from, to)
		out = append(out, mid...)
	}
	return normalizeRuns(out)
}

// deleteRange removes the selected content. Partially selected end blocks
// are merged; atomic blocks inside the range are removed entirely.
func deleteRange(st *state, sp span) {
	doc := &st.doc
	first, last := doc.Blocks[sp.si], doc.Blocks[sp.ei]
	if sp.si == sp.ei {
		if first.Kind.Atomic() {
			removeAt(st, sp.si)
			return
		}
		from, to := sp.bounds(*doc, sp.si)
		before, _, after := sliceRuns(first.Runs, from, to)
		doc.Blocks[sp.si].Runs = concatRuns(before, after)
		st.sel = Caret(first.ID, from)
		return
	}

	var head, tail *Block
	if !first.Kind.Atomic() {
		h := first
		h.Runs, _ = splitRuns(first.Runs, min(sp.start.Offset, first.Len()))
		head = &h
	}
	if !last.Kind.Atomic() {
		t := last
		_, t.Runs = splitRuns(last.Runs, min(sp.end.Offset, last.Len()))
		tail = &t
	}
	doc.Blocks = append(doc.Blocks[:sp.si], doc.Blocks[sp.ei+1:]...)

	switch {
	case head != nil:
		if tail != nil {
			head.Runs = concatRuns(head.Runs, tail.Runs)
		}
		doc.insert(sp.si, *head)
		st.sel = Caret(head.ID, min(sp.start.Offset, first.Len()))
	case tail != nil:
		doc.insert(sp.si, *tail)
		st.sel = Caret(tail.ID, 0)
	case sp.si < len(doc.Blocks):
		st.sel = Caret(doc.Blocks[sp.si].ID, 0)
	case sp.si > 0:
		prev := doc.Blocks[sp.si-1]
		st.sel = Caret(prev.ID, prev.Len())
	}
}

// removeAt deletes block i and moves any selection endpoint that pointed at
// it to the nearest surviving position.
func removeAt(st *state, i int) {
	id := st.doc.Blocks[i].ID
	st.doc.remove(i)
	if st.sel.Anchor.Block != id && st.sel.Focus.Block != id {
		return
	}
	st.typing = nil
	switch {
	case i < len(st.doc.Blocks):
		st.sel = Caret(st.doc.Blocks[i].ID, 0)
	case i > 0:
		prev := st.doc.Blocks[i-1]
		st.sel = Caret(prev.ID, prev.Len())
	default:
		st.sel = Selection{}
	}
}

// RemoveBlock deletes a block by id, as the delete affordance on media does.
func (e *Editor) RemoveBlock(id string) (string, error) {
	return e.apply(func(st *state) error {
		i := st.doc.index(id)
		if i < 0 {
			return fmt.Errorf("%w: %q", ErrBlockNotFound, id)
		}
		removeAt(st, i)
		return nil
	})
}

// MoveBlock moves a block before or after another one.
func (e *Editor) MoveBlock(id, target string, where Placement) (string, error) {
	if where != Before && where != After {
		return "", fmt.Errorf("%w: placement %q", ErrInvalidArgument, where)
	}
	if id == target {
		return "", ErrInvalidMove
	}
	return e.apply(func(st *state) error {
		i := st.doc.index(id)
		if i < 0 {
			return fmt.Errorf("%w: %q", ErrBlockNotFound, id)
		}
		if st.doc.index(target) < 0 {
			return fmt.Errorf("%w: %q", ErrBlockNotFound, target)
		}
		b := st.doc.Blocks[i]
		st.doc.remove(i)
		j := st.doc.index(target)
		if where == After {
			j++
		}
		st.doc.insert(j, b)
		return nil
	})
}

// InsertText types text at the caret, replacing any selected range. A
// newline is a soft line break inside the block.
func (e *Editor) InsertText(text string) (string, error) {
	return e.apply(func(st *state) error {
		return insertText(st, text)
	})
}

// cleanText makes input text storable: line endings become \n, NUL is
// dropped and invalid UTF-8 sequences become U+FFFD.
func cleanText(text string) string {
	text = strings.ToValidUTF8(text, "\uFFFD")
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\r", "\n")
}

func insertText(st *state, text string) error {
	text = cleanText(text)
	sp, err := resolve(st)
	if err != nil {
		return err
	}
	if !st.sel.Collapsed() {
		deleteRange(st, sp)
	}
	if text == "" {
		return nil
	}

	i := st.doc.index(st.sel.Focus.Block)
	if i < 0 {
		return ErrInvalidSelection
	}
	if st.doc.Blocks[i].Kind.Atomic() {
		if i+1 >= len(st.doc.Blocks) || st.doc.Blocks[i+1].Kind.Atomic() {
			return ErrNotEditable
		}
		i++
		st.sel = Caret(st.doc.Blocks[i].ID, 0)
	}

	b := &st.doc.Blocks[i]
	off := min(st.sel.Focus.Offset, b.Len())
	left, right := splitRuns(b.Runs, off)
	run := Run{Text: text}
	if b.Kind != KindCode {
		run.Marks = inheritedMarks(b.Runs, off)
		if st.typing != nil {
			run.Marks = *st.typing
		}
		if len(left) > 0 && len(right) > 0 && left[len(left)-1].Link == right[0].Link {
			run.Link = right[0].Link
		}
	}
	b.Runs = concatRuns(left, []Run{run}, right)
	st.sel = Caret(b.ID, off+utf8.RuneCountInString(text))
	st.typing = nil
	return nil
}

// SplitBlock is the Enter key. Inside a code block it inserts a newline; in
// an empty list item or quote it leaves the list or quote.
func (e *Editor) SplitBlock() (string, error) {
	return e.apply(func(st *state) error {
		return e.splitBlock(st)
	})
}

func (e *Editor) splitBlock(st *state) error {
	sp, err := resolve(st)
	if err != nil {
		return err
	}
	if !st.sel.Collapsed() {
		deleteRange(st, sp)
	}
	i := st.doc.index(st.sel.Focus.Block)
	if i < 0 {
		return ErrInvalidSelection
	}
	b := st.doc.Blocks[i]
	if b.Kind.Atomic() {
		p := Block{ID: e.newID(), Kind: KindParagraph}
		st.doc.insert(i+1, p)
		st.sel = Caret(p.ID, 0)
		return nil
	}
	if b.Kind == KindCode {
		return insertText(st, "\n")
	}
	if b.Len() == 0 && (b.Kind == KindListItem || b.Kind == KindQuote) {
		st.doc.Blocks[i].Kind, st.doc.Blocks[i].Ordered = KindParagraph, false
		return nil
	}

	left, right := splitRuns(b.Runs, min(st.sel.Focus.Offset, b.Len()))
	next := Block{ID: e.newID(), Kind: b.Kind, Level: b.Level, Ordered: b.Ordered, Align: b.Align, Runs: right}
	if b.Kind == KindHeading && len(right) == 0 {
		next.Kind, next.Level = KindParagraph, 0
	}
	st.doc.Blocks[i].Runs = left
	st.doc.insert(i+1, next)
	st.sel = Caret(next.ID, 0)
	return nil
}

// Backspace deletes backwards. At the start of a block that follows an atomic
// block, the atomic block is removed as a whole.
func (e *Editor) Backspace() (string, error) {
	return e.apply(func(st *state) error {
		sp, err := resolve(st)
		if err != nil {
			return err
		}
		if !st.sel.Collapsed() {
			deleteRange(st, sp)
			return nil
		}
		i, b := sp.si, st.doc.Blocks[sp.si]
		if b.Kind.Atomic() {
			removeAt(st, i)
			return nil
		}
		off := min(sp.start.Offset, b.Len())
		if off > 0 {
			before, _, after := sliceRuns(b.Runs, off-1, off)
			st.doc.Blocks[i].Runs = concatRuns(before, after)
			st.sel = Caret(b.ID, off-1)
			return nil
		}
		if b.Kind == KindListItem {
			st.doc.Blocks[i].Kind, st.doc.Blocks[i].Ordered = KindParagraph, false
			return nil
		}
		if i == 0 {
			return nil
		}
		prev := st.doc.Blocks[i-1]
		if prev.Kind.Atomic() {
			st.doc.remove(i - 1)
			return nil
		}
		st.doc.Blocks[i-1].Runs = concatRuns(prev.Runs, b.Runs)
		st.doc.remove(i)
		st.sel = Caret(prev.ID, prev.Len())
		return nil
	})
}

// Delete deletes forwards. At the end of a block that precedes an atomic
// block, the atomic block is removed as a whole.
func (e *Editor) Delete() (string, error) {
	return e.apply(func(st *state) error {
		sp, err := resolve(st)
		if err != nil {
			return err
		}
		if !st.sel.Collapsed() {
			deleteRange(st, sp)
			return nil
		}
		i, b := sp.si, st.doc.Blocks[sp.si]
		if b.Kind.Atomic() {
			removeAt(st, i)
			return nil
		}
		off := min(sp.start.Offset, b.Len())
		if off < b.Len() {
			before, _, after := sliceRuns(b.Runs, off, off+1)
			st.doc.Blocks[i].Runs = concatRuns(before, after)
			return nil
		}
		if i+1 >= len(st.doc.Blocks) {
			return nil
		}
		next := st.doc.Blocks[i+1]
		if next.Kind.Atomic() {
			st.doc.remove(i + 1)
			return nil
		}
		st.doc.Blocks[i].Runs = concatRuns(b.Runs, next.Runs)
		st.doc.remove(i + 1)
		return nil
	})
}

// PasteText inserts plain text; each line after the first starts a new block.
func (e *Editor) PasteText(text string) (string, error) {
	text = cleanText(text)
	return e.apply(func(st *state) error {
		for n, line := range strings.Split(text, "\n") {
			if n > 0 {
				if err := e.splitBlock(st); err != nil {
					return err
				}
			}
			if err := insertText(st, line); err != nil {
				return err
			}
		}
		return nil
	})
}

// PasteHTML sanitizes pasted markup and inserts it at the caret. A single
// pasted paragraph is inserted inline; anything else is inserted as blocks.
func (e *Editor) PasteHTML(markup string) (string, error) {
	pasted, _, err := parseHTML(markup, false)
	if err != nil {
		return "", err
	}
	return e.apply(func(st *state) error {
		sp, err := resolve(st)
		if err != nil {
			return err
		}
		if len(pasted) == 0 {
			return nil
		}
		if !st.sel.Collapsed() {
			deleteRange(st, sp)
		}
		i := st.doc.index(st.sel.Focus.Block)
		if i < 0 {
			return ErrInvalidSelection
		}
		if st.doc.Blocks[i].Kind.Atomic() && i+1 < len(st.doc.Blocks) && !st.doc.Blocks[i+1].Kind.Atomic() {
			i++
			st.sel = Caret(st.doc.Blocks[i].ID, 0)
		}
		b := st.doc.Blocks[i]

		if len(pasted) == 1 && pasted[0].Kind == KindParagraph && !b.Kind.Atomic() {
			off := min(st.sel.Focus.Offset, b.Len())
			left, right := splitRuns(b.Runs, off)
			st.doc.Blocks[i].Runs = concatRuns(left, pasted[0].Runs, right)
			st.sel, st.typing = Caret(b.ID, off+runsLen(pasted[0].Runs)), nil
			return nil
		}

		incoming := make([]Block, 0, len(pasted)+1)
		for k, pb := range pasted {
			pb.ID = e.newID()
			incoming = append(incoming, pb)
			if pb.Kind.Atomic() && (k+1 == len(pasted) || !emptyParagraph(pasted[k+1])) {
				incoming = append(incoming, Block{ID: e.newID(), Kind: KindParagraph})
			}
		}
		last := incoming[len(incoming)-1]
		caret := Caret(last.ID, last.Len())

		pieces := incoming
		at, replace := i+1, 0
		if !b.Kind.Atomic() {
			left, right := splitRuns(b.Runs, min(st.sel.Focus.Offset, b.Len()))
			at, replace = i, 1
			pieces = nil
			if len(left) > 0 {
				head := b
				head.Runs = left
				pieces = append(pieces, head)
			}
			pieces = append(pieces, incoming...)
			if len(right) > 0 {
				tail := b
				tail.Runs = right
				if len(left) > 0 {
					tail.ID = e.newID()
				}
				pieces = append(pieces, tail)
			}
		}
		rest := append([]Block(nil), st.doc.Blocks[at+replace:]...)
		st.doc.Blocks = append(append(st.doc.Blocks[:at], pieces...), rest...)
		st.sel, st.typing = caret, nil
		return nil
	})
}

func emptyParagraph(b Block) bool {
	return b.Kind == KindParagraph && b.Len() == 0
}
