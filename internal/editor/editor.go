// Package editor is an in-memory rich text document engine. Every command is
// a transform over an explicit block/run model: it either succeeds and
// returns the re-serialized document, or fails with a named error and leaves
// the previous state untouched.
package editor

import (
	"fmt"
	"reflect"
	"strconv"
)

type Position struct {
	Block  string `json:"block"`
	Offset int    `json:"offset"`
}

type Selection struct {
	Anchor Position `json:"anchor"`
	Focus  Position `json:"focus"`
}

func Caret(block string, offset int) Selection {
	p := Position{Block: block, Offset: offset}
	return Selection{Anchor: p, Focus: p}
}

func (s Selection) Collapsed() bool {
	return s.Anchor == s.Focus
}

type state struct {
	doc Document
	sel Selection
	// typing holds marks toggled at a collapsed caret; they apply to the
	// next inserted text. nil means "inherit from surrounding text".
	typing *Mark
}

func (s state) clone() state {
	out := state{doc: s.doc.clone(), sel: s.sel}
	if s.typing != nil {
		m := *s.typing
		out.typing = &m
	}
	return out
}

type Option func(*Editor)

// WithHistoryLimit caps the undo stack. Zero keeps every entry.
func WithHistoryLimit(n int) Option {
	return func(e *Editor) { e.limit = n }
}

type Editor struct {
	st     state
	undo   []state
	redo   []state
	limit  int
	serial int

	generation uint64
	saving     bool
	savedHTML  string
}

// New returns an editor holding an empty document.
func New(opts ...Option) *Editor {
	e := &Editor{}
	for _, opt := range opts {
		opt(e)
	}
	e.reset(emptyDocument())
	e.savedHTML = Serialize(e.st.doc)
	return e
}

func (e *Editor) reset(doc Document) {
	e.serial = maxSerial(doc)
	e.st = state{doc: doc}
	e.st.sel = Caret(doc.Blocks[0].ID, 0)
	e.undo, e.redo = nil, nil
	e.saving = false
	e.generation++
}

func (e *Editor) newID() string {
	for {
		e.serial++
		id := "b" + strconv.Itoa(e.serial)
		if e.st.doc.index(id) < 0 {
			return id
		}
	}
}

// Load replaces the document with stored content and clears history. Malformed
// content still loads as a single empty paragraph and reports
// ErrMalformedContent.
func (e *Editor) Load(content string) error {
	doc, err := Hydrate(content)
	e.reset(doc)
	e.savedHTML = Serialize(doc)
	return err
}

// Discard drops the document. Pending uploads or saves that captured the old
// generation can no longer apply their results.
func (e *Editor) Discard() {
	e.reset(emptyDocument())
	e.savedHTML = Serialize(e.st.doc)
}

func (e *Editor) Generation() uint64 { return e.generation }

func (e *Editor) Document() Document { return e.st.doc.clone() }

func (e *Editor) Selection() Selection { return e.st.sel }

func (e *Editor) Serialize() string { return Serialize(e.st.doc) }

func (e *Editor) Dirty() bool { return Serialize(e.st.doc) != e.savedHTML }

func (e *Editor) Saving() bool { return e.saving }

func (e *Editor) CanUndo() bool { return len(e.undo) > 0 }

func (e *Editor) CanRedo() bool { return len(e.redo) > 0 }

// BeginSave serializes the document for persistence and blocks mutation until
// FinishSave is called with the returned generation.
func (e *Editor) BeginSave() (string, uint64, error) {
	if e.saving {
		return "", 0, ErrSaveInProgress
	}
	e.saving = true
	return e.Serialize(), e.generation, nil
}

// FinishSave ends a save started by BeginSave. When persisted is true the
// saved content becomes the clean baseline. A stale generation means the
// document was discarded or reloaded while the save was in flight.
func (e *Editor) FinishSave(generation uint64, content string, persisted bool) error {
	if generation != e.generation {
		return ErrStaleGeneration
	}
	e.saving = false
	if persisted {
		e.savedHTML = content
	}
	return nil
}

// SetSelection moves the caret or range. Offsets are clamped to the block;
// pending typing marks are cleared. It does not create a history entry.
func (e *Editor) SetSelection(sel Selection) error {
	anchor, ok := e.clamp(e.st.doc, sel.Anchor)
	if !ok {
		return fmt.Errorf("%w: block %q", ErrInvalidSelection, sel.Anchor.Block)
	}
	focus, ok := e.clamp(e.st.doc, sel.Focus)
	if !ok {
		return fmt.Errorf("%w: block %q", ErrInvalidSelection, sel.Focus.Block)
	}
	e.st.sel = Selection{Anchor: anchor, Focus: focus}
	e.st.typing = nil
	return nil
}

func (e *Editor) clamp(doc Document, p Position) (Position, bool) {
	i := doc.index(p.Block)
	if i < 0 {
		return Position{}, false
	}
	b := doc.Blocks[i]
	if b.Kind.Atomic() {
		return Position{Block: b.ID}, true
	}
	p.Offset = max(0, min(p.Offset, b.Len()))
	return p, true
}

// apply runs fn over a copy of the current state. On success the result is
// normalized, the previous state is pushed onto the undo stack and the redo
// stack is cleared. A command that changes nothing records no history.
func (e *Editor) apply(fn func(st *state) error) (string, error) {
	if e.saving {
		return "", ErrSaveInProgress
	}
	next := e.st.clone()
	if err := fn(&next); err != nil {
		return "", err
	}
	next.doc.normalize(e.newID)
	e.repairSelection(&next)
	if reflect.DeepEqual(next, e.st) {
		return e.Serialize(), nil
	}
	e.undo = append(e.undo, e.st)
	if e.limit > 0 && len(e.undo) > e.limit {
		e.undo = e.undo[len(e.undo)-e.limit:]
	}
	e.redo = nil
	e.st = next
	return e.Serialize(), nil
}

func (e *Editor) repairSelection(st *state) {
	anchor, okA := e.clamp(st.doc, st.sel.Anchor)
	focus, okF := e.clamp(st.doc, st.sel.Focus)
	switch {
	case okA && okF:
		st.sel = Selection{Anchor: anchor, Focus: focus}
	case okF:
		st.sel = Selection{Anchor: focus, Focus: focus}
	case okA:
		st.sel = Selection{Anchor: anchor, Focus: anchor}
	default:
		st.sel = Caret(st.doc.Blocks[0].ID, 0)
		st.typing = nil
	}
}

// Undo restores the state before the last command. With nothing to undo it
// is a successful no-op.
func (e *Editor) Undo() (string, error) {
	if e.saving {
		return "", ErrSaveInProgress
	}
	if len(e.undo) == 0 {
		return e.Serialize(), nil
	}
	prev := e.undo[len(e.undo)-1]
	e.undo = e.undo[:len(e.undo)-1]
	e.redo = append(e.redo, e.st)
	e.st = prev
	return e.Serialize(), nil
}

func (e *Editor) Redo() (string, error) {
	if e.saving {
		return "", ErrSaveInProgress
	}
	if len(e.redo) == 0 {
		return e.Serialize(), nil
	}
	next := e.redo[len(e.redo)-1]
	e.redo = e.redo[:len(e.redo)-1]
	e.undo = append(e.undo, e.st)
	e.st = next
	return e.Serialize(), nil
}

// Formatting is what a toolbar needs to reflect the caret's context.
type Formatting struct {
	Bold          bool      `json:"bold"`
	Italic        bool      `json:"italic"`
	Underline     bool      `json:"underline"`
	Strikethrough bool      `json:"strikethrough"`
	Link          string    `json:"link,omitempty"`
	Block         BlockKind `json:"block"`
	HeadingLevel  int       `json:"headingLevel,omitempty"`
	List          string    `json:"list,omitempty"`
	Align         Align     `json:"align,omitempty"`
	CanUndo       bool      `json:"canUndo"`
	CanRedo       bool      `json:"canRedo"`
}

func (e *Editor) Active() Formatting {
	f := ActiveFormatting(e.st.doc, e.st.sel, e.st.typing)
	f.CanUndo, f.CanRedo = e.CanUndo(), e.CanRedo()
	return f
}

// ActiveFormatting derives the formatting context from the document and
// selection alone. For a range a mark is active only if all selected text
// carries it.
func ActiveFormatting(doc Document, sel Selection, typing *Mark) Formatting {
	var f Formatting
	b, ok := doc.Block(sel.Focus.Block)
	if !ok {
		return f
	}
	f.Block, f.Align = b.Kind, b.Align
	if b.Kind == KindHeading {
		f.HeadingLevel = b.Level
	}
	if b.Kind == KindListItem {
		f.List = "unordered"
		if b.Ordered {
			f.List = "ordered"
		}
	}

	var marks Mark
	link := ""
	if sel.Collapsed() {
		if r, ok := runAt(b.Runs, sel.Focus.Offset); ok {
			marks, link = r.Marks, r.Link
		}
		if typing != nil {
			marks = *typing
		}
	} else {
		marks, link = rangeMarks(doc, sel)
	}
	f.Bold = marks&MarkBold != 0
	f.Italic = marks&MarkItalic != 0
	f.Underline = marks&MarkUnderline != 0
	f.Strikethrough = marks&MarkStrike != 0
	f.Link = link
	return f
}
