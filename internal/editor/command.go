package editor

import "fmt"

// Command is the wire form of an editor command. Only the fields a command
// needs are read.
type Command struct {
	Name      string     `json:"name" validate:"required"`
	Mark      string     `json:"mark,omitempty"`
	BlockType string     `json:"blockType,omitempty"`
	Ordered   bool       `json:"ordered,omitempty"`
	Align     string     `json:"align,omitempty"`
	URL       string     `json:"url,omitempty"`
	Alt       string     `json:"alt,omitempty"`
	Text      string     `json:"text,omitempty"`
	HTML      string     `json:"html,omitempty"`
	BlockID   string     `json:"blockId,omitempty"`
	TargetID  string     `json:"targetId,omitempty"`
	Placement string     `json:"placement,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// Exec runs a named command. A command may carry a selection, which is applied
// first; a failing command still leaves the document untouched.
func (e *Editor) Exec(c Command) (string, error) {
	prevSel, prevTyping := e.st.sel, e.st.typing
	if c.Selection != nil {
		if err := e.SetSelection(*c.Selection); err != nil {
			return "", err
		}
	}
	out, err := e.exec(c)
	if err != nil {
		e.st.sel, e.st.typing = prevSel, prevTyping
	}
	return out, err
}

func (e *Editor) exec(c Command) (string, error) {
	switch c.Name {
	case "select":
		if c.Selection == nil {
			return "", fmt.Errorf("%w: select needs a selection", ErrInvalidArgument)
		}
		return e.Serialize(), nil
	case "format":
		m, ok := ParseMark(c.Mark)
		if !ok {
			return "", fmt.Errorf("%w: mark %q", ErrInvalidArgument, c.Mark)
		}
		return e.ApplyInlineFormat(m)
	case "block_type":
		return e.SetBlockType(BlockType(c.BlockType))
	case "toggle_list":
		return e.ToggleList(c.Ordered)
	case "align":
		a, ok := ParseAlign(c.Align)
		if !ok {
			return "", fmt.Errorf("%w: alignment %q", ErrInvalidArgument, c.Align)
		}
		return e.SetAlignment(a)
	case "link":
		return e.InsertLink(c.URL)
	case "unlink":
		return e.RemoveLink()
	case "image":
		return e.InsertImage(c.URL, c.Alt)
	case "embed":
		return e.InsertEmbed(c.URL)
	case "quote":
		return e.InsertQuote()
	case "code_block":
		return e.InsertCodeBlock()
	case "rule":
		return e.InsertHorizontalRule()
	case "remove_block":
		return e.RemoveBlock(c.BlockID)
	case "move_block":
		return e.MoveBlock(c.BlockID, c.TargetID, Placement(c.Placement))
	case "text":
		return e.InsertText(c.Text)
	case "enter":
		return e.SplitBlock()
	case "backspace":
		return e.Backspace()
	case "delete":
		return e.Delete()
	case "paste_text":
		return e.PasteText(c.Text)
	case "paste_html":
		return e.PasteHTML(c.HTML)
	case "undo":
		return e.Undo()
	case "redo":
		return e.Redo()
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, c.Name)
	}
}
