package export

import (
	"errors"

	"counselhub/api/internal/editor"
)

var providerNames = map[string]string{
	"youtube":    "YouTube",
	"vimeo":      "Vimeo",
	"soundcloud": "SoundCloud",
}

// PrintableHTML rewrites stored article content for paper: embeds become
// links to the original media, and the empty landing paragraphs that follow
// atomic blocks are dropped.
func PrintableHTML(content string) (string, error) {
	doc, err := editor.Hydrate(content)
	if err != nil && !errors.Is(err, editor.ErrMalformedContent) {
		return "", err
	}
	if err != nil {
		return "", ErrContentUnavailable
	}

	out := editor.Document{Blocks: make([]editor.Block, 0, len(doc.Blocks))}
	for i, b := range doc.Blocks {
		if b.Kind == editor.KindParagraph && b.Len() == 0 && i > 0 && doc.Blocks[i-1].Kind.Atomic() {
			continue
		}
		if b.Kind == editor.KindEmbed {
			b = embedLink(b)
		}
		out.Blocks = append(out.Blocks, b)
	}
	return editor.Serialize(out), nil
}

func embedLink(b editor.Block) editor.Block {
	name := providerNames[b.Provider]
	if name == "" {
		name = "Embedded media"
	}
	return editor.Block{
		ID:   b.ID,
		Kind: editor.KindParagraph,
		Runs: []editor.Run{
			{Text: name + ": ", Marks: editor.MarkItalic},
			{Text: b.URL, Link: b.URL},
		},
	}
}
