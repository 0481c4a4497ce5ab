package editor

import "errors"

var (
	ErrInvalidURL       = errors.New("invalid url")
	ErrInvalidEmbedURL  = errors.New("invalid embed url")
	ErrMalformedContent = errors.New("malformed content")
	ErrInvalidSelection = errors.New("selection does not point into the document")
	ErrNotEditable      = errors.New("selection is on a non-editable block")
	ErrBlockNotFound    = errors.New("block not found")
	ErrInvalidMove      = errors.New("block cannot be moved relative to itself")
	ErrInvalidArgument  = errors.New("invalid command argument")
	ErrUnknownCommand   = errors.New("unknown editor command")
	ErrSaveInProgress   = errors.New("save in progress")
	ErrStaleGeneration  = errors.New("document was discarded or reloaded")
)
