// Package export renders article resources to PDF and DOCX.
package export

import "errors"

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

func ParseFormat(value string) (Format, bool) {
	switch Format(value) {
	case FormatPDF, FormatDOCX:
		return Format(value), true
	}
	return "", false
}

// Request selects what to export. An empty Revision exports the stored
// content; otherwise the named revision (hash or tag) is used.
type Request struct {
	ResourceID string
	Revision   string
	Format     Format
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrNotExportable is returned for anything but owned articles.
	ErrNotExportable     = errors.New("only articles with stored content can be exported")
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrContentUnavailable indicates content could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
