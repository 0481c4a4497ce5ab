package export

import (
	"context"
	"fmt"
	"html/template"

	"counselhub/api/internal/gitrepo"
	"counselhub/api/internal/store"
)

type DataStore interface {
	GetResource(ctx context.Context, id string) (store.Resource, error)
}

// Revisions reads historical article content. It may be nil, in which case
// only the stored content can be exported.
type Revisions interface {
	ContentAt(resourceID, hash string) (gitrepo.Content, error)
}

type renderFunc func(ctx context.Context, html, title string) (*Result, error)

type Service struct {
	store     DataStore
	revisions Revisions
	pdf       renderFunc
	docx      renderFunc
}

func NewService(store DataStore, revisions Revisions) *Service {
	return &Service{store: store, revisions: revisions, pdf: exportPDF, docx: exportDOCX}
}

// Export renders an article. Callers are responsible for checking that the
// viewer may read the resource.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	res, err := s.store.GetResource(ctx, req.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	if res.Type != store.ResourceArticle || res.Source == store.SourceExternal {
		return nil, ErrNotExportable
	}

	data := TemplateData{
		Title:         res.Title,
		Description:   res.Description,
		Category:      res.Category,
		Tags:          res.Tags,
		PublisherName: res.PublisherName,
		UpdatedAt:     res.UpdatedAt,
		Revision:      req.Revision,
	}
	content := res.Content
	if req.Revision != "" {
		if s.revisions == nil {
			return nil, ErrContentUnavailable
		}
		rev, err := s.revisions.ContentAt(res.ID, req.Revision)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
		}
		content = rev.HTML
		data.Title, data.Description = rev.Title, rev.Description
	}

	body, err := PrintableHTML(content)
	if err != nil {
		return nil, err
	}
	data.ContentHTML = template.HTML(body)

	html, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return s.pdf(ctx, html, data.Title)
	case FormatDOCX:
		return s.docx(ctx, html, data.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
