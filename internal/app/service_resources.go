package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"counselhub/api/internal/editor"
	"counselhub/api/internal/export"
	"counselhub/api/internal/gitrepo"
	"counselhub/api/internal/rbac"
	"counselhub/api/internal/review"
	"counselhub/api/internal/search"
	"counselhub/api/internal/storage"
	"counselhub/api/internal/store"
	"counselhub/api/internal/util"
)

type CreateResourceInput struct {
	Type          string   `json:"type" validate:"required,oneof=audio video pdf article"`
	Source        string   `json:"source" validate:"omitempty,oneof=owned external"`
	Title         string   `json:"title" validate:"required,max=300"`
	Description   string   `json:"description" validate:"max=5000"`
	Tags          []string `json:"tags" validate:"max=30,dive,max=60"`
	Content       string   `json:"content"`
	URL           string   `json:"url" validate:"omitempty,url"`
	Thumbnail     string   `json:"thumbnail" validate:"omitempty,url"`
	Category      string   `json:"category" validate:"max=120"`
	PublisherName string   `json:"publisherName" validate:"max=120"`
}

type UpdateResourceInput struct {
	Title         *string   `json:"title" validate:"omitempty,min=1,max=300"`
	Description   *string   `json:"description" validate:"omitempty,max=5000"`
	Tags          *[]string `json:"tags" validate:"omitempty,max=30,dive,max=60"`
	Content       *string   `json:"content"`
	URL           *string   `json:"url" validate:"omitempty,url"`
	Thumbnail     *string   `json:"thumbnail" validate:"omitempty,url"`
	Category      *string   `json:"category" validate:"omitempty,max=120"`
	PublisherName *string   `json:"publisherName" validate:"omitempty,max=120"`
}

type ListResourcesInput struct {
	Type     string
	Status   string
	Category string
	Tag      string
	Sort     string
	Mine     bool
	Limit    int
	Offset   int
}

type ResourceView struct {
	Resource store.Resource  `json:"resource"`
	Actions  []review.Action `json:"actions"`
}

// canView: admins see everything, owners see their own resources and
// everyone else sees only published public resources.
func canView(res store.Resource, session Session) bool {
	if rbac.Can(session.Role, rbac.ActionViewAll) && session.authenticated() {
		return true
	}
	if session.authenticated() && res.Publisher == session.UserID {
		return true
	}
	return res.IsPublic && review.Normalize(res.Status) == review.StatusPublished
}

func canEdit(res store.Resource, session Session) bool {
	if !session.authenticated() {
		return false
	}
	return res.Publisher == session.UserID || session.Role == rbac.RoleAdmin
}

// loadVisible returns NOT_FOUND for resources the viewer may not see.
func (s *Service) loadVisible(ctx context.Context, id string, session Session) (store.Resource, error) {
	res, err := s.store.GetResource(ctx, id)
	if err != nil {
		return store.Resource{}, err
	}
	if !canView(res, session) {
		return store.Resource{}, errNotFound()
	}
	return res, nil
}

func (s *Service) loadEditable(ctx context.Context, id string, session Session) (store.Resource, error) {
	res, err := s.store.GetResource(ctx, id)
	if err != nil {
		return store.Resource{}, err
	}
	if !canEdit(res, session) {
		if canView(res, session) {
			return store.Resource{}, errForbidden()
		}
		return store.Resource{}, errNotFound()
	}
	return res, nil
}

func (s *Service) ListResources(ctx context.Context, session Session, in ListResourcesInput) ([]store.Resource, error) {
	filter := store.ResourceFilter{
		Type:     store.ResourceType(in.Type),
		Status:   in.Status,
		Category: in.Category,
		Tag:      in.Tag,
		Sort:     in.Sort,
		Limit:    in.Limit,
		Offset:   in.Offset,
	}
	switch {
	case in.Mine:
		if !session.authenticated() {
			return nil, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		}
		filter.Publisher = session.UserID
	case session.authenticated() && rbac.Can(session.Role, rbac.ActionViewAll):
	default:
		filter.PublicOnly = true
		filter.Status = ""
	}
	return s.store.ListResources(ctx, filter)
}

func (s *Service) GetResource(ctx context.Context, session Session, id string) (ResourceView, error) {
	res, err := s.loadVisible(ctx, id, session)
	if err != nil {
		return ResourceView{}, err
	}
	actions := []review.Action{}
	if session.authenticated() {
		actions = review.Available(res, session.actor())
	}
	return ResourceView{Resource: res, Actions: actions}, nil
}

func (s *Service) CreateResource(ctx context.Context, session Session, in CreateResourceInput) (store.Resource, error) {
	if !s.Can(session.Role, rbac.ActionAuthor) {
		return store.Resource{}, errForbidden()
	}
	source := store.Source(in.Source)
	if source == "" {
		source = store.SourceOwned
	}
	publisherName := strings.TrimSpace(in.PublisherName)
	if publisherName == "" {
		publisherName = session.UserName
	}

	res := store.Resource{
		ID:            util.NewID("res"),
		Type:          store.ResourceType(in.Type),
		Source:        source,
		Title:         strings.TrimSpace(in.Title),
		Description:   strings.TrimSpace(in.Description),
		Tags:          store.NormalizeTags(in.Tags),
		Status:        string(review.StatusPendingReview),
		URL:           strings.TrimSpace(in.URL),
		Thumbnail:     strings.TrimSpace(in.Thumbnail),
		Category:      strings.TrimSpace(in.Category),
		Publisher:     session.UserID,
		PublisherName: publisherName,
	}
	content, err := normalizeContent(in.Content)
	if err != nil {
		return store.Resource{}, err
	}
	res.Content = content
	if err := store.ValidatePayload(res); err != nil {
		return store.Resource{}, err
	}

	created, err := s.store.CreateResource(ctx, res)
	if err != nil {
		return store.Resource{}, err
	}
	s.logger.Info("resource created",
		zap.String("resource_id", created.ID),
		zap.String("type", string(created.Type)),
		zap.String("publisher", created.Publisher))

	s.commitRevision(created, session.UserName, "Create resource")
	s.indexResource(created)
	s.broadcastCounts(ctx)
	return created, nil
}

// UpdateResource applies an owner edit. Status and visibility never change
// here; resubmission is a review transition.
func (s *Service) UpdateResource(ctx context.Context, session Session, id string, in UpdateResourceInput) (store.Resource, error) {
	existing, err := s.loadEditable(ctx, id, session)
	if err != nil {
		return store.Resource{}, err
	}
	patch := store.ResourcePatch{
		Title:         trimmedPtr(in.Title),
		Description:   trimmedPtr(in.Description),
		Tags:          in.Tags,
		URL:           trimmedPtr(in.URL),
		Thumbnail:     trimmedPtr(in.Thumbnail),
		Category:      trimmedPtr(in.Category),
		PublisherName: trimmedPtr(in.PublisherName),
	}
	if in.Content != nil {
		content, err := normalizeContent(*in.Content)
		if err != nil {
			return store.Resource{}, err
		}
		patch.Content = &content
	}
	if err := store.ValidatePayload(patch.Apply(existing)); err != nil {
		return store.Resource{}, err
	}

	updated, err := s.store.UpdateResource(ctx, id, patch)
	if err != nil {
		return store.Resource{}, err
	}
	s.commitRevision(updated, session.UserName, "Edit resource")
	s.indexResource(updated)
	return updated, nil
}

func (s *Service) DeleteResource(ctx context.Context, session Session, id string) error {
	if _, err := s.loadEditable(ctx, id, session); err != nil {
		return err
	}
	if err := s.store.DeleteResource(ctx, id); err != nil {
		return err
	}
	s.logger.Info("resource deleted", zap.String("resource_id", id), zap.String("actor", session.UserID))

	if s.revisions != nil {
		if err := s.revisions.Remove(id); err != nil {
			s.logger.Warn("remove revisions", zap.String("resource_id", id), zap.Error(err))
		}
	}
	if s.search != nil {
		s.search.DeleteResource(id)
	}
	s.broadcastCounts(ctx)
	return nil
}

// Review workflow

func (s *Service) Transition(ctx context.Context, session Session, id string, action review.Action) (ResourceView, error) {
	res, err := s.loadVisible(ctx, id, session)
	if err != nil {
		return ResourceView{}, err
	}
	next, decision, err := s.machine.Transition(res, action, session.actor())
	if err != nil {
		return ResourceView{}, err
	}
	return s.persistDecision(ctx, session, next, decision)
}

func (s *Service) SetVisibility(ctx context.Context, session Session, id string, isPublic bool) (ResourceView, error) {
	res, err := s.loadVisible(ctx, id, session)
	if err != nil {
		return ResourceView{}, err
	}
	next, decision, err := s.machine.SetVisibility(res, isPublic, session.actor())
	if err != nil {
		return ResourceView{}, err
	}
	return s.persistDecision(ctx, session, next, decision)
}

func (s *Service) persistDecision(ctx context.Context, session Session, next store.Resource, decision store.ReviewDecision) (ResourceView, error) {
	saved, err := s.store.ApplyTransition(ctx, next, decision)
	if err != nil {
		return ResourceView{}, err
	}
	s.metrics.ObserveTransition(decision.Action, decision.FromStatus, decision.ToStatus)
	s.logger.Info("review decision",
		zap.String("resource_id", saved.ID),
		zap.String("action", decision.Action),
		zap.String("from", decision.FromStatus),
		zap.String("to", decision.ToStatus),
		zap.Bool("is_public", saved.IsPublic),
		zap.String("actor", session.UserID))

	if decision.FromStatus != decision.ToStatus {
		s.notifyDecision(ctx, saved)
		if review.Normalize(saved.Status) == review.StatusPublished && s.revisions != nil && ownedArticle(saved) {
			err := s.revisions.TagHead(saved.ID, publishTag(saved.UpdatedAt), session.UserName)
			if err != nil && !errors.Is(err, gitrepo.ErrNoRepository) {
				s.logger.Warn("tag published revision", zap.String("resource_id", saved.ID), zap.Error(err))
			}
		}
	}
	s.indexResource(saved)
	s.broadcastCounts(ctx)
	return ResourceView{Resource: saved, Actions: review.Available(saved, session.actor())}, nil
}

func (s *Service) Counts(ctx context.Context, session Session) (review.Counts, error) {
	resources, err := s.store.ListStatuses(ctx)
	if err != nil {
		return review.Counts{}, err
	}
	return review.Count(resources, review.ScopeFor(session.actor())), nil
}

func (s *Service) Decisions(ctx context.Context, session Session, id string) ([]store.ReviewDecision, error) {
	if _, err := s.loadEditable(ctx, id, session); err != nil {
		return nil, err
	}
	return s.store.ListDecisions(ctx, id)
}

// Engagement

func actorID(session Session) *string {
	if !session.authenticated() {
		return nil
	}
	id := session.UserID
	return &id
}

func (s *Service) RecordView(ctx context.Context, session Session, id string) error {
	if _, err := s.loadVisible(ctx, id, session); err != nil {
		return err
	}
	return s.store.RecordView(ctx, id, actorID(session))
}

func (s *Service) RecordDownload(ctx context.Context, session Session, id string) error {
	if _, err := s.loadVisible(ctx, id, session); err != nil {
		return err
	}
	return s.store.RecordDownload(ctx, id, actorID(session))
}

// DownloadURL returns a temporary link to a resource's file. Links that do
// not point into our storage (YouTube, third-party sites) are returned as-is
// without an expiry.
func (s *Service) DownloadURL(ctx context.Context, session Session, id string) (storage.SignedURL, error) {
	res, err := s.loadVisible(ctx, id, session)
	if err != nil {
		return storage.SignedURL{}, err
	}
	if res.URL == "" {
		return storage.SignedURL{}, domainError(http.StatusUnprocessableEntity, "NO_DOWNLOAD", "Resource has no downloadable file", nil)
	}
	if s.storage == nil || res.Source == store.SourceExternal {
		return storage.SignedURL{URL: res.URL}, nil
	}
	signed, err := s.storage.SignedDownloadURL(ctx, res.URL)
	if errors.Is(err, storage.ErrForeignLocator) {
		return storage.SignedURL{URL: res.URL}, nil
	}
	return signed, err
}

// Media

type UploadInput struct {
	Kind        storage.Kind
	Name        string
	Size        int64
	ContentType string
	Body        io.Reader
}

// CheckUpload enforces the size ceiling before any bytes are read.
func (s *Service) CheckUpload(session Session, kind storage.Kind, size int64) error {
	if !s.Can(session.Role, rbac.ActionAuthor) {
		return errForbidden()
	}
	if s.storage == nil {
		return domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage is not configured", nil)
	}
	if err := s.storage.Check(kind, size); err != nil {
		s.metrics.ObserveUploadRejection(string(kind), rejectionReason(err))
		return err
	}
	return nil
}

func (s *Service) Upload(ctx context.Context, session Session, in UploadInput) (storage.Result, error) {
	if err := s.CheckUpload(session, in.Kind, in.Size); err != nil {
		return storage.Result{}, err
	}
	result, err := s.storage.Upload(ctx, storage.Upload{
		Kind:        in.Kind,
		Name:        in.Name,
		Size:        in.Size,
		ContentType: in.ContentType,
		Body:        in.Body,
	})
	if err != nil {
		s.metrics.ObserveUploadRejection(string(in.Kind), rejectionReason(err))
		return storage.Result{}, err
	}
	return result, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrTooLarge):
		return "too_large"
	case errors.Is(err, storage.ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(err, storage.ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "unavailable"
	}
}

// Search, revisions, export

func (s *Service) Search(ctx context.Context, session Session, q search.Query) search.Response {
	q.ViewerID = session.UserID
	q.All = session.authenticated() && rbac.Can(session.Role, rbac.ActionViewAll)
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Engine: "none"}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) Revisions(ctx context.Context, session Session, id string, limit int) ([]gitrepo.Revision, error) {
	res, err := s.loadEditable(ctx, id, session)
	if err != nil {
		return nil, err
	}
	if s.revisions == nil || !ownedArticle(res) {
		return []gitrepo.Revision{}, nil
	}
	revs, err := s.revisions.History(id, limit)
	if errors.Is(err, gitrepo.ErrNoRepository) {
		return []gitrepo.Revision{}, nil
	}
	return revs, err
}

func (s *Service) RevisionContent(ctx context.Context, session Session, id, hash string) (gitrepo.Content, error) {
	if _, err := s.loadEditable(ctx, id, session); err != nil {
		return gitrepo.Content{}, err
	}
	if s.revisions == nil {
		return gitrepo.Content{}, errNotFound()
	}
	return s.revisions.ContentAt(id, hash)
}

// Export renders an article. Historical revisions are only available to
// the owner and admins.
func (s *Service) Export(ctx context.Context, session Session, id, revision string, format export.Format) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	res, err := s.loadVisible(ctx, id, session)
	if err != nil {
		return nil, err
	}
	if revision != "" && !canEdit(res, session) {
		return nil, errForbidden()
	}
	return s.exporter.Export(ctx, export.Request{ResourceID: id, Revision: revision, Format: format})
}

// normalizeContent runs article markup through the editor so stored content
// only uses the editor's vocabulary.
func normalizeContent(content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil
	}
	doc, err := editor.Hydrate(content)
	if err != nil {
		return "", err
	}
	return editor.Serialize(doc), nil
}

func articleText(res store.Resource) string {
	if res.Content == "" {
		return ""
	}
	doc, err := editor.Hydrate(res.Content)
	if err != nil {
		return ""
	}
	return editor.PlainText(doc)
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	return &v
}
