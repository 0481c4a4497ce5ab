package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"counselhub/api/internal/editor"
	"counselhub/api/internal/rbac"
	"counselhub/api/internal/storage"
	"counselhub/api/internal/store"
	"counselhub/api/internal/util"
)

const defaultEditorSessionTTL = 2 * time.Hour

// editorSession is one user's in-memory editing buffer. The editor itself is
// not safe for concurrent use; mu serializes every access to it.
type editorSession struct {
	mu         sync.Mutex
	id         string
	ownerID    string
	resourceID string
	ed         *editor.Editor
	lastSeq    int64
	expiresAt  time.Time
}

type editorSessions struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*editorSession
}

func newEditorSessions(ttl time.Duration) *editorSessions {
	if ttl <= 0 {
		ttl = defaultEditorSessionTTL
	}
	return &editorSessions{ttl: ttl, now: time.Now, sessions: make(map[string]*editorSession)}
}

func (m *editorSessions) add(ownerID, resourceID string, ed *editor.Editor) *editorSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	es := &editorSession{
		id:         util.NewID("eds"),
		ownerID:    ownerID,
		resourceID: resourceID,
		ed:         ed,
		expiresAt:  m.now().Add(m.ttl),
	}
	m.sessions[es.id] = es
	return es
}

// get returns the session if it exists, has not expired and belongs to
// ownerID. Each hit extends the session's lifetime.
func (m *editorSessions) get(id, ownerID string) (*editorSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	es, ok := m.sessions[id]
	if !ok || es.ownerID != ownerID {
		return nil, false
	}
	es.expiresAt = m.now().Add(m.ttl)
	return es, true
}

func (m *editorSessions) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *editorSessions) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *editorSessions) sweepLocked() {
	now := m.now()
	for id, es := range m.sessions {
		if now.After(es.expiresAt) {
			delete(m.sessions, id)
		}
	}
}

// EditorView is what a client renders after every command.
type EditorView struct {
	ID         string            `json:"id"`
	ResourceID string            `json:"resourceId,omitempty"`
	HTML       string            `json:"html"`
	Blocks     []editor.Block    `json:"blocks"`
	Selection  editor.Selection  `json:"selection"`
	Active     editor.Formatting `json:"active"`
	Dirty      bool              `json:"dirty"`
	Saving     bool              `json:"saving"`
	Generation uint64            `json:"generation"`
	Seq        int64             `json:"seq"`
	Warning    string            `json:"warning,omitempty"`
}

func (es *editorSession) viewLocked() EditorView {
	return EditorView{
		ID:         es.id,
		ResourceID: es.resourceID,
		HTML:       es.ed.Serialize(),
		Blocks:     es.ed.Document().Blocks,
		Selection:  es.ed.Selection(),
		Active:     es.ed.Active(),
		Dirty:      es.ed.Dirty(),
		Saving:     es.ed.Saving(),
		Generation: es.ed.Generation(),
		Seq:        es.lastSeq,
	}
}

func (s *Service) editorSession(session Session, id string) (*editorSession, error) {
	es, ok := s.editors.get(id, session.UserID)
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Editor session not found or expired", nil)
	}
	return es, nil
}

// OpenEditor starts an editing session, hydrated from the stored content of
// resourceID when given. Stored content that cannot be parsed still opens,
// as an empty document with a warning.
func (s *Service) OpenEditor(ctx context.Context, session Session, resourceID string) (EditorView, error) {
	if !s.Can(session.Role, rbac.ActionAuthor) {
		return EditorView{}, errForbidden()
	}
	ed := editor.New()
	warning := ""
	if resourceID != "" {
		res, err := s.loadEditable(ctx, resourceID, session)
		if err != nil {
			return EditorView{}, err
		}
		if !ownedArticle(res) {
			return EditorView{}, domainError(http.StatusUnprocessableEntity, "NOT_EDITABLE", "Only authored articles can be edited", nil)
		}
		if err := ed.Load(res.Content); err != nil {
			if !errors.Is(err, editor.ErrMalformedContent) {
				return EditorView{}, err
			}
			warning = "stored content could not be parsed; starting from an empty document"
		}
	}

	es := s.editors.add(session.UserID, resourceID, ed)
	s.metrics.SetEditorSessions(s.editors.len())
	s.logger.Debug("editor session opened", zap.String("session_id", es.id), zap.String("resource_id", resourceID))

	es.mu.Lock()
	defer es.mu.Unlock()
	view := es.viewLocked()
	view.Warning = warning
	return view, nil
}

func (s *Service) EditorState(session Session, id string) (EditorView, error) {
	es, err := s.editorSession(session, id)
	if err != nil {
		return EditorView{}, err
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.viewLocked(), nil
}

// ExecEditorCommand applies one command. seq must be strictly greater than
// the last accepted seq of the session, so commands apply in the order the
// client issued them; a command arriving late is refused rather than
// reordered.
func (s *Service) ExecEditorCommand(session Session, id string, seq int64, cmd editor.Command) (EditorView, error) {
	es, err := s.editorSession(session, id)
	if err != nil {
		return EditorView{}, err
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	if seq <= es.lastSeq {
		return EditorView{}, domainError(http.StatusConflict, "OUT_OF_ORDER", "Command arrived out of order",
			map[string]any{"seq": seq, "lastSeq": es.lastSeq})
	}
	es.lastSeq = seq

	_, err = es.ed.Exec(cmd)
	s.metrics.ObserveEditorCommand(cmd.Name, err)
	if err != nil {
		return EditorView{}, err
	}
	return es.viewLocked(), nil
}

// InsertEditorImage uploads an image and then inserts it. The generation is
// captured before the upload; if the document is discarded or reloaded while
// the bytes are in flight the image is not inserted.
func (s *Service) InsertEditorImage(ctx context.Context, session Session, id string, in UploadInput, alt string) (EditorView, error) {
	es, err := s.editorSession(session, id)
	if err != nil {
		return EditorView{}, err
	}
	in.Kind = storage.KindImage
	if err := s.CheckUpload(session, in.Kind, in.Size); err != nil {
		return EditorView{}, err
	}

	es.mu.Lock()
	generation := es.ed.Generation()
	es.mu.Unlock()

	uploaded, err := s.Upload(ctx, session, in)
	if err != nil {
		return EditorView{}, err
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	if _, err := es.ed.InsertUploadedImage(generation, uploaded.PublicURL, strings.TrimSpace(alt)); err != nil {
		if errors.Is(err, editor.ErrStaleGeneration) {
			return EditorView{}, domainError(http.StatusConflict, "STALE_GENERATION",
				"Document was discarded while the image was uploading", map[string]any{"url": uploaded.PublicURL})
		}
		return EditorView{}, err
	}
	return es.viewLocked(), nil
}

type SaveEditorInput struct {
	Title string `json:"title" validate:"omitempty,max=300"`
}

// SaveEditor persists the session's document. Commands issued while the
// save is in flight are rejected with SAVE_IN_PROGRESS. A session opened
// without a resource creates a new article on its first save.
func (s *Service) SaveEditor(ctx context.Context, session Session, id string, in SaveEditorInput) (EditorView, store.Resource, error) {
	es, err := s.editorSession(session, id)
	if err != nil {
		return EditorView{}, store.Resource{}, err
	}

	es.mu.Lock()
	html, generation, err := es.ed.BeginSave()
	resourceID := es.resourceID
	es.mu.Unlock()
	if err != nil {
		return EditorView{}, store.Resource{}, err
	}

	saved, err := s.persistEditorContent(ctx, session, resourceID, html, in.Title)

	es.mu.Lock()
	defer es.mu.Unlock()
	if finishErr := es.ed.FinishSave(generation, html, err == nil); finishErr != nil {
		s.logger.Info("editor discarded during save", zap.String("session_id", es.id), zap.Error(finishErr))
	}
	if err != nil {
		return EditorView{}, store.Resource{}, err
	}
	if es.resourceID == "" {
		es.resourceID = saved.ID
	}
	return es.viewLocked(), saved, nil
}

func (s *Service) persistEditorContent(ctx context.Context, session Session, resourceID, html, title string) (store.Resource, error) {
	if resourceID == "" {
		if strings.TrimSpace(title) == "" {
			return store.Resource{}, errValidation("title is required to save a new article")
		}
		return s.CreateResource(ctx, session, CreateResourceInput{
			Type:    string(store.ResourceArticle),
			Source:  string(store.SourceOwned),
			Title:   title,
			Content: html,
		})
	}
	in := UpdateResourceInput{Content: &html}
	if strings.TrimSpace(title) != "" {
		in.Title = &title
	}
	return s.UpdateResource(ctx, session, resourceID, in)
}

// DiscardEditor drops the session. Uploads or saves still in flight see a
// new generation and do not apply their results.
func (s *Service) DiscardEditor(session Session, id string) error {
	es, err := s.editorSession(session, id)
	if err != nil {
		return err
	}
	es.mu.Lock()
	es.ed.Discard()
	es.mu.Unlock()
	s.editors.remove(id)
	s.metrics.SetEditorSessions(s.editors.len())
	return nil
}
