package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"counselhub/api/internal/auth"
	"counselhub/api/internal/authpw"
	"counselhub/api/internal/config"
	"counselhub/api/internal/email"
	"counselhub/api/internal/export"
	"counselhub/api/internal/gitrepo"
	"counselhub/api/internal/rbac"
	"counselhub/api/internal/review"
	"counselhub/api/internal/search"
	"counselhub/api/internal/storage"
	"counselhub/api/internal/store"
	"counselhub/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         rbac.Role
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) actor() review.Actor {
	return review.Actor{ID: s.UserID, Role: s.Role}
}

func (s Session) authenticated() bool {
	return s.UserID != ""
}

type dataStore interface {
	authpw.UserStore
	ListUsers(ctx context.Context, search string, limit, offset int) ([]store.User, int, error)
	UpdateUserRole(ctx context.Context, userID, role string) error
	CreateResource(context.Context, store.Resource) (store.Resource, error)
	GetResource(context.Context, string) (store.Resource, error)
	UpdateResource(context.Context, string, store.ResourcePatch) (store.Resource, error)
	DeleteResource(context.Context, string) error
	ListResources(context.Context, store.ResourceFilter) ([]store.Resource, error)
	ListStatuses(context.Context) ([]store.Resource, error)
	ApplyTransition(context.Context, store.Resource, store.ReviewDecision) (store.Resource, error)
	ListDecisions(context.Context, string) ([]store.ReviewDecision, error)
	RecordView(context.Context, string, *string) error
	RecordDownload(context.Context, string, *string) error
	Ping(context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type revisionStore interface {
	Commit(resourceID string, content gitrepo.Content, author, message string) (gitrepo.Revision, bool, error)
	History(resourceID string, limit int) ([]gitrepo.Revision, error)
	ContentAt(resourceID, hash string) (gitrepo.Content, error)
	TagHead(resourceID, name, tagger string) error
	Remove(resourceID string) error
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexResource(search.ResourceRecord)
	DeleteResource(string)
}

type mailer interface {
	IsConfigured() bool
	SendDecisionNotice(to string, notice email.DecisionNotice) error
}

type mediaStorage interface {
	Check(kind storage.Kind, size int64) error
	Upload(context.Context, storage.Upload) (storage.Result, error)
	SignedDownloadURL(context.Context, string) (storage.SignedURL, error)
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

type countsBroadcaster interface {
	Broadcast([]store.Resource)
}

type recorder interface {
	ObserveTransition(action, from, to string)
	ObserveUploadRejection(kind, reason string)
	ObserveEditorCommand(command string, err error)
	SetEditorSessions(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTransition(string, string, string) {}
func (nopRecorder) ObserveUploadRejection(string, string)     {}
func (nopRecorder) ObserveEditorCommand(string, error)        {}
func (nopRecorder) SetEditorSessions(int)                     {}

// Deps are the collaborators a Service talks to. Store and Sessions are
// required; the rest may be left nil and the matching features degrade.
type Deps struct {
	Store     dataStore
	Sessions  sessionStore
	Revisions revisionStore
	Search    searchService
	Mailer    mailer
	Storage   mediaStorage
	Exporter  exporter
	Hub       countsBroadcaster
	Metrics   recorder
	Logger    *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	revisions revisionStore
	search    searchService
	mailer    mailer
	storage   mediaStorage
	exporter  exporter
	hub       countsBroadcaster
	metrics   recorder
	logger    *zap.Logger

	passwords *authpw.Service
	machine   review.Machine
	editors   *editorSessions
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		revisions: deps.Revisions,
		search:    deps.Search,
		mailer:    deps.Mailer,
		storage:   deps.Storage,
		exporter:  deps.Exporter,
		hub:       deps.Hub,
		metrics:   metrics,
		logger:    logger.Named("app"),
		passwords: authpw.NewService(deps.Store),
		machine:   review.NewMachine(),
		editors:   newEditorSessions(cfg.EditorSessionTTL),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Auth

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("user signed up", zap.String("user_id", user.ID), zap.String("role", user.Role))
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, emailAddr, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	return s.passwords.ChangePassword(ctx, session.UserID, current, next)
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	cached, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, cached.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	jti := util.NewID("jti")
	role := rbac.Normalize(user.Role)

	claims := auth.NewClaims(user.ID, user.DisplayName, string(role), jti, now, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         role,
		JTI:          jti,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      rbac.Normalize(user.Role),
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Logout revokes the refresh token. Access tokens stay valid until they
// expire.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

// Background side effects. Failures are logged, never surfaced.

func (s *Service) indexResource(res store.Resource) {
	if s.search == nil {
		return
	}
	s.search.IndexResource(searchRecord(res))
}

func searchRecord(res store.Resource) search.ResourceRecord {
	return search.ResourceRecord{
		ID:            res.ID,
		Type:          string(res.Type),
		Title:         res.Title,
		Description:   res.Description,
		Category:      res.Category,
		Tags:          res.Tags,
		Body:          articleText(res),
		Status:        string(review.Normalize(res.Status)),
		IsPublic:      res.IsPublic,
		Publisher:     res.Publisher,
		PublisherName: res.PublisherName,
	}
}

// broadcastCounts pushes fresh dashboard counts to websocket clients.
func (s *Service) broadcastCounts(ctx context.Context) {
	if s.hub == nil {
		return
	}
	resources, err := s.store.ListStatuses(ctx)
	if err != nil {
		s.logger.Warn("load statuses for broadcast", zap.Error(err))
		return
	}
	s.hub.Broadcast(resources)
}

func (s *Service) commitRevision(res store.Resource, author, message string) {
	if s.revisions == nil || !ownedArticle(res) {
		return
	}
	content := gitrepo.Content{Title: res.Title, Description: res.Description, HTML: res.Content}
	rev, changed, err := s.revisions.Commit(res.ID, content, author, message)
	if err != nil {
		s.logger.Warn("commit revision", zap.String("resource_id", res.ID), zap.Error(err))
		return
	}
	if changed {
		s.logger.Debug("revision committed", zap.String("resource_id", res.ID), zap.String("hash", rev.Hash))
	}
}

func (s *Service) notifyDecision(ctx context.Context, res store.Resource) {
	if !s.SMTPConfigured() {
		return
	}
	status := review.Normalize(res.Status)
	if status != review.StatusPublished && status != review.StatusRejected {
		return
	}
	owner, err := s.store.GetUserByID(ctx, res.Publisher)
	if err != nil {
		s.logger.Warn("load owner for notice", zap.String("resource_id", res.ID), zap.Error(err))
		return
	}
	notice := email.DecisionNotice{
		OwnerName:     owner.DisplayName,
		ResourceTitle: res.Title,
		Decision:      string(status),
	}
	go func() {
		if err := s.mailer.SendDecisionNotice(owner.Email, notice); err != nil {
			s.logger.Warn("send decision notice", zap.String("resource_id", res.ID), zap.Error(err))
		}
	}()
}

func ownedArticle(res store.Resource) bool {
	return res.Type == store.ResourceArticle && res.Source != store.SourceExternal
}

func publishTag(at time.Time) string {
	return "published-" + at.UTC().Format("20060102T150405Z")
}
