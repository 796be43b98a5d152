package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-playground/validator/v10"

	"marginalia/api/internal/annotation"
	"marginalia/api/internal/auth"
	"marginalia/api/internal/config"
	"marginalia/api/internal/history"
	"marginalia/api/internal/manager"
	"marginalia/api/internal/rbac"
	"marginalia/api/internal/remote"
	"marginalia/api/internal/renderqueue"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
	"marginalia/api/internal/viewer"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	SaveAnnotation(context.Context, string, annotation.Annotation) error
	DeleteAnnotations(context.Context, string, []string) (int64, error)
	ListAnnotations(context.Context, string) ([]annotation.Annotation, error)
	InsertSnapshot(context.Context, store.Snapshot) error
	ListSnapshots(context.Context, string, int) ([]store.Snapshot, error)
	Ping(context.Context) error
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexAnnotation(string, annotation.Annotation)
	DeleteAnnotations(string, []string)
	Reindex(context.Context, string) int
	Wait()
}

type historyRepo interface {
	Commit(string, []annotation.Annotation, string, string) (history.Commit, error)
	Log(string, int) ([]history.Commit, error)
	Load(string, string) ([]annotation.Annotation, error)
}

type remoteFeed interface {
	Attach(remote.Sink, remote.EventPublisher)
	PublishSet(context.Context, annotation.Annotation) error
	PublishRemove(context.Context, []string) error
	PublishEvent(context.Context, viewer.Event) error
}

// Deps are the collaborators of a Service. Search, History, Feed, Labeler
// and Renderer may be nil.
type Deps struct {
	Store    dataStore
	Search   searchIndex
	History  historyRepo
	Feed     remoteFeed
	Labeler  manager.Labeler
	Layout   *viewer.Layout
	Renderer renderqueue.Renderer
	Bus      *viewer.Bus
	Logger   *slog.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	search   searchIndex
	history  historyRepo
	feed     remoteFeed
	labeler  manager.Labeler
	layout   *viewer.Layout
	renderer renderqueue.Renderer
	bus      *viewer.Bus
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time

	saveAttempts uint
	saveDelay    time.Duration

	mgr      atomic.Pointer[manager.Manager]
	unwire   func()
	closeMu  sync.Mutex
	revision atomic.Int64
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	layout := deps.Layout
	if layout == nil {
		layout = viewer.NewLayout(cfg.PageLabels)
	}
	labeler := deps.Labeler
	if labeler == nil {
		labeler = layout
	}
	bus := deps.Bus
	if bus == nil {
		bus = viewer.NewBus(logger)
	}
	return &Service{
		cfg:          cfg,
		store:        deps.Store,
		search:       deps.Search,
		history:      deps.History,
		feed:         deps.Feed,
		labeler:      labeler,
		layout:       layout,
		renderer:     deps.Renderer,
		bus:          bus,
		logger:       logger,
		validate:     newValidator(),
		now:          time.Now,
		saveAttempts: 3,
		saveDelay:    200 * time.Millisecond,
	}
}

// Bootstrap loads the document's annotations and starts the manager. It is
// safe to call once.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.mgr.Load() != nil {
		return nil
	}
	items, err := s.store.ListAnnotations(ctx, s.cfg.DocumentID)
	if err != nil {
		return fmt.Errorf("load annotations: %w", err)
	}

	mgr := manager.New(manager.Options{
		ReadOnly:    s.cfg.ReadOnly,
		Annotations: items,
		Persister:   persistence{service: s},
		OnUpdate:    s.observe,
		Labeler:     s.labeler,
		Indexer:     s.layout,
		Renderer:    s.renderer,
		SaveDelay:   s.cfg.SaveDelay,
		SaveMaxWait: s.cfg.SaveMaxWait,
		EnrichGrace: s.cfg.EnrichGrace,
		Logger:      s.logger,
		Clock:       s.now,
	})
	if !s.mgr.CompareAndSwap(nil, mgr) {
		mgr.Close(ctx)
		return nil
	}
	s.unwire = mgr.Wire(s.bus)
	if s.feed != nil {
		s.feed.Attach(mgr, s.bus)
	}
	s.logger.Info("app: annotations loaded", "document", s.cfg.DocumentID, "count", len(items), "readOnly", s.cfg.ReadOnly)

	if s.search != nil {
		if n := s.search.Reindex(ctx, s.cfg.DocumentID); n > 0 {
			s.logger.Info("app: search index rebuilt", "records", n)
		}
	}
	return nil
}

// Close flushes pending saves and waits for index updates.
func (s *Service) Close(ctx context.Context) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	mgr := s.mgr.Load()
	if mgr == nil {
		return
	}
	if s.unwire != nil {
		s.unwire()
		s.unwire = nil
	}
	mgr.Close(ctx)
	if s.search != nil {
		s.search.Wait()
	}
}

func (s *Service) observe(items []annotation.Annotation) {
	rev := s.revision.Add(1)
	s.logger.Debug("app: annotations changed", "revision", rev, "count", len(items))
}

func (s *Service) current() (*manager.Manager, error) {
	mgr := s.mgr.Load()
	if mgr == nil {
		return nil, domainError(http.StatusServiceUnavailable, "NOT_READY", "Annotations are still loading", nil)
	}
	return mgr, nil
}

// operationContext detaches manager work from the request so a dropped
// connection does not leave an annotation with a failed render.
func (s *Service) operationContext(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.RenderTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(parent), timeout+5*time.Second)
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      string(rbac.Normalize(claims.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Status() (map[string]any, error) {
	mgr, err := s.current()
	if err != nil {
		return nil, err
	}
	stats := mgr.RenderStats()
	return map[string]any{
		"documentId":   s.cfg.DocumentID,
		"readOnly":     mgr.ReadOnly(),
		"annotations":  len(mgr.Annotations()),
		"revision":     s.revision.Load(),
		"pendingSaves": mgr.PendingSaves(),
		"render":       stats,
	}, nil
}

func (s *Service) SetReadOnly(readOnly bool) error {
	mgr, err := s.current()
	if err != nil {
		return err
	}
	mgr.SetReadOnly(readOnly)
	s.logger.Info("app: read-only mode changed", "readOnly", readOnly)
	return nil
}

func (s *Service) ListAnnotations() (map[string]any, error) {
	mgr, err := s.current()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"annotations": mgr.Annotations(),
		"readOnly":    mgr.ReadOnly(),
		"revision":    s.revision.Load(),
	}, nil
}

func (s *Service) GetAnnotation(id string) (annotation.Annotation, error) {
	mgr, err := s.current()
	if err != nil {
		return annotation.Annotation{}, err
	}
	a, ok := mgr.AnnotationByID(id)
	if !ok {
		return annotation.Annotation{}, manager.ErrNotFound
	}
	return a, nil
}

type AddAnnotationInput struct {
	Type     annotation.Type  `json:"type" validate:"required,oneof=note image highlight underline text ink"`
	Position PositionInput    `json:"position"`
	Color    string           `json:"color" validate:"omitempty,hexcolor"`
	Text     string           `json:"text"`
	Comment  string           `json:"comment"`
	Tags     []annotation.Tag `json:"tags"`
}

type PositionInput struct {
	PageIndex int               `json:"pageIndex" validate:"min=0"`
	Rects     []annotation.Rect `json:"rects" validate:"required,min=1,dive,len=4"`
}

func (s *Service) AddAnnotation(ctx context.Context, input AddAnnotationInput) (annotation.Annotation, error) {
	if err := s.check(input); err != nil {
		return annotation.Annotation{}, err
	}
	mgr, err := s.current()
	if err != nil {
		return annotation.Annotation{}, err
	}
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	return mgr.Add(ctx, annotation.Annotation{
		Type:     input.Type,
		Position: annotation.Position{PageIndex: input.Position.PageIndex, Rects: input.Position.Rects},
		Color:    input.Color,
		Text:     input.Text,
		Comment:  input.Comment,
		Tags:     input.Tags,
	})
}

func (s *Service) UpdateAnnotation(ctx context.Context, patch annotation.Patch) (annotation.Annotation, error) {
	if patch.Type != nil && !patch.Type.Valid() {
		return annotation.Annotation{}, validationError("type", "type is not a known annotation type")
	}
	if patch.Position != nil {
		if patch.Position.PageIndex != nil && *patch.Position.PageIndex < 0 {
			return annotation.Annotation{}, validationError("position.pageIndex", "pageIndex must be 0 or greater")
		}
		if err := s.validate.Var(patch.Position.Rects, "omitempty,dive,len=4"); err != nil {
			return annotation.Annotation{}, validationError("position.rects", "each rect needs 4 coordinates")
		}
	}
	if patch.Color != nil && *patch.Color != "" {
		if err := s.validate.Var(*patch.Color, "hexcolor"); err != nil {
			return annotation.Annotation{}, validationError("color", "color must be a hex color")
		}
	}
	mgr, err := s.current()
	if err != nil {
		return annotation.Annotation{}, err
	}
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	return mgr.Update(ctx, patch)
}

// SetAnnotation stores an annotation produced elsewhere verbatim.
func (s *Service) SetAnnotation(ctx context.Context, a annotation.Annotation) (annotation.Annotation, error) {
	if strings.TrimSpace(a.ID) == "" {
		return annotation.Annotation{}, validationError("id", "id is required")
	}
	if !a.Type.Valid() {
		return annotation.Annotation{}, validationError("type", "type is not a known annotation type")
	}
	mgr, err := s.current()
	if err != nil {
		return annotation.Annotation{}, err
	}
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	return mgr.Set(ctx, a), nil
}

func (s *Service) DeleteAnnotations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return validationError("ids", "ids must not be empty")
	}
	mgr, err := s.current()
	if err != nil {
		return err
	}
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	return mgr.Delete(ctx, ids)
}

func (s *Service) AnnotationImage(ctx context.Context, id string) (string, error) {
	mgr, err := s.current()
	if err != nil {
		return "", err
	}
	if _, ok := mgr.AnnotationByID(id); !ok {
		return "", manager.ErrNotFound
	}
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	return mgr.AnnotationImage(ctx, id), nil
}

func (s *Service) ResetPageLabels(pageIndex int, label string) error {
	if pageIndex < 0 {
		return validationError("pageIndex", "pageIndex must be 0 or greater")
	}
	mgr, err := s.current()
	if err != nil {
		return err
	}
	if !mgr.ResetPageLabels(pageIndex, label) {
		return validationError("pageLabel", "pageLabel must be a whole number")
	}
	return nil
}

// ViewerEvent announces a viewer lifecycle signal locally and to peers.
// pointsInvalidator is implemented by labelers that cache page label points.
type pointsInvalidator interface {
	Invalidate(ctx context.Context) error
}

func (s *Service) ViewerEvent(ctx context.Context, event viewer.Event) error {
	if !event.Valid() {
		return validationError("event", "event must be pagesinit or pagerendered")
	}
	if inv, ok := s.labeler.(pointsInvalidator); ok && event == viewer.PagesInitialized {
		if err := inv.Invalidate(ctx); err != nil {
			s.logger.Warn("app: invalidate label points failed", "error", err)
		}
	}
	delivered := s.bus.Publish(event)
	s.logger.Debug("app: viewer event", "event", string(event), "handlers", delivered)
	if s.feed != nil {
		if err := s.feed.PublishEvent(ctx, event); err != nil {
			s.logger.Warn("app: publish viewer event failed", "event", string(event), "error", err)
		}
	}
	return nil
}

func (s *Service) Search(ctx context.Context, q, filterType string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	if filterType != "" && !annotation.Type(filterType).Valid() {
		return search.Response{}, validationError("type", "type is not a known annotation type")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.search.Search(ctx, search.Query{
		Text:       q,
		DocumentID: s.cfg.DocumentID,
		Type:       annotation.Type(filterType),
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// CreateSnapshot commits the live collection to the document history and
// records it in the store.
func (s *Service) CreateSnapshot(ctx context.Context, author, message string) (history.Commit, error) {
	if s.history == nil {
		return history.Commit{}, domainError(http.StatusNotImplemented, "HISTORY_DISABLED", "Snapshots are not configured", nil)
	}
	mgr, err := s.current()
	if err != nil {
		return history.Commit{}, err
	}
	items := mgr.Annotations()
	commit, err := s.history.Commit(s.cfg.DocumentID, items, author, message)
	if err != nil {
		return history.Commit{}, err
	}
	if err := s.store.InsertSnapshot(ctx, store.Snapshot{
		DocumentID:      s.cfg.DocumentID,
		CommitHash:      commit.Hash,
		Message:         commit.Message,
		AnnotationCount: len(items),
		CreatedBy:       commit.Author,
	}); err != nil {
		return history.Commit{}, err
	}
	s.logger.Info("app: snapshot created", "hash", commit.Hash, "annotations", len(items))
	return commit, nil
}

func (s *Service) ListSnapshots(ctx context.Context, limit int) ([]store.Snapshot, error) {
	return s.store.ListSnapshots(ctx, s.cfg.DocumentID, limit)
}

func (s *Service) LoadSnapshot(hash string) ([]annotation.Annotation, error) {
	if s.history == nil {
		return nil, domainError(http.StatusNotImplemented, "HISTORY_DISABLED", "Snapshots are not configured", nil)
	}
	return s.history.Load(s.cfg.DocumentID, hash)
}

func (s *Service) check(input any) error {
	err := s.validate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	details := make(map[string]string, len(fieldErrors))
	for _, fe := range fieldErrors {
		details[jsonPath(fe.Namespace())] = fe.Tag()
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid annotation", details)
}

// persistence is the manager's external store. Saves are retried; the search
// index and peers only hear about state the store accepted.
type persistence struct {
	service *Service
}

func (p persistence) SaveAnnotation(ctx context.Context, a annotation.Annotation) error {
	s := p.service
	err := retry.Do(
		func() error {
			return s.store.SaveAnnotation(ctx, s.cfg.DocumentID, a)
		},
		retry.Context(ctx),
		retry.Attempts(s.saveAttempts),
		retry.Delay(s.saveDelay),
		retry.LastErrorOnly(true),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return err
	}
	if s.search != nil {
		s.search.IndexAnnotation(s.cfg.DocumentID, a)
	}
	if s.feed != nil {
		if err := s.feed.PublishSet(ctx, a); err != nil {
			s.logger.Warn("app: publish annotation failed", "id", a.ID, "error", err)
		}
	}
	return nil
}

func (p persistence) DeleteAnnotations(ctx context.Context, ids []string) error {
	s := p.service
	var removed int64
	err := retry.Do(
		func() error {
			n, err := s.store.DeleteAnnotations(ctx, s.cfg.DocumentID, ids)
			removed = n
			return err
		},
		retry.Context(ctx),
		retry.Attempts(s.saveAttempts),
		retry.Delay(s.saveDelay),
		retry.LastErrorOnly(true),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return err
	}
	s.logger.Debug("app: annotations deleted from store", "requested", len(ids), "removed", removed)
	if s.search != nil {
		s.search.DeleteAnnotations(s.cfg.DocumentID, ids)
	}
	if s.feed != nil {
		if err := s.feed.PublishRemove(ctx, ids); err != nil {
			s.logger.Warn("app: publish removal failed", "ids", ids, "error", err)
		}
	}
	return nil
}
