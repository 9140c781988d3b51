package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"autopress/internal/articles"
	"autopress/internal/config"
	"autopress/internal/logging"
	"autopress/internal/model"
	"autopress/internal/pipeline"
	"autopress/internal/store"
	"autopress/internal/topics"

	"github.com/google/uuid"
	"github.com/gorilla/feeds"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const feedSize = 50

type TopicService interface {
	List(ctx context.Context) ([]model.Topic, error)
	AddManual(ctx context.Context, label string) (model.Topic, error)
	Delete(ctx context.Context, ids []uuid.UUID) (int, error)
	ImportTrends(ctx context.Context, countryCode string) (topics.ImportResult, error)
}

type ArticleService interface {
	List(ctx context.Context) ([]model.Article, error)
	Published(ctx context.Context) ([]model.Article, error)
	GetBySlug(ctx context.Context, slug string) (model.Article, error)
	Create(ctx context.Context, in model.ArticleInput, matchExisting bool) (model.Article, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int, error)
}

type GenerationControl interface {
	State(ctx context.Context) (model.GenerationState, error)
	StartAsync(ctx context.Context, done func(pipeline.RunSummary, error)) error
	Stop(ctx context.Context) (model.GenerationState, error)
	Reset(ctx context.Context) (model.GenerationState, error)
	SetCredential(ctx context.Context, credential string) (model.GenerationState, error)
}

type SubmissionLister interface {
	Submissions(ctx context.Context) ([]model.SubmissionLogEntry, error)
}

// Services groups what the admin surface drives.
type Services struct {
	Topics      TopicService
	Articles    ArticleService
	Generation  GenerationControl
	Submissions SubmissionLister
}

type Server struct {
	svc       Services
	site      config.SiteConfig
	publicDir string
	uploads   string
	country   string
	logger    *zap.Logger
	router    *mux.Router
	server    *http.Server

	// runCtx bounds background generation runs; runs tracks them.
	runCtx context.Context
	runs   sync.WaitGroup
}

// NewServer builds the router. ctx is the server lifetime: generation runs
// started over HTTP are cancelled when it is done.
func NewServer(ctx context.Context, svc Services, cfg config.Config, logger *zap.Logger) *Server {
	uploads := "/" + strings.Trim(cfg.Public.UploadsPath, "/") + "/"
	s := &Server{
		svc:       svc,
		site:      cfg.Site,
		publicDir: cfg.Public.Dir,
		uploads:   uploads,
		country:   cfg.Trends.Country,
		logger:    logging.OrNop(logger),
		router:    mux.NewRouter(),
		runCtx:    ctx,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Derived files
	s.router.PathPrefix(s.uploads).Handler(http.StripPrefix(s.uploads, http.FileServer(http.Dir(filepath.Join(s.publicDir, s.uploads)))))
	s.router.HandleFunc(`/{file:sitemap[a-z-]*\.xml}`, s.handleSitemap).Methods("GET")
	s.router.HandleFunc("/rss.xml", s.handleFeed).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/topics", s.handleListTopics).Methods("GET")
	api.HandleFunc("/topics", s.handleAddTopic).Methods("POST")
	api.HandleFunc("/topics", s.handleDeleteTopics).Methods("DELETE")
	api.HandleFunc("/topics/import", s.handleImportTrends).Methods("POST")

	api.HandleFunc("/articles", s.handleListArticles).Methods("GET")
	api.HandleFunc("/articles", s.handleCreateArticle).Methods("POST")
	api.HandleFunc("/articles", s.handleDeleteArticles).Methods("DELETE")
	api.HandleFunc("/articles/{slug}", s.handleGetArticle).Methods("GET")

	api.HandleFunc("/generation", s.handleState).Methods("GET")
	api.HandleFunc("/generation/start", s.handleStart).Methods("POST")
	api.HandleFunc("/generation/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/generation/reset", s.handleReset).Methods("POST")
	api.HandleFunc("/generation/credential", s.handleCredential).Methods("PUT")

	api.HandleFunc("/submissions", s.handleSubmissions).Methods("GET")
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start launches the HTTP server
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.logger.Info("Web server listening", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// WaitRuns blocks until every generation run started over HTTP has returned.
func (s *Server) WaitRuns() {
	s.runs.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	file := mux.Vars(r)["file"]
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	http.ServeFile(w, r, filepath.Join(s.publicDir, file))
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	published, err := s.svc.Articles.Published(r.Context())
	if err != nil {
		s.logger.Error("Failed to list articles", zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if len(published) > feedSize {
		published = published[:feedSize]
	}

	feed := &feeds.Feed{
		Title:       s.site.Name,
		Link:        &feeds.Link{Href: s.site.BaseURL},
		Description: s.site.Description,
		Created:     time.Now(),
	}
	for _, a := range published {
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          a.ID.String(),
			Title:       a.Title,
			Link:        &feeds.Link{Href: a.URL},
			Description: a.Summary,
			Created:     a.PublishedAt,
			Updated:     a.LastModified(),
		})
	}

	rss, err := feed.ToRss()
	if err != nil {
		s.logger.Error("Feed error", zap.Error(err))
		http.Error(w, "Feed error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	_, _ = w.Write([]byte(rss))
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	all, err := s.svc.Topics.List(r.Context())
	if err != nil {
		s.internalError(w, "Failed to list topics", err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleAddTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	topic, err := s.svc.Topics.AddManual(r.Context(), req.Label)
	if errors.Is(err, topics.ErrEmptyLabel) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "Failed to add topic", err)
		return
	}
	writeJSON(w, http.StatusOK, topic)
}

type idsRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

func (s *Server) handleDeleteTopics(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	removed, err := s.svc.Topics.Delete(r.Context(), req.IDs)
	if err != nil {
		s.internalError(w, "Failed to delete topics", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleImportTrends(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Country string `json:"country"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	country := strings.TrimSpace(req.Country)
	if country == "" {
		country = s.country
	}

	res, err := s.svc.Topics.ImportTrends(r.Context(), country)
	if err != nil {
		s.logger.Warn("Trend import failed", zap.String("country", country), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	all, err := s.svc.Articles.List(r.Context())
	if err != nil {
		s.internalError(w, "Failed to list articles", err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Articles.GetBySlug(r.Context(), mux.Vars(r)["slug"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "article not found")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to load article", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCreateArticle(w http.ResponseWriter, r *http.Request) {
	var in model.ArticleInput
	if !decodeJSON(w, r, &in) {
		return
	}

	a, err := s.svc.Articles.Create(r.Context(), in, false)
	if errors.Is(err, articles.ErrEmptyTitle) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "Failed to create article", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleDeleteArticles(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	removed, err := s.svc.Articles.DeleteByIDs(r.Context(), req.IDs)
	if err != nil {
		s.internalError(w, "Failed to delete articles", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Generation.State(r.Context())
	if err != nil {
		s.internalError(w, "Failed to load state", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// The run outlives the request but not the server.
	s.runs.Add(1)
	err := s.svc.Generation.StartAsync(s.runCtx, func(summary pipeline.RunSummary, err error) {
		defer s.runs.Done()
		if err != nil {
			s.logger.Warn("Generation run failed", zap.Error(err))
			return
		}
		s.logger.Info("Generation run done", zap.Int("created", summary.Created), zap.Int("processed", summary.Processed))
	})
	if err != nil {
		s.runs.Done()
	}
	if errors.Is(err, pipeline.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "Failed to start generation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(model.RunRunning)})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Generation.Stop(r.Context())
	if err != nil {
		s.internalError(w, "Failed to stop generation", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Generation.Reset(r.Context())
	if err != nil {
		s.internalError(w, "Failed to reset generation", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential string `json:"credential"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	st, err := s.svc.Generation.SetCredential(r.Context(), req.Credential)
	if err != nil {
		s.internalError(w, "Failed to store credential", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Submissions.Submissions(r.Context())
	if err != nil {
		s.internalError(w, "Failed to list submissions", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
