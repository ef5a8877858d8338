// Package server is the operator control surface: a JSON API for the
// editorial tooling and a small HTML review page.
package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/beansnews/beansd/internal/database"
	"github.com/beansnews/beansd/internal/enrich"
	"github.com/beansnews/beansd/internal/ingest"
	"github.com/beansnews/beansd/internal/publish"
	"github.com/beansnews/beansd/internal/shopify"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// Trigger is the slice of the pipeline the control surface invokes.
type Trigger interface {
	IngestSource(ctx context.Context, name string) (*ingest.Result, error)
	Enrich(ctx context.Context, source *string) (*enrich.Result, error)
	EnrichOne(ctx context.Context, articleUUID string) error
	Publish(ctx context.Context, source *string) (*publish.Result, error)
	PublishOne(ctx context.Context, articleUUID string) (*shopify.ExternalRef, error)
	EditAndResync(ctx context.Context, articleUUID string, edit database.ArticleEdit) (*shopify.ExternalRef, error)
}

// Server serves the operator API and review page.
type Server struct {
	db    *database.DB
	pipe  Trigger
	pages map[string]*template.Template
	mux   *http.ServeMux
}

// New creates a new Server.
func New(db *database.DB, pipe Trigger) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"shortDate": func(t *time.Time) string {
			if t == nil {
				return ""
			}
			return t.Format("2006-01-02")
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page clones the base so it gets its own {{define "content"}}.
	pageNames := []string{"index.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{db: db, pipe: pipe, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)

	s.mux.HandleFunc("GET /api/articles", s.handleListArticles)
	s.mux.HandleFunc("GET /api/articles/{uuid}", s.handleGetArticle)
	s.mux.HandleFunc("PUT /api/articles/{uuid}", s.handleEditArticle)
	s.mux.HandleFunc("POST /api/articles/{uuid}/reject", s.handleReject)

	s.mux.HandleFunc("POST /api/system/scrape", s.handleScrape)
	s.mux.HandleFunc("POST /api/system/process-ai", s.handleProcessAI)
	s.mux.HandleFunc("POST /api/system/process-single-ai/{uuid}", s.handleProcessSingleAI)
	s.mux.HandleFunc("POST /api/system/publish-shopify", s.handlePublish)
	s.mux.HandleFunc("POST /api/system/push-to-shopify/{uuid}", s.handlePushOne)
	s.mux.HandleFunc("PUT /api/system/edit-on-shopify/{uuid}", s.handleEditOnShopify)
	s.mux.HandleFunc("GET /api/system/sources", s.handleSources)
	s.mux.HandleFunc("GET /api/system/stats", s.handleStats)
}

// articleJSON is the wire shape of an article.
type articleJSON struct {
	UUID                string     `json:"uuid"`
	Link                string     `json:"link"`
	Title               string     `json:"title"`
	Source              string     `json:"source"`
	Domain              string     `json:"domain"`
	PublishedAt         *time.Time `json:"publishedAt"`
	Description         *string    `json:"description"`
	ImprovedDescription *string    `json:"improvedDescription"`
	SEOTitle            *string    `json:"seoTitle"`
	SEODescription      *string    `json:"seoDescription"`
	ImageURL            *string    `json:"imageUrl"`
	ImageWidth          *int       `json:"imageWidth"`
	ImageHeight         *int       `json:"imageHeight"`
	Category            *string    `json:"category"`
	Geotag              *string    `json:"geotag"`
	Tags                []string   `json:"tags"`
	ShopifyMetaobjectID *string    `json:"shopifyMetaobjectId"`
	ShopifyHandle       *string    `json:"shopifyHandle"`
	ModerationStatus    string     `json:"moderationStatus"`
}

func toArticleJSON(a *database.Article) articleJSON {
	return articleJSON{
		UUID:                a.UUID,
		Link:                a.Link,
		Title:               a.Title,
		Source:              a.Source,
		Domain:              a.Domain,
		PublishedAt:         a.PublishedAt,
		Description:         a.Description,
		ImprovedDescription: a.ImprovedDescription,
		SEOTitle:            a.SEOTitle,
		SEODescription:      a.SEODescription,
		ImageURL:            a.ImageURL,
		ImageWidth:          a.ImageWidth,
		ImageHeight:         a.ImageHeight,
		Category:            a.Category,
		Geotag:              a.Geotag,
		Tags:                a.Tags,
		ShopifyMetaobjectID: a.ShopifyMetaobjectID,
		ShopifyHandle:       a.ShopifyHandle,
		ModerationStatus:    string(a.ModerationStatus),
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	articles, err := s.db.ListArticles(listFilter(r))
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Articles": articles,
		"Statuses": database.AllStatuses(),
		"Filter":   r.URL.Query().Get("status"),
	})
}

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	articles, err := s.db.ListArticles(listFilter(r))
	if err != nil {
		s.fail(w, err)
		return
	}

	out := make([]articleJSON, len(articles))
	for i := range articles {
		out[i] = toArticleJSON(&articles[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"articles": out, "count": len(out)})
}

func listFilter(r *http.Request) database.ListFilter {
	f := database.ListFilter{
		Source: r.URL.Query().Get("source"),
		Search: r.URL.Query().Get("search"),
	}
	for _, raw := range strings.Split(r.URL.Query().Get("status"), ",") {
		if status, ok := database.ParseStatus(raw); ok {
			f.Statuses = append(f.Statuses, status)
		}
	}
	return f
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	a, ok := s.article(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toArticleJSON(a))
}

type editRequest struct {
	Title               *string  `json:"title"`
	Description         *string  `json:"description"`
	ImprovedDescription *string  `json:"improvedDescription"`
	SEOTitle            *string  `json:"seoTitle"`
	SEODescription      *string  `json:"seoDescription"`
	ImageURL            *string  `json:"imageUrl"`
	Category            *string  `json:"category"`
	Geotag              *string  `json:"geotag"`
	Tags                []string `json:"tags"`
}

func (e *editRequest) toEdit() database.ArticleEdit {
	return database.ArticleEdit{
		Title:               e.Title,
		Description:         e.Description,
		ImprovedDescription: e.ImprovedDescription,
		SEOTitle:            e.SEOTitle,
		SEODescription:      e.SEODescription,
		ImageURL:            e.ImageURL,
		Category:            e.Category,
		Geotag:              e.Geotag,
		Tags:                e.Tags,
	}
}

func (s *Server) handleEditArticle(w http.ResponseWriter, r *http.Request) {
	a, ok := s.article(w, r)
	if !ok {
		return
	}

	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if _, err := s.db.UpdateEditableFields(a.UUID, req.toEdit()); err != nil {
		s.fail(w, err)
		return
	}

	updated, _ := s.db.GetArticleByUUID(a.UUID)
	writeJSON(w, http.StatusOK, toArticleJSON(updated))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	a, ok := s.article(w, r)
	if !ok {
		return
	}

	rejected, err := s.db.RejectArticle(a.UUID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uuid": a.UUID, "rejected": rejected})
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		http.Error(w, "source query parameter is required", http.StatusBadRequest)
		return
	}

	result, err := s.pipe.IngestSource(r.Context(), source)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "new": result.New, "updated": result.Updated})
}

func (s *Server) handleProcessAI(w http.ResponseWriter, r *http.Request) {
	result, err := s.pipe.Enrich(r.Context(), optionalSource(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": result.Processed, "degraded": result.Degraded})
}

func (s *Server) handleProcessSingleAI(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.EnrichOne(r.Context(), r.PathValue("uuid")); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uuid": r.PathValue("uuid"), "status": string(database.StatusAIProcessed)})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	result, err := s.pipe.Publish(r.Context(), optionalSource(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"published": result.Published,
		"conflicts": result.Conflicts,
		"failed":    result.Failed,
	})
}

func (s *Server) handlePushOne(w http.ResponseWriter, r *http.Request) {
	ref, err := s.pipe.PublishOne(r.Context(), r.PathValue("uuid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": ref.ID, "handle": ref.Handle})
}

func (s *Server) handleEditOnShopify(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	ref, err := s.pipe.EditAndResync(r.Context(), r.PathValue("uuid"), req.toEdit())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": ref.ID, "handle": ref.Handle})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.db.ListSources()
	if err != nil {
		s.fail(w, err)
		return
	}

	type sourceJSON struct {
		Name     string `json:"name"`
		Adapter  string `json:"adapter"`
		FeedURL  string `json:"feedUrl"`
		Schedule string `json:"schedule"`
		Enabled  bool   `json:"enabled"`
	}
	out := make([]sourceJSON, len(sources))
	for i, src := range sources {
		out[i] = sourceJSON{Name: src.Name, Adapter: src.Adapter, FeedURL: src.FeedURL, Schedule: src.Schedule, Enabled: src.Enabled}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		s.fail(w, err)
		return
	}

	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, n := range stats.ByStatus {
		byStatus[string(status)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalArticles": stats.TotalArticles,
		"byStatus":      byStatus,
		"sources":       stats.Sources,
	})
}

// article loads the path's article or writes a 404.
func (s *Server) article(w http.ResponseWriter, r *http.Request) (*database.Article, bool) {
	a, err := s.db.GetArticleByUUID(r.PathValue("uuid"))
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	if a == nil {
		http.Error(w, "article not found", http.StatusNotFound)
		return nil, false
	}
	return a, true
}

// fail maps pipeline errors onto status codes: invalid lifecycle transitions
// are client errors, everything else is a 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var enrichState *enrich.InvalidStateError
	var publishState *publish.InvalidStateError
	var adapterErr *ingest.AdapterError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &enrichState), errors.As(err, &publishState):
		status = http.StatusConflict
	case errors.As(err, &adapterErr):
		status = http.StatusBadGateway
	case strings.Contains(err.Error(), "not found"):
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

func optionalSource(r *http.Request) *string {
	if source := r.URL.Query().Get("source"); source != "" {
		return &source
	}
	return nil
}

// Serve starts the HTTP server on the given port.
func Serve(db *database.DB, pipe Trigger, port int) error {
	srv, err := New(db, pipe)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
