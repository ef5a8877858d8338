package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/beansnews/beansd/internal/database"
	"github.com/beansnews/beansd/internal/scrape"
)

type stubAdapter struct {
	articles []scrape.RawArticle
	err      error
}

func (s *stubAdapter) Scrape(ctx context.Context, src database.Source) ([]scrape.RawArticle, error) {
	return s.articles, s.err
}

type stubResolver map[string]scrape.Adapter

func (r stubResolver) Lookup(name string) (scrape.Adapter, bool) {
	a, ok := r[name]
	return a, ok
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSource() database.Source {
	return database.Source{Name: "sprudge", Adapter: "rss", FeedURL: "https://sprudge.com/feed"}
}

func raw(link, title string) scrape.RawArticle {
	return scrape.RawArticle{
		Link:        link,
		Title:       title,
		Source:      "sprudge",
		Domain:      "sprudge.com",
		PublishedAt: time.Date(2026, 8, 17, 10, 0, 0, 0, time.UTC),
		Description: "A description.",
	}
}

func engineWith(db *database.DB, articles ...scrape.RawArticle) *Engine {
	return New(db, stubResolver{"rss": &stubAdapter{articles: articles}})
}

func TestIngestCreatesNewArticles(t *testing.T) {
	db := openTestDB(t)
	e := engineWith(db, raw("https://sprudge.com/a", "Article A"), raw("https://sprudge.com/b", "Article B"))

	r, err := e.Ingest(context.Background(), testSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.New != 2 || r.Updated != 0 {
		t.Errorf("expected 2 new / 0 updated, got %d / %d", r.New, r.Updated)
	}

	stored, err := db.GetArticleByLink("https://sprudge.com/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored == nil {
		t.Fatal("expected stored article")
	}
	if stored.UUID == "" {
		t.Error("expected assigned uuid")
	}
	if stored.ModerationStatus != database.StatusScraped {
		t.Errorf("expected scraped status, got %s", stored.ModerationStatus)
	}
	if stored.Description == nil || *stored.Description != "A description." {
		t.Error("expected description stored")
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	e := engineWith(db, raw("https://sprudge.com/a", "Article A"))

	if _, err := e.Ingest(context.Background(), testSource()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, err := e.Ingest(context.Background(), testSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.New != 0 {
		t.Errorf("re-ingest must not create duplicates, got %d new", r.New)
	}
	if r.Updated != 1 {
		t.Errorf("re-ingest of a scraped article refreshes it, got %d updated", r.Updated)
	}

	articles, err := db.ListArticles(database.ListFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(articles) != 1 {
		t.Errorf("expected 1 stored article, got %d", len(articles))
	}
}

func TestIngestRefreshesScrapedOnly(t *testing.T) {
	db := openTestDB(t)
	first := raw("https://sprudge.com/a", "Old Title")
	if _, err := engineWith(db, first).Ingest(context.Background(), testSource()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := raw("https://sprudge.com/a", "New Title")
	r, err := engineWith(db, second).Ingest(context.Background(), testSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Updated != 1 {
		t.Fatalf("expected 1 updated, got %d", r.Updated)
	}
	stored, _ := db.GetArticleByLink("https://sprudge.com/a")
	if stored.Title != "New Title" {
		t.Errorf("expected refreshed title, got %q", stored.Title)
	}
}

func TestIngestLeavesModeratedArticlesAlone(t *testing.T) {
	db := openTestDB(t)
	if _, err := engineWith(db, raw("https://sprudge.com/a", "Original")).Ingest(context.Background(), testSource()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := db.GetArticleByLink("https://sprudge.com/a")
	if _, err := db.RejectArticle(stored.UUID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, err := engineWith(db, raw("https://sprudge.com/a", "Rescraped")).Ingest(context.Background(), testSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.New != 0 || r.Updated != 0 {
		t.Errorf("rejected article must be untouched, got %d new / %d updated", r.New, r.Updated)
	}
	after, _ := db.GetArticleByLink("https://sprudge.com/a")
	if after.Title != "Original" {
		t.Errorf("expected title preserved, got %q", after.Title)
	}
	if after.ModerationStatus != database.StatusRejected {
		t.Errorf("expected rejected status preserved, got %s", after.ModerationStatus)
	}
}

func TestIngestDuplicateLinksInOneBatch(t *testing.T) {
	db := openTestDB(t)
	e := engineWith(db,
		raw("https://sprudge.com/a", "First Pass"),
		raw("https://sprudge.com/a", "Second Pass"),
	)

	r, err := e.Ingest(context.Background(), testSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.New != 1 {
		t.Errorf("expected 1 new for duplicate links, got %d", r.New)
	}

	articles, _ := db.ListArticles(database.ListFilter{})
	if len(articles) != 1 {
		t.Fatalf("expected 1 stored article, got %d", len(articles))
	}
	if articles[0].Title != "Second Pass" {
		t.Errorf("later record in the batch refreshes the row, got %q", articles[0].Title)
	}
}

func TestIngestSkipsUnusableRecords(t *testing.T) {
	db := openTestDB(t)
	e := engineWith(db,
		scrape.RawArticle{Link: "", Title: "No Link"},
		scrape.RawArticle{Link: "https://sprudge.com/no-title", Title: ""},
		raw("https://sprudge.com/ok", "Usable"),
	)

	r, err := e.Ingest(context.Background(), testSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.New != 1 {
		t.Errorf("expected only the usable record stored, got %d new", r.New)
	}
}

func TestIngestDefaultsMissingFields(t *testing.T) {
	db := openTestDB(t)
	e := engineWith(db, scrape.RawArticle{
		Link:   "https://sprudge.com/sparse",
		Title:  "Sparse Record",
		Source: "sprudge",
	})

	before := time.Now().UTC().Add(-time.Second)
	if _, err := e.Ingest(context.Background(), testSource()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, _ := db.GetArticleByLink("https://sprudge.com/sparse")
	if stored.Domain != "unknown" {
		t.Errorf("expected unknown domain fallback, got %q", stored.Domain)
	}
	if stored.PublishedAt == nil || stored.PublishedAt.Before(before) {
		t.Error("expected published date defaulted to ingestion time")
	}
	if stored.Description != nil {
		t.Error("expected missing description to stay null")
	}
}

func TestIngestUnknownAdapter(t *testing.T) {
	db := openTestDB(t)
	e := New(db, stubResolver{})

	_, err := e.Ingest(context.Background(), testSource())
	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AdapterError, got %v", err)
	}
}

func TestIngestAdapterFailure(t *testing.T) {
	db := openTestDB(t)
	e := New(db, stubResolver{"rss": &stubAdapter{err: errors.New("feed unreachable")}})

	_, err := e.Ingest(context.Background(), testSource())
	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AdapterError, got %v", err)
	}
	if !errors.Is(err, ae.Err) {
		t.Error("expected wrapped adapter error")
	}
}
