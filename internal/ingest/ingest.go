// Package ingest reconciles raw scraped records with stored articles:
// insert-or-partial-update keyed on the canonical link.
package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/beansnews/beansd/internal/database"
	"github.com/beansnews/beansd/internal/scrape"
)

// AdapterError reports a source whose adapter is missing, misconfigured, or
// failed outright. It is fatal for that source's run but must never take the
// scheduler down.
type AdapterError struct {
	Source string
	Err    error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter for source %q: %v", e.Source, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Result holds the counts of an ingestion run.
type Result struct {
	New     int
	Updated int
}

// AdapterResolver resolves adapter names to implementations.
type AdapterResolver interface {
	Lookup(name string) (scrape.Adapter, bool)
}

// Engine ingests one source's raw records into storage.
type Engine struct {
	db       *database.DB
	adapters AdapterResolver
}

// New creates an ingestion engine.
func New(db *database.DB, adapters AdapterResolver) *Engine {
	return &Engine{db: db, adapters: adapters}
}

// Ingest invokes the source's adapter and reconciles each record against
// stored articles by link. Records fail independently: a storage error on one
// is logged and skipped, never aborting the batch.
func (e *Engine) Ingest(ctx context.Context, src database.Source) (*Result, error) {
	adapter, ok := e.adapters.Lookup(src.Adapter)
	if !ok {
		return nil, &AdapterError{Source: src.Name, Err: fmt.Errorf("no adapter registered as %q", src.Adapter)}
	}

	raws, err := adapter.Scrape(ctx, src)
	if err != nil {
		return nil, &AdapterError{Source: src.Name, Err: err}
	}

	log.Printf("ingesting %d records from %s", len(raws), src.Name)
	r := &Result{}
	for _, raw := range raws {
		if raw.Link == "" || raw.Title == "" {
			continue
		}
		if err := e.ingestOne(raw, r); err != nil {
			log.Printf("error storing record %s: %v", raw.Link, err)
		}
	}

	log.Printf("ingest complete for %s: %d new, %d updated", src.Name, r.New, r.Updated)
	return r, nil
}

func (e *Engine) ingestOne(raw scrape.RawArticle, r *Result) error {
	existing, err := e.db.GetArticleByLink(raw.Link)
	if err != nil {
		return err
	}

	if existing == nil {
		article := rawToArticle(raw)
		if err := e.db.InsertArticle(article); err != nil {
			if database.IsConflict(err) {
				// Lost a race with a concurrent ingest of the same link;
				// the stored row wins.
				return nil
			}
			return err
		}
		r.New++
		log.Printf("saved new article %q (%s)", raw.Title, article.UUID)
		return nil
	}

	// An article already reviewed, enriched, or rejected must not be
	// silently overwritten by a later scrape of the same link.
	if existing.ModerationStatus != database.StatusScraped {
		return nil
	}

	updated, err := e.db.UpdateScrapedFields(rawToArticle(raw))
	if err != nil {
		return err
	}
	if updated {
		r.Updated++
	}
	return nil
}

// rawToArticle maps a raw record onto a stored article. Missing optional
// fields stay null; there is no placeholder category.
func rawToArticle(raw scrape.RawArticle) *database.Article {
	a := &database.Article{
		Link:   raw.Link,
		Title:  raw.Title,
		Source: raw.Source,
		Domain: raw.Domain,
	}
	if a.Domain == "" {
		a.Domain = "unknown"
	}

	published := raw.PublishedAt
	if published.IsZero() {
		published = time.Now().UTC()
	}
	a.PublishedAt = &published

	if raw.Description != "" {
		a.Description = &raw.Description
	}
	if raw.ImageURL != "" {
		a.ImageURL = &raw.ImageURL
	}
	if raw.ImageWidth > 0 {
		a.ImageWidth = &raw.ImageWidth
	}
	if raw.ImageHeight > 0 {
		a.ImageHeight = &raw.ImageHeight
	}
	return a
}
