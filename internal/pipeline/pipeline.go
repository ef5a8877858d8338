// Package pipeline wires the stages together: scrape/ingest, enrich, publish.
// It is the shared service layer behind both the CLI and the HTTP control
// surface.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/beansnews/beansd/internal/config"
	"github.com/beansnews/beansd/internal/database"
	"github.com/beansnews/beansd/internal/enrich"
	"github.com/beansnews/beansd/internal/ingest"
	"github.com/beansnews/beansd/internal/llm"
	"github.com/beansnews/beansd/internal/publish"
	"github.com/beansnews/beansd/internal/scrape"
	"github.com/beansnews/beansd/internal/shopify"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full per-source run.
type Result struct {
	Source string
	Steps  []StepResult
}

// Pipeline orchestrates the 3-step article pipeline for one or more sources.
type Pipeline struct {
	cfg      *config.Config
	db       *database.DB
	registry *scrape.Registry
	engine   *ingest.Engine
	enricher *enrich.Coordinator
	sync     *publish.Sync
	store    *shopify.Client
}

// New creates a pipeline from configuration.
func New(cfg *config.Config, db *database.DB) *Pipeline {
	client := &http.Client{Timeout: time.Duration(cfg.Shopify.TimeoutSeconds) * time.Second}
	registry := scrape.NewRegistry(client)

	en := cfg.Enrichment
	provider := llm.CreateProvider(en.Provider, en.Model, en.OllamaURL, en.OpenAIModel, en.APIKeyEnv)

	store := shopify.NewClient(
		cfg.Shopify.APIURL,
		os.Getenv(cfg.Shopify.AccessTokenEnv),
		cfg.Shopify.MetaobjectType,
		cfg.Shopify.RequestsPerSec,
		time.Duration(cfg.Shopify.TimeoutSeconds)*time.Second,
	)

	return &Pipeline{
		cfg:      cfg,
		db:       db,
		registry: registry,
		engine:   ingest.New(db, registry),
		enricher: enrich.New(db, provider, cfg.Shopify.BrandSuffix, en.MaxTokens),
		sync:     publish.New(db, store, cfg.Shopify.DefaultCategory, cfg.Shopify.BrandSuffix),
		store:    store,
	}
}

// Registry exposes the adapter registry for startup validation.
func (p *Pipeline) Registry() *scrape.Registry { return p.registry }

// EnsureSources inserts configured source seeds that are not yet in the
// database. Existing descriptors are left alone; operators own them.
func (p *Pipeline) EnsureSources() error {
	for _, seed := range p.cfg.Sources {
		existing, err := p.db.GetSource(seed.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		_, err = p.db.InsertSource(&database.Source{
			Name:     seed.Name,
			Adapter:  seed.Adapter,
			FeedURL:  seed.URL,
			Kind:     seed.Adapter,
			Schedule: seed.Schedule,
			Enabled:  true,
		})
		if err != nil {
			return err
		}
		log.Printf("registered source %s (%s)", seed.Name, seed.Adapter)
	}
	return nil
}

// RunSource executes ingest, enrich, and publish for one source.
func (p *Pipeline) RunSource(ctx context.Context, src database.Source) *Result {
	r := &Result{Source: src.Name}

	// Step 1: Scrape + ingest
	step := p.runIngest(ctx, src)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	// Step 2: Enrich
	step = p.runEnrich(ctx, src.Name)
	r.Steps = append(r.Steps, step)

	// Step 3: Publish
	step = p.runPublish(ctx, src.Name)
	r.Steps = append(r.Steps, step)

	return r
}

// RunAll executes the full pipeline for every enabled source.
func (p *Pipeline) RunAll(ctx context.Context) ([]*Result, error) {
	sources, err := p.db.EnabledSources()
	if err != nil {
		return nil, err
	}

	var results []*Result
	for _, src := range sources {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, p.RunSource(ctx, src))
	}
	return results, nil
}

func (p *Pipeline) runIngest(ctx context.Context, src database.Source) StepResult {
	log.Printf("Step 1/3: Scraping %s...", src.Name)
	result, err := p.engine.Ingest(ctx, src)
	if err != nil {
		return StepResult{Name: "Scrape", Err: err}
	}
	return StepResult{
		Name:    "Scrape",
		Summary: fmt.Sprintf("Ingested %d new articles, %d refreshed", result.New, result.Updated),
	}
}

func (p *Pipeline) runEnrich(ctx context.Context, source string) StepResult {
	log.Printf("Step 2/3: Enriching %s...", source)
	result, err := p.enricher.Enrich(ctx, &source)
	if err != nil {
		return StepResult{Name: "Enrich", Err: err}
	}
	return StepResult{
		Name:    "Enrich",
		Summary: fmt.Sprintf("Enriched %d articles (%d degraded)", result.Processed, result.Degraded),
	}
}

func (p *Pipeline) runPublish(ctx context.Context, source string) StepResult {
	log.Printf("Step 3/3: Publishing %s...", source)
	if !p.store.IsConfigured() {
		return StepResult{Name: "Publish", Summary: "Skipped: shopify not configured"}
	}
	result, err := p.sync.Publish(ctx, &source)
	if err != nil {
		return StepResult{Name: "Publish", Err: err}
	}
	return StepResult{
		Name:    "Publish",
		Summary: fmt.Sprintf("Published %d articles, %d conflicts, %d failed", result.Published, result.Conflicts, result.Failed),
	}
}

// IngestSource runs ingestion for the named source.
func (p *Pipeline) IngestSource(ctx context.Context, name string) (*ingest.Result, error) {
	src, err := p.sourceByName(name)
	if err != nil {
		return nil, err
	}
	return p.engine.Ingest(ctx, *src)
}

// Enrich runs enrichment, optionally scoped to one source.
func (p *Pipeline) Enrich(ctx context.Context, source *string) (*enrich.Result, error) {
	return p.enricher.Enrich(ctx, source)
}

// EnrichOne enriches a single scraped article.
func (p *Pipeline) EnrichOne(ctx context.Context, articleUUID string) error {
	return p.enricher.EnrichOne(ctx, articleUUID)
}

// Publish runs the publish sweep, optionally scoped to one source.
func (p *Pipeline) Publish(ctx context.Context, source *string) (*publish.Result, error) {
	return p.sync.Publish(ctx, source)
}

// PublishOne force-publishes a single article.
func (p *Pipeline) PublishOne(ctx context.Context, articleUUID string) (*shopify.ExternalRef, error) {
	return p.sync.PublishOne(ctx, articleUUID)
}

// EditAndResync applies local edits to a published article and pushes them.
func (p *Pipeline) EditAndResync(ctx context.Context, articleUUID string, edit database.ArticleEdit) (*shopify.ExternalRef, error) {
	return p.sync.EditAndResync(ctx, articleUUID, edit)
}

func (p *Pipeline) sourceByName(name string) (*database.Source, error) {
	src, err := p.db.GetSource(name)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("source %s not found", name)
	}
	return src, nil
}
