// Package enrich coordinates AI enrichment of scraped articles: category,
// geotag, tags, an improved description, and SEO fields. Enrichment is
// best-effort; when the provider is down or returns garbage, articles still
// advance with degraded fields so the pipeline keeps moving.
package enrich

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/beansnews/beansd/internal/database"
	"github.com/beansnews/beansd/internal/llm"
)

const (
	maxImprovedDescription = 300
	maxSEODescription      = 150
	maxTags                = 2
)

// Categories is the closed editorial vocabulary. Values outside this set
// returned by the provider are discarded.
var Categories = []string{
	"Sustainability",
	"Design",
	"Origin",
	"Culture",
	"Market",
	"Innovation",
	"Roastery",
	"Competition",
	"Recipes",
}

// InvalidStateError reports an enrichment request for an article outside the
// scraped state.
type InvalidStateError struct {
	UUID   string
	Status database.Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("article %s is %s, only scraped articles can be enriched", e.UUID, e.Status)
}

// Result holds the counts of an enrichment sweep.
type Result struct {
	Processed int
	Degraded  int
}

// Coordinator runs enrichment over scraped articles.
type Coordinator struct {
	db          *database.DB
	provider    llm.Provider
	brandSuffix string
	maxTokens   int
}

// New creates an enrichment coordinator. A nil provider is allowed; every
// article then takes the degraded path.
func New(db *database.DB, provider llm.Provider, brandSuffix string, maxTokens int) *Coordinator {
	return &Coordinator{db: db, provider: provider, brandSuffix: brandSuffix, maxTokens: maxTokens}
}

// Enrich processes all scraped articles, optionally filtered by source.
// Per-article failures are logged and never abort the sweep.
func (c *Coordinator) Enrich(ctx context.Context, source *string) (*Result, error) {
	articles, err := c.db.GetArticlesByStatus(database.StatusScraped, source)
	if err != nil {
		return nil, err
	}

	log.Printf("enriching %d articles", len(articles))
	r := &Result{}
	for i := range articles {
		a := &articles[i]
		enrichment, degraded := c.enrichArticle(ctx, a)

		applied, err := c.db.ApplyEnrichment(a.UUID, enrichment)
		if err != nil {
			log.Printf("error applying enrichment to %s: %v", a.UUID, err)
			continue
		}
		if !applied {
			// Rejected between selection and processing.
			continue
		}
		r.Processed++
		if degraded {
			r.Degraded++
		}
	}

	log.Printf("enrichment complete: %d processed (%d degraded)", r.Processed, r.Degraded)
	return r, nil
}

// EnrichOne enriches a single article by uuid. The article must be in the
// scraped state.
func (c *Coordinator) EnrichOne(ctx context.Context, articleUUID string) error {
	a, err := c.db.GetArticleByUUID(articleUUID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("article %s not found", articleUUID)
	}
	if a.ModerationStatus != database.StatusScraped {
		return &InvalidStateError{UUID: articleUUID, Status: a.ModerationStatus}
	}

	enrichment, _ := c.enrichArticle(ctx, a)
	applied, err := c.db.ApplyEnrichment(a.UUID, enrichment)
	if err != nil {
		return err
	}
	if !applied {
		return &InvalidStateError{UUID: articleUUID, Status: a.ModerationStatus}
	}
	return nil
}

// enrichArticle produces the enrichment fields for one article, degrading to
// source-derived fields when the provider fails.
func (c *Coordinator) enrichArticle(ctx context.Context, a *database.Article) (database.Enrichment, bool) {
	if c.provider == nil || !c.provider.IsConfigured() {
		return c.degradedEnrichment(a), true
	}

	text, err := c.provider.Generate(ctx, buildPrompt(a), c.maxTokens)
	if err != nil {
		log.Printf("enrichment provider failed for %s: %v", a.UUID, err)
		return c.degradedEnrichment(a), true
	}

	payload := llm.ParseJSONResponse(text)
	if payload == nil {
		log.Printf("enrichment response for %s was not valid JSON", a.UUID)
		return c.degradedEnrichment(a), true
	}

	improved := stringField(payload, "improvedDescription")
	if improved == "" {
		improved = fallbackDescription(a)
	}

	seoDesc := stringField(payload, "seoDescription")
	if seoDesc == "" {
		seoDesc = improved
	}

	return database.Enrichment{
		Category:            validCategory(stringField(payload, "category")),
		Geotag:              optional(stringField(payload, "geotag")),
		Tags:                tagList(payload["tags"]),
		ImprovedDescription: normalizeDescription(improved),
		SEOTitle:            c.seoTitle(a.Title),
		SEODescription:      normalizeSEODescription(seoDesc),
	}, false
}

// degradedEnrichment builds enrichment fields from the source data alone.
// Classification fields stay null; the description still gets normalized so
// downstream formatting holds.
func (c *Coordinator) degradedEnrichment(a *database.Article) database.Enrichment {
	desc := fallbackDescription(a)
	return database.Enrichment{
		ImprovedDescription: normalizeDescription(desc),
		SEOTitle:            c.seoTitle(a.Title),
		SEODescription:      normalizeSEODescription(desc),
	}
}

func fallbackDescription(a *database.Article) string {
	if a.Description != nil && strings.TrimSpace(*a.Description) != "" {
		return strings.TrimSpace(*a.Description)
	}
	return a.Title
}

func (c *Coordinator) seoTitle(title string) string {
	return title + " | " + c.brandSuffix
}

func buildPrompt(a *database.Article) string {
	var b strings.Builder
	b.WriteString("Process this coffee news article and respond with JSON only.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", a.Title)
	if a.Description != nil {
		fmt.Fprintf(&b, "Description: %s\n", *a.Description)
	}
	if a.ImageURL != nil {
		fmt.Fprintf(&b, "Image: %s\n", *a.ImageURL)
	}
	fmt.Fprintf(&b, `
Respond with a JSON object with exactly these keys:
- "category": one of %s
- "geotag": the single country the article is about, or null
- "tags": up to %d short topic tags
- "improvedDescription": a rewritten description, max %d characters, ending with punctuation
- "seoDescription": a search-friendly summary, max %d characters
`, strings.Join(Categories, ", "), maxTags, maxImprovedDescription, maxSEODescription)
	return b.String()
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return strings.TrimSpace(s)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func validCategory(s string) *string {
	for _, c := range Categories {
		if strings.EqualFold(s, c) {
			return &c
		}
	}
	return nil
}

// tagList extracts up to maxTags unique, non-empty tags from the raw payload
// value.
func tagList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}

	var tags []string
	seen := make(map[string]bool)
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			continue
		}
		seen[strings.ToLower(s)] = true
		tags = append(tags, s)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

// normalizeDescription clips the description and guarantees it ends with
// terminal punctuation.
func normalizeDescription(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}

	runes := []rune(s)
	if len(runes) > maxImprovedDescription {
		runes = runes[:maxImprovedDescription]
		s = strings.TrimSpace(string(runes))
		runes = []rune(s)
	}

	switch runes[len(runes)-1] {
	case '.', '!', '?':
		return s
	}
	if len(runes) == maxImprovedDescription {
		s = string(runes[:maxImprovedDescription-1])
	}
	return s + "."
}

// normalizeSEODescription enforces the SEO length limit with an ellipsis
// marker and replaces dashes with spaces.
func normalizeSEODescription(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > maxSEODescription {
		s = string(runes[:maxSEODescription-3]) + "..."
	}
	s = strings.ReplaceAll(s, "-", " ")
	return s
}
