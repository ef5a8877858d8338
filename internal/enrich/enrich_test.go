package enrich

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/beansnews/beansd/internal/database"
)

type mockProvider struct {
	response     string
	err          error
	unconfigured bool
	prompts      []string
}

func (m *mockProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	m.prompts = append(m.prompts, prompt)
	return m.response, m.err
}

func (m *mockProvider) IsConfigured() bool { return !m.unconfigured }

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func insertScraped(t *testing.T, db *database.DB, link, title string, description *string) *database.Article {
	t.Helper()
	a := &database.Article{
		Link:        link,
		Title:       title,
		Source:      "sprudge",
		Domain:      "sprudge.com",
		Description: description,
	}
	if err := db.InsertArticle(a); err != nil {
		t.Fatalf("failed to insert article: %v", err)
	}
	return a
}

const goodResponse = `{
	"category": "Roastery",
	"geotag": "Norway",
	"tags": ["roastery", "oslo"],
	"improvedDescription": "A new specialty roastery has opened in Oslo.",
	"seoDescription": "Oslo gets a new specialty coffee roastery"
}`

func TestEnrichSuccess(t *testing.T) {
	db := openTestDB(t)
	a := insertScraped(t, db, "https://sprudge.com/a", "New Roastery", ptr("A roastery opened."))

	c := New(db, &mockProvider{response: goodResponse}, "BEANS News", 512)
	r, err := c.Enrich(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Processed != 1 || r.Degraded != 0 {
		t.Errorf("expected 1 processed / 0 degraded, got %d / %d", r.Processed, r.Degraded)
	}

	stored, _ := db.GetArticleByUUID(a.UUID)
	if stored.ModerationStatus != database.StatusAIProcessed {
		t.Errorf("expected aiProcessed, got %s", stored.ModerationStatus)
	}
	if stored.Category == nil || *stored.Category != "Roastery" {
		t.Error("expected category Roastery")
	}
	if stored.Geotag == nil || *stored.Geotag != "Norway" {
		t.Error("expected geotag Norway")
	}
	if len(stored.Tags) != 2 {
		t.Errorf("expected 2 tags, got %v", stored.Tags)
	}
	if stored.ImprovedDescription == nil || *stored.ImprovedDescription != "A new specialty roastery has opened in Oslo." {
		t.Error("expected improved description applied")
	}
	if stored.SEOTitle == nil || *stored.SEOTitle != "New Roastery | BEANS News" {
		t.Errorf("expected seo title with brand suffix, got %v", stored.SEOTitle)
	}
}

func TestEnrichDiscardsUnknownCategory(t *testing.T) {
	db := openTestDB(t)
	a := insertScraped(t, db, "https://sprudge.com/a", "Title", ptr("Desc."))

	resp := `{"category": "Gossip", "improvedDescription": "Something happened."}`
	c := New(db, &mockProvider{response: resp}, "BEANS News", 512)
	if _, err := c.Enrich(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, _ := db.GetArticleByUUID(a.UUID)
	if stored.Category != nil {
		t.Errorf("category outside the vocabulary must be discarded, got %q", *stored.Category)
	}
	if stored.ModerationStatus != database.StatusAIProcessed {
		t.Errorf("expected aiProcessed, got %s", stored.ModerationStatus)
	}
}

func TestEnrichTagsDedupedAndCapped(t *testing.T) {
	got := tagList([]any{"oslo", "Oslo", "roastery", "espresso", 42})
	if len(got) != 2 {
		t.Fatalf("expected 2 tags, got %v", got)
	}
	if got[0] != "oslo" || got[1] != "roastery" {
		t.Errorf("unexpected tags %v", got)
	}

	if got := tagList("not a list"); got != nil {
		t.Errorf("expected nil for non-list payload, got %v", got)
	}
}

func TestEnrichAlwaysAdvances(t *testing.T) {
	cases := []struct {
		name     string
		provider *mockProvider
	}{
		{"provider error", &mockProvider{err: errors.New("timeout")}},
		{"malformed payload", &mockProvider{response: "I cannot help with that."}},
		{"unconfigured provider", &mockProvider{unconfigured: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := openTestDB(t)
			a := insertScraped(t, db, "https://sprudge.com/a", "Fallback Title", ptr("Original description"))

			c := New(db, tc.provider, "BEANS News", 512)
			r, err := c.Enrich(context.Background(), nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.Processed != 1 || r.Degraded != 1 {
				t.Errorf("expected 1 processed / 1 degraded, got %d / %d", r.Processed, r.Degraded)
			}

			stored, _ := db.GetArticleByUUID(a.UUID)
			if stored.ModerationStatus != database.StatusAIProcessed {
				t.Errorf("expected aiProcessed, got %s", stored.ModerationStatus)
			}
			if stored.ImprovedDescription == nil || *stored.ImprovedDescription == "" {
				t.Fatal("expected non-empty improved description")
			}
			last := (*stored.ImprovedDescription)[len(*stored.ImprovedDescription)-1]
			if last != '.' && last != '!' && last != '?' {
				t.Errorf("expected terminal punctuation, got %q", *stored.ImprovedDescription)
			}
			if stored.Category != nil || stored.Geotag != nil || stored.Tags != nil {
				t.Error("degraded enrichment must leave classification fields null")
			}
		})
	}
}

func TestEnrichDegradedFallsBackToTitle(t *testing.T) {
	db := openTestDB(t)
	a := insertScraped(t, db, "https://sprudge.com/a", "Just A Title", nil)

	c := New(db, nil, "BEANS News", 512)
	if _, err := c.Enrich(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, _ := db.GetArticleByUUID(a.UUID)
	if stored.ImprovedDescription == nil || *stored.ImprovedDescription != "Just A Title." {
		t.Errorf("expected title fallback, got %v", stored.ImprovedDescription)
	}
}

func TestEnrichExcludesRejected(t *testing.T) {
	db := openTestDB(t)
	a := insertScraped(t, db, "https://sprudge.com/a", "Rejected One", ptr("Desc."))
	if _, err := db.RejectArticle(a.UUID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	provider := &mockProvider{response: goodResponse}
	c := New(db, provider, "BEANS News", 512)
	r, err := c.Enrich(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Processed != 0 {
		t.Errorf("rejected articles must be excluded, got %d processed", r.Processed)
	}
	if len(provider.prompts) != 0 {
		t.Error("rejected articles must not reach the provider")
	}

	stored, _ := db.GetArticleByUUID(a.UUID)
	if stored.ModerationStatus != database.StatusRejected {
		t.Errorf("expected rejected preserved, got %s", stored.ModerationStatus)
	}
}

func TestEnrichFiltersBySource(t *testing.T) {
	db := openTestDB(t)
	insertScraped(t, db, "https://sprudge.com/a", "Sprudge Article", ptr("Desc."))
	other := &database.Article{Link: "https://dcn.com/b", Title: "DCN Article", Source: "dailycoffeenews", Domain: "dcn.com"}
	if err := db.InsertArticle(other); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	src := "sprudge"
	c := New(db, &mockProvider{response: goodResponse}, "BEANS News", 512)
	r, err := c.Enrich(context.Background(), &src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Processed != 1 {
		t.Errorf("expected 1 processed for source filter, got %d", r.Processed)
	}

	stored, _ := db.GetArticleByUUID(other.UUID)
	if stored.ModerationStatus != database.StatusScraped {
		t.Errorf("other source must stay scraped, got %s", stored.ModerationStatus)
	}
}

func TestEnrichOne(t *testing.T) {
	db := openTestDB(t)
	a := insertScraped(t, db, "https://sprudge.com/a", "One Article", ptr("Desc."))

	c := New(db, &mockProvider{response: goodResponse}, "BEANS News", 512)
	if err := c.EnrichOne(context.Background(), a.UUID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, _ := db.GetArticleByUUID(a.UUID)
	if stored.ModerationStatus != database.StatusAIProcessed {
		t.Errorf("expected aiProcessed, got %s", stored.ModerationStatus)
	}

	var ise *InvalidStateError
	if err := c.EnrichOne(context.Background(), a.UUID); !errors.As(err, &ise) {
		t.Errorf("expected InvalidStateError for already processed article, got %v", err)
	}
}

func TestEnrichOneNotFound(t *testing.T) {
	db := openTestDB(t)
	c := New(db, &mockProvider{response: goodResponse}, "BEANS News", 512)
	if err := c.EnrichOne(context.Background(), "missing-uuid"); err == nil {
		t.Error("expected error for unknown uuid")
	}
}

func TestNormalizeDescription(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Ends with period.", "Ends with period."},
		{"Ends with bang!", "Ends with bang!"},
		{"Question?", "Question?"},
		{"No punctuation", "No punctuation."},
		{"", ""},
	}
	for _, c := range cases {
		if got := normalizeDescription(c.in); got != c.want {
			t.Errorf("normalizeDescription(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	long := strings.Repeat("a", 400)
	got := normalizeDescription(long)
	if len([]rune(got)) > maxImprovedDescription {
		t.Errorf("expected clipped description, got %d runes", len([]rune(got)))
	}
	if !strings.HasSuffix(got, ".") {
		t.Error("expected terminal punctuation after clipping")
	}
}

func TestNormalizeSEODescription(t *testing.T) {
	if got := normalizeSEODescription("coffee-to-go deals"); got != "coffee to go deals" {
		t.Errorf("expected dashes replaced, got %q", got)
	}

	long := strings.Repeat("b", 200)
	got := normalizeSEODescription(long)
	if len([]rune(got)) != maxSEODescription {
		t.Errorf("expected %d runes, got %d", maxSEODescription, len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis marker, got %q", got)
	}
}
