package scrape

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/beansnews/beansd/internal/database"
)

const maxPageDescription = 300

// PageAdapter extends the generic feed adapter with a per-article page fetch.
// Sources whose feeds carry thin descriptions and no image metadata (Sprudge,
// Daily Coffee News) get og: tags, meta descriptions, and a readability
// excerpt from the article page itself. A failed page fetch degrades that
// item to feed-only data; it never fails the batch.
type PageAdapter struct {
	feed   *FeedAdapter
	client *http.Client
}

// NewPageAdapter creates a page-enriched adapter using the given client.
func NewPageAdapter(client *http.Client) *PageAdapter {
	return &PageAdapter{feed: NewFeedAdapter(), client: client}
}

// Scrape parses the feed, then enriches each record from its article page.
func (p *PageAdapter) Scrape(ctx context.Context, src database.Source) ([]RawArticle, error) {
	articles, err := p.feed.Scrape(ctx, src)
	if err != nil {
		return nil, err
	}

	for i := range articles {
		if err := p.enrichFromPage(ctx, &articles[i]); err != nil {
			log.Printf("page fetch failed for %s: %v", articles[i].Link, err)
		}
	}
	return articles, nil
}

func (p *PageAdapter) enrichFromPage(ctx context.Context, raw *RawArticle) error {
	req, err := http.NewRequestWithContext(ctx, "GET", raw.Link, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "beansd/1.0 (news aggregator)")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &httpError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return err
	}

	if img := extractPageImage(doc); img.URL != "" {
		raw.ImageURL = img.URL
		raw.ImageWidth = img.Width
		raw.ImageHeight = img.Height
	}

	if desc := pageDescription(doc, string(body), raw.Link); desc != "" {
		raw.Description = desc
	}
	return nil
}

// pageDescription resolves a description from the article page, preferring
// the meta description and falling back to a readability excerpt.
func pageDescription(doc *goquery.Document, body, link string) string {
	if meta := metaContent(doc, `meta[name="description"]`); meta != "" {
		return clipDescription(meta)
	}

	parsedURL, err := url.Parse(link)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(strings.NewReader(body), parsedURL)
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(article.Excerpt)
	if text == "" {
		text = strings.TrimSpace(article.TextContent)
	}
	return clipDescription(text)
}

func clipDescription(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxPageDescription {
		s = s[:maxPageDescription]
	}
	return s
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return http.StatusText(e.code)
}
