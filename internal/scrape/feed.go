package scrape

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"

	"github.com/beansnews/beansd/internal/database"
)

const maxPerFeed = 20

// FeedAdapter is the generic RSS/Atom adapter. It works from feed data alone
// and never fetches article pages.
type FeedAdapter struct {
	parser *gofeed.Parser
}

// NewFeedAdapter creates a generic feed adapter.
func NewFeedAdapter() *FeedAdapter {
	return &FeedAdapter{parser: gofeed.NewParser()}
}

// Scrape parses the source's feed into raw article records.
func (f *FeedAdapter) Scrape(ctx context.Context, src database.Source) ([]RawArticle, error) {
	feed, err := f.parser.ParseURLWithContext(src.FeedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", src.FeedURL, err)
	}

	var articles []RawArticle
	for _, item := range feed.Items {
		if len(articles) >= maxPerFeed {
			break
		}
		raw, ok := itemToRaw(item, src.Name)
		if !ok {
			continue
		}
		articles = append(articles, raw)
	}
	return articles, nil
}

func itemToRaw(item *gofeed.Item, sourceName string) (RawArticle, bool) {
	link := item.Link
	if link == "" {
		link = item.GUID
	}
	title := strings.TrimSpace(item.Title)
	if link == "" || title == "" {
		return RawArticle{}, false
	}

	raw := RawArticle{
		Title:       title,
		Link:        link,
		Source:      sourceName,
		Domain:      domainOf(link),
		PublishedAt: itemPublished(item),
		Description: itemDescription(item),
	}

	if html := itemHTML(item); html != "" {
		raw.ImageURL = firstImageSrc(html)
	}
	return raw, true
}

// itemPublished resolves the best-effort upstream timestamp. Feeds with
// nonstandard date formats that gofeed leaves unparsed get a second chance
// through dateparse.
func itemPublished(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	if item.Published != "" {
		if t, err := dateparse.ParseAny(item.Published); err == nil {
			return t
		}
	}
	return time.Time{}
}

func itemDescription(item *gofeed.Item) string {
	desc := item.Description
	if desc == "" {
		desc = item.Content
	}
	return strings.TrimSpace(stripHTML(desc))
}

func itemHTML(item *gofeed.Item) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Description
}

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			result.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}

	s := result.String()
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")

	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
