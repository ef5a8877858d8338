// Package scrape provides the source-adapter boundary: pluggable fetchers
// that turn one upstream content source into normalized raw article records.
package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beansnews/beansd/internal/database"
)

// RawArticle is one normalized record produced by a source adapter.
// Zero values mean "unknown"; the ingestion engine applies defaults.
type RawArticle struct {
	Title       string
	Link        string
	Source      string
	Domain      string
	PublishedAt time.Time
	Description string
	ImageURL    string
	ImageWidth  int
	ImageHeight int
}

// Adapter fetches and normalizes articles for one source. Implementations
// are best-effort per item: a single broken entry must not fail the batch.
type Adapter interface {
	Scrape(ctx context.Context, src database.Source) ([]RawArticle, error)
}

// Registry maps adapter names to statically-known implementations.
// Sources reference adapters by name; resolution happens at startup so a
// misconfigured source fails fast instead of at scrape time.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the registry of all known adapters sharing one HTTP client.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Registry{
		adapters: map[string]Adapter{
			"rss":  NewFeedAdapter(),
			"page": NewPageAdapter(client),
		},
	}
}

// Lookup returns the adapter registered under the given name.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered adapter names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Validate checks that every source references a registered adapter.
func (r *Registry) Validate(sources []database.Source) error {
	for _, s := range sources {
		if _, ok := r.adapters[s.Adapter]; !ok {
			return fmt.Errorf("source %q references unknown adapter %q (registered: %s)",
				s.Name, s.Adapter, strings.Join(r.Names(), ", "))
		}
	}
	return nil
}

// domainOf extracts the hostname from a link, or "unknown".
func domainOf(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
