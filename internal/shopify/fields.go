package shopify

import (
	"strings"
	"time"

	"github.com/beansnews/beansd/internal/database"
)

// Field is one key/value entry of a metaobject. Field order is part of the
// metaobject contract and must stay stable.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// BuildFields maps an article onto the fixed 13-key metaobject field set.
// Every key gets an explicit fallback so the external object is never missing
// one.
func BuildFields(a *database.Article, defaultCategory, brandSuffix string) []Field {
	title := a.Title
	if title == "" {
		title = "Untitled"
	}

	description := "No description available."
	if a.ImprovedDescription != nil && *a.ImprovedDescription != "" {
		description = *a.ImprovedDescription
	} else if a.Description != nil && *a.Description != "" {
		description = *a.Description
	}

	domain := a.Domain
	if domain == "" {
		domain = "unknown"
	}

	attribution := a.Source
	if attribution == "" {
		attribution = "Unknown Source"
	}

	category := defaultCategory
	if a.Category != nil && *a.Category != "" {
		category = *a.Category
	}

	seoTitle := title + " | " + brandSuffix
	if a.SEOTitle != nil && *a.SEOTitle != "" {
		seoTitle = *a.SEOTitle
	}

	seoDescription := description
	if a.SEODescription != nil && *a.SEODescription != "" {
		seoDescription = *a.SEODescription
	}

	return []Field{
		{Key: "uuid", Value: a.UUID},
		{Key: "publishdate", Value: publishDate(a.PublishedAt)},
		{Key: "title", Value: title},
		{Key: "description", Value: description},
		{Key: "url", Value: a.Link},
		{Key: "domain", Value: domain},
		{Key: "image", Value: deref(a.ImageURL)},
		{Key: "tags", Value: strings.Join(a.Tags, ", ")},
		{Key: "attribution", Value: attribution},
		{Key: "geotag", Value: deref(a.Geotag)},
		{Key: "category", Value: category},
		{Key: "seotitle", Value: seoTitle},
		{Key: "seodescription", Value: seoDescription},
	}
}

func publishDate(t *time.Time) string {
	if t == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
