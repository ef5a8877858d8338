package database

import (
	"strings"
	"time"
)

// Status is the moderation lifecycle state of an article.
type Status string

const (
	StatusScraped       Status = "scraped"
	StatusRejected      Status = "rejected"
	StatusAIProcessed   Status = "aiProcessed"
	StatusSentToShopify Status = "sentToShopify"
)

var allStatuses = []Status{
	StatusScraped,
	StatusRejected,
	StatusAIProcessed,
	StatusSentToShopify,
}

// transitions holds the allowed lifecycle edges. Rejection is reachable from
// every non-terminal state; rejected itself is terminal.
var transitions = map[Status][]Status{
	StatusScraped:       {StatusAIProcessed, StatusRejected},
	StatusAIProcessed:   {StatusSentToShopify, StatusRejected},
	StatusSentToShopify: {StatusSentToShopify, StatusRejected},
	StatusRejected:      {},
}

// AllStatuses returns the ordered list of known moderation statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	s := Status(strings.TrimSpace(value))
	for _, known := range allStatuses {
		if s == known {
			return s, true
		}
	}
	return "", false
}

// CanTransitionTo reports whether the lifecycle edge from s to target exists.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no automated transition leaves this state.
// Editors may still edit content fields of sentToShopify articles in place.
func (s Status) IsTerminal() bool {
	return s == StatusRejected
}

// Article is a normalized news item tracked through the moderation lifecycle.
// The link is the dedupe key; the uuid is the stable external identity.
type Article struct {
	ID                  int64
	UUID                string
	Link                string
	Title               string
	Source              string
	Domain              string
	PublishedAt         *time.Time
	Description         *string
	ImprovedDescription *string
	SEOTitle            *string
	SEODescription      *string
	ImageURL            *string
	ImageWidth          *int
	ImageHeight         *int
	Category            *string
	Geotag              *string
	Tags                []string
	ShopifyMetaobjectID *string
	ShopifyHandle       *string
	ModerationStatus    Status
	CreatedAt           *string
	UpdatedAt           *string
}

// Source describes one configured upstream content source. Descriptors are
// owned by operator tooling; the pipeline only reads them.
type Source struct {
	ID        int64
	Name      string
	Adapter   string
	FeedURL   string
	Kind      string
	Schedule  string
	Enabled   bool
	CreatedAt *string
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalArticles int
	ByStatus      map[Status]int
	Sources       int
}
