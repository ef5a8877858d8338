package shopify

import (
	"fmt"
	"strings"
	"time"
)

const maxSlugLen = 50

// Handle computes the deterministic metaobject handle for an article. The
// leading token is the publish date subtracted from 99999999 (YYYYMMDD), so
// handles sort newest-first when the store lists metaobjects by handle. The
// storefront's listing depends on this ordering; there is no separate sort
// field.
func Handle(title string, publishedAt time.Time) string {
	return dateToken(publishedAt) + "-" + slugify(title)
}

func dateToken(t time.Time) string {
	t = t.UTC()
	ymd := t.Year()*10000 + int(t.Month())*100 + t.Day()
	return fmt.Sprintf("%08d", 99999999-ymd)
}

// slugify lowercases the title and collapses non-alphanumeric runs into
// single dashes, clipped to maxSlugLen.
func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	s := b.String()
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
	}
	return strings.Trim(s, "-")
}
