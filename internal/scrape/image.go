package scrape

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// pageImage is the result of one image-extraction strategy.
type pageImage struct {
	URL    string
	Width  int
	Height int
}

// imageStrategy extracts an image candidate from an article page.
// Strategies are pure functions of the document; no state is shared between them.
type imageStrategy func(doc *goquery.Document) pageImage

// imageStrategies is the ordered fallback chain; the first strategy that
// yields a usable URL wins.
var imageStrategies = []imageStrategy{
	ogImage,
	twitterImage,
	firstContentImage,
}

// extractPageImage runs the strategy chain against an article page.
func extractPageImage(doc *goquery.Document) pageImage {
	for _, strategy := range imageStrategies {
		if img := strategy(doc); img.URL != "" {
			return img
		}
	}
	return pageImage{}
}

func ogImage(doc *goquery.Document) pageImage {
	img := pageImage{URL: metaContent(doc, `meta[property="og:image"]`)}
	if img.URL == "" {
		return pageImage{}
	}
	img.Width = metaInt(doc, `meta[property="og:image:width"]`)
	img.Height = metaInt(doc, `meta[property="og:image:height"]`)
	return img
}

func twitterImage(doc *goquery.Document) pageImage {
	return pageImage{URL: metaContent(doc, `meta[name="twitter:image"]`)}
}

func firstContentImage(doc *goquery.Document) pageImage {
	src, _ := doc.Find("article img, img").First().Attr("src")
	return pageImage{URL: strings.TrimSpace(src)}
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func metaInt(doc *goquery.Document, selector string) int {
	n, err := strconv.Atoi(metaContent(doc, selector))
	if err != nil {
		return 0
	}
	return n
}

// firstImageSrc returns the src of the first <img> in an HTML fragment,
// typically the body of a feed entry.
func firstImageSrc(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img").First().Attr("src")
	return strings.TrimSpace(src)
}
