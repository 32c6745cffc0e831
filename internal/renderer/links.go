package renderer

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractLinks returns the absolute URL of every a[href] in document order.
// Relative references resolve against <base href> when present, otherwise
// against pageURL. Hrefs that cannot be parsed are skipped.
func ExtractLinks(html, pageURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil || !base.IsAbs() {
		base = nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved := resolve(base, strings.TrimSpace(href)); resolved != nil {
			base = resolved
		}
	}

	links := make([]string, 0)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if resolved := resolve(base, strings.TrimSpace(href)); resolved != nil {
			links = append(links, resolved.String())
		}
	})
	return links, nil
}

func resolve(base *url.URL, href string) *url.URL {
	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}
	if base == nil {
		if !ref.IsAbs() {
			return nil
		}
		return ref
	}
	return base.ResolveReference(ref)
}
