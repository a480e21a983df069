// Package linkrewrite replaces affiliate-program URLs in message text with
// short links generated for the rule owner.
package linkrewrite

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

var affiliateURL = regexp.MustCompile(`(?i)https?://(?:s\.)?shopee\.com(?:\.br)?/[^\s)\]\\"]+`)

// Shortener turns a recognised URL into a short link.
type Shortener interface {
	ShortLink(ctx context.Context, url string) (string, error)
}

// FindLinks returns the distinct affiliate URLs in text in order of appearance.
func FindLinks(text string) []string {
	var links []string
	seen := make(map[string]bool)
	for _, m := range affiliateURL.FindAllString(text, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		links = append(links, m)
	}
	return links
}

// Rewrite replaces every recognised URL in text with its short link.
// A failing link is left untouched and the rest are still rewritten.
func Rewrite(ctx context.Context, text string, s Shortener, log *slog.Logger) string {
	links := FindLinks(text)
	if len(links) == 0 {
		return text
	}

	// Longest first so a URL that prefixes another is not clobbered.
	sort.SliceStable(links, func(i, j int) bool { return len(links[i]) > len(links[j]) })

	replacements := make([]string, 0, 2*len(links))
	for _, link := range links {
		short, err := s.ShortLink(ctx, link)
		if err != nil {
			log.Warn("generate short link", "url", link, "error", err)
			continue
		}
		log.Debug("short link generated", "url", link, "short", short)
		replacements = append(replacements, link, short)
	}
	if len(replacements) == 0 {
		return text
	}
	return strings.NewReplacer(replacements...).Replace(text)
}
