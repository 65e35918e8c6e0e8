package extract

import (
	"net/url"
	"strings"

	"github.com/vdavid/mailguard/internal/models"
	"mvdan.cc/xurls/v2"
)

// relaxedURLs matches URLs with and without a scheme ("example.com/login").
var relaxedURLs = xurls.Relaxed()

// ExtractLinks collects candidate URLs from the subject and body text plus the
// anchor targets of the HTML part. Exact duplicates are dropped; order of first
// appearance is kept.
func ExtractLinks(subject, body string, hrefs []string) []models.Link {
	seen := make(map[string]bool)
	var links []models.Link

	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			return
		}
		link, ok := webLink(raw)
		if !ok {
			return
		}
		seen[raw] = true
		links = append(links, link)
	}

	for _, text := range []string{subject, body} {
		for _, match := range relaxedURLs.FindAllString(text, -1) {
			add(match)
		}
	}
	for _, href := range hrefs {
		add(href)
	}

	return links
}

// webLink accepts absolute http(s) URLs with a host, and scheme-less links whose
// host xurls recognises. Relative paths, fragments, email addresses and other
// schemes are rejected. Scheme-less links are probed over https.
func webLink(raw string) (models.Link, bool) {
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return models.Link{}, false
		}
		if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
			return models.Link{}, false
		}
		return models.Link{Display: raw, Probe: raw}, true
	}

	if i := strings.Index(raw, ":"); i >= 0 && !strings.Contains(raw[:i], ".") {
		// mailto:, tel:, javascript: and friends
		return models.Link{}, false
	}
	if strings.Contains(raw, "@") && !strings.Contains(raw, "/") {
		return models.Link{}, false
	}
	if relaxedURLs.FindString(raw) != raw {
		return models.Link{}, false
	}

	probe := "https://" + raw
	u, err := url.Parse(probe)
	if err != nil || !strings.Contains(u.Hostname(), ".") {
		return models.Link{}, false
	}
	return models.Link{Display: raw, Probe: probe}, true
}
