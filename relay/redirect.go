package relay

import (
	"bytes"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// genericHosts serve login, docs or help pages instead of the script itself.
// A Location pointing at one of them is never followed directly.
var genericHosts = map[string]bool{
	"accounts.google.com":   true,
	"developers.google.com": true,
	"docs.google.com":       true,
	"support.google.com":    true,
	"www.google.com":        true,
}

// execProxyPattern matches the Apps Script execution URLs the platform embeds
// in its "moved" pages: the googleusercontent echo proxy and /exec deployments.
var execProxyPattern = regexp.MustCompile(
	`https://script\.googleusercontent\.com/macros/echo\?[^\s"'<>\\]+` +
		`|https://script\.google\.com/(?:a/macros/[^/\s"'<>\\]+|macros)/s/[A-Za-z0-9_-]+/exec[^\s"'<>\\]*`)

// ampUnescaper decodes entity-escaped ampersands in scraped URLs.
var ampUnescaper = strings.NewReplacer("&amp;", "&", "&#38;", "&", "&#x26;", "&", "&#X26;", "&")

// scriptUnescaper undoes the escapes used when a URL sits inside inline script.
var scriptUnescaper = strings.NewReplacer(`\u0026`, "&", `\x26`, "&", `\/`, "/", `\u003d`, "=", `\x3d`, "=")

// resolveTarget picks the next hop for a response that was not a success.
// A usable Location header wins; otherwise the body is scraped.
// It returns the absolute URL and how it was found, or "" when nothing fits.
func resolveTarget(base string, resp *hopResponse) (target, via string) {
	if resp.location != "" {
		if u, ok := resolveLocation(base, resp.location); ok {
			return u, "location"
		}
	}

	if u := scrapeTarget(resp.body); u != "" {
		return u, "body"
	}

	return "", ""
}

// resolveLocation makes loc absolute against base and rejects generic hosts.
func resolveLocation(base, loc string) (string, bool) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	locURL, err := url.Parse(strings.TrimSpace(loc))
	if err != nil {
		return "", false
	}

	abs := baseURL.ResolveReference(locURL)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	if isGenericHost(abs.Hostname()) {
		return "", false
	}
	return abs.String(), true
}

// scrapeTarget finds the first execution-proxy URL in an HTML body.
// Attribute values come back entity-decoded from the parser; the raw-text
// fallback covers URLs inside inline script or plain text.
func scrapeTarget(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
		var found string
		doc.Find("a[href], form[action], meta[http-equiv], iframe[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			for _, attr := range []string{"href", "action", "content", "src"} {
				v, ok := s.Attr(attr)
				if !ok {
					continue
				}
				if m := execProxyPattern.FindString(scriptUnescaper.Replace(v)); m != "" {
					found = ampUnescaper.Replace(m)
					return false
				}
			}
			return true
		})
		if found != "" {
			return found
		}
	}

	raw := scriptUnescaper.Replace(string(body))
	if m := execProxyPattern.FindString(raw); m != "" {
		return ampUnescaper.Replace(m)
	}
	return ""
}

// shouldChase reports whether a non-success later hop is worth one more try:
// another redirect, or the platform's 405 docs page standing in for the script.
func shouldChase(target string, resp *hopResponse) bool {
	if isRedirect(resp.status) {
		return true
	}
	if resp.status != http.StatusMethodNotAllowed {
		return false
	}
	return isDocsResponse(target, resp.body)
}

// isDocsResponse reports whether a response came from, or was rendered by, a
// generic docs host rather than the script.
func isDocsResponse(target string, body []byte) bool {
	if u, err := url.Parse(target); err == nil && isGenericHost(u.Hostname()) {
		return true
	}
	for host := range genericHosts {
		if bytes.Contains(body, []byte(host)) {
			return true
		}
	}
	return false
}

func isGenericHost(host string) bool {
	return genericHosts[strings.ToLower(host)]
}
