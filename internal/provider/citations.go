package provider

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultCitationHeading is the heading that opens a citation block in
// model output.
const DefaultCitationHeading = "參考資料"

// MaxCitations caps how many citation lines survive sanitization.
const MaxCitations = 3

// DefaultDeniedDomains lists domains whose citations are always dropped:
// the site's own domain plus common link shorteners that hide the real
// destination.
var DefaultDeniedDomains = []string{
	"moelog.com",
	"bit.ly",
	"t.co",
	"goo.gl",
	"tinyurl.com",
	"ow.ly",
	"is.gd",
	"reurl.cc",
	"shorturl.at",
}

var citationLineRe = regexp.MustCompile(`^-\s*\[([^\]]+)\]\((https://[^\s)]+)\)\s*$`)

// Sanitizer filters the citation block at the end of a model answer. Only
// lines of the form `- [label](https://...)` survive, denied domains are
// removed, and at most MaxCitations lines are kept.
type Sanitizer struct {
	heading string
	denied  []string
}

// NewSanitizer builds a sanitizer. Empty arguments fall back to the
// defaults.
func NewSanitizer(heading string, denied []string) *Sanitizer {
	if heading == "" {
		heading = DefaultCitationHeading
	}
	if denied == nil {
		denied = DefaultDeniedDomains
	}
	return &Sanitizer{heading: heading, denied: denied}
}

// Sanitize rewrites the citation block of answer, if any. Text before the
// heading passes through untouched. Inside the block, a line that does not
// match the citation grammar ends the block; everything after it passes
// through as well.
func (s *Sanitizer) Sanitize(answer string) string {
	lines := strings.Split(answer, "\n")

	headingIdx := -1
	for i, line := range lines {
		if s.isHeading(line) {
			headingIdx = i
			break
		}
	}
	if headingIdx == -1 {
		return answer
	}

	out := make([]string, 0, len(lines))
	out = append(out, lines[:headingIdx+1]...)

	kept := 0
	i := headingIdx + 1
	for ; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			out = append(out, line)
			continue
		}
		m := citationLineRe.FindStringSubmatch(trimmed)
		if m == nil {
			break
		}
		if kept >= MaxCitations || s.isDenied(m[2]) {
			continue
		}
		out = append(out, line)
		kept++
	}
	out = append(out, lines[i:]...)

	return strings.Join(out, "\n")
}

func (s *Sanitizer) isHeading(line string) bool {
	trimmed := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#*"))
	trimmed = strings.TrimRight(trimmed, "*:：")
	return trimmed == s.heading
}

// isDenied reports whether the link's host is a denied domain or one of
// its subdomains.
func (s *Sanitizer) isDenied(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range s.denied {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
