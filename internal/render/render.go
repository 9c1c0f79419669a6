// Package render turns generated answers into standalone HTML pages for
// the durable page cache.
package render

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"html/template"
	"regexp"
	"strings"
	"time"
)

// Page is everything a rendered answer page shows.
type Page struct {
	Title       string
	Question    string
	Answer      string // raw model output, escaped during rendering
	Lang        string
	Permalink   string // back-link to the source article
	GeneratedAt time.Time
}

// Renderer produces the durable page bytes for one answer.
type Renderer interface {
	Render(ctx context.Context, page Page) ([]byte, error)
}

var linkRe = regexp.MustCompile(`^-\s*\[([^\]]+)\]\((https://[^\s)]+)\)\s*$`)

const pageTemplate = `<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex, follow">
<title>{{.Title}}</title>
</head>
<body>
<main>
<article>
<h1>{{.Question}}</h1>
{{.AnswerHTML}}
</article>
{{if .Permalink}}<nav><a href="{{.Permalink}}">&larr; {{.BackLabel}}</a></nav>{{end}}
<footer><small>{{.Stamp}}</small></footer>
</main>
</body>
</html>
`

// HTMLRenderer renders answer pages from a built-in template. The model's
// text is HTML-escaped; only the citation-list grammar becomes markup.
type HTMLRenderer struct {
	tmpl *template.Template
	now  func() time.Time
}

var _ Renderer = (*HTMLRenderer)(nil)

func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{
		tmpl: template.Must(template.New("page").Parse(pageTemplate)),
		now:  time.Now,
	}
}

func (r *HTMLRenderer) Render(_ context.Context, page Page) ([]byte, error) {
	lang := page.Lang
	if lang == "" {
		lang = "en"
	}
	generated := page.GeneratedAt
	if generated.IsZero() {
		generated = r.now()
	}

	data := struct {
		Title      string
		Question   string
		AnswerHTML template.HTML
		Lang       string
		Permalink  string
		BackLabel  string
		Stamp      string
	}{
		Title:      page.Title,
		Question:   page.Question,
		AnswerHTML: AnswerHTML(page.Answer),
		Lang:       lang,
		Permalink:  page.Permalink,
		BackLabel:  backLabel(lang),
		Stamp:      stamp(lang, generated),
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("page template execution failed: %w", err)
	}
	return buf.Bytes(), nil
}

// AnswerHTML converts model output to HTML: blank-line separated
// paragraphs, and runs of `- [label](https://url)` lines become a link
// list. Everything else is escaped verbatim.
func AnswerHTML(answer string) template.HTML {
	var sb strings.Builder
	lines := strings.Split(strings.TrimSpace(answer), "\n")

	var para []string
	inList := false

	flushPara := func() {
		if len(para) == 0 {
			return
		}
		sb.WriteString("<p>")
		sb.WriteString(html.EscapeString(strings.Join(para, "\n")))
		sb.WriteString("</p>\n")
		para = para[:0]
	}
	closeList := func() {
		if inList {
			sb.WriteString("</ul>\n")
			inList = false
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flushPara()
			closeList()
			continue
		}
		if m := linkRe.FindStringSubmatch(trimmed); m != nil {
			flushPara()
			if !inList {
				sb.WriteString("<ul>\n")
				inList = true
			}
			fmt.Fprintf(&sb, "<li><a href=\"%s\" rel=\"nofollow noopener\" target=\"_blank\">%s</a></li>\n",
				html.EscapeString(m[2]), html.EscapeString(m[1]))
			continue
		}
		closeList()
		para = append(para, trimmed)
	}
	flushPara()
	closeList()

	return template.HTML(sb.String())
}

func backLabel(lang string) string {
	switch lang {
	case "zh":
		return "回到文章"
	case "ja":
		return "記事に戻る"
	default:
		return "Back to the article"
	}
}

func stamp(lang string, at time.Time) string {
	date := at.UTC().Format("2006-01-02")
	switch lang {
	case "zh":
		return "AI 生成於 " + date
	case "ja":
		return "AI 生成: " + date
	default:
		return "AI-generated on " + date
	}
}
