package render

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRender_EscapesModelOutput(t *testing.T) {
	r := NewHTMLRenderer()

	out, err := r.Render(context.Background(), Page{
		Title:    "Domains",
		Question: "Why .io?",
		Answer:   "Because <script>alert(1)</script> & other reasons.",
		Lang:     "en",
	})
	if err != nil {
		t.Fatal(err)
	}
	page := string(out)

	if strings.Contains(page, "<script>alert(1)</script>") {
		t.Error("model output was not escaped")
	}
	if !strings.Contains(page, "&lt;script&gt;") {
		t.Error("escaped form missing")
	}
	if !strings.Contains(page, `lang="en"`) {
		t.Error("lang attribute missing")
	}
}

func TestRender_CitationListBecomesLinks(t *testing.T) {
	r := NewHTMLRenderer()

	answer := strings.Join([]string{
		"First paragraph.",
		"",
		"參考資料",
		"- [Example](https://example.com/a)",
		"- [Second](https://second.example/b)",
	}, "\n")

	out, err := r.Render(context.Background(), Page{Question: "q", Answer: answer, Lang: "zh"})
	if err != nil {
		t.Fatal(err)
	}
	page := string(out)

	if !strings.Contains(page, `<a href="https://example.com/a"`) {
		t.Error("citation link missing")
	}
	if !strings.Contains(page, "<ul>") || !strings.Contains(page, "</ul>") {
		t.Error("citation list markup missing")
	}
	if !strings.Contains(page, "<p>First paragraph.</p>") {
		t.Error("paragraph markup missing")
	}
}

func TestRender_BackLinkAndStamp(t *testing.T) {
	r := NewHTMLRenderer()
	at := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)

	out, err := r.Render(context.Background(), Page{
		Question:    "q",
		Answer:      "a",
		Lang:        "ja",
		Permalink:   "https://moelog.com/post/",
		GeneratedAt: at,
	})
	if err != nil {
		t.Fatal(err)
	}
	page := string(out)

	if !strings.Contains(page, `href="https://moelog.com/post/"`) {
		t.Error("back-link missing")
	}
	if !strings.Contains(page, "記事に戻る") {
		t.Error("localized back label missing")
	}
	if !strings.Contains(page, "2026-02-03") {
		t.Error("generation date missing")
	}
}

func TestAnswerHTML_AttributeInjectionBlocked(t *testing.T) {
	got := string(AnswerHTML(`- [x](https://e.example/a"onmouseover="alert(1))`))
	if strings.Contains(got, `"onmouseover=`) {
		t.Errorf("quote survived into attribute: %s", got)
	}
}
