package provider

import (
	"strings"
	"testing"
)

func TestSanitize_KeepsAtMostThreeAndDropsDenied(t *testing.T) {
	s := NewSanitizer("", nil)
	in := strings.Join([]string{
		"The answer body.",
		"",
		"參考資料",
		"- [Example](https://example.com/a)",
		"- [Shortener](https://bit.ly/xyz)",
		"- [Second](https://second.example/b)",
		"- [Third](https://third.example/c)",
		"- [Fourth](https://fourth.example/d)",
		"- [Fifth](https://fifth.example/e)",
	}, "\n")

	got := s.Sanitize(in)

	if strings.Contains(got, "bit.ly") {
		t.Error("denied domain survived")
	}
	if n := strings.Count(got, "- ["); n != MaxCitations {
		t.Errorf("kept %d citations, want %d", n, MaxCitations)
	}
	for _, want := range []string{"example.com/a", "second.example/b", "third.example/c"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing citation %q", want)
		}
	}
	if !strings.Contains(got, "The answer body.") {
		t.Error("body before heading was altered")
	}
}

func TestSanitize_NonMatchingLineEndsBlock(t *testing.T) {
	s := NewSanitizer("", nil)
	in := strings.Join([]string{
		"參考資料",
		"- [A](https://a.example/1)",
		"Trailing prose after the list.",
		"- [B](https://b.example/2)",
	}, "\n")

	got := s.Sanitize(in)

	if !strings.Contains(got, "Trailing prose after the list.") {
		t.Error("text after the block was dropped")
	}
	// The second list line sits after the block ended, so it passes through
	// unfiltered rather than being counted as a citation.
	if !strings.Contains(got, "b.example/2") {
		t.Error("text after the block was filtered")
	}
}

func TestSanitize_NoHeadingPassesThrough(t *testing.T) {
	s := NewSanitizer("", nil)
	in := "Plain answer with a link to https://bit.ly/xyz in prose."
	if got := s.Sanitize(in); got != in {
		t.Errorf("Sanitize altered text without a citation block:\n%q", got)
	}
}

func TestSanitize_SubdomainsOfDeniedDomainsAreDenied(t *testing.T) {
	s := NewSanitizer("", nil)
	in := strings.Join([]string{
		"參考資料",
		"- [Own blog](https://blog.moelog.com/post)",
		"- [OK](https://ok.example/x)",
	}, "\n")

	got := s.Sanitize(in)

	if strings.Contains(got, "moelog.com") {
		t.Error("subdomain of denied domain survived")
	}
	if !strings.Contains(got, "ok.example/x") {
		t.Error("allowed citation was dropped")
	}
}

func TestSanitize_CustomHeadingAndDecoratedHeadings(t *testing.T) {
	s := NewSanitizer("References", []string{"spam.example"})

	for _, heading := range []string{"References", "## References", "**References:**"} {
		in := heading + "\n- [Spam](https://spam.example/x)\n- [Fine](https://fine.example/y)"
		got := s.Sanitize(in)
		if strings.Contains(got, "spam.example") {
			t.Errorf("heading %q: denied domain survived", heading)
		}
		if !strings.Contains(got, "fine.example/y") {
			t.Errorf("heading %q: allowed citation dropped", heading)
		}
	}
}

func TestSanitize_RejectsNonHTTPSLinks(t *testing.T) {
	s := NewSanitizer("", nil)
	in := strings.Join([]string{
		"參考資料",
		"- [Insecure](http://plain.example/x)",
		"- [Fine](https://fine.example/y)",
	}, "\n")

	got := s.Sanitize(in)

	// The http:// line fails the grammar, which ends the block, so the
	// https line after it is passthrough text, not a kept citation.
	if !strings.Contains(got, "fine.example/y") {
		t.Error("text after block end was dropped")
	}
	lines := strings.Split(got, "\n")
	if lines[1] != "- [Insecure](http://plain.example/x)" {
		t.Errorf("block-ending line was altered: %q", lines[1])
	}
}
