package provider

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultSystemPrompt instructs the model to answer as a site editor.
const DefaultSystemPrompt = "You are the editor of this site answering reader questions. " +
	"Answer concisely and factually based on the provided article. " +
	"Do not invent facts that are not supported by the article or well-known public knowledge."

// LanguageHint returns the system-level instruction that pins the answer
// language. "auto" lets the model mirror the question's language.
func LanguageHint(lang string) string {
	switch lang {
	case "zh":
		return "請使用繁體中文回答。"
	case "ja":
		return "日本語で回答してください。"
	case "en":
		return "Answer in English."
	default:
		return "Answer in the same language as the question."
	}
}

// PromptInput carries everything that goes into the user prompt.
type PromptInput struct {
	Question  string
	Context   string // truncated article body, may be empty
	Permalink string // canonical URL of the source article
	Heading   string // citation heading, empty for the default
}

// BuildUserPrompt assembles the user-side prompt: the question, the
// article context, the citation rules, and a pointer back to the source
// article when its URL is publicly reachable.
func BuildUserPrompt(in PromptInput) string {
	heading := in.Heading
	if heading == "" {
		heading = DefaultCitationHeading
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n", strings.TrimSpace(in.Question))

	if in.Context != "" {
		sb.WriteString("\nArticle excerpt:\n")
		sb.WriteString(in.Context)
		sb.WriteString("\n")
	}

	if in.Permalink != "" && !isPrivateURL(in.Permalink) {
		fmt.Fprintf(&sb, "\nThe article is published at %s — you may mention it as the source.\n", in.Permalink)
	}

	fmt.Fprintf(&sb, "\nIf you cite external sources, end the answer with a heading line %q "+
		"followed by at most %d lines of the form \"- [site name](https://example.com/page)\". "+
		"Only cite pages you are confident exist. Do not use link shorteners.\n",
		heading, MaxCitations)

	return sb.String()
}

// isPrivateURL reports whether the URL points at a host that an outside
// model could not resolve, so it is useless as a citation target.
func isPrivateURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".test") || strings.HasSuffix(host, ".internal") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified()
	}
	return false
}
