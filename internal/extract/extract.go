// Package extract turns fetched HTML into a title and clean article text.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Default limits. Lengths are counted in characters.
const (
	DefaultMinLength          = 100
	DefaultMaxLength          = 50000
	DefaultHardMaxLength      = 100000
	DefaultMaxInputSize       = 2000000
	DefaultTimeout            = 15 * time.Second
	DefaultCandidateMinLength = 200
)

// Config controls extraction.
type Config struct {
	MinLength          int
	MaxLength          int
	HardMaxLength      int
	MaxInputSize       int
	Timeout            time.Duration
	CandidateMinLength int
	// ContentSelectors are tried before DefaultContentSelectors.
	ContentSelectors []string
	// NoiseSelectors are removed in addition to DefaultNoiseSelectors.
	NoiseSelectors []string
}

// DefaultConfig returns the default extraction limits.
func DefaultConfig() Config {
	return Config{
		MinLength:          DefaultMinLength,
		MaxLength:          DefaultMaxLength,
		HardMaxLength:      DefaultHardMaxLength,
		MaxInputSize:       DefaultMaxInputSize,
		Timeout:            DefaultTimeout,
		CandidateMinLength: DefaultCandidateMinLength,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinLength <= 0 {
		c.MinLength = def.MinLength
	}
	if c.MaxLength <= 0 {
		c.MaxLength = def.MaxLength
	}
	if c.HardMaxLength <= 0 {
		c.HardMaxLength = def.HardMaxLength
	}
	if c.MaxInputSize <= 0 {
		c.MaxInputSize = def.MaxInputSize
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.CandidateMinLength <= 0 {
		c.CandidateMinLength = def.CandidateMinLength
	}
	return c
}

// Result is the outcome of a successful extraction.
type Result struct {
	Title string
	Text  string
	// Selector is the content selector that won, or "body" for the fallback.
	Selector string
	// TitleSource names where the title came from.
	TitleSource string
	Truncated   bool
}

// stripSelectors never carry article content.
var stripSelectors = []string{
	"script", "style", "noscript", "iframe", "svg", "template", "button",
	"nav", "header", "footer", "aside",
	"[role='navigation']", "[role='banner']", "[role='complementary']", "[role='contentinfo']",
	"[aria-hidden='true']",
}

// DefaultNoiseSelectors match common class and id names of page chrome.
var DefaultNoiseSelectors = []string{
	".nav", ".navbar", ".navigation", ".menu", ".breadcrumb", ".breadcrumbs",
	".sidebar", ".side-bar", "#sidebar",
	".ad", ".ads", ".advert", ".advertisement", ".ad-container", "[id^='google_ads']",
	".social", ".social-share", ".share", ".share-buttons", ".sharing", ".social-links",
	".cookie", ".cookie-banner", ".cookie-consent", "#cookie-banner", ".gdpr-notice",
	".newsletter", ".newsletter-signup", ".related", ".related-articles", ".popup", ".modal",
	".comments", "#comments",
}

// DefaultContentSelectors are tried in order after any configured selectors.
var DefaultContentSelectors = []string{
	"article",
	"[role='main']",
	"main",
	"[itemprop='articleBody']",
	".article-body",
	".article-content",
	".post-content",
	".entry-content",
	".story-body",
	".content",
	"#content",
}

// Extract parses raw HTML and returns its title and normalized main text.
// The work races cfg.Timeout and ctx; losing either yields a TIMEOUT error.
func Extract(ctx context.Context, rawHTML string, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()

	if n := utf8.RuneCountInString(rawHTML); n > cfg.MaxInputSize {
		return nil, &Error{
			Kind:    KindInputTooLarge,
			Message: fmt.Sprintf("input of %d characters exceeds %d", n, cfg.MaxInputSize),
		}
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := extract(rawHTML, cfg)
		done <- outcome{res, err}
	}()

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.res, out.err
	case <-timer.C:
		return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("extraction exceeded %s", cfg.Timeout)}
	case <-ctx.Done():
		return nil, &Error{Kind: KindTimeout, Message: "extraction cancelled", Cause: ctx.Err()}
	}
}

func extract(rawHTML string, cfg Config) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, &Error{Kind: KindParse, Message: "failed to parse HTML", Cause: err}
	}

	title, source := ExtractTitle(doc)
	if title == "" {
		return nil, &Error{Kind: KindNoTitle, Message: "no title found"}
	}

	removeNoise(doc, cfg.NoiseSelectors)

	selector, text := selectContent(doc, cfg)
	text = NormalizeText(text)
	if text == "" {
		return nil, &Error{Kind: KindNoText, Message: "no text content found"}
	}

	truncated := false
	if utf8.RuneCountInString(text) > cfg.HardMaxLength {
		text = truncateRunes(text, cfg.HardMaxLength)
		truncated = true
	}
	if utf8.RuneCountInString(text) > cfg.MaxLength {
		text = TruncateAtWord(text, cfg.MaxLength)
		truncated = true
	}

	if n := utf8.RuneCountInString(text); n < cfg.MinLength {
		return nil, &Error{
			Kind:    KindTooShort,
			Message: fmt.Sprintf("text has %d characters, minimum is %d", n, cfg.MinLength),
		}
	}

	return &Result{
		Title:       title,
		Text:        text,
		Selector:    selector,
		TitleSource: source,
		Truncated:   truncated,
	}, nil
}

// ExtractTitle applies the title precedence og:title, twitter:title, <title>, first <h1>.
func ExtractTitle(doc *goquery.Document) (title, source string) {
	candidates := []struct {
		source string
		value  func() string
	}{
		{"og:title", func() string { return metaContent(doc, "og:title") }},
		{"twitter:title", func() string { return metaContent(doc, "twitter:title") }},
		{"title", func() string { return doc.Find("title").First().Text() }},
		{"h1", func() string { return doc.Find("h1").First().Text() }},
	}
	for _, c := range candidates {
		if v := NormalizeInline(c.value()); v != "" {
			return v, c.source
		}
	}
	return "", ""
}

// metaContent reads a meta tag by property or name attribute.
func metaContent(doc *goquery.Document, key string) string {
	sel := fmt.Sprintf("meta[property='%s'], meta[name='%s']", key, key)
	var content string
	doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v, ok := s.Attr("content"); ok && strings.TrimSpace(v) != "" {
			content = v
			return false
		}
		return true
	})
	return content
}

func removeNoise(doc *goquery.Document, extra []string) {
	doc.Find(strings.Join(stripSelectors, ", ")).Remove()
	doc.Find(strings.Join(DefaultNoiseSelectors, ", ")).Remove()
	for _, sel := range extra {
		if strings.TrimSpace(sel) == "" {
			continue
		}
		doc.Find(sel).Remove()
	}
}

// selectContent returns the first candidate whose text is longer than
// cfg.CandidateMinLength, or the stripped body.
func selectContent(doc *goquery.Document, cfg Config) (string, string) {
	selectors := append(append([]string{}, cfg.ContentSelectors...), DefaultContentSelectors...)
	for _, sel := range selectors {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := blockText(s)
			if utf8.RuneCountInString(NormalizeText(text)) > cfg.CandidateMinLength {
				found = text
				return false
			}
			return true
		})
		if found != "" {
			return sel, found
		}
	}
	return "body", blockText(doc.Find("body"))
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true, atom.Main: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Ul: true, atom.Ol: true, atom.Blockquote: true, atom.Pre: true,
	atom.Table: true, atom.Tr: true, atom.Figure: true, atom.Figcaption: true,
	atom.Dl: true, atom.Dt: true, atom.Dd: true, atom.Hr: true,
}

// blockText collects the text of sel, breaking lines at block boundaries and <br>.
func blockText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if n.DataAtom == atom.Br {
				b.WriteByte('\n')
				return
			}
		case html.CommentNode:
			return
		}

		block := n.Type == html.ElementNode && blockElements[n.DataAtom]
		if block {
			b.WriteString("\n\n")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			b.WriteString("\n\n")
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return b.String()
}
