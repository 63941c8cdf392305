package extract

import (
	"net/url"
	"strings"
)

// Publisher represents a news site with a known page layout.
type Publisher string

const (
	PublisherBBC      Publisher = "bbc"
	PublisherGuardian Publisher = "guardian"
	PublisherReuters  Publisher = "reuters"
	PublisherAP       Publisher = "apnews"
	PublisherNYTimes  Publisher = "nytimes"
	PublisherMedium   Publisher = "medium"
	PublisherSubstack Publisher = "substack"
	PublisherUnknown  Publisher = "unknown"
)

var publisherHosts = []struct {
	suffix    string
	publisher Publisher
}{
	{"bbc.co.uk", PublisherBBC},
	{"bbc.com", PublisherBBC},
	{"theguardian.com", PublisherGuardian},
	{"reuters.com", PublisherReuters},
	{"apnews.com", PublisherAP},
	{"nytimes.com", PublisherNYTimes},
	{"medium.com", PublisherMedium},
	{"substack.com", PublisherSubstack},
}

// DetectPublisher identifies the publisher from a URL.
func DetectPublisher(rawURL string) Publisher {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return PublisherUnknown
	}

	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	for _, h := range publisherHosts {
		if host == h.suffix || strings.HasSuffix(host, "."+h.suffix) {
			return h.publisher
		}
	}
	return PublisherUnknown
}

// PublisherContentSelectors returns content selectors tried before the generic ones.
func PublisherContentSelectors(p Publisher) []string {
	switch p {
	case PublisherBBC:
		return []string{
			"[data-component='text-block']",
			"#main-content article",
			".story-body__inner",
		}
	case PublisherGuardian:
		return []string{
			"[data-gu-name='body']",
			".article-body-commercial-selector",
			".content__article-body",
		}
	case PublisherReuters:
		return []string{
			"[data-testid='ArticleBody']",
			".article-body__content__17Yit",
		}
	case PublisherAP:
		return []string{
			".RichTextStoryBody",
			"[data-key='article']",
		}
	case PublisherNYTimes:
		return []string{
			"section[name='articleBody']",
			".StoryBodyCompanionColumn",
		}
	case PublisherMedium:
		return []string{"article section"}
	case PublisherSubstack:
		return []string{".available-content", ".body.markup"}
	default:
		return nil
	}
}

// PublisherNoiseSelectors returns site-specific chrome removed before selection.
func PublisherNoiseSelectors(p Publisher) []string {
	switch p {
	case PublisherBBC:
		return []string{"[data-component='links-block']", "[data-component='topic-list']"}
	case PublisherGuardian:
		return []string{"[data-component='rich-link']", "#sign-in-gate", ".submeta"}
	case PublisherReuters:
		return []string{"[data-testid='Toolbar']", "[class*='article-body__row'] aside"}
	case PublisherNYTimes:
		return []string{"#gateway-content", "[data-testid='inline-message']"}
	case PublisherSubstack:
		return []string{".subscription-widget-wrap", ".post-footer"}
	default:
		return nil
	}
}

// ForURL returns cfg with the publisher profile for rawURL prepended to its
// selector lists.
func ForURL(cfg Config, rawURL string) Config {
	p := DetectPublisher(rawURL)
	if p == PublisherUnknown {
		return cfg
	}
	cfg.ContentSelectors = append(PublisherContentSelectors(p), cfg.ContentSelectors...)
	cfg.NoiseSelectors = append(PublisherNoiseSelectors(p), cfg.NoiseSelectors...)
	return cfg
}
