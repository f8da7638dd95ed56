package photobook

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

// Source resolves the page template from a photo-book viewer URL.
type Source struct {
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration
}

// Resolve returns the prepared template for sourceURL. A URL that already
// carries a page parameter is taken as the render URL itself; anything else
// is fetched as the viewer page and its image_src link is used.
func (s Source) Resolve(ctx context.Context, sourceURL string, width int) (Template, error) {
	if tpl, err := Prepare(sourceURL, width); err == nil {
		return tpl, nil
	}

	href, err := s.scrape(ctx, sourceURL)
	if err != nil {
		return Template{}, err
	}
	log.Info().Str("url", sourceURL).Str("image_src", href).Msg("found page image template")

	tpl, err := Prepare(href, width)
	if err != nil {
		return Template{}, fmt.Errorf("image_src %q: %w", href, err)
	}
	return tpl, nil
}

func (s Source) scrape(ctx context.Context, sourceURL string) (string, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build viewer request: %w", err)
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch viewer page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch viewer page: http %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse viewer page: %w", err)
	}

	href := imageSrc(doc)
	if href == "" {
		return "", fmt.Errorf("no image_src link on %s", sourceURL)
	}

	// The viewer may emit a path-relative link.
	base, err := url.Parse(sourceURL)
	if err != nil {
		return href, nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href, nil
	}
	if ref.IsAbs() {
		return href, nil
	}
	return base.ResolveReference(ref).String(), nil
}

func imageSrc(doc *goquery.Document) string {
	for _, sel := range []string{
		`div#ips_content_wrapper.myAccount link[rel="image_src"]`,
		`link[rel="image_src"]`,
	} {
		if v, ok := doc.Find(sel).First().Attr("href"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
