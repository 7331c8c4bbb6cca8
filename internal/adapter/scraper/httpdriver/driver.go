// Package httpdriver implements the scrape driver over plain HTTP. It fetches
// a page, verifies the payload is HTML, and extracts title, description,
// links and a text rendering of the body.
package httpdriver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
	"github.com/fairyhunter13/compintel-pipeline/pkg/textx"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "compintel-pipeline/1.0 (+https://github.com/fairyhunter13/compintel-pipeline)"
	defaultMaxBody   = 5 << 20
	maxLinks         = 100
)

// Driver is a domain.ScrapeDriver backed by net/http.
type Driver struct {
	Client       *http.Client
	Logger       *slog.Logger
	MaxBodyBytes int64

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// New constructs a Driver with a shared traced client. Per-request timeouts
// come from the scrape options, so the client itself carries none.
func New() *Driver {
	return &Driver{
		Client:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		MaxBodyBytes: defaultMaxBody,
	}
}

// TakeSnapshot fetches the URL once. Retrying is the caller's concern.
func (d *Driver) TakeSnapshot(ctx domain.Context, rawURL string, opts domain.ScrapeOptions) (domain.WebsiteSnapshot, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if opts.WaitForSelector != "" {
		d.logger().DebugContext(ctx, "selector waits unsupported by http driver",
			slog.String("selector", opts.WaitForSelector))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.WebsiteSnapshot{}, fmt.Errorf("%w: build request: %v", domain.ErrScrapeFailed, err)
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	start := d.now()
	resp, err := d.client().Do(req)
	if err != nil {
		return domain.WebsiteSnapshot{}, fmt.Errorf("%w: fetch %s: %v", domain.ErrScrapeFailed, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return domain.WebsiteSnapshot{}, fmt.Errorf("%w: %s returned status %d", domain.ErrScrapeFailed, rawURL, resp.StatusCode)
	}

	maxBody := d.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return domain.WebsiteSnapshot{}, fmt.Errorf("%w: read body of %s: %v", domain.ErrScrapeFailed, rawURL, err)
	}

	if mt := mimetype.Detect(body); !mt.Is("text/html") && !strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return domain.WebsiteSnapshot{}, fmt.Errorf("%w: %s served %s, not HTML", domain.ErrContentInvalid, rawURL, mt.String())
	}

	html := string(body)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return domain.WebsiteSnapshot{}, fmt.Errorf("%w: parse %s: %v", domain.ErrContentInvalid, rawURL, err)
	}

	text, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		d.logger().WarnContext(ctx, "text extraction failed, falling back to node text",
			slog.String("url", rawURL), slog.Any("error", err))
		text = strings.TrimSpace(doc.Find("body").Text())
	}
	text = textx.SanitizeText(text)

	snap := domain.WebsiteSnapshot{
		URL:           rawURL,
		Title:         strings.TrimSpace(doc.Find("title").First().Text()),
		Description:   metaDescription(doc),
		HTML:          html,
		Text:          text,
		Timestamp:     d.now(),
		StatusCode:    resp.StatusCode,
		Headers:       flattenHeaders(resp.Header),
		ContentLength: len(body),
		Links:         extractLinks(doc, resp.Request.URL),
		Metadata: map[string]string{
			"method":      "http",
			"duration_ms": fmt.Sprintf("%d", d.now().Sub(start).Milliseconds()),
		},
	}
	return snap, nil
}

func metaDescription(doc *goquery.Document) string {
	if v, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	if v, ok := doc.Find(`meta[property="og:description"]`).First().Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// extractLinks resolves hrefs against the final request URL, skipping
// fragments and non-http schemes. Bounded to keep snapshots small.
func extractLinks(doc *goquery.Document, base *url.URL) []string {
	var links []string
	seen := make(map[string]struct{})
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		abs := ref
		if base != nil {
			abs = base.ResolveReference(ref)
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		abs.Fragment = ""
		s := abs.String()
		if _, dup := seen[s]; dup {
			return true
		}
		seen[s] = struct{}{}
		links = append(links, s)
		return len(links) < maxLinks
	})
	return links
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func (d *Driver) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
