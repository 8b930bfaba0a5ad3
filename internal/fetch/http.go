package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"scrapeq/internal/config"
	"scrapeq/internal/domain"
	"scrapeq/internal/ports"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	_ ports.Fetcher        = (*HTTPFetcher)(nil)
	_ ports.Resetter       = (*HTTPFetcher)(nil)
	_ ports.FetcherFactory = (*HTTPFactory)(nil)
)

// HTTPFactory builds one HTTPFetcher per worker. Each fetcher owns its own
// transport so connection state is never shared between workers.
type HTTPFactory struct {
	cfg   config.Fetch
	proxy *url.URL
}

func NewHTTPFactory(cfg config.Fetch) (*HTTPFactory, error) {
	f := &HTTPFactory{cfg: cfg}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("invalid proxy scheme %q", u.Scheme)
		}
		f.proxy = u
	}
	if f.cfg.TitleSelector == "" {
		f.cfg.TitleSelector = "h1"
	}
	if f.cfg.BodySelector == "" {
		f.cfg.BodySelector = "body"
	}
	if f.cfg.MaxBodyBytes <= 0 {
		f.cfg.MaxBodyBytes = 4 << 20
	}
	return f, nil
}

func (f *HTTPFactory) New(workerID int) (ports.Fetcher, error) {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if f.proxy != nil {
		tr.Proxy = http.ProxyURL(f.proxy)
	}
	return &HTTPFetcher{
		cfg:       f.cfg,
		transport: tr,
		client:    &http.Client{Transport: tr, Timeout: f.cfg.Timeout},
		userAgent: userAgentFor(f.cfg.UserAgents, workerID),
	}, nil
}

type HTTPFetcher struct {
	cfg       config.Fetch
	transport *http.Transport
	client    *http.Client
	userAgent string
}

// Fetch follows redirects and extracts title and body text. Non-2xx
// responses are returned as pages, not errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (domain.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.Page{}, err
	}
	defer resp.Body.Close()

	page := domain.Page{
		Status:     resp.StatusCode,
		RequestURL: rawURL,
		FinalURL:   resp.Request.URL.String(),
	}
	if !isHTML(resp.Header.Get("Content-Type")) {
		return page, nil
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		if resp.StatusCode >= 300 {
			return page, nil
		}
		return page, fmt.Errorf("parse html: %w", err)
	}
	page.Title, page.Body = extractText(doc, f.cfg.TitleSelector, f.cfg.BodySelector)
	return page, nil
}

// Reset drops pooled connections after a timed out request.
func (f *HTTPFetcher) Reset() { f.transport.CloseIdleConnections() }

func (f *HTTPFetcher) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}

func extractText(doc *goquery.Document, titleSel, bodySel string) (title, body string) {
	title = normalizeSpace(doc.Find(titleSel).First().Text())
	if title == "" {
		title = normalizeSpace(doc.Find("title").First().Text())
	}
	sel := doc.Find(bodySel).First()
	sel.Find("script, style, noscript").Remove()
	return title, normalizeSpace(sel.Text())
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml+xml")
}
