package monitor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"linkwatch/pkg/logx"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultMaxBodyBytes = 4 << 20
	defaultUserAgent    = "Mozilla/5.0 (compatible; linkwatch/1.0)"
)

// Extractor derives a page fingerprint. It returns a non-empty fingerprint or an error,
// typically a *FetchError; callers treat any error as "unknown, unchanged".
type Extractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

type ExtractorConfig struct {
	Timeout      time.Duration // per request
	UserAgent    string
	MaxBodyBytes int64
}

// HTTPExtractor fetches a page with a single GET and returns the href of its first anchor.
// It holds no mutable state and is safe for concurrent use.
type HTTPExtractor struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	log       logx.Logger
}

func NewHTTPExtractor(cfg ExtractorConfig, log logx.Logger) *HTTPExtractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPExtractor{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
		log:       log,
	}
}

func (x *HTTPExtractor) Extract(ctx context.Context, url string) (string, error) {
	fp, err := x.extract(ctx, url)
	if err != nil {
		x.log.Debug("fingerprint extraction failed", logx.String("url", url), logx.Err(err))
		return "", err
	}
	return fp, nil
}

func (x *HTTPExtractor) extract(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", &FetchError{URL: url, Kind: FetchNetwork, Err: err}
	}
	req.Header.Set("User-Agent", x.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := x.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: url, Kind: FetchNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", &FetchError{URL: url, Kind: FetchStatus, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, x.maxBody))
	if err != nil {
		return "", &FetchError{URL: url, Kind: FetchNetwork, Err: err}
	}
	return FirstLink(url, body)
}

// FirstLink returns the href of the first anchor in document order. An anchor
// without an href (or with an empty one) yields a FetchNoAnchor error even when
// later anchors have one.
func FirstLink(url string, body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", &FetchError{URL: url, Kind: FetchParse, Err: err}
	}
	href, ok := doc.Find("a").First().Attr("href")
	if !ok || href == "" {
		return "", &FetchError{URL: url, Kind: FetchNoAnchor}
	}
	// The state file is JSON, which cannot carry invalid UTF-8; store the
	// same form we compare against so a reload does not look like a change.
	return strings.ToValidUTF8(href, "\uFFFD"), nil
}
