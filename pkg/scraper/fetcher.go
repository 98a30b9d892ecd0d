package scraper

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	maxBodySize = 10 << 20
)

// Request describes one page fetch. Script runs in the page before the DOM is captured
// and Wait is the settle time after navigation; fetchers without a JavaScript engine ignore both.
type Request struct {
	URL        string
	Script     string
	Wait       time.Duration
	ScriptWait time.Duration
}

// Fetcher returns the HTML of a page
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (string, error)
}

// HTTPFetcher fetches static HTML with a rate limited HTTP client
type HTTPFetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

type HTTPFetcherOption func(*HTTPFetcher)

func WithHTTPClient(client *http.Client) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// WithRateLimit limits requests per second with the given burst
func WithRateLimit(perSecond float64, burst int) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithUserAgent(ua string) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

func NewHTTPFetcher(opts ...HTTPFetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(1), 2),
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (string, error) {
	if req.Script != "" {
		logging.From(ctx).Debug("http fetcher cannot run page script, ignored", "url", req.URL)
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return "", goerr.Wrap(err, "rate limiter wait failed", goerr.V("url", req.URL), goerr.T(model.ErrTagScrape))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", goerr.Wrap(err, "failed to create request", goerr.V("url", req.URL), goerr.T(model.ErrTagScrape))
	}
	httpReq.Header.Set("User-Agent", f.userAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return "", goerr.Wrap(err, "failed to fetch page", goerr.V("url", req.URL), goerr.T(model.ErrTagScrape))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", goerr.New("unexpected status code", goerr.V("url", req.URL), goerr.V("status", resp.StatusCode), goerr.T(model.ErrTagScrape))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", goerr.Wrap(err, "failed to read page", goerr.V("url", req.URL), goerr.T(model.ErrTagScrape))
	}
	return string(body), nil
}

// BrowserFetcher renders pages in headless Chrome. A browser is started for every Fetch
// and shut down before it returns.
type BrowserFetcher struct {
	execPath  string
	userAgent string
	timeout   time.Duration
}

type BrowserFetcherOption func(*BrowserFetcher)

// WithExecPath sets the Chrome binary; empty uses the one found in PATH
func WithExecPath(path string) BrowserFetcherOption {
	return func(f *BrowserFetcher) {
		f.execPath = path
	}
}

// WithPageTimeout bounds a whole Fetch including browser start
func WithPageTimeout(d time.Duration) BrowserFetcherOption {
	return func(f *BrowserFetcher) {
		f.timeout = d
	}
}

func NewBrowserFetcher(opts ...BrowserFetcherOption) *BrowserFetcher {
	f := &BrowserFetcher{
		userAgent: DefaultUserAgent,
		timeout:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *BrowserFetcher) Fetch(ctx context.Context, req Request) (string, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(f.userAgent),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
	)
	if f.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(f.execPath))
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, f.timeout)
	defer cancelTimeout()
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	actions := []chromedp.Action{
		chromedp.Navigate(req.URL),
		chromedp.Sleep(req.Wait),
	}
	if req.Script != "" {
		var done bool
		actions = append(actions,
			chromedp.Evaluate(req.Script, &done),
			chromedp.Sleep(req.ScriptWait),
		)
	}

	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(browserCtx, actions...); err != nil {
		return "", goerr.Wrap(err, "failed to render page", goerr.V("url", req.URL), goerr.T(model.ErrTagScrape))
	}
	return html, nil
}
