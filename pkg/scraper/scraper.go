package scraper

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/m-mizutani/cricai/pkg/cache"
	"github.com/m-mizutani/cricai/pkg/chunker"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// Scraper extracts match data from the IPL website. Match lists and commentary fall back
// to the last good snapshot in the cache when the site cannot be scraped.
type Scraper struct {
	fetcher Fetcher
	profile *Profile
	cache   cache.Cache
	chunker *chunker.Chunker
}

type Option func(*Scraper)

func WithProfile(profile *Profile) Option {
	return func(s *Scraper) {
		s.profile = profile
	}
}

// WithCache enables snapshots and fallback
func WithCache(c cache.Cache) Option {
	return func(s *Scraper) {
		s.cache = c
	}
}

func WithChunker(c *chunker.Chunker) Option {
	return func(s *Scraper) {
		s.chunker = c
	}
}

func New(fetcher Fetcher, opts ...Option) *Scraper {
	s := &Scraper{
		fetcher: fetcher,
		profile: DefaultProfile(),
		chunker: chunker.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scraper) fetchDocument(ctx context.Context, req Request) (*goquery.Document, error) {
	html, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse page", goerr.V("url", req.URL), goerr.T(model.ErrTagScrape))
	}
	return doc, nil
}

// ListMatches returns links to the most recent matches. When scraping fails or finds nothing,
// the cached list is returned; with no cache either, the list is empty.
func (s *Scraper) ListMatches(ctx context.Context) ([]*model.Match, error) {
	logger := logging.From(ctx)

	links, err := s.scrapeMatchLinks(ctx)
	if err == nil && len(links) > 0 {
		s.putSnapshot(ctx, cache.MatchesKey(), links)
		return toMatches(ctx, links), nil
	}
	if err != nil {
		logger.Warn("failed to scrape match links", logging.ErrAttr(err))
	} else {
		logger.Warn("no match link found", "url", s.profile.ResultsURL)
	}

	var cached []string
	if !s.getSnapshot(ctx, cache.MatchesKey(), &cached) {
		logger.Warn("no cached match list, returning empty list")
		return []*model.Match{}, nil
	}
	logger.Info("using cached match list", "count", len(cached))
	return toMatches(ctx, cached), nil
}

func toMatches(ctx context.Context, links []string) []*model.Match {
	matches := make([]*model.Match, 0, len(links))
	for _, link := range links {
		m, err := model.NewMatch(link)
		if err != nil {
			logging.From(ctx).Warn("skip invalid match link", "link", link, logging.ErrAttr(err))
			continue
		}
		matches = append(matches, m)
	}
	return matches
}

func (s *Scraper) scrapeMatchLinks(ctx context.Context) ([]string, error) {
	doc, err := s.fetchDocument(ctx, Request{URL: s.profile.ResultsURL, Wait: s.profile.PageWait})
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(s.profile.ResultsURL)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid results URL", goerr.V("url", s.profile.ResultsURL), goerr.T(model.ErrTagInvalidInput))
	}

	for _, rule := range s.profile.MatchLinks {
		links := extractLinks(doc, rule, base, s.profile.MaxMatches)
		if len(links) > 0 {
			return links, nil
		}
	}
	return nil, nil
}

func extractLinks(doc *goquery.Document, rule LinkRule, base *url.URL, limit int) []string {
	var links []string
	seen := map[string]bool{}

	add := func(a *goquery.Selection) bool {
		href, ok := a.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" || (rule.Contains != "" && !strings.Contains(href, rule.Contains)) {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		link := abs.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
		return len(links) < limit
	}

	doc.Find(rule.Selector).EachWithBreak(func(i int, sel *goquery.Selection) bool {
		if i < rule.Skip {
			return true
		}

		anchors := sel.Find("a")
		if goquery.NodeName(sel) == "a" {
			anchors = sel
		}
		if rule.Anchor != nil {
			if *rule.Anchor >= anchors.Length() {
				return true
			}
			return add(anchors.Eq(*rule.Anchor))
		}

		next := true
		anchors.EachWithBreak(func(_ int, a *goquery.Selection) bool {
			next = add(a)
			return next
		})
		return next
	})

	return links
}

// MatchStatus reports whether the match is live. A page that cannot be fetched is unknown.
func (s *Scraper) MatchStatus(ctx context.Context, matchURL string) model.MatchStatus {
	doc, err := s.fetchDocument(ctx, Request{URL: matchURL, Wait: s.profile.PageWait})
	if err != nil {
		logging.From(ctx).Warn("failed to check match status", "url", matchURL, logging.ErrAttr(err))
		return model.MatchStatusUnknown
	}
	return s.statusOf(doc)
}

func (s *Scraper) statusOf(doc *goquery.Document) model.MatchStatus {
	for _, ind := range s.profile.LiveIndicators {
		found := false
		doc.Find(ind.Selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if ind.Text == "" || strings.TrimSpace(sel.Text()) == ind.Text {
				found = true
				return false
			}
			return true
		})
		if found {
			return model.MatchStatusLive
		}
	}
	return model.MatchStatusCompleted
}

// Commentary returns ball-by-ball lines "Over- <over> Runs- <text>" of an innings, newest first
// as the site lists them. Failures and empty pages fall back to the cached snapshot of the same
// match and innings; with nothing cached the result is empty.
func (s *Scraper) Commentary(ctx context.Context, matchURL string, innings model.Innings) ([]string, error) {
	if err := innings.Validate(); err != nil {
		return nil, err
	}
	id, err := model.MatchIDFromURL(matchURL)
	if err != nil {
		return nil, err
	}
	logger := logging.From(ctx).With("match_id", id, "innings", int(innings))
	key := cache.CommentaryKey(id, innings)

	lines, err := s.scrapeCommentary(ctx, matchURL, innings)
	if err == nil && len(lines) > 0 {
		s.putSnapshot(ctx, key, lines)
		return lines, nil
	}
	if err != nil {
		logger.Warn("failed to scrape commentary", logging.ErrAttr(err))
	} else {
		logger.Info("no commentary on page")
	}

	var cached []string
	if s.getSnapshot(ctx, key, &cached) {
		logger.Info("using cached commentary", "count", len(cached))
		return cached, nil
	}
	return []string{}, nil
}

func (s *Scraper) scrapeCommentary(ctx context.Context, matchURL string, innings model.Innings) ([]string, error) {
	script, err := s.profile.InningsScript(innings)
	if err != nil {
		return nil, err
	}

	doc, err := s.fetchDocument(ctx, Request{
		URL:        matchURL,
		Script:     strings.TrimSpace(script),
		Wait:       s.profile.PageWait,
		ScriptWait: s.profile.ScriptWait,
	})
	if err != nil {
		return nil, err
	}

	return extractCommentary(doc, s.profile.Commentary), nil
}

func extractCommentary(doc *goquery.Document, rule CommentaryRule) []string {
	var texts, overs []string
	doc.Find(rule.TextSelector).Each(func(_ int, sel *goquery.Selection) {
		texts = append(texts, strings.TrimSpace(sel.Text()))
	})
	doc.Find(rule.OverSelector).Each(func(_ int, sel *goquery.Selection) {
		if over := strings.TrimSpace(sel.Text()); over != "" {
			overs = append(overs, over)
		}
	})

	n := min(len(texts), len(overs))
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, "Over- "+overs[i]+" Runs- "+texts[i])
	}
	return lines
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// PageText returns the visible text of the page with whitespace collapsed
func (s *Scraper) PageText(ctx context.Context, matchURL string) (string, error) {
	doc, err := s.fetchDocument(ctx, Request{URL: matchURL, Wait: s.profile.PageWait})
	if err != nil {
		return "", err
	}

	for _, sel := range s.profile.StripSelectors {
		doc.Find(sel).Remove()
	}
	text := whitespacePattern.ReplaceAllString(doc.Text(), " ")
	return strings.TrimSpace(text), nil
}

// LoadData scrapes the match page and splits its text into passages. There is no cache
// fallback; the caller decides what to do with a failure.
func (s *Scraper) LoadData(ctx context.Context, matchURL string) ([]*model.Passage, error) {
	text, err := s.PageText(ctx, matchURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load match page", goerr.V("url", matchURL), goerr.T(model.ErrTagScrape))
	}
	if text == "" {
		return nil, goerr.New("match page has no text", goerr.V("url", matchURL), goerr.T(model.ErrTagScrape))
	}

	passages := s.chunker.Passages(text)
	logging.From(ctx).Debug("match page loaded", "url", matchURL, "chars", len(text), "passages", len(passages))
	return passages, nil
}

func (s *Scraper) putSnapshot(ctx context.Context, key string, value any) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, key, value); err != nil {
		logging.From(ctx).Warn("failed to save snapshot", "key", key, logging.ErrAttr(err))
	}
}

func (s *Scraper) getSnapshot(ctx context.Context, key string, out any) bool {
	if s.cache == nil {
		return false
	}
	if err := s.cache.Get(ctx, key, out); err != nil {
		if !goerr.HasTag(err, model.ErrTagNotFound) {
			logging.From(ctx).Warn("failed to load snapshot", "key", key, logging.ErrAttr(err))
		}
		return false
	}
	return true
}
