package match

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/policy"
	"github.com/m-mizutani/cricai/pkg/session"
	"github.com/m-mizutani/cricai/pkg/usecase/rag"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// Scraper is the source of match data
type Scraper interface {
	ListMatches(ctx context.Context) ([]*model.Match, error)
	MatchStatus(ctx context.Context, matchURL string) model.MatchStatus
	Commentary(ctx context.Context, matchURL string, innings model.Innings) ([]string, error)
	LoadData(ctx context.Context, matchURL string) ([]*model.Passage, error)
}

// Index stores passages per collection and retrieves them for questions
type Index interface {
	rag.Retriever
	Refresh(ctx context.Context, collection string, passages []*model.Passage) error
}

// IntervalPolicy decides poller sleep durations
type IntervalPolicy interface {
	Interval(ctx context.Context, input policy.Input) (time.Duration, error)
}

const fallbackInterval = 60 * time.Second

// Selection is the match the tracker follows
type Selection struct {
	Match      model.Match   `json:"match"`
	Innings    model.Innings `json:"innings"`
	SelectedAt time.Time     `json:"selected_at"`
}

// Commentary is the latest commentary of the selected match and innings
type Commentary struct {
	MatchID   model.MatchID `json:"match_id"`
	Innings   model.Innings `json:"innings"`
	Lines     []string      `json:"lines"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Tracker holds the selected match, its latest commentary and the background pollers
// keeping commentary and the vector index fresh. It is safe for concurrent use.
type Tracker struct {
	scraper   Scraper
	index     Index
	generator rag.Generator
	sessions  *session.Manager
	policy    IntervalPolicy
	topK      int

	mu         sync.RWMutex
	selection  *Selection
	commentary *Commentary
	indexedAt  map[model.MatchID]time.Time

	pollersMu sync.Mutex
	pollers   map[policy.Task]*poller
}

type Option func(*Tracker)

func WithSessions(sessions *session.Manager) Option {
	return func(t *Tracker) {
		t.sessions = sessions
	}
}

func WithPolicy(p IntervalPolicy) Option {
	return func(t *Tracker) {
		t.policy = p
	}
}

// WithTopK sets how many passages are retrieved per question
func WithTopK(k int) Option {
	return func(t *Tracker) {
		t.topK = k
	}
}

func New(scraper Scraper, index Index, generator rag.Generator, opts ...Option) *Tracker {
	t := &Tracker{
		scraper:   scraper,
		index:     index,
		generator: generator,
		sessions:  session.New(),
		indexedAt: make(map[model.MatchID]time.Time),
		pollers:   make(map[policy.Task]*poller),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Sessions returns the session manager answering questions
func (t *Tracker) Sessions() *session.Manager {
	return t.sessions
}

// ListMatches returns recent match links
func (t *Tracker) ListMatches(ctx context.Context) ([]*model.Match, error) {
	return t.scraper.ListMatches(ctx)
}

// Select makes a match the active one and detects its status. Commentary of a
// previously selected match or innings is discarded.
func (t *Tracker) Select(ctx context.Context, matchURL string, innings model.Innings) (*Selection, error) {
	if innings == 0 {
		innings = 1
	}
	if err := innings.Validate(); err != nil {
		return nil, err
	}
	m, err := model.NewMatch(matchURL)
	if err != nil {
		return nil, err
	}
	m.Status = t.scraper.MatchStatus(ctx, m.URL)

	sel := &Selection{Match: *m, Innings: innings, SelectedAt: time.Now()}

	t.mu.Lock()
	if t.commentary != nil && (t.commentary.MatchID != m.ID || t.commentary.Innings != innings) {
		t.commentary = nil
	}
	t.selection = sel
	t.mu.Unlock()

	logging.From(ctx).Info("match selected", "match_id", m.ID, "status", m.Status, "innings", int(innings))
	copied := *sel
	return &copied, nil
}

// Selection returns a copy of the current selection
func (t *Tracker) Selection() (*Selection, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.selection == nil {
		return nil, goerr.New("no match selected", goerr.T(model.ErrTagNoSelection))
	}
	copied := *t.selection
	return &copied, nil
}

func (t *Tracker) setStatus(id model.MatchID, status model.MatchStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.selection != nil && t.selection.Match.ID == id {
		t.selection.Match.Status = status
	}
}

// Commentary returns the latest stored commentary of the selected match
func (t *Tracker) Commentary() (*Commentary, error) {
	sel, err := t.Selection()
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.commentary == nil {
		return &Commentary{MatchID: sel.Match.ID, Innings: sel.Innings, Lines: []string{}}, nil
	}
	copied := *t.commentary
	copied.Lines = append([]string{}, t.commentary.Lines...)
	return &copied, nil
}

// MatchCommentary scrapes commentary of any match without touching the selection
func (t *Tracker) MatchCommentary(ctx context.Context, matchURL string, innings model.Innings) ([]string, error) {
	if innings == 0 {
		innings = 1
	}
	if err := innings.Validate(); err != nil {
		return nil, err
	}
	m, err := model.NewMatch(matchURL)
	if err != nil {
		return nil, err
	}
	return t.scraper.Commentary(ctx, m.URL, innings)
}

// RefreshCommentary scrapes commentary of the selected match and innings and
// re-checks the match status
func (t *Tracker) RefreshCommentary(ctx context.Context) (*Commentary, error) {
	sel, err := t.Selection()
	if err != nil {
		return nil, err
	}

	lines, err := t.scraper.Commentary(ctx, sel.Match.URL, sel.Innings)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get commentary", goerr.V("match_id", sel.Match.ID))
	}
	status := t.scraper.MatchStatus(ctx, sel.Match.URL)

	c := &Commentary{MatchID: sel.Match.ID, Innings: sel.Innings, Lines: lines, UpdatedAt: time.Now()}

	t.mu.Lock()
	// the selection may have changed while scraping
	if t.selection != nil && t.selection.Match.ID == sel.Match.ID && t.selection.Innings == sel.Innings {
		t.commentary = c
		if status != model.MatchStatusUnknown {
			t.selection.Match.Status = status
		}
	}
	t.mu.Unlock()

	logging.From(ctx).Debug("commentary refreshed", "match_id", sel.Match.ID, "lines", len(lines), "status", status)
	return c, nil
}

// RefreshIndex rebuilds the collection of the selected match from its page and returns
// the number of passages indexed
func (t *Tracker) RefreshIndex(ctx context.Context) (int, error) {
	sel, err := t.Selection()
	if err != nil {
		return 0, err
	}
	return t.IndexMatch(ctx, &sel.Match)
}

// IndexMatch rebuilds the collection of any match
func (t *Tracker) IndexMatch(ctx context.Context, m *model.Match) (int, error) {
	passages, err := t.scraper.LoadData(ctx, m.URL)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to load match data", goerr.V("match_id", m.ID))
	}

	if err := t.index.Refresh(ctx, m.ID.CollectionName(), passages); err != nil {
		return 0, goerr.Wrap(err, "failed to refresh index", goerr.V("match_id", m.ID))
	}

	t.mu.Lock()
	t.indexedAt[m.ID] = time.Now()
	t.mu.Unlock()
	return len(passages), nil
}

// IndexedAt returns when the collection of the match was last rebuilt by this tracker
func (t *Tracker) IndexedAt(id model.MatchID) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.indexedAt[id]
	return at, ok
}
