package match_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/cricai/pkg/index"
	"github.com/m-mizutani/cricai/pkg/index/memory"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/policy"
	"github.com/m-mizutani/cricai/pkg/usecase/match"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

const matchURL = "https://www.iplt20.com/match/2025/1798"

type mockScraper struct {
	listMatchesFn func(ctx context.Context) ([]*model.Match, error)
	statusFn      func(ctx context.Context, matchURL string) model.MatchStatus
	commentaryFn  func(ctx context.Context, matchURL string, innings model.Innings) ([]string, error)
	loadDataFn    func(ctx context.Context, matchURL string) ([]*model.Passage, error)
}

func (m *mockScraper) ListMatches(ctx context.Context) ([]*model.Match, error) {
	return m.listMatchesFn(ctx)
}

func (m *mockScraper) MatchStatus(ctx context.Context, matchURL string) model.MatchStatus {
	if m.statusFn == nil {
		return model.MatchStatusLive
	}
	return m.statusFn(ctx, matchURL)
}

func (m *mockScraper) Commentary(ctx context.Context, matchURL string, innings model.Innings) ([]string, error) {
	return m.commentaryFn(ctx, matchURL, innings)
}

func (m *mockScraper) LoadData(ctx context.Context, matchURL string) ([]*model.Passage, error) {
	return m.loadDataFn(ctx, matchURL)
}

type mockGenerator struct {
	generateFn func(ctx context.Context, prompt string) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return m.generateFn(ctx, prompt)
}

type mockPolicy struct {
	intervalFn func(ctx context.Context, input policy.Input) (time.Duration, error)
}

func (m *mockPolicy) Interval(ctx context.Context, input policy.Input) (time.Duration, error) {
	return m.intervalFn(ctx, input)
}

func newIndex() *index.Index {
	return index.New(memory.New(), index.NewLexicalEmbedder(index.DefaultLexicalDims))
}

func TestSelect(t *testing.T) {
	ctx := context.Background()
	tracker := match.New(&mockScraper{}, newIndex(), &mockGenerator{})

	_, err := tracker.Selection()
	gt.True(t, goerr.HasTag(err, model.ErrTagNoSelection))

	sel, err := tracker.Select(ctx, matchURL, 0)
	gt.NoError(t, err)
	gt.Equal(t, sel.Match.ID, model.MatchID("1798"))
	gt.Equal(t, sel.Match.Status, model.MatchStatusLive)
	gt.Equal(t, sel.Innings, model.Innings(1))

	got, err := tracker.Selection()
	gt.NoError(t, err)
	gt.Equal(t, got.Match.URL, matchURL)

	t.Run("invalid innings", func(t *testing.T) {
		_, err := tracker.Select(ctx, matchURL, 3)
		gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := tracker.Select(ctx, "https://www.iplt20.com/", 1)
		gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))
	})
}

func TestRefreshCommentary(t *testing.T) {
	ctx := context.Background()
	status := model.MatchStatusLive
	scraper := &mockScraper{
		statusFn: func(ctx context.Context, matchURL string) model.MatchStatus {
			return status
		},
		commentaryFn: func(ctx context.Context, url string, innings model.Innings) ([]string, error) {
			gt.Equal(t, url, matchURL)
			if innings == 2 {
				return []string{"Over- 1.1 Runs- 4"}, nil
			}
			return []string{"Over- 19.6 Runs- 6", "Over- 19.5 Runs- 1"}, nil
		},
	}
	tracker := match.New(scraper, newIndex(), &mockGenerator{})

	_, err := tracker.RefreshCommentary(ctx)
	gt.True(t, goerr.HasTag(err, model.ErrTagNoSelection))

	_, err = tracker.Select(ctx, matchURL, 1)
	gt.NoError(t, err)

	empty, err := tracker.Commentary()
	gt.NoError(t, err)
	gt.A(t, empty.Lines).Length(0)

	status = model.MatchStatusCompleted
	c, err := tracker.RefreshCommentary(ctx)
	gt.NoError(t, err)
	gt.A(t, c.Lines).Length(2)

	stored, err := tracker.Commentary()
	gt.NoError(t, err)
	gt.Equal(t, stored.Lines[0], "Over- 19.6 Runs- 6")
	gt.Equal(t, stored.MatchID, model.MatchID("1798"))

	sel, err := tracker.Selection()
	gt.NoError(t, err)
	gt.Equal(t, sel.Match.Status, model.MatchStatusCompleted)

	t.Run("switching innings drops stale commentary", func(t *testing.T) {
		_, err := tracker.Select(ctx, matchURL, 2)
		gt.NoError(t, err)

		c, err := tracker.Commentary()
		gt.NoError(t, err)
		gt.A(t, c.Lines).Length(0)
		gt.Equal(t, c.Innings, model.Innings(2))

		_, err = tracker.RefreshCommentary(ctx)
		gt.NoError(t, err)
		c, err = tracker.Commentary()
		gt.NoError(t, err)
		gt.A(t, c.Lines).Length(1)
	})
}

func TestRefreshCommentaryFailure(t *testing.T) {
	ctx := context.Background()
	scraper := &mockScraper{
		commentaryFn: func(ctx context.Context, url string, innings model.Innings) ([]string, error) {
			return nil, goerr.New("page unavailable", goerr.T(model.ErrTagScrape))
		},
	}
	tracker := match.New(scraper, newIndex(), &mockGenerator{})
	_, err := tracker.Select(ctx, matchURL, 1)
	gt.NoError(t, err)

	_, err = tracker.RefreshCommentary(ctx)
	gt.Error(t, err)
	gt.True(t, goerr.HasTag(err, model.ErrTagScrape))
}

func TestRefreshIndexAndAsk(t *testing.T) {
	ctx := context.Background()
	scraper := &mockScraper{
		loadDataFn: func(ctx context.Context, url string) ([]*model.Passage, error) {
			return model.NewPassages("Player A scored 50 runs.", "Player B took 3 wickets."), nil
		},
	}

	var prompt string
	gen := &mockGenerator{
		generateFn: func(ctx context.Context, p string) (string, error) {
			prompt = p
			return "Player B took 3 wickets.", nil
		},
	}

	tracker := match.New(scraper, newIndex(), gen, match.WithTopK(1))

	_, err := tracker.Ask(ctx, "s1", "Who took wickets?")
	gt.True(t, goerr.HasTag(err, model.ErrTagNoSelection))

	_, err = tracker.Select(ctx, matchURL, 1)
	gt.NoError(t, err)

	n, err := tracker.RefreshIndex(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 2)

	_, ok := tracker.IndexedAt("1798")
	gt.True(t, ok)

	answer, err := tracker.Ask(ctx, "s1", "Who took 3 wickets?")
	gt.NoError(t, err)
	gt.Equal(t, answer, "Player B took 3 wickets.")
	gt.S(t, prompt).Contains("Player B took 3 wickets.")
	gt.S(t, prompt).NotContains("Player A scored 50 runs.")

	history, err := tracker.Sessions().Get("s1")
	gt.NoError(t, err)
	messages := history.Messages()
	gt.A(t, messages).Length(2)
	gt.Equal(t, messages[0].Kind, model.KindQuestion)
	gt.Equal(t, messages[0].Content, "Who took 3 wickets?")
	gt.Equal(t, messages[1].Kind, model.KindAnswer)
	gt.Equal(t, messages[1].Content, "Player B took 3 wickets.")
}

func TestAskFailureIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	gen := &mockGenerator{
		generateFn: func(ctx context.Context, p string) (string, error) {
			return "", goerr.New("quota exceeded", goerr.T(model.ErrTagModelInvocation))
		},
	}
	tracker := match.New(&mockScraper{}, newIndex(), gen)
	m, err := model.NewMatch(matchURL)
	gt.NoError(t, err)

	_, err = tracker.AskMatch(ctx, m, "s1", "Who won?")
	gt.Error(t, err)

	_, err = tracker.Sessions().Get("s1")
	gt.True(t, goerr.HasTag(err, model.ErrTagNotFound))

	t.Run("empty question", func(t *testing.T) {
		_, err := tracker.AskMatch(ctx, m, "s1", "   ")
		gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))
	})

	t.Run("empty session", func(t *testing.T) {
		_, err := tracker.AskMatch(ctx, m, "", "Who won?")
		gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))
	})
}

func TestIndexMatchFailure(t *testing.T) {
	scraper := &mockScraper{
		loadDataFn: func(ctx context.Context, url string) ([]*model.Passage, error) {
			return nil, errors.New("timeout")
		},
	}
	tracker := match.New(scraper, newIndex(), &mockGenerator{})
	m, err := model.NewMatch(matchURL)
	gt.NoError(t, err)

	_, err = tracker.IndexMatch(context.Background(), m)
	gt.Error(t, err)
	gt.S(t, err.Error()).Contains("timeout")

	_, ok := tracker.IndexedAt(m.ID)
	gt.False(t, ok)
}

func TestCommentaryPoller(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	scraper := &mockScraper{
		commentaryFn: func(ctx context.Context, url string, innings model.Innings) ([]string, error) {
			calls.Add(1)
			return []string{"Over- 0.1 Runs- 0"}, nil
		},
	}

	var mu sync.Mutex
	var inputs []policy.Input
	p := &mockPolicy{
		intervalFn: func(ctx context.Context, input policy.Input) (time.Duration, error) {
			mu.Lock()
			inputs = append(inputs, input)
			mu.Unlock()
			return time.Millisecond, nil
		},
	}

	tracker := match.New(scraper, newIndex(), &mockGenerator{}, match.WithPolicy(p))
	_, err := tracker.Select(ctx, matchURL, 1)
	gt.NoError(t, err)

	gt.True(t, tracker.StartCommentary(ctx))
	gt.False(t, tracker.StartCommentary(ctx))
	gt.True(t, tracker.Running(policy.TaskCommentary))

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	gt.True(t, calls.Load() >= 3)

	gt.NoError(t, tracker.Stop(ctx, policy.TaskCommentary))
	gt.False(t, tracker.Running(policy.TaskCommentary))

	stopped := calls.Load()
	time.Sleep(20 * time.Millisecond)
	gt.Equal(t, calls.Load(), stopped)

	mu.Lock()
	defer mu.Unlock()
	gt.True(t, len(inputs) > 0)
	gt.Equal(t, inputs[0].Task, policy.TaskCommentary)
	gt.True(t, inputs[0].Selected)
	gt.False(t, inputs[0].Failed)
	gt.Equal(t, inputs[0].Status, model.MatchStatusLive)

	// a stopped poller can be started again
	gt.True(t, tracker.StartCommentary(ctx))
	gt.NoError(t, tracker.Shutdown(ctx))
}

func TestPollerWithoutSelection(t *testing.T) {
	ctx := context.Background()
	selected := make(chan policy.Input, 1)
	p := &mockPolicy{
		intervalFn: func(ctx context.Context, input policy.Input) (time.Duration, error) {
			select {
			case selected <- input:
			default:
			}
			return time.Hour, nil
		},
	}

	tracker := match.New(&mockScraper{}, newIndex(), &mockGenerator{}, match.WithPolicy(p))
	gt.True(t, tracker.StartIndexing(ctx))

	select {
	case input := <-selected:
		gt.False(t, input.Selected)
		gt.Equal(t, input.Task, policy.TaskIndex)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not ask for an interval")
	}

	// Shutdown interrupts the hour-long wait
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	gt.NoError(t, tracker.Shutdown(sctx))
	gt.False(t, tracker.Running(policy.TaskIndex))
}

func TestIndexPollerReportsFailure(t *testing.T) {
	ctx := context.Background()
	scraper := &mockScraper{
		loadDataFn: func(ctx context.Context, url string) ([]*model.Passage, error) {
			return nil, goerr.New("blocked", goerr.T(model.ErrTagScrape))
		},
	}
	failed := make(chan policy.Input, 1)
	p := &mockPolicy{
		intervalFn: func(ctx context.Context, input policy.Input) (time.Duration, error) {
			if input.Failed {
				select {
				case failed <- input:
				default:
				}
			}
			return time.Millisecond, nil
		},
	}

	tracker := match.New(scraper, newIndex(), &mockGenerator{}, match.WithPolicy(p))
	_, err := tracker.Select(ctx, matchURL, 1)
	gt.NoError(t, err)
	gt.True(t, tracker.StartIndexing(ctx))
	defer func() {
		gt.NoError(t, tracker.Shutdown(ctx))
	}()

	select {
	case input := <-failed:
		gt.True(t, input.Selected)
		gt.Equal(t, input.Task, policy.TaskIndex)
	case <-time.After(5 * time.Second):
		t.Fatal("failure was not reported to the policy")
	}
}

func TestStopUnknownPoller(t *testing.T) {
	tracker := match.New(&mockScraper{}, newIndex(), &mockGenerator{})
	gt.NoError(t, tracker.Stop(context.Background(), policy.TaskIndex))
}

func TestListMatches(t *testing.T) {
	scraper := &mockScraper{
		listMatchesFn: func(ctx context.Context) ([]*model.Match, error) {
			m, err := model.NewMatch(matchURL)
			if err != nil {
				return nil, err
			}
			return []*model.Match{m}, nil
		},
	}
	tracker := match.New(scraper, newIndex(), &mockGenerator{})
	matches, err := tracker.ListMatches(context.Background())
	gt.NoError(t, err)
	gt.A(t, matches).Length(1)
	gt.True(t, strings.HasSuffix(matches[0].URL, "/1798"))
}

func TestMatchCommentary(t *testing.T) {
	scraper := &mockScraper{
		commentaryFn: func(ctx context.Context, url string, innings model.Innings) ([]string, error) {
			gt.Equal(t, innings, model.Innings(2))
			return []string{"Over- 0.1 Runs- 1"}, nil
		},
	}
	tracker := match.New(scraper, newIndex(), &mockGenerator{})

	lines, err := tracker.MatchCommentary(context.Background(), matchURL, 2)
	gt.NoError(t, err)
	gt.A(t, lines).Length(1)

	_, err = tracker.Selection()
	gt.True(t, goerr.HasTag(err, model.ErrTagNoSelection))

	_, err = tracker.MatchCommentary(context.Background(), matchURL, 5)
	gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))
}
