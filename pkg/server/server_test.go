package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m-mizutani/cricai/pkg/index"
	"github.com/m-mizutani/cricai/pkg/index/memory"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/policy"
	"github.com/m-mizutani/cricai/pkg/server"
	"github.com/m-mizutani/cricai/pkg/usecase/match"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

const matchURL = "https://www.iplt20.com/match/2025/1798"

type mockScraper struct {
	listCalls int
}

func (m *mockScraper) ListMatches(ctx context.Context) ([]*model.Match, error) {
	m.listCalls++
	found, err := model.NewMatch(matchURL)
	if err != nil {
		return nil, err
	}
	return []*model.Match{found}, nil
}

func (m *mockScraper) MatchStatus(ctx context.Context, matchURL string) model.MatchStatus {
	return model.MatchStatusCompleted
}

func (m *mockScraper) Commentary(ctx context.Context, matchURL string, innings model.Innings) ([]string, error) {
	return []string{"Over- 19.6 Runs- 6"}, nil
}

func (m *mockScraper) LoadData(ctx context.Context, matchURL string) ([]*model.Passage, error) {
	return model.NewPassages("Player A scored 50 runs.", "Player B took 3 wickets."), nil
}

type mockGenerator struct {
	generateFn func(ctx context.Context, prompt string) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return m.generateFn(ctx, prompt)
}

type idlePolicy struct{}

func (idlePolicy) Interval(ctx context.Context, input policy.Input) (time.Duration, error) {
	return time.Hour, nil
}

func newServer(t *testing.T, gen *mockGenerator) (*server.Server, *match.Tracker, *mockScraper) {
	t.Helper()
	scraper := &mockScraper{}
	idx := index.New(memory.New(), index.NewLexicalEmbedder(index.DefaultLexicalDims))
	tracker := match.New(scraper, idx, gen, match.WithPolicy(idlePolicy{}), match.WithTopK(1))
	t.Cleanup(func() {
		gt.NoError(t, tracker.Shutdown(context.Background()))
	})
	return server.New(tracker, server.WithVersion("test")), tracker, scraper
}

func do(t *testing.T, srv http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		gt.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var resp map[string]any
	gt.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestHealth(t *testing.T) {
	srv, _, _ := newServer(t, &mockGenerator{})
	code, resp := do(t, srv, http.MethodGet, "/healthz", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.Equal(t, resp["status"], any("ok"))
	gt.Equal(t, resp["version"], any("test"))
}

func TestListMatches(t *testing.T) {
	srv, _, scraper := newServer(t, &mockGenerator{})

	code, resp := do(t, srv, http.MethodGet, "/api/matches", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.A(t, resp["matches"].([]any)).Length(1)

	do(t, srv, http.MethodGet, "/api/matches", nil)
	gt.Equal(t, scraper.listCalls, 1)

	do(t, srv, http.MethodGet, "/api/matches?refresh=true", nil)
	gt.Equal(t, scraper.listCalls, 2)
}

func TestMatchFlow(t *testing.T) {
	gen := &mockGenerator{
		generateFn: func(ctx context.Context, prompt string) (string, error) {
			return "Player B took 3 wickets.", nil
		},
	}
	srv, _, _ := newServer(t, gen)

	t.Run("nothing selected", func(t *testing.T) {
		code, resp := do(t, srv, http.MethodGet, "/api/match", nil)
		gt.Equal(t, code, http.StatusConflict)
		gt.NotEqual(t, resp["error"], nil)

		code, _ = do(t, srv, http.MethodPost, "/api/ask", map[string]string{"question": "Who won?"})
		gt.Equal(t, code, http.StatusConflict)
	})

	t.Run("invalid selection", func(t *testing.T) {
		code, _ := do(t, srv, http.MethodPost, "/api/match", map[string]any{"url": matchURL, "innings": 3})
		gt.Equal(t, code, http.StatusBadRequest)
	})

	code, resp := do(t, srv, http.MethodPost, "/api/match", map[string]any{"url": matchURL, "innings": 1})
	gt.Equal(t, code, http.StatusOK)
	gt.Equal(t, resp["innings"], any(float64(1)))

	code, resp = do(t, srv, http.MethodPost, "/api/commentary/refresh", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.A(t, resp["lines"].([]any)).Length(1)

	code, resp = do(t, srv, http.MethodGet, "/api/commentary", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.Equal(t, resp["match_id"], any("1798"))

	code, resp = do(t, srv, http.MethodPost, "/api/index/refresh", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.Equal(t, resp["collection"], any("ipl-1798"))
	gt.Equal(t, resp["passages"], any(float64(2)))

	code, resp = do(t, srv, http.MethodPost, "/api/ask", map[string]string{"question": "Who took 3 wickets?"})
	gt.Equal(t, code, http.StatusOK)
	gt.Equal(t, resp["answer"], any("Player B took 3 wickets."))
	sessionID, ok := resp["session_id"].(string)
	gt.True(t, ok)
	gt.NotEqual(t, sessionID, "")

	code, resp = do(t, srv, http.MethodGet, "/api/sessions/"+sessionID, nil)
	gt.Equal(t, code, http.StatusOK)
	gt.A(t, resp["messages"].([]any)).Length(2)

	code, _ = do(t, srv, http.MethodGet, "/api/sessions/unknown", nil)
	gt.Equal(t, code, http.StatusNotFound)

	t.Run("empty question", func(t *testing.T) {
		code, _ := do(t, srv, http.MethodPost, "/api/ask", map[string]string{"session_id": sessionID})
		gt.Equal(t, code, http.StatusBadRequest)
	})
}

func TestAskModelFailure(t *testing.T) {
	gen := &mockGenerator{
		generateFn: func(ctx context.Context, prompt string) (string, error) {
			return "", goerr.New("quota exceeded", goerr.T(model.ErrTagModelInvocation))
		},
	}
	srv, _, _ := newServer(t, gen)

	code, _ := do(t, srv, http.MethodPost, "/api/match", map[string]any{"url": matchURL})
	gt.Equal(t, code, http.StatusOK)
	code, _ = do(t, srv, http.MethodPost, "/api/index/refresh", nil)
	gt.Equal(t, code, http.StatusOK)

	code, resp := do(t, srv, http.MethodPost, "/api/ask", map[string]string{"session_id": "s1", "question": "Who won?"})
	gt.Equal(t, code, http.StatusBadGateway)
	gt.S(t, resp["error"].(string)).Contains("quota exceeded")
}

func TestPollers(t *testing.T) {
	srv, tracker, _ := newServer(t, &mockGenerator{})

	code, resp := do(t, srv, http.MethodPost, "/api/pollers/commentary/start", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.Equal(t, resp["started"], any(true))
	gt.True(t, tracker.Running(policy.TaskCommentary))

	code, resp = do(t, srv, http.MethodPost, "/api/pollers/commentary/start", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.Equal(t, resp["started"], any(false))

	code, resp = do(t, srv, http.MethodGet, "/api/pollers", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.A(t, resp["pollers"].([]any)).Length(2)

	code, _ = do(t, srv, http.MethodPost, "/api/pollers/commentary/stop", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.False(t, tracker.Running(policy.TaskCommentary))

	code, _ = do(t, srv, http.MethodPost, "/api/pollers/scoreboard/start", nil)
	gt.Equal(t, code, http.StatusNotFound)
}

func TestServeShutdown(t *testing.T) {
	srv, _, _ := newServer(t, &mockGenerator{})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	gt.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, listener)
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
	gt.NoError(t, err)
	gt.NoError(t, resp.Body.Close())
	gt.Equal(t, resp.StatusCode, http.StatusOK)

	cancel()
	select {
	case err := <-done:
		gt.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestMount(t *testing.T) {
	scraper := &mockScraper{}
	idx := index.New(memory.New(), index.NewLexicalEmbedder(index.DefaultLexicalDims))
	tracker := match.New(scraper, idx, &mockGenerator{})

	mounted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"mounted":true}`))
	})
	srv := server.New(tracker, server.WithMount("/mcp", mounted))

	code, resp := do(t, srv, http.MethodPost, "/mcp", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.Equal(t, resp["mounted"], any(true))
}
