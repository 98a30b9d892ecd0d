package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tracker answers questions about arbitrary matches
type Tracker interface {
	ListMatches(ctx context.Context) ([]*model.Match, error)
	MatchCommentary(ctx context.Context, matchURL string, innings model.Innings) ([]string, error)
	IndexMatch(ctx context.Context, m *model.Match) (int, error)
	IndexedAt(id model.MatchID) (time.Time, bool)
	AskMatch(ctx context.Context, m *model.Match, sessionID, question string) (string, error)
}

type commentaryParams struct {
	URL     string `json:"url" jsonschema:"Match page URL, e.g. https://www.iplt20.com/match/2025/1798"`
	Innings int    `json:"innings,omitempty" jsonschema:"Innings number, 1 or 2. Defaults to 1"`
}

type askParams struct {
	URL      string `json:"url" jsonschema:"Match page URL"`
	Question string `json:"question" jsonschema:"Question about the match"`
	Refresh  bool   `json:"refresh,omitempty" jsonschema:"Re-scrape and re-index the match before answering"`
}

// Server exposes match tools over MCP
type Server struct {
	tracker   Tracker
	server    *mcp.Server
	sessionID string
}

func New(tracker Tracker, version string) *Server {
	s := &Server{
		tracker:   tracker,
		sessionID: "mcp-" + uuid.NewString(),
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "cricai",
			Version: version,
		}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_matches",
		Description: "List recent IPL match page URLs",
	}, s.listMatches)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "match_commentary",
		Description: "Get ball by ball commentary of a match innings, latest ball first",
	}, s.matchCommentary)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ask_match",
		Description: "Answer a question about a match using its scraped page",
	}, s.askMatch)

	return s
}

// MCPServer returns the underlying MCP server
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}

// RunStdio serves on stdin/stdout until ctx is cancelled or the client disconnects
func (s *Server) RunStdio(ctx context.Context) error {
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return goerr.Wrap(err, "MCP server stopped")
	}
	return nil
}

// HTTPHandler serves the streamable HTTP transport
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

func (s *Server) listMatches(ctx context.Context, req *mcp.CallToolRequest, _ *struct{}) (*mcp.CallToolResult, any, error) {
	matches, err := s.tracker.ListMatches(ctx)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to list matches")
	}
	return jsonResult(map[string]any{"matches": matches})
}

func (s *Server) matchCommentary(ctx context.Context, req *mcp.CallToolRequest, params *commentaryParams) (*mcp.CallToolResult, any, error) {
	lines, err := s.tracker.MatchCommentary(ctx, params.URL, model.Innings(params.Innings))
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to get commentary", goerr.V("url", params.URL))
	}
	return jsonResult(map[string]any{"url": params.URL, "commentary": lines})
}

func (s *Server) askMatch(ctx context.Context, req *mcp.CallToolRequest, params *askParams) (*mcp.CallToolResult, any, error) {
	m, err := model.NewMatch(params.URL)
	if err != nil {
		return nil, nil, err
	}

	if _, indexed := s.tracker.IndexedAt(m.ID); params.Refresh || !indexed {
		n, err := s.tracker.IndexMatch(ctx, m)
		if err != nil {
			return nil, nil, err
		}
		logging.From(ctx).Info("match indexed for MCP question", "match_id", m.ID, "passages", n)
	}

	answer, err := s.tracker.AskMatch(ctx, m, s.sessionID, params.Question)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: answer}},
	}, nil, nil
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to marshal tool result")
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}, nil, nil
}
