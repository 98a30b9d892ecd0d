package model

import (
	"net/url"
	"path"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

const collectionPrefix = "ipl-"

type MatchID string

// CollectionName returns the vector index collection that holds this match's passages
func (id MatchID) CollectionName() string {
	return collectionPrefix + string(id)
}

// MatchIDFromURL extracts the match identifier, which is the last path segment of the match page URL.
// e.g. https://www.iplt20.com/match/2025/1798 -> 1798
func MatchIDFromURL(rawURL string) (MatchID, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", goerr.Wrap(err, "invalid match URL", goerr.V("url", rawURL), goerr.T(ErrTagInvalidInput))
	}

	id := path.Base(strings.TrimRight(u.Path, "/"))
	if id == "" || id == "." || id == "/" {
		return "", goerr.New("match URL has no identifier", goerr.V("url", rawURL), goerr.T(ErrTagInvalidInput))
	}
	return MatchID(id), nil
}

type MatchStatus string

const (
	MatchStatusLive      MatchStatus = "live"
	MatchStatusCompleted MatchStatus = "completed"
	MatchStatusUnknown   MatchStatus = "unknown"
)

// IsLive reports whether the match is in progress
func (s MatchStatus) IsLive() bool {
	return s == MatchStatusLive
}

// Match is a single IPL match page
type Match struct {
	ID     MatchID     `json:"id"`
	URL    string      `json:"url"`
	Status MatchStatus `json:"status,omitempty"`
}

// NewMatch creates a match from its page URL
func NewMatch(rawURL string) (*Match, error) {
	id, err := MatchIDFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &Match{ID: id, URL: strings.TrimSpace(rawURL), Status: MatchStatusUnknown}, nil
}

// Innings is the innings number of a match, 1 or 2
type Innings int

// Validate checks the innings number
func (i Innings) Validate() error {
	if i != 1 && i != 2 {
		return goerr.New("innings must be 1 or 2", goerr.V("innings", int(i)), goerr.T(ErrTagInvalidInput))
	}
	return nil
}
