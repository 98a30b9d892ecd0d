package scraper

import (
	"bytes"
	_ "embed"
	"os"
	"text/template"
	"time"

	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

//go:embed profile.yaml
var defaultProfileRaw []byte

// Profile describes the pages and selectors of the match website
type Profile struct {
	ResultsURL     string         `yaml:"results_url"`
	MaxMatches     int            `yaml:"max_matches"`
	PageWait       time.Duration  `yaml:"page_wait"`
	ScriptWait     time.Duration  `yaml:"script_wait"`
	MatchLinks     []LinkRule     `yaml:"match_links"`
	LiveIndicators []Indicator    `yaml:"live_indicators"`
	Commentary     CommentaryRule `yaml:"commentary"`
	StripSelectors []string       `yaml:"strip_selectors"`

	inningsTmpl *template.Template
}

// LinkRule selects match links. Anchor picks one <a> (0-based) inside each matched element;
// without it every <a> (or the element itself) is used. Skip drops leading matched elements.
type LinkRule struct {
	Selector string `yaml:"selector"`
	Skip     int    `yaml:"skip"`
	Anchor   *int   `yaml:"anchor"`
	Contains string `yaml:"contains"`
}

// Indicator marks a live match. Text, when set, must equal the element's trimmed text.
type Indicator struct {
	Selector string `yaml:"selector"`
	Text     string `yaml:"text"`
}

type CommentaryRule struct {
	TextSelector  string `yaml:"text_selector"`
	OverSelector  string `yaml:"over_selector"`
	InningsScript string `yaml:"innings_script"`
}

// DefaultProfile returns the embedded profile for iplt20.com
func DefaultProfile() *Profile {
	p, err := ParseProfile(defaultProfileRaw)
	if err != nil {
		panic("embedded scraper profile is broken: " + err.Error())
	}
	return p
}

// LoadProfile reads a YAML profile file
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read scraper profile", goerr.V("path", path))
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid scraper profile", goerr.V("path", path))
	}
	return p, nil
}

func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, goerr.Wrap(err, "failed to parse scraper profile")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	tmpl, err := template.New("innings").Parse(p.Commentary.InningsScript)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse innings script")
	}
	p.inningsTmpl = tmpl

	if p.MaxMatches <= 0 {
		p.MaxMatches = 5
	}
	return &p, nil
}

func (p *Profile) validate() error {
	if p.ResultsURL == "" {
		return goerr.New("results_url is required", goerr.T(model.ErrTagInvalidInput))
	}
	if len(p.MatchLinks) == 0 {
		return goerr.New("at least one match_links rule is required", goerr.T(model.ErrTagInvalidInput))
	}
	if p.Commentary.TextSelector == "" || p.Commentary.OverSelector == "" {
		return goerr.New("commentary selectors are required", goerr.T(model.ErrTagInvalidInput))
	}
	return nil
}

// InningsScript renders the script switching the commentary to the innings
func (p *Profile) InningsScript(innings model.Innings) (string, error) {
	var buf bytes.Buffer
	if err := p.inningsTmpl.Execute(&buf, map[string]any{"Innings": int(innings)}); err != nil {
		return "", goerr.Wrap(err, "failed to render innings script")
	}
	return buf.String(), nil
}
