package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

//go:embed default.rego
var defaultPolicy string

const intervalQuery = "data.refresh.interval"

type Task string

const (
	TaskCommentary Task = "commentary"
	TaskIndex      Task = "index"
)

// Input is the document passed to the policy as input
type Input struct {
	Task     Task              `json:"task"`
	Status   model.MatchStatus `json:"status"`
	Failed   bool              `json:"failed"`
	Selected bool              `json:"selected"`
}

// Policy decides how long a poller sleeps between cycles
type Policy struct {
	query *rego.PreparedEvalQuery
}

// printHook forwards Rego print() output to the debug log
type printHook struct {
	ctx context.Context
}

func (h *printHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// Default prepares the embedded policy
func Default(ctx context.Context) (*Policy, error) {
	return prepare(ctx, []func(*rego.Rego){rego.Module("default.rego", defaultPolicy)})
}

// Load prepares all *.rego files in policyDir. An empty directory falls back to the embedded policy.
func Load(ctx context.Context, policyDir string) (*Policy, error) {
	files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", policyDir))
	}

	if len(files) == 0 {
		logging.From(ctx).Warn("no policy file found, using default refresh policy", "dir", policyDir)
		return Default(ctx)
	}

	modules := make([]func(*rego.Rego), 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		modules = append(modules, rego.Module(file, string(data)))
	}

	return prepare(ctx, modules)
}

func prepare(ctx context.Context, modules []func(*rego.Rego)) (*Policy, error) {
	options := make([]func(*rego.Rego), 0, len(modules)+2)
	options = append(options, rego.Query(intervalQuery), rego.EnablePrintStatements(true))
	options = append(options, modules...)

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare refresh policy", goerr.V("query", intervalQuery))
	}

	return &Policy{query: &prepared}, nil
}

// Interval evaluates the policy. The policy result is in seconds.
func (p *Policy) Interval(ctx context.Context, input Input) (time.Duration, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&printHook{ctx: ctx}))
	if err != nil {
		return 0, goerr.Wrap(err, "failed to evaluate refresh policy", goerr.V("input", input))
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return 0, goerr.New("refresh policy did not decide an interval", goerr.V("input", input))
	}

	seconds, err := toFloat(rs[0].Expressions[0].Value)
	if err != nil {
		return 0, goerr.Wrap(err, "invalid interval in refresh policy result", goerr.V("input", input))
	}
	if seconds <= 0 {
		return 0, goerr.New("refresh interval must be positive", goerr.V("input", input), goerr.V("interval", seconds))
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, goerr.Wrap(err, "failed to parse number", goerr.V("value", n))
		}
		return f, nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, goerr.New("interval is not a number", goerr.V("value", v))
	}
}
