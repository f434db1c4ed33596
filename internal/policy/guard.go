// Package policy evaluates an optional Rego policy before any mutation is
// submitted. A policy denies a mutation by adding messages to
// data.tagops.deny.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/tagops/internal/operation"
	"github.com/yairfalse/tagops/internal/request"
)

const denyQuery = "data.tagops.deny"

// ErrDenied marks a mutation rejected by policy. It is a validation error.
var ErrDenied = fmt.Errorf("%w: denied by policy", operation.ErrValidation)

// Input is the document policies see as input.
type Input struct {
	Kind   string         `json:"kind"`
	Target string         `json:"target"`
	Fields map[string]any `json:"fields"`
}

// Guard holds one prepared policy.
type Guard struct {
	name   string
	query  rego.PreparedEvalQuery
	logger zerolog.Logger
	tracer trace.Tracer
}

// Load compiles regoCode under name.
func Load(ctx context.Context, name, regoCode string, logger zerolog.Logger) (*Guard, error) {
	prepared, err := rego.New(
		rego.Query(denyQuery),
		rego.Module(name, regoCode),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	logger.Debug().Str("policy", name).Msg("policy loaded")
	return &Guard{
		name:   name,
		query:  prepared,
		logger: logger,
		tracer: otel.Tracer("tagops/policy"),
	}, nil
}

// LoadFile compiles the policy stored at path.
func LoadFile(ctx context.Context, path string, logger zerolog.Logger) (*Guard, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from user config
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Load(ctx, filepath.Base(path), string(data), logger)
}

// Check evaluates the policy for req. A nil Guard allows everything.
func (g *Guard) Check(ctx context.Context, req request.Request) error {
	if g == nil {
		return nil
	}

	ctx, span := g.tracer.Start(ctx, "policy.check",
		trace.WithAttributes(
			attribute.String("policy.name", g.name),
			attribute.String("request.kind", req.Kind()),
		))
	defer span.End()

	rs, err := g.query.Eval(ctx, rego.EvalInput(InputFor(req)))
	if err != nil {
		return fmt.Errorf("evaluate policy %s: %w", g.name, err)
	}

	reasons := denials(rs)
	span.SetAttributes(attribute.Int("policy.denials", len(reasons)))
	if len(reasons) == 0 {
		return nil
	}

	g.logger.Info().Ctx(ctx).
		Str("policy", g.name).
		Str("kind", req.Kind()).
		Str("target", req.Target()).
		Strs("reasons", reasons).
		Msg("mutation denied")
	return &operation.Error{
		Kind:    ErrDenied,
		Message: fmt.Sprintf("%s: %s", g.name, strings.Join(reasons, "; ")),
	}
}

// InputFor builds the policy input for req.
func InputFor(req request.Request) Input {
	in := Input{Kind: req.Kind(), Target: req.Target(), Fields: map[string]any{}}
	switch r := req.(type) {
	case request.CreateTagValue:
		in.Fields["short_name"] = r.ShortName()
		in.Fields["parent"] = r.Parent()
		in.Fields["description"] = r.Description()
	case request.UpdateTagBindings:
		tags := map[string]any{}
		keys := []any{}
		for _, k := range request.SortedKeys(r.Tags()) {
			tags[k] = r.Tags()[k]
			keys = append(keys, k)
		}
		in.Fields["full_resource_name"] = r.FullResourceName()
		in.Fields["location"] = r.Location()
		in.Fields["tags"] = tags
		in.Fields["tag_keys"] = keys
	case request.ExportArtifact:
		in.Fields["repository"] = r.Repository()
		in.Fields["source_tag"] = r.SourceTag()
		in.Fields["destination"] = r.Destination()
		in.Fields["gcs_path"] = r.GCSPath()
	}
	return in
}

// denials collects the deny messages, sorted for stable output.
func denials(rs rego.ResultSet) []string {
	var out []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			values, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, v := range values {
				out = append(out, fmt.Sprint(v))
			}
		}
	}
	sort.Strings(out)
	return out
}
