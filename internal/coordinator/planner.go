package coordinator

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/router"
)

// ErrInvalidPlan marks planner output that failed validation.
var ErrInvalidPlan = errors.New("invalid plan")

// Planner turns an accepted message into fanout targets.
type Planner interface {
	Plan(ctx context.Context, msg *persistence.Message) ([]Target, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, msg *persistence.Message) ([]Target, error)

func (f PlannerFunc) Plan(ctx context.Context, msg *persistence.Message) ([]Target, error) {
	return f(ctx, msg)
}

//go:embed plan_schema.json
var planSchemaJSON []byte

var compilePlanSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan_schema.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	return c.Compile("plan_schema.json")
})

// ParseTargets validates raw planner output against the embedded schema and
// decodes it.
func ParseTargets(raw []byte) ([]Target, error) {
	schema, err := compilePlanSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	var targets []Target
	if err := json.Unmarshal(raw, &targets); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := validateTargets(targets); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return targets, nil
}

// StaticPlanner sends the whole message to one butler.
type StaticPlanner struct {
	Target string
}

func (p StaticPlanner) Plan(_ context.Context, msg *persistence.Message) ([]Target, error) {
	if p.Target == "" {
		return nil, fmt.Errorf("%w: no default target configured", ErrInvalidPlan)
	}
	return []Target{{TargetButler: p.Target, Prompt: msg.NormalizedText}}, nil
}

// Dispatcher is satisfied by *router.Router.
type Dispatcher interface {
	Route(ctx context.Context, req router.Request) router.Result
}

// ButlerPlanner asks a planning butler to decompose the message. The butler
// answers with a JSON array of {target_butler, prompt}, either as the tool
// result itself, a JSON string, or under a "targets" key.
type ButlerPlanner struct {
	Router Dispatcher
	Butler string
	Tool   string
}

func (p ButlerPlanner) Plan(ctx context.Context, msg *persistence.Message) ([]Target, error) {
	tool := p.Tool
	if tool == "" {
		tool = "plan"
	}
	res := p.Router.Route(ctx, router.Request{
		Target: p.Butler,
		Tool:   tool,
		Args: map[string]any{
			"request_id": msg.ID,
			"text":       msg.NormalizedText,
			"context":    msg.RequestContext,
		},
	})
	if !res.OK() {
		return nil, fmt.Errorf("planner %s: %s", p.Butler, res.Error)
	}

	var raw []byte
	switch v := res.Result.(type) {
	case string:
		raw = []byte(v)
	case map[string]any:
		targets, ok := v["targets"]
		if !ok {
			return nil, fmt.Errorf("%w: planner %s returned an object without targets", ErrInvalidPlan, p.Butler)
		}
		encoded, err := json.Marshal(targets)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
		raw = encoded
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
		raw = encoded
	}
	return ParseTargets(raw)
}
