package policy

import "context"

// PolicySource supplies the policies bound to an entity. The Postgres-backed
// Store (store.go) implements it; tests substitute an in-memory list.
type PolicySource interface {
	BoundPolicies(ctx context.Context, entityID string) ([]*Policy, error)
}

// Engine evaluates access requests against an entity's bound policies.
// Reads are lock-free against the store's MVCC snapshot; there
// is no component-owned mutable state here; the Postgres Store covers
// writes (create/update policy + bindings).
type Engine struct {
	source PolicySource
}

// NewEngine creates an Engine reading policies from source.
func NewEngine(source PolicySource) *Engine {
	return &Engine{source: source}
}

// EvaluateAccess implements the evaluation order: any matching bound deny
// policy wins outright; else any matching bound allow policy grants; else
// the default is deny("no matching policy"). Short-circuits on the first
// decisive match — use Simulate for a full step trace.
func (e *Engine) EvaluateAccess(ctx context.Context, entityID, path string, op Op, reqCtx RequestContext) (Decision, error) {
	policies, err := e.source.BoundPolicies(ctx, entityID)
	if err != nil {
		return Decision{}, err
	}

	for _, p := range policies {
		if !p.Deny {
			continue
		}
		if matches(p, path, op, reqCtx) {
			return Decision{Allow: false, PolicyName: p.Name, Reason: "denied by policy " + p.Name}, nil
		}
	}
	for _, p := range policies {
		if p.Deny {
			continue
		}
		if matches(p, path, op, reqCtx) {
			return Decision{Allow: true, PolicyName: p.Name, Reason: "allowed by policy " + p.Name}, nil
		}
	}
	return Decision{Allow: false, Reason: "no matching policy"}, nil
}

func matches(p *Policy, path string, op Op, reqCtx RequestContext) bool {
	if !MatchAny(p.Document.AllowedSecrets, path) {
		return false
	}
	if !opAllowed(p.Document.AllowedOperations, op) {
		return false
	}
	pass, _ := p.Document.Conditions.Evaluate(reqCtx)
	return pass
}

func opAllowed(ops []Op, op Op) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// SimulationStep is one line of a Simulate trace.
type SimulationStep struct {
	PolicyName string
	StepName   string
	Pass       bool
	Message    string
}

// SimulationResult is Simulate's full output: every step evaluated, never
// short-circuited, plus the final decision that production evaluation would
// reach for the same inputs.
type SimulationResult struct {
	Steps    []SimulationStep
	Decision Decision
}

// Simulate evaluates path/op/reqCtx against every policy bound to entityID,
// recording every condition step (no short-circuit) for diagnostics, then
// reports the decision that EvaluateAccess would actually return: it never
// short-circuits for display purposes, even though production evaluation
// short-circuits on the first deny.
func (e *Engine) Simulate(ctx context.Context, entityID, path string, op Op, reqCtx RequestContext) (*SimulationResult, error) {
	policies, err := e.source.BoundPolicies(ctx, entityID)
	if err != nil {
		return nil, err
	}

	result := &SimulationResult{}
	for _, p := range policies {
		globMatch := MatchAny(p.Document.AllowedSecrets, path)
		result.Steps = append(result.Steps, SimulationStep{
			PolicyName: p.Name, StepName: "path_glob", Pass: globMatch,
			Message: pathGlobMessage(globMatch, path),
		})
		opMatch := opAllowed(p.Document.AllowedOperations, op)
		result.Steps = append(result.Steps, SimulationStep{
			PolicyName: p.Name, StepName: "operation", Pass: opMatch,
			Message: operationMessage(opMatch, op),
		})
		for _, cond := range p.Document.Conditions.Steps(reqCtx) {
			result.Steps = append(result.Steps, SimulationStep{
				PolicyName: p.Name, StepName: cond.Name, Pass: cond.Pass, Message: cond.Message,
			})
		}
	}

	decision, err := e.EvaluateAccess(ctx, entityID, path, op, reqCtx)
	if err != nil {
		return nil, err
	}
	result.Decision = decision
	return result, nil
}

func pathGlobMessage(match bool, path string) string {
	if match {
		return "path matches an allowed_secrets pattern"
	}
	return "path " + path + " matches no allowed_secrets pattern"
}

func operationMessage(match bool, op Op) string {
	if match {
		return "operation permitted"
	}
	return "operation " + string(op) + " not in allowed_operations"
}
