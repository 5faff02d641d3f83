package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// CELEngine compiles and evaluates the declarative consent/content
// predicates an operator attaches to a policy entry (spec §4.3: policy
// entries express dimensions "declaratively"). Generalized from the
// teacher's single global allow/deny PolicyEngine into a narrower
// evaluator scoped to one CEL variable set: the admission pipeline's
// intent context, constraints, and relationship snapshot.
type CELEngine struct {
	env *cel.Env

	mu      sync.RWMutex
	compiled map[string]cel.Program // source -> compiled program, cached
}

// NewCELEngine builds the CEL environment with the variables available
// to every compiled predicate.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("constraints", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("context_snapshot", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("trust_level", types.IntType),
			decls.NewVariable("recent_rejections", types.IntType),
			decls.NewVariable("within_probation", types.BoolType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to create CEL env: %w", err)
	}
	return &CELEngine{env: env, compiled: make(map[string]cel.Program)}, nil
}

// Input is the variable binding passed to a compiled predicate.
type Input struct {
	Context          map[string]any
	Constraints      map[string]any
	ContextSnapshot  map[string]any
	TrustLevel       int
	RecentRejections int
	WithinProbation  bool
}

func (in Input) toCELInput() map[string]any {
	return map[string]any{
		"context":           in.Context,
		"constraints":       in.Constraints,
		"context_snapshot":  in.ContextSnapshot,
		"trust_level":       int64(in.TrustLevel),
		"recent_rejections": int64(in.RecentRejections),
		"within_probation":  in.WithinProbation,
	}
}

// compile compiles and caches source, fail-closed: a compile error is
// always surfaced, never silently treated as "allow".
func (e *CELEngine) compile(source string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.compiled[source]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: CEL compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: CEL program construction failed: %w", err)
	}

	e.mu.Lock()
	e.compiled[source] = prg
	e.mu.Unlock()
	return prg, nil
}

// EvalBool compiles (or reuses) source and evaluates it as a boolean
// predicate. Any error — compile or eval — is fail-closed: it is
// returned to the caller rather than treated as a pass.
func (e *CELEngine) EvalBool(source string, in Input) (bool, error) {
	prg, err := e.compile(source)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(in.toCELInput())
	if err != nil {
		return false, fmt.Errorf("policy: CEL evaluation failed: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: CEL predicate did not return a boolean")
	}
	return b, nil
}

// RiskSignals is the deterministic input to the risk-score formula of
// spec §4.4 step 8.
type RiskSignals struct {
	ContextLength        int
	MinContextLength      int
	RecentRejections      int
	ConstraintsExceedCaps bool
	WithinProbation       bool
}

// RiskScore computes a deterministic score in [0,1] from the signals
// spec §4.4 names: shortness of explanatory context, recent rejection
// history, constraints exceeding conservative caps, and first-contact
// probation. Weighted sum, clamped — documented here so the formula is
// reproducible purely from the event log, as spec §4.4 requires.
func RiskScore(s RiskSignals) float64 {
	score := 1.0

	if s.MinContextLength > 0 && s.ContextLength < s.MinContextLength {
		deficit := float64(s.MinContextLength-s.ContextLength) / float64(s.MinContextLength)
		score -= 0.35 * deficit
	}
	if s.RecentRejections > 0 {
		penalty := 0.15 * float64(s.RecentRejections)
		if penalty > 0.5 {
			penalty = 0.5
		}
		score -= penalty
	}
	if s.ConstraintsExceedCaps {
		score -= 0.3
	}
	if s.WithinProbation {
		score -= 0.2
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
