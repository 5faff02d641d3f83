package policy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intentkeep/broker/internal/policy"
)

func TestCELEngine_EvalBool(t *testing.T) {
	engine, err := policy.NewCELEngine()
	require.NoError(t, err)

	ok, err := engine.EvalBool(`trust_level >= 2 && !within_probation`, policy.Input{
		TrustLevel:      3,
		WithinProbation: false,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = engine.EvalBool(`trust_level >= 2 && !within_probation`, policy.Input{
		TrustLevel:      3,
		WithinProbation: true,
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCELEngine_CompileError_FailsClosed(t *testing.T) {
	engine, err := policy.NewCELEngine()
	require.NoError(t, err)

	_, err = engine.EvalBool(`this is not valid cel (((`, policy.Input{})
	require.Error(t, err)
}

func TestCELEngine_CachesCompiledPrograms(t *testing.T) {
	engine, err := policy.NewCELEngine()
	require.NoError(t, err)

	source := `trust_level > 0`
	_, err = engine.EvalBool(source, policy.Input{TrustLevel: 1})
	require.NoError(t, err)
	// second call exercises the cache path; behavior must be identical.
	ok, err := engine.EvalBool(source, policy.Input{TrustLevel: 1})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRiskScore_LowContextLength_LowersScore(t *testing.T) {
	full := policy.RiskScore(policy.RiskSignals{ContextLength: 100, MinContextLength: 20})
	short := policy.RiskScore(policy.RiskSignals{ContextLength: 2, MinContextLength: 20})
	require.Greater(t, full, short)
}

func TestRiskScore_ClampedToUnitInterval(t *testing.T) {
	worst := policy.RiskScore(policy.RiskSignals{
		ContextLength:         0,
		MinContextLength:      100,
		RecentRejections:      10,
		ConstraintsExceedCaps: true,
		WithinProbation:       true,
	})
	require.GreaterOrEqual(t, worst, 0.0)
	require.LessOrEqual(t, worst, 1.0)
}
