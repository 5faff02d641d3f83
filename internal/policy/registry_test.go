package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intentkeep/broker/internal/policy"
)

const fixtureV1 = `
version: "1.0.0"
policies:
  - intent_type: "schedule_request"
    trust_floor: 1
    appointment_mode: "none"
    require_consent: false
    risk_threshold: 0.3
    content_rules:
      min_context_length: 10
  - intent_type: "schedule_request"
    trust_floor: 3
    appointment_mode: "grace_period"
    grace_period: 5m
    require_consent: true
    risk_threshold: 0.5
`

const fixtureV2Older = `
version: "0.9.0"
policies:
  - intent_type: "schedule_request"
    trust_floor: 1
    risk_threshold: 0.1
`

const fixtureV2Newer = `
version: "1.1.0"
policies:
  - intent_type: "schedule_request"
    trust_floor: 1
    risk_threshold: 0.9
`

func writeFixture(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLookup_ExactMatch(t *testing.T) {
	path := writeFixture(t, fixtureV1)
	r := policy.NewRegistry()
	require.NoError(t, r.Load(path))

	entry := r.Lookup("schedule_request", 3)
	require.Equal(t, 3, entry.TrustFloor)
	require.True(t, entry.RequireConsent)
}

func TestLookup_NearestLowerTrustLevel(t *testing.T) {
	path := writeFixture(t, fixtureV1)
	r := policy.NewRegistry()
	require.NoError(t, r.Load(path))

	// trust level 2 has no exact entry; falls back to the level-1 entry.
	entry := r.Lookup("schedule_request", 2)
	require.Equal(t, 1, entry.TrustFloor)
	require.False(t, entry.RequireConsent)
}

func TestLookup_UnregisteredIntentType_DeniesAll(t *testing.T) {
	path := writeFixture(t, fixtureV1)
	r := policy.NewRegistry()
	require.NoError(t, r.Load(path))

	entry := r.Lookup("never_registered", 5)
	require.Greater(t, entry.TrustFloor, 5)
}

func TestReload_RejectsNonNewerVersion(t *testing.T) {
	r := policy.NewRegistry()
	require.NoError(t, r.Load(writeFixture(t, fixtureV1)))

	applied, err := r.Reload(writeFixture(t, fixtureV2Older))
	require.Error(t, err)
	require.False(t, applied)
	require.Equal(t, "1.0.0", r.Version())
}

func TestReload_AppliesNewerVersion(t *testing.T) {
	r := policy.NewRegistry()
	require.NoError(t, r.Load(writeFixture(t, fixtureV1)))

	applied, err := r.Reload(writeFixture(t, fixtureV2Newer))
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "1.1.0", r.Version())

	entry := r.Lookup("schedule_request", 1)
	require.Equal(t, 0.9, entry.RiskThreshold)
}
