package policy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intentkeep/broker/internal/policy"
)

const scheduleSchema = `{
  "type": "object",
  "properties": {
    "purpose": {"type": "string"},
    "duration_minutes": {"type": "integer", "minimum": 1}
  },
  "required": ["purpose"]
}`

func TestSchemaRegistry_ValidateSuccess(t *testing.T) {
	reg := policy.NewSchemaRegistry()
	require.NoError(t, reg.RegisterSchema("schedule_request", scheduleSchema))

	err := reg.Validate("schedule_request", map[string]any{"purpose": "sync", "duration_minutes": 30})
	require.NoError(t, err)
}

func TestSchemaRegistry_ValidateFailure(t *testing.T) {
	reg := policy.NewSchemaRegistry()
	require.NoError(t, reg.RegisterSchema("schedule_request", scheduleSchema))

	err := reg.Validate("schedule_request", map[string]any{"duration_minutes": -5})
	require.Error(t, err)
}

func TestSchemaRegistry_UnregisteredType_NoOp(t *testing.T) {
	reg := policy.NewSchemaRegistry()
	err := reg.Validate("no_such_type", map[string]any{})
	require.NoError(t, err)
}

func TestSchemaRegistry_ClearSchema(t *testing.T) {
	reg := policy.NewSchemaRegistry()
	require.NoError(t, reg.RegisterSchema("schedule_request", scheduleSchema))
	require.NoError(t, reg.RegisterSchema("schedule_request", ""))

	err := reg.Validate("schedule_request", map[string]any{})
	require.NoError(t, err)
}
