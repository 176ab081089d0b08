package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajessitech/figmacopilot-sub001/errors"
)

func TestParseJoin(t *testing.T) {
	env, err := Parse([]byte(`{"type":"join","role":"frontend","channel":"design-42"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoin, env.Type)
	assert.Equal(t, RoleFrontend, env.Role)
	assert.Equal(t, "design-42", env.Channel)
}

func TestParseToolCallKeepsParamsOpaque(t *testing.T) {
	raw := `{"type":"tool_call","id":"abc","command":"create_rectangle","params":{"width":100,"nested":{"x":1}}}`
	env, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "abc", env.ID)
	assert.Equal(t, "create_rectangle", env.Command)
	assert.JSONEq(t, `{"width":100,"nested":{"x":1}}`, string(env.Params))
}

func TestParseRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing type", `{"channel":"x"}`},
		{"unknown type", `{"type":"teleport"}`},
		{"join without channel", `{"type":"join","role":"backend"}`},
		{"join with bad role", `{"type":"join","role":"observer","channel":"x"}`},
		{"tool_call without id", `{"type":"tool_call","command":"c"}`},
		{"tool_call without command", `{"type":"tool_call","id":"1"}`},
		{"tool_response without id", `{"type":"tool_response","result":{}}`},
		{"chunk without response_id", `{"type":"agent_response_chunk","text":"hi"}`},
		{"final without response_id", `{"type":"agent_response","text":"hi","is_final":true}`},
		{"prompt without text", `{"type":"user_prompt"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "expected invalid classification, got %v", err)
		})
	}
}

func TestParseLeaveHasNoRequiredFields(t *testing.T) {
	env, err := Parse([]byte(`{"type":"leave"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeLeave, env.Type)
}

func TestEncodeOmitsZeroFields(t *testing.T) {
	env := NewError(CodePeerUnavailable, "no frontend in channel", "x")
	data, err := env.Encode()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, "peer_unavailable", m["code"])
	assert.Equal(t, "x", m["ref_id"])
	assert.NotContains(t, m, "channel")
	assert.NotContains(t, m, "params")
	assert.NotContains(t, m, "is_final")
}

func TestNewTimeoutResultShape(t *testing.T) {
	env := NewTimeoutResult("call-7")
	assert.Equal(t, TypeToolResponse, env.Type)
	assert.Equal(t, "call-7", env.ID)
	assert.Nil(t, env.Result)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(env.Error, &payload))
	assert.Equal(t, "timeout", payload["kind"])
}

func TestRoleHelpers(t *testing.T) {
	assert.True(t, RoleFrontend.Valid())
	assert.True(t, RoleBackend.Valid())
	assert.False(t, Role("observer").Valid())
	assert.Equal(t, RoleBackend, RoleFrontend.Other())
	assert.Equal(t, RoleFrontend, RoleBackend.Other())
}
