package tap

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajessitech/figmacopilot-sub001/config"
	"github.com/ajessitech/figmacopilot-sub001/errors"
	"github.com/ajessitech/figmacopilot-sub001/protocol"
)

func testTapConfig() config.TapConfig {
	return config.TapConfig{
		Enabled:       true,
		URLs:          []string{"nats://localhost:4222"},
		SubjectPrefix: "relay.tap",
	}
}

func TestInitializeValidatesConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.TapConfig)
	}{
		{"no urls", func(c *config.TapConfig) { c.URLs = nil }},
		{"no prefix", func(c *config.TapConfig) { c.SubjectPrefix = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testTapConfig()
			tc.mutate(&cfg)
			p := NewPublisher(cfg, slog.Default(), nil)
			err := p.Initialize()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	p := NewPublisher(testTapConfig(), slog.Default(), nil)
	require.NoError(t, p.Initialize())
	require.NoError(t, p.Initialize())
}

func TestStartRequiresInitialize(t *testing.T) {
	p := NewPublisher(testTapConfig(), slog.Default(), nil)
	err := p.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestSubjectConstruction(t *testing.T) {
	p := NewPublisher(testTapConfig(), slog.Default(), nil)

	assert.Equal(t, "relay.tap.session-1.tool_call",
		p.Subject("session-1", protocol.TypeToolCall))
	assert.Equal(t, "relay.tap.session-1.agent_response_chunk",
		p.Subject("session-1", protocol.TypeAgentResponseChunk))

	// Channel names are user input: subject separators and wildcards must
	// not escape into the subject hierarchy.
	assert.Equal(t, "relay.tap.a_b_c_d_e.user_prompt",
		p.Subject("a.b*c>d e", protocol.TypeUserPrompt))
	assert.Equal(t, "relay.tap._.user_prompt",
		p.Subject("", protocol.TypeUserPrompt))
}

func TestPublishBeforeStartFails(t *testing.T) {
	p := NewPublisher(testTapConfig(), slog.Default(), nil)
	require.NoError(t, p.Initialize())

	env := &protocol.Envelope{Type: protocol.TypeUserPrompt, Text: "hi"}
	err := p.Publish("session-1", env)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestTapSwallowsPublishErrors(t *testing.T) {
	p := NewPublisher(testTapConfig(), slog.Default(), nil)
	require.NoError(t, p.Initialize())

	fn := p.Tap()
	fn("session-1", &protocol.Envelope{Type: protocol.TypeUserPrompt, Text: "hi"})

	health := p.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, 1, health.ErrorCount)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	p := NewPublisher(testTapConfig(), slog.Default(), nil)
	require.NoError(t, p.Stop(time.Second))
}

func TestMeta(t *testing.T) {
	p := NewPublisher(testTapConfig(), slog.Default(), nil)
	meta := p.Meta()
	assert.Equal(t, "tap", meta.Name)
	assert.Equal(t, "tap", meta.Type)
}
