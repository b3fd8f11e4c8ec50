package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/message"
)

func newTestContext(text string) *MessageContext {
	return NewMessageContext(
		&message.Message{Text: text},
		"test-provider",
		&config.ProviderConfig{Name: "test-provider"},
		[]string{"acct-a", "acct-b"},
		message.VisibilityPublic,
	)
}

type recordingStage struct {
	name   string
	calls  *[]string
	skip   bool
	reason string
	err    error
}

func (s *recordingStage) Name() string { return s.name }

func (s *recordingStage) Execute(_ context.Context, mc *MessageContext, next func() error) error {
	*s.calls = append(*s.calls, s.name)
	if s.err != nil {
		return s.err
	}
	if s.skip {
		mc.MarkSkip(s.name, s.reason)
		return nil
	}
	return next()
}

func TestPipelineRunsStagesInOrder(t *testing.T) {
	t.Parallel()

	var calls []string
	p := NewPipeline(
		&recordingStage{name: "first", calls: &calls},
		&recordingStage{name: "second", calls: &calls},
		&recordingStage{name: "third", calls: &calls},
	)

	mc := newTestContext("hello")
	require.NoError(t, p.Run(context.Background(), mc))
	assert.Equal(t, []string{"first", "second", "third"}, calls)
	assert.False(t, mc.Skip)
}

func TestPipelineSkipHaltsChain(t *testing.T) {
	t.Parallel()

	var calls []string
	p := NewPipeline(
		&recordingStage{name: "first", calls: &calls},
		&recordingStage{name: "gate", calls: &calls, skip: true, reason: "blocked"},
		&recordingStage{name: "unreached", calls: &calls},
	)

	mc := newTestContext("hello")
	require.NoError(t, p.Run(context.Background(), mc))
	assert.Equal(t, []string{"first", "gate"}, calls)
	assert.True(t, mc.Skip)
	assert.Equal(t, "blocked", mc.SkipReason)
}

func TestPipelineErrorNamesStage(t *testing.T) {
	t.Parallel()

	var calls []string
	p := NewPipeline(
		&recordingStage{name: "boom", calls: &calls, err: errors.New("stage exploded")},
		&recordingStage{name: "unreached", calls: &calls},
	)

	err := p.Run(context.Background(), newTestContext("hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage boom")
	assert.Equal(t, []string{"boom"}, calls)
}

func TestPipelineHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls []string
	p := NewPipeline(&recordingStage{name: "never", calls: &calls})
	err := p.Run(ctx, newTestContext("hello"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls)
}

func TestScratchConvention(t *testing.T) {
	t.Parallel()

	mc := newTestContext("hello")
	mc.SetScratch("filter", "matched", true)

	v, ok := mc.GetScratch("filter", "matched")
	require.True(t, ok)
	assert.Equal(t, true, v)
	assert.Equal(t, true, mc.Scratch["filter_matched"])
}

func TestBuildRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := Build([]config.MiddlewareConfig{{Name: "x", Type: "telepathy"}}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telepathy")
}

func TestBuildConstructsConfiguredStages(t *testing.T) {
	t.Parallel()

	p, err := Build([]config.MiddlewareConfig{
		{Name: "shout", Type: "text_transform", Params: map[string]any{"action": "uppercase"}},
		{Name: "gate", Type: "filter", Params: map[string]any{"condition": "contains", "value": "spam"}},
	}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())

	mc := newTestContext("hello")
	require.NoError(t, p.Run(context.Background(), mc))
	assert.Equal(t, "HELLO", mc.Message.Text)
}
