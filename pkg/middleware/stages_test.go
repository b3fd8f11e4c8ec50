package middleware

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/message"
)

func runStage(t *testing.T, stage Stage, mc *MessageContext) bool {
	t.Helper()
	reached := false
	require.NoError(t, stage.Execute(context.Background(), mc, func() error {
		reached = true
		return nil
	}))
	return reached
}

func TestTextTransform(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		params   map[string]any
		input    string
		expected string
	}{
		{"uppercase", map[string]any{"action": "uppercase"}, "hello", "HELLO"},
		{"lowercase", map[string]any{"action": "lowercase"}, "HeLLo", "hello"},
		{"capitalize", map[string]any{"action": "capitalize"}, "hello world", "Hello world"},
		{"trim", map[string]any{"action": "trim"}, "  padded  ", "padded"},
		{"replace literal", map[string]any{"action": "replace", "search": "cat", "replacement": "dog"}, "the cat sat", "the dog sat"},
		{"replace regex", map[string]any{"action": "replace", "search": `\d+`, "replacement": "N", "regex": true}, "v1 and v22", "vN and vN"},
		{"prepend", map[string]any{"action": "prepend", "text": ">> "}, "news", ">> news"},
		{"append", map[string]any{"action": "append", "text": " #bot"}, "news", "news #bot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			stage, err := newTextTransformStage("tt", tt.params, Deps{})
			require.NoError(t, err)

			mc := newTestContext(tt.input)
			assert.True(t, runStage(t, stage, mc))
			assert.Equal(t, tt.expected, mc.Message.Text)
		})
	}
}

func TestTextTransformRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := newTextTransformStage("tt", map[string]any{"action": "explode"}, Deps{})
	require.Error(t, err)
	_, err = newTextTransformStage("tt", map[string]any{"action": "replace", "search": "[", "regex": true}, Deps{})
	require.Error(t, err)
	_, err = newTextTransformStage("tt", map[string]any{"action": "prepend"}, Deps{})
	require.Error(t, err)
}

func TestFilterSkip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  map[string]any
		input   string
		skipped bool
	}{
		{"contains match", map[string]any{"condition": "contains", "value": "spam"}, "buy spam now", true},
		{"contains no match", map[string]any{"condition": "contains", "value": "spam"}, "legit news", false},
		{"not_contains", map[string]any{"condition": "not_contains", "value": "#release"}, "just chatter", true},
		{"starts_with", map[string]any{"condition": "starts_with", "value": "RT "}, "RT something", true},
		{"ends_with", map[string]any{"condition": "ends_with", "value": "?"}, "really?", true},
		{"regex case-insensitive", map[string]any{"condition": "regex", "pattern": "urgent", "flags": "i"}, "URGENT sale", true},
		{"too short", map[string]any{"condition": "length", "min_length": 10}, "tiny", true},
		{"too long", map[string]any{"condition": "length", "max_length": 5}, "this is long", true},
		{"length ok", map[string]any{"condition": "length", "min_length": 2, "max_length": 20}, "just right", false},
		{"empty", map[string]any{"condition": "empty"}, "   ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			stage, err := newFilterStage("f", tt.params, Deps{})
			require.NoError(t, err)

			mc := newTestContext(tt.input)
			reached := runStage(t, stage, mc)
			assert.Equal(t, tt.skipped, mc.Skip)
			assert.Equal(t, !tt.skipped, reached)
		})
	}
}

func TestFilterContinueRecordsMatch(t *testing.T) {
	t.Parallel()

	stage, err := newFilterStage("tagcheck", map[string]any{
		"condition": "contains", "value": "#ad", "action": "continue",
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("sponsored #ad post")
	assert.True(t, runStage(t, stage, mc))
	assert.False(t, mc.Skip)
	assert.Equal(t, true, mc.Scratch["tagcheck_matched"])
}

func TestTemplateStageContextSource(t *testing.T) {
	t.Parallel()

	stage, err := newTemplateStage("tpl", map[string]any{
		"template":    "[{{provider}}] {{text}}",
		"data_source": "context",
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("original words")
	assert.True(t, runStage(t, stage, mc))
	assert.Equal(t, "[test-provider] original words", mc.Message.Text)
}

func TestTemplateStageStaticSource(t *testing.T) {
	t.Parallel()

	stage, err := newTemplateStage("tpl", map[string]any{
		"template":    "build {{version}} shipped",
		"data_source": "static",
		"data":        map[string]any{"version": "1.2.3"},
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("ignored")
	assert.True(t, runStage(t, stage, mc))
	assert.Equal(t, "build 1.2.3 shipped", mc.Message.Text)
}

func TestTemplateStageEnvironmentSource(t *testing.T) {
	t.Setenv("CRIER_TEST_REGION", "eu-west")

	stage, err := newTemplateStage("tpl", map[string]any{
		"template":    "region={{REGION}}",
		"data_source": "environment",
		"env_prefix":  "CRIER_TEST_",
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("ignored")
	assert.True(t, runStage(t, stage, mc))
	assert.Equal(t, "region=eu-west", mc.Message.Text)
}

func TestTemplateStageStrictMiss(t *testing.T) {
	t.Parallel()

	stage, err := newTemplateStage("tpl", map[string]any{
		"template":    "{{missing}}",
		"data_source": "static",
		"data":        map[string]any{},
		"strict":      true,
	}, Deps{})
	require.NoError(t, err)

	err = stage.Execute(context.Background(), newTestContext("x"), func() error { return nil })
	require.Error(t, err)
}

func TestCommandStageReplace(t *testing.T) {
	t.Parallel()

	stage, err := newCommandStage("cmd", map[string]any{
		"command": "printf 'generated output'",
		"mode":    "replace",
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("old text")
	assert.True(t, runStage(t, stage, mc))
	assert.Equal(t, "generated output", mc.Message.Text)
}

func TestCommandStageStdinInput(t *testing.T) {
	t.Parallel()

	stage, err := newCommandStage("cmd", map[string]any{
		"command": "tr a-z A-Z",
		"mode":    "replace",
		"input":   "stdin",
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("quiet words")
	assert.True(t, runStage(t, stage, mc))
	assert.Equal(t, "QUIET WORDS", mc.Message.Text)
}

func TestCommandStageEnvInput(t *testing.T) {
	t.Parallel()

	stage, err := newCommandStage("cmd", map[string]any{
		"command": `printf '%s!' "$MESSAGE_TEXT"`,
		"mode":    "replace",
		"input":   "env",
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("hello")
	assert.True(t, runStage(t, stage, mc))
	assert.Equal(t, "hello!", mc.Message.Text)
}

func TestCommandStageEmptyOutputIsFatal(t *testing.T) {
	t.Parallel()

	stage, err := newCommandStage("cmd", map[string]any{
		"command": "true",
		"mode":    "replace",
	}, Deps{})
	require.NoError(t, err)

	err = stage.Execute(context.Background(), newTestContext("x"), func() error { return nil })
	require.Error(t, err)
	assert.True(t, errors.IsLocalFatal(err))
}

func TestCommandStageValidateSkip(t *testing.T) {
	t.Parallel()

	stage, err := newCommandStage("cmd", map[string]any{
		"command":         "exit 3",
		"mode":            "validate",
		"skip_on_failure": true,
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("x")
	reached := runStage(t, stage, mc)
	assert.False(t, reached)
	assert.True(t, mc.Skip)
}

func TestRateLimitStageSkipsWhenExhausted(t *testing.T) {
	t.Parallel()

	stage, err := newRateLimitStage("rl", map[string]any{
		"limit":  1,
		"window": "60s",
		"scope":  "provider",
	}, Deps{})
	require.NoError(t, err)

	first := newTestContext("one")
	assert.True(t, runStage(t, stage, first))
	assert.False(t, first.Skip)

	second := newTestContext("two")
	reached := runStage(t, stage, second)
	assert.False(t, reached)
	assert.True(t, second.Skip)
	assert.Contains(t, second.SkipReason, "rate limit")
}

func TestRateLimitStageDelays(t *testing.T) {
	t.Parallel()

	stage, err := newRateLimitStage("rl", map[string]any{
		"limit":     1,
		"window":    "50ms",
		"action":    "delay",
		"max_delay": "5s",
	}, Deps{})
	require.NoError(t, err)

	var slept time.Duration
	stage.(*rateLimitStage).sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		time.Sleep(60 * time.Millisecond) // let the window roll over
		return nil
	}

	assert.True(t, runStage(t, stage, newTestContext("one")))
	second := newTestContext("two")
	assert.True(t, runStage(t, stage, second))
	assert.False(t, second.Skip)
	assert.Greater(t, slept, time.Duration(0))
}

func TestConditionalAndOr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  map[string]any
		text    string
		skipped bool
	}{
		{
			"and both hold",
			map[string]any{
				"operator": "and",
				"conditions": []map[string]any{
					{"type": "text", "value": "alert"},
					{"type": "provider", "match": "equals", "value": "test-provider"},
				},
			},
			"alert: disk full", true,
		},
		{
			"and one fails",
			map[string]any{
				"operator": "and",
				"conditions": []map[string]any{
					{"type": "text", "value": "alert"},
					{"type": "provider", "match": "equals", "value": "other"},
				},
			},
			"alert: disk full", false,
		},
		{
			"or one holds",
			map[string]any{
				"operator": "or",
				"conditions": []map[string]any{
					{"type": "text", "value": "nope"},
					{"type": "length", "min": 5},
				},
			},
			"long enough", true,
		},
		{
			"inverted",
			map[string]any{
				"operator": "and",
				"invert":   true,
				"conditions": []map[string]any{
					{"type": "text", "value": "keepword"},
				},
			},
			"missing the word", true,
		},
		{
			"accounts member",
			map[string]any{
				"conditions": []map[string]any{
					{"type": "accounts", "account": "acct-a"},
				},
			},
			"whatever", true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			stage, err := newConditionalStage("cond", tt.params, Deps{})
			require.NoError(t, err)

			mc := newTestContext(tt.text)
			runStage(t, stage, mc)
			assert.Equal(t, tt.skipped, mc.Skip)
		})
	}
}

func TestConditionalScratchDotPath(t *testing.T) {
	t.Parallel()

	stage, err := newConditionalStage("cond", map[string]any{
		"conditions": []map[string]any{
			{"type": "scratch", "key": "probe_result.status", "value": "failed"},
		},
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("x")
	mc.Scratch["probe_result"] = map[string]any{"status": "failed", "code": 7}
	runStage(t, stage, mc)
	assert.True(t, mc.Skip)
}

func TestAttachmentRemoveByMimeGlob(t *testing.T) {
	t.Parallel()

	stage, err := newAttachmentStage("att", map[string]any{
		"action":     "remove",
		"mime_types": []string{"image/*"},
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("x")
	mc.Message.Attachments = []message.Attachment{
		{MimeType: "image/png", Filename: "a.png"},
		{MimeType: "image/jpeg", Filename: "b.jpg"},
		{MimeType: "text/plain", Filename: "notes.txt"},
	}
	assert.True(t, runStage(t, stage, mc))
	require.Len(t, mc.Message.Attachments, 1)
	assert.Equal(t, "notes.txt", mc.Message.Attachments[0].Filename)
	assert.Equal(t, 2, mc.Scratch["att_removed"])
}

func TestAttachmentAddFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "banner.png")
	require.NoError(t, os.WriteFile(path, []byte{0x89, 0x50}, 0o600))

	stage, err := newAttachmentStage("att", map[string]any{
		"action":    "add",
		"path":      path,
		"mime_type": "image/png",
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("x")
	assert.True(t, runStage(t, stage, mc))
	require.Len(t, mc.Message.Attachments, 1)
	assert.Equal(t, "banner.png", mc.Message.Attachments[0].Filename)
}

func TestAttachmentAddMissingFileDropsAttachmentOnly(t *testing.T) {
	t.Parallel()

	stage, err := newAttachmentStage("att", map[string]any{
		"action": "add",
		"path":   "/nonexistent/nope.png",
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("x")
	assert.True(t, runStage(t, stage, mc), "message must pass through")
	assert.Empty(t, mc.Message.Attachments)
	assert.False(t, mc.Skip)
}

func TestAttachmentValidateSkip(t *testing.T) {
	t.Parallel()

	stage, err := newAttachmentStage("att", map[string]any{
		"action":          "validate",
		"max_count":       1,
		"skip_on_failure": true,
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("x")
	mc.Message.Attachments = []message.Attachment{{}, {}}
	reached := runStage(t, stage, mc)
	assert.False(t, reached)
	assert.True(t, mc.Skip)
}
