package template

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"title": "hello",
		"count": 3,
		"nested": {"deep": {"value": "found"}},
		"items": [{"name": "first"}, {"name": "second"}],
		"flag": true,
		"nothing": null
	}`)

	tests := []struct {
		name     string
		tmpl     string
		expected string
	}{
		{"curly braces", "say {{title}}", "say hello"},
		{"dollar braces", "say ${title}", "say hello"},
		{"whitespace around path", "say {{ title }}", "say hello"},
		{"number value", "count={{count}}", "count=3"},
		{"boolean value", "flag={{flag}}", "flag=true"},
		{"null renders empty", "x={{nothing}}y", "x=y"},
		{"dot path", "{{nested.deep.value}}", "found"},
		{"array index", "{{items.1.name}}", "second"},
		{"mixed syntaxes", "{{title}} ${count}", "hello 3"},
		{"missing path left literal", "{{absent}} {{title}}", "{{absent}} hello"},
		{"object path keeps raw json", "{{nested.deep}}", `{"value": "found"}`},
		{"no placeholders", "plain text", "plain text"},
	}

	p := &Processor{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := p.Apply(tt.tmpl, data)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestApplyStrict(t *testing.T) {
	t.Parallel()

	p := &Processor{Strict: true}
	data := []byte(`{"a": "1"}`)

	out, err := p.Apply("{{a}}", data)
	require.NoError(t, err)
	assert.Equal(t, "1", out)

	_, err = p.Apply("{{a}} {{missing}}", data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestApplyIdempotent(t *testing.T) {
	t.Parallel()

	// Re-applying to fully resolved output is a no-op.
	p := &Processor{}
	data := []byte(`{"x": "done"}`)
	first, err := p.Apply("value is {{x}}", data)
	require.NoError(t, err)
	require.False(t, HasPlaceholders(first))

	second, err := p.Apply(first, data)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestApplyMap(t *testing.T) {
	t.Parallel()

	p := &Processor{}
	out, err := p.ApplyMap("{{provider}} to {{count}} accounts", map[string]any{
		"provider": "p1",
		"count":    2,
	})
	require.NoError(t, err)
	assert.Equal(t, "p1 to 2 accounts", out)
}

func TestExtractAttachments(t *testing.T) {
	t.Parallel()

	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	doc := []byte(fmt.Sprintf(`{
		"text": "hi",
		"media": [
			{"data": %q, "mimeType": "image/png", "filename": "a.png", "description": "first"},
			{"data": %q, "mimeType": "image/jpeg"}
		]
	}`, b64("aaa"), b64("bbb")))

	atts, err := ExtractAttachments(doc, AttachmentConfig{Key: "media"})
	require.NoError(t, err)
	require.Len(t, atts, 2)
	assert.Equal(t, []byte("aaa"), atts[0].Data)
	assert.Equal(t, "image/png", atts[0].MimeType)
	assert.Equal(t, "a.png", atts[0].Filename)
	assert.Equal(t, "first", atts[0].Description)
	assert.Equal(t, []byte("bbb"), atts[1].Data)
}

func TestExtractAttachmentsCustomKeys(t *testing.T) {
	t.Parallel()

	b64 := base64.StdEncoding.EncodeToString([]byte("zzz"))
	doc := []byte(fmt.Sprintf(`{"pics": [{"b64": %q, "type": "image/gif"}]}`, b64))

	atts, err := ExtractAttachments(doc, AttachmentConfig{
		Key:         "pics",
		DataKey:     "b64",
		MimeTypeKey: "type",
	})
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "image/gif", atts[0].MimeType)
}

func TestExtractAttachmentsErrors(t *testing.T) {
	t.Parallel()

	// No key configured: nothing extracted.
	atts, err := ExtractAttachments([]byte(`{"media": []}`), AttachmentConfig{})
	require.NoError(t, err)
	assert.Nil(t, atts)

	// Key missing from document: nothing extracted.
	atts, err = ExtractAttachments([]byte(`{}`), AttachmentConfig{Key: "media"})
	require.NoError(t, err)
	assert.Nil(t, atts)

	// Key present but not an array.
	_, err = ExtractAttachments([]byte(`{"media": "nope"}`), AttachmentConfig{Key: "media"})
	assert.Error(t, err)

	// Element without payload.
	_, err = ExtractAttachments([]byte(`{"media": [{"mimeType": "image/png"}]}`), AttachmentConfig{Key: "media"})
	assert.Error(t, err)
}
