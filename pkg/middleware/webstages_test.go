package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crier-bot/crier/pkg/message"
)

func TestURLTrackingAppendsParams(t *testing.T) {
	t.Parallel()

	stage, err := newURLTrackingStage("utm", map[string]any{
		"params": map[string]string{"utm_source": "crier"},
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("read https://example.com/post?x=1 now")
	assert.True(t, runStage(t, stage, mc))
	assert.Contains(t, mc.Message.Text, "utm_source=crier")
	assert.Contains(t, mc.Message.Text, "x=1")
}

func TestURLTrackingAnchorKeepsOriginalText(t *testing.T) {
	t.Parallel()

	stage, err := newURLTrackingStage("utm", map[string]any{
		"params":       map[string]string{"utm_source": "crier"},
		"wrap_anchors": true,
	}, Deps{})
	require.NoError(t, err)

	original := "https://Example.com/post"
	mc := newTestContext("see " + original)
	assert.True(t, runStage(t, stage, mc))

	// href carries the tracked URL, the anchor text keeps the URL as it
	// appeared in the message.
	assert.Contains(t, mc.Message.Text, `href="https://Example.com/post?utm_source=crier"`)
	assert.Contains(t, mc.Message.Text, fmt.Sprintf(">%s</a>", original))
}

func TestURLTrackingSkipExistingIsNoOp(t *testing.T) {
	t.Parallel()

	stage, err := newURLTrackingStage("utm", map[string]any{
		"params":        map[string]string{"utm_source": "crier"},
		"skip_existing": true,
	}, Deps{})
	require.NoError(t, err)

	text := "see https://example.com/post?utm_source=other"
	mc := newTestContext(text)
	assert.True(t, runStage(t, stage, mc))
	assert.Equal(t, text, mc.Message.Text)

	// Re-applying to its own output changes nothing either.
	second := newTestContext(mc.Message.Text)
	assert.True(t, runStage(t, stage, second))
	assert.Equal(t, mc.Message.Text, second.Message.Text)
}

func TestURLTrackingDomainLists(t *testing.T) {
	t.Parallel()

	stage, err := newURLTrackingStage("utm", map[string]any{
		"params":          map[string]string{"utm_source": "crier"},
		"allowed_domains": []string{"example.com"},
	}, Deps{})
	require.NoError(t, err)

	mc := newTestContext("a https://sub.example.com/x b https://other.net/y")
	assert.True(t, runStage(t, stage, mc))
	assert.Contains(t, mc.Message.Text, "sub.example.com/x?utm_source=crier")
	assert.Contains(t, mc.Message.Text, "https://other.net/y")
	assert.NotContains(t, mc.Message.Text, "other.net/y?utm_source")
}

func TestYouTubeShortsFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		skipped bool
	}{
		{"shorts url", "watch https://www.youtube.com/shorts/dQw4w9WgXcQ", true},
		{"keyword next to video", "new #shorts https://youtu.be/dQw4w9WgXcQ", true},
		{"plain video", "watch https://www.youtube.com/watch?v=dQw4w9WgXcQ", false},
		{"no video", "no links here", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			stage, err := newYouTubeShortsFilterStage("shorts", map[string]any{}, Deps{})
			require.NoError(t, err)

			mc := newTestContext(tt.text)
			runStage(t, stage, mc)
			assert.Equal(t, tt.skipped, mc.Skip)
		})
	}
}

func TestYouTubeVideoFilterDuration(t *testing.T) {
	t.Parallel()

	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oembed":
			fetches++
			_, _ = w.Write([]byte(`{"title": "Short clip"}`))
		case "/watch":
			_, _ = w.Write([]byte(`<html>var data = {"lengthSeconds":"45"};</html>`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	stage, err := newYouTubeVideoFilterStage("vf", map[string]any{
		"min_duration": "2m",
		"base_url":     srv.URL,
	}, Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)

	mc := newTestContext("https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	runStage(t, stage, mc)
	assert.True(t, mc.Skip)
	assert.Contains(t, mc.SkipReason, "below minimum")

	// Second run hits the per-video cache.
	mc = newTestContext("https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	runStage(t, stage, mc)
	assert.True(t, mc.Skip)
	assert.Equal(t, 1, fetches)
}

func TestYouTubeVideoFilterFailsOpen(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	stage, err := newYouTubeVideoFilterStage("vf", map[string]any{
		"max_duration": "1m",
		"base_url":     srv.URL,
	}, Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)

	mc := newTestContext("https://youtu.be/dQw4w9WgXcQ")
	assert.True(t, runStage(t, stage, mc))
	assert.False(t, mc.Skip)
}

func TestYouTubeVideoFilterTitleExclude(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oembed":
			_, _ = w.Write([]byte(`{"title": "LIVE stream replay"}`))
		case "/watch":
			_, _ = w.Write([]byte(`{"lengthSeconds":"600"}`))
		}
	}))
	t.Cleanup(srv.Close)

	stage, err := newYouTubeVideoFilterStage("vf", map[string]any{
		"exclude_title": []string{"live"},
		"base_url":      srv.URL,
	}, Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)

	mc := newTestContext("https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	runStage(t, stage, mc)
	assert.True(t, mc.Skip)
	assert.Contains(t, mc.SkipReason, "exclude pattern")
}

func TestYouTubeCaptionAppend(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/timedtext", r.URL.Path)
		assert.Equal(t, "dQw4w9WgXcQ", r.URL.Query().Get("v"))
		_, _ = w.Write([]byte(`<?xml version="1.0"?><transcript>` +
			`<text start="0.5" dur="2">Never   gonna</text>` +
			`<text start="2.5" dur="2">give &amp;you up</text>` +
			`</transcript>`))
	}))
	t.Cleanup(srv.Close)

	stage, err := newYouTubeCaptionStage("cap", map[string]any{
		"mode":     "append",
		"base_url": srv.URL,
	}, Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)

	mc := newTestContext("https://youtu.be/dQw4w9WgXcQ")
	assert.True(t, runStage(t, stage, mc))
	assert.Contains(t, mc.Message.Text, "Never gonna give &you up")
	assert.NotContains(t, mc.Message.Text, "0.5")
}

func TestImageDescription(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		_, _ = w.Write([]byte(`{"description": "A red bicycle against a wall"}`))
	}))
	t.Cleanup(srv.Close)

	stage, err := newImageDescriptionStage("vision", map[string]any{
		"url":     srv.URL,
		"headers": map[string]string{"X-Api-Key": "secret"},
	}, Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)

	mc := newTestContext("x")
	mc.Message.Attachments = []message.Attachment{
		{MimeType: "image/png", Filename: "bike.png", Data: []byte{1}},
		{MimeType: "image/png", Filename: "done.png", Data: []byte{2}, Description: "already set"},
		{MimeType: "text/plain", Filename: "notes.txt", Data: []byte{3}},
	}
	assert.True(t, runStage(t, stage, mc))
	assert.Equal(t, "A red bicycle against a wall", mc.Message.Attachments[0].Description)
	assert.Equal(t, "already set", mc.Message.Attachments[1].Description)
	assert.Empty(t, mc.Message.Attachments[2].Description)
}

func TestImageDescriptionFallbacks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	t.Run("filename", func(t *testing.T) {
		t.Parallel()
		stage, err := newImageDescriptionStage("vision", map[string]any{
			"url": srv.URL, "fallback": "filename",
		}, Deps{HTTPClient: srv.Client()})
		require.NoError(t, err)

		mc := newTestContext("x")
		mc.Message.Attachments = []message.Attachment{{MimeType: "image/png", Filename: "cat.png", Data: []byte{1}}}
		assert.True(t, runStage(t, stage, mc))
		assert.Equal(t, "cat.png", mc.Message.Attachments[0].Description)
	})

	t.Run("skip", func(t *testing.T) {
		t.Parallel()
		stage, err := newImageDescriptionStage("vision", map[string]any{
			"url": srv.URL, "fallback": "skip",
		}, Deps{HTTPClient: srv.Client()})
		require.NoError(t, err)

		mc := newTestContext("x")
		mc.Message.Attachments = []message.Attachment{{MimeType: "image/png", Filename: "cat.png", Data: []byte{1}}}
		reached := runStage(t, stage, mc)
		assert.False(t, reached)
		assert.True(t, mc.Skip)
	})
}
