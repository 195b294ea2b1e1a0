package transcribe

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWav(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "chunk.wav")
	require.NoError(t, os.WriteFile(p, []byte("RIFFfake"), 0o644))
	return p
}

func TestOpenAITranscribe(t *testing.T) {
	var gotPrompt, gotModel, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotPrompt = r.FormValue("prompt")
		gotModel = r.FormValue("model")
		gotAuth = r.Header.Get("Authorization")
		_, _, err := r.FormFile("file")
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"hello world"}`))
	}))
	defer srv.Close()

	b := NewOpenAIBackend(srv.URL, "sk-test", "whisper-1")
	res, err := b.Transcribe(t.Context(), writeWav(t), "previous words", Options{})
	require.NoError(t, err)

	assert.Equal(t, "hello world", res.Text)
	assert.Equal(t, "previous words", gotPrompt)
	assert.Equal(t, "whisper-1", gotModel)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestOpenAITranscribeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewOpenAIBackend(srv.URL, "sk-test", "whisper-1")
	_, err := b.Transcribe(t.Context(), writeWav(t), "", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
