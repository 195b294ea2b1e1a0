package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootHelp(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "serve")
	assert.Contains(t, out.String(), "sessions")
}

func TestSessionsCommandEmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "minutesd.sqlite")

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"sessions", "--db", dbPath})

	require.NoError(t, cmd.Execute())
}

func TestRetryCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/queue/retry", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"requeued":3}`)
	}))
	defer srv.Close()

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"retry", "--addr", srv.URL})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Requeued 3 dead jobs.")
}

func TestRetryCommandServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cmd := newRootCommand()
	cmd.SetArgs([]string{"retry", "--addr", srv.URL})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
}

func TestServeRejectsUnknownBlobBackend(t *testing.T) {
	cfg := `
store:
  path: ` + filepath.Join(t.TempDir(), "db.sqlite") + `
blob:
  backend: carrier-pigeon
`
	cfgPath := filepath.Join(t.TempDir(), "minutesd.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	cmd := newRootCommand()
	cmd.SetArgs([]string{"serve", "--config", cfgPath})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}
