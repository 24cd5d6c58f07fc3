package jobctl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type octoRequest struct {
	Method string
	Path   string
	APIKey string
	Body   map[string]any
}

func newOctoServer(t *testing.T, state string, status int) (*httptest.Server, func() []octoRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []octoRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := octoRequest{Method: r.Method, Path: r.URL.Path, APIKey: r.Header.Get("X-Api-Key")}
		if r.Method == http.MethodPost {
			json.NewDecoder(r.Body).Decode(&rec.Body)
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()

		if status != 0 {
			http.Error(w, "Printer is not operational", status)
			return
		}
		if r.Method == http.MethodGet && r.URL.Path == "/api/job" {
			json.NewEncoder(w).Encode(map[string]string{"state": state})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []octoRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]octoRequest(nil), reqs...)
	}
}

func TestOctoPrintActions(t *testing.T) {
	srv, requests := newOctoServer(t, "Printing", 0)
	o := NewOctoPrint(srv.URL+"/", "secret")
	ctx := context.Background()

	require.NoError(t, o.PausePrint(ctx))
	require.NoError(t, o.CancelPrint(ctx))
	require.NoError(t, o.SendCommands(ctx, []string{"M600", "M117 Out of filament"}))

	reqs := requests()
	require.Len(t, reqs, 3)

	assert.Equal(t, "/api/job", reqs[0].Path)
	assert.Equal(t, "pause", reqs[0].Body["command"])
	assert.Equal(t, "pause", reqs[0].Body["action"])

	assert.Equal(t, "/api/job", reqs[1].Path)
	assert.Equal(t, "cancel", reqs[1].Body["command"])

	assert.Equal(t, "/api/printer/command", reqs[2].Path)
	assert.Equal(t, []any{"M600", "M117 Out of filament"}, reqs[2].Body["commands"])

	for _, r := range reqs {
		assert.Equal(t, "secret", r.APIKey)
	}
}

func TestOctoPrintIsPrinting(t *testing.T) {
	for state, want := range map[string]bool{
		"Printing":            true,
		"Printing from SD":    true,
		"Paused":              false,
		"Operational":         false,
		"Offline after error": false,
		"Cancelling":          false,
	} {
		srv, _ := newOctoServer(t, state, 0)
		got, err := NewOctoPrint(srv.URL, "k").IsPrinting(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got, state)
	}
}

func TestOctoPrintHTTPError(t *testing.T) {
	srv, _ := newOctoServer(t, "", http.StatusConflict)
	o := NewOctoPrint(srv.URL, "k")

	err := o.PausePrint(context.Background())
	require.Error(t, err)

	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, OpPause, ce.Op)
	assert.Contains(t, err.Error(), "409")

	_, err = o.IsPrinting(context.Background())
	assert.Error(t, err)
}
