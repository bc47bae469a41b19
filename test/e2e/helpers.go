package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillstream/quillstream/pkg/api"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// doJSON performs one request against the test server and decodes the
// response body into out (skipped when out is nil). Returns the status code.
func (app *TestApp) doJSON(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.Unmarshal(data, out), "body: %s", data)
	}
	return resp.StatusCode
}

func streamPath(key string, suffix string) string {
	p := "/api/v1/streams/" + url.PathEscape(key)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// ListStreams fetches the stream listing, optionally filtered by kind.
func (app *TestApp) ListStreams(t *testing.T, kind string) api.StreamListResponse {
	t.Helper()
	path := "/api/v1/streams"
	if kind != "" {
		path += "?kind=" + kind
	}
	var resp api.StreamListResponse
	status := app.doJSON(t, http.MethodGet, path, nil, &resp)
	require.Equal(t, http.StatusOK, status)
	return resp
}

// GetStream fetches one stream and requires success.
func (app *TestApp) GetStream(t *testing.T, key string) api.StreamResponse {
	t.Helper()
	var resp api.StreamResponse
	status := app.doJSON(t, http.MethodGet, streamPath(key, ""), nil, &resp)
	require.Equal(t, http.StatusOK, status)
	return resp
}

// GetStreamStatus fetches one stream and returns only the status code.
func (app *TestApp) GetStreamStatus(t *testing.T, key string) int {
	t.Helper()
	return app.doJSON(t, http.MethodGet, streamPath(key, ""), nil, nil)
}

// VerifyStream runs chain verification and returns the response with its
// status code, so callers can assert tamper failures too.
func (app *TestApp) VerifyStream(t *testing.T, key string) (api.VerifyResponse, int) {
	t.Helper()
	var resp api.VerifyResponse
	status := app.doJSON(t, http.MethodPost, streamPath(key, "verify"), nil, &resp)
	return resp, status
}

// DeleteStream tombstones a stream with a reason and requires success.
func (app *TestApp) DeleteStream(t *testing.T, key, reason string) api.DeleteStreamResponse {
	t.Helper()
	var resp api.DeleteStreamResponse
	status := app.doJSON(t, http.MethodDelete, streamPath(key, ""), api.DeleteStreamRequest{Reason: reason}, &resp)
	require.Equal(t, http.StatusOK, status)
	return resp
}

// BreakSession checkpoints a live session and requires success.
func (app *TestApp) BreakSession(t *testing.T, key string) api.BreakSessionResponse {
	t.Helper()
	var resp api.BreakSessionResponse
	status := app.doJSON(t, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(key)+"/break", nil, &resp)
	require.Equal(t, http.StatusOK, status)
	return resp
}

// Connections fetches the live connection listing.
func (app *TestApp) Connections(t *testing.T) api.ConnectionListResponse {
	t.Helper()
	var resp api.ConnectionListResponse
	status := app.doJSON(t, http.MethodGet, "/api/v1/connections", nil, &resp)
	require.Equal(t, http.StatusOK, status)
	return resp
}

// Health fetches the health endpoint.
func (app *TestApp) Health(t *testing.T) api.HealthResponse {
	t.Helper()
	var resp api.HealthResponse
	status := app.doJSON(t, http.MethodGet, "/health", nil, &resp)
	require.Equal(t, http.StatusOK, status)
	return resp
}

// ────────────────────────────────────────────────────────────
// WebSocket and polling helpers
// ────────────────────────────────────────────────────────────

// Connect dials the ingest endpoint and registers cleanup.
func (app *TestApp) Connect(t *testing.T) *WSClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, err := WSConnect(ctx, app.WSURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// WaitForStreamItems polls one stream until it exists and holds at least n
// items. Appends ride the async engine, so a test that just sent events over
// the socket cannot read them back synchronously.
func (app *TestApp) WaitForStreamItems(t *testing.T, key string, n int, timeout time.Duration) api.StreamResponse {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %d items in stream %q", n, key)
			return api.StreamResponse{}
		case <-tick.C:
			var resp api.StreamResponse
			status := app.doJSON(t, http.MethodGet, streamPath(key, ""), nil, &resp)
			if status == http.StatusOK && resp.Count >= n {
				return resp
			}
		}
	}
}

// WaitForClosedStreams polls the listing until n sealed streams exist and
// returns them. Stream sealing happens on the connection goroutine after the
// socket closes, so tests have to wait for it.
func (app *TestApp) WaitForClosedStreams(t *testing.T, n int, timeout time.Duration) []api.StreamSummary {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			resp := app.ListStreams(t, "")
			t.Fatalf("timeout waiting for %d sealed streams; listing: %+v", n, resp.Streams)
			return nil
		case <-tick.C:
			resp := app.ListStreams(t, "closed")
			if resp.Count >= n {
				return resp.Streams
			}
		}
	}
}

// IngestSession runs a complete ingest round trip: connect, identify, send
// one keystroke event per payload, close cleanly, and wait for the sealed
// stream. Returns the final hash.
func (app *TestApp) IngestSession(t *testing.T, userID string, seqs ...int) string {
	t.Helper()

	before := make(map[string]bool)
	for _, st := range app.ListStreams(t, "closed").Streams {
		before[st.Key] = true
	}

	client := app.Connect(t)
	require.NoError(t, client.Identify(userID))
	_, err := client.WaitForStatus("auth", 5*time.Second)
	require.NoError(t, err)

	for _, seq := range seqs {
		require.NoError(t, client.Send(map[string]any{
			"event":  "keystroke",
			"source": "org.mitros.writing_analytics",
			"seq":    seq,
		}))
	}
	require.NoError(t, client.CloseNormal())

	streams := app.WaitForClosedStreams(t, len(before)+1, 5*time.Second)
	for _, st := range streams {
		if !before[st.Key] {
			return st.Key
		}
	}
	t.Fatalf("no new sealed stream found among %+v", streams)
	return ""
}
