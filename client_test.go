package zoesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	method string
	path   string
	query  map[string]string
	header http.Header
	body   map[string]any
}

// newCaptureServer records each request and replies with status and body.
func newCaptureServer(t *testing.T, status int, response string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := capturedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  map[string]string{},
			header: r.Header.Clone(),
		}
		for k, vs := range r.URL.Query() {
			req.query[k] = vs[0]
		}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&req.body)
		}
		captured = append(captured, req)
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestClient_Insert(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusCreated,
		`[{"id":"row-1","user_id":"u1","verse_id":"JHN.3.16"}]`)
	c := NewClient(srv.URL, "tok-123")

	row, err := c.Insert(context.Background(), "favorite_verses",
		map[string]any{"user_id": "u1", "verse_id": "JHN.3.16"})
	require.NoError(t, err)
	assert.Equal(t, "row-1", row["id"])

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/rest/v1/favorite_verses", req.path)
	assert.Equal(t, "Bearer tok-123", req.header.Get("Authorization"))
	assert.Equal(t, "return=representation", req.header.Get("Prefer"))
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "u1", req.body["user_id"])
}

func TestClient_UpsertCarriesConflictResolution(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusCreated, `[{"id":"row-1"}]`)
	c := NewClient(srv.URL, "tok-123")

	ctx := WithIdempotencyKey(context.Background(), "mut-42")
	_, err := c.Upsert(ctx, "favorite_verses",
		map[string]any{"user_id": "u1", "verse_id": "JHN.3.16"},
		[]string{"user_id", "verse_id"})
	require.NoError(t, err)

	req := (*captured)[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "user_id,verse_id", req.query["on_conflict"])
	assert.Equal(t, "return=representation,resolution=merge-duplicates", req.header.Get("Prefer"))
	assert.Equal(t, "mut-42", req.header.Get("X-Idempotency-Key"))
}

func TestClient_UpdateFiltersByPredicate(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, `[{"color":"amber"}]`)
	c := NewClient(srv.URL, "tok-123")

	row, err := c.Update(context.Background(), "verse_highlights",
		map[string]any{"color": "amber"},
		map[string]any{"user_id": "u1", "verse_id": "JHN.3.16"})
	require.NoError(t, err)
	assert.Equal(t, "amber", row["color"])

	req := (*captured)[0]
	assert.Equal(t, http.MethodPatch, req.method)
	assert.Equal(t, "eq.u1", req.query["user_id"])
	assert.Equal(t, "eq.JHN.3.16", req.query["verse_id"])
	assert.Equal(t, map[string]any{"color": "amber"}, req.body,
		"identity fields belong in the query, not the body")
}

func TestClient_Delete(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusNoContent, "")
	c := NewClient(srv.URL, "tok-123")

	err := c.Delete(context.Background(), "favorite_verses",
		map[string]any{"user_id": "u1", "verse_id": "JHN.3.16"})
	require.NoError(t, err)

	req := (*captured)[0]
	assert.Equal(t, http.MethodDelete, req.method)
	assert.Equal(t, "eq.u1", req.query["user_id"])
	assert.Empty(t, req.header.Get("Prefer"))
}

func TestClient_DecodesStructuredAPIError(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusConflict,
		`{"code":"23505","message":"duplicate key value violates unique constraint"}`)
	c := NewClient(srv.URL, "tok-123")

	_, err := c.Insert(context.Background(), "favorite_verses", map[string]any{"user_id": "u1"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "23505", apiErr.Code)
	assert.Contains(t, apiErr.Message, "duplicate key")
}

func TestClient_UnstructuredErrorFallsBackToStatus(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusBadGateway, "upstream unavailable")
	c := NewClient(srv.URL, "")

	_, err := c.Insert(context.Background(), "favorite_verses", map[string]any{"user_id": "u1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestClient_Ping(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, "")
	c := NewClient(srv.URL, "tok-123")

	latency, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
	assert.Equal(t, http.MethodHead, (*captured)[0].method)
	assert.Equal(t, "/rest/v1/", (*captured)[0].path)
}

func TestClient_SetTokenTakesEffect(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, "[]")
	c := NewClient(srv.URL, "old-token")
	c.SetToken("new-token")

	_, err := c.Insert(context.Background(), "verse_notes", map[string]any{"user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer new-token", (*captured)[0].header.Get("Authorization"))
}

func TestFirstRow(t *testing.T) {
	row, err := firstRow([]byte(`[{"id":"a"},{"id":"b"}]`))
	require.NoError(t, err)
	assert.Equal(t, "a", row["id"])

	row, err = firstRow([]byte(`{"id":"bare"}`))
	require.NoError(t, err)
	assert.Equal(t, "bare", row["id"])

	row, err = firstRow([]byte(`[]`))
	require.NoError(t, err)
	assert.Nil(t, row)

	row, err = firstRow(nil)
	require.NoError(t, err)
	assert.Nil(t, row)
}
