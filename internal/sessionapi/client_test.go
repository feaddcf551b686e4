package sessionapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storysync/internal/wire"
)

func stubServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	r := mux.NewRouter()
	record := func(req *http.Request) {
		calls = append(calls, req.Method+" "+req.URL.Path+" as "+req.Header.Get(HeaderUserID))
	}
	r.HandleFunc("/api/collaborate/sessions", func(w http.ResponseWriter, req *http.Request) {
		record(req)
		var in CreateRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&in))
		assert.Equal(t, "Tale", in.Title)
		assert.Len(t, in.Pages, 1)
		json.NewEncoder(w).Encode(wire.Session{ID: "s1", JoinCode: "ABC123", HostID: req.Header.Get(HeaderUserID), IsLobbyOpen: true})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/collaborate/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		record(req)
		if mux.Vars(req)["id"] != "s1" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
			return
		}
		json.NewEncoder(w).Encode(wire.Session{ID: "s1", JoinCode: "ABC123"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/collaborate/sessions/{id}/{action}", func(w http.ResponseWriter, req *http.Request) {
		record(req)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/collaborate/join", func(w http.ResponseWriter, req *http.Request) {
		record(req)
		var in JoinRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&in))
		if in.Code != "ABC123" {
			http.Error(w, "bad code", http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(wire.Session{ID: "s1"})
	}).Methods(http.MethodPost)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestClient_Lifecycle(t *testing.T) {
	srv, calls := stubServer(t)
	c := New(srv.URL, "u1", "ada", nil)
	ctx := context.Background()

	s, err := c.CreateSession(ctx, wire.StoryDraft{Title: "Tale", Pages: []wire.Page{{ID: "p1"}}})
	require.NoError(t, err)
	assert.Equal(t, "u1", s.HostID)

	s, err = c.JoinByCode(ctx, " abc123 ")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)

	require.NoError(t, c.StartSession(ctx, "s1"))
	require.NoError(t, c.KickParticipant(ctx, "s1", "u2"))
	require.NoError(t, c.EndSession(ctx, "s1"))

	assert.Equal(t, []string{
		"POST /api/collaborate/sessions as u1",
		"POST /api/collaborate/join as u1",
		"POST /api/collaborate/sessions/s1/start as u1",
		"POST /api/collaborate/sessions/s1/kick as u1",
		"POST /api/collaborate/sessions/s1/end as u1",
	}, *calls)
}

func TestClient_Errors(t *testing.T) {
	srv, _ := stubServer(t)
	c := New(srv.URL, "u1", "", nil)

	_, err := c.GetSession(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "session not found", apiErr.Message)

	_, err = c.JoinByCode(context.Background(), "WRONG")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.NotErrorIs(t, err, ErrNotFound)
}
