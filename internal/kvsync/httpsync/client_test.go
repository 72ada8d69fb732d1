package httpsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
)

func TestClient_FallsThroughToBasePath(t *testing.T) {
	var rootHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/localstorage-sync", func(w http.ResponseWriter, r *http.Request) {
		rootHits.Add(1)
		http.NotFound(w, r)
	})
	mux.HandleFunc("/app/api/localstorage-sync", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(protocol.ServerState{
			Version:  4,
			Checksum: "fnv1a-00000001",
			Snapshot: map[string]string{"a": "1"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient([]string{
		srv.URL + "/api/localstorage-sync",
		srv.URL + "/app/api/localstorage-sync",
	}, srv.Client())

	state, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), state.Version)
	assert.Equal(t, map[string]string{"a": "1"}, state.Snapshot)
	assert.Equal(t, int32(1), rootHits.Load())

	_, err = c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), rootHits.Load(), "the answering endpoint is preferred afterwards")
}

func TestClient_Push(t *testing.T) {
	var got protocol.PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(protocol.PushResponse{
			Status: protocol.StatusServerUpdated,
			State:  protocol.ServerState{Version: got.Version, Checksum: "fnv1a-abcdef01"},
		})
	}))
	defer srv.Close()

	c := NewClient([]string{srv.URL}, nil)
	resp, err := c.Push(context.Background(), protocol.PushRequest{Version: 9})
	require.NoError(t, err)

	assert.Equal(t, int64(9), got.Version)
	assert.NotNil(t, got.Snapshot)
	assert.True(t, resp.Status.Accepted())
	assert.Equal(t, "fnv1a-abcdef01", resp.State.Checksum)
}

func TestClient_APIErrorStopsFallthrough(t *testing.T) {
	var secondHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid snapshot"}`))
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
	}))
	defer good.Close()

	c := NewClient([]string{bad.URL, good.URL}, nil)
	_, err := c.Fetch(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid snapshot", apiErr.Message)
	assert.Equal(t, int32(0), secondHits.Load())
}

func TestClient_NoEndpoint(t *testing.T) {
	_, err := NewClient(nil, nil).Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoEndpoint)

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err = NewClient([]string{srv.URL}, nil).Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoEndpoint)
}
