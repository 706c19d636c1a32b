package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomsync/domain/graph"
	apperrors "loomsync/pkg/errors"
)

func chatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	var gotReq chatRequest
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		flusher := w.(http.Flusher)
		for _, word := range []string{"The ", "Pacific ", "Ocean"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", word)
			flusher.Flush()
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})

	c := NewClient(srv.URL, "llama3")
	var got []string
	err := c.Stream(context.Background(), "", 0.8, []graph.Message{
		{Role: graph.RoleUser, Content: "largest ocean?"},
	}, func(chunk string) { got = append(got, chunk) })

	require.NoError(t, err)
	assert.Equal(t, []string{"The ", "Pacific ", "Ocean"}, got)

	assert.Equal(t, "llama3", gotReq.Model, "empty model falls back to the default")
	assert.True(t, gotReq.Stream)
	require.NotNil(t, gotReq.Options)
	assert.InDelta(t, 0.8, gotReq.Options.Temperature, 1e-9)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
}

func TestStreamStopsAtDone(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"before"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":""},"done":true}`)
		fmt.Fprintln(w, `{"message":{"content":"after"},"done":false}`)
	})

	c := NewClient(srv.URL, "llama3")
	var got []string
	err := c.Stream(context.Background(), "llama3", 0, []graph.Message{{Role: graph.RoleUser, Content: "q"}},
		func(chunk string) { got = append(got, chunk) })

	require.NoError(t, err)
	assert.Equal(t, []string{"before"}, got, "nothing is read past the done marker")
}

func TestStreamInBandError(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model not found"}`)
	})

	c := NewClient(srv.URL, "llama3")
	err := c.Stream(context.Background(), "missing-model", 0, []graph.Message{{Role: graph.RoleUser, Content: "q"}},
		func(string) { t.Fatal("no chunks expected") })

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))
	assert.Contains(t, err.Error(), "model not found")
}

func TestStreamHTTPError(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	c := NewClient(srv.URL, "llama3")
	err := c.Stream(context.Background(), "llama3", 0, []graph.Message{{Role: graph.RoleUser, Content: "q"}},
		func(string) {})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestStreamCancellation(t *testing.T) {
	started := make(chan struct{})
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"message":{"content":"first"},"done":false}`)
		flusher.Flush()
		close(started)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(srv.URL, "llama3")

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Stream(ctx, "llama3", 0, []graph.Message{{Role: graph.RoleUser, Content: "q"}},
			func(string) {})
	}()

	<-started
	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPing(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	c := NewClient(srv.URL, "llama3")
	assert.NoError(t, c.Ping(context.Background()))

	srv.Close()
	assert.Error(t, c.Ping(context.Background()))
}
