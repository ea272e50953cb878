package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creatorevolve/internal/research/model"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL+"/", "test-key")
	c.backoff = time.Millisecond
	return c
}

func TestPostPromptStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/chat-1", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "why is the sky blue", body["prompt"])

		flusher := w.(http.Flusher)
		for _, part := range []string{"Rayleigh ", "scattering."} {
			fmt.Fprint(w, part)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	rc, err := newTestClient(srv).PostPrompt(context.Background(), "chat-1", "why is the sky blue")
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "Rayleigh scattering.", string(got))
}

func TestPostPromptCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "first")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := newTestClient(srv).PostPrompt(ctx, "chat-1", "q")
	require.NoError(t, err)
	defer rc.Close()

	buf := make([]byte, 5)
	_, err = io.ReadFull(rc, buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(buf))

	cancel()
	_, err = io.ReadAll(rc)
	assert.Error(t, err)
}

func TestPostPromptNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).PostPrompt(context.Background(), "chat-1", "q")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Status)
	assert.Equal(t, "boom", se.Body)
}

func TestRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"data":{"_id":"chat-9","messages":[{"role":"user","content":"hi"}]}}`)
	}))
	defer srv.Close()

	msgs, err := newTestClient(srv).GetMessages(context.Background(), "chat-9")
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []model.ChatMessage{{Role: model.RoleUser, Content: "hi"}}, msgs)
}

func TestRetriesGiveUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetMessages(context.Background(), "chat-9")
	assert.ErrorContains(t, err, "rate limited after 3 retries")
	assert.EqualValues(t, maxRetries, calls.Load())
}

func TestGetMessagesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestClient(srv).GetMessages(context.Background(), "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSearchMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/media/search", r.URL.Path)
		assert.Equal(t, "video", r.URL.Query().Get("type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "chat-1", body["chat_id"])
		assert.EqualValues(t, 4, body["message_index"])
		assert.Equal(t, "Q2", body["prompt"])
		assert.Equal(t, "A2", body["assistant_answer"])

		fmt.Fprint(w, `{"data":{"messages":[
			{"role":"user","content":"Q2"},
			{"role":"assistant","content":"A2","videos":[{"context":"c","title":"t","thumbnail":"th","link":"l","id":"yt1"}]}
		]}}`)
	}))
	defer srv.Close()

	msgs, err := newTestClient(srv).SearchMedia(context.Background(), MediaSearchRequest{
		ChatID:          "chat-1",
		Prompt:          "Q2",
		AssistantAnswer: "A2",
		MessageIndex:    4,
		Kind:            model.MediaVideo,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].Videos, 1)
	assert.Equal(t, "yt1", msgs[1].Videos[0].ID)
}

func TestSearchMediaRejectsUnknownKind(t *testing.T) {
	c := NewClient("http://unused", "")
	_, err := c.SearchMedia(context.Background(), MediaSearchRequest{Kind: "gif"})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestStartAndDeleteChat(t *testing.T) {
	var deleted atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/chat/start":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "You are a research assistant.", body["system_prompt"])
			fmt.Fprint(w, `{"data":{"_id":"chat-new"}}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/chat/chat-new":
			deleted.Store(true)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	id, err := c.StartChat(context.Background(), "You are a research assistant.")
	require.NoError(t, err)
	assert.Equal(t, "chat-new", id)

	require.NoError(t, c.DeleteChat(context.Background(), id))
	assert.True(t, deleted.Load())
}
