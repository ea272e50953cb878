package socket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creatorevolve/internal/research/model"
	"creatorevolve/internal/research/service"
	"creatorevolve/internal/research/upstream"
	"creatorevolve/pkg/logger"
)

func init() {
	logger.Init("error")
}

type memStore struct {
	mu    sync.Mutex
	row   model.Research
	saved []string
}

func (m *memStore) Get(id string) (*model.Research, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.row.ID {
		return nil, model.ErrNotFound
	}
	res := m.row
	return &res, nil
}

func (m *memStore) UpdateDocument(id, document string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.row.Document = document
	m.saved = append(m.saved, document)
	return nil
}

func (m *memStore) UpdateName(id, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.row.Name = name
	return 1, nil
}

func (m *memStore) document() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.row.Document
}

type stubChats struct{}

func (stubChats) PostPrompt(ctx context.Context, chatID, prompt string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("an answer")), nil
}
func (stubChats) StartChat(ctx context.Context, systemPrompt string) (string, error) {
	return "c1", nil
}
func (stubChats) GetMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	return []model.ChatMessage{}, nil
}
func (stubChats) SearchMedia(ctx context.Context, req upstream.MediaSearchRequest) ([]model.ChatMessage, error) {
	return []model.ChatMessage{}, nil
}
func (stubChats) DeleteChat(ctx context.Context, chatID string) error { return nil }

// slowResearch is a research whose session takes until the test releases
// it to open.
const slowResearch = "slow"

type fakeWorkspace struct {
	store *memStore
	roles map[string]string

	slowOpening chan struct{}
	slowRelease chan struct{}
}

func (f *fakeWorkspace) Role(researchID, userID string) (string, error) {
	if researchID == slowResearch && f.slowRelease != nil {
		return model.AccessOwner, nil
	}
	if researchID != f.store.row.ID {
		return "", model.ErrNotFound
	}
	role, ok := f.roles[userID]
	if !ok {
		return "", model.ErrForbidden
	}
	return role, nil
}

func (f *fakeWorkspace) OpenSession(ctx context.Context, researchID string, publish func(service.Event)) (*service.Session, error) {
	if researchID == slowResearch {
		close(f.slowOpening)
		select {
		case <-f.slowRelease:
		case <-ctx.Done():
		}
		return nil, model.ErrNotFound
	}
	return service.OpenSession(ctx, f.store, stubChats{}, researchID, service.SessionOptions{
		AutosaveDelay: time.Hour,
		Publish:       publish,
	})
}

// Helper function to read messages from a WebSocket connection with a timeout.
func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	var msg WSMessage
	// Set a deadline to avoid tests hanging forever.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err, "Failed to read message from WebSocket")
	require.NoError(t, json.Unmarshal(p, &msg), "Failed to unmarshal WSMessage JSON")
	return msg
}

// readUntil skips messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) WSMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := readMessage(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message received", msgType)
	return WSMessage{}
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(WSMessage{Type: msgType, Payload: raw}))
}

func setupHub(t *testing.T) (*Hub, *memStore, string) {
	t.Helper()
	return setupHubWith(t, &fakeWorkspace{})
}

func setupHubWith(t *testing.T, ws *fakeWorkspace, origins ...string) (*Hub, *memStore, string) {
	t.Helper()

	store := &memStore{row: model.Research{ID: "r1", Name: "Coral reefs", OwnerID: "user1", ChatID: "c1"}}
	ws.store = store
	ws.roles = map[string]string{
		"user1": model.AccessOwner,
		"user2": model.AccessReader,
		"user3": model.AccessWriter,
	}
	hub := NewHub(ws)
	hub.AllowedOrigins = origins
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// For simplicity, we'll hardcode the user ID for tests.
		ServeWs(hub, w, r, r.URL.Query().Get("user_id"))
	}))
	t.Cleanup(server.Close)

	return hub, store, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, wsURL, researchID, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?researchId="+researchID+"&user_id="+userID, nil)
	require.NoError(t, err, "%s failed to connect", userID)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func documentText(t *testing.T, msg WSMessage) string {
	t.Helper()
	var doc service.DocumentPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &doc))
	return doc.Text
}

func TestHubIntegration(t *testing.T) {
	_, store, wsURL := setupHub(t)

	// Owner joins and receives the full state.
	conn1 := dial(t, wsURL, "r1", "user1")
	meta := readMessage(t, conn1)
	assert.Equal(t, MetadataType, meta.Type)
	assert.Equal(t, "r1", meta.ResearchID)
	assert.Equal(t, DocumentType, readMessage(t, conn1).Type)
	assert.Equal(t, TurnsType, readMessage(t, conn1).Type)
	assert.Equal(t, StreamType, readMessage(t, conn1).Type)
	presence := readMessage(t, conn1)
	assert.Equal(t, PresenceUpdateType, presence.Type)

	// A reader joins; the owner sees two people.
	conn2 := dial(t, wsURL, "r1", "user2")
	readUntil(t, conn2, PresenceUpdateType)
	presence = readUntil(t, conn1, PresenceUpdateType)
	var statuses []UserStatus
	require.NoError(t, json.Unmarshal(presence.Payload, &statuses))
	require.Len(t, statuses, 2)
	assert.Equal(t, "user1", statuses[0].UserID)
	assert.Equal(t, model.AccessReader, statuses[1].Role)

	// Readers cannot edit.
	send(t, conn2, AppendType, map[string]string{"text": "sneaky"})
	errMsg := readUntil(t, conn2, ErrorType)
	assert.Contains(t, string(errMsg.Payload), "permission denied")

	// The owner's edit reaches everyone.
	send(t, conn1, AppendType, map[string]string{"text": "Hello"})
	assert.Equal(t, "Hello", documentText(t, readUntil(t, conn1, DocumentType)))
	assert.Equal(t, "Hello", documentText(t, readUntil(t, conn2, DocumentType)))

	send(t, conn1, AppendType, map[string]string{"text": " world"})
	readUntil(t, conn1, DocumentType)
	send(t, conn1, UndoType, nil)
	assert.Equal(t, "Hello", documentText(t, readUntil(t, conn1, DocumentType)))
	assert.Equal(t, "Hello", documentText(t, readUntil(t, conn2, DocumentType)))

	// Reader leaves.
	conn2.Close()
	presence = readUntil(t, conn1, PresenceUpdateType)
	require.NoError(t, json.Unmarshal(presence.Payload, &statuses))
	assert.Len(t, statuses, 1)

	// Last one out saves the document.
	conn1.Close()
	assert.Eventually(t, func() bool { return store.document() == "Hello" }, time.Second, 10*time.Millisecond)
}

func TestHubRejectsUnknownCommandAndPayload(t *testing.T) {
	_, _, wsURL := setupHub(t)
	conn := dial(t, wsURL, "r1", "user3")
	readUntil(t, conn, PresenceUpdateType)

	send(t, conn, "SHOUT", nil)
	assert.Contains(t, string(readUntil(t, conn, ErrorType).Payload), "unknown message type")

	send(t, conn, RemoveMediaType, map[string]any{"kind": "audio", "index": 0})
	assert.Contains(t, string(readUntil(t, conn, ErrorType).Payload), "unknown media kind")

	send(t, conn, PromptType, map[string]string{"prompt": "   "})
	assert.Contains(t, string(readUntil(t, conn, ErrorType).Payload), "prompt rejected")
}

func TestHubStreamsPromptToRoom(t *testing.T) {
	_, _, wsURL := setupHub(t)
	conn := dial(t, wsURL, "r1", "user1")
	readUntil(t, conn, PresenceUpdateType)

	send(t, conn, PromptType, map[string]string{"prompt": "What is a reef?"})

	var sawStreaming, sawIdle bool
	for i := 0; i < 10 && !sawIdle; i++ {
		msg := readUntil(t, conn, StreamType)
		var st service.StreamPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &st))
		switch st.State {
		case "streaming":
			sawStreaming = true
		case "idle":
			sawIdle = true
		}
	}
	assert.True(t, sawStreaming)
	assert.True(t, sawIdle)
}

func TestServeWsRejectsUnknownOrForbidden(t *testing.T) {
	_, _, wsURL := setupHub(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws?researchId=missing&user_id=user1", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL+"/ws?researchId=r1&user_id=stranger", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL+"/ws?user_id=user1", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEvictDisconnectsClientsWithoutSaving(t *testing.T) {
	hub, store, wsURL := setupHub(t)
	conn := dial(t, wsURL, "r1", "user1")
	readUntil(t, conn, PresenceUpdateType)

	send(t, conn, AppendType, map[string]string{"text": "unsaved"})
	readUntil(t, conn, DocumentType)

	hub.Evict("r1")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Empty(t, store.document())

	hub.mu.Lock()
	_, open := hub.Rooms["r1"]
	hub.mu.Unlock()
	assert.False(t, open)
}

func TestRefreshPushesNewName(t *testing.T) {
	hub, store, wsURL := setupHub(t)
	conn := dial(t, wsURL, "r1", "user1")
	readUntil(t, conn, PresenceUpdateType)

	store.mu.Lock()
	store.row.Name = "Kelp forests"
	store.mu.Unlock()
	hub.Refresh("r1")

	msg := readUntil(t, conn, MetadataType)
	assert.Contains(t, string(msg.Payload), "Kelp forests")
}

func TestSlowOpenDoesNotBlockOtherRooms(t *testing.T) {
	ws := &fakeWorkspace{slowOpening: make(chan struct{}), slowRelease: make(chan struct{})}
	_, _, wsURL := setupHubWith(t, ws)

	slow, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?researchId="+slowResearch+"&user_id=user1", nil)
	require.NoError(t, err)
	defer slow.Close()
	select {
	case <-ws.slowOpening:
	case <-time.After(time.Second):
		t.Fatal("slow research was never opened")
	}

	// r1 opens and serves edits while the other research is still loading.
	conn := dial(t, wsURL, "r1", "user1")
	readUntil(t, conn, PresenceUpdateType)
	send(t, conn, AppendType, map[string]string{"text": "Hello"})
	assert.Equal(t, "Hello", documentText(t, readUntil(t, conn, DocumentType)))

	// Once the open fails the waiting client is hung up on.
	close(ws.slowRelease)
	slow.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = slow.ReadMessage()
	assert.Error(t, err)
}

func TestRejoinAfterLastLeaveSeesSavedDocument(t *testing.T) {
	_, _, wsURL := setupHub(t)

	conn := dial(t, wsURL, "r1", "user1")
	readUntil(t, conn, PresenceUpdateType)
	send(t, conn, AppendType, map[string]string{"text": "Hello"})
	readUntil(t, conn, DocumentType)
	conn.Close()

	// The reopened session waits for the previous one's final save.
	again := dial(t, wsURL, "r1", "user1")
	assert.Equal(t, "Hello", documentText(t, readUntil(t, again, DocumentType)))
}

func TestFlushSavesPendingEdits(t *testing.T) {
	hub, store, wsURL := setupHub(t)
	conn := dial(t, wsURL, "r1", "user1")
	readUntil(t, conn, PresenceUpdateType)

	send(t, conn, AppendType, map[string]string{"text": "Draft"})
	readUntil(t, conn, DocumentType)
	assert.Empty(t, store.document())

	hub.Flush("r1")
	assert.Equal(t, "Draft", store.document())

	hub.Flush("unknown")
}

func TestServeWsChecksOrigin(t *testing.T) {
	_, _, wsURL := setupHubWith(t, &fakeWorkspace{}, "https://app.example.com")
	url := wsURL + "/ws?researchId=r1&user_id=user1"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, MetadataType, readMessage(t, conn).Type)
}
