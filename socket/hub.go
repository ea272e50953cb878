package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"creatorevolve/internal/research/service"
	"creatorevolve/middleware"
	"creatorevolve/pkg/logger"
)

// Client -> server commands.
const (
	AppendType          = "APPEND"           // Append a text fragment
	AddImageType        = "ADD_IMAGE"        // Append an image search result
	AddVideoType        = "ADD_VIDEO"        // Append a video search result card
	RemoveSelectionType = "REMOVE_SELECTION" // Delete the first occurrence of a selection
	RemoveMediaType     = "REMOVE_MEDIA"     // Delete the nth image or video
	UndoType            = "UNDO"
	RedoType            = "REDO"
	PromptType          = "PROMPT"       // Ask the research assistant
	CancelType          = "CANCEL"       // Abort the streaming answer
	SearchMediaType     = "SEARCH_MEDIA" // Find images or videos for a turn
)

// Server -> client events.
const (
	DocumentType       = string(service.EventDocument)
	TurnsType          = string(service.EventTurns)
	StreamType         = string(service.EventStream)
	MetadataType       = string(service.EventMetadata)
	ErrorType          = string(service.EventError)
	PresenceUpdateType = "PRESENCE_UPDATE" // A user joined or left
)

type WSMessage struct {
	Type       string          `json:"type"`
	ResearchID string          `json:"research_id"`
	UserID     string          `json:"user_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type UserStatus struct {
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Workspace resolves access and opens live sessions for the hub.
type Workspace interface {
	Role(researchID, userID string) (string, error)
	OpenSession(ctx context.Context, researchID string, publish func(service.Event)) (*service.Session, error)
}

// Room is one open research and everyone connected to it.
type Room struct {
	Session *service.Session
	Clients map[*Client]bool
}

// pendingRoom collects clients while the room's session is being opened.
type pendingRoom struct {
	clients []*Client
	evicted bool
}

type openResult struct {
	researchID string
	session    *service.Session
	err        error
}

type Hub struct {
	Rooms      map[string]*Room
	Register   chan *Client
	Unregister chan *Client

	// AllowedOrigins lists the browser origins that may open a socket. An
	// empty list, or "*", allows any.
	AllowedOrigins []string

	workspace Workspace
	mu        sync.Mutex
	pending   map[string]*pendingRoom
	closing   map[string]chan struct{} // closed once the last save is done
	opened    chan openResult
	workers   sync.WaitGroup
	done      chan struct{}
}

func NewHub(workspace Workspace) *Hub {
	return &Hub{
		Rooms:      make(map[string]*Room),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		workspace:  workspace,
		pending:    make(map[string]*pendingRoom),
		closing:    make(map[string]chan struct{}),
		opened:     make(chan openResult),
		done:       make(chan struct{}),
	}
}

// Run serves registrations until ctx is cancelled, then closes every room,
// saving unsaved documents. Sessions are opened and closed on their own
// goroutines so a slow database never holds up other rooms.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil

		case client := <-h.Register:
			h.join(ctx, client)

		case res := <-h.opened:
			h.settle(res)

		case client := <-h.Unregister:
			researchID := client.ResearchID
			if session, saved := h.leave(client); session != nil {
				h.closeRoom(researchID, session, saved)
				continue
			}
			h.broadcastPresenceUpdate(researchID)
		}
	}
}

// join adds client to its room. A client for a room that is not open yet
// waits in the pending list until the session is ready.
func (h *Hub) join(ctx context.Context, client *Client) {
	researchID := client.ResearchID

	h.mu.Lock()
	if room := h.Rooms[researchID]; room != nil {
		room.Clients[client] = true
		h.mu.Unlock()
		h.admit(client, room.Session)
		h.broadcastPresenceUpdate(researchID)
		return
	}
	if p := h.pending[researchID]; p != nil {
		p.clients = append(p.clients, client)
		h.mu.Unlock()
		return
	}
	h.pending[researchID] = &pendingRoom{clients: []*Client{client}}
	saved := h.closing[researchID]
	h.mu.Unlock()

	h.workers.Add(1)
	go h.open(ctx, researchID, saved)
}

// open loads the session for researchID once the previous session for it,
// if any, has finished saving.
func (h *Hub) open(ctx context.Context, researchID string, saved <-chan struct{}) {
	defer h.workers.Done()
	if saved != nil {
		select {
		case <-saved:
		case <-ctx.Done():
		}
	}

	session, err := h.workspace.OpenSession(ctx, researchID, func(ev service.Event) {
		h.publish(researchID, ev)
	})
	select {
	case h.opened <- openResult{researchID: researchID, session: session, err: err}:
	case <-ctx.Done():
		if session != nil {
			session.Discard()
		}
	}
}

// settle turns a pending room into an open one, or turns its clients away
// when the session could not be opened or the research was deleted.
func (h *Hub) settle(res openResult) {
	h.mu.Lock()
	p := h.pending[res.researchID]
	delete(h.pending, res.researchID)
	if res.err != nil || p == nil || p.evicted {
		h.mu.Unlock()
		if res.err != nil {
			logger.Sugar.Errorf("Failed to open research %s: %v", res.researchID, res.err)
		}
		if res.session != nil {
			res.session.Discard()
		}
		if p != nil {
			for _, client := range p.clients {
				reject(client)
			}
		}
		return
	}

	room := &Room{Session: res.session, Clients: make(map[*Client]bool, len(p.clients))}
	for _, client := range p.clients {
		room.Clients[client] = true
	}
	h.Rooms[res.researchID] = room
	h.mu.Unlock()
	logger.Sugar.Infof("Opened room: %s", res.researchID)

	for _, client := range p.clients {
		h.admit(client, res.session)
	}
	h.broadcastPresenceUpdate(res.researchID)
}

// admit hands the session to a client already in its room and brings it up
// to date.
func (h *Hub) admit(client *Client, session *service.Session) {
	client.session = session
	close(client.ready)
	for _, ev := range session.Snapshot() {
		h.sendTo(client, ev)
	}
}

// reject releases a client that never made it into a room. Its readPump
// sees no session and hangs up.
func reject(client *Client) {
	close(client.ready)
	close(client.Send)
}

// leave removes client. When it was the last one out it returns the room's
// session and a channel to close once that session has been saved.
func (h *Hub) leave(client *Client) (*service.Session, chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.Rooms[client.ResearchID]
	if room == nil || !room.Clients[client] {
		return nil, nil
	}
	delete(room.Clients, client)
	close(client.Send)

	if len(room.Clients) > 0 {
		return nil, nil
	}
	delete(h.Rooms, client.ResearchID)
	saved := make(chan struct{})
	h.closing[client.ResearchID] = saved
	return room.Session, saved
}

// closeRoom saves and stops an emptied room's session in the background. A
// client rejoining meanwhile reopens the research after the save lands.
func (h *Hub) closeRoom(researchID string, session *service.Session, saved chan struct{}) {
	h.workers.Add(1)
	go func() {
		defer h.workers.Done()
		session.Close()

		h.mu.Lock()
		if h.closing[researchID] == saved {
			delete(h.closing, researchID)
		}
		h.mu.Unlock()
		close(saved)
		logger.Sugar.Infof("Closed and cleaned up empty room: %s", researchID)
	}()
}

// Evict drops a research from memory without saving and disconnects
// everyone in it. Called when the research is deleted.
func (h *Hub) Evict(researchID string) {
	h.mu.Lock()
	if p := h.pending[researchID]; p != nil {
		p.evicted = true
	}
	room := h.Rooms[researchID]
	if room == nil {
		h.mu.Unlock()
		return
	}
	delete(h.Rooms, researchID)
	for client := range room.Clients {
		// closing Send makes the writePump hang up, which ends the readPump
		close(client.Send)
	}
	h.mu.Unlock()

	room.Session.Discard()
	logger.Sugar.Infof("Evicted room: %s", researchID)
}

// Refresh makes an open session re-read its stored row.
func (h *Hub) Refresh(researchID string) {
	h.mu.Lock()
	room := h.Rooms[researchID]
	h.mu.Unlock()
	if room == nil {
		return
	}
	if err := room.Session.Reload(); err != nil {
		logger.Sugar.Errorf("Failed to reload research %s: %v", researchID, err)
	}
}

// Flush writes an open session's unsaved edits to the store, or waits for
// a closing session's final save, so a read of the stored row is current.
func (h *Hub) Flush(researchID string) {
	h.mu.Lock()
	room := h.Rooms[researchID]
	saved := h.closing[researchID]
	h.mu.Unlock()

	if room != nil {
		room.Session.Flush()
		return
	}
	if saved != nil {
		<-saved
	}
}

// publish fans a session event out to the room. It may run under the
// session's stream lock, so it only touches hub state.
func (h *Hub) publish(researchID string, ev service.Event) {
	msg, err := encode(researchID, string(ev.Type), ev.Payload)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s event: %v", ev.Type, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.Rooms[researchID]
	if room == nil {
		return
	}
	for client := range room.Clients {
		select {
		case client.Send <- msg:
		default:
			// The client is lagging; hang up instead of blocking the session.
			logger.Sugar.Warnf("Client %s's send buffer is full. Disconnecting.", client.UserID)
			client.Conn.Close()
		}
	}
}

// sendTo queues ev for a single client still in its room.
func (h *Hub) sendTo(client *Client, ev service.Event) {
	msg, err := encode(client.ResearchID, string(ev.Type), ev.Payload)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s event: %v", ev.Type, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.Rooms[client.ResearchID]
	if room == nil || !room.Clients[client] {
		return
	}
	select {
	case client.Send <- msg:
	default:
		logger.Sugar.Warnf("Client %s's send buffer is full. Dropping %s.", client.UserID, ev.Type)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	rooms := h.Rooms
	h.Rooms = make(map[string]*Room)
	pending := h.pending
	h.pending = make(map[string]*pendingRoom)
	for _, room := range rooms {
		for client := range room.Clients {
			close(client.Send)
		}
	}
	h.mu.Unlock()

	for _, p := range pending {
		for _, client := range p.clients {
			reject(client)
		}
	}
	for id, room := range rooms {
		room.Session.Close()
		logger.Sugar.Infof("Closed room on shutdown: %s", id)
	}
	// Let in-flight opens give up and background saves land.
	h.workers.Wait()
}

// checkOrigin admits non-browser clients, which send no Origin, and
// browsers from an allowed origin.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.AllowedOrigins) == 0 {
		return true
	}
	return middleware.OriginAllowed(h.AllowedOrigins, origin)
}

func (h *Hub) broadcastPresenceUpdate(researchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.Rooms[researchID]
	if room == nil {
		return
	}

	seen := make(map[string]UserStatus, len(room.Clients))
	for client := range room.Clients {
		if prev, ok := seen[client.UserID]; ok && prev.JoinedAt.Before(client.JoinedAt) {
			continue
		}
		seen[client.UserID] = UserStatus{UserID: client.UserID, Role: client.Role, JoinedAt: client.JoinedAt}
	}
	statuses := make([]UserStatus, 0, len(seen))
	for _, st := range seen {
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].JoinedAt.Before(statuses[j].JoinedAt) })

	msg, err := encode(researchID, PresenceUpdateType, statuses)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling presence broadcast: %v", err)
		return
	}
	for client := range room.Clients {
		select {
		case client.Send <- msg:
		default:
			// Don't disconnect here, just log. The pumps handle unresponsive clients.
			logger.Sugar.Warnf("Client %s's send buffer was full during presence update.", client.UserID)
		}
	}
}

func encode(researchID, msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: msgType, ResearchID: researchID, Payload: raw})
}
