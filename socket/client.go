package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"creatorevolve/internal/research/model"
	"creatorevolve/internal/research/service"
	"creatorevolve/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	searchTimeout  = 60 * time.Second
)


type Client struct {
	Hub        *Hub
	Conn       *websocket.Conn
	ResearchID string
	UserID     string
	Role       string
	JoinedAt   time.Time
	Send       chan []byte

	ready   chan struct{}
	session *service.Session
	ctx     context.Context
	cancel  context.CancelFunc
}

type textPayload struct {
	Text string `json:"text"`
}

type mediaPayload struct {
	Link      string `json:"link"`
	Thumbnail string `json:"thumbnail"`
	Title     string `json:"title"`
}

type removeMediaPayload struct {
	Kind  model.MediaKind `json:"kind"`
	Index int             `json:"index"`
}

type promptPayload struct {
	Prompt string `json:"prompt"`
}

type searchMediaPayload struct {
	TurnIndex int             `json:"turn_index"`
	Kind      model.MediaKind `json:"kind"`
}

// ServeWs checks the user's access to the requested research and upgrades
// the connection into a room member.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	researchID := r.URL.Query().Get("researchId")
	if researchID == "" {
		http.Error(w, "Missing researchId parameter", http.StatusBadRequest)
		return
	}

	role, err := hub.workspace.Role(researchID, userID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		logger.Sugar.Warnf("Connection rejected: Research %s not found", researchID)
		http.Error(w, "Research not found", http.StatusNotFound)
		return
	case errors.Is(err, model.ErrForbidden):
		logger.Sugar.Warnf("Connection rejected: User %s has no access to research %s", userID, researchID)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case err != nil:
		logger.Sugar.Errorf("Database error checking access: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     hub.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		Hub:        hub,
		Conn:       conn,
		ResearchID: researchID,
		UserID:     userID,
		Role:       role,
		JoinedAt:   time.Now(),
		Send:       make(chan []byte, 256),
		ready:      make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	select {
	case hub.Register <- client:
	case <-hub.done:
		cancel()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	<-c.ready
	if c.session == nil {
		return
	}

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pingPeriod + writeWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pingPeriod + writeWait))
	})

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(rawMessage, &msg); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			c.sendError("malformed message")
			continue
		}

		// Every command changes shared state, so readers may only listen.
		if !model.CanEdit(c.Role) {
			logger.Sugar.Warnf("Permission Denied: User %s (Role: %s) sent %s to research %s", c.UserID, c.Role, msg.Type, c.ResearchID)
			c.sendError("permission denied")
			continue
		}

		if err := c.dispatch(msg); err != nil {
			logger.Sugar.Warnf("Rejected %s from user %s on research %s: %v", msg.Type, c.UserID, c.ResearchID, err)
			c.sendError(err.Error())
		}
	}
}

// dispatch applies one command to the session. Commands that turn out to
// be no-ops are not errors.
func (c *Client) dispatch(msg WSMessage) error {
	s := c.session
	switch msg.Type {
	case AppendType:
		var p textPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		s.Append(p.Text)
	case AddImageType:
		var p mediaPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		s.AddImage(p.Link)
	case AddVideoType:
		var p mediaPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		s.AddVideo(p.Link, p.Thumbnail, p.Title)
	case RemoveSelectionType:
		var p textPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		s.RemoveSelection(p.Text)
	case RemoveMediaType:
		var p removeMediaPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		if !p.Kind.Valid() {
			return fmt.Errorf("unknown media kind %q", p.Kind)
		}
		s.RemoveMedia(p.Kind, p.Index)
	case UndoType:
		s.Undo()
	case RedoType:
		s.Redo()
	case PromptType:
		var p promptPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		if !s.SendPrompt(p.Prompt) {
			return errors.New("prompt rejected: empty or another prompt is streaming")
		}
	case CancelType:
		s.CancelPrompt()
	case SearchMediaType:
		var p searchMediaPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		// Searches are slow; keep reading so a CANCEL is not stuck behind one.
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, searchTimeout)
			defer cancel()
			if err := s.SearchMediaForTurn(ctx, p.TurnIndex, p.Kind); err != nil && !errors.Is(err, context.Canceled) {
				logger.Sugar.Warnf("Media search for research %s failed: %v", c.ResearchID, err)
				c.sendError("media search failed")
			}
		}()
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

func (c *Client) sendError(message string) {
	c.Hub.sendTo(c, service.Event{Type: service.EventError, Payload: service.ErrorPayload{Message: message}})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Connection is dead
			}
		}
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", model.ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	return nil
}
