package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"creatorevolve/internal/research/chat"
	"creatorevolve/internal/research/document"
	"creatorevolve/internal/research/model"
	"creatorevolve/internal/research/upstream"
	"creatorevolve/pkg/debounce"
	"creatorevolve/pkg/logger"
)

// DocumentStore persists the research row a session edits.
type DocumentStore interface {
	Get(id string) (*model.Research, error)
	UpdateDocument(id, document string) error
	UpdateName(id, name string) (int64, error)
}

// ChatBackend is the upstream research API.
type ChatBackend interface {
	chat.PromptTransport
	StartChat(ctx context.Context, systemPrompt string) (string, error)
	GetMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error)
	SearchMedia(ctx context.Context, req upstream.MediaSearchRequest) ([]model.ChatMessage, error)
	DeleteChat(ctx context.Context, chatID string) error
}

type SessionOptions struct {
	AutosaveDelay time.Duration
	HistoryLimit  int
	// Publish receives every event. It may be called with the stream lock
	// held and must not call back into the session.
	Publish func(Event)
}

// Session coordinates one open research: the document editor, the chat
// transcript with its streaming overlay, and the debounced autosave of the
// document text.
type Session struct {
	id      string
	chatID  string
	store   DocumentStore
	chats   ChatBackend
	publish func(Event)

	ctx    context.Context
	cancel context.CancelFunc

	stream   *chat.Stream
	autosave *debounce.Debouncer
	saveMu   sync.Mutex

	mu        sync.Mutex
	name      string
	editor    *document.Editor
	messages  []model.ChatMessage
	turns     []model.QATurn
	lastSaved string
	closed    bool
}

// OpenSession loads the research row and its transcript.
func OpenSession(ctx context.Context, store DocumentStore, chats ChatBackend, researchID string, opts SessionOptions) (*Session, error) {
	res, err := store.Get(researchID)
	if err != nil {
		return nil, fmt.Errorf("loading research %s: %w", researchID, err)
	}
	messages, err := chats.GetMessages(ctx, res.ChatID)
	if err != nil {
		return nil, fmt.Errorf("loading chat %s: %w", res.ChatID, err)
	}

	publish := opts.Publish
	if publish == nil {
		publish = func(Event) {}
	}
	limit := opts.HistoryLimit
	if limit == 0 {
		limit = document.DefaultHistoryLimit
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        res.ID,
		chatID:    res.ChatID,
		store:     store,
		chats:     chats,
		publish:   publish,
		ctx:       sctx,
		cancel:    cancel,
		name:      res.Name,
		messages:  messages,
		turns:     chat.DeriveTurns(messages),
		lastSaved: res.Document,
	}
	s.autosave = debounce.New(opts.AutosaveDelay, s.save)
	s.editor = document.NewEditor(res.Document,
		document.WithHistoryLimit(limit),
		document.WithOnChange(func(string) { s.autosave.Trigger() }),
	)
	s.stream = chat.NewStream(chats, res.ChatID, chat.Hooks{
		OnStart: func() {
			s.publish(Event{Type: EventStream, Payload: StreamPayload{State: chat.StateStreaming}})
		},
		OnChunk: func(partial string) {
			s.publish(Event{Type: EventStream, Payload: StreamPayload{State: chat.StateStreaming, Partial: partial}})
		},
		OnComplete: s.onStreamComplete,
		OnCancel:   s.publishStreamState,
		OnFail: func(err error) {
			logger.Sugar.Warnf("Prompt stream for research %s failed: %v", s.id, err)
			s.publishStreamState()
		},
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editor.Text()
}

func (s *Session) Messages() []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChatMessage(nil), s.messages...)
}

func (s *Session) Turns() []model.QATurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.QATurn(nil), s.turns...)
}

func (s *Session) StreamStatus() chat.Status {
	return s.stream.Status()
}

// Snapshot returns the events that bring a newly joined client up to date.
func (s *Session) Snapshot() []Event {
	st := s.stream.Status()

	s.mu.Lock()
	defer s.mu.Unlock()
	return []Event{
		{Type: EventMetadata, Payload: MetadataPayload{ID: s.id, Name: s.name}},
		s.documentEventLocked(),
		{Type: EventTurns, Payload: TurnsPayload{Turns: s.turns}},
		{Type: EventStream, Payload: streamPayload(st)},
	}
}

func (s *Session) Append(fragment string) bool {
	return s.edit(func(e *document.Editor) bool {
		_, ok := e.Append(fragment)
		return ok
	})
}

// AddImage appends an image search result to the document.
func (s *Session) AddImage(link string) bool {
	if strings.TrimSpace(link) == "" {
		return false
	}
	return s.edit(func(e *document.Editor) bool {
		_, ok := e.Append(document.ImageFragment(link, e.Text() == ""))
		return ok
	})
}

// AddVideo appends a video search result card to the document.
func (s *Session) AddVideo(link, thumbnail, title string) bool {
	if strings.TrimSpace(link) == "" {
		return false
	}
	return s.edit(func(e *document.Editor) bool {
		_, ok := e.Append(document.VideoFragment(link, thumbnail, title))
		return ok
	})
}

func (s *Session) RemoveSelection(selected string) bool {
	return s.edit(func(e *document.Editor) bool {
		_, ok := e.RemoveSelection(selected)
		return ok
	})
}

func (s *Session) RemoveMedia(kind model.MediaKind, index int) bool {
	return s.edit(func(e *document.Editor) bool {
		_, ok := e.RemoveMediaAt(kind, index)
		return ok
	})
}

func (s *Session) Undo() bool {
	return s.edit(func(e *document.Editor) bool {
		_, ok := e.Undo()
		return ok
	})
}

func (s *Session) Redo() bool {
	return s.edit(func(e *document.Editor) bool {
		_, ok := e.Redo()
		return ok
	})
}

func (s *Session) edit(fn func(*document.Editor) bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	ok := fn(s.editor)
	var ev Event
	if ok {
		ev = s.documentEventLocked()
	}
	s.mu.Unlock()

	if ok {
		s.publish(ev)
	}
	return ok
}

// Rename changes the research title. The title is not part of the document
// history.
func (s *Session) Rename(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", model.ErrInvalidRequest)
	}
	n, err := s.store.UpdateName(s.id, name)
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	s.publish(Event{Type: EventMetadata, Payload: MetadataPayload{ID: s.id, Name: name}})
	return nil
}

// Reload re-reads the stored research. A document that differs from the
// working copy replaces it and resets the undo history; a pending autosave
// is dropped.
func (s *Session) Reload() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	res, err := s.store.Get(s.id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.name = res.Name
	reset := res.Document != s.editor.Text()
	if reset {
		s.autosave.Stop()
		s.editor.Initialize(res.Document)
		s.lastSaved = res.Document
	}
	doc := s.documentEventLocked()
	s.mu.Unlock()

	s.publish(Event{Type: EventMetadata, Payload: MetadataPayload{ID: s.id, Name: res.Name}})
	if reset {
		s.publish(doc)
	}
	return nil
}

// SendPrompt starts streaming an answer. It returns false when the prompt
// is blank, a prompt is already outstanding or the session is closed.
func (s *Session) SendPrompt(prompt string) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	return s.stream.Send(s.ctx, prompt)
}

func (s *Session) CancelPrompt() {
	s.stream.Cancel()
}

// SearchMedia asks the upstream for images or videos for a turn and replaces
// the transcript with the updated one.
func (s *Session) SearchMedia(ctx context.Context, turnIndex int, kind model.MediaKind, question, answer string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: media kind %q", model.ErrInvalidRequest, kind)
	}
	if turnIndex < 0 {
		return fmt.Errorf("%w: turn index %d", model.ErrInvalidRequest, turnIndex)
	}
	messages, err := s.chats.SearchMedia(ctx, upstream.MediaSearchRequest{
		ChatID:          s.chatID,
		Prompt:          question,
		AssistantAnswer: answer,
		MessageIndex:    chat.AssistantIndex(turnIndex),
		Kind:            kind,
	})
	if err != nil {
		return fmt.Errorf("searching %s media: %w", kind, err)
	}
	s.setMessages(messages)
	return nil
}

// SearchMediaForTurn is SearchMedia with the question and answer taken from
// the current turn list.
func (s *Session) SearchMediaForTurn(ctx context.Context, turnIndex int, kind model.MediaKind) error {
	s.mu.Lock()
	if turnIndex < 0 || turnIndex >= len(s.turns) {
		s.mu.Unlock()
		return fmt.Errorf("%w: turn index %d", model.ErrInvalidRequest, turnIndex)
	}
	turn := s.turns[turnIndex]
	s.mu.Unlock()
	return s.SearchMedia(ctx, turnIndex, kind, turn.Question, turn.Answer)
}

// Flush persists a pending autosave right away.
func (s *Session) Flush() {
	s.autosave.Flush()
}

// Close stops any stream and persists unsaved edits.
func (s *Session) Close() {
	s.shutdown()
	s.autosave.Flush()
}

// Discard stops the session without saving; used when the research is gone.
func (s *Session) Discard() {
	s.shutdown()
	s.autosave.Stop()
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stream.Cancel()
	s.cancel()
}

func (s *Session) onStreamComplete() {
	messages, err := s.chats.GetMessages(s.ctx, s.chatID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Sugar.Errorf("Failed to refetch chat %s after prompt: %v", s.chatID, err)
			s.publish(Event{Type: EventError, Payload: ErrorPayload{Message: "failed to refresh chat"}})
		}
	} else {
		s.setMessages(messages)
	}
	s.publishStreamState()
}

// publishStreamState publishes the stream's current state rather than the
// state a hook observed: a newer prompt may already be streaming by the
// time a completion or cancel hook runs.
func (s *Session) publishStreamState() {
	s.stream.WithStatus(func(st chat.Status) {
		s.publish(Event{Type: EventStream, Payload: streamPayload(st)})
	})
}

func (s *Session) setMessages(messages []model.ChatMessage) {
	s.mu.Lock()
	s.messages = messages
	s.turns = chat.DeriveTurns(messages)
	turns := s.turns
	s.mu.Unlock()
	s.publish(Event{Type: EventTurns, Payload: TurnsPayload{Turns: turns}})
}

func (s *Session) save() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	text := s.editor.Text()
	unchanged := text == s.lastSaved
	s.mu.Unlock()
	if unchanged {
		return
	}

	if err := s.store.UpdateDocument(s.id, text); err != nil {
		logger.Sugar.Errorf("Failed to autosave research %s: %v", s.id, err)
		s.publish(Event{Type: EventError, Payload: ErrorPayload{Message: "failed to save document"}})
		return
	}

	s.mu.Lock()
	s.lastSaved = text
	s.mu.Unlock()
	logger.Sugar.Debugf("Auto-saved research: %s", s.id)
}

func (s *Session) documentEventLocked() Event {
	return Event{Type: EventDocument, Payload: DocumentPayload{
		Text:    s.editor.Text(),
		Media:   s.editor.Media(),
		CanUndo: s.editor.CanUndo(),
		CanRedo: s.editor.CanRedo(),
	}}
}

func streamPayload(st chat.Status) StreamPayload {
	p := StreamPayload{State: st.State, Partial: st.Partial}
	if st.Err != nil {
		p.Error = st.Err.Error()
	}
	return p
}
