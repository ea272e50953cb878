package service

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"creatorevolve/internal/research/model"
	"creatorevolve/internal/research/upstream"
)

type fakeStore struct {
	mu    sync.Mutex
	row   model.Research
	saves []string
	err   error
}

func (f *fakeStore) Get(id string) (*model.Research, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.row.ID {
		return nil, model.ErrNotFound
	}
	res := f.row
	return &res, nil
}

func (f *fakeStore) UpdateDocument(id, document string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saves = append(f.saves, document)
	f.row.Document = document
	return nil
}

func (f *fakeStore) UpdateName(id, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.row.ID {
		return 0, nil
	}
	f.row.Name = name
	return 1, nil
}

func (f *fakeStore) setDocument(text string) {
	f.mu.Lock()
	f.row.Document = text
	f.mu.Unlock()
}

func (f *fakeStore) savedTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.saves...)
}

type fakeChats struct {
	mu         sync.Mutex
	messages   []model.ChatMessage
	answer     string
	started    []string
	deleted    []string
	mediaReqs  []upstream.MediaSearchRequest
	startErr   error
	promptBody func(ctx context.Context) io.ReadCloser

	// When set, GetMessages reports on fetching and then waits for release.
	fetching chan struct{}
	release  chan struct{}
}

func (f *fakeChats) holdFetches() {
	f.mu.Lock()
	f.fetching = make(chan struct{}, 1)
	f.release = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeChats) setPromptBody(body func(ctx context.Context) io.ReadCloser) {
	f.mu.Lock()
	f.promptBody = body
	f.mu.Unlock()
}

func (f *fakeChats) PostPrompt(ctx context.Context, chatID, prompt string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.messages = append(f.messages,
		model.ChatMessage{Role: model.RoleUser, Content: prompt},
		model.ChatMessage{Role: model.RoleAssistant, Content: f.answer},
	)
	body := f.promptBody
	f.mu.Unlock()
	if body != nil {
		return body(ctx), nil
	}
	return io.NopCloser(strings.NewReader(f.answer)), nil
}

func (f *fakeChats) StartChat(ctx context.Context, systemPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, systemPrompt)
	return "chat-new", nil
}

func (f *fakeChats) GetMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	f.mu.Lock()
	fetching, release := f.fetching, f.release
	f.mu.Unlock()
	if release != nil {
		select {
		case fetching <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ChatMessage(nil), f.messages...), nil
}

// pipeBody returns a prompt body that streams whatever the test writes to
// the returned writer and ends when the request is cancelled.
func pipeBody() (func(ctx context.Context) io.ReadCloser, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return func(ctx context.Context) io.ReadCloser {
		go func() {
			<-ctx.Done()
			pr.CloseWithError(ctx.Err())
		}()
		return pr
	}, pw
}

func (f *fakeChats) SearchMedia(ctx context.Context, req upstream.MediaSearchRequest) ([]model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaReqs = append(f.mediaReqs, req)
	if req.MessageIndex < len(f.messages) {
		f.messages[req.MessageIndex].Images = []model.MediaResult{{Link: "https://img.example/1.png"}}
	}
	return append([]model.ChatMessage(nil), f.messages...), nil
}

func (f *fakeChats) DeleteChat(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, chatID)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) publish(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func seededChats() *fakeChats {
	return &fakeChats{
		answer: "Answer two",
		messages: []model.ChatMessage{
			{Role: model.RoleSystem, Content: "You are a researcher."},
			{Role: model.RoleUser, Content: "Question one"},
			{Role: model.RoleAssistant, Content: "Answer one"},
		},
	}
}

func openTestSession(t *testing.T, store *fakeStore, chats *fakeChats, log *eventLog) *Session {
	t.Helper()
	s, err := OpenSession(context.Background(), store, chats, store.row.ID, SessionOptions{
		AutosaveDelay: 20 * time.Millisecond,
		Publish:       log.publish,
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(s.Discard)
	return s
}
