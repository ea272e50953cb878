package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/text/encoding/unicode"

	"creatorevolve/internal/research/model"
)

type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateFailed    State = "failed"
)

// Status is a snapshot of the streaming overlay.
type Status struct {
	State   State  `json:"state"`
	Partial string `json:"partial"`
	Err     error  `json:"-"`
}

// ErrStreaming reports a prompt rejected because another one is outstanding.
var ErrStreaming = fmt.Errorf("%w: a prompt is already streaming", model.ErrInvalidRequest)

// PromptTransport opens a streamed answer for prompt. Cancelling ctx must
// abort the request and unblock reads on the returned body.
type PromptTransport interface {
	PostPrompt(ctx context.Context, chatID, prompt string) (io.ReadCloser, error)
}

// Hooks observe a stream. OnStart and OnChunk run with the stream lock held,
// OnChunk receiving the accumulated partial answer; neither may call back
// into the Stream. The other hooks run after the lock is released.
type Hooks struct {
	OnStart    func()
	OnChunk    func(partial string)
	OnComplete func()
	OnCancel   func()
	OnFail     func(err error)
}

// Stream holds at most one outstanding prompt for a chat.
type Stream struct {
	transport PromptTransport
	chatID    string
	hooks     Hooks
	readSize  int

	mu      sync.Mutex
	state   State
	partial strings.Builder
	err     error
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewStream(transport PromptTransport, chatID string, hooks Hooks) *Stream {
	return &Stream{
		transport: transport,
		chatID:    chatID,
		hooks:     hooks,
		readSize:  4096,
		state:     StateIdle,
	}
}

// Send starts streaming an answer to prompt. It returns false without
// touching the transport when prompt is blank or a request is already
// outstanding.
func (s *Stream) Send(ctx context.Context, prompt string) bool {
	if strings.TrimSpace(prompt) == "" {
		return false
	}

	s.mu.Lock()
	if s.state == StateStreaming {
		s.mu.Unlock()
		return false
	}
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(ctx)
	s.state = StateStreaming
	s.partial.Reset()
	s.err = nil
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	if s.hooks.OnStart != nil {
		s.hooks.OnStart()
	}
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		s.run(runCtx, gen, prompt)
	}()
	return true
}

// Cancel aborts the outstanding request, if any, and discards the partial
// answer. No chunk is applied once Cancel returns.
func (s *Stream) Cancel() {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.state = StateIdle
	s.partial.Reset()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	if s.hooks.OnCancel != nil {
		s.hooks.OnCancel()
	}
}

func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, Partial: s.partial.String(), Err: s.err}
}

// WithStatus calls fn with the current status while holding the lock, so
// whatever fn publishes is ordered with OnStart and OnChunk. fn must not
// call back into the Stream.
func (s *Stream) WithStatus(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(Status{State: s.state, Partial: s.partial.String(), Err: s.err})
}

func (s *Stream) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStreaming
}

// Wait blocks until the most recently started request has released its
// transport.
func (s *Stream) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Stream) run(ctx context.Context, gen uint64, prompt string) {
	body, err := s.transport.PostPrompt(ctx, s.chatID, prompt)
	if err != nil {
		s.finish(gen, fmt.Errorf("opening prompt stream: %w", err))
		return
	}
	defer body.Close()

	// The decoder keeps multi-byte sequences split across reads intact.
	r := unicode.UTF8.NewDecoder().Reader(body)
	buf := make([]byte, s.readSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 && !s.apply(gen, string(buf[:n])) {
			return
		}
		if errors.Is(readErr, io.EOF) {
			s.finish(gen, nil)
			return
		}
		if readErr != nil {
			s.finish(gen, fmt.Errorf("reading prompt stream: %w", readErr))
			return
		}
	}
}

// apply appends chunk when gen is still the live request.
func (s *Stream) apply(gen uint64, chunk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateStreaming {
		return false
	}
	s.partial.WriteString(chunk)
	if s.hooks.OnChunk != nil {
		s.hooks.OnChunk(s.partial.String())
	}
	return true
}

func (s *Stream) finish(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateStreaming {
		// cancelled; Cancel already reset the state
		s.mu.Unlock()
		return
	}
	s.partial.Reset()
	s.cancel = nil
	if err != nil {
		s.state = StateFailed
		s.err = err
	} else {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if err != nil {
		if s.hooks.OnFail != nil {
			s.hooks.OnFail(err)
		}
		return
	}
	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete()
	}
}
