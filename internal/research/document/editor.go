// Package document implements the research document buffer: a single
// serialized HTML string with linear undo/redo and media-aware removal.
package document

import (
	"strings"

	"creatorevolve/internal/research/model"
)

// DefaultHistoryLimit caps the number of snapshots an Editor keeps.
const DefaultHistoryLimit = 200

// Editor owns one DocumentText and its history. Every accepted edit is one
// whole-document snapshot; edits are never merged.
//
// Editor is not safe for concurrent use. The research session serializes
// access to it.
type Editor struct {
	history  []string
	cursor   int
	limit    int
	onChange func(string)
}

type Option func(*Editor)

// WithHistoryLimit bounds the history. Values below 1 disable the bound.
func WithHistoryLimit(n int) Option {
	return func(e *Editor) { e.limit = n }
}

// WithOnChange registers the callback invoked with the visible text after
// every commit, undo and redo.
func WithOnChange(fn func(string)) Option {
	return func(e *Editor) { e.onChange = fn }
}

func NewEditor(text string, opts ...Option) *Editor {
	e := &Editor{limit: DefaultHistoryLimit}
	for _, opt := range opts {
		opt(e)
	}
	e.Initialize(text)
	return e
}

// Initialize discards all history and starts over from text. The change
// callback is not invoked: the text came from the coordinator.
func (e *Editor) Initialize(text string) {
	e.history = []string{text}
	e.cursor = 0
}

func (e *Editor) Text() string {
	return e.history[e.cursor]
}

func (e *Editor) Cursor() int { return e.cursor }

func (e *Editor) Len() int { return len(e.history) }

func (e *Editor) CanUndo() bool { return e.cursor > 0 }

func (e *Editor) CanRedo() bool { return e.cursor < len(e.history)-1 }

// Commit records newText as a new snapshot after the cursor, dropping any
// redo tail.
func (e *Editor) Commit(newText string) {
	e.history = append(e.history[:e.cursor+1:e.cursor+1], newText)
	if e.limit > 0 && len(e.history) > e.limit {
		drop := len(e.history) - e.limit
		e.history = append([]string(nil), e.history[drop:]...)
	}
	e.cursor = len(e.history) - 1
	e.emit()
}

// Append commits current+fragment. An empty fragment is not an edit.
func (e *Editor) Append(fragment string) (string, bool) {
	if fragment == "" {
		return e.Text(), false
	}
	e.Commit(e.Text() + fragment)
	return e.Text(), true
}

// RemoveSelection deletes the first literal occurrence of selected. The
// selection must match the stored markup byte for byte; when it does not,
// nothing is committed.
func (e *Editor) RemoveSelection(selected string) (string, bool) {
	current := e.Text()
	if selected == "" {
		return current, false
	}
	i := strings.Index(current, selected)
	if i < 0 {
		return current, false
	}
	e.Commit(current[:i] + current[i+len(selected):])
	return e.Text(), true
}

// RemoveMediaAt removes the index-th fragment of the given kind, counted in
// document order. Stale or out-of-range indices leave the document alone.
func (e *Editor) RemoveMediaAt(kind model.MediaKind, index int) (string, bool) {
	current := e.Text()
	next, ok := removeMedia(current, kind, index)
	if !ok {
		return current, false
	}
	e.Commit(next)
	return e.Text(), true
}

// Media lists the media fragments of the visible text.
func (e *Editor) Media() []MediaRef {
	return ListMedia(e.Text())
}

func (e *Editor) Undo() (string, bool) {
	if e.cursor == 0 {
		return e.Text(), false
	}
	e.cursor--
	e.emit()
	return e.Text(), true
}

func (e *Editor) Redo() (string, bool) {
	if e.cursor >= len(e.history)-1 {
		return e.Text(), false
	}
	e.cursor++
	e.emit()
	return e.Text(), true
}

func (e *Editor) emit() {
	if e.onChange != nil {
		e.onChange(e.Text())
	}
}
