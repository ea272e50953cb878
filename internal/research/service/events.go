package service

import (
	"creatorevolve/internal/research/chat"
	"creatorevolve/internal/research/document"
	"creatorevolve/internal/research/model"
)

type EventType string

const (
	EventDocument EventType = "DOCUMENT"
	EventTurns    EventType = "TURNS"
	EventStream   EventType = "STREAM"
	EventMetadata EventType = "METADATA"
	EventError    EventType = "ERROR"
)

// Event is a state change a session pushes to everyone watching it.
type Event struct {
	Type    EventType
	Payload any
}

type DocumentPayload struct {
	Text    string              `json:"text"`
	Media   []document.MediaRef `json:"media"`
	CanUndo bool                `json:"can_undo"`
	CanRedo bool                `json:"can_redo"`
}

type TurnsPayload struct {
	Turns []model.QATurn `json:"turns"`
}

type StreamPayload struct {
	State   chat.State `json:"state"`
	Partial string     `json:"partial"`
	Error   string     `json:"error,omitempty"`
}

type MetadataPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
