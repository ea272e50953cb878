package model

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("research not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid request")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaImage || k == MediaVideo
}

// MediaResult is one hit from the upstream media search. Context holds the
// source page URL, Link the media itself.
type MediaResult struct {
	Context   string `json:"context"`
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail"`
	Link      string `json:"link"`
	ID        string `json:"id,omitempty"`
}

type ChatMessage struct {
	Role    Role          `json:"role"`
	Content string        `json:"content"`
	Images  []MediaResult `json:"images,omitempty"`
	Videos  []MediaResult `json:"videos,omitempty"`
}

// QATurn is derived from a user message and the assistant message that
// answers it. It is never stored.
type QATurn struct {
	Question string        `json:"question"`
	Answer   string        `json:"answer"`
	Images   []MediaResult `json:"images,omitempty"`
	Videos   []MediaResult `json:"videos,omitempty"`
}

type Research struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	ChatID    string    `json:"chat_id"`
	Document  string    `json:"document"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ResearchMetadata struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	UpdatedAt time.Time          `json:"updated_at"`
	Snippet   string             `json:"snippet"`
	IsOwner   bool               `json:"is_owner"`
	Collab    []CollaboratorInfo `json:"collab"`
}

type CollaboratorInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type CreateResearchRequest struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type CreateResearchResponse struct {
	ResearchID string `json:"research_id"`
	ChatID     string `json:"chat_id"`
}

type RenameRequest struct {
	Name string `json:"name"`
}

type InviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// ResearchDetail is what GET /api/research/{id} returns: the stored row plus
// the canonical transcript and its derived turns.
type ResearchDetail struct {
	Research
	Messages []ChatMessage `json:"messages"`
	Turns    []QATurn      `json:"turns"`
}

// Access levels a user can hold on a research. The owner edits implicitly.
const (
	AccessOwner    = "owner"
	AccessWriter   = "writer"
	AccessReviewer = "reviewer"
	AccessReader   = "reader"
)

// CanEdit reports whether access allows changing the document or chat.
func CanEdit(access string) bool {
	return access == AccessOwner || access == AccessWriter
}

func ValidCollaboratorRole(role string) bool {
	return role == AccessWriter || role == AccessReviewer || role == AccessReader
}
