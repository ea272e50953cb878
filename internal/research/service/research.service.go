package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	nethtml "golang.org/x/net/html"

	"creatorevolve/internal/research/chat"
	"creatorevolve/internal/research/model"
	"creatorevolve/internal/research/repository"
	"creatorevolve/pkg/logger"
)

const (
	defaultName   = "Untitled Research"
	snippetLength = 100
)

// Rooms is the live side of the workspace: open sessions keyed by research.
type Rooms interface {
	Evict(researchID string)
	Refresh(researchID string)
	// Flush persists the open session's unsaved edits, if any.
	Flush(researchID string)
}

type ResearchService struct {
	Repo    *repository.ResearchRepository
	Chats   ChatBackend
	Rooms   Rooms
	Session SessionOptions
}

func NewResearchService(repo *repository.ResearchRepository, chats ChatBackend, opts SessionOptions) *ResearchService {
	return &ResearchService{Repo: repo, Chats: chats, Session: opts}
}

// Create starts an upstream chat and stores a new, empty research for it.
func (s *ResearchService) Create(ctx context.Context, userID string, req model.CreateResearchRequest) (*model.CreateResearchResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultName
	}

	chatID, err := s.Chats.StartChat(ctx, req.SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("starting chat: %w", err)
	}

	res := model.Research{
		ID:      uuid.NewString(),
		Name:    name,
		OwnerID: userID,
		ChatID:  chatID,
	}
	if err := s.Repo.Create(res); err != nil {
		if derr := s.Chats.DeleteChat(ctx, chatID); derr != nil {
			logger.Sugar.Warnf("Failed to clean up chat %s: %v", chatID, derr)
		}
		return nil, err
	}
	return &model.CreateResearchResponse{ResearchID: res.ID, ChatID: chatID}, nil
}

func (s *ResearchService) List(userID string) ([]model.ResearchMetadata, error) {
	rows, err := s.Repo.ListByUser(userID)
	if err != nil {
		return nil, err
	}

	out := make([]model.ResearchMetadata, 0, len(rows))
	for _, res := range rows {
		members, err := s.Repo.GetMembers(res.ID)
		if err != nil {
			logger.Sugar.Warnf("Listing research %s without collaborators: %v", res.ID, err)
		}
		if members == nil {
			members = []model.CollaboratorInfo{}
		}
		out = append(out, model.ResearchMetadata{
			ID:        res.ID,
			Name:      res.Name,
			UpdatedAt: res.UpdatedAt,
			Snippet:   Snippet(res.Document),
			IsOwner:   res.OwnerID == userID,
			Collab:    members,
		})
	}
	return out, nil
}

// Get returns the research with its transcript, including edits still
// waiting for autosave.
func (s *ResearchService) Get(ctx context.Context, researchID, userID string) (*model.ResearchDetail, error) {
	if _, err := s.Role(researchID, userID); err != nil {
		return nil, err
	}
	s.flushLive(researchID)
	res, err := s.Repo.Get(researchID)
	if err != nil {
		return nil, err
	}
	messages, err := s.Chats.GetMessages(ctx, res.ChatID)
	if err != nil {
		return nil, fmt.Errorf("loading chat %s: %w", res.ChatID, err)
	}
	return &model.ResearchDetail{
		Research: *res,
		Messages: messages,
		Turns:    chat.DeriveTurns(messages),
	}, nil
}

func (s *ResearchService) Rename(researchID, userID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", model.ErrInvalidRequest)
	}
	access, err := s.Role(researchID, userID)
	if err != nil {
		return err
	}
	if !model.CanEdit(access) {
		return fmt.Errorf("%w: only writers can rename", model.ErrForbidden)
	}

	n, err := s.Repo.UpdateName(researchID, name)
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	if s.Rooms != nil {
		s.Rooms.Refresh(researchID)
	}
	return nil
}

// Delete removes the research, disconnects anyone editing it and drops the
// upstream chat. Only the owner may delete.
func (s *ResearchService) Delete(ctx context.Context, researchID, userID string) error {
	res, err := s.Repo.Get(researchID)
	if err != nil {
		return err
	}
	if res.OwnerID != userID {
		return fmt.Errorf("%w: only owner can delete", model.ErrForbidden)
	}

	if err := s.Repo.Delete(researchID); err != nil {
		return err
	}
	if s.Rooms != nil {
		s.Rooms.Evict(researchID)
	}
	if err := s.Chats.DeleteChat(ctx, res.ChatID); err != nil {
		logger.Sugar.Warnf("Failed to delete chat %s of research %s: %v", res.ChatID, researchID, err)
	}
	return nil
}

func (s *ResearchService) Invite(researchID, userID string, req model.InviteRequest) error {
	if !model.ValidCollaboratorRole(req.Role) {
		return fmt.Errorf("%w: role must be writer, reviewer, or reader", model.ErrInvalidRequest)
	}
	ownerID, err := s.Repo.GetOwnerID(researchID)
	if err != nil {
		return err
	}
	if ownerID != userID {
		return fmt.Errorf("%w: only owner can invite", model.ErrForbidden)
	}

	targetID, err := s.Repo.GetUserByEmail(req.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: user not found with that email", model.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return s.Repo.AddCollaborator(researchID, targetID, req.Role)
}

func (s *ResearchService) Members(researchID, userID string) ([]model.CollaboratorInfo, error) {
	hasAccess, err := s.Repo.CheckAccess(researchID, userID)
	if err != nil {
		return nil, err
	}
	if !hasAccess {
		return nil, fmt.Errorf("%w: no access to research %s", model.ErrForbidden, researchID)
	}
	return s.Repo.GetMembers(researchID)
}

// Export renders the document, including edits still waiting for autosave,
// as a standalone HTML page and returns it with a download file name.
func (s *ResearchService) Export(researchID, userID string) (string, []byte, error) {
	if _, err := s.Role(researchID, userID); err != nil {
		return "", nil, err
	}
	s.flushLive(researchID)
	res, err := s.Repo.Get(researchID)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>")
	b.WriteString(html.EscapeString(res.Name))
	b.WriteString("</title>\n</head>\n<body>\n")
	b.WriteString(res.Document)
	b.WriteString("\n</body>\n</html>\n")
	return ExportFileName(res.Name), []byte(b.String()), nil
}

// Role returns the caller's access level. A user without access gets
// ErrForbidden.
func (s *ResearchService) Role(researchID, userID string) (string, error) {
	ownerID, err := s.Repo.GetOwnerID(researchID)
	if err != nil {
		return "", err
	}
	if ownerID == userID {
		return model.AccessOwner, nil
	}
	role, err := s.Repo.GetCollaboratorRole(researchID, userID)
	if err != nil {
		return "", fmt.Errorf("%w: no access to research %s", model.ErrForbidden, researchID)
	}
	return role, nil
}

// flushLive saves a live session so the stored row reflects its edits.
func (s *ResearchService) flushLive(researchID string) {
	if s.Rooms != nil {
		s.Rooms.Flush(researchID)
	}
}

// OpenSession opens the live session for a research, publishing its events
// to publish.
func (s *ResearchService) OpenSession(ctx context.Context, researchID string, publish func(Event)) (*Session, error) {
	opts := s.Session
	opts.Publish = publish
	return OpenSession(ctx, s.Repo, s.Chats, researchID, opts)
}

var whitespace = regexp.MustCompile(`\s+`)

// Snippet extracts the leading visible text of a document.
func Snippet(document string) string {
	var sb strings.Builder
	z := nethtml.NewTokenizer(strings.NewReader(document))
	for sb.Len() <= snippetLength*4 {
		tt := z.Next()
		if tt == nethtml.ErrorToken {
			break
		}
		if tt == nethtml.TextToken {
			sb.Write(z.Text())
			sb.WriteByte(' ')
		}
	}

	text := strings.TrimSpace(whitespace.ReplaceAllString(sb.String(), " "))
	if utf8.RuneCountInString(text) <= snippetLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:snippetLength])) + "..."
}

var unsafeFileChars = regexp.MustCompile(`[^\p{L}\p{N}._ -]+`)

// ExportFileName turns a research name into a file name.
func ExportFileName(name string) string {
	base := strings.TrimSpace(unsafeFileChars.ReplaceAllString(name, ""))
	if base == "" {
		base = "research"
	}
	return base + ".html"
}

