package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"creatorevolve/internal/research/model"
	"creatorevolve/internal/research/service"
	"creatorevolve/internal/research/upstream"
	"creatorevolve/middleware"
	"creatorevolve/pkg/logger"
)

type ResearchHandler struct {
	Service *service.ResearchService
}

func NewResearchHandler(service *service.ResearchService) *ResearchHandler {
	return &ResearchHandler{Service: service}
}

func (h *ResearchHandler) CreateResearch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req model.CreateResearchRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // Ignore error, default to empty

	resp, err := h.Service.Create(r.Context(), userID, req)
	if err != nil {
		writeError(w, "create research", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *ResearchHandler) ListResearch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	list, err := h.Service.List(userID)
	if err != nil {
		writeError(w, "list research", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ResearchHandler) GetResearch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	detail, err := h.Service.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, "get research", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *ResearchHandler) RenameResearch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req model.RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.Service.Rename(chi.URLParam(r, "id"), userID, req.Name); err != nil {
		writeError(w, "rename research", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ResearchHandler) DeleteResearch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.Service.Delete(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeError(w, "delete research", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ResearchHandler) AddCollaborator(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req model.InviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.Service.Invite(chi.URLParam(r, "id"), userID, req); err != nil {
		writeError(w, "invite collaborator", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ResearchHandler) GetMembers(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	members, err := h.Service.Members(chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, "list members", err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *ResearchHandler) ExportResearch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	name, body, err := h.Service.Export(chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, "export research", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return userID, ok
}

// writeError maps service errors onto status codes. Only unexpected
// failures are logged as errors.
func writeError(w http.ResponseWriter, action string, err error) {
	var upstreamErr *upstream.StatusError
	switch {
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, model.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &upstreamErr):
		logger.Sugar.Errorf("Handler: Failed to %s: %v", action, err)
		http.Error(w, "Research service unavailable", http.StatusBadGateway)
	default:
		logger.Sugar.Errorf("Handler: Failed to %s: %v", action, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Errorf("Handler: Failed to encode response: %v", err)
	}
}
