package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zhubert/plural-bridge/auth"
	"github.com/zhubert/plural-bridge/conversation"
	"github.com/zhubert/plural-bridge/snapshot"
)

// Handler carries the dependencies for all route handlers.
type Handler struct {
	registry  *conversation.Registry
	snapshots *snapshot.Store
	auth      *auth.Checker
	log       *slog.Logger
}

// NewHandler creates the API handler set.
func NewHandler(registry *conversation.Registry, snapshots *snapshot.Store, authChecker *auth.Checker, log *slog.Logger) *Handler {
	return &Handler{
		registry:  registry,
		snapshots: snapshots,
		auth:      authChecker,
		log:       log,
	}
}

type createConversationRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	SystemPrompt   string `json:"systemPrompt,omitempty"`
	Model          string `json:"model,omitempty"`
	Schema         string `json:"schema,omitempty"`
}

type createConversationResponse struct {
	ConversationID string `json:"conversationId"`
	SessionID      string `json:"sessionId"`
	Resumed        bool   `json:"resumed"`
	Created        bool   `json:"created"`
}

// CreateConversation spawns a conversation process, or attaches to the live
// one for the id. Reuse is not an error; the response says which happened.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}

	conv, created, err := h.registry.SpawnOrAttach(req.ConversationID, conversation.SpawnOptions{
		SessionID:    req.SessionID,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Schema:       req.Schema,
	})
	if err != nil {
		h.log.Error("conversation spawn failed", "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	WriteJSON(w, status, createConversationResponse{
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		Resumed:        conv.Resume,
		Created:        created,
	})
}

type sendMessageRequest struct {
	Content string   `json:"content"`
	Files   []string `json:"files,omitempty"` // data-URI attachments
}

// SendMessage writes one user turn to the conversation's process. A missing
// process is acknowledged anyway; only serialization failures surface.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "content is required")
		return
	}

	if err := h.registry.SendMessage(id, req.Content, req.Files); err != nil {
		WriteError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Stream attaches an SSE sink to the conversation. A second attach supersedes
// the first; the older response ends. Client disconnect detaches without
// touching the process.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sink := newSSESink()
	if err := h.registry.AttachSink(id, sink); err != nil {
		WriteError(w, http.StatusNotFound, CodeNotFound, "unknown conversation")
		return
	}
	defer h.registry.DetachSink(id, sink)

	serveSSE(w, r, sink)
}

type controlRequest struct {
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Approve approves a pending tool invocation.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "approve")
}

// Deny denies a pending tool invocation.
func (h *Handler) Deny(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "deny")
}

func (h *Handler) control(w http.ResponseWriter, r *http.Request, behavior string) {
	id := mux.Vars(r)["id"]

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if req.RequestID == "" {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "requestId is required")
		return
	}

	err := h.registry.SendControl(id, req.RequestID, behavior, req.Data, req.Reason)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		WriteError(w, http.StatusBadRequest, CodeProcessMissing, "no process for conversation")
	case errors.Is(err, conversation.ErrProcessMissing):
		WriteError(w, http.StatusBadRequest, CodeProcessMissing, "no live process for conversation")
	case err != nil:
		WriteError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
	default:
		WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// ListConversations returns a snapshot of all live conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.registry.List())
}

type conversationDetail struct {
	conversation.Summary
	History []conversation.Message `json:"history"`
}

// GetConversation returns one conversation's metadata and message history.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	conv, ok := h.registry.Get(id)
	if !ok {
		WriteError(w, http.StatusNotFound, CodeNotFound, "unknown conversation")
		return
	}
	WriteJSON(w, http.StatusOK, conversationDetail{
		Summary: conv.Summary(),
		History: conv.History(),
	})
}

// DeleteConversation terminates the backing process and removes the record.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.registry.Terminate(id); err != nil {
		WriteError(w, http.StatusNotFound, CodeNotFound, "unknown conversation")
		return
	}
	h.snapshots.Remove(id)
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type putSnapshotRequest struct {
	HTML string `json:"html"`
}

// PutSnapshot stores the page HTML for a conversation, replacing any
// previous snapshot.
func (h *Handler) PutSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req putSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if req.HTML == "" {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "html is required")
		return
	}

	if err := h.snapshots.Put(id, req.HTML); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// QueryElements extracts elements from the stored snapshot by CSS selector or
// XPath expression. Exactly one of the two query parameters must be given.
func (h *Handler) QueryElements(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	selector := r.URL.Query().Get("selector")
	xpath := r.URL.Query().Get("xpath")

	if (selector == "") == (xpath == "") {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "exactly one of selector or xpath is required")
		return
	}

	var elements []snapshot.Element
	var err error
	if selector != "" {
		elements, err = h.snapshots.QueryCSS(id, selector)
	} else {
		elements, err = h.snapshots.QueryXPath(id, xpath)
	}

	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
		WriteError(w, http.StatusNotFound, CodeNotFound, "no snapshot for conversation")
	case err != nil:
		WriteError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	default:
		WriteJSON(w, http.StatusOK, elements)
	}
}

// Health reports liveness and the number of live conversations.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"conversations": len(h.registry.List()),
	})
}

// AuthStatus reports whether CLI credentials look usable. Diagnostic only;
// conversation operations never consult it.
func (h *Handler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.auth.Status())
}
